package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"studycore/pkg/domain"
)

// transaction represents a mutation set applied to a private copy of the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

// helper to record and append change entries.
func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// CreateContainer stores a new container; the path must be unused.
func (tx *transaction) CreateContainer(c domain.Container) (domain.Container, error) {
	c.Path = NormalizePath(c.Path)
	if c.Path == "/" {
		return domain.Container{}, errors.New("container path required")
	}
	if _, exists := tx.FindContainerByPath(c.Path); exists {
		return domain.Container{}, fmt.Errorf("container %q already exists", c.Path)
	}
	if c.ID == "" {
		c.ID = tx.store.newID()
	}
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	tx.state.containers[c.ID] = c
	tx.recordChange(Change{Entity: domain.EntityContainer, Action: domain.ActionCreate, After: c})
	return c, nil
}

// CreateStudy stores a study; a container may own at most one.
func (tx *transaction) CreateStudy(s domain.Study) (domain.Study, error) {
	if _, ok := tx.state.containers[s.ContainerID]; !ok {
		return domain.Study{}, domain.ErrNotFound{Entity: domain.EntityContainer, ID: s.ContainerID}
	}
	if existing, ok := tx.FindStudyByContainer(s.ContainerID); ok {
		return domain.Study{}, fmt.Errorf("container %q already has study %q", s.ContainerID, existing.ID)
	}
	if _, err := domain.ParseTimepointType(string(s.TimepointType)); err != nil {
		return domain.Study{}, err
	}
	if s.ID == "" {
		s.ID = tx.store.newID()
	}
	if s.Status == "" {
		s.Status = domain.StudyStatusReady
	}
	s.CreatedAt = tx.now
	s.UpdatedAt = tx.now
	tx.state.studies[s.ID] = cloneStudy(s)
	tx.recordChange(Change{Entity: domain.EntityStudy, Action: domain.ActionCreate, After: cloneStudy(s)})
	return cloneStudy(s), nil
}

// UpdateStudy mutates an existing study.
func (tx *transaction) UpdateStudy(id string, mutator func(*domain.Study) error) (domain.Study, error) {
	current, ok := tx.state.studies[id]
	if !ok {
		return domain.Study{}, domain.ErrNotFound{Entity: domain.EntityStudy, ID: id}
	}
	before := cloneStudy(current)
	if err := mutator(&current); err != nil {
		return domain.Study{}, err
	}
	current.ID = id
	current.ContainerID = before.ContainerID
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.studies[id] = cloneStudy(current)
	tx.recordChange(Change{Entity: domain.EntityStudy, Action: domain.ActionUpdate, Before: before, After: cloneStudy(current)})
	return cloneStudy(current), nil
}

// CreateDataset stores a new dataset definition keyed by (study, dataset id).
func (tx *transaction) CreateDataset(d domain.DatasetDefinition) (domain.DatasetDefinition, error) {
	if _, ok := tx.state.studies[d.StudyID]; !ok {
		return domain.DatasetDefinition{}, domain.ErrNotFound{Entity: domain.EntityStudy, ID: d.StudyID}
	}
	key := datasetKey(d.StudyID, d.DatasetID)
	if _, exists := tx.state.datasets[key]; exists {
		return domain.DatasetDefinition{}, fmt.Errorf("dataset %d already exists in study %q", d.DatasetID, d.StudyID)
	}
	if d.ID == "" {
		d.ID = tx.store.newID()
	}
	if d.KeyManagement == "" {
		d.KeyManagement = domain.KeyManagementNone
	}
	d.CreatedAt = tx.now
	d.UpdatedAt = tx.now
	tx.state.datasets[key] = d.Clone()
	tx.recordChange(Change{Entity: domain.EntityDataset, Action: domain.ActionCreate, After: d.Clone()})
	return d.Clone(), nil
}

// UpdateDataset mutates a dataset definition. The mutator may not re-key it.
func (tx *transaction) UpdateDataset(studyID string, datasetID int, mutator func(*domain.DatasetDefinition) error) (domain.DatasetDefinition, error) {
	key := datasetKey(studyID, datasetID)
	current, ok := tx.state.datasets[key]
	if !ok {
		return domain.DatasetDefinition{}, domain.ErrDefinitionNotFound
	}
	before := current.Clone()
	next := current.Clone()
	if err := mutator(&next); err != nil {
		return domain.DatasetDefinition{}, err
	}
	next.ID = before.ID
	next.StudyID = studyID
	next.DatasetID = datasetID
	next.CreatedAt = before.CreatedAt
	next.UpdatedAt = tx.now
	tx.state.datasets[key] = next.Clone()
	tx.recordChange(Change{Entity: domain.EntityDataset, Action: domain.ActionUpdate, Before: before, After: next.Clone()})
	return next.Clone(), nil
}

// DeleteDataset removes a definition together with its rows and index entries.
func (tx *transaction) DeleteDataset(studyID string, datasetID int) error {
	key := datasetKey(studyID, datasetID)
	current, ok := tx.state.datasets[key]
	if !ok {
		return domain.ErrDefinitionNotFound
	}
	prefix := rowPrefix(studyID, datasetID)
	for k := range tx.state.rows {
		if strings.HasPrefix(k, prefix) {
			delete(tx.state.rows, k)
		}
	}
	delete(tx.state.participantVisits, key)
	delete(tx.state.datasets, key)
	tx.recordChange(Change{Entity: domain.EntityDataset, Action: domain.ActionDelete, Before: current.Clone()})
	return nil
}

// InsertRow stores a row under its identity. Existing identities are never
// overwritten; callers delete first.
func (tx *transaction) InsertRow(r domain.Row) (domain.Row, error) {
	if _, ok := tx.state.datasets[datasetKey(r.StudyID, r.DatasetID)]; !ok {
		return domain.Row{}, domain.ErrDefinitionNotFound
	}
	if r.Identity == "" {
		return domain.Row{}, errors.New("row identity required")
	}
	key := rowKey(r.StudyID, r.DatasetID, r.Identity)
	if _, exists := tx.state.rows[key]; exists {
		return domain.Row{}, fmt.Errorf("%w: %s", domain.ErrDuplicateRow, r.Identity)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = tx.now
	}
	r.UpdatedAt = tx.now
	tx.state.rows[key] = r.Clone()
	tx.recordChange(Change{Entity: domain.EntityRow, Action: domain.ActionCreate, After: r.Clone()})
	return r.Clone(), nil
}

// DeleteRow removes the row carrying id.
func (tx *transaction) DeleteRow(studyID string, datasetID int, id domain.Identity) error {
	key := rowKey(studyID, datasetID, id)
	current, ok := tx.state.rows[key]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRowNotFound, id)
	}
	delete(tx.state.rows, key)
	tx.recordChange(Change{Entity: domain.EntityRow, Action: domain.ActionDelete, Before: current.Clone()})
	return nil
}

// CreateVisit stores a visit definition.
func (tx *transaction) CreateVisit(v domain.Visit) (domain.Visit, error) {
	if _, ok := tx.state.studies[v.StudyID]; !ok {
		return domain.Visit{}, domain.ErrNotFound{Entity: domain.EntityStudy, ID: v.StudyID}
	}
	if v.SequenceMax < v.SequenceMin {
		return domain.Visit{}, fmt.Errorf("visit %q sequence range inverted", v.Label)
	}
	if v.ID == "" {
		v.ID = tx.store.newID()
	}
	if _, exists := tx.state.visits[v.ID]; exists {
		return domain.Visit{}, fmt.Errorf("visit %q already exists", v.ID)
	}
	v.CreatedAt = tx.now
	v.UpdatedAt = tx.now
	tx.state.visits[v.ID] = cloneVisit(v)
	tx.recordChange(Change{Entity: domain.EntityVisit, Action: domain.ActionCreate, After: cloneVisit(v)})
	return cloneVisit(v), nil
}

// CreateCohort stores a cohort.
func (tx *transaction) CreateCohort(c domain.Cohort) (domain.Cohort, error) {
	if _, ok := tx.state.studies[c.StudyID]; !ok {
		return domain.Cohort{}, domain.ErrNotFound{Entity: domain.EntityStudy, ID: c.StudyID}
	}
	if c.ID == "" {
		c.ID = tx.store.newID()
	}
	if _, exists := tx.state.cohorts[c.ID]; exists {
		return domain.Cohort{}, fmt.Errorf("cohort %q already exists", c.ID)
	}
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	tx.state.cohorts[c.ID] = c
	tx.recordChange(Change{Entity: domain.EntityCohort, Action: domain.ActionCreate, After: c})
	return c, nil
}

// CreateQCState stores a QC state.
func (tx *transaction) CreateQCState(q domain.QCState) (domain.QCState, error) {
	if _, ok := tx.state.studies[q.StudyID]; !ok {
		return domain.QCState{}, domain.ErrNotFound{Entity: domain.EntityStudy, ID: q.StudyID}
	}
	if q.ID == "" {
		q.ID = tx.store.newID()
	}
	if _, exists := tx.state.qcStates[q.ID]; exists {
		return domain.QCState{}, fmt.Errorf("qc state %q already exists", q.ID)
	}
	q.CreatedAt = tx.now
	q.UpdatedAt = tx.now
	tx.state.qcStates[q.ID] = q
	tx.recordChange(Change{Entity: domain.EntityQCState, Action: domain.ActionCreate, After: q})
	return q, nil
}

// UpsertParticipant creates or replaces a participant registration.
func (tx *transaction) UpsertParticipant(p domain.Participant) (domain.Participant, error) {
	if _, ok := tx.state.studies[p.StudyID]; !ok {
		return domain.Participant{}, domain.ErrNotFound{Entity: domain.EntityStudy, ID: p.StudyID}
	}
	if strings.TrimSpace(p.ParticipantID) == "" {
		return domain.Participant{}, errors.New("participant id required")
	}
	if p.CohortID != nil {
		if _, ok := tx.state.cohorts[*p.CohortID]; !ok {
			return domain.Participant{}, domain.ErrNotFound{Entity: domain.EntityCohort, ID: *p.CohortID}
		}
	}
	key := participantKey(p.StudyID, p.ParticipantID)
	before, existed := tx.state.participants[key]
	tx.state.participants[key] = p
	if existed {
		tx.recordChange(Change{Entity: domain.EntityParticipant, Action: domain.ActionUpdate, Before: before, After: p})
	} else {
		tx.recordChange(Change{Entity: domain.EntityParticipant, Action: domain.ActionCreate, After: p})
	}
	return p, nil
}

// ReplaceParticipantVisits swaps the index entries derived from one dataset.
func (tx *transaction) ReplaceParticipantVisits(studyID string, datasetID int, entries []domain.ParticipantVisit) error {
	key := datasetKey(studyID, datasetID)
	if _, ok := tx.state.datasets[key]; !ok {
		return domain.ErrDefinitionNotFound
	}
	before := tx.state.participantVisits[key]
	if len(entries) == 0 {
		delete(tx.state.participantVisits, key)
	} else {
		tx.state.participantVisits[key] = append([]domain.ParticipantVisit(nil), entries...)
	}
	tx.recordChange(Change{Entity: domain.EntityParticipantVisit, Action: domain.ActionUpdate, Before: before, After: entries})
	return nil
}

func (tx *transaction) FindContainerByPath(path string) (domain.Container, bool) {
	return newTransactionView(&tx.state).FindContainerByPath(path)
}

func (tx *transaction) FindStudy(id string) (domain.Study, bool) {
	return newTransactionView(&tx.state).FindStudy(id)
}

func (tx *transaction) FindStudyByContainer(containerID string) (domain.Study, bool) {
	return newTransactionView(&tx.state).FindStudyByContainer(containerID)
}

func (tx *transaction) FindDataset(studyID string, datasetID int) (domain.DatasetDefinition, bool) {
	return newTransactionView(&tx.state).FindDataset(studyID, datasetID)
}

func (tx *transaction) FindRow(studyID string, datasetID int, id domain.Identity) (domain.Row, bool) {
	return newTransactionView(&tx.state).FindRow(studyID, datasetID, id)
}

func (tx *transaction) ListRows(studyID string, datasetID int) []domain.Row {
	return newTransactionView(&tx.state).ListRows(studyID, datasetID)
}
