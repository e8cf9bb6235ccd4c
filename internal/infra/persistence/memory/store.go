// Package memory provides an in-memory implementation of the study persistence
// store used for tests, ephemeral environments, and as the transactional core
// of the snapshotting sqlite and postgres stores.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"studycore/pkg/domain"

	"github.com/google/uuid"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	containers        map[string]domain.Container
	studies           map[string]domain.Study
	datasets          map[string]domain.DatasetDefinition
	rows              map[string]domain.Row
	visits            map[string]domain.Visit
	participants      map[string]domain.Participant
	participantVisits map[string][]domain.ParticipantVisit
	cohorts           map[string]domain.Cohort
	qcStates          map[string]domain.QCState
}

// Snapshot captures a point-in-time clone of the store state. Each field is
// persisted as one bucket by the snapshotting stores.
type Snapshot struct {
	Containers        map[string]domain.Container           `json:"containers"`
	Studies           map[string]domain.Study               `json:"studies"`
	Datasets          map[string]domain.DatasetDefinition   `json:"datasets"`
	Rows              map[string]domain.Row                 `json:"rows"`
	Visits            map[string]domain.Visit               `json:"visits"`
	Participants      map[string]domain.Participant         `json:"participants"`
	ParticipantVisits map[string][]domain.ParticipantVisit `json:"participant_visits"`
	Cohorts           map[string]domain.Cohort              `json:"cohorts"`
	QCStates          map[string]domain.QCState             `json:"qc_states"`
}

// Buckets lists the snapshot bucket names in persistence order.
var Buckets = []string{
	"containers",
	"studies",
	"datasets",
	"rows",
	"visits",
	"participants",
	"participant_visits",
	"cohorts",
	"qc_states",
}

// BucketTargets maps bucket names to the snapshot fields they decode into.
func (s *Snapshot) BucketTargets() map[string]any {
	return map[string]any{
		"containers":         &s.Containers,
		"studies":            &s.Studies,
		"datasets":           &s.Datasets,
		"rows":               &s.Rows,
		"visits":             &s.Visits,
		"participants":       &s.Participants,
		"participant_visits": &s.ParticipantVisits,
		"cohorts":            &s.Cohorts,
		"qc_states":          &s.QCStates,
	}
}

func newMemoryState() memoryState {
	return memoryState{
		containers:        make(map[string]domain.Container),
		studies:           make(map[string]domain.Study),
		datasets:          make(map[string]domain.DatasetDefinition),
		rows:              make(map[string]domain.Row),
		visits:            make(map[string]domain.Visit),
		participants:      make(map[string]domain.Participant),
		participantVisits: make(map[string][]domain.ParticipantVisit),
		cohorts:           make(map[string]domain.Cohort),
		qcStates:          make(map[string]domain.QCState),
	}
}

func (s memoryState) clone() memoryState {
	out := newMemoryState()
	for k, v := range s.containers {
		out.containers[k] = v
	}
	for k, v := range s.studies {
		out.studies[k] = cloneStudy(v)
	}
	for k, v := range s.datasets {
		out.datasets[k] = v.Clone()
	}
	for k, v := range s.rows {
		out.rows[k] = v.Clone()
	}
	for k, v := range s.visits {
		out.visits[k] = cloneVisit(v)
	}
	for k, v := range s.participants {
		out.participants[k] = v
	}
	for k, v := range s.participantVisits {
		out.participantVisits[k] = append([]domain.ParticipantVisit(nil), v...)
	}
	for k, v := range s.cohorts {
		out.cohorts[k] = v
	}
	for k, v := range s.qcStates {
		out.qcStates[k] = v
	}
	return out
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	c := state.clone()
	return Snapshot{
		Containers:        c.containers,
		Studies:           c.studies,
		Datasets:          c.datasets,
		Rows:              c.rows,
		Visits:            c.visits,
		Participants:      c.participants,
		ParticipantVisits: c.participantVisits,
		Cohorts:           c.cohorts,
		QCStates:          c.qcStates,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := memoryState{
		containers:        s.Containers,
		studies:           s.Studies,
		datasets:          s.Datasets,
		rows:              s.Rows,
		visits:            s.Visits,
		participants:      s.Participants,
		participantVisits: s.ParticipantVisits,
		cohorts:           s.Cohorts,
		qcStates:          s.QCStates,
	}
	// nil buckets from older or partial snapshots become empty maps
	fresh := newMemoryState()
	if state.containers == nil {
		state.containers = fresh.containers
	}
	if state.studies == nil {
		state.studies = fresh.studies
	}
	if state.datasets == nil {
		state.datasets = fresh.datasets
	}
	if state.rows == nil {
		state.rows = fresh.rows
	}
	if state.visits == nil {
		state.visits = fresh.visits
	}
	if state.participants == nil {
		state.participants = fresh.participants
	}
	if state.participantVisits == nil {
		state.participantVisits = fresh.participantVisits
	}
	if state.cohorts == nil {
		state.cohorts = fresh.cohorts
	}
	if state.qcStates == nil {
		state.qcStates = fresh.qcStates
	}
	return state.clone()
}

func cloneStudy(s domain.Study) domain.Study {
	cp := s
	if s.StartDate != nil {
		d := *s.StartDate
		cp.StartDate = &d
	}
	if s.SourceStudyID != nil {
		id := *s.SourceStudyID
		cp.SourceStudyID = &id
	}
	if s.DefaultQCStateID != nil {
		id := *s.DefaultQCStateID
		cp.DefaultQCStateID = &id
	}
	return cp
}

func cloneVisit(v domain.Visit) domain.Visit {
	cp := v
	if v.DayMin != nil {
		d := *v.DayMin
		cp.DayMin = &d
	}
	if v.DayMax != nil {
		d := *v.DayMax
		cp.DayMax = &d
	}
	return cp
}

func datasetKey(studyID string, datasetID int) string {
	return studyID + "|" + strconv.Itoa(datasetID)
}

func rowKey(studyID string, datasetID int, id domain.Identity) string {
	return datasetKey(studyID, datasetID) + "|" + string(id)
}

func rowPrefix(studyID string, datasetID int) string {
	return datasetKey(studyID, datasetID) + "|"
}

func participantKey(studyID, participantID string) string {
	return studyID + "|" + participantID
}

// NormalizePath canonicalises a container path to a leading-slash form without a trailing slash.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.Trim(path, "/")
	return "/" + path
}

// Store provides an in-memory transactional store for the study domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// RunInTransaction executes fn against a private copy of the state. The copy
// replaces the live state only when fn succeeds and no blocking rule fires.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, fmt.Errorf("evaluate rules: %w", err)
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}
