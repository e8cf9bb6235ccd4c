package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"studycore/internal/identity"
	"studycore/internal/jobs"
	"studycore/internal/visitindex"
	"studycore/pkg/domain"
)

// Invalidator drops cached definitions of a study.
type Invalidator interface {
	InvalidateStudy(ctx context.Context, studyID string)
}

// CopyJobHandler fills a minimal child study from its source: properties,
// QC states, visits, cohorts, participants, the selected datasets and their
// rows re-keyed for the destination container.
type CopyJobHandler struct {
	store  domain.PersistentStore
	defs   Invalidator
	engine identity.Engine
	log    *zap.SugaredLogger
}

// NewCopyJobHandler wires a copy handler. defs may be nil.
func NewCopyJobHandler(store domain.PersistentStore, defs Invalidator, engine identity.Engine, log *zap.SugaredLogger) *CopyJobHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &CopyJobHandler{store: store, defs: defs, engine: engine, log: log}
}

// Handle decodes a CopyJob payload and runs it.
func (h *CopyJobHandler) Handle(ctx context.Context, job jobs.Job) error {
	var cj CopyJob
	if err := json.Unmarshal(job.Payload, &cj); err != nil {
		return fmt.Errorf("decode copy job: %w", err)
	}
	return h.Run(ctx, cj)
}

// Run copies the source study into the destination and marks it ready. On
// failure the destination is marked failed with the reason and kept.
func (h *CopyJobHandler) Run(ctx context.Context, cj CopyJob) error {
	log := h.log.With("src", cj.SourceStudyID, "dst", cj.DestinationStudyID, "created_container", cj.DestinationCreated)
	var copied int
	_, err := h.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		n, err := h.copyStudy(tx, cj)
		copied = n
		return err
	})
	if err != nil {
		log.Errorw("child study copy failed", "error", err)
		if markErr := h.markFailed(ctx, cj.DestinationStudyID, err); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	}
	if h.defs != nil {
		h.defs.InvalidateStudy(ctx, cj.DestinationStudyID)
	}
	log.Infow("child study ready", "rows", copied)
	return nil
}

func (h *CopyJobHandler) markFailed(ctx context.Context, studyID string, cause error) error {
	_, err := h.store.RunInTransaction(context.WithoutCancel(ctx), func(tx domain.Transaction) error {
		_, err := tx.UpdateStudy(studyID, func(s *domain.Study) error {
			s.Status = domain.StudyStatusFailed
			s.FailureReason = cause.Error()
			return nil
		})
		return err
	})
	return err
}

// copier holds the id maps of one copy run.
type copier struct {
	tx       domain.Transaction
	engine   identity.Engine
	src, dst domain.Study
	dstScope identity.Scope
	req      domain.ChildStudyRequest
	qc       map[string]string
	visits   map[string]string
	cohorts  map[string]string
	ptids    map[string]string
}

func (h *CopyJobHandler) copyStudy(tx domain.Transaction, cj CopyJob) (int, error) {
	src, ok := tx.FindStudy(cj.SourceStudyID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrStudyNotFound, cj.SourceStudyID)
	}
	dst, ok := tx.FindStudy(cj.DestinationStudyID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrStudyNotFound, cj.DestinationStudyID)
	}
	mode, err := domain.ParseCopyMode(cj.Request.Mode)
	if err != nil {
		return 0, err
	}
	view := tx.Snapshot()
	c := &copier{
		tx:       tx,
		engine:   h.engine,
		src:      src,
		dst:      dst,
		dstScope: identity.Scope{Container: dst.ContainerID},
		req:      cj.Request,
		qc:       make(map[string]string),
		visits:   make(map[string]string),
		cohorts:  make(map[string]string),
		ptids:    make(map[string]string),
	}

	for _, q := range view.ListQCStates(src.ID) {
		saved, err := tx.CreateQCState(domain.QCState{StudyID: dst.ID, Label: q.Label, PublicData: q.PublicData})
		if err != nil {
			return 0, err
		}
		c.qc[q.ID] = saved.ID
	}
	if err := c.copyVisits(view); err != nil {
		return 0, err
	}
	for _, co := range view.ListCohorts(src.ID) {
		saved, err := tx.CreateCohort(domain.Cohort{StudyID: dst.ID, Label: co.Label})
		if err != nil {
			return 0, err
		}
		c.cohorts[co.ID] = saved.ID
	}

	if _, err := tx.UpdateStudy(dst.ID, func(s *domain.Study) error {
		s.Label = src.Label
		if c.req.Label != "" {
			s.Label = c.req.Label
		}
		s.StartDate = src.StartDate
		s.ShareDatasetDefinitions = src.ShareDatasetDefinitions
		if src.DefaultQCStateID != nil {
			if id, ok := c.qc[*src.DefaultQCStateID]; ok {
				s.DefaultQCStateID = &id
			}
		}
		return nil
	}); err != nil {
		return 0, err
	}
	if dst, ok = tx.FindStudy(dst.ID); !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrStudyNotFound, cj.DestinationStudyID)
	}
	c.dst = dst

	if err := c.copyParticipants(view, mode); err != nil {
		return 0, err
	}

	index := make(map[string]*string)
	for _, pv := range view.ListParticipantVisits(src.ID) {
		index[indexKey(pv.DatasetID, pv.ParticipantID, pv.SequenceNum)] = pv.VisitID
	}
	total := 0
	for _, def := range selectDatasets(view.ListDatasets(src.ID), c.req.Datasets, dst.TimepointType) {
		n, err := c.copyDataset(view, def, index)
		if err != nil {
			return 0, fmt.Errorf("copy dataset %s: %w", def.Name, err)
		}
		total += n
	}

	_, err = tx.UpdateStudy(dst.ID, func(s *domain.Study) error {
		s.Status = domain.StudyStatusReady
		s.FailureReason = ""
		return nil
	})
	return total, err
}

func (c *copier) copyVisits(view domain.TransactionView) error {
	for _, v := range view.ListVisits(c.src.ID) {
		oldID := v.ID
		v.Base = domain.Base{}
		v.StudyID = c.dst.ID
		saved, err := c.tx.CreateVisit(v)
		if err != nil {
			return err
		}
		c.visits[oldID] = saved.ID
	}
	return nil
}

// copyParticipants registers the source participants that pass the cohort
// filter. Publish mode may replace ids with stable alternates.
func (c *copier) copyParticipants(view domain.TransactionView, mode domain.CopyMode) error {
	alternate := mode == domain.CopyModePublish && c.req.UseAlternateParticipantIDs
	n := 0
	for _, p := range view.ListParticipants(c.src.ID) {
		if len(c.req.Cohorts) > 0 && (p.CohortID == nil || !slices.Contains(c.req.Cohorts, *p.CohortID)) {
			continue
		}
		id := p.ParticipantID
		if alternate {
			n++
			id = alternateID(n)
		}
		c.ptids[p.ParticipantID] = id
		out := domain.Participant{StudyID: c.dst.ID, ParticipantID: id, StartDate: p.StartDate}
		if p.CohortID != nil {
			if mapped, ok := c.cohorts[*p.CohortID]; ok {
				out.CohortID = &mapped
			}
		}
		if _, err := c.tx.UpsertParticipant(out); err != nil {
			return err
		}
	}
	return nil
}

func alternateID(n int) string {
	return fmt.Sprintf("ALT%05d", n)
}

// selectDatasets applies the request's dataset filter. Datasets supplying
// visit dates are always copied, and so are StartDate demographics for
// studies that are not visit-based.
func selectDatasets(defs []domain.DatasetDefinition, want []int, tp domain.TimepointType) []domain.DatasetDefinition {
	if len(want) == 0 {
		return defs
	}
	var out []domain.DatasetDefinition
	for _, def := range defs {
		_, hasStart := def.Column(visitindex.ColumnStartDate)
		switch {
		case slices.Contains(want, def.DatasetID),
			def.VisitDatePropertyName != "",
			def.Demographic && hasStart && !tp.IsVisitBased():
			out = append(out, def)
		}
	}
	return out
}

func (c *copier) copyDataset(view domain.TransactionView, def domain.DatasetDefinition, index map[string]*string) (int, error) {
	next := def.Clone()
	next.Base = domain.Base{}
	next.StudyID = c.dst.ID
	created, err := c.tx.CreateDataset(next)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, row := range view.ListRows(c.src.ID, def.DatasetID) {
		ptid, ok := c.ptids[row.ParticipantID]
		if !ok {
			continue
		}
		if len(c.req.Visits) > 0 && !def.Demographic {
			visit := index[indexKey(def.DatasetID, row.ParticipantID, row.SequenceNum)]
			if visit == nil || !slices.Contains(c.req.Visits, *visit) {
				continue
			}
		}
		out := row.Clone()
		out.StudyID = c.dst.ID
		out.ParticipantID = ptid
		out.SourceIdentity = row.Identity
		out.CreatedAt = row.CreatedAt
		out.QCStateID = nil
		if row.QCStateID != nil {
			if mapped, ok := c.qc[*row.QCStateID]; ok {
				out.QCStateID = &mapped
			}
		}
		identity.RestoreValues(created, out.Values)
		keys := identity.KeyColumns(created, out.Values)
		visit := identity.VisitFor(created, c.dst.TimepointType, row.SequenceNum, row.Date)
		out.Identity = c.engine.Compute(c.dstScope, created.DatasetID, keys, ptid, visit)
		if _, err := c.tx.InsertRow(out); err != nil {
			return 0, err
		}
		n++
	}
	if err := visitindex.Reconcile(c.tx, c.dst, created); err != nil {
		return 0, err
	}
	return n, nil
}

func indexKey(datasetID int, ptid string, seq float64) string {
	return strconv.Itoa(datasetID) + "|" + ptid + "|" + strconv.FormatFloat(seq, 'f', -1, 64)
}
