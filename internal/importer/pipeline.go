// Package importer runs tabular imports into datasets: parse, validate,
// delete-then-insert and derived-state reconciliation inside one store
// transaction. Batches are all-or-nothing.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"studycore/internal/blob/core"
	"studycore/internal/identity"
	"studycore/internal/observability"
	"studycore/internal/schema"
	"studycore/internal/visitindex"
	"studycore/pkg/domain"
)

// Phase is one state of an import invocation.
type Phase string

const (
	PhaseParsing     Phase = "parsing"
	PhaseValidating  Phase = "validating"
	PhaseApplying    Phase = "applying"
	PhaseReconciling Phase = "reconciling"
	PhaseCommitted   Phase = "committed"
	PhaseRolledBack  Phase = "rolled_back"
)

// DefinitionSource resolves and invalidates dataset definitions.
type DefinitionSource interface {
	GetDefinition(ctx context.Context, studyID string, ref schema.DatasetRef) (domain.DatasetDefinition, error)
	Invalidate(ctx context.Context, def domain.DatasetDefinition)
}

// Request describes one import. Every setting is request-scoped.
type Request struct {
	StudyID   string
	Dataset   schema.DatasetRef
	Data      io.Reader
	ColumnMap map[string]string
	Policy    identity.DuplicatePolicy
	// QCStateID overrides the study default QC state for accepted rows.
	QCStateID *string
}

// Pipeline imports tabular data. It takes no locks; callers serialise imports
// per dataset (see Locker).
type Pipeline struct {
	store    domain.PersistentStore
	defs     DefinitionSource
	engine   identity.Engine
	blobs    core.Store
	log      *zap.SugaredLogger
	recorder observability.Recorder
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithBlobStore enables staged imports.
func WithBlobStore(store core.Store) Option { return func(p *Pipeline) { p.blobs = store } }

// WithLogger sets the pipeline logger.
func WithLogger(log *zap.SugaredLogger) Option { return func(p *Pipeline) { p.log = log } }

// WithRecorder records import metrics.
func WithRecorder(rec observability.Recorder) Option {
	return func(p *Pipeline) { p.recorder = rec }
}

// NewPipeline wires a pipeline over the store and definition source.
func NewPipeline(store domain.PersistentStore, defs DefinitionSource, engine identity.Engine, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    store,
		defs:     defs,
		engine:   engine,
		log:      zap.NewNop().Sugar(),
		recorder: observability.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// errRejected aborts the transaction when validation produced messages.
var errRejected = errors.New("import rejected")

func (p *Pipeline) phase(ph Phase, kv ...any) {
	p.log.Debugw("import phase", append([]any{"phase", string(ph)}, kv...)...)
}

// Import runs one import. Invalid input yields an incomplete outcome and a
// nil error; missing studies or definitions and storage faults are errors.
func (p *Pipeline) Import(ctx context.Context, req Request) (domain.ImportOutcome, error) {
	timer := observability.Start(p.recorder, "import")
	outcome, err := p.runImport(ctx, req)
	if err == nil && !outcome.Complete {
		err = errRejected
	}
	timer.Done(ctx, err)
	if errors.Is(err, errRejected) {
		return outcome, nil
	}
	return outcome, err
}

func (p *Pipeline) runImport(ctx context.Context, req Request) (domain.ImportOutcome, error) {
	if err := ctx.Err(); err != nil {
		return domain.ImportOutcome{}, err
	}
	study, def, err := p.resolve(ctx, req.StudyID, req.Dataset)
	if err != nil {
		return domain.ImportOutcome{}, err
	}
	log := []any{"study", study.ID, "dataset", def.DatasetID}
	outcome := domain.ImportOutcome{Complete: true}

	p.phase(PhaseParsing, log...)
	if req.Data == nil {
		outcome.Fail("No data provided.")
		p.phase(PhaseRolledBack, log...)
		return outcome, nil
	}
	tbl, err := readTable(req.Data)
	if err != nil {
		return domain.ImportOutcome{}, domain.WrapStorage("read import source", err)
	}
	if tbl.header == nil {
		outcome.Fail("No data provided.")
		p.phase(PhaseRolledBack, log...)
		return outcome, nil
	}
	aliases := identity.ResolveColumnAliases(req.ColumnMap, study.TimepointType)
	bind, problems := bindHeader(tbl.header, aliases, knownColumns(study, def))
	for _, msg := range problems {
		outcome.Fail(msg)
	}
	if err := checkKeyColumns(bind, study, def); err != nil {
		outcome.Fail(missingKeyMessage(err))
	}
	if !outcome.Complete {
		p.phase(PhaseRolledBack, log...)
		return outcome, nil
	}

	// cancellation is honoured up to here; the transaction runs to completion
	if err := ctx.Err(); err != nil {
		return domain.ImportOutcome{}, err
	}
	var accepted []domain.Identity
	_, err = p.store.RunInTransaction(context.WithoutCancel(ctx), func(tx domain.Transaction) error {
		p.phase(PhaseValidating, log...)
		v := newValidator(p.engine, study, def, req.Policy, tx.ListRows(study.ID, def.DatasetID))
		rows := make([]stagedRow, 0, len(tbl.records))
		for i, record := range tbl.records {
			if row, ok := v.row(i+1, bind, record); ok {
				rows = append(rows, row)
			}
		}
		qc, err := resolveQCState(tx.Snapshot(), study, req.QCStateID)
		if err != nil {
			v.messages = append(v.messages, err.Error())
		}
		if len(v.messages) > 0 {
			for _, msg := range v.messages {
				outcome.Fail(msg)
			}
			return errRejected
		}

		p.phase(PhaseApplying, append(log, "rows", len(rows))...)
		accepted, err = applyRows(tx, study, def, collapse(rows), qc)
		if err != nil {
			return err
		}
		if len(accepted) == 0 {
			return nil
		}
		p.phase(PhaseReconciling, log...)
		return visitindex.Reconcile(tx, study, def)
	})
	if err != nil {
		p.phase(PhaseRolledBack, log...)
		var rv domain.RuleViolationError
		switch {
		case errors.Is(err, errRejected):
			return outcome, nil
		case errors.As(err, &rv):
			for _, msg := range rv.Result.Messages() {
				outcome.Fail(msg)
			}
			return outcome, nil
		}
		p.log.Errorw("import failed", append(log, "error", err)...)
		return domain.ImportOutcome{}, domain.WrapUnexpected("import", err)
	}

	p.phase(PhaseCommitted, append(log, "rows", len(accepted))...)
	p.recorder.AddRows("import", len(accepted))
	p.defs.Invalidate(ctx, def)
	outcome.Identities = accepted
	return outcome, nil
}

// ResolveDataset returns the id of the dataset ref names in the study.
func (p *Pipeline) ResolveDataset(ctx context.Context, studyID string, ref schema.DatasetRef) (int, error) {
	_, def, err := p.resolve(ctx, studyID, ref)
	if err != nil {
		return 0, err
	}
	return def.DatasetID, nil
}

func (p *Pipeline) resolve(ctx context.Context, studyID string, ref schema.DatasetRef) (domain.Study, domain.DatasetDefinition, error) {
	var study domain.Study
	var found bool
	if err := p.store.View(ctx, func(v domain.TransactionView) error {
		study, found = v.FindStudy(studyID)
		return nil
	}); err != nil {
		return domain.Study{}, domain.DatasetDefinition{}, domain.WrapUnexpected("load study", err)
	}
	if !found {
		return domain.Study{}, domain.DatasetDefinition{}, fmt.Errorf("%w: %s", domain.ErrStudyNotFound, studyID)
	}
	def, err := p.defs.GetDefinition(ctx, studyID, ref)
	if err != nil {
		return domain.Study{}, domain.DatasetDefinition{}, err
	}
	return study, def, nil
}

func missingKeyMessage(err error) string {
	msg := err.Error()
	return strings.ToUpper(msg[:1]) + msg[1:] + "."
}

func resolveQCState(view domain.TransactionView, study domain.Study, override *string) (*string, error) {
	id := study.DefaultQCStateID
	if override != nil && *override != "" {
		id = override
	}
	if id == nil {
		return nil, nil
	}
	for _, q := range view.ListQCStates(study.ID) {
		if q.ID == *id || strings.EqualFold(q.Label, *id) {
			qc := q.ID
			return &qc, nil
		}
	}
	return nil, fmt.Errorf("QC state '%s' does not exist.", *id)
}

// collapse keeps one row per identity, in first-seen position with the
// values of the last occurrence.
func collapse(rows []stagedRow) []stagedRow {
	pos := make(map[domain.Identity]int, len(rows))
	out := make([]stagedRow, 0, len(rows))
	for _, r := range rows {
		if i, ok := pos[r.row.Identity]; ok {
			out[i] = r
			continue
		}
		pos[r.row.Identity] = len(out)
		out = append(out, r)
	}
	return out
}

// applyRows deletes any stored row carrying an accepted identity and inserts
// the new version, keeping the original creation time.
func applyRows(tx domain.Transaction, study domain.Study, def domain.DatasetDefinition, rows []stagedRow, qc *string) ([]domain.Identity, error) {
	ids := make([]domain.Identity, 0, len(rows))
	for _, r := range rows {
		row := r.row
		if existing, ok := tx.FindRow(study.ID, def.DatasetID, row.Identity); ok {
			row.CreatedAt = existing.CreatedAt
			if err := tx.DeleteRow(study.ID, def.DatasetID, row.Identity); err != nil {
				return nil, err
			}
		}
		row.QCStateID = qc
		if _, err := tx.InsertRow(row); err != nil {
			return nil, err
		}
		ids = append(ids, row.Identity)
	}
	return ids, nil
}
