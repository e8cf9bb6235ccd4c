package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"studycore/internal/identity"
	"studycore/internal/observability"
	"studycore/internal/schema"
	"studycore/internal/visitindex"
	"studycore/pkg/domain"
)

// UpdateRequest replaces values of one stored row. Values are keyed by
// column name; the subject column, SequenceNum and Date move the row.
type UpdateRequest struct {
	StudyID  string
	Dataset  schema.DatasetRef
	Identity domain.Identity
	Values   map[string]any
}

// UpdateRow merges req.Values over the stored row, deletes the old identity
// and inserts the merged row under its recomputed identity in one
// transaction. The merged row keeps its creation time and takes the study
// default QC state.
func (p *Pipeline) UpdateRow(ctx context.Context, req UpdateRequest) (domain.ImportOutcome, error) {
	timer := observability.Start(p.recorder, "update_row")
	outcome, err := p.runUpdate(ctx, req)
	if err == nil && !outcome.Complete {
		err = errRejected
	}
	timer.Done(ctx, err)
	if errors.Is(err, errRejected) {
		return outcome, nil
	}
	return outcome, err
}

func (p *Pipeline) runUpdate(ctx context.Context, req UpdateRequest) (domain.ImportOutcome, error) {
	if err := ctx.Err(); err != nil {
		return domain.ImportOutcome{}, err
	}
	study, def, err := p.resolve(ctx, req.StudyID, req.Dataset)
	if err != nil {
		return domain.ImportOutcome{}, err
	}
	outcome := domain.ImportOutcome{Complete: true}
	var newID domain.Identity
	_, err = p.store.RunInTransaction(context.WithoutCancel(ctx), func(tx domain.Transaction) error {
		old, ok := tx.FindRow(study.ID, def.DatasetID, req.Identity)
		if !ok {
			outcome.Fail(fmt.Sprintf("Record not found with identity: %s", req.Identity))
			return errRejected
		}
		merged, msgs := mergeRow(study, def, old, req.Values)
		if len(msgs) == 0 {
			keys := identity.KeyColumns(def, merged.Values)
			if k := keys[def.KeyPropertyName]; k != nil {
				merged.Key = fmt.Sprint(k)
			}
			visit := identity.VisitFor(def, study.TimepointType, merged.SequenceNum, merged.Date)
			merged.Identity = p.engine.Compute(identity.Scope{Container: study.ContainerID}, def.DatasetID, keys, merged.ParticipantID, visit)
		}
		for _, msg := range msgs {
			outcome.Fail(msg)
		}
		if !outcome.Complete {
			return errRejected
		}

		if err := tx.DeleteRow(study.ID, def.DatasetID, old.Identity); err != nil {
			return err
		}
		_, inStore := tx.FindRow(study.ID, def.DatasetID, merged.Identity)
		if c := identity.CheckDuplicates(identity.PolicySourceAndDestination, false, inStore); c != identity.CollisionNone {
			outcome.Fail(fmt.Sprintf("Row 1 is a duplicate of a row in %s: %s.", c.Reason(), merged.Identity))
			return errRejected
		}
		qc, err := resolveQCState(tx.Snapshot(), study, nil)
		if err != nil {
			outcome.Fail(err.Error())
			return errRejected
		}
		merged.QCStateID = qc
		merged.CreatedAt = old.CreatedAt
		if _, err := tx.InsertRow(merged); err != nil {
			return err
		}
		newID = merged.Identity
		return visitindex.Reconcile(tx, study, def)
	})
	if err != nil {
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
		return domain.ImportOutcome{}, domain.WrapUnexpected("update row", err)
	}
	p.log.Infow("row updated", "study", study.ID, "dataset", def.DatasetID, "from", req.Identity, "to", newID)
	p.defs.Invalidate(ctx, def)
	outcome.Identities = []domain.Identity{newID}
	return outcome, nil
}

// mergeRow overlays values on old. The QC state is dropped.
func mergeRow(study domain.Study, def domain.DatasetDefinition, old domain.Row, values map[string]any) (domain.Row, []string) {
	merged := old.Clone()
	merged.QCStateID = nil
	if merged.Values == nil {
		merged.Values = make(map[string]any)
	}
	identity.RestoreValues(def, merged.Values)
	var msgs []string
	for name, raw := range values {
		switch name {
		case study.SubjectColumn():
			ptid, _ := convertValue(domain.ColumnString, raw)
			s, _ := ptid.(string)
			merged.ParticipantID = s
			continue
		case ColumnSequenceNum:
			seq, err := convertValue(domain.ColumnFloat, raw)
			if err != nil {
				msgs = append(msgs, fmt.Sprintf("Row 1 data type error for field %s.", name))
				continue
			}
			f, _ := seq.(float64)
			merged.SequenceNum = f
			continue
		case ColumnDate:
			d, err := convertValue(domain.ColumnDate, raw)
			if err != nil {
				msgs = append(msgs, fmt.Sprintf("Row 1 data type error for field %s.", name))
				continue
			}
			if t, ok := d.(time.Time); ok {
				merged.Date = &t
			} else {
				merged.Date = nil
			}
			continue
		}
		col, ok := def.Column(name)
		if !ok {
			continue
		}
		val, err := convertValue(col.Type, raw)
		if err != nil {
			msgs = append(msgs, fmt.Sprintf("Row 1 data type error for field %s.", name))
			continue
		}
		if val == nil {
			delete(merged.Values, name)
		} else {
			merged.Values[name] = val
		}
	}
	if merged.ParticipantID == "" {
		msgs = append(msgs, fmt.Sprintf("Row 1 does not contain required field %s.", study.SubjectColumn()))
	}
	for _, col := range def.Columns {
		if col.Required && merged.Values[col.Name] == nil {
			msgs = append(msgs, fmt.Sprintf("Row 1 does not contain required field %s.", col.Name))
		}
	}
	if !def.Demographic && !study.TimepointType.IsVisitBased() {
		if merged.Date == nil {
			msgs = append(msgs, fmt.Sprintf("Row 1 does not contain required field %s.", ColumnDate))
		} else {
			merged.SequenceNum = identity.SequenceFromDate(*merged.Date)
		}
	}
	sort.Strings(msgs)
	return merged, msgs
}

// DeleteRows removes rows by identity. A missing identity rejects the whole
// request.
func (p *Pipeline) DeleteRows(ctx context.Context, studyID string, ref schema.DatasetRef, ids []domain.Identity) (domain.ImportOutcome, error) {
	if err := ctx.Err(); err != nil {
		return domain.ImportOutcome{}, err
	}
	study, def, err := p.resolve(ctx, studyID, ref)
	if err != nil {
		return domain.ImportOutcome{}, err
	}
	outcome := domain.ImportOutcome{Complete: true}
	_, err = p.store.RunInTransaction(context.WithoutCancel(ctx), func(tx domain.Transaction) error {
		for _, id := range ids {
			if err := tx.DeleteRow(study.ID, def.DatasetID, id); err != nil {
				if errors.Is(err, domain.ErrRowNotFound) {
					outcome.Fail(fmt.Sprintf("Record not found with identity: %s", id))
					continue
				}
				return err
			}
		}
		if !outcome.Complete {
			return errRejected
		}
		return visitindex.Reconcile(tx, study, def)
	})
	if err != nil {
		if errors.Is(err, errRejected) {
			return outcome, nil
		}
		return domain.ImportOutcome{}, domain.WrapUnexpected("delete rows", err)
	}
	p.recorder.AddRows("delete", len(ids))
	p.defs.Invalidate(ctx, def)
	outcome.Identities = ids
	return outcome, nil
}
