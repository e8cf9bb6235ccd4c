package importer

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"studycore/internal/identity"
	"studycore/pkg/domain"
)

// stagedRow is a validated row awaiting application.
type stagedRow struct {
	number int
	row    domain.Row
}

// validator converts records into rows and collects one message per
// offending row.
type validator struct {
	engine   identity.Engine
	study    domain.Study
	def      domain.DatasetDefinition
	policy   identity.DuplicatePolicy
	stored   map[domain.Identity]bool
	tracker  *identity.Tracker
	nextKey  int64
	messages []string
}

func newValidator(engine identity.Engine, study domain.Study, def domain.DatasetDefinition, policy identity.DuplicatePolicy, existing []domain.Row) *validator {
	v := &validator{
		engine:  engine,
		study:   study,
		def:     def,
		policy:  policy,
		stored:  make(map[domain.Identity]bool, len(existing)),
		tracker: identity.NewTracker(),
		nextKey: 1,
	}
	for _, r := range existing {
		v.stored[r.Identity] = true
		if def.HasManagedKey() {
			if f, ok := toFloat(r.Values[def.KeyPropertyName]); ok && int64(f) >= v.nextKey {
				v.nextKey = int64(f) + 1
			}
		}
	}
	return v
}

func (v *validator) fail(format string, args ...any) {
	v.messages = append(v.messages, fmt.Sprintf(format, args...))
}

// row validates record number n. It reports false after recording a message.
func (v *validator) row(n int, b binding, record []string) (stagedRow, bool) {
	subject := v.study.SubjectColumn()
	row := domain.Row{StudyID: v.study.ID, DatasetID: v.def.DatasetID, Values: make(map[string]any)}

	ptid, _ := b.value(record, subject)
	if ptid == "" {
		v.fail("Row %d does not contain required field %s.", n, subject)
		return stagedRow{}, false
	}
	row.ParticipantID = ptid

	for _, col := range v.def.Columns {
		raw, ok := b.value(record, col.Name)
		if !ok {
			continue
		}
		val, err := convertValue(col.Type, raw)
		if err != nil {
			v.fail("Row %d data type error for field %s.", n, col.Name)
			return stagedRow{}, false
		}
		if val != nil {
			row.Values[col.Name] = val
		}
	}

	seqSet := false
	if raw, ok := b.value(record, ColumnSequenceNum); ok && raw != "" {
		seq, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(seq) {
			v.fail("Row %d data type error for field %s.", n, ColumnSequenceNum)
			return stagedRow{}, false
		}
		row.SequenceNum = seq
		seqSet = true
	}
	if raw, ok := b.value(record, ColumnDate); ok && raw != "" {
		d, err := parseDate(raw)
		if err != nil {
			v.fail("Row %d data type error for field %s.", n, ColumnDate)
			return stagedRow{}, false
		}
		row.Date = &d
	}
	replace := false
	if raw, ok := b.value(record, ColumnReplace); ok && raw != "" {
		r, err := parseBool(raw)
		if err != nil {
			v.fail("Row %d data type error for field %s.", n, ColumnReplace)
			return stagedRow{}, false
		}
		replace = r
	}
	if !v.locate(n, &row, seqSet) {
		return stagedRow{}, false
	}

	if v.def.HasManagedKey() && row.Values[v.def.KeyPropertyName] == nil {
		row.Values[v.def.KeyPropertyName] = v.nextKey
	}
	if v.def.HasManagedKey() {
		if f, ok := toFloat(row.Values[v.def.KeyPropertyName]); ok && int64(f) >= v.nextKey {
			v.nextKey = int64(f) + 1
		}
	}

	for _, col := range v.def.Columns {
		if col.Required && row.Values[col.Name] == nil {
			v.fail("Row %d does not contain required field %s.", n, col.Name)
			return stagedRow{}, false
		}
	}

	return v.identify(n, row, replace)
}

// locate fills the visit coordinates demanded by the timepoint model.
func (v *validator) locate(n int, row *domain.Row, seqSet bool) bool {
	if row.Date == nil && v.def.VisitDatePropertyName != "" {
		if d, ok := asTime(row.Values[v.def.VisitDatePropertyName]); ok {
			row.Date = &d
		}
	}
	if v.def.Demographic {
		return true
	}
	if v.study.TimepointType.IsVisitBased() {
		if !seqSet {
			v.fail("Row %d does not contain required field %s.", n, ColumnSequenceNum)
			return false
		}
		return true
	}
	if row.Date == nil {
		v.fail("Row %d does not contain required field %s.", n, ColumnDate)
		return false
	}
	row.SequenceNum = identity.SequenceFromDate(*row.Date)
	return true
}

func (v *validator) identify(n int, row domain.Row, replace bool) (stagedRow, bool) {
	keys := identity.KeyColumns(v.def, row.Values)
	visit := identity.VisitFor(v.def, v.study.TimepointType, row.SequenceNum, row.Date)
	row.Identity = v.engine.Compute(identity.Scope{Container: v.study.ContainerID}, v.def.DatasetID, keys, row.ParticipantID, visit)
	if k := keys[v.def.KeyPropertyName]; k != nil {
		row.Key = fmt.Sprint(k)
	}

	inStore := v.stored[row.Identity] && !replace
	collision := v.tracker.Check(row.Identity, n, v.policy, inStore)
	if collision != identity.CollisionNone {
		v.fail("Row %d is a duplicate of a row in %s: %s.", n, collision.Reason(), v.describe(row))
		return stagedRow{}, false
	}
	return stagedRow{number: n, row: row}, true
}

// describe renders the identifying coordinates of a row for messages.
func (v *validator) describe(row domain.Row) string {
	noun := v.study.SubjectNounSingular
	if noun == "" {
		noun = "Participant"
	}
	out := fmt.Sprintf("%s = %s", noun, row.ParticipantID)
	if !v.def.Demographic {
		if v.study.TimepointType.IsVisitBased() {
			out += ", VisitSequenceNum = " + strconv.FormatFloat(row.SequenceNum, 'f', -1, 64)
		} else if row.Date != nil {
			out += ", Date = " + row.Date.Format(time.DateOnly)
		}
	}
	if v.def.KeyPropertyName != "" {
		out += fmt.Sprintf(", %s = %v", v.def.KeyPropertyName, row.Values[v.def.KeyPropertyName])
	}
	return out
}
