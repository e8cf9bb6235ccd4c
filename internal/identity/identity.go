// Package identity derives deterministic row identities, evaluates duplicate
// policies and resolves the column alias table used by imports.
package identity

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"studycore/pkg/domain"
)

// DemographicVisit is the visit segment used for rows of demographic datasets.
const DemographicVisit = "demographic"

// DefaultAuthority is used when an Engine has no authority configured.
const DefaultAuthority = "studycore.local"

// Scope names the container whose rows an identity belongs to. Copied rows
// are re-keyed with the destination scope.
type Scope struct {
	Container string
}

// VisitRef locates a row in time: a sequence number for visit-based studies,
// a date for date-based ones, or neither for demographic rows.
type VisitRef struct {
	Sequence *float64
	Date     *time.Time
}

// AtSequence builds a sequence-number visit reference.
func AtSequence(seq float64) VisitRef { return VisitRef{Sequence: &seq} }

// OnDate builds a date visit reference.
func OnDate(d time.Time) VisitRef { return VisitRef{Date: &d} }

// segment renders the visit part of an identity. Dates win over sequence
// numbers because date-based studies derive the sequence from the date.
func (v VisitRef) segment() string {
	switch {
	case v.Date != nil:
		return v.Date.UTC().Format("20060102")
	case v.Sequence != nil:
		return strconv.FormatFloat(*v.Sequence, 'f', 4, 64)
	default:
		return DemographicVisit
	}
}

// Engine computes identities for one LSID authority.
type Engine struct {
	Authority string
}

// NewEngine returns an engine for authority, falling back to DefaultAuthority.
func NewEngine(authority string) Engine {
	if strings.TrimSpace(authority) == "" {
		authority = DefaultAuthority
	}
	return Engine{Authority: authority}
}

// Compute returns
//
//	urn:lsid:<authority>:Study.Data-<container>:<datasetId>.<visit>.<ptid>[.<key>...]
//
// Key columns are appended ordered by column name so map iteration order
// never leaks into the identity. Nil key values are skipped.
func (e Engine) Compute(scope Scope, datasetID int, keyColumns map[string]any, participantID string, visit VisitRef) domain.Identity {
	authority := e.Authority
	if authority == "" {
		authority = DefaultAuthority
	}
	var b strings.Builder
	fmt.Fprintf(&b, "urn:lsid:%s:Study.Data-%s:%d.%s.%s", authority, scope.Container, datasetID, visit.segment(), participantID)
	names := make([]string, 0, len(keyColumns))
	for name, value := range keyColumns {
		if value != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteByte('.')
		b.WriteString(formatKey(keyColumns[name]))
	}
	return domain.Identity(b.String())
}

// VisitFor derives the visit reference of a row under the dataset and study
// timepoint model.
func VisitFor(def domain.DatasetDefinition, tp domain.TimepointType, seq float64, date *time.Time) VisitRef {
	switch {
	case def.Demographic:
		return VisitRef{}
	case tp.IsVisitBased():
		return AtSequence(seq)
	case date != nil:
		return OnDate(*date)
	default:
		return VisitRef{}
	}
}

// SequenceFromDate encodes a date as the yyyymmdd sequence number date-based
// studies store alongside the row.
func SequenceFromDate(d time.Time) float64 {
	d = d.UTC()
	return float64(d.Year()*10000 + int(d.Month())*100 + d.Day())
}

func formatKey(v any) string {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format("20060102T150405")
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
