// Package visitindex maintains the participant registry and the
// participant<->visit index derived from a dataset's stored rows.
package visitindex

import (
	"math"
	"sort"
	"strings"
	"time"

	"studycore/pkg/domain"
)

// ColumnStartDate is the demographic column that sets a participant's start
// date in date-based studies.
const ColumnStartDate = "StartDate"

// Reconcile registers participants missing from the study and rebuilds the
// index entries of one dataset from its stored rows. Run it inside the
// transaction that changed the rows.
func Reconcile(tx domain.Transaction, study domain.Study, def domain.DatasetDefinition) error {
	view := tx.Snapshot()
	rows := tx.ListRows(study.ID, def.DatasetID)

	participants := make(map[string]domain.Participant)
	for _, p := range view.ListParticipants(study.ID) {
		participants[p.ParticipantID] = p
	}
	for _, row := range rows {
		p, known := participants[row.ParticipantID]
		changed := !known
		if !known {
			p = domain.Participant{StudyID: study.ID, ParticipantID: row.ParticipantID, StartDate: study.StartDate}
		}
		if def.Demographic && !study.TimepointType.IsVisitBased() {
			if start, ok := StartDate(row); ok && (p.StartDate == nil || !p.StartDate.Equal(start)) {
				p.StartDate = &start
				changed = true
			}
		}
		if !changed {
			continue
		}
		saved, err := tx.UpsertParticipant(p)
		if err != nil {
			return err
		}
		participants[saved.ParticipantID] = saved
	}

	if def.Demographic {
		return tx.ReplaceParticipantVisits(study.ID, def.DatasetID, nil)
	}
	visits := view.ListVisits(study.ID)
	entries := make([]domain.ParticipantVisit, 0, len(rows))
	for _, row := range rows {
		pv := domain.ParticipantVisit{
			StudyID:       study.ID,
			DatasetID:     def.DatasetID,
			ParticipantID: row.ParticipantID,
			SequenceNum:   row.SequenceNum,
			VisitDate:     row.Date,
		}
		if study.TimepointType.IsVisitBased() {
			pv.VisitID = ForSequence(visits, row.SequenceNum)
		} else if row.Date != nil {
			start := participants[row.ParticipantID].StartDate
			if start == nil {
				start = study.StartDate
			}
			if start != nil {
				day := DayOffset(*start, *row.Date)
				pv.Day = &day
				pv.VisitID = ForDay(visits, day)
			}
		}
		entries = append(entries, pv)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ParticipantID != entries[j].ParticipantID {
			return entries[i].ParticipantID < entries[j].ParticipantID
		}
		return entries[i].SequenceNum < entries[j].SequenceNum
	})
	return tx.ReplaceParticipantVisits(study.ID, def.DatasetID, entries)
}

// ForSequence returns the id of the first visit whose range holds seq.
func ForSequence(visits []domain.Visit, seq float64) *string {
	for _, v := range visits {
		if v.ContainsSequence(seq) {
			id := v.ID
			return &id
		}
	}
	return nil
}

// ForDay returns the id of the first visit whose day window holds day.
func ForDay(visits []domain.Visit, day int) *string {
	for _, v := range visits {
		if v.ContainsDay(day) {
			id := v.ID
			return &id
		}
	}
	return nil
}

// DayOffset counts whole calendar days from start to d.
func DayOffset(start, d time.Time) int {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return int(math.Round(e.Sub(s).Hours() / 24))
}

// StartDate reads the StartDate value of a demographic row. Values are
// time.Time in memory and RFC3339 strings after a snapshot reload.
func StartDate(row domain.Row) (time.Time, bool) {
	switch v := row.Values[ColumnStartDate].(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
			if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
