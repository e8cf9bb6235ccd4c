package core

import (
	"context"
	"fmt"

	"studycore/pkg/domain"
)

// NewDemographicUniquenessRule blocks commits that leave two rows for one
// participant in a demographic dataset. Only datasets touched by the
// transaction are checked, so legacy data is never retroactively rejected.
func NewDemographicUniquenessRule() domain.Rule {
	return demographicUniquenessRule{}
}

type demographicUniquenessRule struct{}

func (demographicUniquenessRule) Name() string { return "demographic_uniqueness" }

type datasetRef struct {
	studyID   string
	datasetID int
}

func (demographicUniquenessRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	touched := make(map[datasetRef]struct{})
	var order []datasetRef
	mark := func(ref datasetRef) {
		if _, ok := touched[ref]; !ok {
			touched[ref] = struct{}{}
			order = append(order, ref)
		}
	}
	for _, change := range changes {
		switch change.Entity {
		case domain.EntityRow:
			if row, ok := change.After.(domain.Row); ok {
				mark(datasetRef{row.StudyID, row.DatasetID})
			}
		case domain.EntityDataset:
			after, ok := change.After.(domain.DatasetDefinition)
			if !ok || !after.Demographic {
				continue
			}
			if before, ok := change.Before.(domain.DatasetDefinition); ok && before.Demographic {
				continue
			}
			mark(datasetRef{after.StudyID, after.DatasetID})
		}
	}

	res := domain.Result{}
	for _, ref := range order {
		def, ok := view.FindDataset(ref.studyID, ref.datasetID)
		if !ok || !def.Demographic {
			continue
		}
		counts := make(map[string]int)
		var dupes []string
		for _, row := range view.ListRows(ref.studyID, ref.datasetID) {
			counts[row.ParticipantID]++
			if counts[row.ParticipantID] == 2 {
				dupes = append(dupes, row.ParticipantID)
			}
		}
		for _, ptid := range dupes {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "demographic_uniqueness",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("Dataset %s is demographic but participant %s has %d rows.", def.Name, ptid, counts[ptid]),
				Entity:   domain.EntityDataset,
				EntityID: def.ID,
			})
		}
	}
	return res, nil
}
