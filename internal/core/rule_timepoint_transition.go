package core

import (
	"context"

	"studycore/pkg/domain"
)

// NewTimepointTransitionRule blocks study updates that change the timepoint
// model in a direction the timepoint policy forbids.
func NewTimepointTransitionRule() domain.Rule {
	return timepointTransitionRule{}
}

type timepointTransitionRule struct{}

func (timepointTransitionRule) Name() string { return "timepoint_transition" }

func (timepointTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityStudy || change.Action != domain.ActionUpdate {
			continue
		}
		before, okBefore := change.Before.(domain.Study)
		after, okAfter := change.After.(domain.Study)
		if !okBefore || !okAfter {
			continue
		}
		if err := domain.ValidateTransition(before.TimepointType, after.TimepointType); err != nil {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "timepoint_transition",
				Severity: domain.SeverityBlock,
				Message:  err.Error(),
				Entity:   domain.EntityStudy,
				EntityID: after.ID,
			})
		}
	}
	return res, nil
}
