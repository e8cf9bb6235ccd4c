// Package core wires the study persistence backends and the commit-time rule
// set that guards study invariants.
package core

import "studycore/pkg/domain"

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewDemographicUniquenessRule())
	engine.Register(NewTimepointTransitionRule())
	return engine
}
