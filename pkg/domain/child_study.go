package domain

import (
	"fmt"
	"strings"
)

// CopyMode selects how a child study relates to its source.
type CopyMode string

const (
	CopyModeSnapshot  CopyMode = "snapshot"
	CopyModeAncillary CopyMode = "ancillary"
	CopyModePublish   CopyMode = "publish"
)

// ParseCopyMode accepts the canonical mode names case-insensitively.
func ParseCopyMode(raw string) (CopyMode, error) {
	switch CopyMode(strings.ToLower(strings.TrimSpace(raw))) {
	case CopyModeSnapshot:
		return CopyModeSnapshot, nil
	case CopyModeAncillary:
		return CopyModeAncillary, nil
	case CopyModePublish:
		return CopyModePublish, nil
	default:
		return "", fmt.Errorf("Unknown copy mode '%s'.", raw)
	}
}

// ChildStudyRequest describes the derivation of a new study from a source
// study. It is consumed once and only persisted as a job payload.
type ChildStudyRequest struct {
	SrcPath       string `json:"srcPath"`
	DstPath       string `json:"dstPath"`
	Mode          string `json:"mode"`
	TimepointType string `json:"timepointType,omitempty"`
	Update        bool   `json:"update"`
	Label         string `json:"label,omitempty"`
	// Datasets restricts copied datasets by id; empty copies every dataset.
	Datasets []int `json:"datasets,omitempty"`
	// Visits restricts copied rows to the named visit ids.
	Visits []string `json:"visits,omitempty"`
	// Cohorts restricts copied participants to the named cohort ids.
	Cohorts                    []string `json:"cohorts,omitempty"`
	UseAlternateParticipantIDs bool     `json:"useAlternateParticipantIds,omitempty"`
}

// LinksSource reports whether the derived study keeps a back-reference to its source.
func (r ChildStudyRequest) LinksSource() bool {
	return r.Update || CopyMode(strings.ToLower(r.Mode)) == CopyModeAncillary
}
