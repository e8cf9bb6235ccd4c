package identity

import (
	"fmt"
	"strings"

	"studycore/pkg/domain"
)

// DuplicatePolicy selects which identity collisions reject a row.
type DuplicatePolicy int

const (
	// PolicyNone never rejects; later rows replace earlier ones.
	PolicyNone DuplicatePolicy = iota
	// PolicySourceOnly rejects collisions inside the imported batch.
	PolicySourceOnly
	// PolicyDestinationOnly rejects collisions with stored rows.
	PolicyDestinationOnly
	// PolicySourceAndDestination rejects both kinds.
	PolicySourceAndDestination
)

var policyNames = map[DuplicatePolicy]string{
	PolicyNone:                 "none",
	PolicySourceOnly:           "sourceOnly",
	PolicyDestinationOnly:      "destinationOnly",
	PolicySourceAndDestination: "sourceAndDestination",
}

func (p DuplicatePolicy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("DuplicatePolicy(%d)", int(p))
}

// ParsePolicy accepts the policy names case-insensitively. The empty string
// selects PolicySourceOnly.
func ParsePolicy(raw string) (DuplicatePolicy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PolicySourceOnly, nil
	}
	for p, name := range policyNames {
		if strings.EqualFold(raw, name) {
			return p, nil
		}
	}
	return PolicyNone, fmt.Errorf("unknown duplicate policy %q", raw)
}

// ChecksSource reports whether in-batch collisions are rejected.
func (p DuplicatePolicy) ChecksSource() bool {
	return p == PolicySourceOnly || p == PolicySourceAndDestination
}

// ChecksDestination reports whether collisions with stored rows are rejected.
func (p DuplicatePolicy) ChecksDestination() bool {
	return p == PolicyDestinationOnly || p == PolicySourceAndDestination
}

// Collision is the outcome of a duplicate check.
type Collision int

const (
	CollisionNone Collision = iota
	// CollisionSource means another row of the same batch has the identity.
	CollisionSource
	// CollisionDestination means a stored row has the identity.
	CollisionDestination
	// CollisionBoth means both of the above.
	CollisionBoth
)

// Reason names where the colliding row lives.
func (c Collision) Reason() string {
	switch c {
	case CollisionSource:
		return "the imported data"
	case CollisionDestination:
		return "the dataset"
	case CollisionBoth:
		return "both the imported data and the dataset"
	default:
		return ""
	}
}

func (c Collision) String() string {
	switch c {
	case CollisionNone:
		return "none"
	case CollisionSource:
		return "source"
	case CollisionDestination:
		return "destination"
	case CollisionBoth:
		return "both"
	default:
		return fmt.Sprintf("Collision(%d)", int(c))
	}
}

// CheckDuplicates applies policy to the observed collisions of one identity.
func CheckDuplicates(policy DuplicatePolicy, inBatch, inStore bool) Collision {
	source := inBatch && policy.ChecksSource()
	dest := inStore && policy.ChecksDestination()
	switch {
	case source && dest:
		return CollisionBoth
	case source:
		return CollisionSource
	case dest:
		return CollisionDestination
	default:
		return CollisionNone
	}
}

// Tracker records the identities seen in one batch together with the first
// row that produced each.
type Tracker struct {
	seen map[domain.Identity]int
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{seen: make(map[domain.Identity]int)}
}

// Check evaluates policy for id and then records it for row.
func (t *Tracker) Check(id domain.Identity, row int, policy DuplicatePolicy, inStore bool) Collision {
	_, inBatch := t.seen[id]
	if !inBatch {
		t.seen[id] = row
	}
	return CheckDuplicates(policy, inBatch, inStore)
}

// FirstRow returns the row number that first produced id.
func (t *Tracker) FirstRow(id domain.Identity) (int, bool) {
	row, ok := t.seen[id]
	return row, ok
}

// Len reports the number of distinct identities recorded.
func (t *Tracker) Len() int { return len(t.seen) }
