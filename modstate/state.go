package modstate

import (
	"fmt"
	"time"

	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/syntax"
)

type State string

const (
	StatePending       State = "pending"
	StateActive        State = "active"
	StateAppealed      State = "appealed"
	StateUnderReview   State = "under_review"
	StateExpired       State = "expired"
	StateReversed      State = "reversed"
	StateIndeterminate State = "indeterminate"
)

// How conflicting terminal resolutions across concurrent appeal branches are reconciled.
type BranchPolicy string

const (
	// the latest terminal resolution binds
	PolicyMostRecent BranchPolicy = "most_recent"
	// a resolution only overrides the binding one if its resolver authority ranks at least as high
	PolicyMostAuthoritative BranchPolicy = "most_authoritative"
)

func ParseBranchPolicy(raw string) (BranchPolicy, error) {
	switch BranchPolicy(raw) {
	case PolicyMostRecent, PolicyMostAuthoritative:
		return BranchPolicy(raw), nil
	case "":
		return PolicyMostRecent, nil
	default:
		return "", fmt.Errorf("unknown branch policy: %q", raw)
	}
}

type Options struct {
	Policy BranchPolicy
	// ranks a resolver authority (role name); only consulted by PolicyMostAuthoritative
	Rank func(role string) int
}

func (o Options) rank(role string) int {
	if o.Rank == nil {
		return 0
	}
	return o.Rank(role)
}

type ResolutionView struct {
	Ref               syntax.Ref      `json:"ref"`
	Resolver          syntax.DID      `json:"resolver"`
	ResolverAuthority string          `json:"resolverAuthority"`
	Outcome           records.Outcome `json:"outcome"`
	FinalDecision     bool            `json:"finalDecision"`
	Modifications     string          `json:"modifications,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	// false when a branch policy kept this resolution from binding
	Applied bool `json:"applied"`
}

// One appeal against the action and the chain of resolutions of that appeal.
type Branch struct {
	Appeal    syntax.Ref             `json:"appeal"`
	Appellant syntax.DID             `json:"appellant"`
	Category  records.AppealCategory `json:"category,omitempty"`
	FiledAt   time.Time              `json:"filedAt"`
	// latest resolution outcome of this branch; empty while unresolved
	Outcome     records.Outcome  `json:"outcome,omitempty"`
	Resolutions []ResolutionView `json:"resolutions"`
}

type ReversalStatus string

const (
	ReversalApplied ReversalStatus = "applied"
	// hard reversal waiting on its testimony window
	ReversalAwaitingTestimony ReversalStatus = "awaiting_testimony"
	// hard reversal whose window closed without testimony: original action upheld
	ReversalUpheldOriginal ReversalStatus = "upheld_original"
	// the reverse action is not itself in effect (reversed, pending, or indeterminate)
	ReversalInactive ReversalStatus = "inactive"
)

type ReversalView struct {
	Ref       syntax.Ref       `json:"ref"`
	Operator  syntax.DID       `json:"operator"`
	Severity  records.Severity `json:"severity"`
	CreatedAt time.Time        `json:"createdAt"`
	Status    ReversalStatus   `json:"status"`
}

type Transition struct {
	At    time.Time  `json:"at"`
	From  State      `json:"from"`
	To    State      `json:"to"`
	Cause syntax.Ref `json:"cause"`
	Note  string     `json:"note,omitempty"`
}

// Derived effective state of a moderation action, with the full relationship graph it was computed from.
type ActionState struct {
	Action   syntax.Ref `json:"action"`
	Context  string     `json:"context"`
	Operator syntax.DID `json:"operator"`
	State    State      `json:"state"`
	// explanation for indeterminate (and some other) states
	Reason       string       `json:"reason,omitempty"`
	Modification string       `json:"modification,omitempty"`
	DecidedBy    *syntax.Ref  `json:"decidedBy,omitempty"`
	Policy       BranchPolicy `json:"policy"`

	Branches  []Branch       `json:"branches"`
	Reversals []ReversalView `json:"reversals"`
	// escalations and hard reversals which opened testimony windows on this action
	Windows  []syntax.Ref `json:"windows"`
	Timeline []Transition `json:"timeline"`

	// provenance: newest contributing createdAt, and count of contributing records
	Version     time.Time `json:"version"`
	RecordCount int       `json:"recordCount"`
	ComputedAt  time.Time `json:"computedAt"`
}

// Resolutions across all branches, in causal order.
func (s *ActionState) Resolutions() []ResolutionView {
	var out []ResolutionView
	for _, b := range s.Branches {
		out = append(out, b.Resolutions...)
	}
	sortResolutions(out)
	return out
}

// Reports whether the action is currently in force.
func (s *ActionState) InEffect() bool {
	switch s.State {
	case StateActive, StateAppealed, StateUnderReview:
		return true
	default:
		return false
	}
}
