package records

import (
	"fmt"
	"time"

	"github.com/moltsocial/quorum/syntax"
)

type ActionKind string

const (
	ActionRemove   ActionKind = "remove"
	ActionWarn     ActionKind = "warn"
	ActionPin      ActionKind = "pin"
	ActionApprove  ActionKind = "approve"
	ActionBan      ActionKind = "ban"
	ActionEscalate ActionKind = "escalate"
	ActionReverse  ActionKind = "reverse"
	ActionAppeal   ActionKind = "appeal"
)

type Severity string

const (
	SeveritySoft Severity = "soft"
	SeverityHard Severity = "hard"
)

// A moderation decision by an operator. The operator is the record author.
type ModerationAction struct {
	// community (submolt) the action applies in
	Context     string      `json:"context" validate:"required,max=256"`
	Subject     Subject     `json:"subject"`
	Kind        ActionKind  `json:"kind" validate:"required,oneof=remove warn pin approve ban escalate reverse appeal"`
	Severity    Severity    `json:"severity" validate:"required,oneof=soft hard"`
	Reason      string      `json:"reason" validate:"max=3000,maxgraphemes=1000"`
	Labels      []string    `json:"labels,omitempty" validate:"max=32,dive,required,max=128"`
	AppealsTo   *syntax.Ref `json:"appealsTo,omitempty"`
	Reverses    *syntax.Ref `json:"reverses,omitempty"`
	EffectiveAt *time.Time  `json:"effectiveAt,omitempty"`
	ExpiresAt   *time.Time  `json:"expiresAt,omitempty"`
}

func (a *ModerationAction) Collection() syntax.Collection {
	return syntax.CollectionAction
}

func (a *ModerationAction) validateRecord() error {
	if err := a.Subject.validateSubject(); err != nil {
		return err
	}
	switch a.Kind {
	case ActionAppeal:
		if a.AppealsTo == nil {
			return fmt.Errorf("appeal action must reference the action it appeals")
		}
		if a.AppealsTo.Collection != syntax.CollectionAction {
			return fmt.Errorf("appealsTo must reference a moderation action")
		}
	case ActionReverse:
		if a.Reverses == nil {
			return fmt.Errorf("reverse action must reference the action it reverses")
		}
		if a.Reverses.Collection != syntax.CollectionAction {
			return fmt.Errorf("reverses must reference a moderation action")
		}
	}
	if a.Kind != ActionAppeal && a.AppealsTo != nil {
		return fmt.Errorf("only appeal actions may set appealsTo")
	}
	if a.Kind != ActionReverse && a.Reverses != nil {
		return fmt.Errorf("only reverse actions may set reverses")
	}
	if a.EffectiveAt != nil && a.ExpiresAt != nil && !a.ExpiresAt.After(*a.EffectiveAt) {
		return fmt.Errorf("expiresAt must be after effectiveAt")
	}
	return nil
}

// The action this one targets (appeal or reverse), if any.
func (a *ModerationAction) Target() *syntax.Ref {
	if a.AppealsTo != nil {
		return a.AppealsTo
	}
	return a.Reverses
}
