package records

import (
	"fmt"

	"github.com/moltsocial/quorum/syntax"
)

type AppealCategory string

const (
	AppealFactualError         AppealCategory = "factual_error"
	AppealMisappliedPolicy     AppealCategory = "misapplied_policy"
	AppealChangedCircumstances AppealCategory = "changed_circumstances"
	AppealProportionality      AppealCategory = "proportionality"
	AppealProcedural           AppealCategory = "procedural"
)

type Appeal struct {
	Appellant      syntax.DID     `json:"appellant" validate:"required"`
	Representative syntax.DID     `json:"representative,omitempty"`
	Subject        syntax.Ref     `json:"subject"`
	Grounds        string         `json:"grounds" validate:"required,max=10000,maxgraphemes=3000"`
	Category       AppealCategory `json:"category" validate:"required,oneof=factual_error misapplied_policy changed_circumstances proportionality procedural"`
	Evidence       []syntax.Ref   `json:"evidence,omitempty" validate:"max=64"`
}

func (a *Appeal) Collection() syntax.Collection {
	return syntax.CollectionAppeal
}

func (a *Appeal) validateRecord() error {
	if a.Subject.Collection != syntax.CollectionAction {
		return fmt.Errorf("appeal subject must be a moderation action")
	}
	if a.Representative != "" && a.Representative == a.Appellant {
		return fmt.Errorf("representative must differ from appellant")
	}
	return nil
}

type Outcome string

const (
	OutcomeUpheld     Outcome = "upheld"
	OutcomeOverturned Outcome = "overturned"
	OutcomeModified   Outcome = "modified"
	OutcomeRemanded   Outcome = "remanded"
)

// Terminal outcomes close a review cycle; remand reopens it.
func (o Outcome) Terminal() bool {
	return o != OutcomeRemanded
}

type AppealResolution struct {
	// role name the resolver acted under, eg "moderator" or "admin"
	ResolverAuthority  string      `json:"resolverAuthority" validate:"required,max=64"`
	Appeal             syntax.Ref  `json:"appeal"`
	ModAction          *syntax.Ref `json:"modAction,omitempty"`
	Outcome            Outcome     `json:"outcome" validate:"required,oneof=upheld overturned modified remanded"`
	Reasoning          string      `json:"reasoning" validate:"required,max=10000,maxgraphemes=3000"`
	Modifications      string      `json:"modifications,omitempty" validate:"max=3000"`
	RemandInstructions string      `json:"remandInstructions,omitempty" validate:"max=3000"`
	FinalDecision      bool        `json:"finalDecision"`
}

func (r *AppealResolution) Collection() syntax.Collection {
	return syntax.CollectionResolution
}

func (r *AppealResolution) validateRecord() error {
	switch r.Appeal.Collection {
	case syntax.CollectionAppeal, syntax.CollectionAction:
	default:
		return fmt.Errorf("resolution must reference an appeal")
	}
	if r.ModAction != nil && r.ModAction.Collection != syntax.CollectionAction {
		return fmt.Errorf("modAction must reference a moderation action")
	}
	if r.Outcome == OutcomeModified && r.Modifications == "" {
		return fmt.Errorf("modified outcome requires modifications")
	}
	if r.Outcome == OutcomeRemanded && r.FinalDecision {
		return fmt.Errorf("a remand can not be a final decision")
	}
	return nil
}
