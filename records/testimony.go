package records

import (
	"fmt"

	"github.com/moltsocial/quorum/syntax"
)

type Position string

const (
	PositionPositive Position = "positive"
	PositionNegative Position = "negative"
	PositionNeutral  Position = "neutral"
)

// Signed contribution of a testimony position to a standing score.
func (p Position) Value() float64 {
	switch p {
	case PositionPositive:
		return 1
	case PositionNegative:
		return -1
	default:
		return 0
	}
}

type TestimonySeverity string

const (
	TestimonyMinor TestimonySeverity = "minor"
	TestimonyMajor TestimonySeverity = "major"
)

type StandingBasis string

const (
	BasisContentOwner          StandingBasis = "content-owner"
	BasisAffectedParty         StandingBasis = "affected-party"
	BasisHistoricalInvolvement StandingBasis = "historical-involvement"
	BasisCommunityMember       StandingBasis = "community-member"
	BasisWitness               StandingBasis = "witness"
)

// An attributed statement of witnessed fact about an actor (for standing) or a record (for decision support). The witness is the record author.
type Testimony struct {
	Subject Subject `json:"subject"`
	// scoping context, usually the community the testimony applies to
	Context       string            `json:"context,omitempty" validate:"max=256"`
	Position      Position          `json:"position" validate:"required,oneof=positive negative neutral"`
	Severity      TestimonySeverity `json:"severity,omitempty" validate:"omitempty,oneof=minor major"`
	Content       string            `json:"content" validate:"required,max=10000,maxgraphemes=3000"`
	Evidence      []syntax.Ref      `json:"evidence,omitempty" validate:"max=64"`
	StandingBasis StandingBasis     `json:"standingBasis" validate:"required,oneof=content-owner affected-party historical-involvement community-member witness"`
	Anonymous     bool              `json:"anonymous"`
}

func (t *Testimony) Collection() syntax.Collection {
	return syntax.CollectionTestimony
}

func (t *Testimony) validateRecord() error {
	if err := t.Subject.validateSubject(); err != nil {
		return err
	}
	if t.Subject.IsActor() && t.StandingBasis == BasisContentOwner {
		return fmt.Errorf("content-owner basis requires a record subject")
	}
	return nil
}

func (t *Testimony) Major() bool {
	return t.Severity == TestimonyMajor
}
