package records

import (
	"fmt"
	"time"

	"github.com/moltsocial/quorum/syntax"
)

// Grants a role to an actor within a context. Issued by the governance system; trusted as-is.
type RoleGrant struct {
	Actor     syntax.DID `json:"actor" validate:"required"`
	Context   string     `json:"context" validate:"required,max=256"`
	Role      string     `json:"role" validate:"required,max=64"`
	GrantedAt *time.Time `json:"grantedAt,omitempty"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

func (g *RoleGrant) Collection() syntax.Collection {
	return syntax.CollectionRoleGrant
}

func (g *RoleGrant) validateRecord() error {
	if g.GrantedAt != nil && g.RevokedAt != nil && !g.RevokedAt.After(*g.GrantedAt) {
		return fmt.Errorf("revokedAt must be after grantedAt")
	}
	return nil
}

type RoleRevocation struct {
	Actor     syntax.DID `json:"actor" validate:"required"`
	Context   string     `json:"context" validate:"required,max=256"`
	Role      string     `json:"role" validate:"required,max=64"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

func (r *RoleRevocation) Collection() syntax.Collection {
	return syntax.CollectionRoleRevocation
}

func (r *RoleRevocation) validateRecord() error {
	return nil
}

// Explicit community endorsement of an actor, a prerequisite for the authority-eligible standing tier.
type Endorsement struct {
	Subject syntax.DID `json:"subject" validate:"required"`
	Context string     `json:"context" validate:"required,max=256"`
	Note    string     `json:"note,omitempty" validate:"max=3000"`
}

func (e *Endorsement) Collection() syntax.Collection {
	return syntax.CollectionEndorsement
}

func (e *Endorsement) validateRecord() error {
	return nil
}

// Closes a testimony window before its scheduled close time. Terminal.
type WindowClosure struct {
	Action syntax.Ref `json:"action"`
	Reason string     `json:"reason,omitempty" validate:"max=3000"`
}

func (w *WindowClosure) Collection() syntax.Collection {
	return syntax.CollectionWindowClosure
}

func (w *WindowClosure) validateRecord() error {
	if w.Action.Collection != syntax.CollectionAction {
		return fmt.Errorf("window closure must reference a moderation action")
	}
	return nil
}
