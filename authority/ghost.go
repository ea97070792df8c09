package authority

import (
	"context"
	"time"

	"github.com/moltsocial/quorum/syntax"
)

// Transitions available to an actor at an instant, with the reason for each decision.
type TransitionSet struct {
	Actor   syntax.DID   `json:"actor"`
	Context string       `json:"context"`
	At      time.Time    `json:"at"`
	Allowed []Capability `json:"allowed"`
	Denied  []Capability `json:"denied"`
	// actor has held a role in the context, but holds none at At
	Ghost   bool                  `json:"ghost"`
	Reasons map[Capability]string `json:"reasons"`
}

func (ts *TransitionSet) Allows(c Capability) bool {
	for _, a := range ts.Allowed {
		if a == c {
			return true
		}
	}
	return false
}

func (ts *TransitionSet) allow(c Capability, reason string) {
	ts.Allowed = append(ts.Allowed, c)
	ts.Reasons[c] = reason
}

func (ts *TransitionSet) deny(c Capability, reason string) {
	ts.Denied = append(ts.Denied, c)
	ts.Reasons[c] = reason
}

// Composes current authority with role history. A former role holder keeps a voice (historical testimony about actions from their tenure) but never decision capabilities.
type Ghost struct {
	resolver *Resolver
}

func NewGhost(r *Resolver) *Ghost {
	return &Ghost{resolver: r}
}

// Computes the transition set for the actor in the context at the given instant. referencedAt is the creation time of the action a historical testimony would concern, if any.
//
// The result is computed fresh on every call and must not be cached.
func (g *Ghost) Transitions(ctx context.Context, actor syntax.DID, contextID string, at time.Time, referencedAt *time.Time) (*TransitionSet, error) {
	history, err := g.resolver.RoleHistory(ctx, actor, contextID)
	if err != nil {
		return nil, err
	}
	ts := &TransitionSet{
		Actor:   actor,
		Context: contextID,
		At:      at,
		Reasons: map[Capability]string{},
	}

	var active []string
	for _, iv := range history {
		if iv.Contains(at) {
			active = append(active, iv.Role)
		}
	}
	ts.Ghost = len(history) > 0 && len(active) == 0

	for _, c := range RoleGated {
		granted := ""
		for _, role := range active {
			if g.resolver.policy.Grants(role, c) {
				granted = role
				break
			}
		}
		if granted != "" {
			ts.allow(c, "active role: "+granted)
		} else {
			ts.deny(c, "no active role grants this capability")
		}
	}

	ts.allow(CapTestify, "community voice")

	switch {
	case referencedAt == nil:
		ts.deny(CapTestifyHistorical, "no referenced action")
	case coveredBy(history, *referencedAt):
		ts.allow(CapTestifyHistorical, "role held when the referenced action was created")
	default:
		ts.deny(CapTestifyHistorical, "no role held when the referenced action was created")
	}
	return ts, nil
}

// Reports whether the actor held any role in the context at the time a referenced action was created.
func (g *Ghost) CanTestifyHistorical(ctx context.Context, actor syntax.DID, contextID string, referencedAt time.Time) (bool, error) {
	history, err := g.resolver.RoleHistory(ctx, actor, contextID)
	if err != nil {
		return false, err
	}
	return coveredBy(history, referencedAt), nil
}

func coveredBy(history []Interval, t time.Time) bool {
	for _, iv := range history {
		if iv.Contains(t) {
			return true
		}
	}
	return false
}
