package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/syntax"
)

// Actor lacked the capability at evaluation time.
var ErrAuthorityRequired = errors.New("authority required")

// Subset of the record store used to read role history.
type RoleRecords interface {
	ListAboutActor(ctx context.Context, coll syntax.Collection, did syntax.DID, contextID string) ([]*records.Envelope, error)
	ListByContext(ctx context.Context, coll syntax.Collection, contextID string) ([]*records.Envelope, error)
}

// A period during which an actor held a role in a context: [GrantedAt, RevokedAt).
type Interval struct {
	Grant     syntax.Ref `json:"grant"`
	Role      string     `json:"role"`
	Context   string     `json:"context"`
	GrantedAt time.Time  `json:"grantedAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

func (iv Interval) Contains(t time.Time) bool {
	if t.Before(iv.GrantedAt) {
		return false
	}
	return iv.RevokedAt == nil || t.Before(*iv.RevokedAt)
}

// Answers "may this actor do this, in this context, at this instant", purely from role grant intervals. Standing plays no part.
type Resolver struct {
	records RoleRecords
	policy  *Policy
	logger  *slog.Logger
}

func NewResolver(rr RoleRecords, policy *Policy, logger *slog.Logger) *Resolver {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		records: rr,
		policy:  policy,
		logger:  logger.With("component", "authority"),
	}
}

func (r *Resolver) Policy() *Policy {
	return r.policy
}

// All role intervals of the actor in the context, ordered by grant time.
//
// A grant is closed by its own revokedAt, or by the earliest revocation record for the same role and context at or after the grant time, whichever comes first.
func (r *Resolver) RoleHistory(ctx context.Context, actor syntax.DID, contextID string) ([]Interval, error) {
	grants, err := r.records.ListAboutActor(ctx, syntax.CollectionRoleGrant, actor, contextID)
	if err != nil {
		return nil, fmt.Errorf("listing role grants: %w", err)
	}
	revocations, err := r.records.ListAboutActor(ctx, syntax.CollectionRoleRevocation, actor, contextID)
	if err != nil {
		return nil, fmt.Errorf("listing role revocations: %w", err)
	}

	var out []Interval
	for _, env := range grants {
		if env.Deleted {
			continue
		}
		g, ok := env.Record.(*records.RoleGrant)
		if !ok {
			r.logger.Warn("unexpected record in role grant index", "uri", env.Ref.URI())
			continue
		}
		iv := Interval{
			Grant:     env.Ref,
			Role:      g.Role,
			Context:   g.Context,
			GrantedAt: env.CreatedAt,
			RevokedAt: g.RevokedAt,
		}
		if g.GrantedAt != nil {
			iv.GrantedAt = *g.GrantedAt
		}
		for _, renv := range revocations {
			if renv.Deleted {
				continue
			}
			rv, ok := renv.Record.(*records.RoleRevocation)
			if !ok || rv.Role != g.Role || rv.Context != g.Context {
				continue
			}
			at := renv.CreatedAt
			if rv.RevokedAt != nil {
				at = *rv.RevokedAt
			}
			if at.Before(iv.GrantedAt) {
				continue
			}
			if iv.RevokedAt == nil || at.Before(*iv.RevokedAt) {
				revokedAt := at
				iv.RevokedAt = &revokedAt
			}
		}
		out = append(out, iv)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].GrantedAt.Before(out[j].GrantedAt)
	})
	return out, nil
}

// Roles active for the actor at the given instant.
func (r *Resolver) ActiveRoles(ctx context.Context, actor syntax.DID, contextID string, at time.Time) ([]string, error) {
	history, err := r.RoleHistory(ctx, actor, contextID)
	if err != nil {
		return nil, err
	}
	var roles []string
	for _, iv := range history {
		if iv.Contains(at) {
			roles = append(roles, iv.Role)
		}
	}
	return roles, nil
}

// Reports whether the actor held the capability at the given instant. Callers pass the execution time of the transition being authorized, never a time taken from the record itself.
func (r *Resolver) HasAuthority(ctx context.Context, actor syntax.DID, contextID string, c Capability, at time.Time) (bool, error) {
	roles, err := r.ActiveRoles(ctx, actor, contextID, at)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if r.policy.Grants(role, c) {
			return true, nil
		}
	}
	return false, nil
}

// Like HasAuthority, but returns an error wrapping [ErrAuthorityRequired] when the capability is missing.
func (r *Resolver) Require(ctx context.Context, actor syntax.DID, contextID string, c Capability, at time.Time) error {
	ok, err := r.HasAuthority(ctx, actor, contextID, c, at)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s lacks %s in %s at %s", ErrAuthorityRequired, actor, c, contextID, syntax.FormatDatetime(at))
	}
	return nil
}

// Highest ranked active role of the actor holding the capability, or "" if none.
func (r *Resolver) AuthorizingRole(ctx context.Context, actor syntax.DID, contextID string, c Capability, at time.Time) (string, error) {
	roles, err := r.ActiveRoles(ctx, actor, contextID, at)
	if err != nil {
		return "", err
	}
	best := ""
	for _, role := range roles {
		if !r.policy.Grants(role, c) {
			continue
		}
		if best == "" || r.policy.RoleRank(role) > r.policy.RoleRank(best) {
			best = role
		}
	}
	return best, nil
}

// Actors holding any role in the context at the given instant.
func (r *Resolver) HoldersAt(ctx context.Context, contextID string, at time.Time) ([]syntax.DID, error) {
	grants, err := r.records.ListByContext(ctx, syntax.CollectionRoleGrant, contextID)
	if err != nil {
		return nil, fmt.Errorf("listing role grants: %w", err)
	}
	seen := map[syntax.DID]bool{}
	var out []syntax.DID
	for _, env := range grants {
		g, ok := env.Record.(*records.RoleGrant)
		if !ok || seen[g.Actor] {
			continue
		}
		seen[g.Actor] = true
		roles, err := r.ActiveRoles(ctx, g.Actor, contextID, at)
		if err != nil {
			return nil, err
		}
		if len(roles) > 0 {
			out = append(out, g.Actor)
		}
	}
	return out, nil
}
