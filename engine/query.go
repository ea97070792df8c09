package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/moltsocial/quorum/authority"
	"github.com/moltsocial/quorum/modstate"
	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/standing"
	"github.com/moltsocial/quorum/store"
	"github.com/moltsocial/quorum/syntax"
	"github.com/moltsocial/quorum/testimony"
)

// Malformed query parameters.
var ErrBadQuery = errors.New("invalid query")

type ActionView struct {
	*modstate.ActionState
	Record    *records.ModerationAction `json:"record"`
	CreatedAt time.Time                 `json:"createdAt"`
	Deleted   bool                      `json:"deleted,omitempty"`
}

// Effective state of a moderation action with its appeal branches, resolutions, reversals, and windows.
//
// The state is derived fresh on each call and written through to the projection store.
func (e *Engine) GetModerationActionState(ctx context.Context, ref syntax.Ref) (*ActionView, error) {
	ctx, span := tracer.Start(ctx, "GetModerationActionState")
	defer span.End()

	st, env, err := e.refreshAction(ctx, ref, e.now())
	if err != nil {
		return nil, err
	}
	if st == nil {
		if _, gerr := e.store.GetRecord(ctx, ref); gerr == nil {
			return nil, fmt.Errorf("%w: %s", modstate.ErrNotAction, ref.URI())
		}
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, ref.URI())
	}
	return &ActionView{
		ActionState: st,
		Record:      env.Record.(*records.ModerationAction),
		CreatedAt:   env.CreatedAt,
		Deleted:     env.Deleted,
	}, nil
}

type StandingQuery struct {
	Subject syntax.DID
	// empty for standing across all contexts
	Context string
	// empty for the default methodology
	Methodology string
	Limit       int
	Cursor      string
}

type TestimonyView struct {
	Ref           syntax.Ref                `json:"ref"`
	Witness       syntax.DID                `json:"witness,omitempty"`
	Context       string                    `json:"context,omitempty"`
	Position      records.Position          `json:"position"`
	Severity      records.TestimonySeverity `json:"severity,omitempty"`
	Content       string                    `json:"content"`
	StandingBasis records.StandingBasis     `json:"standingBasis"`
	Anonymous     bool                      `json:"anonymous,omitempty"`
	CreatedAt     time.Time                 `json:"createdAt"`
}

type StandingView struct {
	standing.State
	Testimonies   []TestimonyView `json:"testimonies"`
	MoreAvailable bool            `json:"moreAvailable"`
	Cursor        string          `json:"cursor,omitempty"`
}

// Newest-first position of a testimony, for paging.
func standingCursor(e standing.Entry) string {
	return strconv.FormatInt(e.CreatedAt.UnixNano(), 10) + "::" + e.Ref.Key()
}

func parseStandingCursor(raw string) (int64, string, error) {
	ts, key, ok := strings.Cut(raw, "::")
	if !ok {
		return 0, "", fmt.Errorf("%w: malformed cursor", ErrBadQuery)
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed cursor", ErrBadQuery)
	}
	return n, key, nil
}

// Standing of an actor with a page of the testimony it was computed from, newest first. The standing itself always covers every testimony, whatever the page.
func (e *Engine) GetStanding(ctx context.Context, q StandingQuery) (*StandingView, error) {
	ctx, span := tracer.Start(ctx, "GetStanding")
	defer span.End()

	calc, err := e.methodologies.Get(q.Methodology)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = e.config.PageSize
	}
	if limit > 100 {
		limit = 100
	}
	var afterTS int64
	var afterKey string
	if q.Cursor != "" {
		if afterTS, afterKey, err = parseStandingCursor(q.Cursor); err != nil {
			return nil, err
		}
	}

	res, err := e.refreshStanding(ctx, q.Subject, q.Context, calc, e.now())
	if err != nil {
		return nil, err
	}

	entries := slices.Clone(res.Entries)
	slices.Reverse(entries)
	view := &StandingView{State: res.State, Testimonies: []TestimonyView{}}
	for _, entry := range entries {
		if q.Cursor != "" {
			ts := entry.CreatedAt.UnixNano()
			if ts > afterTS || (ts == afterTS && entry.Ref.Key() >= afterKey) {
				continue
			}
		}
		if len(view.Testimonies) == limit {
			view.MoreAvailable = true
			break
		}
		view.Testimonies = append(view.Testimonies, testimonyView(entry))
		view.Cursor = standingCursor(entry)
	}
	if !view.MoreAvailable {
		view.Cursor = ""
	}
	return view, nil
}

func testimonyView(entry standing.Entry) TestimonyView {
	t := entry.Testimony
	tv := TestimonyView{
		Ref:           entry.Ref,
		Context:       t.Context,
		Position:      t.Position,
		Severity:      t.Severity,
		Content:       t.Content,
		StandingBasis: t.StandingBasis,
		Anonymous:     t.Anonymous,
		CreatedAt:     entry.CreatedAt,
	}
	if !t.Anonymous {
		tv.Witness = entry.Witness
	}
	return tv
}

type AuthorityView struct {
	Actor        syntax.DID             `json:"actor"`
	Context      string                 `json:"context"`
	At           time.Time              `json:"at"`
	Roles        []string               `json:"roles"`
	Capabilities []authority.Capability `json:"capabilities"`
	History      []authority.Interval   `json:"history"`
}

// Roles and capabilities an actor holds in a context at an instant (now, if at is nil), with the full role history.
func (e *Engine) GetAuthority(ctx context.Context, actor syntax.DID, contextID string, at *time.Time) (*AuthorityView, error) {
	when := e.now()
	if at != nil {
		when = at.UTC()
	}
	history, err := e.resolver.RoleHistory(ctx, actor, contextID)
	if err != nil {
		return nil, err
	}
	roles, err := e.resolver.ActiveRoles(ctx, actor, contextID, when)
	if err != nil {
		return nil, err
	}
	view := &AuthorityView{
		Actor:        actor,
		Context:      contextID,
		At:           when,
		Roles:        roles,
		Capabilities: []authority.Capability{},
		History:      history,
	}
	if view.Roles == nil {
		view.Roles = []string{}
	}
	if view.History == nil {
		view.History = []authority.Interval{}
	}
	policy := e.resolver.Policy()
	for _, c := range authority.RoleGated {
		for _, role := range roles {
			if policy.Grants(role, c) {
				view.Capabilities = append(view.Capabilities, c)
				break
			}
		}
	}
	return view, nil
}

// The testimony window for a reference: either the triggering action, or a record under review (the most recent window about it).
func (e *Engine) GetTestimonyWindow(ctx context.Context, ref syntax.Ref, includePostWindow bool) (*testimony.Window, error) {
	ctx, span := tracer.Start(ctx, "GetTestimonyWindow")
	defer span.End()

	triggers, err := e.windowTriggers(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(triggers) == 0 {
		if _, err := e.store.GetRecord(ctx, ref); errors.Is(err, store.ErrNotFound) && ref.Collection == syntax.CollectionAction {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, ref.URI())
		}
		return nil, fmt.Errorf("%w: %s", ErrNoWindow, ref.URI())
	}
	now := e.now()
	w, err := e.deriveWindow(ctx, triggers[0], now, includePostWindow)
	if err != nil {
		return nil, err
	}
	if !includePostWindow {
		// keep the projection current as a side effect of reads
		if _, err := e.refreshWindow(ctx, triggers[0], now); err != nil {
			e.logger.Warn("failed to refresh window projection", "window", triggers[0].Ref.URI(), "err", err)
		}
	}
	return w, nil
}

// Transitions available to an actor now (or at the given instant), including historical-testimony rights for an action created at referencedAt.
func (e *Engine) GetTransitions(ctx context.Context, actor syntax.DID, contextID string, at, referencedAt *time.Time) (*authority.TransitionSet, error) {
	when := e.now()
	if at != nil {
		when = at.UTC()
	}
	return e.ghost.Transitions(ctx, actor, contextID, when, referencedAt)
}

// Reports whether the actor holds a single capability in the context now (or at the given instant).
func (e *Engine) CheckAuthority(ctx context.Context, actor syntax.DID, contextID string, c authority.Capability, at *time.Time) (bool, error) {
	ts, err := e.GetTransitions(ctx, actor, contextID, at, nil)
	if err != nil {
		return false, err
	}
	return ts.Allows(c), nil
}

func (e *Engine) ListDeadLetters(ctx context.Context, limit int) ([]*store.DeadLetter, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return e.store.ListDeadLetters(ctx, limit)
}

// Stored record, including tombstoned ones.
func (e *Engine) GetRecord(ctx context.Context, ref syntax.Ref) (*records.Envelope, error) {
	return e.store.GetRecord(ctx, ref)
}

// Number of items waiting on a missing reference.
func (e *Engine) DeferredCount() int {
	return e.deferrals.len()
}
