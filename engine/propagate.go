package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/moltsocial/quorum/modstate"
	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/standing"
	"github.com/moltsocial/quorum/store"
	"github.com/moltsocial/quorum/syntax"
	"github.com/moltsocial/quorum/testimony"
)

// Projection kinds.
const (
	actionKind   = "action"
	windowKind   = "window"
	standingKind = "standing"
)

func (e *Engine) opensWindow(env *records.Envelope) bool {
	_, ok := testimony.OpensWindow(env, e.config.ReviewSoftReversals)
	return ok
}

// Refreshes every projection a stored (or tombstoned) record contributes to. Derivations are pure folds over the store, so refreshing is always safe to repeat.
func (e *Engine) propagate(ctx context.Context, env *records.Envelope) error {
	now := e.now()
	actions := map[string]syntax.Ref{}
	windows := map[string]*records.Envelope{}
	var errs []error

	switch rec := env.Record.(type) {
	case *records.ModerationAction:
		actions[env.Ref.Key()] = env.Ref
		if t := rec.Target(); t != nil {
			actions[t.Key()] = *t
		}
		if rec.Subject.Ref != nil && rec.Subject.Ref.Collection == syntax.CollectionAction {
			actions[rec.Subject.Ref.Key()] = *rec.Subject.Ref
		}
		if e.opensWindow(env) {
			windows[env.Ref.Key()] = env
		}
	case *records.Appeal:
		actions[rec.Subject.Key()] = rec.Subject
	case *records.AppealResolution:
		if appealEnv, err := e.store.GetRecord(ctx, rec.Appeal); err == nil {
			if ref, err := appealedAction(appealEnv); err == nil {
				actions[ref.Key()] = ref
			}
		}
	case *records.Testimony:
		if rec.Subject.IsActor() {
			e.purgeWitnessTier(ctx, rec.Subject.DID, rec.Context)
			errs = append(errs, e.refreshStandingAll(ctx, rec.Subject.DID, rec.Context, now))
		} else {
			triggers, err := e.windowTriggers(ctx, *rec.Subject.Ref)
			if err != nil {
				return err
			}
			for _, t := range triggers {
				windows[t.Ref.Key()] = t
			}
		}
	case *records.Endorsement:
		errs = append(errs, e.refreshStandingAll(ctx, rec.Subject, rec.Context, now))
	case *records.WindowClosure:
		if trigger, err := e.store.GetRecord(ctx, rec.Action); err == nil {
			windows[trigger.Ref.Key()] = trigger
		}
	case *records.RoleGrant, *records.RoleRevocation:
		// authority is evaluated fresh on every request; nothing is projected
		return nil
	default:
		e.logger.Warn("no propagation for unhandled record", "uri", env.Ref.URI())
		return nil
	}

	for _, trigger := range windows {
		w, err := e.refreshWindow(ctx, trigger, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		// window state feeds into the state of the action under review
		if w.Target != nil && w.Target.Collection == syntax.CollectionAction {
			actions[w.Target.Key()] = *w.Target
		}
	}
	for _, ref := range actions {
		errs = append(errs, e.refreshActionChain(ctx, ref, now))
	}
	return errors.Join(errs...)
}

// Refreshes an action and the actions its state feeds into: reversal chains and escalation subjects.
func (e *Engine) refreshActionChain(ctx context.Context, ref syntax.Ref, now time.Time) error {
	seen := map[string]bool{}
	for depth := 0; depth <= 32; depth++ {
		if seen[ref.Key()] {
			return nil
		}
		seen[ref.Key()] = true
		st, env, err := e.refreshAction(ctx, ref, now)
		if err != nil {
			return err
		}
		if st == nil {
			return nil
		}
		// a reversed reversal re-activates the original action; a reversed action also resolves negatives citing it
		act := env.Record.(*records.ModerationAction)
		if st.State == modstate.StateReversed {
			e.refreshStandingForAction(ctx, act, now)
		}
		next := act.Target()
		if next == nil {
			return nil
		}
		ref = *next
	}
	return nil
}

func (e *Engine) refreshAction(ctx context.Context, ref syntax.Ref, now time.Time) (*modstate.ActionState, *records.Envelope, error) {
	env, err := e.store.GetRecord(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	act, ok := env.Record.(*records.ModerationAction)
	if !ok {
		return nil, nil, nil
	}
	st, err := e.deriver.Derive(ctx, ref, now)
	if err != nil {
		projectionErrorCount.WithLabelValues(actionKind).Inc()
		return nil, nil, fmt.Errorf("deriving %s: %w", ref.URI(), err)
	}

	prev, err := e.store.GetProjection(ctx, actionKind, ref.Key())
	if err == nil {
		var old modstate.ActionState
		if json.Unmarshal(prev.Data, &old) == nil && old.State != st.State {
			e.logger.Info("action state changed", "uri", ref.URI(), "from", old.State, "to", st.State)
		}
	}

	// time-based transitions still ahead: activation and expiry
	var due *time.Time
	for _, t := range []*time.Time{act.EffectiveAt, act.ExpiresAt} {
		if t != nil && t.After(now) {
			d := t.UTC()
			due = &d
			break
		}
	}
	if err := e.putProjection(ctx, actionKind, ref.Key(), st.Version, now, due, st); err != nil {
		return nil, nil, err
	}
	return st, env, nil
}

func (e *Engine) refreshWindow(ctx context.Context, trigger *records.Envelope, now time.Time) (*testimony.Window, error) {
	w, err := e.deriveWindow(ctx, trigger, now, false)
	if err != nil {
		projectionErrorCount.WithLabelValues(windowKind).Inc()
		return nil, err
	}
	logger := e.logger.With("window", trigger.Ref.URI())

	prev, err := e.store.GetProjection(ctx, windowKind, trigger.Ref.Key())
	switch {
	case errors.Is(err, store.ErrNotFound):
		windowsOpened.Inc()
		logger.Info("testimony window opened", "closesAt", w.ClosesAt, "eligible", len(w.EligibleWitnesses))
	case err != nil:
		return nil, err
	default:
		var old testimony.Window
		if json.Unmarshal(prev.Data, &old) == nil && old.Status == testimony.WindowOpen && w.Status == testimony.WindowClosed {
			windowsClosed.WithLabelValues(string(w.Outcome)).Inc()
			logger.Info("testimony window closed", "outcome", w.Outcome, "testimonies", w.TestimoniesReceived, "early", w.ClosedBy != nil)
		}
	}

	var due *time.Time
	if w.Status == testimony.WindowOpen {
		d := w.ClosesAt
		due = &d
	}
	if err := e.putProjection(ctx, windowKind, trigger.Ref.Key(), w.Version, now, due, w); err != nil {
		return nil, err
	}
	return w, nil
}

func standingKey(subject syntax.DID, contextID, methodology string) string {
	return subject.String() + "|" + contextID + "|" + methodology
}

// Refreshes standing under the default methodology, both scoped to the context and across all contexts.
func (e *Engine) refreshStandingAll(ctx context.Context, subject syntax.DID, contextID string, now time.Time) error {
	calc := e.methodologies.Default()
	var errs []error
	scopes := []string{""}
	if contextID != "" {
		scopes = append(scopes, contextID)
	}
	for _, scope := range scopes {
		if _, err := e.refreshStanding(ctx, subject, scope, calc, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) refreshStanding(ctx context.Context, subject syntax.DID, contextID string, calc standing.Calculator, now time.Time) (*standingResult, error) {
	res, err := e.computeStanding(ctx, subject, contextID, calc, now)
	if err != nil {
		projectionErrorCount.WithLabelValues(standingKind).Inc()
		return nil, err
	}
	key := standingKey(subject, contextID, calc.Methodology().ID)

	prev, err := e.store.GetProjection(ctx, standingKind, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	var old standing.State
	if prev != nil {
		_ = json.Unmarshal(prev.Data, &old)
	}
	if res.State.Tier == standing.TierAuthorityEligible && old.Tier != standing.TierAuthorityEligible {
		authorityEligibleCount.Inc()
		e.logger.Info("subject reached authority-eligible standing", "subject", subject, "context", contextID, "methodology", calc.Methodology().ID)
	}
	if err := e.putProjection(ctx, standingKind, key, res.State.Version, now, nil, res.State); err != nil {
		return nil, err
	}
	return res, nil
}

// A reversed action resolves major negatives citing it, which may lift a blocked tier of the action's subject.
func (e *Engine) refreshStandingForAction(ctx context.Context, act *records.ModerationAction, now time.Time) {
	subject := act.Subject.Owner()
	if err := e.refreshStandingAll(ctx, subject, act.Context, now); err != nil {
		e.logger.Error("failed to refresh standing", "subject", subject, "err", err)
	}
}

func (e *Engine) purgeWitnessTier(ctx context.Context, witness syntax.DID, contextID string) {
	if e.cache == nil {
		return
	}
	for _, id := range e.methodologies.IDs() {
		for _, scope := range []string{"", contextID} {
			if err := e.cache.Purge(ctx, witnessTierKind, witnessTierKey(witness, scope, id)); err != nil {
				e.logger.Warn("witness tier cache purge failed", "err", err)
			}
		}
	}
}

func (e *Engine) putProjection(ctx context.Context, kind, key string, version, now time.Time, due *time.Time, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := e.store.PutProjection(ctx, &store.Projection{
		Kind:       kind,
		Key:        key,
		Version:    version,
		ComputedAt: now,
		DueAt:      due,
		Data:       b,
	}); err != nil {
		projectionErrorCount.WithLabelValues(kind).Inc()
		return fmt.Errorf("storing %s projection: %w", kind, err)
	}
	projectionRefreshCount.WithLabelValues(kind).Inc()
	return nil
}
