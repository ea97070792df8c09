package engine

import (
	"context"
	"errors"

	"github.com/moltsocial/quorum/store"
	"github.com/moltsocial/quorum/syntax"
)

// Runs the background maintenance loop until ctx is done: closing testimony windows as they come due, applying scheduled action transitions, and retrying deferred items.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.RestoreDeferred(ctx); err != nil {
		return err
	}
	e.logger.Info("engine scheduler starting", "interval", e.config.TickInterval, "deferred", e.deferrals.len())
	runPeriodically(ctx, e.config.TickInterval, e.Tick)
	return nil
}

// A single scheduler pass.
func (e *Engine) Tick(ctx context.Context) error {
	return errors.Join(
		e.closeDueWindows(ctx),
		e.refreshDueActions(ctx),
		e.sweepDeferred(ctx),
	)
}

func (e *Engine) closeDueWindows(ctx context.Context) error {
	now := e.now()
	due, err := e.store.ListDueProjections(ctx, windowKind, now)
	if err != nil {
		e.logger.Error("failed to list due windows", "err", err)
		return err
	}
	var errs []error
	for _, p := range due {
		ref, err := syntax.ParseRef(p.Key)
		if err != nil {
			e.logger.Error("bad window projection key", "key", p.Key, "err", err)
			continue
		}
		unlock := e.locks.Lock(p.Key)
		trigger, err := e.store.GetRecord(ctx, ref)
		if err != nil {
			unlock()
			if errors.Is(err, store.ErrNotFound) {
				_ = e.store.DeleteProjection(ctx, windowKind, p.Key)
				continue
			}
			errs = append(errs, err)
			continue
		}
		w, err := e.refreshWindow(ctx, trigger, now)
		unlock()
		if err != nil {
			e.logger.Error("failed to close window", "window", p.Key, "err", err)
			errs = append(errs, err)
			continue
		}
		if w.Target != nil && w.Target.Collection == syntax.CollectionAction {
			if err := e.refreshActionChain(ctx, *w.Target, now); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Re-derives actions with a pending activation or expiry which has now passed.
func (e *Engine) refreshDueActions(ctx context.Context) error {
	now := e.now()
	due, err := e.store.ListDueProjections(ctx, actionKind, now)
	if err != nil {
		e.logger.Error("failed to list due actions", "err", err)
		return err
	}
	var errs []error
	for _, p := range due {
		ref, err := syntax.ParseRef(p.Key)
		if err != nil {
			continue
		}
		if err := e.refreshActionChain(ctx, ref, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
