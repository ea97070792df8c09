package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/store"
)

const (
	deferredKind = "deferred"
	// cap on the retry interval of a single deferred item
	maxRetryInterval = 10 * time.Minute
)

// Persisted state of an item waiting on a reference.
type deferredItem struct {
	Item            *Item     `json:"item"`
	Missing         string    `json:"missing"`
	Field           string    `json:"field"`
	Attempts        int       `json:"attempts"`
	FirstDeferredAt time.Time `json:"firstDeferredAt"`
}

// In-memory index from missing reference to the items waiting on it. The durable copy lives in "deferred" projections; the index is rebuilt from them on startup.
type deferrals struct {
	lk        sync.Mutex
	byMissing map[string]map[string]bool
	waitingOn map[string]string
}

func newDeferrals() *deferrals {
	return &deferrals{
		byMissing: map[string]map[string]bool{},
		waitingOn: map[string]string{},
	}
}

func (d *deferrals) add(item, missing string) {
	d.lk.Lock()
	defer d.lk.Unlock()
	if prev, ok := d.waitingOn[item]; ok && prev != missing {
		delete(d.byMissing[prev], item)
		if len(d.byMissing[prev]) == 0 {
			delete(d.byMissing, prev)
		}
	}
	if d.byMissing[missing] == nil {
		d.byMissing[missing] = map[string]bool{}
	}
	d.byMissing[missing][item] = true
	d.waitingOn[item] = missing
	itemsDeferred.Set(float64(len(d.waitingOn)))
}

func (d *deferrals) remove(item string) bool {
	d.lk.Lock()
	defer d.lk.Unlock()
	missing, ok := d.waitingOn[item]
	if !ok {
		return false
	}
	delete(d.waitingOn, item)
	delete(d.byMissing[missing], item)
	if len(d.byMissing[missing]) == 0 {
		delete(d.byMissing, missing)
	}
	itemsDeferred.Set(float64(len(d.waitingOn)))
	return true
}

// Items waiting on the given reference. They stay indexed until they succeed or are re-deferred.
func (d *deferrals) waiting(missing string) []string {
	d.lk.Lock()
	defer d.lk.Unlock()
	out := make([]string, 0, len(d.byMissing[missing]))
	for item := range d.byMissing[missing] {
		out = append(out, item)
	}
	return out
}

func (d *deferrals) len() int {
	d.lk.Lock()
	defer d.lk.Unlock()
	return len(d.waitingOn)
}

type recheckKey struct{}

// Parks an item whose reference is not known yet, or dead-letters it once it has waited too long.
func (e *Engine) deferItem(ctx context.Context, item *Item, mre *records.MissingReferenceError) (Outcome, error) {
	ref, err := item.Ref()
	if err != nil {
		return OutcomeRejected, err
	}
	key := ref.Key()
	now := e.now()

	d := &deferredItem{Item: item, FirstDeferredAt: now}
	if prev, err := e.loadDeferred(ctx, key); err != nil {
		return OutcomeRejected, err
	} else if prev != nil {
		d.Attempts = prev.Attempts
		d.FirstDeferredAt = prev.FirstDeferredAt
	}
	d.Missing = mre.Ref.Key()
	d.Field = mre.Field
	d.Attempts++

	if now.Sub(d.FirstDeferredAt) >= e.config.MaxDeferral {
		e.deadLetter(ctx, item, mre.Error(), d.Missing, d.Attempts)
		e.clearDeferred(ctx, key)
		return OutcomeDeadLettered, mre
	}

	b, err := json.Marshal(d)
	if err != nil {
		return OutcomeRejected, err
	}
	due := now.Add(backoff(d.Attempts, maxRetryInterval))
	if err := e.store.PutProjection(ctx, &store.Projection{
		Kind:       deferredKind,
		Key:        key,
		Version:    item.CreatedAt,
		ComputedAt: now,
		DueAt:      &due,
		Data:       b,
	}); err != nil {
		return OutcomeRejected, fmt.Errorf("persisting deferred item: %w", err)
	}
	e.deferrals.add(key, d.Missing)
	e.logger.Info("deferring item with unknown reference", "uri", key, "missing", d.Missing, "field", d.Field, "attempts", d.Attempts)

	// the missing record may have been stored between admission and registration
	if ctx.Value(recheckKey{}) == nil {
		if _, err := e.store.GetRecord(ctx, mre.Ref); err == nil {
			return e.handle(context.WithValue(ctx, recheckKey{}, true), item)
		}
	}
	return OutcomeDeferred, nil
}

func (e *Engine) loadDeferred(ctx context.Context, key string) (*deferredItem, error) {
	p, err := e.store.GetProjection(ctx, deferredKind, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d deferredItem
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return nil, fmt.Errorf("decoding deferred item %s: %w", key, err)
	}
	return &d, nil
}

// Drops the deferral bookkeeping of an item which no longer waits.
func (e *Engine) clearDeferred(ctx context.Context, key string) {
	if !e.deferrals.remove(key) {
		return
	}
	if err := e.store.DeleteProjection(ctx, deferredKind, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("failed to delete deferred item", "uri", key, "err", err)
	}
}

// Re-processes every item waiting on a newly stored record, and the items waiting on those in turn.
func (e *Engine) wake(ctx context.Context, key string) {
	queue := []string{key}
	for len(queue) > 0 {
		missing := queue[0]
		queue = queue[1:]
		for _, waiting := range e.deferrals.waiting(missing) {
			d, err := e.loadDeferred(ctx, waiting)
			if err != nil || d == nil {
				e.logger.Error("failed to load deferred item", "uri", waiting, "err", err)
				e.deferrals.remove(waiting)
				continue
			}
			outcome, err := e.handle(ctx, d.Item)
			if err != nil && outcome != OutcomeDeferred {
				e.logger.Info("deferred item failed on retry", "uri", waiting, "outcome", outcome, "err", err)
			}
			if outcome == OutcomeStored {
				queue = append(queue, waiting)
			}
		}
	}
}

// Retries deferred items whose retry time has come. Items past the deferral limit are dead-lettered.
func (e *Engine) sweepDeferred(ctx context.Context) error {
	due, err := e.store.ListDueProjections(ctx, deferredKind, e.now())
	if err != nil {
		e.logger.Error("failed to list deferred items", "err", err)
		return err
	}
	for _, p := range due {
		var d deferredItem
		if err := json.Unmarshal(p.Data, &d); err != nil {
			e.logger.Error("dropping undecodable deferred item", "uri", p.Key, "err", err)
			_ = e.store.DeleteProjection(ctx, deferredKind, p.Key)
			e.deferrals.remove(p.Key)
			continue
		}
		if _, err := e.ProcessItem(ctx, d.Item); err != nil {
			e.logger.Debug("deferred item retry failed", "uri", p.Key, "err", err)
		}
	}
	return nil
}

// Rebuilds the in-memory deferral index from persisted state.
func (e *Engine) RestoreDeferred(ctx context.Context) error {
	all, err := e.store.ListDueProjections(ctx, deferredKind, e.now().Add(100*365*24*time.Hour))
	if err != nil {
		return err
	}
	for _, p := range all {
		var d deferredItem
		if err := json.Unmarshal(p.Data, &d); err != nil {
			e.logger.Error("skipping undecodable deferred item", "uri", p.Key, "err", err)
			continue
		}
		e.deferrals.add(p.Key, d.Missing)
	}
	if len(all) > 0 {
		e.logger.Info("restored deferred items", "count", len(all))
	}
	return nil
}

func (e *Engine) deadLetter(ctx context.Context, item *Item, reason, missing string, attempts int) {
	uri := ""
	if ref, err := item.Ref(); err == nil {
		uri = ref.URI()
	}
	dl := &store.DeadLetter{
		URI:        uri,
		Collection: item.Collection,
		Reason:     reason,
		Missing:    missing,
		Payload:    item.Payload,
		CreatedAt:  item.CreatedAt,
		Attempts:   attempts,
		DeadAt:     e.now(),
	}
	if item.ReceivedAt != nil {
		dl.ReceivedAt = *item.ReceivedAt
	}
	itemsDeadLettered.WithLabelValues(item.Collection).Inc()
	e.logger.Warn("dead-lettering item", "uri", uri, "reason", reason, "attempts", attempts)
	if err := e.store.PutDeadLetter(ctx, dl); err != nil {
		e.logger.Error("failed to persist dead letter", "uri", uri, "err", err)
	}
}
