package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/moltsocial/quorum/authority"
	"github.com/moltsocial/quorum/cachestore"
	"github.com/moltsocial/quorum/modstate"
	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/standing"
	"github.com/moltsocial/quorum/store"
	"github.com/moltsocial/quorum/testimony"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("quorum")

// Appellant has no standing to appeal the action: not the subject owner, nor their representative.
var ErrNoAppealStanding = errors.New("no standing to appeal")

type Config struct {
	WindowDuration time.Duration
	// how long items with unknown references are retried before being dead-lettered
	MaxDeferral time.Duration
	// open testimony windows for soft reversals too
	ReviewSoftReversals bool
	BranchPolicy        modstate.BranchPolicy
	// accounts whose role grants and revocations are trusted. Empty trusts any author.
	GovernanceDIDs []string
	// concurrent items in ProcessBatch
	Parallelism int
	// interval of the scheduler which closes windows and retries deferred items
	TickInterval time.Duration
	// default testimony page size for standing queries
	PageSize int
	// clock, for tests
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		WindowDuration: testimony.DefaultWindowDuration,
		MaxDeferral:    24 * time.Hour,
		BranchPolicy:   modstate.PolicyMostRecent,
		Parallelism:    16,
		TickInterval:   30 * time.Second,
		PageSize:       50,
		Now:            time.Now,
	}
}

type Engine struct {
	logger        *slog.Logger
	config        Config
	store         store.Store
	cache         cachestore.CacheStore
	methodologies *standing.Registry
	resolver      *authority.Resolver
	ghost         *authority.Ghost
	ledger        *testimony.Ledger
	deriver       *modstate.Deriver
	locks         *keyedLocks
	deferrals     *deferrals
	governance    map[string]bool
}

func NewEngine(logger *slog.Logger, st store.Store, cache cachestore.CacheStore, methodologies *standing.Registry, policy *authority.Policy, config Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")
	def := DefaultConfig()
	if config.WindowDuration <= 0 {
		config.WindowDuration = def.WindowDuration
	}
	if config.MaxDeferral <= 0 {
		config.MaxDeferral = def.MaxDeferral
	}
	if config.BranchPolicy == "" {
		config.BranchPolicy = def.BranchPolicy
	}
	if config.Parallelism <= 0 {
		config.Parallelism = def.Parallelism
	}
	if config.TickInterval <= 0 {
		config.TickInterval = def.TickInterval
	}
	if config.PageSize <= 0 {
		config.PageSize = def.PageSize
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if methodologies == nil {
		methodologies = standing.NewRegistry()
	}

	resolver := authority.NewResolver(st, policy, logger)
	ghost := authority.NewGhost(resolver)
	e := &Engine{
		logger:        logger,
		config:        config,
		store:         st,
		cache:         cache,
		methodologies: methodologies,
		resolver:      resolver,
		ghost:         ghost,
		ledger:        testimony.NewLedger(st, ghost, logger),
		locks:         newKeyedLocks(),
		deferrals:     newDeferrals(),
		governance:    map[string]bool{},
	}
	for _, did := range config.GovernanceDIDs {
		e.governance[did] = true
	}
	e.deriver = modstate.NewDeriver(st, e.windowFacts, modstate.Options{
		Policy: config.BranchPolicy,
		Rank:   resolver.Policy().RoleRank,
	})
	return e
}

func (e *Engine) now() time.Time {
	return e.config.Now().UTC()
}

func (e *Engine) Resolver() *authority.Resolver {
	return e.resolver
}

type Result struct {
	Item    *Item
	Outcome Outcome
	Err     error
}

// Processes a batch of independent items concurrently. A failing item never affects the others; per-subject ordering comes from the derivations, not from batch order.
func (e *Engine) ProcessBatch(ctx context.Context, items []*Item) []Result {
	results := make([]Result, len(items))
	var eg errgroup.Group
	eg.SetLimit(e.config.Parallelism)
	for i, item := range items {
		i, item := i, item
		eg.Go(func() error {
			outcome, err := e.ProcessItem(ctx, item)
			results[i] = Result{Item: item, Outcome: outcome, Err: err}
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// Validates, stores, and propagates a single inbound item, then retries any deferred items which were waiting on it.
//
// Items with a not-yet-known reference return [OutcomeDeferred] and no error. Duplicates (same record, or identical testimony) return [OutcomeDuplicate] and no error.
func (e *Engine) ProcessItem(ctx context.Context, item *Item) (Outcome, error) {
	outcome, err := e.handle(ctx, item)
	if outcome == OutcomeStored {
		if ref, rerr := item.Ref(); rerr == nil {
			e.wake(ctx, ref.Key())
		}
	}
	return outcome, err
}

func (e *Engine) handle(ctx context.Context, item *Item) (outcome Outcome, err error) {
	ctx, span := tracer.Start(ctx, "ProcessItem")
	defer span.End()
	span.SetAttributes(attribute.String("collection", item.Collection))

	// similar to an HTTP server, we want to recover any panics from record processing
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("record processing exception", "err", r, "collection", item.Collection, "did", item.Owner, "rkey", item.RKey)
			outcome = OutcomeRejected
			err = fmt.Errorf("record processing panic: %v", r)
		}
	}()

	start := time.Now()
	defer func() {
		itemProcessDuration.WithLabelValues(item.Collection).Observe(time.Since(start).Seconds())
		itemProcessCount.WithLabelValues(item.Collection, string(outcome)).Inc()
	}()

	if item.ReceivedAt == nil {
		now := e.now()
		item.ReceivedAt = &now
	}
	return e.process(ctx, item)
}

func (e *Engine) process(ctx context.Context, item *Item) (Outcome, error) {
	env, err := item.Envelope()
	if err != nil {
		e.logger.Warn("dropping invalid item", "collection", item.Collection, "did", item.Owner, "rkey", item.RKey, "err", err)
		return OutcomeRejected, err
	}
	key := env.Ref.Key()
	logger := e.logger.With("uri", key)

	if item.Deleted {
		return e.processDelete(ctx, env, logger)
	}

	unlock := e.locks.Lock(lockKey(env))
	err = e.admitAndStore(ctx, env)
	unlock()

	var mre *records.MissingReferenceError
	switch {
	case errors.As(err, &mre):
		return e.deferItem(ctx, item, mre)
	case errors.Is(err, testimony.ErrDuplicate), errors.Is(err, errDuplicateRecord):
		logger.Debug("duplicate record", "err", err)
		e.clearDeferred(ctx, key)
		return OutcomeDuplicate, nil
	case errors.Is(err, records.ErrInvalidReference):
		e.deadLetter(ctx, item, err.Error(), "", 1)
		e.clearDeferred(ctx, key)
		return OutcomeDeadLettered, err
	case err != nil:
		logger.Info("rejected record", "collection", env.Ref.Collection, "err", err)
		e.clearDeferred(ctx, key)
		return OutcomeRejected, err
	}

	logger.Debug("stored record", "collection", env.Ref.Collection, "did", env.Author())
	e.clearDeferred(ctx, key)
	if err := e.propagate(ctx, env); err != nil {
		// the record is stored; projections are re-derived on read
		logger.Error("propagation failed", "err", err)
	}
	return OutcomeStored, nil
}

var errDuplicateRecord = errors.New("record already stored")

func (e *Engine) admitAndStore(ctx context.Context, env *records.Envelope) error {
	if existing, err := e.store.GetRecord(ctx, env.Ref); err == nil && existing.Ref.CID == env.Ref.CID {
		return errDuplicateRecord
	}
	if err := e.admit(ctx, env); err != nil {
		return err
	}
	created, err := e.store.PutRecord(ctx, env)
	if err != nil {
		return err
	}
	if !created {
		return errDuplicateRecord
	}
	return nil
}

func (e *Engine) processDelete(ctx context.Context, env *records.Envelope, logger *slog.Logger) (Outcome, error) {
	unlock := e.locks.Lock(env.Ref.Key())
	defer unlock()

	if err := e.store.MarkDeleted(ctx, env.Ref, *env.DeletedAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Info("tombstone for unknown record")
			return OutcomeDuplicate, nil
		}
		return OutcomeRejected, err
	}
	stored, err := e.store.GetRecord(ctx, env.Ref)
	if err != nil {
		return OutcomeRejected, err
	}
	if err := e.propagate(ctx, stored); err != nil {
		logger.Error("propagation failed", "err", err)
	}
	return OutcomeDeleted, nil
}
