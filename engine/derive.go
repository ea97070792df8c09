package engine

import (
	"context"
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

// No testimony window was opened by, or about, the referenced record.
var ErrNoWindow = errors.New("no testimony window")

// Derives the window opened by a triggering action.
func (e *Engine) deriveWindow(ctx context.Context, trigger *records.Envelope, now time.Time, includePostWindow bool) (*testimony.Window, error) {
	target, ok := testimony.OpensWindow(trigger, e.config.ReviewSoftReversals)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoWindow, trigger.Ref.URI())
	}
	closures, err := e.store.ListReferencing(ctx, trigger.Ref, syntax.CollectionWindowClosure, store.FieldAction)
	if err != nil {
		return nil, err
	}
	testimonies, err := e.ledger.AboutRecord(ctx, trigger.Ref)
	if err != nil {
		return nil, err
	}
	if target != nil {
		about, err := e.ledger.AboutRecord(ctx, *target)
		if err != nil {
			return nil, err
		}
		testimonies = append(testimonies, about...)
	}
	eligible, err := testimony.EligibleWitnesses(ctx, e.store, e.resolver, trigger)
	if err != nil {
		return nil, err
	}
	return testimony.DeriveWindow(testimony.WindowInputs{
		Trigger:     trigger,
		Closures:    closures,
		Testimonies: testimonies,
		Eligible:    eligible,
		Duration:    e.config.WindowDuration,
	}, now, includePostWindow)
}

// Window lookup handed to the action state deriver.
func (e *Engine) windowFacts(ctx context.Context, trigger *records.Envelope, now time.Time) (*modstate.WindowFacts, error) {
	w, err := e.deriveWindow(ctx, trigger, now, false)
	if errors.Is(err, ErrNoWindow) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return w.Facts(), nil
}

// Window triggers concerning a record: the record itself if it opens a window, then actions reversing or escalating it. Newest first.
func (e *Engine) windowTriggers(ctx context.Context, ref syntax.Ref) ([]*records.Envelope, error) {
	var out []*records.Envelope
	seen := map[string]bool{}
	if ref.Collection == syntax.CollectionAction {
		env, err := e.store.GetRecord(ctx, ref)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if env != nil {
			if _, ok := testimony.OpensWindow(env, e.config.ReviewSoftReversals); ok {
				out = append(out, env)
			}
		}
	}
	for _, field := range []string{store.FieldReverses, store.FieldSubject} {
		envs, err := e.store.ListReferencing(ctx, ref, syntax.CollectionAction, field)
		if err != nil {
			return nil, err
		}
		for _, env := range envs {
			if seen[env.Ref.Key()] {
				continue
			}
			if _, ok := testimony.OpensWindow(env, e.config.ReviewSoftReversals); ok {
				seen[env.Ref.Key()] = true
				out = append(out, env)
			}
		}
	}
	store.SortCausal(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

type standingResult struct {
	State   standing.State
	Entries []standing.Entry
}

func (e *Engine) computeStanding(ctx context.Context, subject syntax.DID, contextID string, calc standing.Calculator, now time.Time) (*standingResult, error) {
	envs, err := e.ledger.AboutActor(ctx, subject, contextID)
	if err != nil {
		return nil, err
	}
	store.SortCausal(envs)
	in := standing.Inputs{
		Subject:      subject,
		Context:      contextID,
		WitnessTiers: map[syntax.DID]standing.Tier{},
		ResolvedRefs: map[string]bool{},
	}
	for _, env := range envs {
		entry, ok := standing.EntryFromEnvelope(env)
		if !ok {
			continue
		}
		in.Testimonies = append(in.Testimonies, entry)
		t := entry.Testimony
		if t.Position != records.PositionNegative || !t.Major() || t.Anonymous {
			continue
		}
		if _, ok := in.WitnessTiers[entry.Witness]; !ok {
			tier, err := e.witnessTier(ctx, entry.Witness, contextID, calc)
			if err != nil {
				return nil, err
			}
			in.WitnessTiers[entry.Witness] = tier
		}
		for _, ev := range t.Evidence {
			if ev.Collection != syntax.CollectionAction {
				continue
			}
			if _, ok := in.ResolvedRefs[ev.Key()]; ok {
				continue
			}
			st, err := e.deriver.Derive(ctx, ev, now)
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, modstate.ErrNotAction) {
				in.ResolvedRefs[ev.Key()] = false
				continue
			}
			if err != nil {
				return nil, err
			}
			in.ResolvedRefs[ev.Key()] = st.State == modstate.StateReversed
		}
	}

	endorsements, err := e.store.ListAboutActor(ctx, syntax.CollectionEndorsement, subject, contextID)
	if err != nil {
		return nil, err
	}
	for _, env := range endorsements {
		if !env.Deleted && !env.CreatedAt.After(now) {
			in.Endorsements++
		}
	}

	return &standingResult{
		State:   calc.Compute(in, now),
		Entries: in.Testimonies,
	}, nil
}

const witnessTierKind = "witness-tier"

func witnessTierKey(witness syntax.DID, contextID, methodology string) string {
	return witness.String() + "|" + contextID + "|" + methodology
}

// Tier of a witness for corroboration checks. Computed one level deep (the witness's own negatives are not corroborated), and cached until new testimony about the witness arrives.
func (e *Engine) witnessTier(ctx context.Context, witness syntax.DID, contextID string, calc standing.Calculator) (standing.Tier, error) {
	key := witnessTierKey(witness, contextID, calc.Methodology().ID)
	if e.cache != nil {
		b, err := e.cache.Get(ctx, witnessTierKind, key)
		if err != nil {
			e.logger.Warn("witness tier cache read failed", "err", err)
		} else if b != nil {
			witnessTierCacheHits.WithLabelValues("hit").Inc()
			return standing.Tier(b), nil
		}
		witnessTierCacheHits.WithLabelValues("miss").Inc()
	}

	envs, err := e.ledger.AboutActor(ctx, witness, contextID)
	if err != nil {
		return standing.TierUnknown, err
	}
	in := standing.Inputs{Subject: witness, Context: contextID}
	for _, env := range envs {
		if entry, ok := standing.EntryFromEnvelope(env); ok {
			in.Testimonies = append(in.Testimonies, entry)
		}
	}
	// tiers are count based, so the evaluation time does not matter here
	tier := calc.Compute(in, time.Time{}).Tier

	if e.cache != nil {
		if err := e.cache.Set(ctx, witnessTierKind, key, []byte(tier)); err != nil {
			e.logger.Warn("witness tier cache write failed", "err", err)
		}
	}
	return tier, nil
}
