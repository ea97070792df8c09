package modstate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/store"
	"github.com/moltsocial/quorum/syntax"
)

var ErrNotAction = errors.New("record is not a moderation action")

const maxReversalDepth = 32

// Read access to the record graph.
type Source interface {
	GetRecord(ctx context.Context, ref syntax.Ref) (*records.Envelope, error)
	ListReferencing(ctx context.Context, target syntax.Ref, coll syntax.Collection, field string) ([]*records.Envelope, error)
}

// Returns the facts of the testimony window opened by a triggering action (an escalation or hard reversal), or nil if there is none.
type WindowLookup func(ctx context.Context, trigger *records.Envelope, now time.Time) (*WindowFacts, error)

type cycleError struct {
	path []string
}

func (e *cycleError) Error() string {
	return "reference cycle: " + strings.Join(e.path, " -> ")
}

// Loads the records referencing an action and folds them into its effective state.
type Deriver struct {
	src     Source
	windows WindowLookup
	opts    Options
}

func NewDeriver(src Source, windows WindowLookup, opts Options) *Deriver {
	if opts.Policy == "" {
		opts.Policy = PolicyMostRecent
	}
	return &Deriver{src: src, windows: windows, opts: opts}
}

func (d *Deriver) Options() Options {
	return d.opts
}

// Derives the state of the referenced action as of now. Returns [store.ErrNotFound] for unknown references and [ErrNotAction] for other record types; reference cycles yield an indeterminate state, not an error.
func (d *Deriver) Derive(ctx context.Context, ref syntax.Ref, now time.Time) (*ActionState, error) {
	st, err := d.derive(ctx, ref, now, nil)
	var ce *cycleError
	if errors.As(err, &ce) {
		return &ActionState{
			Action:     ref,
			State:      StateIndeterminate,
			Reason:     ce.Error(),
			Policy:     d.opts.Policy,
			Branches:   []Branch{},
			Reversals:  []ReversalView{},
			Windows:    []syntax.Ref{},
			Timeline:   []Transition{},
			ComputedAt: now,
		}, nil
	}
	return st, err
}

func (d *Deriver) derive(ctx context.Context, ref syntax.Ref, now time.Time, path []string) (*ActionState, error) {
	env, err := d.src.GetRecord(ctx, ref)
	if err != nil {
		return nil, err
	}
	if _, ok := env.Record.(*records.ModerationAction); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAction, ref)
	}
	in, err := d.load(ctx, env, now, append(slices.Clone(path), ref.Key()))
	if err != nil {
		return nil, err
	}
	return Fold(in, now, d.opts), nil
}

// Collects everything referencing the action. path holds the chain of actions being derived, for cycle detection.
func (d *Deriver) load(ctx context.Context, env *records.Envelope, now time.Time, path []string) (Inputs, error) {
	in := Inputs{Action: env}
	ref := env.Ref
	if len(path) > maxReversalDepth {
		return in, &cycleError{path: append(slices.Clone(path), "(reversal chain too deep)")}
	}

	appeals, err := d.src.ListReferencing(ctx, ref, syntax.CollectionAppeal, store.FieldSubject)
	if err != nil {
		return in, err
	}
	appealActions, err := d.src.ListReferencing(ctx, ref, syntax.CollectionAction, store.FieldAppealsTo)
	if err != nil {
		return in, err
	}
	in.Appeals = append(appeals, appealActions...)

	for _, a := range in.Appeals {
		res, err := d.src.ListReferencing(ctx, a.Ref, syntax.CollectionResolution, store.FieldAppeal)
		if err != nil {
			return in, err
		}
		in.Resolutions = append(in.Resolutions, res...)
	}
	// denormalized direct references; duplicates are dropped by the fold
	direct, err := d.src.ListReferencing(ctx, ref, syntax.CollectionResolution, store.FieldModAction)
	if err != nil {
		return in, err
	}
	in.Resolutions = append(in.Resolutions, direct...)

	reversals, err := d.src.ListReferencing(ctx, ref, syntax.CollectionAction, store.FieldReverses)
	if err != nil {
		return in, err
	}
	for _, rev := range reversals {
		if slices.Contains(path, rev.Ref.Key()) {
			return in, &cycleError{path: append(slices.Clone(path), rev.Ref.Key())}
		}
		sub, err := d.derive(ctx, rev.Ref, now, path)
		if err != nil {
			return in, err
		}
		ri := ReversalInput{Env: rev, State: sub.State}
		if ra, ok := rev.Record.(*records.ModerationAction); ok && ra.Severity == records.SeverityHard {
			if ri.Window, err = d.lookupWindow(ctx, rev, now); err != nil {
				return in, err
			}
		}
		in.Reversals = append(in.Reversals, ri)
	}

	subjects, err := d.src.ListReferencing(ctx, ref, syntax.CollectionAction, store.FieldSubject)
	if err != nil {
		return in, err
	}
	for _, s := range subjects {
		sa, ok := s.Record.(*records.ModerationAction)
		if !ok || sa.Kind != records.ActionEscalate {
			continue
		}
		facts, err := d.lookupWindow(ctx, s, now)
		if err != nil {
			return in, err
		}
		in.Windows = append(in.Windows, WindowInput{Trigger: s, Facts: facts})
	}
	return in, nil
}

func (d *Deriver) lookupWindow(ctx context.Context, trigger *records.Envelope, now time.Time) (*WindowFacts, error) {
	if d.windows == nil {
		return nil, nil
	}
	return d.windows(ctx, trigger, now)
}
