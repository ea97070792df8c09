package testimony

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/moltsocial/quorum/authority"
	"github.com/moltsocial/quorum/modstate"
	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/syntax"
)

const DefaultWindowDuration = 72 * time.Hour

type WindowStatus string

const (
	WindowOpen   WindowStatus = "open"
	WindowClosed WindowStatus = "closed"
)

type WindowOutcome string

const (
	// window closed with testimony in the evidence set
	OutcomeEvidenceGathered WindowOutcome = "evidence_gathered"
	// hard reversal window closed without testimony: the original action stands
	OutcomeUpheldOriginal WindowOutcome = "upheld_original"
	// soft or escalation window closed without testimony: the decision proceeds regardless
	OutcomeProceed WindowOutcome = "proceed"
)

type EligibleWitness struct {
	DID   syntax.DID `json:"did"`
	Basis string     `json:"basis"`
}

type WindowTestimony struct {
	Ref        syntax.Ref       `json:"ref"`
	Witness    syntax.DID       `json:"witness"`
	Position   records.Position `json:"position"`
	CreatedAt  time.Time        `json:"createdAt"`
	ReceivedAt time.Time        `json:"receivedAt"`
	// created in time, but indexed after the window closed
	LateArrival bool `json:"lateArrival,omitempty"`
	// created after the window closed; excluded from the default evidence set
	PostWindow bool `json:"postWindow,omitempty"`
	Eligible   bool `json:"eligible"`
}

// Derived state of a testimony window, opened by an escalation or hard reversal.
type Window struct {
	Action   syntax.Ref       `json:"action"`
	Target   *syntax.Ref      `json:"target,omitempty"`
	Context  string           `json:"context"`
	Severity records.Severity `json:"severity"`
	OpensAt  time.Time        `json:"opensAt"`
	ClosesAt time.Time        `json:"closesAt"`
	ClosedAt *time.Time       `json:"closedAt,omitempty"`
	// closure record, for early closes
	ClosedBy *syntax.Ref   `json:"closedBy,omitempty"`
	Status   WindowStatus  `json:"status"`
	Outcome  WindowOutcome `json:"outcome,omitempty"`

	EligibleWitnesses []EligibleWitness `json:"eligibleWitnesses"`
	// in-window evidence set (and post-window testimony, when requested)
	Testimonies []WindowTestimony `json:"testimonies"`
	// count of in-window testimonies, including late arrivals
	TestimoniesReceived int `json:"testimoniesReceived"`
	PostWindowCount     int `json:"postWindowCount"`

	Version    time.Time `json:"version"`
	ComputedAt time.Time `json:"computedAt"`
}

func (w *Window) Facts() *modstate.WindowFacts {
	return &modstate.WindowFacts{
		OpensAt:  w.OpensAt,
		ClosesAt: w.ClosesAt,
		ClosedAt: w.ClosedAt,
		InWindow: w.TestimoniesReceived,
		Version:  w.Version,
	}
}

// Reports whether an action opens a testimony window, and the record under review if so.
func OpensWindow(env *records.Envelope, reviewSoftReversals bool) (*syntax.Ref, bool) {
	act, ok := env.Record.(*records.ModerationAction)
	if !ok {
		return nil, false
	}
	switch act.Kind {
	case records.ActionEscalate:
		return act.Subject.Ref, true
	case records.ActionReverse:
		if act.Severity == records.SeverityHard || reviewSoftReversals {
			return act.Reverses, true
		}
	}
	return nil, false
}

type WindowInputs struct {
	Trigger *records.Envelope
	// WindowClosure records referencing the trigger, already authorized at ingestion
	Closures []*records.Envelope
	// testimonies about the trigger or its target
	Testimonies []*records.Envelope
	Eligible    []EligibleWitness
	Duration    time.Duration
}

// Derives a window as of now. Membership is decided by logical creation time: anything created at or before the close is evidence, however late it was indexed.
func DeriveWindow(in WindowInputs, now time.Time, includePostWindow bool) (*Window, error) {
	act, ok := in.Trigger.Record.(*records.ModerationAction)
	if !ok {
		return nil, fmt.Errorf("%w: window trigger %s is not a moderation action", records.ErrInvalidReference, in.Trigger.Ref.URI())
	}
	dur := in.Duration
	if dur <= 0 {
		dur = DefaultWindowDuration
	}
	w := &Window{
		Action:            in.Trigger.Ref,
		Target:            act.Target(),
		Context:           act.Context,
		Severity:          act.Severity,
		OpensAt:           in.Trigger.CreatedAt,
		ClosesAt:          in.Trigger.CreatedAt.Add(dur),
		Status:            WindowOpen,
		EligibleWitnesses: []EligibleWitness{},
		Testimonies:       []WindowTestimony{},
		Version:           in.Trigger.CreatedAt,
		ComputedAt:        now,
	}
	if act.Kind == records.ActionEscalate {
		w.Target = act.Subject.Ref
	}

	// earliest closure wins; closing is terminal
	for _, c := range in.Closures {
		if c.Deleted || c.CreatedAt.After(now) || !c.CreatedAt.Before(w.ClosesAt) {
			continue
		}
		if w.ClosedAt == nil || c.CreatedAt.Before(*w.ClosedAt) {
			at := c.CreatedAt
			ref := c.Ref
			w.ClosedAt = &at
			w.ClosedBy = &ref
		}
	}
	if w.ClosedAt == nil && !now.Before(w.ClosesAt) {
		at := w.ClosesAt
		w.ClosedAt = &at
	}
	if w.ClosedAt != nil {
		w.Status = WindowClosed
		if w.ClosedBy != nil && w.ClosedAt.After(w.Version) {
			w.Version = *w.ClosedAt
		}
	}

	eligible := map[syntax.DID]bool{}
	for _, e := range in.Eligible {
		if !eligible[e.DID] {
			eligible[e.DID] = true
			w.EligibleWitnesses = append(w.EligibleWitnesses, e)
		}
	}

	seen := map[string]bool{}
	for _, env := range in.Testimonies {
		t, ok := env.Record.(*records.Testimony)
		if !ok || env.Deleted || seen[env.Ref.Key()] {
			continue
		}
		seen[env.Ref.Key()] = true
		wt := WindowTestimony{
			Ref:        env.Ref,
			Witness:    env.Author(),
			Position:   t.Position,
			CreatedAt:  env.CreatedAt,
			ReceivedAt: env.ReceivedAt,
		}
		if w.ClosedAt != nil {
			wt.PostWindow = env.CreatedAt.After(*w.ClosedAt)
			wt.LateArrival = !wt.PostWindow && env.ReceivedAt.After(*w.ClosedAt)
		}
		if wt.PostWindow {
			w.PostWindowCount++
			if !includePostWindow {
				continue
			}
		} else {
			w.TestimoniesReceived++
			if env.CreatedAt.After(w.Version) {
				w.Version = env.CreatedAt
			}
			// corroborating eyewitnesses become eligible by testifying
			if t.StandingBasis == records.BasisWitness && !eligible[wt.Witness] {
				eligible[wt.Witness] = true
				w.EligibleWitnesses = append(w.EligibleWitnesses, EligibleWitness{DID: wt.Witness, Basis: "corroborating-witness"})
			}
		}
		wt.Eligible = eligible[wt.Witness]
		w.Testimonies = append(w.Testimonies, wt)
	}
	sort.SliceStable(w.Testimonies, func(i, j int) bool {
		if !w.Testimonies[i].CreatedAt.Equal(w.Testimonies[j].CreatedAt) {
			return w.Testimonies[i].CreatedAt.Before(w.Testimonies[j].CreatedAt)
		}
		return w.Testimonies[i].Ref.Key() < w.Testimonies[j].Ref.Key()
	})
	// eligibility may have grown after earlier testimonies were visited
	for i := range w.Testimonies {
		w.Testimonies[i].Eligible = eligible[w.Testimonies[i].Witness]
	}

	if w.Status == WindowClosed {
		switch {
		case w.TestimoniesReceived > 0:
			w.Outcome = OutcomeEvidenceGathered
		case act.Kind == records.ActionReverse && act.Severity == records.SeverityHard:
			w.Outcome = OutcomeUpheldOriginal
		default:
			w.Outcome = OutcomeProceed
		}
	}
	return w, nil
}

// Standing-holders identified by their relationship to the window's trigger and target: content owner, affected party, and role holders in the context when the target was created.
func EligibleWitnesses(ctx context.Context, rs Records, resolver *authority.Resolver, trigger *records.Envelope) ([]EligibleWitness, error) {
	act, ok := trigger.Record.(*records.ModerationAction)
	if !ok {
		return nil, nil
	}
	var out []EligibleWitness
	targetAt := trigger.CreatedAt

	subject := act.Subject
	if target := act.Target(); target != nil {
		env, err := rs.GetRecord(ctx, *target)
		if err != nil {
			return nil, err
		}
		if ta, ok := env.Record.(*records.ModerationAction); ok {
			subject = ta.Subject
			targetAt = env.CreatedAt
		}
	} else if act.Subject.Ref != nil && act.Subject.Ref.Collection == syntax.CollectionAction {
		// escalation of another action
		env, err := rs.GetRecord(ctx, *act.Subject.Ref)
		if err != nil {
			return nil, err
		}
		if ta, ok := env.Record.(*records.ModerationAction); ok {
			subject = ta.Subject
			targetAt = env.CreatedAt
		}
	}

	if subject.Ref != nil {
		out = append(out, EligibleWitness{DID: subject.Ref.Owner, Basis: string(records.BasisContentOwner)})
	} else {
		out = append(out, EligibleWitness{DID: subject.DID, Basis: string(records.BasisAffectedParty)})
	}

	holders, err := resolver.HoldersAt(ctx, act.Context, targetAt)
	if err != nil {
		return nil, err
	}
	for _, h := range holders {
		out = append(out, EligibleWitness{DID: h, Basis: string(records.BasisHistoricalInvolvement)})
	}
	return out, nil
}
