package modstate

import (
	"sort"
	"time"

	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/syntax"
)

// What the derivation needs to know about a testimony window.
type WindowFacts struct {
	OpensAt  time.Time
	ClosesAt time.Time
	// nil while the window is open
	ClosedAt *time.Time
	// testimonies created within the window
	InWindow int
	// newest createdAt of records contributing to the window
	Version time.Time
}

type ReversalInput struct {
	Env *records.Envelope
	// derived state of the reverse action itself
	State  State
	Window *WindowFacts
}

type WindowInput struct {
	Trigger *records.Envelope
	Facts   *WindowFacts
}

// Records referencing an action, as loaded by a [Deriver]. Order does not matter.
type Inputs struct {
	Action *records.Envelope
	// Appeal records, and appeal-kind actions, referencing the action
	Appeals     []*records.Envelope
	Resolutions []*records.Envelope
	// reverse-kind actions referencing the action
	Reversals []ReversalInput
	// escalations of the action, which open testimony windows
	Windows []WindowInput
}

type eventKind int

const (
	evAppeal eventKind = iota
	evWindowOpen
	evResolution
	evReverse
)

type event struct {
	at     time.Time
	kind   eventKind
	ref    syntax.Ref
	branch int
	res    int
	rev    int
}

type folder struct {
	st   *ActionState
	opts Options
	now  time.Time
	cur  State
	// branch index -> appealed and not yet resolved
	open map[int]bool
}

func (f *folder) contribute(t time.Time) {
	f.st.RecordCount++
	if t.After(f.st.Version) {
		f.st.Version = t
	}
}

func (f *folder) set(to State, at time.Time, cause syntax.Ref, note string) {
	if to == f.cur && note == "" {
		return
	}
	f.st.Timeline = append(f.st.Timeline, Transition{At: at, From: f.cur, To: to, Cause: cause, Note: note})
	f.cur = to
}

func (f *folder) indeterminate(reason string) *ActionState {
	f.st.State = StateIndeterminate
	f.st.Reason = reason
	f.st.DecidedBy = nil
	f.st.Modification = ""
	return f.st
}

func (f *folder) anyOpen() bool {
	for _, v := range f.open {
		if v {
			return true
		}
	}
	return false
}

// Derives the effective state of an action from its referencing records, as of now. Pure: identical inputs, now, and options always produce an identical result.
func Fold(in Inputs, now time.Time, opts Options) *ActionState {
	if opts.Policy == "" {
		opts.Policy = PolicyMostRecent
	}
	st := &ActionState{
		Action:     in.Action.Ref,
		Policy:     opts.Policy,
		Branches:   []Branch{},
		Reversals:  []ReversalView{},
		Windows:    []syntax.Ref{},
		Timeline:   []Transition{},
		ComputedAt: now,
	}
	f := &folder{st: st, opts: opts, now: now, open: map[int]bool{}}

	act, ok := in.Action.Record.(*records.ModerationAction)
	if !ok {
		return f.indeterminate("record is not a moderation action")
	}
	st.Context = act.Context
	st.Operator = in.Action.Author()
	f.contribute(in.Action.CreatedAt)
	origin := in.Action.CreatedAt

	if in.Action.Deleted {
		st.State = StateReversed
		st.Reason = "withdrawn: action record deleted by its author"
		return st
	}
	f.set(StateActive, origin, in.Action.Ref, "")

	var events []event
	branchIdx := map[string]int{}
	for _, env := range in.Appeals {
		if env.Deleted {
			continue
		}
		b := Branch{Appeal: env.Ref, FiledAt: env.CreatedAt, Resolutions: []ResolutionView{}}
		switch rec := env.Record.(type) {
		case *records.Appeal:
			b.Appellant = rec.Appellant
			b.Category = rec.Category
		case *records.ModerationAction:
			if rec.Kind != records.ActionAppeal {
				continue
			}
			b.Appellant = env.Author()
		default:
			continue
		}
		if _, dup := branchIdx[env.Ref.Key()]; dup {
			continue
		}
		if env.CreatedAt.Before(origin) {
			return f.indeterminate("appeal " + env.Ref.URI() + " predates the action it appeals")
		}
		f.contribute(env.CreatedAt)
		branchIdx[env.Ref.Key()] = len(st.Branches)
		events = append(events, event{at: env.CreatedAt, kind: evAppeal, ref: env.Ref, branch: len(st.Branches)})
		st.Branches = append(st.Branches, b)
	}

	seenRes := map[string]bool{}
	for _, env := range in.Resolutions {
		rec, ok := env.Record.(*records.AppealResolution)
		if !ok || env.Deleted || seenRes[env.Ref.Key()] {
			continue
		}
		seenRes[env.Ref.Key()] = true
		bi, ok := branchIdx[rec.Appeal.Key()]
		if !ok {
			// resolves an appeal of some other action, or a withdrawn appeal
			continue
		}
		b := &st.Branches[bi]
		if env.CreatedAt.Before(b.FiledAt) {
			return f.indeterminate("resolution " + env.Ref.URI() + " predates the appeal it resolves")
		}
		f.contribute(env.CreatedAt)
		events = append(events, event{at: env.CreatedAt, kind: evResolution, ref: env.Ref, branch: bi, res: len(b.Resolutions)})
		b.Resolutions = append(b.Resolutions, ResolutionView{
			Ref:               env.Ref,
			Resolver:          env.Author(),
			ResolverAuthority: rec.ResolverAuthority,
			Outcome:           rec.Outcome,
			FinalDecision:     rec.FinalDecision,
			Modifications:     rec.Modifications,
			CreatedAt:         env.CreatedAt,
		})
	}
	// resolution events were indexed in load order
	for i := range st.Branches {
		sortResolutions(st.Branches[i].Resolutions)
	}
	resPos := map[string]int{}
	for _, b := range st.Branches {
		for j, rv := range b.Resolutions {
			resPos[rv.Ref.Key()] = j
		}
	}
	for i := range events {
		if events[i].kind == evResolution {
			events[i].res = resPos[events[i].ref.Key()]
		}
	}

	for _, w := range in.Windows {
		if w.Trigger.Deleted {
			continue
		}
		if w.Trigger.CreatedAt.Before(origin) {
			return f.indeterminate("escalation " + w.Trigger.Ref.URI() + " predates the action it escalates")
		}
		f.contribute(w.Trigger.CreatedAt)
		if w.Facts != nil && w.Facts.Version.After(st.Version) {
			st.Version = w.Facts.Version
		}
		st.Windows = append(st.Windows, w.Trigger.Ref)
		events = append(events, event{at: w.Trigger.CreatedAt, kind: evWindowOpen, ref: w.Trigger.Ref})
	}

	for _, r := range in.Reversals {
		rev, ok := r.Env.Record.(*records.ModerationAction)
		if !ok || rev.Kind != records.ActionReverse || r.Env.Deleted {
			continue
		}
		if r.Env.CreatedAt.Before(origin) {
			return f.indeterminate("reversal " + r.Env.Ref.URI() + " predates the action it reverses")
		}
		f.contribute(r.Env.CreatedAt)
		view := ReversalView{
			Ref:       r.Env.Ref,
			Operator:  r.Env.Author(),
			Severity:  rev.Severity,
			CreatedAt: r.Env.CreatedAt,
		}
		idx := len(st.Reversals)
		switch {
		case r.State == StateReversed || r.State == StatePending || r.State == StateIndeterminate:
			view.Status = ReversalInactive
		case rev.Severity == records.SeveritySoft:
			// soft reversals take effect immediately, testimony or not
			view.Status = ReversalApplied
			events = append(events, event{at: r.Env.CreatedAt, kind: evReverse, ref: r.Env.Ref, rev: idx})
		default:
			if r.Window != nil {
				st.Windows = append(st.Windows, r.Env.Ref)
				if r.Window.Version.After(st.Version) {
					st.Version = r.Window.Version
				}
			}
			switch {
			case r.Window == nil || r.Window.ClosedAt == nil || r.Window.ClosedAt.After(now):
				view.Status = ReversalAwaitingTestimony
			case r.Window.InWindow == 0:
				view.Status = ReversalUpheldOriginal
			default:
				view.Status = ReversalApplied
				events = append(events, event{at: *r.Window.ClosedAt, kind: evReverse, ref: r.Env.Ref, rev: idx})
			}
			if r.Window != nil && r.Window.ClosedAt == nil {
				// an open window on a pending hard reversal puts an appealed action under review
				events = append(events, event{at: r.Env.CreatedAt, kind: evWindowOpen, ref: r.Env.Ref})
			}
		}
		st.Reversals = append(st.Reversals, view)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].at.Equal(events[j].at) {
			return events[i].at.Before(events[j].at)
		}
		if events[i].kind != events[j].kind {
			return events[i].kind < events[j].kind
		}
		return events[i].ref.Key() < events[j].ref.Key()
	})

	bindingRank := -1
	for _, ev := range events {
		if ev.at.After(now) {
			break
		}
		switch ev.kind {
		case evAppeal:
			f.open[ev.branch] = true
			if f.cur == StateActive {
				f.set(StateAppealed, ev.at, ev.ref, "")
			}
		case evWindowOpen:
			if f.cur == StateAppealed {
				f.set(StateUnderReview, ev.at, ev.ref, "testimony window opened")
			}
		case evResolution:
			b := &st.Branches[ev.branch]
			rv := &b.Resolutions[ev.res]
			b.Outcome = rv.Outcome
			f.open[ev.branch] = false
			rank := opts.rank(rv.ResolverAuthority)
			if opts.Policy == PolicyMostAuthoritative && bindingRank >= 0 && rank < bindingRank {
				continue
			}
			rv.Applied = true
			bindingRank = rank
			ref := rv.Ref
			st.DecidedBy = &ref
			switch rv.Outcome {
			case records.OutcomeUpheld, records.OutcomeModified:
				st.Modification = ""
				note := "upheld"
				if rv.Outcome == records.OutcomeModified {
					st.Modification = rv.Modifications
					note = "modified"
				}
				to := StateActive
				if f.anyOpen() {
					to = StateAppealed
				}
				f.set(to, ev.at, ev.ref, note)
			case records.OutcomeOverturned:
				f.set(StateReversed, ev.at, ev.ref, "overturned")
			case records.OutcomeRemanded:
				f.set(StateUnderReview, ev.at, ev.ref, "remanded")
			}
		case evReverse:
			bindingRank = -1
			st.Modification = ""
			ref := ev.ref
			st.DecidedBy = &ref
			f.set(StateReversed, ev.at, ev.ref, string(st.Reversals[ev.rev].Severity)+" reversal")
		}
	}

	if f.cur != StateReversed && act.ExpiresAt != nil && now.After(*act.ExpiresAt) {
		f.set(StateExpired, *act.ExpiresAt, in.Action.Ref, "expired")
	}
	if act.EffectiveAt != nil && act.EffectiveAt.After(now) && (f.cur == StateActive || f.cur == StateAppealed) {
		f.cur = StatePending
		st.Reason = "not effective until " + syntax.FormatDatetime(*act.EffectiveAt)
	}
	st.State = f.cur
	return st
}

func sortResolutions(rs []ResolutionView) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].Ref.Key() < rs[j].Ref.Key()
	})
}
