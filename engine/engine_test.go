package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/moltsocial/quorum/authority"
	"github.com/moltsocial/quorum/modstate"
	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/standing"
	"github.com/moltsocial/quorum/store"
	"github.com/moltsocial/quorum/syntax"
	"github.com/moltsocial/quorum/testimony"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gardening = "submolt:gardening"

var t0 = time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)

const (
	gov    = syntax.DID("did:plc:governance")
	mod    = syntax.DID("did:plc:mod1")
	author = syntax.DID("did:plc:author1")
	alice  = syntax.DID("did:plc:alice")
	bob    = syntax.DID("did:plc:bob")
)

type harness struct {
	t     *testing.T
	ctx   context.Context
	clock *TestClock
	e     *Engine
	n     int
}

func newHarness(t *testing.T) *harness {
	clock := NewTestClock(t0.Add(-30 * 24 * time.Hour))
	return &harness{
		t:     t,
		ctx:   context.Background(),
		clock: clock,
		e:     EngineTestFixture(clock),
	}
}

// Builds an item created at createdAt; it is received at whatever the clock says when submitted.
func (h *harness) item(by syntax.DID, rec records.Record, createdAt time.Time) *Item {
	h.n++
	it, err := NewItem(by, fmt.Sprintf("r%d", h.n), rec, createdAt)
	require.NoError(h.t, err)
	return it
}

func (h *harness) submit(it *Item) (Outcome, error) {
	return h.e.ProcessItem(h.ctx, it)
}

// Submits at the record's creation time and requires it to be stored.
func (h *harness) mustStore(by syntax.DID, rec records.Record, createdAt time.Time) syntax.Ref {
	h.clock.Set(createdAt)
	it := h.item(by, rec, createdAt)
	outcome, err := h.submit(it)
	require.NoError(h.t, err)
	require.Equal(h.t, OutcomeStored, outcome)
	ref, err := it.Ref()
	require.NoError(h.t, err)
	return ref
}

func (h *harness) grant(actor syntax.DID, role string, at time.Time) syntax.Ref {
	return h.mustStore(gov, &records.RoleGrant{Actor: actor, Context: gardening, Role: role}, at)
}

func post(t *testing.T) syntax.Ref {
	ref, err := syntax.ParseRef("at://did:plc:author1/app.molt.feed.post/p1")
	require.NoError(t, err)
	return ref
}

func (h *harness) removal(at time.Time) syntax.Ref {
	return h.mustStore(mod, &records.ModerationAction{
		Context:  gardening,
		Subject:  records.SubjectRef(post(h.t)),
		Kind:     records.ActionRemove,
		Severity: records.SeverityHard,
		Reason:   "spam",
	}, at)
}

func appealOf(action syntax.Ref) *records.Appeal {
	return &records.Appeal{
		Appellant: author,
		Subject:   action,
		Grounds:   "it was a gardening tip, not spam",
		Category:  records.AppealFactualError,
	}
}

func resolutionOf(appeal syntax.Ref, outcome records.Outcome) *records.AppealResolution {
	return &records.AppealResolution{
		ResolverAuthority: "moderator",
		Appeal:            appeal,
		Outcome:           outcome,
		Reasoning:         "reviewed",
	}
}

func communityTestimony(subject records.Subject, pos records.Position, content string) *records.Testimony {
	return &records.Testimony{
		Subject:       subject,
		Context:       gardening,
		Position:      pos,
		Content:       content,
		StandingBasis: records.BasisCommunityMember,
	}
}

func TestOverturnedAppeal(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	h.grant(mod, "moderator", t0.Add(-24*time.Hour))
	action := h.removal(t0)
	appeal := h.mustStore(author, appealOf(action), t0.Add(time.Hour))

	view, err := h.e.GetModerationActionState(h.ctx, action)
	require.NoError(t, err)
	assert.Equal(modstate.StateAppealed, view.State)

	h.mustStore(mod, resolutionOf(appeal, records.OutcomeOverturned), t0.Add(6*time.Hour))

	view, err = h.e.GetModerationActionState(h.ctx, action)
	require.NoError(t, err)
	assert.Equal(modstate.StateReversed, view.State)
	assert.Equal(records.ActionRemove, view.Record.Kind)
	assert.Len(view.Branches, 1)
	assert.Len(view.Resolutions(), 1)
	assert.Equal(t0.Add(6*time.Hour), view.Version)
}

func TestSelfTestimonyNeverStored(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	h.clock.Set(t0)

	it := h.item(alice, communityTestimony(records.SubjectDID(alice), records.PositionPositive, "I am a great gardener"), t0)
	outcome, err := h.submit(it)
	assert.ErrorIs(err, testimony.ErrSelfTestimony)
	assert.Equal(OutcomeRejected, outcome)

	ref, err := it.Ref()
	require.NoError(t, err)
	_, err = h.e.GetRecord(h.ctx, ref)
	assert.ErrorIs(err, store.ErrNotFound)

	view, err := h.e.GetStanding(h.ctx, StandingQuery{Subject: alice})
	require.NoError(t, err)
	assert.Equal(0, view.TestimonyCount)
	assert.Equal(standing.TierUnknown, view.Tier)
	assert.Empty(view.Testimonies)
}

func TestDuplicateTestimony(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	h.mustStore(alice, communityTestimony(records.SubjectDID(bob), records.PositionPositive, "helpful"), t0)

	// same business key under a different record key
	outcome, err := h.submit(h.item(alice, communityTestimony(records.SubjectDID(bob), records.PositionPositive, "helpful"), t0.Add(time.Minute)))
	assert.NoError(err)
	assert.Equal(OutcomeDuplicate, outcome)

	// unicode normalization and surrounding whitespace don't make it a different testimony
	h.mustStore(alice, communityTestimony(records.SubjectDID(bob), records.PositionNegative, "caf\u00e9 spam"), t0.Add(2*time.Minute))
	outcome, err = h.submit(h.item(alice, communityTestimony(records.SubjectDID(bob), records.PositionNegative, " cafe\u0301 spam"), t0.Add(3*time.Minute)))
	assert.NoError(err)
	assert.Equal(OutcomeDuplicate, outcome)

	view, err := h.e.GetStanding(h.ctx, StandingQuery{Subject: bob, Context: gardening})
	require.NoError(t, err)
	assert.Equal(2, view.TestimonyCount)
}

func TestRedeliveryIsDuplicate(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	h.clock.Set(t0)
	it := h.item(alice, communityTestimony(records.SubjectDID(bob), records.PositionPositive, "helpful"), t0)
	outcome, err := h.submit(it)
	require.NoError(t, err)
	assert.Equal(OutcomeStored, outcome)

	again := *it
	again.ReceivedAt = nil
	outcome, err = h.submit(&again)
	assert.NoError(err)
	assert.Equal(OutcomeDuplicate, outcome)
}

func TestStandingTiersAndPaging(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		witness := syntax.DID(fmt.Sprintf("did:plc:witness%d", i))
		h.mustStore(witness, communityTestimony(records.SubjectDID(bob), records.PositionPositive, "shares seeds"), t0.Add(time.Duration(i)*time.Hour))
	}

	view, err := h.e.GetStanding(h.ctx, StandingQuery{Subject: bob, Context: gardening, Limit: 2})
	require.NoError(t, err)
	assert.Equal(standing.TierEmerging, view.Tier)
	assert.Equal(3, view.TestimonyCount)
	assert.InDelta(1-0.9*0.9*0.9, view.Confidence, 1e-9)
	assert.Len(view.Testimonies, 2)
	assert.True(view.MoreAvailable)
	assert.NotEmpty(view.Cursor)
	// newest first
	assert.Equal(syntax.DID("did:plc:witness2"), view.Testimonies[0].Witness)

	page2, err := h.e.GetStanding(h.ctx, StandingQuery{Subject: bob, Context: gardening, Limit: 2, Cursor: view.Cursor})
	require.NoError(t, err)
	assert.Len(page2.Testimonies, 1)
	assert.False(page2.MoreAvailable)
	assert.Equal(syntax.DID("did:plc:witness0"), page2.Testimonies[0].Witness)
	// standing covers every testimony, regardless of page
	assert.Equal(view.Phi, page2.Phi)

	_, err = h.e.GetStanding(h.ctx, StandingQuery{Subject: bob, Cursor: "garbage"})
	assert.ErrorIs(err, ErrBadQuery)
	_, err = h.e.GetStanding(h.ctx, StandingQuery{Subject: bob, Methodology: "nope"})
	assert.ErrorIs(err, standing.ErrUnknownMethodology)
}

func TestResolutionBeforeAppeal(t *testing.T) {
	assert := assert.New(t)

	// in creation order
	ordered := newHarness(t)
	ordered.grant(mod, "moderator", t0.Add(-24*time.Hour))
	action := ordered.removal(t0)
	appeal := ordered.mustStore(author, appealOf(action), t0.Add(time.Hour))
	ordered.mustStore(mod, resolutionOf(appeal, records.OutcomeOverturned), t0.Add(6*time.Hour))
	want, err := ordered.e.GetModerationActionState(ordered.ctx, action)
	require.NoError(t, err)

	// resolution indexed before its appeal
	h := newHarness(t)
	h.grant(mod, "moderator", t0.Add(-24*time.Hour))
	action = h.removal(t0)
	appealItem := h.item(author, appealOf(action), t0.Add(time.Hour))
	appealRef, err := appealItem.Ref()
	require.NoError(t, err)

	h.clock.Set(t0.Add(6 * time.Hour))
	outcome, err := h.submit(h.item(mod, resolutionOf(appealRef, records.OutcomeOverturned), t0.Add(6*time.Hour)))
	assert.NoError(err)
	assert.Equal(OutcomeDeferred, outcome)
	assert.Equal(1, h.e.DeferredCount())

	view, err := h.e.GetModerationActionState(h.ctx, action)
	require.NoError(t, err)
	assert.Equal(modstate.StateActive, view.State)

	h.clock.Set(t0.Add(7 * time.Hour))
	outcome, err = h.submit(appealItem)
	assert.NoError(err)
	assert.Equal(OutcomeStored, outcome)
	assert.Equal(0, h.e.DeferredCount())

	view, err = h.e.GetModerationActionState(h.ctx, action)
	require.NoError(t, err)
	assert.Equal(want.State, view.State)
	assert.Equal(modstate.StateReversed, view.State)
	assert.Equal(want.Version, view.Version)
	assert.Equal(want.RecordCount, view.RecordCount)
	assert.Len(view.Timeline, len(want.Timeline))
}

func TestAuthorityAtExecutionTime(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	h.grant(mod, "moderator", t0.Add(-24*time.Hour))
	h.mustStore(gov, &records.RoleRevocation{Actor: mod, Context: gardening, Role: "moderator"}, t0.Add(time.Hour))

	// created while the role was held, but executed after it was lost
	it := h.item(mod, &records.ModerationAction{
		Context:  gardening,
		Subject:  records.SubjectRef(post(t)),
		Kind:     records.ActionRemove,
		Severity: records.SeveritySoft,
	}, t0)
	h.clock.Set(t0.Add(2 * time.Hour))
	outcome, err := h.submit(it)
	assert.ErrorIs(err, authority.ErrAuthorityRequired)
	assert.Equal(OutcomeRejected, outcome)

	view, err := h.e.GetAuthority(h.ctx, mod, gardening, nil)
	require.NoError(t, err)
	assert.Empty(view.Roles)
	assert.Empty(view.Capabilities)
	assert.Len(view.History, 1)

	at := t0
	view, err = h.e.GetAuthority(h.ctx, mod, gardening, &at)
	require.NoError(t, err)
	assert.Equal([]string{"moderator"}, view.Roles)
	assert.Contains(view.Capabilities, authority.CapResolveAppeal)
}

func TestResolverAuthorityMustBeHeld(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	h.grant(mod, "moderator", t0.Add(-24*time.Hour))
	action := h.removal(t0)
	appeal := h.mustStore(author, appealOf(action), t0.Add(time.Hour))

	res := resolutionOf(appeal, records.OutcomeUpheld)
	res.ResolverAuthority = "admin"
	h.clock.Set(t0.Add(2 * time.Hour))
	outcome, err := h.submit(h.item(mod, res, t0.Add(2*time.Hour)))
	assert.ErrorIs(err, authority.ErrAuthorityRequired)
	assert.Equal(OutcomeRejected, outcome)
}

func TestAppealStanding(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	h.grant(mod, "moderator", t0.Add(-24*time.Hour))
	action := h.removal(t0)

	ap := appealOf(action)
	ap.Appellant = bob
	h.clock.Set(t0.Add(time.Hour))
	outcome, err := h.submit(h.item(bob, ap, t0.Add(time.Hour)))
	assert.ErrorIs(err, ErrNoAppealStanding)
	assert.Equal(OutcomeRejected, outcome)

	// filed by someone else on the author's behalf
	outcome, err = h.submit(h.item(bob, appealOf(action), t0.Add(time.Hour)))
	assert.ErrorIs(err, ErrNoAppealStanding)
	assert.Equal(OutcomeRejected, outcome)

	ap = appealOf(action)
	ap.Representative = bob
	outcome, err = h.submit(h.item(bob, ap, t0.Add(time.Hour)))
	assert.NoError(err)
	assert.Equal(OutcomeStored, outcome)
}

func TestLateArrivingWindowTestimony(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	h.grant(mod, "moderator", t0.Add(-24*time.Hour))
	escalation := h.mustStore(mod, &records.ModerationAction{
		Context:  gardening,
		Subject:  records.SubjectRef(post(t)),
		Kind:     records.ActionEscalate,
		Severity: records.SeveritySoft,
	}, t0)

	w, err := h.e.GetTestimonyWindow(h.ctx, escalation, false)
	require.NoError(t, err)
	assert.Equal(testimony.WindowOpen, w.Status)
	assert.Equal(t0.Add(72*time.Hour), w.ClosesAt)

	// created inside the window, indexed after it closed
	h.clock.Set(t0.Add(73 * time.Hour))
	outcome, err := h.submit(h.item(alice, communityTestimony(records.SubjectRef(post(t)), records.PositionPositive, "it was a real tip"), t0.Add(71*time.Hour)))
	require.NoError(t, err)
	assert.Equal(OutcomeStored, outcome)

	for _, ref := range []syntax.Ref{escalation, post(t)} {
		w, err = h.e.GetTestimonyWindow(h.ctx, ref, false)
		require.NoError(t, err)
		assert.Equal(testimony.WindowClosed, w.Status)
		assert.Equal(1, w.TestimoniesReceived)
		require.Len(t, w.Testimonies, 1)
		assert.True(w.Testimonies[0].LateArrival)
		assert.False(w.Testimonies[0].PostWindow)
		assert.Equal(testimony.OutcomeEvidenceGathered, w.Outcome)
	}

	_, err = h.e.GetTestimonyWindow(h.ctx, syntax.Ref{Owner: bob, Collection: syntax.CollectionAction, RKey: "missing"}, false)
	assert.ErrorIs(err, store.ErrNotFound)
}

func TestHardReversalWindow(t *testing.T) {
	for _, withTestimony := range []bool{false, true} {
		t.Run(fmt.Sprintf("testimony=%v", withTestimony), func(t *testing.T) {
			assert := assert.New(t)
			h := newHarness(t)

			h.grant(mod, "moderator", t0.Add(-24*time.Hour))
			action := h.removal(t0)
			reversal := h.mustStore(mod, &records.ModerationAction{
				Context:  gardening,
				Subject:  records.SubjectRef(action),
				Kind:     records.ActionReverse,
				Severity: records.SeverityHard,
				Reverses: &action,
			}, t0.Add(time.Hour))

			view, err := h.e.GetModerationActionState(h.ctx, action)
			require.NoError(t, err)
			assert.Equal(modstate.StateActive, view.State)
			require.Len(t, view.Reversals, 1)
			assert.Equal(modstate.ReversalAwaitingTestimony, view.Reversals[0].Status)

			if withTestimony {
				h.mustStore(alice, communityTestimony(records.SubjectRef(action), records.PositionNegative, "the removal was wrong"), t0.Add(2*time.Hour))
			}

			h.clock.Set(t0.Add(74 * time.Hour))
			require.NoError(t, h.e.Tick(h.ctx))

			w, err := h.e.GetTestimonyWindow(h.ctx, reversal, false)
			require.NoError(t, err)
			assert.Equal(testimony.WindowClosed, w.Status)

			view, err = h.e.GetModerationActionState(h.ctx, action)
			require.NoError(t, err)
			if withTestimony {
				assert.Equal(modstate.StateReversed, view.State)
				assert.Equal(modstate.ReversalApplied, view.Reversals[0].Status)
				assert.Equal(testimony.OutcomeEvidenceGathered, w.Outcome)
			} else {
				assert.Equal(modstate.StateActive, view.State)
				assert.Equal(modstate.ReversalUpheldOriginal, view.Reversals[0].Status)
				assert.Equal(testimony.OutcomeUpheldOriginal, w.Outcome)
			}
		})
	}
}

func TestEarlyWindowClosure(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	h.grant(mod, "moderator", t0.Add(-24*time.Hour))
	escalation := h.mustStore(mod, &records.ModerationAction{
		Context:  gardening,
		Subject:  records.SubjectRef(post(t)),
		Kind:     records.ActionEscalate,
		Severity: records.SeveritySoft,
	}, t0)
	h.mustStore(mod, &records.WindowClosure{Action: escalation, Reason: "resolved offline"}, t0.Add(10*time.Hour))

	w, err := h.e.GetTestimonyWindow(h.ctx, escalation, false)
	require.NoError(t, err)
	assert.Equal(testimony.WindowClosed, w.Status)
	require.NotNil(t, w.ClosedAt)
	assert.Equal(t0.Add(10*time.Hour), *w.ClosedAt)
	assert.Equal(testimony.OutcomeProceed, w.Outcome)

	// closing a window which was never opened can never succeed
	removal := h.removal(t0.Add(11 * time.Hour))
	outcome, err := h.submit(h.item(mod, &records.WindowClosure{Action: removal}, t0.Add(11*time.Hour)))
	assert.ErrorIs(err, records.ErrInvalidReference)
	assert.Equal(OutcomeDeadLettered, outcome)

	dls, err := h.e.ListDeadLetters(h.ctx, 10)
	require.NoError(t, err)
	assert.Len(dls, 1)
}

func TestDeferralDeadLetter(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	h.e.config.MaxDeferral = time.Hour

	missing := syntax.Ref{Owner: author, Collection: syntax.CollectionAppeal, RKey: "never"}
	h.clock.Set(t0)
	outcome, err := h.submit(h.item(mod, resolutionOf(missing, records.OutcomeUpheld), t0))
	assert.NoError(err)
	assert.Equal(OutcomeDeferred, outcome)
	assert.Equal(1, h.e.DeferredCount())

	h.clock.Set(t0.Add(2 * time.Hour))
	require.NoError(t, h.e.Tick(h.ctx))
	assert.Equal(0, h.e.DeferredCount())

	dls, err := h.e.ListDeadLetters(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(missing.Key(), dls[0].Missing)
	assert.Equal(2, dls[0].Attempts)
	assert.True(strings.Contains(dls[0].Reason, "not (yet) known"))
}

func TestProjectionsAreDerivable(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	h.grant(mod, "moderator", t0.Add(-24*time.Hour))
	action := h.removal(t0)
	appeal := h.mustStore(author, appealOf(action), t0.Add(time.Hour))
	h.mustStore(mod, resolutionOf(appeal, records.OutcomeRemanded), t0.Add(6*time.Hour))

	first, err := h.e.GetModerationActionState(h.ctx, action)
	require.NoError(t, err)
	assert.Equal(modstate.StateUnderReview, first.State)

	require.NoError(t, h.e.store.DeleteProjection(h.ctx, actionKind, action.Key()))
	_, err = h.e.store.GetProjection(h.ctx, actionKind, action.Key())
	assert.ErrorIs(err, store.ErrNotFound)

	second, err := h.e.GetModerationActionState(h.ctx, action)
	require.NoError(t, err)
	assert.Equal(first.ActionState, second.ActionState)
}

func TestDeletedActionIsWithdrawn(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	h.grant(mod, "moderator", t0.Add(-24*time.Hour))
	action := h.removal(t0)

	h.clock.Set(t0.Add(time.Hour))
	outcome, err := h.submit(&Item{
		Collection: action.Collection.String(),
		Owner:      action.Owner.String(),
		RKey:       action.RKey,
		CreatedAt:  t0.Add(time.Hour),
		Deleted:    true,
	})
	require.NoError(t, err)
	assert.Equal(OutcomeDeleted, outcome)

	view, err := h.e.GetModerationActionState(h.ctx, action)
	require.NoError(t, err)
	assert.Equal(modstate.StateReversed, view.State)
	assert.True(view.Deleted)
}

func TestProcessBatch(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	h.clock.Set(t0)

	var items []*Item
	for i := 0; i < 20; i++ {
		witness := syntax.DID(fmt.Sprintf("did:plc:witness%d", i))
		items = append(items, h.item(witness, communityTestimony(records.SubjectDID(bob), records.PositionPositive, "kind neighbour"), t0))
	}
	items = append(items, &Item{Collection: "app.molt.feed.post", Owner: bob.String(), RKey: "x", Payload: []byte(`{}`), CreatedAt: t0})

	results := h.e.ProcessBatch(h.ctx, items)
	require.Len(t, results, 21)
	stored := 0
	for _, r := range results[:20] {
		if r.Outcome == OutcomeStored {
			stored++
		}
	}
	assert.Equal(20, stored)
	assert.Equal(OutcomeRejected, results[20].Outcome)
	assert.True(errors.Is(results[20].Err, records.ErrUnhandledCollection))

	view, err := h.e.GetStanding(h.ctx, StandingQuery{Subject: bob})
	require.NoError(t, err)
	assert.Equal(standing.TierEstablished, view.Tier)
}
