package standing

import (
	"fmt"
	"testing"
	"time"

	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/syntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 11, 15, 0, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

func entry(t *testing.T, n int, witness string, pos records.Position, age time.Duration) Entry {
	ref, err := syntax.ParseRef(fmt.Sprintf("at://%s/social.molt.standing.testimony/t%d", witness, n))
	require.NoError(t, err)
	return Entry{
		Ref:       ref,
		Witness:   syntax.DID(witness),
		CreatedAt: now.Add(-age),
		Testimony: &records.Testimony{
			Subject:       records.SubjectDID("did:plc:subject"),
			Context:       "submolt:gardening",
			Position:      pos,
			Content:       "observed",
			StandingBasis: records.BasisCommunityMember,
		},
	}
}

func TestComputeEmpty(t *testing.T) {
	assert := assert.New(t)
	calc := NewDecayCalculator(DefaultMethodology())

	st := calc.Compute(Inputs{Subject: "did:plc:subject"}, now)
	assert.Equal(TierUnknown, st.Tier)
	assert.Equal(0.5, st.Phi)
	assert.Equal(0.0, st.Confidence)
	assert.Equal(DefaultMethodologyID, st.Methodology.ID)
	assert.True(st.Version.IsZero())
}

func TestComputeDecayScenario(t *testing.T) {
	assert := assert.New(t)
	calc := NewDecayCalculator(DefaultMethodology())

	in := Inputs{
		Subject: "did:plc:subject",
		Testimonies: []Entry{
			entry(t, 1, "did:plc:w1", records.PositionPositive, 5*day),
			entry(t, 2, "did:plc:w2", records.PositionPositive, 5*day),
			entry(t, 3, "did:plc:w3", records.PositionNegative, 40*day),
		},
	}
	assert.InDelta(0.891, calc.RecencyWeight(5*day), 0.001)
	assert.InDelta(0.397, calc.RecencyWeight(40*day), 0.001)

	st := calc.Compute(in, now)
	assert.InDelta(0.818, st.Phi, 0.001)
	assert.InDelta(0.271, st.Confidence, 0.001)
	assert.Equal(TierEmerging, st.Tier)
	assert.Equal(3, st.TestimonyCount)
	assert.True(st.Version.Equal(now.Add(-5 * day)))
	assert.Equal(30*day, st.Methodology.HalfLife)
}

func TestComputeDeterministic(t *testing.T) {
	assert := assert.New(t)
	calc := NewDecayCalculator(DefaultMethodology())

	var in Inputs
	for i := 0; i < 7; i++ {
		pos := records.PositionPositive
		if i%3 == 0 {
			pos = records.PositionNegative
		}
		in.Testimonies = append(in.Testimonies, entry(t, i, fmt.Sprintf("did:plc:w%d", i), pos, time.Duration(i)*7*day))
	}
	first := calc.Compute(in, now)
	for i := 0; i < 10; i++ {
		assert.Equal(first, calc.Compute(in, now))
	}
}

func TestConfidenceMonotonic(t *testing.T) {
	assert := assert.New(t)
	calc := NewDecayCalculator(DefaultMethodology())

	assert.Equal(0.0, calc.Confidence(0))
	assert.InDelta(0.1, calc.Confidence(1), 0.0001)
	prev := 0.0
	for n := 1; n <= 200; n++ {
		c := calc.Confidence(n)
		assert.GreaterOrEqual(c, prev)
		assert.LessOrEqual(c, 1.0)
		prev = c
	}
	assert.InDelta(1.0, calc.Confidence(200), 0.0001)
}

func TestComputeFutureDated(t *testing.T) {
	assert := assert.New(t)
	calc := NewDecayCalculator(DefaultMethodology())

	e := entry(t, 1, "did:plc:w1", records.PositionPositive, -2*day)
	st := calc.Compute(Inputs{Testimonies: []Entry{e}}, now)
	assert.Equal(1.0, st.Phi)
	assert.Equal(1.0, calc.RecencyWeight(-2*day))
}

func TestTiers(t *testing.T) {
	assert := assert.New(t)
	calc := NewDecayCalculator(DefaultMethodology())

	build := func(n int) []Entry {
		var out []Entry
		for i := 0; i < n; i++ {
			out = append(out, entry(t, i, fmt.Sprintf("did:plc:w%d", i), records.PositionPositive, day))
		}
		return out
	}

	assert.Equal(TierNascent, calc.Compute(Inputs{Testimonies: build(2)}, now).Tier)
	assert.Equal(TierEmerging, calc.Compute(Inputs{Testimonies: build(3)}, now).Tier)
	assert.Equal(TierEmerging, calc.Compute(Inputs{Testimonies: build(9)}, now).Tier)
	assert.Equal(TierEstablished, calc.Compute(Inputs{Testimonies: build(10)}, now).Tier)
	assert.Equal(TierAuthorityEligible, calc.Compute(Inputs{Testimonies: build(10), Endorsements: 1}, now).Tier)

	// anonymous testimonies count toward phi but not toward tiers
	anon := build(4)
	for i := range anon {
		anon[i].Testimony.Anonymous = true
	}
	st := calc.Compute(Inputs{Testimonies: anon}, now)
	assert.Equal(TierUnknown, st.Tier)
	assert.Equal(1.0, st.Phi)
	assert.Equal(0, st.VerifiedCount)
}

func TestTierBlockedByCorroboratedNegative(t *testing.T) {
	assert := assert.New(t)
	calc := NewDecayCalculator(DefaultMethodology())

	action, err := syntax.ParseRef("at://did:plc:mod1/social.molt.moderation.action/a1")
	require.NoError(t, err)

	var tms []Entry
	for i := 0; i < 12; i++ {
		tms = append(tms, entry(t, i, fmt.Sprintf("did:plc:w%d", i), records.PositionPositive, day))
	}
	for i, w := range []string{"did:plc:senior1", "did:plc:senior2"} {
		e := entry(t, 100+i, w, records.PositionNegative, day)
		e.Testimony.Severity = records.TestimonyMajor
		e.Testimony.Evidence = []syntax.Ref{action}
		tms = append(tms, e)
	}
	tiers := map[syntax.DID]Tier{
		"did:plc:senior1": TierEstablished,
		"did:plc:senior2": TierAuthorityEligible,
	}

	st := calc.Compute(Inputs{Testimonies: tms, WitnessTiers: tiers, Endorsements: 1}, now)
	assert.Equal(TierEmerging, st.Tier)
	assert.True(st.Blocked)

	// a single high-standing witness isn't corroboration
	weak := map[syntax.DID]Tier{"did:plc:senior1": TierEstablished, "did:plc:senior2": TierNascent}
	st = calc.Compute(Inputs{Testimonies: tms, WitnessTiers: weak}, now)
	assert.Equal(TierEstablished, st.Tier)
	assert.False(st.Blocked)

	// resolved once the cited action is reversed
	st = calc.Compute(Inputs{Testimonies: tms, WitnessTiers: tiers, ResolvedRefs: map[string]bool{action.Key(): true}}, now)
	assert.Equal(TierEstablished, st.Tier)
}

func TestRegistryYAML(t *testing.T) {
	assert := assert.New(t)

	cfg := `
default: molt-standing-fast
methodologies:
  - id: molt-standing-fast
    description: short memory
    halfLife: 168h
    establishedMin: 5
`
	reg, err := ParseRegistry([]byte(cfg))
	require.NoError(t, err)
	def := reg.Default().Methodology()
	assert.Equal("molt-standing-fast", def.ID)
	assert.Equal(7*day, def.HalfLife)
	assert.Equal(5, def.EstablishedMin)
	assert.Equal(3, def.EmergingMin)
	assert.Equal(0.9, def.ConfidenceBase)

	v1, err := reg.Get(DefaultMethodologyID)
	require.NoError(t, err)
	assert.Equal(30*day, v1.Methodology().HalfLife)

	_, err = reg.Get("nope")
	assert.ErrorIs(err, ErrUnknownMethodology)

	_, err = ParseRegistry([]byte("default: missing\n"))
	assert.ErrorIs(err, ErrUnknownMethodology)

	_, err = ParseRegistry([]byte("methodologies:\n  - id: bad\n    establishedMin: 2\n"))
	assert.Error(err)
}
