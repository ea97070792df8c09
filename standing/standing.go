package standing

import (
	"math"
	"time"

	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/syntax"
)

type Tier string

const (
	TierUnknown           Tier = "unknown"
	TierNascent           Tier = "nascent"
	TierEmerging          Tier = "emerging"
	TierEstablished       Tier = "established"
	TierAuthorityEligible Tier = "authority_eligible"
)

func (t Tier) Rank() int {
	switch t {
	case TierNascent:
		return 1
	case TierEmerging:
		return 2
	case TierEstablished:
		return 3
	case TierAuthorityEligible:
		return 4
	default:
		return 0
	}
}

func (t Tier) AtLeast(o Tier) bool {
	return t.Rank() >= o.Rank()
}

// A stored testimony, as an input to standing computation.
type Entry struct {
	Ref       syntax.Ref
	Witness   syntax.DID
	CreatedAt time.Time
	Testimony *records.Testimony
}

// Returns false for envelopes which don't hold a live testimony.
func EntryFromEnvelope(env *records.Envelope) (Entry, bool) {
	t, ok := env.Record.(*records.Testimony)
	if !ok || env.Deleted {
		return Entry{}, false
	}
	return Entry{
		Ref:       env.Ref,
		Witness:   env.Author(),
		CreatedAt: env.CreatedAt,
		Testimony: t,
	}, true
}

type Inputs struct {
	Subject     syntax.DID
	Context     string
	Testimonies []Entry
	// count of live endorsement records for the subject in the context
	Endorsements int
	// current tiers of witnesses, used for corroboration of major negatives. Missing witnesses count as unknown.
	WitnessTiers map[syntax.DID]Tier
	// keys of moderation actions which have been reversed. A major negative citing one of these as evidence is resolved.
	ResolvedRefs map[string]bool
}

// Derived standing of a subject. Never authored; always traceable to the testimony set and methodology.
type State struct {
	Subject     syntax.DID  `json:"subject"`
	Context     string      `json:"context,omitempty"`
	Tier        Tier        `json:"tier"`
	Phi         float64     `json:"phi"`
	Confidence  float64     `json:"confidence"`
	Methodology Methodology `json:"methodology"`
	// provenance
	TestimonyCount int `json:"testimonyCount"`
	VerifiedCount  int `json:"verifiedCount"`
	// set when the established tier is withheld by a corroborated major negative
	Blocked bool `json:"blocked,omitempty"`
	// newest contributing createdAt; zero when there is no evidence
	Version    time.Time `json:"version"`
	ComputedAt time.Time `json:"computedAt"`
}

// A pluggable standing methodology. Implementations must be pure: identical inputs, methodology, and now always produce an identical State.
type Calculator interface {
	Methodology() Methodology
	Compute(in Inputs, now time.Time) State
}

// Exponential recency decay with count-based tiers.
type DecayCalculator struct {
	m Methodology
}

var _ Calculator = (*DecayCalculator)(nil)

func NewDecayCalculator(m Methodology) *DecayCalculator {
	return &DecayCalculator{m: m}
}

func (c *DecayCalculator) Methodology() Methodology {
	return c.m
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Recency weight of a testimony of the given age. Future-dated testimony counts as brand new.
func (c *DecayCalculator) RecencyWeight(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, float64(age)/float64(c.m.HalfLife))
}

func (c *DecayCalculator) Confidence(count int) float64 {
	return clamp01(1 - math.Pow(c.m.ConfidenceBase, float64(count)))
}

func (c *DecayCalculator) Compute(in Inputs, now time.Time) State {
	st := State{
		Subject:     in.Subject,
		Context:     in.Context,
		Tier:        TierUnknown,
		Phi:         0.5,
		Methodology: c.m,
		ComputedAt:  now,
	}
	if len(in.Testimonies) == 0 {
		return st
	}

	var weightedSum, totalWeight float64
	for _, e := range in.Testimonies {
		w := c.RecencyWeight(now.Sub(e.CreatedAt))
		weightedSum += e.Testimony.Position.Value() * w
		totalWeight += w
		if !e.Testimony.Anonymous {
			st.VerifiedCount++
		}
		if e.CreatedAt.After(st.Version) {
			st.Version = e.CreatedAt
		}
	}
	st.TestimonyCount = len(in.Testimonies)
	if totalWeight > 0 {
		st.Phi = clamp01((weightedSum/totalWeight + 1) / 2)
	}
	st.Confidence = c.Confidence(st.TestimonyCount)
	st.Tier, st.Blocked = c.tier(in, st.VerifiedCount)
	return st
}

func (c *DecayCalculator) tier(in Inputs, verified int) (Tier, bool) {
	switch {
	case verified == 0:
		return TierUnknown, false
	case verified < c.m.EmergingMin:
		return TierNascent, false
	case verified < c.m.EstablishedMin:
		return TierEmerging, false
	}
	if c.corroboratedNegative(in) {
		return TierEmerging, true
	}
	if in.Endorsements > 0 {
		return TierAuthorityEligible, false
	}
	return TierEstablished, false
}

// Reports whether unresolved major negatives about the subject are backed by enough distinct high-standing witnesses.
func (c *DecayCalculator) corroboratedNegative(in Inputs) bool {
	witnesses := map[syntax.DID]bool{}
	for _, e := range in.Testimonies {
		t := e.Testimony
		if t.Position != records.PositionNegative || !t.Major() || t.Anonymous {
			continue
		}
		if resolved(t, in.ResolvedRefs) {
			continue
		}
		if in.WitnessTiers[e.Witness].AtLeast(TierEstablished) {
			witnesses[e.Witness] = true
		}
	}
	return len(witnesses) >= c.m.CorroborationMin
}

func resolved(t *records.Testimony, refs map[string]bool) bool {
	for _, ev := range t.Evidence {
		if refs[ev.Key()] {
			return true
		}
	}
	return false
}
