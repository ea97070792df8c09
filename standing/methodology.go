package standing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrUnknownMethodology = errors.New("unknown standing methodology")

const DefaultMethodologyID = "molt-standing-v1"

// Weighting parameters of a standing methodology. Every computed [State] carries the full methodology which produced it.
type Methodology struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description,omitempty"`
	// testimony recency half-life
	HalfLife time.Duration `yaml:"halfLife"`
	// confidence = 1 - base^count
	ConfidenceBase float64 `yaml:"confidenceBase"`
	// minimum verified testimony counts for the emerging and established tiers
	EmergingMin    int `yaml:"emergingMin"`
	EstablishedMin int `yaml:"establishedMin"`
	// distinct established-or-better witnesses of an unresolved major negative needed to block the established tier
	CorroborationMin int `yaml:"corroborationMin"`
}

func DefaultMethodology() Methodology {
	return Methodology{
		ID:               DefaultMethodologyID,
		Description:      "exponential recency decay, count-based tiers",
		HalfLife:         30 * 24 * time.Hour,
		ConfidenceBase:   0.9,
		EmergingMin:      3,
		EstablishedMin:   10,
		CorroborationMin: 2,
	}
}

func (m Methodology) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("methodology id is required")
	}
	if m.HalfLife <= 0 {
		return fmt.Errorf("methodology %s: half-life must be positive", m.ID)
	}
	if m.ConfidenceBase <= 0 || m.ConfidenceBase >= 1 {
		return fmt.Errorf("methodology %s: confidence base must be in (0,1)", m.ID)
	}
	if m.EmergingMin < 1 || m.EstablishedMin <= m.EmergingMin {
		return fmt.Errorf("methodology %s: tier thresholds must satisfy 1 <= emerging < established", m.ID)
	}
	if m.CorroborationMin < 1 {
		return fmt.Errorf("methodology %s: corroboration minimum must be at least 1", m.ID)
	}
	return nil
}

type methodologyJSON struct {
	ID               string  `json:"id"`
	Description      string  `json:"description,omitempty"`
	HalfLifeMs       int64   `json:"halfLifeMs"`
	ConfidenceBase   float64 `json:"confidenceBase"`
	EmergingMin      int     `json:"emergingMin"`
	EstablishedMin   int     `json:"establishedMin"`
	CorroborationMin int     `json:"corroborationMin"`
}

func (m Methodology) MarshalJSON() ([]byte, error) {
	return json.Marshal(methodologyJSON{
		ID:               m.ID,
		Description:      m.Description,
		HalfLifeMs:       m.HalfLife.Milliseconds(),
		ConfidenceBase:   m.ConfidenceBase,
		EmergingMin:      m.EmergingMin,
		EstablishedMin:   m.EstablishedMin,
		CorroborationMin: m.CorroborationMin,
	})
}

func (m *Methodology) UnmarshalJSON(b []byte) error {
	var mj methodologyJSON
	if err := json.Unmarshal(b, &mj); err != nil {
		return err
	}
	*m = Methodology{
		ID:               mj.ID,
		Description:      mj.Description,
		HalfLife:         time.Duration(mj.HalfLifeMs) * time.Millisecond,
		ConfidenceBase:   mj.ConfidenceBase,
		EmergingMin:      mj.EmergingMin,
		EstablishedMin:   mj.EstablishedMin,
		CorroborationMin: mj.CorroborationMin,
	}
	return nil
}

// Set of methodologies available to an indexer, keyed by identifier.
type Registry struct {
	defaultID   string
	calculators map[string]Calculator
}

// Registry holding only the default decay methodology.
func NewRegistry() *Registry {
	r := &Registry{calculators: map[string]Calculator{}}
	r.MustRegister(NewDecayCalculator(DefaultMethodology()))
	r.defaultID = DefaultMethodologyID
	return r
}

func (r *Registry) Register(c Calculator) error {
	m := c.Methodology()
	if err := m.Validate(); err != nil {
		return err
	}
	if _, ok := r.calculators[m.ID]; ok {
		return fmt.Errorf("methodology already registered: %s", m.ID)
	}
	r.calculators[m.ID] = c
	return nil
}

func (r *Registry) MustRegister(c Calculator) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

func (r *Registry) SetDefault(id string) error {
	if _, ok := r.calculators[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMethodology, id)
	}
	r.defaultID = id
	return nil
}

func (r *Registry) Default() Calculator {
	return r.calculators[r.defaultID]
}

// Looks up a calculator; an empty id returns the default.
func (r *Registry) Get(id string) (Calculator, error) {
	if id == "" {
		return r.Default(), nil
	}
	c, ok := r.calculators[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethodology, id)
	}
	return c, nil
}

// Identifiers of all registered methodologies, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.calculators))
	for id := range r.calculators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type registryConfig struct {
	Default       string        `yaml:"default"`
	Methodologies []Methodology `yaml:"methodologies"`
}

// Parses a YAML methodology config. Unset parameters fall back to the defaults.
//
//	default: molt-standing-v2
//	methodologies:
//	  - id: molt-standing-v2
//	    halfLife: 336h
func ParseRegistry(b []byte) (*Registry, error) {
	var cfg registryConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing methodology config: %w", err)
	}
	r := NewRegistry()
	def := DefaultMethodology()
	for _, m := range cfg.Methodologies {
		if m.ID == DefaultMethodologyID {
			return nil, fmt.Errorf("methodology %s is built in and can not be redefined", m.ID)
		}
		if m.HalfLife == 0 {
			m.HalfLife = def.HalfLife
		}
		if m.ConfidenceBase == 0 {
			m.ConfidenceBase = def.ConfidenceBase
		}
		if m.EmergingMin == 0 {
			m.EmergingMin = def.EmergingMin
		}
		if m.EstablishedMin == 0 {
			m.EstablishedMin = def.EstablishedMin
		}
		if m.CorroborationMin == 0 {
			m.CorroborationMin = def.CorroborationMin
		}
		if err := r.Register(NewDecayCalculator(m)); err != nil {
			return nil, err
		}
	}
	if cfg.Default != "" {
		if err := r.SetDefault(cfg.Default); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func LoadRegistry(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRegistry(b)
}
