package authority

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

type Capability string

const (
	CapIssueAction       Capability = "issue_action"
	CapResolveAppeal     Capability = "resolve_appeal"
	CapReverse           Capability = "reverse"
	CapHardReverse       Capability = "hard_reverse"
	CapCloseWindow       Capability = "close_window"
	CapEndorse           Capability = "endorse"
	CapTestify           Capability = "testify"
	CapTestifyHistorical Capability = "testify_historical"
)

// Capabilities which require a currently active role.
var RoleGated = []Capability{
	CapIssueAction,
	CapResolveAppeal,
	CapReverse,
	CapHardReverse,
	CapCloseWindow,
	CapEndorse,
}

func ParseCapability(raw string) (Capability, error) {
	c := Capability(raw)
	if slices.Contains(RoleGated, c) || c == CapTestify || c == CapTestifyHistorical {
		return c, nil
	}
	return "", fmt.Errorf("unknown capability: %q", raw)
}

// Maps roles to the capabilities they confer, and ranks roles against each other.
type Policy struct {
	Roles map[string][]Capability `yaml:"roles"`
	// higher is more authoritative; unranked roles are 0
	Rank map[string]int `yaml:"rank"`
}

func DefaultPolicy() *Policy {
	return &Policy{
		Roles: map[string][]Capability{
			"admin":     RoleGated,
			"moderator": {CapIssueAction, CapResolveAppeal, CapReverse, CapHardReverse, CapCloseWindow},
			"steward":   {CapEndorse, CapCloseWindow},
		},
		Rank: map[string]int{
			"admin":     3,
			"moderator": 2,
			"steward":   1,
		},
	}
}

func (p *Policy) Grants(role string, c Capability) bool {
	return slices.Contains(p.Roles[role], c)
}

func (p *Policy) RoleRank(role string) int {
	return p.Rank[role]
}

func ParsePolicy(b []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parsing role policy: %w", err)
	}
	if len(p.Roles) == 0 {
		return nil, fmt.Errorf("role policy defines no roles")
	}
	for role, caps := range p.Roles {
		for _, c := range caps {
			if !slices.Contains(RoleGated, c) {
				return nil, fmt.Errorf("role %s: %q is not a role-gated capability", role, c)
			}
		}
	}
	if p.Rank == nil {
		p.Rank = map[string]int{}
	}
	return &p, nil
}

func LoadPolicy(path string) (*Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePolicy(b)
}
