package service

import (
	"sort"

	"github.com/enactai/enact/internal/model"
)

// AdminTool is the pseudo-tool name the admin HTTP surface authorizes
// against.
const AdminTool = "admin:tokens"

var defaultTiers = map[string]model.Tier{
	"authenticate":            model.TierReadOnly,
	"get_congress_overview":   model.TierReadOnly,
	"get_legislative_process": model.TierReadOnly,
	"search_bills":            model.TierReadOnly,
	"get_bill":                model.TierReadOnly,
	"get_member":              model.TierReadOnly,
	"get_committee":           model.TierReadOnly,
	"search_amendments":       model.TierReadOnly,
	"get_current_congress":    model.TierStandard,
	"get_votes":               model.TierStandard,
	"search_govinfo":          model.TierStandard,
	"token_usage":             model.TierAdmin,
	AdminTool:                 model.TierAdmin,
}

// DefaultPolicy returns the built-in tool tier table.
func DefaultPolicy() *Policy {
	return NewPolicy(defaultTiers)
}

// Policy maps tool names to the minimum tier allowed to call them. Tools
// missing from the table require the fallback tier, which defaults to
// admin so that a newly registered tool is closed until classified.
// A Policy is immutable once built.
type Policy struct {
	required map[string]model.Tier
	fallback model.Tier
}

// NewPolicy builds a policy from a tool table.
func NewPolicy(required map[string]model.Tier) *Policy {
	p := &Policy{
		required: make(map[string]model.Tier, len(required)),
		fallback: model.TierAdmin,
	}
	for tool, tier := range required {
		p.required[tool] = tier
	}
	return p
}

// WithOverrides returns a copy of p with the given tool tiers replaced or
// added.
func (p *Policy) WithOverrides(overrides map[string]model.Tier) *Policy {
	out := NewPolicy(p.required)
	out.fallback = p.fallback
	for tool, tier := range overrides {
		out.required[tool] = tier
	}
	return out
}

// Required returns the minimum tier for tool.
func (p *Policy) Required(tool string) model.Tier {
	if tier, ok := p.required[tool]; ok {
		return tier
	}
	return p.fallback
}

// Known reports whether tool is in the table.
func (p *Policy) Known(tool string) bool {
	_, ok := p.required[tool]
	return ok
}

// Tools returns every tool in the table, sorted.
func (p *Policy) Tools() []string {
	tools := make([]string, 0, len(p.required))
	for tool := range p.required {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	return tools
}

// Accessible returns the tools a tier may call, sorted.
func (p *Policy) Accessible(tier model.Tier) []string {
	var tools []string
	for _, tool := range p.Tools() {
		if tier.Satisfies(p.required[tool]) {
			tools = append(tools, tool)
		}
	}
	return tools
}
