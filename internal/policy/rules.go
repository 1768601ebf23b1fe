package policy

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Rules is the externally configured allow/deny rule set.
type Rules struct {
	// AllowedCategories lists the categories permitted by default.
	AllowedCategories []Category `yaml:"allowed_categories" json:"allowed_categories"`
	// DenyTools lists tool names denied regardless of category.
	DenyTools []string `yaml:"deny_tools" json:"deny_tools"`
}

// DefaultRules returns the stock taxonomy: read and write allowed,
// destructive and unknown denied, no explicit denials.
func DefaultRules() Rules {
	return Rules{
		AllowedCategories: []Category{CategoryRead, CategoryWrite},
	}
}

// LoadRulesFile reads a Rules document from a YAML file. An absent
// allowed_categories key falls back to the default taxonomy; an explicitly
// empty list means deny-all and is kept as written.
func LoadRulesFile(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("LoadRulesFile: %w", err)
	}
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("LoadRulesFile: parse %s: %w", path, err)
	}
	if r.AllowedCategories == nil {
		r.AllowedCategories = DefaultRules().AllowedCategories
	}
	return r, nil
}

// compiledRules is an immutable set view of Rules. Replaced wholesale on
// update, never mutated.
type compiledRules struct {
	allowed map[Category]struct{}
	denied  map[string]struct{}
}

func compile(r Rules) *compiledRules {
	c := &compiledRules{
		allowed: make(map[Category]struct{}, len(r.AllowedCategories)),
		denied:  make(map[string]struct{}, len(r.DenyTools)),
	}
	for _, cat := range r.AllowedCategories {
		c.allowed[cat] = struct{}{}
	}
	for _, tool := range r.DenyTools {
		c.denied[tool] = struct{}{}
	}
	return c
}

// RuleDecider evaluates the rule shape locally. Precedence is strict:
// explicit denial always wins over category allowance.
type RuleDecider struct {
	rules atomic.Pointer[compiledRules]
}

// NewRuleDecider creates a decider with the given rule set.
func NewRuleDecider(r Rules) *RuleDecider {
	d := &RuleDecider{}
	d.rules.Store(compile(r))
	return d
}

// SetRules atomically replaces the rule set. In-flight decisions see either
// the old or the new set in full.
func (d *RuleDecider) SetRules(r Rules) {
	d.rules.Store(compile(r))
}

// Decide implements Decider.
func (d *RuleDecider) Decide(_ context.Context, tool string, category Category) Decision {
	r := d.rules.Load()
	if _, denied := r.denied[tool]; denied {
		return deny(ReasonToolDenied)
	}
	if _, ok := r.allowed[category]; ok {
		return allow(ReasonAllowed)
	}
	return deny(ReasonCategoryDenied)
}
