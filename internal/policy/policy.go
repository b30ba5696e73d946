// Package policy classifies externally exposed tool names into access tiers
// using an ordered rule list. The first matching rule wins; a catch-all rule
// appended by the constructor guarantees every name gets exactly one
// decision and that unknown names fail closed into the governed tier.
package policy

import (
	"fmt"
	"regexp"
	"sync"
)

type Tier string

const (
	TierPrimitive Tier = "primitive" // read-only, directly callable
	TierGoverned  Tier = "governed"  // mutating, confirmation-gated
	TierInternal  Tier = "internal"  // never exposed
)

var validTiers = map[Tier]bool{
	TierPrimitive: true,
	TierGoverned:  true,
	TierInternal:  true,
}

// Constraints are execution constraints attached to a decision.
type Constraints struct {
	RequiresConfirmation bool `yaml:"requires_confirmation" json:"requires_confirmation"`
	RequiresPreview      bool `yaml:"requires_preview" json:"requires_preview"`
	MaxCallsPerMinute    int  `yaml:"max_calls_per_minute" json:"max_calls_per_minute,omitempty"`
}

// Decision is the classification of one external name.
type Decision struct {
	Allowed     bool        `json:"allowed"`
	Tier        Tier        `json:"tier"`
	Reason      string      `json:"reason"`
	Rule        string      `json:"rule"`
	Constraints Constraints `json:"constraints"`
}

// Rule matches names by regular expression and assigns a tier.
type Rule struct {
	Name        string      `yaml:"name"`
	Pattern     string      `yaml:"pattern"`
	Tier        Tier        `yaml:"tier"`
	Reason      string      `yaml:"reason"`
	Constraints Constraints `yaml:"constraints"`

	re *regexp.Regexp
}

func (r *Rule) compile() error {
	if r.Name == "" {
		return fmt.Errorf("rule without a name")
	}
	if !validTiers[r.Tier] {
		return fmt.Errorf("rule %s: invalid tier %q", r.Name, r.Tier)
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return fmt.Errorf("rule %s: compile pattern %q: %w", r.Name, r.Pattern, err)
	}
	r.re = re
	return nil
}

// Policy is an ordered rule list: custom rules (highest precedence) followed
// by the built-ins, terminated by the mandatory catch-all.
type Policy struct {
	mu      sync.RWMutex
	custom  []Rule
	builtin []Rule
}

// New builds a policy with the built-in precedence order:
//
//  1. internal-only name fragments (administrative/debug/migration)
//  2. destructive verbs → governed, confirmation (+ preview for the worst)
//  3. read-only verbs → primitive
//  4. macro/orchestration-shaped names → governed
//  5. catch-all → governed (fail closed)
//
// Order is load-bearing: a name carrying both a destructive and a read-only
// verb must classify destructive.
func New() *Policy {
	builtin := []Rule{
		{
			Name:    "internal-fragments",
			Pattern: `(^|_)(admin|debug|internal|migrate|migration|sys)(_|$)`,
			Tier:    TierInternal,
			Reason:  "administrative operation, not exposed",
		},
		{
			Name:    "irreversible-verbs",
			Pattern: `(^|_)(delete|remove|drop|truncate|purge|destroy|wipe)(_|$)`,
			Tier:    TierGoverned,
			Reason:  "irreversibly destructive operation",
			Constraints: Constraints{
				RequiresConfirmation: true,
				RequiresPreview:      true,
			},
		},
		{
			Name:    "mutating-verbs",
			Pattern: `(^|_)(bulk|batch|publish|deploy|create|update|write|set|send|submit|execute|cancel|approve|merge|assign|archive|restore|import|sync)(_|$)`,
			Tier:    TierGoverned,
			Reason:  "state-mutating operation",
			Constraints: Constraints{
				RequiresConfirmation: true,
			},
		},
		{
			Name:    "read-only-verbs",
			Pattern: `(^|_)(get|list|read|query|search|validate|status|describe|preview|fetch|count|check|export)(_|$)`,
			Tier:    TierPrimitive,
			Reason:  "read-only operation",
		},
		{
			Name:    "macro-shape",
			Pattern: `(^|_)playbook(_|$)`,
			Tier:    TierGoverned,
			Reason:  "macro workflow composes unknown effects",
			Constraints: Constraints{
				RequiresConfirmation: true,
			},
		},
		{
			Name:    "catch-all",
			Pattern: ``,
			Tier:    TierGoverned,
			Reason:  "unclassified operation defaults to governed",
			Constraints: Constraints{
				RequiresConfirmation: true,
			},
		},
	}

	for i := range builtin {
		// Built-in patterns are constants; a compile failure is a programming
		// error.
		if err := builtin[i].compile(); err != nil {
			panic(err)
		}
	}

	return &Policy{builtin: builtin}
}

// Prepend inserts rules at the front of the list, ahead of both existing
// custom rules and the built-ins. A prepended rule overrides the built-in
// tier for whatever it matches, in either direction; names no rule matches
// fall through to the fail-closed defaults.
func (p *Policy) Prepend(rules ...Rule) error {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		if err := r.compile(); err != nil {
			return err
		}
		compiled[i] = r
	}

	p.mu.Lock()
	p.custom = append(compiled, p.custom...)
	p.mu.Unlock()
	return nil
}

// SetCustom replaces the whole custom rule set. Used by the rules-file
// reload path.
func (p *Policy) SetCustom(rules []Rule) error {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		if err := r.compile(); err != nil {
			return err
		}
		compiled[i] = r
	}

	p.mu.Lock()
	p.custom = compiled
	p.mu.Unlock()
	return nil
}

// Classify walks the ordered list and returns the first match. Totality is
// guaranteed by the catch-all, whose empty pattern matches every string.
func (p *Policy) Classify(name string) Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, rules := range [][]Rule{p.custom, p.builtin} {
		for i := range rules {
			r := &rules[i]
			if r.re.MatchString(name) {
				return Decision{
					Allowed:     r.Tier != TierInternal,
					Tier:        r.Tier,
					Reason:      r.Reason,
					Rule:        r.Name,
					Constraints: r.Constraints,
				}
			}
		}
	}

	// Unreachable: the catch-all matches everything.
	return Decision{
		Allowed: false,
		Tier:    TierInternal,
		Reason:  "no rule matched",
		Rule:    "none",
	}
}
