package config

import (
	"fmt"
	"strings"
)

// Rule overrides engine behavior for matching paths. The first rule in
// priority order wins.
type Rule struct {
	// Match is one or more PathPrefix(...) expressions joined by "|".
	Match    string   `yaml:"match"`
	Priority int      `yaml:"priority"`
	Bypass   bool     `yaml:"bypass"`
	Tags     []string `yaml:"tags"`
	// Revalidate overrides the default interval; unset keeps it, "0s" means
	// never stale.
	Revalidate *Duration `yaml:"revalidate"`

	matchers []pathPrefixMatcher
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// RuleFor returns the first matching rule, or nil.
func (c *Config) RuleFor(path string) *Rule {
	for i := range c.Rules {
		if c.Rules[i].Matches(path) {
			return &c.Rules[i]
		}
	}
	return nil
}
