// Package classifier decides, before any network I/O, how a source URL
// should be fetched: directly, through the headless browser, or not at all.
package classifier

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/lexstalk/lexstalk/internal/config"
	"github.com/lexstalk/lexstalk/internal/types"
)

// Rule is one compiled URL pattern. Kinds: suffix, substring, regex.
type Rule struct {
	Kind    string
	Pattern string
	re      *regexp.Regexp
}

// Matches tests the rule against a URL.
func (r *Rule) Matches(rawURL string) bool {
	switch r.Kind {
	case "suffix":
		return strings.HasSuffix(strings.ToLower(rawURL), strings.ToLower(r.Pattern))
	case "substring":
		return strings.Contains(rawURL, r.Pattern)
	case "regex":
		return r.re.MatchString(rawURL)
	default:
		return false
	}
}

// Classifier evaluates ordered rule lists and tracks per-verdict counts.
type Classifier struct {
	unfetchable []Rule
	direct      []Rule
	rendered    []Rule

	directCount      atomic.Int64
	renderedCount    atomic.Int64
	unfetchableCount atomic.Int64
	defaultedCount   atomic.Int64
}

// New compiles the configured pattern lists. Rules are evaluated in order:
// unfetchable, then direct, then rendered; unknown URLs default to direct
// with the low-confidence flag set.
func New(cfg *config.ClassifierConfig) (*Classifier, error) {
	c := &Classifier{}
	var err error
	if c.unfetchable, err = compile(cfg.Unfetchable); err != nil {
		return nil, fmt.Errorf("unfetchable rules: %w", err)
	}
	if c.direct, err = compile(cfg.Direct); err != nil {
		return nil, fmt.Errorf("direct rules: %w", err)
	}
	if c.rendered, err = compile(cfg.Rendered); err != nil {
		return nil, fmt.Errorf("rendered rules: %w", err)
	}
	return c, nil
}

// Classify returns the verdict for a URL and whether it is low-confidence
// (i.e. no explicit rule matched). Malformed URLs are unfetchable.
func (c *Classifier) Classify(rawURL string) (types.Verdict, bool) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		c.unfetchableCount.Add(1)
		return types.VerdictUnfetchable, false
	}

	for i := range c.unfetchable {
		if c.unfetchable[i].Matches(rawURL) {
			c.unfetchableCount.Add(1)
			return types.VerdictUnfetchable, false
		}
	}
	for i := range c.direct {
		if c.direct[i].Matches(rawURL) {
			c.directCount.Add(1)
			return types.VerdictDirect, false
		}
	}
	for i := range c.rendered {
		if c.rendered[i].Matches(rawURL) {
			c.renderedCount.Add(1)
			return types.VerdictRendered, false
		}
	}

	c.directCount.Add(1)
	c.defaultedCount.Add(1)
	return types.VerdictDirect, true
}

// SubstringExclusions returns the plain-substring unfetchable patterns so
// the catalog gateway can exclude matching rows at query time. Regex and
// suffix rules are still enforced at dispatch.
func (c *Classifier) SubstringExclusions() []string {
	out := make([]string, 0, len(c.unfetchable))
	for _, r := range c.unfetchable {
		if r.Kind == "substring" {
			out = append(out, r.Pattern)
		}
	}
	return out
}

// Counts returns the per-verdict tallies for this run.
func (c *Classifier) Counts() map[string]int64 {
	return map[string]int64{
		"direct":         c.directCount.Load(),
		"rendered":       c.renderedCount.Load(),
		"unfetchable":    c.unfetchableCount.Load(),
		"low_confidence": c.defaultedCount.Load(),
	}
}

// compile parses "kind:pattern" strings into Rules. Bare patterns are
// substrings.
func compile(patterns []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		kind, pattern := "substring", p
		if i := strings.Index(p, ":"); i > 0 {
			switch p[:i] {
			case "suffix", "substring", "regex":
				kind, pattern = p[:i], p[i+1:]
			}
		}
		if pattern == "" {
			return nil, fmt.Errorf("empty pattern in %q", p)
		}
		r := Rule{Kind: kind, Pattern: pattern}
		if kind == "regex" {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("compile %q: %w", pattern, err)
			}
			r.re = re
		}
		rules = append(rules, r)
	}
	return rules, nil
}
