// Package topic validates dot-segmented event topics and compiles wildcard
// patterns into SQL LIKE predicates and in-process glob matchers.
package topic

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrInvalidTopic is returned for a pattern that violates the topic grammar
	ErrInvalidTopic = errors.New("invalid topic")
	// ErrInvalidTargetTopic is returned for a target topic containing a wildcard
	ErrInvalidTargetTopic = errors.New("invalid target topic")
)

// Wildcard is the only metacharacter callers may use in a pattern
const Wildcard = "*"

// likeEscape cannot appear in a valid topic, so it is safe as LIKE escape on every dialect
const likeEscape = "!"

const patternCacheSize = 1024

// A segment is a plain name, a lone "*", or a name ending with "*"
var segmentRe = regexp.MustCompile(`^(?:[A-Za-z0-9_-]+\*?|\*)$`)

var patternCache *lru.Cache[string, *compiled]

func init() {
	var err error
	patternCache, err = lru.New[string, *compiled](patternCacheSize)
	if err != nil {
		panic(fmt.Sprintf("failed to create topic pattern cache: %v", err))
	}
}

type compiled struct {
	raw  string
	like string
	glob glob.Glob
}

// Matcher holds one or more compiled topic patterns. Patterns are OR-ed.
type Matcher struct {
	patterns []*compiled
}

// Validate checks a topic or pattern against the grammar
func Validate(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}
	if strings.Count(pattern, Wildcard) > 1 {
		return fmt.Errorf("%w: %q has more than one wildcard", ErrInvalidTopic, pattern)
	}
	for _, seg := range strings.Split(pattern, ".") {
		if !segmentRe.MatchString(seg) {
			return fmt.Errorf("%w: %q", ErrInvalidTopic, pattern)
		}
	}
	return nil
}

// ValidateTarget checks a target topic, which must be a concrete topic
func ValidateTarget(target string) error {
	if strings.Contains(target, Wildcard) {
		return fmt.Errorf("%w: %q must not contain wildcards", ErrInvalidTargetTopic, target)
	}
	if err := Validate(target); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTargetTopic, target)
	}
	return nil
}

// Compile validates the patterns and returns a matcher for them
func Compile(patterns ...string) (*Matcher, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("%w: no source topic", ErrInvalidTopic)
	}

	m := &Matcher{patterns: make([]*compiled, 0, len(patterns))}
	for _, p := range patterns {
		c, err := compile(p)
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, c)
	}
	return m, nil
}

func compile(pattern string) (*compiled, error) {
	if c, ok := patternCache.Get(pattern); ok {
		return c, nil
	}

	if err := Validate(pattern); err != nil {
		return nil, err
	}

	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTopic, pattern, err)
	}

	c := &compiled{raw: pattern, like: ToLike(pattern), glob: g}
	patternCache.Add(pattern, c)
	return c, nil
}

// ToLike converts a validated pattern into a LIKE pattern using "!" as escape
func ToLike(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) + 4)
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '_', '%', '!':
			b.WriteString(likeEscape)
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Patterns returns the source patterns in the order given
func (m *Matcher) Patterns() []string {
	out := make([]string, len(m.patterns))
	for i, p := range m.patterns {
		out[i] = p.raw
	}
	return out
}

// Predicate returns an expression matching column against every pattern.
// Patterns without a wildcard compile to plain equality.
func (m *Matcher) Predicate(column string) exp.Expression {
	col := goqu.I(column)
	ors := make([]exp.Expression, 0, len(m.patterns))
	for _, p := range m.patterns {
		if !strings.Contains(p.raw, Wildcard) {
			ors = append(ors, col.Eq(p.raw))
			continue
		}
		ors = append(ors, goqu.L("? LIKE ? ESCAPE '"+likeEscape+"'", col, p.like))
	}
	if len(ors) == 1 {
		return ors[0]
	}
	return goqu.Or(ors...)
}

// Match reports whether topic matches any pattern
func (m *Matcher) Match(topic string) bool {
	for _, p := range m.patterns {
		if p.glob.Match(topic) {
			return true
		}
	}
	return false
}
