package publisher

import (
	"fmt"

	"github.com/maxpert/conveyor/topic"
)

// TopicFilter selects feed records by event topic using the same wildcard
// patterns workers enroll with. Empty patterns match everything.
type TopicFilter struct {
	matcher *topic.Matcher
}

// NewTopicFilter creates a filter for the given topic patterns
func NewTopicFilter(patterns []string) (*TopicFilter, error) {
	if len(patterns) == 0 {
		return &TopicFilter{}, nil
	}

	m, err := topic.Compile(patterns...)
	if err != nil {
		return nil, fmt.Errorf("invalid filter topics %v: %w", patterns, err)
	}
	return &TopicFilter{matcher: m}, nil
}

// Match returns true if records for the topic should be published
func (f *TopicFilter) Match(t string) bool {
	if f.matcher == nil {
		return true
	}
	return f.matcher.Match(t)
}

// Matcher returns the compiled patterns, nil when everything matches
func (f *TopicFilter) Matcher() *topic.Matcher {
	return f.matcher
}
