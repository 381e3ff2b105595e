// Package topic implements MQTT topic filter validation and matching.
package topic

import (
	"fmt"
	"strings"
)

const (
	separator   = "/"
	singleLevel = "+"
	multiLevel  = "#"
)

// ValidationError reports an invalid topic filter.
type ValidationError struct {
	Filter  string
	Segment int
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Segment < 0 {
		return fmt.Sprintf("invalid topic filter %q: %s", e.Filter, e.Reason)
	}
	return fmt.Sprintf("invalid topic filter %q: segment %d: %s", e.Filter, e.Segment, e.Reason)
}

// Validate checks the syntax of a topic filter. Wildcards must occupy a whole
// segment and '#' may only appear as the final segment.
func Validate(filter string) error {
	if filter == "" {
		return &ValidationError{Filter: filter, Segment: -1, Reason: "filter is empty"}
	}

	segments := strings.Split(filter, separator)
	for i, seg := range segments {
		if !strings.ContainsAny(seg, singleLevel+multiLevel) {
			continue
		}
		if seg != singleLevel && seg != multiLevel {
			return &ValidationError{Filter: filter, Segment: i, Reason: fmt.Sprintf("wildcard must occupy the entire segment, got %q", seg)}
		}
		if seg == multiLevel && i != len(segments)-1 {
			return &ValidationError{Filter: filter, Segment: i, Reason: "'#' must be the last segment"}
		}
	}
	return nil
}

// Matches reports whether the topic name satisfies the filter. The filter is
// assumed to have passed Validate.
func Matches(name, filter string) bool {
	topicSegs := strings.Split(name, separator)
	filterSegs := strings.Split(filter, separator)

	for i, fs := range filterSegs {
		if fs == multiLevel {
			// Matches the parent level too, so "a/#" accepts "a".
			return true
		}
		if i >= len(topicSegs) {
			return false
		}
		if fs == singleLevel {
			continue
		}
		if fs != topicSegs[i] {
			return false
		}
	}

	return len(topicSegs) == len(filterSegs)
}

// HasWildcards reports whether the filter contains '+' or '#' segments.
func HasWildcards(filter string) bool {
	for _, seg := range strings.Split(filter, separator) {
		if seg == singleLevel || seg == multiLevel {
			return true
		}
	}
	return false
}
