// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"strings"

	"github.com/absmach/fluxmq-consumer/types"
)

const tagSeparator = "||"

// TagFilter matches message tags against a TAG expression.
// Expressions are either "*" or tags joined by "||":
//   - "*" matches every message, including untagged ones
//   - "created" matches only messages tagged "created"
//   - "created||updated" matches either tag
type TagFilter struct {
	expression string
	tags       map[string]struct{}
	matchAll   bool
}

// NewTagFilter compiles a TAG expression. An empty expression matches everything.
func NewTagFilter(expression string) *TagFilter {
	f := &TagFilter{expression: expression}

	expression = strings.TrimSpace(expression)
	if expression == "" || expression == types.MatchAll {
		f.matchAll = true
		return f
	}

	f.tags = make(map[string]struct{})
	for _, tag := range strings.Split(expression, tagSeparator) {
		tag = strings.TrimSpace(tag)
		if tag == types.MatchAll {
			f.matchAll = true
			return f
		}
		if tag != "" {
			f.tags[tag] = struct{}{}
		}
	}
	return f
}

// Matches returns true if the tag is selected by the expression.
func (f *TagFilter) Matches(tag string) bool {
	if f.matchAll {
		return true
	}
	_, ok := f.tags[tag]
	return ok
}

// Expression returns the original expression.
func (f *TagFilter) Expression() string {
	return f.expression
}

// subscription is the compiled filter of a subscribed topic.
type subscription struct {
	filter types.FilterExpression
	tags   *TagFilter // nil for SQL92 filters, which the broker evaluates
}

func newSubscription(f types.FilterExpression) subscription {
	s := subscription{filter: f}
	if f.Type == types.FilterTag {
		s.tags = NewTagFilter(f.Expression)
	}
	return s
}

// accepts reports whether a message with tag should reach the listener.
func (s subscription) accepts(tag string) bool {
	return s.tags == nil || s.tags.Matches(tag)
}
