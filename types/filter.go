// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"strings"
)

// FilterType selects how a filter expression is evaluated by the broker.
type FilterType int

// Filter types.
const (
	FilterTag FilterType = iota
	FilterSQL92
)

// String returns the wire name of the filter type.
func (t FilterType) String() string {
	switch t {
	case FilterTag:
		return "TAG"
	case FilterSQL92:
		return "SQL92"
	default:
		return "UNKNOWN"
	}
}

// MatchAll is the tag expression that selects every message.
const MatchAll = "*"

// FilterExpression selects which messages of a topic a consumer wants.
type FilterExpression struct {
	Type       FilterType
	Expression string
}

// DefaultFilter matches every message.
var DefaultFilter = FilterExpression{Type: FilterTag, Expression: MatchAll}

// NewTagFilter creates a tag filter. An empty expression matches all.
func NewTagFilter(expression string) FilterExpression {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		expression = MatchAll
	}
	return FilterExpression{Type: FilterTag, Expression: expression}
}

// NewSQLFilter creates an SQL92 filter.
func NewSQLFilter(expression string) FilterExpression {
	return FilterExpression{Type: FilterSQL92, Expression: strings.TrimSpace(expression)}
}

// ParseFilterType parses a filter type name. "SQL" is accepted as an alias of SQL92.
func ParseFilterType(s string) (FilterType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "TAG":
		return FilterTag, nil
	case "SQL", "SQL92":
		return FilterSQL92, nil
	default:
		return 0, fmt.Errorf("unknown filter type %q", s)
	}
}

// Validate checks that the expression can be sent to the broker.
func (f FilterExpression) Validate() error {
	switch f.Type {
	case FilterTag:
		return nil
	case FilterSQL92:
		if f.Expression == "" {
			return fmt.Errorf("sql92 filter expression cannot be empty")
		}
		return nil
	default:
		return fmt.Errorf("unknown filter type %d", f.Type)
	}
}

// String implements fmt.Stringer.
func (f FilterExpression) String() string {
	return f.Type.String() + "(" + f.Expression + ")"
}
