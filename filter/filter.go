// Package filter compiles the structured event filter tree into a SQL
// predicate for the event store dialects. Keys are whitelisted columns or
// payload paths; every value is bound as a parameter.
package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidFilter is returned for any filter the compiler cannot express
var ErrInvalidFilter = errors.New("invalid filter")

// MaxDepth bounds nesting of sub-filters
const MaxDepth = 8

// PayloadPrefix introduces a payload path key, e.g. "payload/entity/type"
const PayloadPrefix = "payload/"

// Logical operators
const (
	OpAnd = "and"
	OpOr  = "or"
)

// Comparison operators
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpLt       = "lt"
	OpLte      = "lte"
	OpGt       = "gt"
	OpGte      = "gte"
	OpIn       = "in"
	OpNotIn    = "notin"
	OpContains = "contains"
	OpExcludes = "excludes"
	OpLike     = "like"
	OpIsNull   = "isnull"
	OpNotNull  = "notnull"
)

// Columns a condition may reference directly
var columns = map[string]bool{
	"id":          true,
	"topic":       true,
	"sender":      true,
	"user_name":   true,
	"description": true,
	"status":      true,
	"created_at":  true,
	"updated_at":  true,
}

var pathSegmentRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Filter is a boolean combination of conditions
type Filter struct {
	Conditions []Condition `json:"conditions"`
	Operator   string      `json:"operator,omitempty"`
	Not        bool        `json:"not,omitempty"`
}

// Condition is either a leaf comparison or a nested filter
type Condition struct {
	Key      string      `json:"key,omitempty"`
	Value    interface{} `json:"value"`
	Operator string      `json:"operator,omitempty"`

	Filter *Filter `json:"-"`
}

// UnmarshalJSON decodes a nested filter when the object carries "conditions"
func (c *Condition) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	if _, nested := probe["conditions"]; nested {
		var f Filter
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		*c = Condition{Filter: &f}
		return nil
	}

	type leaf Condition
	var l leaf
	if err := json.Unmarshal(data, &l); err != nil {
		return err
	}
	*c = Condition(l)
	return nil
}

// MarshalJSON encodes nested filters inline
func (c Condition) MarshalJSON() ([]byte, error) {
	if c.Filter != nil {
		return json.Marshal(c.Filter)
	}
	type leaf Condition
	return json.Marshal(leaf(c))
}

// Parse decodes a filter from JSON, wrapping decode errors as ErrInvalidFilter
func Parse(data []byte) (*Filter, error) {
	var f Filter
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return &f, nil
}

// IsEmpty reports whether the filter matches everything
func (f *Filter) IsEmpty() bool {
	return f == nil || len(f.Conditions) == 0
}

// key is a resolved condition key
type key struct {
	column string
	path   []string
}

func (k key) isPayload() bool {
	return len(k.path) > 0
}

func parseKey(raw string) (key, error) {
	if columns[raw] {
		return key{column: raw}, nil
	}

	if !strings.HasPrefix(raw, PayloadPrefix) {
		return key{}, fmt.Errorf("%w: unsupported key %q", ErrInvalidFilter, raw)
	}

	segs := strings.Split(strings.TrimPrefix(raw, PayloadPrefix), "/")
	for _, s := range segs {
		if !pathSegmentRe.MatchString(s) {
			return key{}, fmt.Errorf("%w: bad path segment %q in key %q", ErrInvalidFilter, s, raw)
		}
	}
	return key{column: "payload", path: segs}, nil
}

// valueKind classifies a scalar for dialect casts
type valueKind int

const (
	kindString valueKind = iota
	kindNumber
	kindBool
)

func scalarKind(v interface{}) (valueKind, error) {
	switch v.(type) {
	case string:
		return kindString, nil
	case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return kindNumber, nil
	case bool:
		return kindBool, nil
	default:
		return 0, fmt.Errorf("%w: unsupported value %v (%T)", ErrInvalidFilter, v, v)
	}
}

func listKind(values []interface{}) (valueKind, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: list operand must not be empty", ErrInvalidFilter)
	}
	first, err := scalarKind(values[0])
	if err != nil {
		return 0, err
	}
	for _, v := range values[1:] {
		k, err := scalarKind(v)
		if err != nil {
			return 0, err
		}
		if k != first {
			return 0, fmt.Errorf("%w: list operand mixes value types", ErrInvalidFilter)
		}
	}
	return first, nil
}

func asList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
