package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Op is a comparison operator in a Condition.
type Op string

const (
	OpEq   Op = "eq"
	OpNe   Op = "ne"
	OpLt   Op = "lt"
	OpLte  Op = "lte"
	OpGt   Op = "gt"
	OpGte  Op = "gte"
	OpLike Op = "like"
)

// Condition compares one field against a literal.
type Condition struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Filter is the shape of a list query: predicate plus ordering.
// Results are always tie-broken by key.
type Filter struct {
	Where   []Condition `json:"where,omitempty"`
	OrderBy string      `json:"order_by,omitempty"`
	Desc    bool        `json:"desc,omitempty"`
}

// Eq is shorthand for an equality filter on one field.
func Eq(field string, value any) Filter {
	return Filter{Where: []Condition{{Field: field, Op: OpEq, Value: value}}}
}

// Shape returns a stable identifier for the filter, used to key cached
// results and persisted cursors.
func (f Filter) Shape() string {
	data, err := json.Marshal(f)
	if err != nil {
		// Values are always JSON literals; fall back to the Go representation.
		data = []byte(fmt.Sprintf("%#v", f))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Query is a Filter plus paging parameters.
type Query struct {
	Filter
	Limit          int    `json:"limit,omitempty"`
	Cursor         string `json:"cursor,omitempty"`
	IncludeDeleted bool   `json:"-"`
}

// Page is one page of entities.
type Page struct {
	Items      []Entity
	NextCursor string
	HasMore    bool
}
