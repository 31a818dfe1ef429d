package memremote

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hyperengineering/heritage/internal/types"
)

// timeFormat is fixed width so timestamps compare correctly as strings.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type row struct {
	doc   types.Document
	order any
}

type pageCursor struct {
	V any    `json:"v"`
	K string `json:"k"`
}

func encodeCursor(c pageCursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (pageCursor, error) {
	var c pageCursor
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("invalid cursor: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil || c.K == "" {
		return c, errors.New("invalid cursor: malformed")
	}
	c.V = normalize(c.V)
	return c, nil
}

// fieldValues flattens a document into comparable values. The key is exposed
// as "id" and the version as "updated_at".
func fieldValues(id string, r *record) (map[string]any, error) {
	values := make(map[string]any)
	if err := json.Unmarshal(r.fields, &values); err != nil {
		return nil, err
	}
	for k, v := range values {
		values[k] = normalize(v)
	}
	values["id"] = id
	values["updated_at"] = r.updatedAt.UTC().Format(timeFormat)
	return values, nil
}

type matcher struct {
	conds   []types.Condition
	likes   map[int]*regexp.Regexp
	orderBy string
	desc    bool
}

func newMatcher(f types.Filter) (*matcher, error) {
	m := &matcher{orderBy: f.OrderBy, desc: f.Desc, likes: make(map[int]*regexp.Regexp)}
	if m.orderBy == "" {
		m.orderBy = "id"
	}
	for i, c := range f.Where {
		switch c.Op {
		case types.OpEq, types.OpNe, types.OpLt, types.OpLte, types.OpGt, types.OpGte:
		case types.OpLike:
			pattern, ok := c.Value.(string)
			if !ok {
				return nil, fmt.Errorf("like on %q needs a string pattern", c.Field)
			}
			re, err := likePattern(pattern)
			if err != nil {
				return nil, err
			}
			m.likes[i] = re
		default:
			return nil, fmt.Errorf("unknown operator %q", c.Op)
		}
		c.Value = normalize(c.Value)
		m.conds = append(m.conds, c)
	}
	return m, nil
}

// likePattern translates SQL LIKE (% and _, case-insensitive) to a regexp.
func likePattern(p string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range p {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func (m *matcher) match(values map[string]any) bool {
	for i, c := range m.conds {
		v := values[c.Field]
		if re, ok := m.likes[i]; ok {
			s, isString := v.(string)
			if !isString || !re.MatchString(s) {
				return false
			}
			continue
		}
		cmp := compare(v, c.Value)
		var ok bool
		switch c.Op {
		case types.OpEq:
			ok = cmp == 0
		case types.OpNe:
			ok = cmp != 0
		case types.OpLt:
			ok = cmp < 0
		case types.OpLte:
			ok = cmp <= 0
		case types.OpGt:
			ok = cmp > 0
		case types.OpGte:
			ok = cmp >= 0
		}
		if !ok {
			return false
		}
	}
	return true
}

func (m *matcher) less(a, b row) bool {
	return m.order(a.order, a.doc.ID, b.order, b.doc.ID) < 0
}

func (m *matcher) isAfter(r row, c pageCursor) bool {
	return m.order(r.order, r.doc.ID, c.V, c.K) > 0
}

func (m *matcher) order(av any, ak string, bv any, bk string) int {
	c := compare(av, bv)
	if c == 0 {
		c = strings.Compare(ak, bk)
	}
	if m.desc {
		c = -c
	}
	return c
}

func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	case time.Time:
		return x.UTC().Format(timeFormat)
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return t.UTC().Format(timeFormat)
		}
		return x
	default:
		return v
	}
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

// compare orders values of the same type naturally and values of different
// types by type rank.
func compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case string:
		return strings.Compare(x, b.(string))
	case nil:
		return 0
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}
