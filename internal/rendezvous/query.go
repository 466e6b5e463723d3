package rendezvous

import (
	"sort"
	"time"
)

// Query selects children of Path ordered by OrderByChild (or by key when
// empty). Bounds are inclusive.
type Query struct {
	Path         string
	OrderByChild string
	EqualTo      any
	StartAt      any
	EndAt        any
	Limit        int
}

func (q Query) orderValue(child Snapshot) any {
	if q.OrderByChild == "" {
		return child.Key()
	}
	return child.Child(q.OrderByChild).value
}

// ApplyQuery filters and orders the children of parent.
func ApplyQuery(parent Snapshot, q Query) []Snapshot {
	eq := normalizeBound(q.EqualTo)
	start := normalizeBound(q.StartAt)
	end := normalizeBound(q.EndAt)

	out := make([]Snapshot, 0, parent.ChildCount())
	for _, child := range parent.Children() {
		v := q.orderValue(child)
		if q.EqualTo != nil && compareValues(v, eq) != 0 {
			continue
		}
		if q.StartAt != nil && compareValues(v, start) < 0 {
			continue
		}
		if q.EndAt != nil && compareValues(v, end) > 0 {
			continue
		}
		out = append(out, child)
	}
	sort.SliceStable(out, func(i, j int) bool {
		c := compareValues(q.orderValue(out[i]), q.orderValue(out[j]))
		if c != 0 {
			return c < 0
		}
		return out[i].Key() < out[j].Key()
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func normalizeBound(v any) any {
	if v == nil {
		return nil
	}
	n, err := Normalize(v, time.Time{})
	if err != nil {
		return v
	}
	return n
}

// compareValues orders nil < false < true < numbers < strings < maps.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
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
		}
		return 0
	case string:
		y := b.(string)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return 0
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
