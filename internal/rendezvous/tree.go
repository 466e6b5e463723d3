package rendezvous

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ServerTimestamp is replaced by the commit time in unix milliseconds.
var ServerTimestamp = map[string]any{".sv": "timestamp"}

// Normalize converts v into the tree form every backend stores: nested
// map[string]any with string, float64 and bool leaves. Nil leaves and empty
// maps are pruned, arrays become maps keyed by index.
func Normalize(v any, now time.Time) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return clean(out, now.UnixMilli())
}

func clean(v any, nowMS int64) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if isServerTimestamp(t) {
			return float64(nowMS), nil
		}
		out := make(map[string]any, len(t))
		for k, child := range t {
			if k == "" || strings.ContainsAny(k, "/.#$[]") {
				return nil, fmt.Errorf("%w: key %q", ErrInvalidValue, k)
			}
			c, err := clean(child, nowMS)
			if err != nil {
				return nil, err
			}
			if c != nil {
				out[k] = c
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	case []any:
		m := make(map[string]any, len(t))
		for i, child := range t {
			m[strconv.Itoa(i)] = child
		}
		return clean(m, nowMS)
	default:
		return t, nil
	}
}

func isServerTimestamp(m map[string]any) bool {
	if len(m) != 1 {
		return false
	}
	sv, ok := m[".sv"].(string)
	return ok && sv == "timestamp"
}

func GetIn(root any, segs []string) any {
	cur := root
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[s]
	}
	return cur
}

// SetIn returns a copy of root with v stored at segs. Maps along the path are
// copied so trees shared with earlier snapshots are never mutated.
func SetIn(root any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	m, _ := root.(map[string]any)
	next := make(map[string]any, len(m)+1)
	for k, child := range m {
		next[k] = child
	}
	child := SetIn(next[segs[0]], segs[1:], v)
	if child == nil {
		delete(next, segs[0])
	} else {
		next[segs[0]] = child
	}
	if len(next) == 0 {
		return nil
	}
	return next
}

// Patch applies relative path writes to root, in key order.
func Patch(root any, changes map[string]any) any {
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		root = SetIn(root, Split(k), changes[k])
	}
	return root
}

func DeepCopy(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, child := range m {
		out[k] = DeepCopy(child)
	}
	return out
}

func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
