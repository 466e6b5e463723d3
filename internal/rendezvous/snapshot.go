package rendezvous

import (
	"encoding/json"
	"sort"
)

// Snapshot is an immutable view of the value stored at a path.
type Snapshot struct {
	path  string
	value any
}

func NewSnapshot(path string, value any) Snapshot {
	return Snapshot{path: Join(path), value: value}
}

func (s Snapshot) Path() string { return s.path }

func (s Snapshot) Key() string { return Base(s.path) }

func (s Snapshot) Exists() bool { return s.value != nil }

// Value returns a copy of the stored tree.
func (s Snapshot) Value() any { return DeepCopy(s.value) }

func (s Snapshot) Child(path string) Snapshot {
	return Snapshot{path: Join(s.path, path), value: GetIn(s.value, Split(path))}
}

// Children returns the direct children ordered by key.
func (s Snapshot) Children() []Snapshot {
	m, ok := s.value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, Snapshot{path: Join(s.path, k), value: m[k]})
	}
	return out
}

func (s Snapshot) ChildCount() int {
	m, _ := s.value.(map[string]any)
	return len(m)
}

func (s Snapshot) Str() string {
	v, _ := s.value.(string)
	return v
}

func (s Snapshot) Bool() bool {
	v, _ := s.value.(bool)
	return v
}

func (s Snapshot) Float() float64 {
	switch v := s.value.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func (s Snapshot) Int() int64 {
	return int64(s.Float())
}

func (s Snapshot) Decode(out any) error {
	raw, err := json.Marshal(s.value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.value)
}
