package rendezvous

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNormalizePrunesAndResolvesTimestamp(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	in := map[string]any{
		"name":    "a",
		"empty":   map[string]any{},
		"gone":    nil,
		"count":   3,
		"created": ServerTimestamp,
		"list":    []string{"x", "y"},
	}
	out, err := Normalize(in, now)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	m := out.(map[string]any)
	if _, ok := m["empty"]; ok {
		t.Fatalf("empty map not pruned: %+v", m)
	}
	if _, ok := m["gone"]; ok {
		t.Fatalf("nil leaf not pruned: %+v", m)
	}
	if m["count"] != float64(3) {
		t.Fatalf("count = %v, want 3", m["count"])
	}
	if m["created"] != float64(now.UnixMilli()) {
		t.Fatalf("created = %v, want %d", m["created"], now.UnixMilli())
	}
	list := m["list"].(map[string]any)
	if list["1"] != "y" {
		t.Fatalf("list = %+v, want index keys", list)
	}
}

func TestNormalizeRejectsBadKeys(t *testing.T) {
	_, err := Normalize(map[string]any{"a.b": 1}, time.Now())
	if !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}

func TestSetInCopiesOnWrite(t *testing.T) {
	root := SetIn(nil, Split("a/b"), "1")
	next := SetIn(root, Split("a/c"), "2")
	if GetIn(root, Split("a/c")) != nil {
		t.Fatalf("original tree mutated")
	}
	if GetIn(next, Split("a/b")) != "1" || GetIn(next, Split("a/c")) != "2" {
		t.Fatalf("unexpected tree %+v", next)
	}
	cleared := SetIn(next, Split("a"), nil)
	if cleared != nil {
		t.Fatalf("expected empty root, got %+v", cleared)
	}
}

func TestPatchDeletesEmptyParents(t *testing.T) {
	root := Patch(nil, map[string]any{"pool/k1/userId": "u1", "pool/k2/userId": "u2"})
	root = Patch(root, map[string]any{"pool/k1": nil, "pool/k2/userId": nil})
	if root != nil {
		t.Fatalf("expected nil root, got %+v", root)
	}
}

func TestSnapshotAccessors(t *testing.T) {
	s := NewSnapshot("rooms/r1", map[string]any{
		"round":   float64(2),
		"started": true,
		"phase":   "waiting_choices",
		"players": map[string]any{"b": map[string]any{}, "a": map[string]any{"ready": true}},
	})
	if s.Key() != "r1" {
		t.Fatalf("Key() = %q", s.Key())
	}
	if s.Child("round").Int() != 2 || !s.Child("started").Bool() || s.Child("phase").Str() != "waiting_choices" {
		t.Fatalf("unexpected accessors on %+v", s.Value())
	}
	if !s.Child("players/a/ready").Bool() {
		t.Fatalf("nested child not found")
	}
	kids := s.Child("players").Children()
	if len(kids) != 2 || kids[0].Key() != "a" {
		t.Fatalf("children not ordered: %+v", kids)
	}
	if s.Child("missing").Exists() {
		t.Fatalf("missing child exists")
	}
	var out struct {
		Phase string `json:"phase"`
		Round int    `json:"round"`
	}
	if err := s.Decode(&out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.Phase != "waiting_choices" || out.Round != 2 {
		t.Fatalf("decoded %+v", out)
	}
}

func TestApplyQueryOrderAndBounds(t *testing.T) {
	parent := NewSnapshot("pool", map[string]any{
		"k1": map[string]any{"userId": "u1", "timestamp": float64(30)},
		"k2": map[string]any{"userId": "u2", "timestamp": float64(10)},
		"k3": map[string]any{"userId": "u3", "timestamp": float64(20)},
	})
	res := ApplyQuery(parent, Query{OrderByChild: "timestamp", EndAt: 20})
	if len(res) != 2 || res[0].Key() != "k2" || res[1].Key() != "k3" {
		t.Fatalf("unexpected EndAt result %+v", res)
	}
	res = ApplyQuery(parent, Query{OrderByChild: "userId", EqualTo: "u1"})
	if len(res) != 1 || res[0].Key() != "k1" {
		t.Fatalf("unexpected EqualTo result %+v", res)
	}
	res = ApplyQuery(parent, Query{OrderByChild: "timestamp", StartAt: 15, Limit: 1})
	if len(res) != 1 || res[0].Key() != "k3" {
		t.Fatalf("unexpected StartAt result %+v", res)
	}
}

func TestOverlaps(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"rooms/r1", "rooms/r1/players/a", true},
		{"rooms/r1/players", "rooms", true},
		{"rooms/r1", "rooms/r10", false},
		{"", "anything", true},
		{"users/a", "users/b", false},
	}
	for _, tc := range cases {
		if got := Overlaps(tc.a, tc.b); got != tc.want {
			t.Fatalf("Overlaps(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestPushIDsSortInOrder(t *testing.T) {
	prev := NewPushID()
	for i := 0; i < 100; i++ {
		next := NewPushID()
		if next <= prev {
			t.Fatalf("push id %s not after %s", next, prev)
		}
		prev = next
	}
}
