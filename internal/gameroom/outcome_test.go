package gameroom

import (
	"math/rand"
	"testing"
)

func TestDecideReferencePairs(t *testing.T) {
	tests := []struct {
		mine, theirs Choice
		want         Outcome
	}{
		{Stone, Scissors, Win},
		{Scissors, Stone, Loss},
		{Paper, Paper, Draw},
		{Paper, Stone, Win},
		{Scissors, Paper, Win},
		{Stone, Paper, Loss},
	}
	for _, tt := range tests {
		if got := Decide(tt.mine, tt.theirs); got != tt.want {
			t.Fatalf("Decide(%s, %s) = %s, want %s", tt.mine, tt.theirs, got, tt.want)
		}
	}
}

func TestDecideIsSymmetric(t *testing.T) {
	for _, x := range Choices {
		for _, y := range Choices {
			if Decide(x, y) != Decide(y, x).Invert() {
				t.Fatalf("Decide(%s, %s) = %s but Decide(%s, %s) = %s", x, y, Decide(x, y), y, x, Decide(y, x))
			}
		}
	}
}

func TestRandomChoiceIsValid(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	seen := map[Choice]bool{}
	for i := 0; i < 100; i++ {
		c := RandomChoice(rng)
		if !c.Valid() {
			t.Fatalf("RandomChoice() = %q", c)
		}
		seen[c] = true
	}
	if len(seen) != len(Choices) {
		t.Fatalf("RandomChoice() covered %d choices, want %d", len(seen), len(Choices))
	}
}

func TestSetupValidate(t *testing.T) {
	ok := Setup{RoomID: "r1", Game: RPS, UserID: "a", PartnerID: "b"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	bad := []Setup{
		{Game: RPS, UserID: "a", PartnerID: "b"},
		{RoomID: "r1", Game: RPS, UserID: "a"},
		{RoomID: "r1", Game: RPS, UserID: "a", PartnerID: "a"},
		{RoomID: "r1", Game: "chess", UserID: "a", PartnerID: "b"},
		{RoomID: "r.1", Game: RPS, UserID: "a", PartnerID: "b"},
	}
	for _, s := range bad {
		if err := s.Validate(); err == nil {
			t.Fatalf("Validate(%+v) = nil, want error", s)
		}
	}
	if ok.InitiatorID() != "b" {
		t.Fatalf("InitiatorID() = %q, want partner b for a participant", ok.InitiatorID())
	}
}
