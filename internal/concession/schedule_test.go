package concession

import (
	"testing"

	"dealdesk/internal/config"
)

func TestDefaultScheduleTiers(t *testing.T) {
	s := New(config.Default().Negotiation.Tiers)
	cases := []struct {
		round  int
		factor float64
		label  string
	}{
		{0, 0.2, "low"},
		{1, 0.2, "low"},
		{2, 0.2, "low"},
		{3, 0.5, "moderate"},
		{4, 0.5, "moderate"},
		{5, 0.8, "high"},
		{9, 0.8, "high"},
	}
	for _, c := range cases {
		got := s.Factor(c.round, 5)
		if got.Factor != c.factor || got.Label != c.label {
			t.Fatalf("round %d: got %+v, want %v/%s", c.round, got, c.factor, c.label)
		}
	}
}

func TestTierIgnoresMaxRounds(t *testing.T) {
	s := New(config.Default().Negotiation.Tiers)
	for _, max := range []int{2, 3, 5, 10} {
		if got := s.Factor(2, max); got.Label != "low" || got.Factor != 0.2 {
			t.Fatalf("round 2 of %d: got %+v, want low", max, got)
		}
		if got := s.Factor(3, max); got.Label != "moderate" || got.Factor != 0.5 {
			t.Fatalf("round 3 of %d: got %+v, want moderate", max, got)
		}
	}
}

func TestFactorIsClamped(t *testing.T) {
	s := New([]config.Tier{{FromRound: 1, Factor: 1.7, Label: "x"}})
	if got := s.Factor(1, 5); got.Factor != 1 {
		t.Fatalf("expected clamp to 1, got %v", got.Factor)
	}
	if got := (Schedule{}).Factor(3, 5); got.Factor != 0 {
		t.Fatalf("empty schedule should yield zero factor")
	}
}
