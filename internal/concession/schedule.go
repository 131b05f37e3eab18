// Package concession maps a negotiation round to the price flexibility allowed in it.
package concession

import (
	"math"

	"dealdesk/internal/config"
)

type Tier struct {
	Factor float64 `json:"factor"`
	Label  string  `json:"label"`
}

// Schedule is a fixed round-indexed lookup. Tiers must be sorted by FromRound.
type Schedule struct {
	Tiers []config.Tier
}

func New(tiers []config.Tier) Schedule {
	return Schedule{Tiers: tiers}
}

// Factor returns the tier for round. The lookup depends on the round alone, so a
// short session never reaches the later tiers. maxRounds is accepted for callers
// that record it next to the tier.
func (s Schedule) Factor(round, maxRounds int) Tier {
	if len(s.Tiers) == 0 {
		return Tier{}
	}
	if round < 1 {
		round = 1
	}
	picked := s.Tiers[0]
	for _, t := range s.Tiers {
		if round >= t.FromRound {
			picked = t
		}
	}
	return Tier{Factor: clamp(picked.Factor), Label: picked.Label}
}

func clamp(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}
