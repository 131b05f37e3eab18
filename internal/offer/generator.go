// Package offer produces candidate term sets for a negotiation round.
package offer

import (
	"context"
	"errors"

	"dealdesk/internal/concession"
	"dealdesk/internal/domain"
)

// ErrMalformedOutput means the generator answered but no valid term set could be extracted.
var ErrMalformedOutput = errors.New("malformed generator output")

// Request carries everything a generator may use for one proposal.
type Request struct {
	Profile        domain.UserProfile
	Valuation      *domain.Valuation
	Market         *domain.MarketData
	Round          int
	MaxRounds      int
	Tier           concession.Tier
	Initial        *domain.Terms
	Prior          *domain.Terms
	ClientMessage  string
	Counter        *domain.CounterOffer
	History        []domain.HistoryEntry
	PolicyFeedback []string
}

type Generator interface {
	Generate(ctx context.Context, req Request) (domain.Terms, error)
}
