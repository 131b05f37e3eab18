package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"dealdesk/internal/contract"
	"dealdesk/internal/domain"
	"dealdesk/internal/profile"
)

// ValidateTerms runs the policy engine without touching any session. Missing risk levels are
// assessed from the profile the same way Start does.
func (e Engine) ValidateTerms(terms domain.Terms, p domain.UserProfile, m *domain.MarketData) domain.BusinessValidation {
	if strings.TrimSpace(p.RiskLevel) == "" {
		p.RiskLevel = profile.AssessRisk(p)
	}
	return e.Policy.Validate(terms, p, m)
}

func (e Engine) Appraise(ctx context.Context, t domain.TradeIn) (domain.Valuation, error) {
	v, err := e.Appraiser.Appraise(ctx, t)
	if err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return v, nil
}

func (e Engine) AnalyzeMarket(ctx context.Context, model string, budget float64) (domain.MarketData, error) {
	return e.Market.Analyze(ctx, model, budget)
}

type documentLoader interface {
	Load(name string) (contract.Document, error)
}

// Contract reads a stored contract document by file name. Finalizers that keep no documents
// report every name as not found.
func (e Engine) Contract(name string) (contract.Document, error) {
	loader, ok := e.Finalizer.(documentLoader)
	if !ok {
		return contract.Document{}, ErrNotFound
	}
	doc, err := loader.Load(name)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, ErrNotFound
	}
	return doc, err
}
