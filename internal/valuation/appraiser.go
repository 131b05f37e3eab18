// Package valuation estimates trade-in values.
package valuation

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"dealdesk/internal/config"
	"dealdesk/internal/domain"
	"dealdesk/internal/logger"
)

const (
	SourceCache     = "cache"
	SourceListings  = "source"
	SourceHeuristic = "heuristic"

	ageDepreciation     = 0.06
	mileageDepreciation = 0.012
	mileageBucket       = 10000
	expectedKmPerYear   = 15000
	minimumValue        = 30000
)

// Source returns observed listing prices for comparable vehicles.
type Source interface {
	Listings(ctx context.Context, model string, year int, mileage float64) ([]float64, error)
}

type Appraiser struct {
	Cache  Cache
	Source Source
	Config config.Valuation
	Log    *logger.Logger
	Now    func() time.Time
}

func (a Appraiser) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Key groups vehicles by model, year and 10k km mileage bucket.
func Key(model string, year int, mileage float64) string {
	return fmt.Sprintf("%s|%d|%d", strings.ToLower(strings.TrimSpace(model)), year, int(mileage)/mileageBucket)
}

func (a Appraiser) Appraise(ctx context.Context, t domain.TradeIn) (domain.Valuation, error) {
	if strings.TrimSpace(t.Model) == "" {
		return domain.Valuation{}, fmt.Errorf("trade-in model is required")
	}
	year, err := t.Year.Int()
	if err != nil {
		return domain.Valuation{}, fmt.Errorf("trade-in year: %w", err)
	}
	if t.Mileage < 0 {
		return domain.Valuation{}, fmt.Errorf("trade-in mileage must be non-negative")
	}
	key := Key(t.Model, year, t.Mileage)
	if a.Cache != nil {
		v, ok, err := a.Cache.Get(ctx, key)
		if err != nil {
			a.warn("valuation cache read failed", "key", key, "error", err)
		} else if ok {
			v.Source = SourceCache
			return v, nil
		}
	}

	v := domain.Valuation{Model: t.Model, Year: year, Mileage: t.Mileage}
	age := float64(max(a.referenceYear()-year, 0))
	if prices := a.listings(ctx, t.Model, year, t.Mileage); len(prices) > 0 {
		var sum float64
		for _, p := range prices {
			sum += p
		}
		avg := sum / float64(len(prices))
		ratio := (t.Mileage - age*expectedKmPerYear) / 100000
		v.EstimatedValue = roundNearest(avg * (1 - ratio*0.1))
		v.Source = SourceListings
	} else {
		est := a.Config.BasePrice * (1 - age*ageDepreciation - t.Mileage/mileageBucket*mileageDepreciation)
		v.EstimatedValue = roundNearest(math.Max(est, minimumValue))
		v.Source = SourceHeuristic
	}
	v.CachedAt = a.now().UTC().Format(time.RFC3339)
	if a.Cache != nil {
		if err := a.Cache.Set(ctx, key, v); err != nil {
			a.warn("valuation cache write failed", "key", key, "error", err)
		}
	}
	return v, nil
}

func (a Appraiser) listings(ctx context.Context, model string, year int, mileage float64) []float64 {
	if a.Source == nil {
		return nil
	}
	prices, err := a.Source.Listings(ctx, model, year, mileage)
	if err != nil {
		a.warn("listing source failed, using heuristic", "model", model, "error", err)
		return nil
	}
	var usable []float64
	for _, p := range prices {
		if p > 10000 {
			usable = append(usable, p)
		}
	}
	return usable
}

func (a Appraiser) referenceYear() int {
	if a.Config.ReferenceYear > 0 {
		return a.Config.ReferenceYear
	}
	return a.now().Year()
}

func (a Appraiser) warn(msg string, kv ...any) {
	if a.Log != nil {
		a.Log.Warn(msg, kv...)
	}
}

func roundNearest(v float64) float64 {
	return math.Round(v/100) * 100
}
