// Package market derives negotiation context from showroom inventory.
package market

import (
	"context"
	"math"
	"strings"

	"dealdesk/internal/config"
	"dealdesk/internal/domain"
)

type Analyzer struct {
	Config config.Market
}

// Analyze reports stock, demand and leverage for model. Unknown models get neutral labels
// around the configured reference price.
func (a Analyzer) Analyze(ctx context.Context, model string, budget float64) (domain.MarketData, error) {
	if err := ctx.Err(); err != nil {
		return domain.MarketData{}, err
	}
	item, ok := a.find(model)
	if !ok {
		return domain.MarketData{
			Model:          model,
			ReferencePrice: a.Config.ReferencePrice,
			StockLevel:     "medium",
			DemandLevel:    "moderate",
			Leverage:       0.5,
			PricePressure:  "stable",
			Flexibility:    "moderate",
			Urgency:        "normal",
			BudgetFit:      budgetFit(budget, a.Config.ReferencePrice),
		}, nil
	}
	stock := a.stockLevel(item.Stock)
	return domain.MarketData{
		Model:          item.Model,
		ReferencePrice: item.Price,
		Stock:          item.Stock,
		StockLevel:     stock,
		DemandLevel:    demandLevel(item.DemandScore),
		Leverage:       a.leverage(item),
		PricePressure:  pricePressure(item.DemandScore, item.Stock),
		Flexibility:    flexibility(stock, item.DemandScore),
		Urgency:        urgency(item.Stock, item.DemandScore),
		BudgetFit:      budgetFit(budget, item.Price),
	}, nil
}

func (a Analyzer) find(model string) (config.InventoryItem, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return config.InventoryItem{}, false
	}
	for _, item := range a.Config.Inventory {
		if strings.ToLower(item.Model) == m {
			return item, true
		}
	}
	for _, item := range a.Config.Inventory {
		if strings.Contains(m, strings.ToLower(item.Model)) {
			return item, true
		}
	}
	return config.InventoryItem{}, false
}

func (a Analyzer) stockLevel(count int) string {
	t := a.Config.StockThresholds
	switch {
	case count <= t.Critical:
		return "critical"
	case count <= t.Low:
		return "low"
	case count <= t.Medium:
		return "medium"
	}
	return "high"
}

func demandLevel(score float64) string {
	switch {
	case score >= 120:
		return "very_high"
	case score >= 100:
		return "high"
	case score >= 70:
		return "moderate"
	case score >= 40:
		return "low"
	}
	return "very_low"
}

func (a Analyzer) leverage(item config.InventoryItem) float64 {
	lev := 0.5
	model := strings.ToLower(item.Model)
	for _, hd := range a.Config.HighDemandModels {
		if strings.Contains(strings.ToLower(hd), model) {
			lev += 0.2
			break
		}
	}
	switch {
	case item.DemandScore >= 100:
		lev += 0.2
	case item.DemandScore >= 70:
		lev += 0.1
	case item.DemandScore < 40:
		lev -= 0.2
	}
	switch {
	case item.Stock <= 10:
		lev += 0.1
	case item.Stock >= 30:
		lev -= 0.1
	}
	return math.Round(math.Max(0, math.Min(1, lev))*100) / 100
}

func pricePressure(demand float64, stock int) string {
	if stock == 0 {
		return "undetermined"
	}
	ratio := demand / float64(stock)
	switch {
	case ratio > 1.5:
		return "strong_upward"
	case ratio > 1.0:
		return "slight_upward"
	case ratio > 0.7:
		return "stable"
	}
	return "downward"
}

func flexibility(stock string, demand float64) string {
	switch {
	case stock == "high" && demand < 40:
		return "high"
	case stock == "high" || stock == "medium":
		return "moderate"
	case stock == "low" || demand >= 100:
		return "low"
	case stock == "critical":
		return "very_low"
	}
	return "moderate"
}

func urgency(stock int, demand float64) string {
	switch {
	case stock <= 2 && demand >= 100:
		return "very_urgent"
	case stock <= 5 && demand >= 70:
		return "urgent"
	case stock > 40 && demand < 40:
		return "urgent"
	case stock <= 10:
		return "moderate"
	}
	return "normal"
}

func budgetFit(budget, price float64) string {
	if budget <= 0 || price <= 0 {
		return "undetermined"
	}
	ratio := budget / price
	switch {
	case ratio >= 1.2:
		return "comfortable"
	case ratio >= 1.0:
		return "fits"
	case ratio >= 0.9:
		return "stretch"
	case ratio >= 0.8:
		return "tight"
	}
	return "out_of_range"
}
