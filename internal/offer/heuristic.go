package offer

import (
	"context"
	"fmt"
	"math"
	"strings"

	"dealdesk/internal/domain"
	"dealdesk/internal/policy"
)

const financingMonths = 60

// Heuristic is a deterministic generator. Concessions grow with the round tier and never
// shrink between rounds unless a policy repair forces it.
type Heuristic struct {
	Policy               policy.Engine
	ListPrice            float64
	MaxConcessionPercent float64
}

func (h Heuristic) Generate(ctx context.Context, req Request) (domain.Terms, error) {
	if err := ctx.Err(); err != nil {
		return domain.Terms{}, err
	}
	ref := h.ListPrice
	if req.Market != nil && req.Market.ReferencePrice > 0 {
		ref = req.Market.ReferencePrice
	}
	if ref <= 0 {
		return domain.Terms{}, fmt.Errorf("no reference price available")
	}

	allowance := roundDown(ref * req.Tier.Factor * h.MaxConcessionPercent / 100)
	var priorDiscount float64
	if req.Prior != nil {
		priorDiscount = req.Prior.DiscountAmount
	}
	discount := math.Max(allowance, priorDiscount)
	if want, ok := requestedDiscount(req.Counter, ref); ok && want > priorDiscount {
		if want <= allowance {
			discount = math.Max(priorDiscount, want)
		} else {
			discount = math.Max(priorDiscount, math.Min(allowance, roundDown((priorDiscount+want)/2)))
		}
	}

	terms := domain.Terms{PaymentMethod: h.paymentMethod(req)}
	if req.Prior != nil {
		terms.TradeInExcluded = req.Prior.TradeInExcluded
	}
	if req.Valuation != nil && !terms.TradeInExcluded {
		v := req.Valuation.EstimatedValue
		terms.TradeInValue = &v
		if req.Valuation.Year > 0 {
			terms.TradeInYear = domain.Num(float64(req.Valuation.Year))
		}
	}

	var repairs []string
	for _, violation := range req.PolicyFeedback {
		switch {
		case strings.HasPrefix(violation, policy.RuleMargin):
			ceiling := roundDown(ref * h.Policy.Rules.MaxDiscountPercent / 100)
			if discount > ceiling {
				discount = ceiling
			}
			repairs = append(repairs, "discount brought back within policy")
		case strings.HasPrefix(violation, policy.RuleRiskPayment):
			terms.PaymentMethod = "Cash"
			repairs = append(repairs, "switched to cash payment")
		case strings.HasPrefix(violation, policy.RuleTradeInAge):
			terms.TradeInExcluded = true
			terms.TradeInValue = nil
			terms.TradeInYear = nil
			repairs = append(repairs, "trade-in removed from the deal")
		}
	}

	terms.DiscountAmount = discount
	terms.OfferPrice = ref - discount
	if h.Policy.IsFinancing(terms.PaymentMethod) {
		financed := terms.OfferPrice
		if terms.TradeInValue != nil {
			financed -= *terms.TradeInValue
		}
		monthly := math.Round(math.Max(financed, 0)/financingMonths*100) / 100
		terms.MonthlyPayment = &monthly
	}
	terms.FlexibilityLevel = req.Tier.Label
	terms.LeverageUsed = leverageLabel(req.Market)
	terms.PersuasionPoints = persuasionPoints(req, terms)
	terms.MarketingMessage = marketingMessage(req, terms, repairs)
	return terms, nil
}

func (h Heuristic) paymentMethod(req Request) string {
	switch {
	case req.Counter != nil && strings.TrimSpace(req.Counter.PaymentMethod) != "":
		return req.Counter.PaymentMethod
	case req.Prior != nil && req.Prior.PaymentMethod != "":
		return req.Prior.PaymentMethod
	case req.Profile.FinancingPreference != "":
		return req.Profile.FinancingPreference
	}
	return "Cash"
}

func requestedDiscount(c *domain.CounterOffer, ref float64) (float64, bool) {
	if c == nil {
		return 0, false
	}
	if c.DiscountAmount != nil {
		return *c.DiscountAmount, true
	}
	if c.OfferPrice != nil && *c.OfferPrice > 0 {
		return ref - *c.OfferPrice, true
	}
	return 0, false
}

func leverageLabel(m *domain.MarketData) string {
	if m == nil {
		return "balanced"
	}
	switch {
	case m.Leverage >= 0.7:
		return "strong"
	case m.Leverage >= 0.4:
		return "balanced"
	}
	return "weak"
}

func persuasionPoints(req Request, t domain.Terms) []string {
	var points []string
	if m := req.Market; m != nil {
		switch m.StockLevel {
		case "critical", "low":
			points = append(points, fmt.Sprintf("Only %d units of the %s left in stock", m.Stock, m.Model))
		}
		switch m.DemandLevel {
		case "very_high", "high":
			points = append(points, "Demand for this model is high right now")
		}
	}
	if t.TradeInValue != nil {
		points = append(points, fmt.Sprintf("Your trade-in is valued at %.0f MAD", *t.TradeInValue))
	}
	if t.DiscountAmount > 0 {
		points = append(points, fmt.Sprintf("A %.0f MAD discount is already applied", t.DiscountAmount))
	}
	if t.MonthlyPayment != nil {
		points = append(points, fmt.Sprintf("About %.0f MAD per month over %d months", *t.MonthlyPayment, financingMonths))
	}
	if len(points) == 0 {
		points = append(points, "Full dealer warranty included")
	}
	return points
}

func marketingMessage(req Request, t domain.Terms, repairs []string) string {
	msg := fmt.Sprintf("Round %d offer: %.0f MAD paid by %s, including a %.0f MAD discount.",
		req.Round, t.OfferPrice, t.PaymentMethod, t.DiscountAmount)
	if len(repairs) > 0 {
		msg = fmt.Sprintf("We adjusted the deal so it can be approved (%s). %s", strings.Join(repairs, ", "), msg)
	}
	return msg
}

func roundDown(v float64) float64 {
	return math.Floor(v/100) * 100
}
