// Package policy decides whether negotiated terms may be finalized.
//
// Rules run in a fixed order and each one writes exactly one audit line. Only a concrete
// breach produces a violation; missing or malformed inputs degrade to warnings.
package policy

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"dealdesk/internal/config"
	"dealdesk/internal/domain"
)

const (
	RuleMargin       = "margin"
	RuleTradeInAge   = "trade_in_age"
	RuleRiskPayment  = "risk_payment"
	RulePriceSanity  = "price_sanity"
	riskHigh         = "high"
	riskMedium       = "medium"
	riskLow          = "low"
	methodCash       = "cash"
	methodFinancing  = "financing"
	methodUnknown    = ""
	levelPass        = "PASS"
	levelViolation   = "VIOLATION"
	levelWarning     = "WARNING"
	levelInformation = "INFO"
)

type Engine struct {
	Rules config.Policy
	Now   func() time.Time
}

func New(rules config.Policy) Engine {
	return Engine{Rules: rules}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

type result struct {
	v domain.BusinessValidation
}

func (r *result) add(level, rule, format string, args ...any) {
	line := fmt.Sprintf("%s %s: %s", level, rule, fmt.Sprintf(format, args...))
	r.v.AuditTrail = append(r.v.AuditTrail, line)
	switch level {
	case levelViolation:
		r.v.Violations = append(r.v.Violations, fmt.Sprintf("%s: %s", rule, fmt.Sprintf(format, args...)))
	case levelWarning:
		r.v.Warnings = append(r.v.Warnings, fmt.Sprintf("%s: %s", rule, fmt.Sprintf(format, args...)))
	}
}

// Validate runs every rule against the terms. market may be nil.
func (e Engine) Validate(terms domain.Terms, profile domain.UserProfile, market *domain.MarketData) domain.BusinessValidation {
	r := &result{v: domain.BusinessValidation{
		Violations: []string{},
		Warnings:   []string{},
		AuditTrail: []string{},
	}}
	e.checkMargin(r, terms, market)
	e.checkTradeInAge(r, terms, profile)
	e.checkRiskPayment(r, terms, profile)
	e.checkPriceSanity(r, terms)

	r.v.IsApproved = len(r.v.Violations) == 0
	if r.v.IsApproved {
		r.v.ConfidenceScore = 1.0
	}
	return r.v
}

func (e Engine) checkMargin(r *result, terms domain.Terms, market *domain.MarketData) {
	var ref float64
	if market != nil {
		ref = market.ReferencePrice
	}
	discount := terms.DiscountAmount
	if !finite(discount) {
		r.add(levelWarning, RuleMargin, "discount amount is not a finite number; margin not checked")
		return
	}
	if !finite(ref) || ref <= 0 {
		r.add(levelWarning, RuleMargin, "no market reference price; margin not checked")
		return
	}
	if discount < 0 {
		r.add(levelWarning, RuleMargin, "negative discount %.2f treated as no discount", discount)
		return
	}
	pct := discount * 100 / ref
	if pct > e.Rules.MaxDiscountPercent {
		r.add(levelViolation, RuleMargin, "discount %.0f is %.2f%% of reference %.0f, above the %.2f%% ceiling",
			discount, pct, ref, e.Rules.MaxDiscountPercent)
		return
	}
	r.add(levelPass, RuleMargin, "discount %.0f is %.2f%% of reference %.0f", discount, pct, ref)
}

func (e Engine) checkTradeInAge(r *result, terms domain.Terms, profile domain.UserProfile) {
	if terms.TradeInExcluded {
		r.add(levelInformation, RuleTradeInAge, "trade-in excluded from this offer")
		return
	}
	candidates := []struct {
		origin string
		year   *domain.LooseNumber
	}{{"offer", terms.TradeInYear}}
	if profile.TradeIn != nil {
		candidates = append(candidates, struct {
			origin string
			year   *domain.LooseNumber
		}{"profile", profile.TradeIn.Year})
	}
	var malformed []string
	for _, c := range candidates {
		if c.year == nil || (!c.year.Valid && strings.TrimSpace(c.year.Raw) == "") {
			continue
		}
		year, err := c.year.Int()
		if err != nil {
			malformed = append(malformed, fmt.Sprintf("%s year %q unreadable", c.origin, c.year.Raw))
			continue
		}
		current := e.now().Year()
		switch {
		case year < e.Rules.MinTradeInYear:
			r.add(levelViolation, RuleTradeInAge, "trade-in year %d is older than %d", year, e.Rules.MinTradeInYear)
		case year > current:
			r.add(levelViolation, RuleTradeInAge, "trade-in year %d is after the current year %d", year, current)
		default:
			r.add(levelPass, RuleTradeInAge, "trade-in year %d within [%d, %d]", year, e.Rules.MinTradeInYear, current)
		}
		return
	}
	if len(malformed) > 0 {
		r.add(levelWarning, RuleTradeInAge, "%s; age not checked", strings.Join(malformed, ", "))
		return
	}
	r.add(levelInformation, RuleTradeInAge, "no trade-in year provided")
}

func (e Engine) checkRiskPayment(r *result, terms domain.Terms, profile domain.UserProfile) {
	risk := NormalizeRisk(profile.RiskLevel)
	if risk == "" {
		r.add(levelInformation, RuleRiskPayment, "risk level not assessed; payment unrestricted")
		return
	}
	if risk != riskHigh {
		r.add(levelPass, RuleRiskPayment, "risk %s; payment method unrestricted", risk)
		return
	}
	switch e.PaymentClass(terms.PaymentMethod) {
	case methodCash:
		r.add(levelPass, RuleRiskPayment, "high risk paying %q", terms.PaymentMethod)
	case methodFinancing:
		r.add(levelViolation, RuleRiskPayment, "high risk profile cannot use %q; cash payment required", terms.PaymentMethod)
	default:
		r.add(levelWarning, RuleRiskPayment, "high risk profile with unrecognized payment method %q", terms.PaymentMethod)
	}
}

func (e Engine) checkPriceSanity(r *result, terms domain.Terms) {
	price := terms.OfferPrice
	switch {
	case !finite(price):
		r.add(levelWarning, RulePriceSanity, "offer price is not a finite number")
	case price < e.Rules.PriceFloor || price > e.Rules.PriceCeiling:
		r.add(levelWarning, RulePriceSanity, "price %.0f outside plausible range [%.0f, %.0f]; flag for review",
			price, e.Rules.PriceFloor, e.Rules.PriceCeiling)
	default:
		r.add(levelPass, RulePriceSanity, "price %.0f within plausible range", price)
	}
}

// NormalizeRisk maps localized risk labels to low, medium or high. Unknown labels yield "".
func NormalizeRisk(level string) string {
	switch fold(level) {
	case "high", "high risk", "eleve", "haut", "fort", "risque eleve":
		return riskHigh
	case "medium", "moderate", "moyen", "modere", "risque moyen":
		return riskMedium
	case "low", "low risk", "faible", "bas", "risque faible":
		return riskLow
	}
	return ""
}

// PaymentClass returns "cash", "financing" or "" for an unrecognized method.
func (e Engine) PaymentClass(method string) string {
	words := strings.FieldsFunc(fold(method), func(r rune) bool { return !unicode.IsLetter(r) })
	if len(words) == 0 {
		return methodUnknown
	}
	// Financing wins when a method mentions both, e.g. "credit with cash deposit".
	for _, w := range words {
		if contains(e.Rules.FinancingMethods, w) {
			return methodFinancing
		}
	}
	for _, w := range words {
		if contains(e.Rules.CashMethods, w) {
			return methodCash
		}
	}
	return methodUnknown
}

func contains(list []string, word string) bool {
	for _, item := range list {
		if fold(item) == word {
			return true
		}
	}
	return false
}

var accents = strings.NewReplacer(
	"é", "e", "è", "e", "ê", "e", "ë", "e",
	"à", "a", "â", "a", "ä", "a",
	"î", "i", "ï", "i", "ô", "o", "ö", "o",
	"ù", "u", "û", "u", "ü", "u", "ç", "c",
)

func fold(s string) string {
	return accents.Replace(strings.ToLower(strings.TrimSpace(s)))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// IsFinancing reports whether the method is a credit or leasing product.
func (e Engine) IsFinancing(method string) bool {
	return e.PaymentClass(method) == methodFinancing
}
