// Package profile folds partial client profile extractions and grades credit risk.
package profile

import (
	"strings"

	"dealdesk/internal/domain"
)

const (
	RiskLow    = "Low"
	RiskMedium = "Medium"
	RiskHigh   = "High"
)

// Merge applies deltas in order; for every field the newest non-nil value wins.
func Merge(base domain.UserProfile, deltas ...domain.ProfileDelta) domain.UserProfile {
	out := base
	if base.TradeIn != nil {
		t := *base.TradeIn
		out.TradeIn = &t
	}
	for _, d := range deltas {
		setString(&out.Name, d.Name)
		setFloat(&out.MonthlyIncome, d.MonthlyIncome)
		setFloat(&out.MonthlyDebt, d.MonthlyDebt)
		setFloat(&out.Budget, d.Budget)
		setString(&out.FinancingPreference, d.FinancingPreference)
		setString(&out.ContractType, d.ContractType)
		setString(&out.RiskLevel, d.RiskLevel)
		setString(&out.DesiredModel, d.DesiredModel)
		if d.Blacklisted != nil {
			out.Blacklisted = *d.Blacklisted
		}
		if d.BankSeniorityMonths != nil {
			out.BankSeniorityMonths = *d.BankSeniorityMonths
		}
		if d.TradeIn != nil {
			out.TradeIn = mergeTradeIn(out.TradeIn, *d.TradeIn)
		}
	}
	return out
}

func mergeTradeIn(cur *domain.TradeIn, d domain.TradeInDelta) *domain.TradeIn {
	var t domain.TradeIn
	if cur != nil {
		t = *cur
	}
	setString(&t.Model, d.Model)
	setString(&t.Condition, d.Condition)
	setFloat(&t.Mileage, d.Mileage)
	if d.Year != nil {
		y := *d.Year
		t.Year = &y
	}
	return &t
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

// AssessRisk grades a profile from its debt-to-income ratio, blacklist flag, contract
// stability and bank seniority.
func AssessRisk(p domain.UserProfile) string {
	if p.Blacklisted || p.MonthlyIncome <= 0 {
		return RiskHigh
	}
	dti := p.MonthlyDebt / p.MonthlyIncome
	risk := RiskHigh
	switch {
	case dti <= 0.33:
		risk = RiskLow
	case dti <= 0.45:
		risk = RiskMedium
	}
	if risk == RiskLow && (precarious(p.ContractType) || p.BankSeniorityMonths < 6) {
		risk = RiskMedium
	}
	return risk
}

func precarious(contract string) bool {
	switch strings.ToLower(strings.TrimSpace(contract)) {
	case "cdd", "freelance", "interim", "intérim", "temporary":
		return true
	}
	return false
}
