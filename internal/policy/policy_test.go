package policy

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"dealdesk/internal/config"
	"dealdesk/internal/domain"
)

func testEngine() Engine {
	e := New(config.Default().Policy)
	e.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func reference(price float64) *domain.MarketData {
	return &domain.MarketData{ReferencePrice: price}
}

func terms(price, discount float64, method string, year *domain.LooseNumber) domain.Terms {
	return domain.Terms{OfferPrice: price, DiscountAmount: discount, PaymentMethod: method, TradeInYear: year}
}

func hasPrefix(lines []string, prefix string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

func TestScenarioAApproved(t *testing.T) {
	v := testEngine().Validate(terms(150000, 20000, "Cash", domain.Num(2018)), domain.UserProfile{RiskLevel: "low"}, reference(170000))
	if !v.IsApproved || len(v.Violations) != 0 {
		t.Fatalf("expected approval, got %+v", v)
	}
	if v.ConfidenceScore != 1.0 {
		t.Fatalf("expected confidence 1.0, got %v", v.ConfidenceScore)
	}
	if len(v.AuditTrail) != 4 {
		t.Fatalf("expected one audit line per rule, got %v", v.AuditTrail)
	}
}

func TestScenarioBTwoViolations(t *testing.T) {
	v := testEngine().Validate(terms(135000, 35000, "Financing", domain.Num(2008)), domain.UserProfile{RiskLevel: "medium"}, reference(170000))
	if v.IsApproved {
		t.Fatalf("expected rejection")
	}
	if len(v.Violations) != 2 {
		t.Fatalf("expected 2 violations, got %v", v.Violations)
	}
	if !strings.HasPrefix(v.Violations[0], RuleMargin) || !strings.HasPrefix(v.Violations[1], RuleTradeInAge) {
		t.Fatalf("violations out of rule order: %v", v.Violations)
	}
	if v.ConfidenceScore != 0 {
		t.Fatalf("expected confidence 0, got %v", v.ConfidenceScore)
	}
}

func TestScenarioCMissingMarketWarns(t *testing.T) {
	v := testEngine().Validate(terms(150000, 90000, "cash", domain.Num(2019)), domain.UserProfile{RiskLevel: "low"}, &domain.MarketData{})
	if !v.IsApproved || len(v.Violations) != 0 {
		t.Fatalf("missing market data must not block: %+v", v)
	}
	if len(v.Warnings) == 0 || !hasPrefix(v.AuditTrail, "WARNING margin") {
		t.Fatalf("expected margin warning, got %v", v.AuditTrail)
	}
	if v2 := testEngine().Validate(terms(150000, 90000, "cash", nil), domain.UserProfile{}, nil); !v2.IsApproved {
		t.Fatalf("nil market must not block: %+v", v2)
	}
}

func TestScenarioDHighRiskFinancing(t *testing.T) {
	v := testEngine().Validate(terms(160000, 10000, "financing", nil), domain.UserProfile{RiskLevel: "high"}, reference(170000))
	if v.IsApproved || len(v.Violations) != 1 || !strings.HasPrefix(v.Violations[0], RuleRiskPayment) {
		t.Fatalf("expected single risk violation, got %+v", v)
	}
}

func TestMarginBoundary(t *testing.T) {
	e := testEngine()
	atCeiling := e.Validate(terms(150000, 15000, "cash", nil), domain.UserProfile{}, reference(100000))
	if !atCeiling.IsApproved {
		t.Fatalf("15%% exactly should pass: %v", atCeiling.Violations)
	}
	above := e.Validate(terms(150000, 15001, "cash", nil), domain.UserProfile{}, reference(100000))
	if above.IsApproved {
		t.Fatalf("above 15%% must fail")
	}
}

func TestTradeInYearBounds(t *testing.T) {
	e := testEngine()
	for y := 2010; y <= 2025; y++ {
		v := e.Validate(terms(150000, 0, "cash", domain.Num(float64(y))), domain.UserProfile{}, nil)
		if !v.IsApproved {
			t.Fatalf("year %d should pass: %v", y, v.Violations)
		}
	}
	for _, y := range []float64{2009, 1995, 2026} {
		v := e.Validate(terms(150000, 0, "cash", domain.Num(y)), domain.UserProfile{}, nil)
		if v.IsApproved {
			t.Fatalf("year %v should fail", y)
		}
	}
	v := e.Validate(terms(150000, 0, "cash", nil), domain.UserProfile{}, nil)
	if !v.IsApproved || !hasPrefix(v.AuditTrail, "INFO trade_in_age") {
		t.Fatalf("absent year should be informational: %v", v.AuditTrail)
	}
}

func TestTradeInYearFallsBackToProfile(t *testing.T) {
	profile := domain.UserProfile{TradeIn: &domain.TradeIn{Model: "Clio", Year: domain.Num(2005)}}
	v := testEngine().Validate(terms(150000, 0, "cash", nil), profile, nil)
	if v.IsApproved {
		t.Fatalf("profile trade-in year should be checked")
	}
	v = testEngine().Validate(terms(150000, 0, "cash", domain.Num(2020)), profile, nil)
	if !v.IsApproved {
		t.Fatalf("offer year takes precedence over profile: %v", v.Violations)
	}
	excluded := terms(150000, 0, "cash", nil)
	excluded.TradeInExcluded = true
	if v := testEngine().Validate(excluded, profile, nil); !v.IsApproved {
		t.Fatalf("excluded trade-in should pass: %v", v.Violations)
	}
}

func TestMalformedYearIsWarning(t *testing.T) {
	bad := &domain.LooseNumber{Raw: "vingt"}
	v := testEngine().Validate(terms(150000, 0, "cash", bad), domain.UserProfile{}, nil)
	if !v.IsApproved {
		t.Fatalf("malformed year must not block: %v", v.Violations)
	}
	if !hasPrefix(v.AuditTrail, "WARNING trade_in_age") {
		t.Fatalf("expected warning line, got %v", v.AuditTrail)
	}
}

func TestRiskPaymentLocalized(t *testing.T) {
	e := testEngine()
	cases := []struct {
		risk, method string
		approved     bool
	}{
		{"HIGH", "Crédit auto", false},
		{"élevé", "LLD", false},
		{"High", "Espèces", true},
		{"high", "comptant", true},
		{"Faible", "financement", true},
		{"medium", "leasing", true},
	}
	for _, c := range cases {
		v := e.Validate(terms(150000, 0, c.method, nil), domain.UserProfile{RiskLevel: c.risk}, nil)
		if v.IsApproved != c.approved {
			t.Fatalf("risk %q method %q: approved=%v, want %v (%v)", c.risk, c.method, v.IsApproved, c.approved, v.AuditTrail)
		}
	}
	v := e.Validate(terms(150000, 0, "barter", nil), domain.UserProfile{RiskLevel: "high"}, nil)
	if !v.IsApproved || len(v.Warnings) == 0 {
		t.Fatalf("unknown method should warn only: %+v", v)
	}
}

func TestPriceSanityWarnsOnly(t *testing.T) {
	v := testEngine().Validate(terms(999, 0, "cash", nil), domain.UserProfile{}, nil)
	if !v.IsApproved || !hasPrefix(v.AuditTrail, "WARNING price_sanity") {
		t.Fatalf("out-of-range price should warn: %+v", v)
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	e := testEngine()
	in := terms(135000, 35000, "financing", domain.Num(2008))
	profile := domain.UserProfile{RiskLevel: "high"}
	a := e.Validate(in, profile, reference(170000))
	b := e.Validate(in, profile, reference(170000))
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("validation not deterministic:\n%+v\n%+v", a, b)
	}
}
