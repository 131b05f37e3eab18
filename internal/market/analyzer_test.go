package market

import (
	"context"
	"testing"

	"dealdesk/internal/config"
)

func testAnalyzer() Analyzer {
	return Analyzer{Config: config.Default().Market}
}

func TestAnalyzeScarceHighDemandModel(t *testing.T) {
	m, err := testAnalyzer().Analyze(context.Background(), "Clio", 200000)
	if err != nil {
		t.Fatal(err)
	}
	if m.ReferencePrice != 165000 || m.StockLevel != "critical" || m.DemandLevel != "high" {
		t.Fatalf("unexpected market data %+v", m)
	}
	if m.Leverage != 1 {
		t.Fatalf("leverage should clamp to 1, got %v", m.Leverage)
	}
	if m.PricePressure != "strong_upward" || m.Flexibility != "low" || m.Urgency != "urgent" {
		t.Fatalf("unexpected labels %+v", m)
	}
	if m.BudgetFit != "comfortable" {
		t.Fatalf("unexpected budget fit %s", m.BudgetFit)
	}
}

func TestAnalyzeOverstockedModel(t *testing.T) {
	m, err := testAnalyzer().Analyze(context.Background(), "208", 150000)
	if err != nil {
		t.Fatal(err)
	}
	if m.StockLevel != "high" || m.DemandLevel != "very_low" || m.Flexibility != "high" {
		t.Fatalf("unexpected labels %+v", m)
	}
	if m.Leverage != 0.4 || m.PricePressure != "stable" {
		t.Fatalf("unexpected leverage/pressure %+v", m)
	}
	if m.BudgetFit != "tight" {
		t.Fatalf("150000/175000 should be tight, got %s", m.BudgetFit)
	}
}

func TestAnalyzeOutOfStockAndUnknown(t *testing.T) {
	a := testAnalyzer()
	m, err := a.Analyze(context.Background(), "Tucson", 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.PricePressure != "undetermined" || m.BudgetFit != "undetermined" {
		t.Fatalf("unexpected labels %+v", m)
	}
	u, err := a.Analyze(context.Background(), "Lada Niva", 0)
	if err != nil {
		t.Fatal(err)
	}
	if u.ReferencePrice != 170000 || u.StockLevel != "medium" || u.Leverage != 0.5 {
		t.Fatalf("unknown model should be neutral, got %+v", u)
	}
}

func TestAnalyzeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := testAnalyzer().Analyze(ctx, "Clio", 0); err == nil {
		t.Fatalf("expected context error")
	}
}
