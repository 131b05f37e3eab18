package valuation

import (
	"context"
	"errors"
	"testing"
	"time"

	"dealdesk/internal/config"
	"dealdesk/internal/domain"
)

type fakeSource struct {
	prices []float64
	err    error
	calls  int
}

func (f *fakeSource) Listings(ctx context.Context, model string, year int, mileage float64) ([]float64, error) {
	f.calls++
	return f.prices, f.err
}

func testAppraiser(src Source) Appraiser {
	cfg := config.Default().Valuation
	cfg.ReferenceYear = 2026
	return Appraiser{
		Cache:  NewMemoryCache(16, time.Hour),
		Source: src,
		Config: cfg,
		Now:    func() time.Time { return time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC) },
	}
}

func tradeIn(model string, year, mileage float64) domain.TradeIn {
	return domain.TradeIn{Model: model, Year: domain.Num(year), Mileage: mileage}
}

func TestHeuristicFallback(t *testing.T) {
	a := testAppraiser(nil)
	v, err := a.Appraise(context.Background(), tradeIn("Clio", 2018, 80000))
	if err != nil {
		t.Fatal(err)
	}
	if v.Source != SourceHeuristic || v.EstimatedValue != 93300 {
		t.Fatalf("unexpected valuation %+v", v)
	}
	old, err := a.Appraise(context.Background(), tradeIn("Clio", 2000, 250000))
	if err != nil {
		t.Fatal(err)
	}
	if old.EstimatedValue != minimumValue {
		t.Fatalf("expected floor value, got %v", old.EstimatedValue)
	}
}

func TestCacheKeyedByMileageBucket(t *testing.T) {
	src := &fakeSource{err: errors.New("offline")}
	a := testAppraiser(src)
	ctx := context.Background()
	if _, err := a.Appraise(ctx, tradeIn("Clio", 2018, 80000)); err != nil {
		t.Fatal(err)
	}
	v, err := a.Appraise(ctx, tradeIn(" CLIO ", 2018, 85000))
	if err != nil {
		t.Fatal(err)
	}
	if v.Source != SourceCache {
		t.Fatalf("same bucket should hit cache, got %s", v.Source)
	}
	if src.calls != 1 {
		t.Fatalf("source should be called once, got %d", src.calls)
	}
	v, err = a.Appraise(ctx, tradeIn("Clio", 2018, 90000))
	if err != nil {
		t.Fatal(err)
	}
	if v.Source == SourceCache {
		t.Fatalf("next bucket should miss cache")
	}
}

func TestListingsAdjustedForMileage(t *testing.T) {
	a := testAppraiser(&fakeSource{prices: []float64{100000, 120000, 500}})
	v, err := a.Appraise(context.Background(), tradeIn("Duster", 2018, 80000))
	if err != nil {
		t.Fatal(err)
	}
	if v.Source != SourceListings || v.EstimatedValue != 114400 {
		t.Fatalf("unexpected valuation %+v", v)
	}
}

func TestAppraiseRejectsBadInput(t *testing.T) {
	a := testAppraiser(nil)
	if _, err := a.Appraise(context.Background(), domain.TradeIn{Model: "Clio", Year: &domain.LooseNumber{Raw: "old"}}); err == nil {
		t.Fatalf("expected error for malformed year")
	}
	if _, err := a.Appraise(context.Background(), tradeIn("", 2018, 0)); err == nil {
		t.Fatalf("expected error for missing model")
	}
}

func TestMemoryCacheExpires(t *testing.T) {
	c := NewMemoryCache(4, 20*time.Millisecond)
	ctx := context.Background()
	_ = c.Set(ctx, "k", domain.Valuation{EstimatedValue: 1})
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Fatalf("expected fresh hit")
	}
	time.Sleep(80 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatalf("expected expiry")
	}
}

func TestTieredBackfillsLocal(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryCache(4, time.Hour)
	shared := NewMemoryCache(4, time.Hour)
	_ = shared.Set(ctx, "k", domain.Valuation{EstimatedValue: 42})
	tc := Tiered{Local: local, Shared: shared}
	v, ok, err := tc.Get(ctx, "k")
	if err != nil || !ok || v.EstimatedValue != 42 {
		t.Fatalf("unexpected %v %v %v", v, ok, err)
	}
	if local.Len() != 1 {
		t.Fatalf("local tier not back-filled")
	}
}
