package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type stubSource struct {
	price decimal.Decimal
	ok    bool
	err   error
	calls int
}

func (s *stubSource) GetUSDPrice(ctx context.Context, tokenID string, chain domain.Chain) (decimal.Decimal, bool, error) {
	s.calls++
	return s.price, s.ok, s.err
}

func TestCheckPriceDivergenceWithinThreshold(t *testing.T) {
	source := &stubSource{price: decimal.NewFromInt(100), ok: true}
	svc := NewService(source, ServiceOptions{}, noopLogger())

	res, err := svc.CheckPriceDivergence(context.Background(), "0xabc", domain.ChainEVM, decimal.NewFromInt(102), decimal.NewFromInt(5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Valid {
		t.Fatal("2% divergence should pass a 5% threshold")
	}
	if res.DivergencePct == nil || res.DivergencePct.Cmp(decimal.NewFromInt(2)) != 0 {
		t.Fatalf("expected divergence 2%%, got %v", res.DivergencePct)
	}
}

func TestCheckPriceDivergenceExactMatch(t *testing.T) {
	source := &stubSource{price: decimal.NewFromFloat(1.25), ok: true}
	svc := NewService(source, ServiceOptions{}, noopLogger())

	res, err := svc.CheckPriceDivergence(context.Background(), "0xabc", domain.ChainEVM, decimal.NewFromFloat(1.25), decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Valid {
		t.Fatal("identical prices must pass")
	}
	if res.DivergencePct == nil || !res.DivergencePct.IsZero() {
		t.Fatalf("expected zero divergence, got %v", res.DivergencePct)
	}
}

func TestCheckPriceDivergenceRejectsOutsideThreshold(t *testing.T) {
	source := &stubSource{price: decimal.NewFromInt(50), ok: true}
	svc := NewService(source, ServiceOptions{}, noopLogger())

	res, err := svc.CheckPriceDivergence(context.Background(), "0xabc", domain.ChainEVM, decimal.NewFromInt(100), decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Valid {
		t.Fatal("100% divergence should fail a 10% threshold")
	}
	if res.DivergencePct == nil || res.DivergencePct.Cmp(decimal.NewFromInt(100)) != 0 {
		t.Fatalf("expected divergence 100%%, got %v", res.DivergencePct)
	}
	if res.Warning == "" {
		t.Fatal("rejected check should carry a warning")
	}
}

func TestCheckPriceDivergenceAtThresholdRejects(t *testing.T) {
	source := &stubSource{price: decimal.NewFromInt(100), ok: true}
	svc := NewService(source, ServiceOptions{}, noopLogger())

	res, err := svc.CheckPriceDivergence(context.Background(), "0xabc", domain.ChainEVM, decimal.NewFromInt(110), decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Valid {
		t.Fatal("divergence equal to the threshold must reject")
	}
}

func TestCheckPriceDivergenceFailOpen(t *testing.T) {
	source := &stubSource{ok: false}
	svc := NewService(source, ServiceOptions{FailOpen: true}, noopLogger())

	res, err := svc.CheckPriceDivergence(context.Background(), "0xabc", domain.ChainEVM, decimal.NewFromInt(5), decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Valid {
		t.Fatal("untracked token should pass when fail-open is enabled")
	}
	if res.AggregatedPrice != nil {
		t.Fatal("fail-open pass must not report an aggregated price")
	}
}

func TestCheckPriceDivergenceFailClosed(t *testing.T) {
	source := &stubSource{err: errors.New("aggregator down")}
	svc := NewService(source, ServiceOptions{FailOpen: false}, noopLogger())

	res, err := svc.CheckPriceDivergence(context.Background(), "0xabc", domain.ChainEVM, decimal.NewFromInt(5), decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Valid {
		t.Fatal("source failure must reject when fail-open is disabled")
	}
	if res.Warning == "" {
		t.Fatal("fail-closed rejection should explain itself")
	}
}

func TestCheckPriceDivergenceRejectsNonPositiveCandidate(t *testing.T) {
	svc := NewService(&stubSource{}, ServiceOptions{}, noopLogger())

	_, err := svc.CheckPriceDivergence(context.Background(), "0xabc", domain.ChainEVM, decimal.Zero, decimal.Zero)
	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFallbackSourcePrefersFirstAnswer(t *testing.T) {
	primary := &stubSource{price: decimal.NewFromInt(7), ok: true}
	secondary := &stubSource{price: decimal.NewFromInt(9), ok: true}
	fb := NewFallbackSource(noopLogger(), primary, secondary)

	price, ok, err := fb.GetUSDPrice(context.Background(), "0xabc", domain.ChainEVM)
	if err != nil || !ok {
		t.Fatalf("unexpected lookup result: ok=%v err=%v", ok, err)
	}
	if price.Cmp(decimal.NewFromInt(7)) != 0 {
		t.Fatalf("expected primary price 7, got %s", price)
	}
	if secondary.calls != 0 {
		t.Fatal("secondary source must not be consulted when the primary answers")
	}
}

func TestFallbackSourceSkipsFailingSource(t *testing.T) {
	primary := &stubSource{err: errors.New("rate limited")}
	secondary := &stubSource{price: decimal.NewFromInt(3), ok: true}
	fb := NewFallbackSource(noopLogger(), primary, secondary)

	price, ok, err := fb.GetUSDPrice(context.Background(), "0xabc", domain.ChainEVM)
	if err != nil || !ok {
		t.Fatalf("unexpected lookup result: ok=%v err=%v", ok, err)
	}
	if price.Cmp(decimal.NewFromInt(3)) != 0 {
		t.Fatalf("expected fallback price 3, got %s", price)
	}
}

func TestFallbackSourceReturnsLastError(t *testing.T) {
	primary := &stubSource{err: errors.New("rate limited")}
	secondary := &stubSource{err: errors.New("timeout")}
	fb := NewFallbackSource(noopLogger(), primary, secondary)

	_, ok, err := fb.GetUSDPrice(context.Background(), "0xabc", domain.ChainEVM)
	if ok {
		t.Fatal("no source answered")
	}
	if err == nil {
		t.Fatal("expected the last source error")
	}
}
