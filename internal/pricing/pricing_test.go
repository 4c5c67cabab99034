package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type stubVenue struct {
	name  string
	pools []Pool
	err   error
	calls int
}

func (s *stubVenue) Protocol() string { return s.name }

func (s *stubVenue) Pools(ctx context.Context, tokenID string, chain domain.Chain) ([]Pool, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.pools, nil
}

func TestFindBestPoolPicksHighestTVL(t *testing.T) {
	venue := &stubVenue{name: "dexscreener", pools: []Pool{
		{Protocol: "uniswap-v2", TVLUsd: decimal.NewFromInt(80_000), PriceUsd: decimal.NewFromFloat(1.01)},
		{Protocol: "uniswap-v3", TVLUsd: decimal.NewFromInt(250_000), PriceUsd: decimal.NewFromFloat(0.99)},
		{Protocol: "sushiswap", TVLUsd: decimal.NewFromInt(120_000), PriceUsd: decimal.NewFromFloat(1.00)},
	}}
	d := NewDiscovery([]VenueReader{venue}, DiscoveryOptions{MinTVLUsd: decimal.NewFromInt(50_000)}, noopLogger())

	pool, ok, err := d.FindBestPool(context.Background(), "0xabc", domain.ChainEVM)
	if err != nil || !ok {
		t.Fatalf("unexpected result: ok=%v err=%v", ok, err)
	}
	if pool.Protocol != "uniswap-v3" {
		t.Fatalf("expected the deepest pool, got %s", pool.Protocol)
	}
}

func TestFindBestPoolAppliesLiquidityFloor(t *testing.T) {
	venue := &stubVenue{name: "dexscreener", pools: []Pool{
		{Protocol: "uniswap-v2", TVLUsd: decimal.NewFromInt(10_000), PriceUsd: decimal.NewFromFloat(5)},
	}}
	d := NewDiscovery([]VenueReader{venue}, DiscoveryOptions{MinTVLUsd: decimal.NewFromInt(50_000)}, noopLogger())

	_, ok, err := d.FindBestPool(context.Background(), "0xabc", domain.ChainEVM)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("pool below the liquidity floor must not qualify")
	}
}

func TestFindBestPoolSkipsFailingVenue(t *testing.T) {
	broken := &stubVenue{name: "broken", err: errors.New("rpc down")}
	healthy := &stubVenue{name: "dexscreener", pools: []Pool{
		{Protocol: "uniswap-v2", TVLUsd: decimal.NewFromInt(90_000), PriceUsd: decimal.NewFromFloat(2)},
	}}
	d := NewDiscovery([]VenueReader{broken, healthy}, DiscoveryOptions{MinTVLUsd: decimal.NewFromInt(50_000)}, noopLogger())

	pool, ok, err := d.FindBestPool(context.Background(), "0xabc", domain.ChainEVM)
	if err != nil || !ok {
		t.Fatalf("one broken venue must not blind discovery: ok=%v err=%v", ok, err)
	}
	if pool.PriceUsd.Cmp(decimal.NewFromInt(2)) != 0 {
		t.Fatalf("expected price 2, got %s", pool.PriceUsd)
	}
}

func TestFindBestPoolCachesWithinTTL(t *testing.T) {
	venue := &stubVenue{name: "dexscreener", pools: []Pool{
		{Protocol: "uniswap-v2", TVLUsd: decimal.NewFromInt(90_000), PriceUsd: decimal.NewFromFloat(2)},
	}}
	d := NewDiscovery([]VenueReader{venue}, DiscoveryOptions{MinTVLUsd: decimal.NewFromInt(50_000), CacheTTL: time.Minute}, noopLogger())

	for i := 0; i < 3; i++ {
		if _, ok, err := d.FindBestPool(context.Background(), "0xabc", domain.ChainEVM); err != nil || !ok {
			t.Fatalf("lookup %d failed: ok=%v err=%v", i, ok, err)
		}
	}
	if venue.calls != 1 {
		t.Fatalf("expected a single venue query within the TTL, got %d", venue.calls)
	}
}

func TestFindBestPoolCachesAbsence(t *testing.T) {
	venue := &stubVenue{name: "dexscreener"}
	d := NewDiscovery([]VenueReader{venue}, DiscoveryOptions{CacheTTL: time.Minute}, noopLogger())

	for i := 0; i < 2; i++ {
		if _, ok, err := d.FindBestPool(context.Background(), "0xabc", domain.ChainEVM); err != nil || ok {
			t.Fatalf("lookup %d: expected no pool, got ok=%v err=%v", i, ok, err)
		}
	}
	if venue.calls != 1 {
		t.Fatalf("absence should be cached too, got %d queries", venue.calls)
	}
}

func TestPoolSourceAnswersFromBestPool(t *testing.T) {
	venue := &stubVenue{name: "dexscreener", pools: []Pool{
		{Protocol: "uniswap-v2", TVLUsd: decimal.NewFromInt(90_000), PriceUsd: decimal.NewFromFloat(3.5)},
	}}
	d := NewDiscovery([]VenueReader{venue}, DiscoveryOptions{MinTVLUsd: decimal.NewFromInt(50_000)}, noopLogger())
	src := NewPoolSource(d)

	price, ok, err := src.GetUSDPrice(context.Background(), "0xabc", domain.ChainEVM)
	if err != nil || !ok {
		t.Fatalf("unexpected result: ok=%v err=%v", ok, err)
	}
	if price.Cmp(decimal.NewFromFloat(3.5)) != 0 {
		t.Fatalf("expected price 3.5, got %s", price)
	}
}
