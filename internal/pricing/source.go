package pricing

import (
	"context"

	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
)

// PoolSource adapts pool discovery into a price source: the best pool's spot
// price stands in for an aggregated quote when no aggregator tracks the token.
type PoolSource struct {
	discovery *Discovery
}

// NewPoolSource wraps a Discovery.
func NewPoolSource(discovery *Discovery) *PoolSource {
	return &PoolSource{discovery: discovery}
}

// GetUSDPrice returns the best qualifying pool's price, or ok=false when no
// venue has sufficient liquidity.
func (p *PoolSource) GetUSDPrice(ctx context.Context, tokenID string, chain domain.Chain) (decimal.Decimal, bool, error) {
	pool, ok, err := p.discovery.FindBestPool(ctx, tokenID, chain)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	return pool.PriceUsd, true, nil
}
