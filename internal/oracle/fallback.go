package oracle

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
)

// FallbackSource consults sources in order and returns the first answer.
// A source error is logged and the next source tried; only when every source
// fails does the lookup return an error.
type FallbackSource struct {
	sources []PriceSource
	logger  zerolog.Logger
}

// NewFallbackSource chains price sources by priority.
func NewFallbackSource(logger zerolog.Logger, sources ...PriceSource) *FallbackSource {
	return &FallbackSource{
		sources: sources,
		logger:  logger.With().Str("component", "price_source").Logger(),
	}
}

// GetUSDPrice implements PriceSource.
func (f *FallbackSource) GetUSDPrice(ctx context.Context, tokenID string, chain domain.Chain) (decimal.Decimal, bool, error) {
	var lastErr error
	for _, source := range f.sources {
		price, ok, err := source.GetUSDPrice(ctx, tokenID, chain)
		if err != nil {
			lastErr = err
			f.logger.Warn().Err(err).Str("token", tokenID).Msg("price source failed, trying next")
			continue
		}
		if ok {
			return price, true, nil
		}
	}
	if lastErr != nil {
		return decimal.Zero, false, lastErr
	}
	return decimal.Zero, false, nil
}

var _ PriceSource = (*FallbackSource)(nil)
