package oracle

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
)

// ServiceOptions tune the price protection service.
type ServiceOptions struct {
	// DefaultThresholdPct bounds divergence when the caller supplies none.
	DefaultThresholdPct decimal.Decimal
	// FailOpen permits settlement when no aggregated price is available.
	// This mirrors the desk's historical behavior for long-tail tokens;
	// closing it makes an untracked token unsettleable.
	FailOpen bool
}

// Service compares candidate prices against an independent aggregator.
type Service struct {
	source PriceSource
	opts   ServiceOptions
	logger zerolog.Logger
}

// NewService wires a price source into the protection service.
func NewService(source PriceSource, opts ServiceOptions, logger zerolog.Logger) *Service {
	if opts.DefaultThresholdPct.LessThanOrEqual(decimal.Zero) {
		opts.DefaultThresholdPct = decimal.NewFromInt(10)
	}
	return &Service{
		source: source,
		opts:   opts,
		logger: logger.With().Str("component", "price_protection").Logger(),
	}
}

// CheckPriceDivergence implements Checker. Aggregator silence follows the
// configured fail-open policy; an answered lookup is compared strictly.
func (s *Service) CheckPriceDivergence(ctx context.Context, tokenID string, chain domain.Chain, candidateUSD, thresholdPct decimal.Decimal) (Result, error) {
	if candidateUSD.LessThanOrEqual(decimal.Zero) {
		return Result{}, &domain.ValidationError{Field: "candidatePriceUsd", Reason: "must be positive"}
	}
	if thresholdPct.LessThanOrEqual(decimal.Zero) {
		thresholdPct = s.opts.DefaultThresholdPct
	}

	aggregated, ok, err := s.source.GetUSDPrice(ctx, tokenID, chain)
	if err != nil || !ok {
		if err != nil {
			s.logger.Warn().Err(err).Str("token", tokenID).Str("chain", string(chain)).Msg("aggregated price lookup failed")
		}
		if s.opts.FailOpen {
			// No independent opinion: permit, with nothing to report.
			return Result{Valid: true}, nil
		}
		return Result{Valid: false, Warning: "no aggregated price available and fail-open is disabled"}, nil
	}

	divergence := divergencePercent(candidateUSD, aggregated)
	result := Result{
		Valid:           divergence.LessThan(thresholdPct),
		AggregatedPrice: &aggregated,
		DivergencePct:   &divergence,
	}
	if !result.Valid {
		result.Warning = describeDeviation(candidateUSD, aggregated, divergence)
		s.logger.Warn().
			Str("token", tokenID).
			Str("chain", string(chain)).
			Str("candidate_usd", candidateUSD.String()).
			Str("aggregated_usd", aggregated.String()).
			Str("divergence_pct", divergence.StringFixed(4)).
			Str("threshold_pct", thresholdPct.String()).
			Msg("price divergence outside tolerance")
	}
	return result, nil
}

var _ Checker = (*Service)(nil)
