package oracle

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
)

// Result is the outcome of one divergence check. AggregatedPrice and
// DivergencePct are nil when no independent price was available.
type Result struct {
	Valid           bool
	AggregatedPrice *decimal.Decimal
	DivergencePct   *decimal.Decimal
	Warning         string
}

// Checker validates a candidate USD price against an independent market
// aggregate. A non-positive thresholdPct selects the service default.
type Checker interface {
	CheckPriceDivergence(ctx context.Context, tokenID string, chain domain.Chain, candidateUSD, thresholdPct decimal.Decimal) (Result, error)
}

// PriceSource looks up the aggregated USD price for a token. ok=false means
// the aggregator does not track the token; that is an answer, not an error.
type PriceSource interface {
	GetUSDPrice(ctx context.Context, tokenID string, chain domain.Chain) (decimal.Decimal, bool, error)
}

// DivergenceError converts an invalid Result into the error the settlement
// path surfaces.
func DivergenceError(tokenID string, candidate, threshold decimal.Decimal, res Result) error {
	var aggregated, divergence decimal.Decimal
	if res.AggregatedPrice != nil {
		aggregated = *res.AggregatedPrice
	}
	if res.DivergencePct != nil {
		divergence = *res.DivergencePct
	}
	return &domain.PriceDivergenceError{
		TokenID:       tokenID,
		CandidateUSD:  candidate,
		AggregatedUSD: aggregated,
		DivergencePct: divergence,
		ThresholdPct:  threshold,
	}
}

func divergencePercent(candidate, aggregated decimal.Decimal) decimal.Decimal {
	if aggregated.IsZero() {
		return decimal.Zero
	}
	return candidate.Sub(aggregated).Abs().Div(aggregated).Mul(decimal.NewFromInt(100))
}

func describeDeviation(candidate, aggregated, divergence decimal.Decimal) string {
	direction := "below"
	if candidate.GreaterThan(aggregated) {
		direction = "above"
	}
	return fmt.Sprintf("candidate price $%s deviates %s%% %s aggregated market price $%s",
		candidate.StringFixed(6), divergence.StringFixed(2), direction, aggregated.StringFixed(6))
}
