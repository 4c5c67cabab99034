package app

import (
	"context"
	"fmt"
	"os"

	"otcdesk/internal/domain"
)

// CheckPrice runs a one-off price protection check: pool discovery plus the
// divergence check, printed without touching any deal state.
func (a *App) CheckPrice(ctx context.Context, opts CheckPriceOptions) error {
	chain := domain.Chain(opts.Chain)
	if !domain.KnownChain(chain) {
		return fmt.Errorf("unknown chain %q", opts.Chain)
	}

	discovery := a.newDiscovery()
	checker := a.newPriceChecker(discovery)

	pool, found, err := discovery.FindBestPool(ctx, opts.TokenID, chain)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("pool discovery failed")
	}
	if found {
		fmt.Fprintf(os.Stdout, "best pool: %s (TVL $%s, price $%s)\n",
			pool.Protocol, pool.TVLUsd.StringFixed(0), pool.PriceUsd.StringFixed(6))
	} else {
		fmt.Fprintln(os.Stdout, "best pool: none above liquidity floor")
	}

	result, err := checker.CheckPriceDivergence(ctx, opts.TokenID, chain, opts.CandidateUSD, opts.ThresholdPct)
	if err != nil {
		return err
	}

	if result.AggregatedPrice != nil {
		fmt.Fprintf(os.Stdout, "aggregated price: $%s\n", result.AggregatedPrice.StringFixed(6))
	} else {
		fmt.Fprintln(os.Stdout, "aggregated price: unavailable")
	}
	if result.DivergencePct != nil {
		fmt.Fprintf(os.Stdout, "divergence: %s%%\n", result.DivergencePct.StringFixed(4))
	}
	if result.Warning != "" {
		fmt.Fprintf(os.Stdout, "warning: %s\n", result.Warning)
	}
	fmt.Fprintf(os.Stdout, "valid: %t\n", result.Valid)
	return nil
}
