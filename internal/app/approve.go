package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"otcdesk/internal/domain"
)

// Approve drives one offer through approval and payment from the CLI.
func (a *App) Approve(ctx context.Context, opts ApproveOptions) error {
	chain := domain.Chain(opts.Chain)
	if !domain.KnownChain(chain) {
		return fmt.Errorf("unknown chain %q", opts.Chain)
	}

	st, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if st == nil {
		return errors.New("database.dsn must be configured")
	}
	defer closeStore()

	ledgers, err := a.newLedgers()
	if err != nil {
		return err
	}
	orchestrator := a.newOrchestrator(ledgers, st, a.newPriceChecker(a.newDiscovery()))

	offer, err := orchestrator.Approve(ctx, chain, opts.OfferID)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "offer %d on %s: %s\n", offer.ID, offer.Chain, offer.StatusString())
	if offer.Paid && offer.AmountPaid != nil {
		fmt.Fprintf(os.Stdout, "amount paid: %s (%s)\n", offer.AmountPaid.String(), offer.Currency)
	}
	return nil
}
