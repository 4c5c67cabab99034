package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"otcdesk/internal/domain"
)

// Reconcile audits cached deal state against ledger truth from the CLI,
// either one offer or every active record.
func (a *App) Reconcile(ctx context.Context, opts ReconcileOptions) error {
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
	reconciler := a.newReconciler(ledgers, st)

	var outcomes []domain.ReconciliationOutcome
	if opts.All {
		outcomes, err = reconciler.ReconcileAllActive(ctx)
	} else {
		chain := domain.Chain(opts.Chain)
		if !domain.KnownChain(chain) {
			return fmt.Errorf("unknown chain %q", opts.Chain)
		}
		var outcome domain.ReconciliationOutcome
		outcome, err = reconciler.ReconcileOne(ctx, chain, opts.OfferID)
		outcomes = []domain.ReconciliationOutcome{outcome}
	}
	if err != nil {
		return err
	}

	if len(outcomes) == 0 {
		fmt.Fprintln(os.Stdout, "nothing to reconcile")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Record\tChain\tLocal\tLedger\tCorrected")
	corrected := 0
	for _, outcome := range outcomes {
		if outcome.Corrected {
			corrected++
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\n",
			outcome.RecordID, outcome.Chain, outcome.LocalStatus, outcome.LedgerStatus, outcome.Corrected)
	}
	writer.Flush()

	fmt.Fprintf(os.Stdout, "audited %d record(s), corrected %d\n", len(outcomes), corrected)
	return nil
}
