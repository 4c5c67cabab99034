package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent price-protection decisions.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	st, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if st == nil {
		return errors.New("database not configured; cannot show price checks")
	}
	defer closeStore()

	checks, err := st.ListRecentPriceChecks(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(checks) == 0 {
		fmt.Fprintln(os.Stdout, "no price checks found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tToken\tChain\tContext\tCandidate\tAggregated\tDivergence%\tValid\tWarning")

	for _, check := range checks {
		aggregated := "-"
		if check.AggregatedUsd != nil {
			aggregated = formatDecimal(*check.AggregatedUsd, 6)
		}
		divergence := "-"
		if check.DivergencePct != nil {
			divergence = formatDecimal(*check.DivergencePct, 3)
		}
		warning := ""
		if check.Warning != nil {
			warning = sanitizeInline(*check.Warning)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			check.CheckedAt.UTC().Format(time.RFC3339),
			check.TokenID,
			check.Chain,
			check.Context,
			formatDecimal(check.CandidateUsd, 6),
			aggregated,
			divergence,
			check.Valid,
			warning,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
