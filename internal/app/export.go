package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"otcdesk/internal/store"
)

// Export renders the price-check audit trail as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	st, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if st == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	checks, err := st.ListPriceChecksBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(checks) == 0 {
		a.Logger.Info().Msg("no price checks found for export window")
		return nil
	}

	downsampled := downsampleChecks(checks, opts.MaxPoints)
	a.Logger.Info().Int("total", len(checks)).Int("exported", len(downsampled)).Msg("exporting price checks")

	if opts.CSVPath != "" {
		if err := writeChecksCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeChecksPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleChecks(checks []store.PriceCheck, max int) []store.PriceCheck {
	if max <= 0 || len(checks) <= max {
		return checks
	}

	result := make([]store.PriceCheck, 0, max)
	step := float64(len(checks)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(checks) {
			idx = len(checks) - 1
		}
		result = append(result, checks[idx])
	}
	return result
}

func writeChecksCSV(path string, checks []store.PriceCheck) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"checked_at", "token_id", "chain", "context", "candidate_usd", "aggregated_usd", "divergence_pct", "threshold_pct", "valid", "warning"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, check := range checks {
		aggregated := ""
		if check.AggregatedUsd != nil {
			aggregated = check.AggregatedUsd.String()
		}
		divergence := ""
		if check.DivergencePct != nil {
			divergence = check.DivergencePct.String()
		}
		warning := ""
		if check.Warning != nil {
			warning = *check.Warning
		}
		record := []string{
			check.CheckedAt.Format(time.RFC3339),
			check.TokenID,
			string(check.Chain),
			check.Context,
			check.CandidateUsd.String(),
			aggregated,
			divergence,
			check.ThresholdPct.String(),
			boolString(check.Valid),
			warning,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeChecksPNG(path string, checks []store.PriceCheck) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(checks))
	candidate := make([]float64, len(checks))
	aggregated := make([]float64, len(checks))
	divergence := make([]float64, len(checks))

	for i, check := range checks {
		x[i] = check.CheckedAt
		candidate[i] = check.CandidateUsd.InexactFloat64()
		if check.AggregatedUsd != nil {
			aggregated[i] = check.AggregatedUsd.InexactFloat64()
		} else {
			aggregated[i] = candidate[i]
		}
		if check.DivergencePct != nil {
			divergence[i] = check.DivergencePct.InexactFloat64()
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (USD)",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Divergence (%)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Candidate",
				XValues: x,
				YValues: candidate,
			},
			chart.TimeSeries{
				Name:    "Aggregated",
				XValues: x,
				YValues: aggregated,
			},
			chart.TimeSeries{
				Name:    "Divergence %",
				XValues: x,
				YValues: divergence,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
