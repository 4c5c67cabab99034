package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
)

const (
	priceCheckColumns = `id, token_id, chain, check_context, candidate_usd,
        aggregated_usd, divergence_pct, threshold_pct, valid, warning, checked_at`

	insertPriceCheckSQL = `INSERT INTO price_checks (
        token_id, chain, check_context, candidate_usd,
        aggregated_usd, divergence_pct, threshold_pct, valid, warning, checked_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
    RETURNING id;`

	listRecentPriceChecksSQL = `SELECT ` + priceCheckColumns + ` FROM price_checks
    ORDER BY checked_at DESC LIMIT $1;`

	listPriceChecksBetweenSQL = `SELECT ` + priceCheckColumns + ` FROM price_checks
    WHERE checked_at >= $1 AND checked_at < $2 ORDER BY checked_at ASC;`
)

// InsertPriceCheck appends one price-protection decision to the audit trail
// and returns the stored row with its assigned id.
func (s *Store) InsertPriceCheck(ctx context.Context, check PriceCheck) (PriceCheck, error) {
	pool, err := s.getPool()
	if err != nil {
		return PriceCheck{}, err
	}

	var aggregated, divergence, warning interface{}
	if check.AggregatedUsd != nil {
		aggregated = check.AggregatedUsd.String()
	}
	if check.DivergencePct != nil {
		divergence = check.DivergencePct.String()
	}
	if check.Warning != nil {
		warning = *check.Warning
	}
	if check.CheckedAt.IsZero() {
		check.CheckedAt = time.Now().UTC()
	}

	scanErr := pool.QueryRow(ctx, insertPriceCheckSQL,
		check.TokenID,
		string(check.Chain),
		check.Context,
		check.CandidateUsd.String(),
		aggregated,
		divergence,
		check.ThresholdPct.String(),
		check.Valid,
		warning,
		check.CheckedAt,
	).Scan(&check.ID)
	if scanErr != nil {
		return PriceCheck{}, fmt.Errorf("insert price check: %w", scanErr)
	}
	return check, nil
}

// ListRecentPriceChecks returns up to limit checks, newest first.
func (s *Store) ListRecentPriceChecks(ctx context.Context, limit int) ([]PriceCheck, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, queryErr := pool.Query(ctx, listRecentPriceChecksSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list price checks: %w", queryErr)
	}
	defer rows.Close()

	return collectPriceChecks(rows)
}

// ListPriceChecksBetween returns all checks in [from, to), oldest first, for
// chart export.
func (s *Store) ListPriceChecksBetween(ctx context.Context, from, to time.Time) ([]PriceCheck, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPriceChecksBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list price checks: %w", queryErr)
	}
	defer rows.Close()

	return collectPriceChecks(rows)
}

func collectPriceChecks(rows pgx.Rows) ([]PriceCheck, error) {
	checks := make([]PriceCheck, 0)
	for rows.Next() {
		check, err := scanPriceCheck(rows)
		if err != nil {
			return nil, err
		}
		checks = append(checks, check)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return checks, nil
}

func scanPriceCheck(rows pgx.Rows) (PriceCheck, error) {
	var (
		id            int64
		tokenID       string
		chain         string
		checkContext  string
		candidateStr  string
		aggregatedStr sql.NullString
		divergenceStr sql.NullString
		thresholdStr  string
		valid         bool
		warning       sql.NullString
		checkedAt     time.Time
	)

	if err := rows.Scan(
		&id, &tokenID, &chain, &checkContext, &candidateStr,
		&aggregatedStr, &divergenceStr, &thresholdStr, &valid, &warning, &checkedAt,
	); err != nil {
		return PriceCheck{}, err
	}

	candidate, err := decimal.NewFromString(candidateStr)
	if err != nil {
		return PriceCheck{}, fmt.Errorf("parse candidate_usd: %w", err)
	}
	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return PriceCheck{}, fmt.Errorf("parse threshold_pct: %w", err)
	}

	check := PriceCheck{
		ID:           id,
		TokenID:      tokenID,
		Chain:        domain.Chain(chain),
		Context:      checkContext,
		CandidateUsd: candidate,
		ThresholdPct: threshold,
		Valid:        valid,
		CheckedAt:    checkedAt,
	}
	if aggregatedStr.Valid {
		aggregated, parseErr := decimal.NewFromString(aggregatedStr.String)
		if parseErr != nil {
			return PriceCheck{}, fmt.Errorf("parse aggregated_usd: %w", parseErr)
		}
		check.AggregatedUsd = &aggregated
	}
	if divergenceStr.Valid {
		divergence, parseErr := decimal.NewFromString(divergenceStr.String)
		if parseErr != nil {
			return PriceCheck{}, fmt.Errorf("parse divergence_pct: %w", parseErr)
		}
		check.DivergencePct = &divergence
	}
	if warning.Valid {
		check.Warning = &warning.String
	}
	return check, nil
}
