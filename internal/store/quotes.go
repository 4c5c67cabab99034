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
	quoteColumns = `quote_id, chain, beneficiary, token_id, token_amount,
        discount_bps, lockup_days, price_at_quote, offer_id,
        expires_at, status, created_at, version`

	getQuoteSQL = `SELECT ` + quoteColumns + ` FROM quotes WHERE quote_id = $1;`

	insertQuoteSQL = `INSERT INTO quotes (
        quote_id, chain, beneficiary, token_id, token_amount,
        discount_bps, lockup_days, price_at_quote, offer_id,
        expires_at, status, created_at, version
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1);`

	updateQuoteSQL = `UPDATE quotes SET
        offer_id = $2,
        expires_at = $3,
        status = $4,
        version = version + 1,
        updated_at = now()
    WHERE quote_id = $1 AND version = $5;`

	quoteExistsSQL = `SELECT 1 FROM quotes WHERE quote_id = $1;`

	listPendingQuotesSQL = `SELECT ` + quoteColumns + ` FROM quotes
    WHERE status = 'pending' ORDER BY created_at ASC;`
)

// GetQuote loads one quote by its identifier.
func (s *Store) GetQuote(ctx context.Context, quoteID string) (*domain.Quote, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, getQuoteSQL, quoteID)
	if queryErr != nil {
		return nil, fmt.Errorf("get quote: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return nil, rows.Err()
		}
		return nil, fmt.Errorf("quote %s: %w", quoteID, domain.ErrNotFound)
	}
	return scanQuote(rows)
}

// InsertQuote records newly negotiated terms.
func (s *Store) InsertQuote(ctx context.Context, q *domain.Quote) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var offerID interface{}
	if q.OfferID != nil {
		offerID = int64(*q.OfferID)
	}

	_, execErr := pool.Exec(ctx, insertQuoteSQL,
		q.QuoteID,
		string(q.Chain),
		q.Beneficiary,
		q.TokenID,
		bigIntString(q.TokenAmount),
		int32(q.DiscountBps),
		int64(q.LockupDays),
		q.PriceAtQuote.String(),
		offerID,
		q.ExpiresAt,
		string(q.Status),
		q.CreatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert quote: %w", execErr)
	}
	return nil
}

// UpdateQuote advances a quote's lifecycle conditioned on expectedVersion.
// Terms are immutable once quoted; only linkage and status move.
func (s *Store) UpdateQuote(ctx context.Context, q *domain.Quote, expectedVersion int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var offerID interface{}
	if q.OfferID != nil {
		offerID = int64(*q.OfferID)
	}

	tag, execErr := pool.Exec(ctx, updateQuoteSQL,
		q.QuoteID,
		offerID,
		q.ExpiresAt,
		string(q.Status),
		expectedVersion,
	)
	if execErr != nil {
		return fmt.Errorf("update quote: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		var one int
		scanErr := pool.QueryRow(ctx, quoteExistsSQL, q.QuoteID).Scan(&one)
		if scanErr == pgx.ErrNoRows {
			return fmt.Errorf("quote %s: %w", q.QuoteID, domain.ErrNotFound)
		}
		if scanErr != nil {
			return fmt.Errorf("update quote: %w", scanErr)
		}
		return domain.ErrConcurrencyConflict
	}
	return nil
}

// ListPendingQuotes returns quotes still awaiting execution, oldest first, so
// the reconciler can expire the stalest ones before fresh ones.
func (s *Store) ListPendingQuotes(ctx context.Context) ([]*domain.Quote, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPendingQuotesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list pending quotes: %w", queryErr)
	}
	defer rows.Close()

	quotes := make([]*domain.Quote, 0)
	for rows.Next() {
		q, scanErr := scanQuote(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		quotes = append(quotes, q)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return quotes, nil
}

func scanQuote(rows pgx.Rows) (*domain.Quote, error) {
	var (
		quoteID        string
		chain          string
		beneficiary    string
		tokenID        string
		tokenAmountStr string
		discountBps    int32
		lockupDays     int64
		priceStr       string
		offerID        sql.NullInt64
		expiresAt      time.Time
		status         string
		createdAt      time.Time
		version        int64
	)

	if err := rows.Scan(
		&quoteID, &chain, &beneficiary, &tokenID, &tokenAmountStr,
		&discountBps, &lockupDays, &priceStr, &offerID,
		&expiresAt, &status, &createdAt, &version,
	); err != nil {
		return nil, err
	}

	tokenAmount, err := parseBigInt(tokenAmountStr, "token_amount")
	if err != nil {
		return nil, err
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("parse price_at_quote: %w", err)
	}

	quote := &domain.Quote{
		QuoteID:      quoteID,
		Chain:        domain.Chain(chain),
		Beneficiary:  beneficiary,
		TokenID:      tokenID,
		TokenAmount:  tokenAmount,
		DiscountBps:  uint16(discountBps),
		LockupDays:   uint32(lockupDays),
		PriceAtQuote: price,
		ExpiresAt:    expiresAt,
		Status:       domain.QuoteStatus(status),
		CreatedAt:    createdAt,
		Version:      version,
	}
	if offerID.Valid {
		oid := uint64(offerID.Int64)
		quote.OfferID = &oid
	}
	return quote, nil
}
