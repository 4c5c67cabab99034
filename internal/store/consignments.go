package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"otcdesk/internal/domain"
)

const (
	consignmentColumns = `chain, id, token_id, consigner,
        total_amount, remaining_amount,
        is_negotiable, fixed_discount_bps, fixed_lockup_days,
        min_discount_bps, max_discount_bps, min_lockup_days, max_lockup_days,
        min_deal_amount, max_deal_amount,
        is_fractionalized, is_private,
        max_price_volatility_bps, max_time_to_execute_secs,
        status, created_at, version`

	getConsignmentSQL = `SELECT ` + consignmentColumns + ` FROM consignments WHERE chain = $1 AND id = $2;`

	insertConsignmentSQL = `INSERT INTO consignments (
        chain, id, token_id, consigner,
        total_amount, remaining_amount,
        is_negotiable, fixed_discount_bps, fixed_lockup_days,
        min_discount_bps, max_discount_bps, min_lockup_days, max_lockup_days,
        min_deal_amount, max_deal_amount,
        is_fractionalized, is_private,
        max_price_volatility_bps, max_time_to_execute_secs,
        status, created_at, version
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,1
    ) ON CONFLICT (chain, id) DO NOTHING;`

	updateConsignmentSQL = `UPDATE consignments SET
        token_id = $3,
        consigner = $4,
        total_amount = $5,
        remaining_amount = $6,
        is_negotiable = $7,
        fixed_discount_bps = $8,
        fixed_lockup_days = $9,
        min_discount_bps = $10,
        max_discount_bps = $11,
        min_lockup_days = $12,
        max_lockup_days = $13,
        min_deal_amount = $14,
        max_deal_amount = $15,
        is_fractionalized = $16,
        is_private = $17,
        max_price_volatility_bps = $18,
        max_time_to_execute_secs = $19,
        status = $20,
        created_at = $21,
        version = version + 1,
        updated_at = now()
    WHERE chain = $1 AND id = $2 AND version = $22;`

	consignmentExistsSQL = `SELECT 1 FROM consignments WHERE chain = $1 AND id = $2;`

	listConsignmentsSQL = `SELECT ` + consignmentColumns + ` FROM consignments
    WHERE chain = $1 AND consigner = $2 ORDER BY created_at DESC;`
)

// GetConsignment loads one consignment from the deal cache.
func (s *Store) GetConsignment(ctx context.Context, chain domain.Chain, id uint64) (*domain.Consignment, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, getConsignmentSQL, string(chain), int64(id))
	if queryErr != nil {
		return nil, fmt.Errorf("get consignment: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return nil, rows.Err()
		}
		return nil, fmt.Errorf("consignment %d on %s: %w", id, chain, domain.ErrNotFound)
	}
	return scanConsignment(rows)
}

// InsertConsignment adds a ledger-observed consignment to the cache.
func (s *Store) InsertConsignment(ctx context.Context, c *domain.Consignment) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertConsignmentSQL,
		string(c.Chain),
		int64(c.ID),
		c.TokenID,
		c.Consigner,
		bigIntString(c.TotalAmount),
		bigIntString(c.RemainingAmount),
		c.IsNegotiable,
		int32(c.FixedDiscountBps),
		int64(c.FixedLockupDays),
		int32(c.MinDiscountBps),
		int32(c.MaxDiscountBps),
		int64(c.MinLockupDays),
		int64(c.MaxLockupDays),
		bigIntString(c.MinDealAmount),
		bigIntString(c.MaxDealAmount),
		c.IsFractionalized,
		c.IsPrivate,
		int32(c.MaxPriceVolatilityBps),
		c.MaxTimeToExecuteSecs,
		string(c.Status),
		c.CreatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert consignment: %w", execErr)
	}
	return nil
}

// UpdateConsignment applies c's fields conditioned on expectedVersion.
func (s *Store) UpdateConsignment(ctx context.Context, c *domain.Consignment, expectedVersion int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tag, execErr := pool.Exec(ctx, updateConsignmentSQL,
		string(c.Chain),
		int64(c.ID),
		c.TokenID,
		c.Consigner,
		bigIntString(c.TotalAmount),
		bigIntString(c.RemainingAmount),
		c.IsNegotiable,
		int32(c.FixedDiscountBps),
		int64(c.FixedLockupDays),
		int32(c.MinDiscountBps),
		int32(c.MaxDiscountBps),
		int64(c.MinLockupDays),
		int64(c.MaxLockupDays),
		bigIntString(c.MinDealAmount),
		bigIntString(c.MaxDealAmount),
		c.IsFractionalized,
		c.IsPrivate,
		int32(c.MaxPriceVolatilityBps),
		c.MaxTimeToExecuteSecs,
		string(c.Status),
		c.CreatedAt,
		expectedVersion,
	)
	if execErr != nil {
		return fmt.Errorf("update consignment: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		var one int
		scanErr := pool.QueryRow(ctx, consignmentExistsSQL, string(c.Chain), int64(c.ID)).Scan(&one)
		if scanErr == pgx.ErrNoRows {
			return fmt.Errorf("consignment %d on %s: %w", c.ID, c.Chain, domain.ErrNotFound)
		}
		if scanErr != nil {
			return fmt.Errorf("update consignment: %w", scanErr)
		}
		return domain.ErrConcurrencyConflict
	}
	return nil
}

// ListConsignments returns all consignments by one consigner, newest first.
func (s *Store) ListConsignments(ctx context.Context, chain domain.Chain, consigner string) ([]*domain.Consignment, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listConsignmentsSQL, string(chain), consigner)
	if queryErr != nil {
		return nil, fmt.Errorf("list consignments: %w", queryErr)
	}
	defer rows.Close()

	consignments := make([]*domain.Consignment, 0)
	for rows.Next() {
		c, scanErr := scanConsignment(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		consignments = append(consignments, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return consignments, nil
}

func scanConsignment(rows pgx.Rows) (*domain.Consignment, error) {
	var (
		chain            string
		id               int64
		tokenID          string
		consigner        string
		totalStr         string
		remainingStr     string
		isNegotiable     bool
		fixedDiscountBps int32
		fixedLockupDays  int64
		minDiscountBps   int32
		maxDiscountBps   int32
		minLockupDays    int64
		maxLockupDays    int64
		minDealStr       string
		maxDealStr       string
		isFractionalized bool
		isPrivate        bool
		maxVolatilityBps int32
		maxExecSecs      int64
		status           string
		createdAt        time.Time
		version          int64
	)

	if err := rows.Scan(
		&chain, &id, &tokenID, &consigner,
		&totalStr, &remainingStr,
		&isNegotiable, &fixedDiscountBps, &fixedLockupDays,
		&minDiscountBps, &maxDiscountBps, &minLockupDays, &maxLockupDays,
		&minDealStr, &maxDealStr,
		&isFractionalized, &isPrivate,
		&maxVolatilityBps, &maxExecSecs,
		&status, &createdAt, &version,
	); err != nil {
		return nil, err
	}

	total, err := parseBigInt(totalStr, "total_amount")
	if err != nil {
		return nil, err
	}
	remaining, err := parseBigInt(remainingStr, "remaining_amount")
	if err != nil {
		return nil, err
	}
	minDeal, err := parseBigInt(minDealStr, "min_deal_amount")
	if err != nil {
		return nil, err
	}
	maxDeal, err := parseBigInt(maxDealStr, "max_deal_amount")
	if err != nil {
		return nil, err
	}

	return &domain.Consignment{
		ID:                    uint64(id),
		Chain:                 domain.Chain(chain),
		TokenID:               tokenID,
		Consigner:             consigner,
		TotalAmount:           total,
		RemainingAmount:       remaining,
		IsNegotiable:          isNegotiable,
		FixedDiscountBps:      uint16(fixedDiscountBps),
		FixedLockupDays:       uint32(fixedLockupDays),
		MinDiscountBps:        uint16(minDiscountBps),
		MaxDiscountBps:        uint16(maxDiscountBps),
		MinLockupDays:         uint32(minLockupDays),
		MaxLockupDays:         uint32(maxLockupDays),
		MinDealAmount:         minDeal,
		MaxDealAmount:         maxDeal,
		IsFractionalized:      isFractionalized,
		IsPrivate:             isPrivate,
		MaxPriceVolatilityBps: uint16(maxVolatilityBps),
		MaxTimeToExecuteSecs:  maxExecSecs,
		Status:                domain.ConsignmentStatus(status),
		CreatedAt:             createdAt,
		Version:               version,
	}, nil
}
