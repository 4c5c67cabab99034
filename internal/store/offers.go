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
	offerColumns = `chain, id, consignment_id, token_id, beneficiary,
        token_amount, discount_bps, lockup_secs, currency,
        price_usd_per_token, native_usd_price,
        approved, paid, fulfilled, cancelled,
        amount_paid, payer, created_at, unlock_time, max_time_to_execute_secs,
        version`

	getOfferSQL = `SELECT ` + offerColumns + ` FROM offers WHERE chain = $1 AND id = $2;`

	insertOfferSQL = `INSERT INTO offers (
        chain, id, consignment_id, token_id, beneficiary,
        token_amount, discount_bps, lockup_secs, currency,
        price_usd_per_token, native_usd_price,
        approved, paid, fulfilled, cancelled,
        amount_paid, payer, created_at, unlock_time, max_time_to_execute_secs,
        version
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,1
    ) ON CONFLICT (chain, id) DO NOTHING;`

	updateOfferSQL = `UPDATE offers SET
        consignment_id = $3,
        token_id = $4,
        beneficiary = $5,
        token_amount = $6,
        discount_bps = $7,
        lockup_secs = $8,
        currency = $9,
        price_usd_per_token = $10,
        native_usd_price = $11,
        approved = $12,
        paid = $13,
        fulfilled = $14,
        cancelled = $15,
        amount_paid = $16,
        payer = $17,
        created_at = $18,
        unlock_time = $19,
        max_time_to_execute_secs = $20,
        version = version + 1,
        updated_at = now()
    WHERE chain = $1 AND id = $2 AND version = $21;`

	offerExistsSQL = `SELECT 1 FROM offers WHERE chain = $1 AND id = $2;`
)

// GetOffer loads one offer from the deal cache.
func (s *Store) GetOffer(ctx context.Context, chain domain.Chain, id uint64) (*domain.Offer, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, getOfferSQL, string(chain), int64(id))
	if queryErr != nil {
		return nil, fmt.Errorf("get offer: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return nil, rows.Err()
		}
		return nil, fmt.Errorf("offer %d on %s: %w", id, chain, domain.ErrNotFound)
	}
	return scanOffer(rows)
}

// InsertOffer adds a ledger-observed offer to the cache. Racing inserts are
// benign: the loser's row is identical ledger truth, so conflicts are ignored.
func (s *Store) InsertOffer(ctx context.Context, offer *domain.Offer) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var consignmentID interface{}
	if offer.ConsignmentID != nil {
		consignmentID = int64(*offer.ConsignmentID)
	}

	_, execErr := pool.Exec(ctx, insertOfferSQL,
		string(offer.Chain),
		int64(offer.ID),
		consignmentID,
		offer.TokenID,
		offer.Beneficiary,
		bigIntString(offer.TokenAmount),
		int32(offer.DiscountBps),
		offer.LockupSecs,
		int16(offer.Currency),
		offer.PriceUSDPerToken.String(),
		offer.NativeUSDPrice.String(),
		offer.Approved,
		offer.Paid,
		offer.Fulfilled,
		offer.Cancelled,
		bigIntString(offer.AmountPaid),
		offer.Payer,
		offer.CreatedAt,
		offer.UnlockTime,
		offer.MaxTimeToExecuteSecs,
	)
	if execErr != nil {
		return fmt.Errorf("insert offer: %w", execErr)
	}
	return nil
}

// UpdateOffer applies offer's fields conditioned on expectedVersion. It
// returns domain.ErrConcurrencyConflict when the row moved underneath the
// caller, who must re-read and decide whether the intended outcome already
// holds.
func (s *Store) UpdateOffer(ctx context.Context, offer *domain.Offer, expectedVersion int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var consignmentID interface{}
	if offer.ConsignmentID != nil {
		consignmentID = int64(*offer.ConsignmentID)
	}

	tag, execErr := pool.Exec(ctx, updateOfferSQL,
		string(offer.Chain),
		int64(offer.ID),
		consignmentID,
		offer.TokenID,
		offer.Beneficiary,
		bigIntString(offer.TokenAmount),
		int32(offer.DiscountBps),
		offer.LockupSecs,
		int16(offer.Currency),
		offer.PriceUSDPerToken.String(),
		offer.NativeUSDPrice.String(),
		offer.Approved,
		offer.Paid,
		offer.Fulfilled,
		offer.Cancelled,
		bigIntString(offer.AmountPaid),
		offer.Payer,
		offer.CreatedAt,
		offer.UnlockTime,
		offer.MaxTimeToExecuteSecs,
		expectedVersion,
	)
	if execErr != nil {
		return fmt.Errorf("update offer: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return s.explainOfferMiss(ctx, offer.Chain, offer.ID)
	}
	return nil
}

func (s *Store) explainOfferMiss(ctx context.Context, chain domain.Chain, id uint64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var one int
	scanErr := pool.QueryRow(ctx, offerExistsSQL, string(chain), int64(id)).Scan(&one)
	if scanErr == pgx.ErrNoRows {
		return fmt.Errorf("offer %d on %s: %w", id, chain, domain.ErrNotFound)
	}
	if scanErr != nil {
		return fmt.Errorf("update offer: %w", scanErr)
	}
	return domain.ErrConcurrencyConflict
}

// ListOffers queries offers per filter, newest first.
func (s *Store) ListOffers(ctx context.Context, filter OfferFilter) ([]*domain.Offer, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + offerColumns + ` FROM offers`
	args := make([]interface{}, 0, 3)
	where := ""
	and := func(cond string) {
		if where == "" {
			where = " WHERE " + cond
		} else {
			where += " AND " + cond
		}
	}
	if filter.Chain != "" {
		args = append(args, string(filter.Chain))
		and(fmt.Sprintf("chain = $%d", len(args)))
	}
	if filter.OpenOnly {
		and("NOT fulfilled AND NOT cancelled")
	}
	query += where + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	query += ";"

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list offers: %w", queryErr)
	}
	defer rows.Close()

	offers := make([]*domain.Offer, 0)
	for rows.Next() {
		offer, scanErr := scanOffer(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		offers = append(offers, offer)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return offers, nil
}

func scanOffer(rows pgx.Rows) (*domain.Offer, error) {
	var (
		chain          string
		id             int64
		consignmentID  sql.NullInt64
		tokenID        string
		beneficiary    string
		tokenAmountStr string
		discountBps    int32
		lockupSecs     int64
		currency       int16
		priceStr       string
		nativeStr      string
		approved       bool
		paid           bool
		fulfilled      bool
		cancelled      bool
		amountPaidStr  string
		payer          string
		createdAt      time.Time
		unlockTime     time.Time
		maxExecSecs    int64
		version        int64
	)

	if err := rows.Scan(
		&chain, &id, &consignmentID, &tokenID, &beneficiary,
		&tokenAmountStr, &discountBps, &lockupSecs, &currency,
		&priceStr, &nativeStr,
		&approved, &paid, &fulfilled, &cancelled,
		&amountPaidStr, &payer, &createdAt, &unlockTime, &maxExecSecs,
		&version,
	); err != nil {
		return nil, err
	}

	tokenAmount, err := parseBigInt(tokenAmountStr, "token_amount")
	if err != nil {
		return nil, err
	}
	amountPaid, err := parseBigInt(amountPaidStr, "amount_paid")
	if err != nil {
		return nil, err
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("parse price_usd_per_token: %w", err)
	}
	native, err := decimal.NewFromString(nativeStr)
	if err != nil {
		return nil, fmt.Errorf("parse native_usd_price: %w", err)
	}

	offer := &domain.Offer{
		ID:                   uint64(id),
		Chain:                domain.Chain(chain),
		TokenID:              tokenID,
		Beneficiary:          beneficiary,
		TokenAmount:          tokenAmount,
		DiscountBps:          uint16(discountBps),
		LockupSecs:           lockupSecs,
		Currency:             domain.Currency(currency),
		PriceUSDPerToken:     price,
		NativeUSDPrice:       native,
		Approved:             approved,
		Paid:                 paid,
		Fulfilled:            fulfilled,
		Cancelled:            cancelled,
		AmountPaid:           amountPaid,
		Payer:                payer,
		CreatedAt:            createdAt,
		UnlockTime:           unlockTime,
		MaxTimeToExecuteSecs: maxExecSecs,
		Version:              version,
	}
	if consignmentID.Valid {
		cid := uint64(consignmentID.Int64)
		offer.ConsignmentID = &cid
	}
	return offer, nil
}
