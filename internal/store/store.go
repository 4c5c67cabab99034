package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"otcdesk/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("store: pool not configured")
)

// DatabaseSettings carries PostgreSQL pool configuration.
type DatabaseSettings struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg DatabaseSettings) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// OfferStore is the deal cache for offers. UpdateOffer is the sole mutation
// primitive: it applies the record's fields conditioned on expectedVersion
// and returns domain.ErrConcurrencyConflict when someone else wrote first.
type OfferStore interface {
	GetOffer(ctx context.Context, chain domain.Chain, id uint64) (*domain.Offer, error)
	InsertOffer(ctx context.Context, offer *domain.Offer) error
	UpdateOffer(ctx context.Context, offer *domain.Offer, expectedVersion int64) error
	ListOffers(ctx context.Context, filter OfferFilter) ([]*domain.Offer, error)
}

// ConsignmentStore is the deal cache for consignments.
type ConsignmentStore interface {
	GetConsignment(ctx context.Context, chain domain.Chain, id uint64) (*domain.Consignment, error)
	InsertConsignment(ctx context.Context, c *domain.Consignment) error
	UpdateConsignment(ctx context.Context, c *domain.Consignment, expectedVersion int64) error
	ListConsignments(ctx context.Context, chain domain.Chain, consigner string) ([]*domain.Consignment, error)
}

// QuoteStore persists off-chain quotes.
type QuoteStore interface {
	GetQuote(ctx context.Context, quoteID string) (*domain.Quote, error)
	InsertQuote(ctx context.Context, q *domain.Quote) error
	UpdateQuote(ctx context.Context, q *domain.Quote, expectedVersion int64) error
	ListPendingQuotes(ctx context.Context) ([]*domain.Quote, error)
}

// PriceCheckStore records price-protection decisions.
type PriceCheckStore interface {
	InsertPriceCheck(ctx context.Context, check PriceCheck) (PriceCheck, error)
	ListRecentPriceChecks(ctx context.Context, limit int) ([]PriceCheck, error)
	ListPriceChecksBetween(ctx context.Context, from, to time.Time) ([]PriceCheck, error)
}

// AdvisoryLocker exposes advisory lock helpers so only one process instance
// runs a reconciliation sweep per interval.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the deal-state tables over one pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Best effort; releasing the connection drops the lock anyway.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func bigIntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBigInt(s string, field string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: invalid integer %q", field, s)
	}
	return v, nil
}
