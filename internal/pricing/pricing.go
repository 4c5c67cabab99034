package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
)

// Pool is a candidate trading venue for a token with a derived USD price.
type Pool struct {
	Protocol string
	TVLUsd   decimal.Decimal
	PriceUsd decimal.Decimal
}

// VenueReader lists candidate pools for a token on one venue protocol.
type VenueReader interface {
	Protocol() string
	Pools(ctx context.Context, tokenID string, chain domain.Chain) ([]Pool, error)
}

// DiscoveryOptions tune pool selection.
type DiscoveryOptions struct {
	// MinTVLUsd is the liquidity floor below which a pool's price carries no
	// weight.
	MinTVLUsd decimal.Decimal
	// CacheTTL bounds how stale a discovered price may be. Pool reserves move
	// continuously, so this stays at seconds scale.
	CacheTTL time.Duration
}

// Discovery finds the most liquid venue for a token and derives a USD price.
type Discovery struct {
	venues []VenueReader
	opts   DiscoveryOptions
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	pool    *Pool
	found   bool
	expires time.Time
}

// NewDiscovery constructs the discovery service over the configured venues.
func NewDiscovery(venues []VenueReader, opts DiscoveryOptions, logger zerolog.Logger) *Discovery {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 15 * time.Second
	}
	return &Discovery{
		venues: venues,
		opts:   opts,
		logger: logger.With().Str("component", "pool_discovery").Logger(),
		cache:  make(map[string]cacheEntry),
	}
}

// FindBestPool returns the highest-TVL pool above the liquidity floor, or
// ok=false when no venue has a qualifying pool. Absence is not an error:
// callers must treat it as "no opinion available".
func (d *Discovery) FindBestPool(ctx context.Context, tokenID string, chain domain.Chain) (*Pool, bool, error) {
	key := string(chain) + "/" + tokenID
	if pool, found, hit := d.cached(key); hit {
		return pool, found, nil
	}

	var best *Pool
	for _, venue := range d.venues {
		pools, err := venue.Pools(ctx, tokenID, chain)
		if err != nil {
			// One venue failing should not blind the others.
			d.logger.Warn().Err(err).Str("protocol", venue.Protocol()).Str("token", tokenID).Msg("venue query failed")
			continue
		}
		for i := range pools {
			pool := pools[i]
			if pool.TVLUsd.LessThan(d.opts.MinTVLUsd) || pool.PriceUsd.LessThanOrEqual(decimal.Zero) {
				continue
			}
			if best == nil || pool.TVLUsd.GreaterThan(best.TVLUsd) {
				best = &pool
			}
		}
	}

	d.store(key, best)
	if best == nil {
		return nil, false, nil
	}
	d.logger.Debug().
		Str("token", tokenID).
		Str("chain", string(chain)).
		Str("protocol", best.Protocol).
		Str("tvl_usd", best.TVLUsd.StringFixed(0)).
		Str("price_usd", best.PriceUsd.String()).
		Msg("best pool selected")
	return best, true, nil
}

func (d *Discovery) cached(key string) (*Pool, bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.cache[key]
	if !ok || time.Now().After(entry.expires) {
		return nil, false, false
	}
	return entry.pool, entry.found, true
}

func (d *Discovery) store(key string, pool *Pool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache[key] = cacheEntry{pool: pool, found: pool != nil, expires: time.Now().Add(d.opts.CacheTTL)}
}
