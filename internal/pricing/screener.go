package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
)

// ScreenerOptions parameterise the DEX screener venue client.
type ScreenerOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// ChainSlugs maps ledger families to the screener's chain identifiers.
	ChainSlugs map[domain.Chain]string
}

// Screener reads pool candidates from a DEX screener API, which indexes
// venues across both ledger families.
type Screener struct {
	opts    ScreenerOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewScreener constructs the venue client.
func NewScreener(opts ScreenerOptions, logger zerolog.Logger) *Screener {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.dexscreener.com"
	}
	return &Screener{
		opts:    opts,
		logger:  logger.With().Str("component", "screener_venue").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Protocol implements VenueReader.
func (s *Screener) Protocol() string { return "dexscreener" }

type screenerPair struct {
	ChainID   string `json:"chainId"`
	DexID     string `json:"dexId"`
	PriceUsd  string `json:"priceUsd"`
	Liquidity struct {
		Usd json.Number `json:"usd"`
	} `json:"liquidity"`
	BaseToken struct {
		Address string `json:"address"`
	} `json:"baseToken"`
}

type screenerResponse struct {
	Pairs []screenerPair `json:"pairs"`
}

// Pools implements VenueReader. Pairs quoting other tokens as base are
// filtered out so the derived price is for the requested token.
func (s *Screener) Pools(ctx context.Context, tokenID string, chain domain.Chain) ([]Pool, error) {
	slug, ok := s.opts.ChainSlugs[chain]
	if !ok {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s/latest/dex/tokens/%s", s.baseURL, url.PathEscape(tokenID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("screener error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var body screenerResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode screener response: %w", err)
	}

	pools := make([]Pool, 0, len(body.Pairs))
	for _, pair := range body.Pairs {
		if pair.ChainID != slug {
			continue
		}
		if !strings.EqualFold(pair.BaseToken.Address, tokenID) {
			continue
		}
		price, err := decimal.NewFromString(pair.PriceUsd)
		if err != nil {
			continue
		}
		tvl, err := decimal.NewFromString(pair.Liquidity.Usd.String())
		if err != nil {
			continue
		}
		pools = append(pools, Pool{
			Protocol: pair.DexID,
			TVLUsd:   tvl,
			PriceUsd: price,
		})
	}
	return pools, nil
}

var _ VenueReader = (*Screener)(nil)
