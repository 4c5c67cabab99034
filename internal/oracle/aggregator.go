package oracle

import (
	"context"
	"encoding/json"
	"errors"
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

// AggregatorOptions parameterise the market aggregator client.
type AggregatorOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
	// Platforms maps a chain to the aggregator's asset-platform identifier.
	Platforms map[domain.Chain]string
}

// Aggregator fetches independent USD token prices from a market aggregator's
// token-price endpoint.
type Aggregator struct {
	opts    AggregatorOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewAggregator constructs the client.
func NewAggregator(opts AggregatorOptions, logger zerolog.Logger) *Aggregator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	return &Aggregator{
		opts:    opts,
		logger:  logger.With().Str("component", "price_aggregator").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// GetUSDPrice implements PriceSource. An untracked token returns ok=false
// with no error.
func (a *Aggregator) GetUSDPrice(ctx context.Context, tokenID string, chain domain.Chain) (decimal.Decimal, bool, error) {
	platform, ok := a.opts.Platforms[chain]
	if !ok {
		return decimal.Decimal{}, false, nil
	}

	endpoint := fmt.Sprintf("%s/simple/token_price/%s?contract_addresses=%s&vs_currencies=usd",
		a.baseURL, url.PathEscape(platform), url.QueryEscape(tokenID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(a.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "otcdesk/1.0")
	}
	if a.opts.APIKey != "" {
		req.Header.Set("x-cg-pro-api-key", a.opts.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return decimal.Decimal{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, false, fmt.Errorf("aggregator error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var body map[string]map[string]json.Number
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("decode aggregator response: %w", err)
	}

	entry, ok := body[strings.ToLower(tokenID)]
	if !ok {
		entry, ok = body[tokenID]
	}
	if !ok {
		return decimal.Decimal{}, false, nil
	}
	usd, ok := entry["usd"]
	if !ok {
		return decimal.Decimal{}, false, nil
	}

	price, err := decimal.NewFromString(usd.String())
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("parse aggregated price: %w", err)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, false, errors.New("aggregator returned non-positive price")
	}
	return price, true, nil
}

var _ PriceSource = (*Aggregator)(nil)
