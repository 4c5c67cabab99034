package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
	"otcdesk/internal/settle"
)

// Settler is the orchestrator surface the trigger endpoints invoke.
type Settler interface {
	Approve(ctx context.Context, chain domain.Chain, offerID uint64) (*domain.Offer, error)
	Cancel(ctx context.Context, chain domain.Chain, offerID uint64) (*domain.Offer, error)
	IssueQuote(ctx context.Context, req settle.QuoteRequest) (*domain.Quote, error)
	LinkQuote(ctx context.Context, quoteID string, chain domain.Chain, offerID uint64) (*domain.Quote, error)
}

// Reconciling is the reconciliation surface the trigger endpoints invoke.
type Reconciling interface {
	ReconcileOne(ctx context.Context, chain domain.Chain, offerID uint64) (domain.ReconciliationOutcome, error)
	ReconcileAllActive(ctx context.Context) ([]domain.ReconciliationOutcome, error)
}

// Options configure the trigger surface.
type Options struct {
	ListenAddr string
	// RequestTimeout bounds each handler; zero means 2 minutes, enough for a
	// settlement round trip including confirmation.
	RequestTimeout time.Duration
}

// Server exposes the inbound trigger surface: approve, cancel, quote, and
// reconcile requests, plus health and metrics. It performs no authentication;
// it is expected to sit behind the desk's internal gateway.
type Server struct {
	settler    Settler
	reconciler Reconciling
	opts       Options
	logger     zerolog.Logger
}

// New wires the trigger surface.
func New(settler Settler, reconciler Reconciling, opts Options, logger zerolog.Logger) *Server {
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8080"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	return &Server{
		settler:    settler,
		reconciler: reconciler,
		opts:       opts,
		logger:     logger.With().Str("component", "server").Logger(),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/offers/{chain}/{id}/approve", s.handleApprove)
	r.Post("/offers/{chain}/{id}/cancel", s.handleCancel)
	r.Post("/quotes", s.handleIssueQuote)
	r.Post("/quotes/{id}/link", s.handleLinkQuote)
	r.Post("/reconcile", s.handleReconcile)

	return r
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.ListenAddr).Msg("trigger surface listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	chain, id, ok := s.offerParams(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	offer, err := s.settler.Approve(ctx, chain, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"offer_id": offer.ID,
		"chain":    offer.Chain,
		"status":   offer.StatusString(),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	chain, id, ok := s.offerParams(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	offer, err := s.settler.Cancel(ctx, chain, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"offer_id": offer.ID,
		"chain":    offer.Chain,
		"status":   offer.StatusString(),
	})
}

func (s *Server) handleIssueQuote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Chain         string `json:"chain"`
		ConsignmentID uint64 `json:"consignment_id"`
		Beneficiary   string `json:"beneficiary"`
		TokenID       string `json:"token_id"`
		TokenAmount   string `json:"token_amount"`
		DiscountBps   uint16 `json:"discount_bps"`
		LockupDays    uint32 `json:"lockup_days"`
		PriceUSD      string `json:"price_usd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed JSON body"})
		return
	}

	amount, ok := new(big.Int).SetString(body.TokenAmount, 10)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "token_amount must be a base-10 integer"})
		return
	}
	price, err := decimal.NewFromString(body.PriceUSD)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "price_usd must be a decimal number"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	quote, err := s.settler.IssueQuote(ctx, settle.QuoteRequest{
		Chain:         domain.Chain(body.Chain),
		ConsignmentID: body.ConsignmentID,
		Beneficiary:   body.Beneficiary,
		TokenID:       body.TokenID,
		TokenAmount:   amount,
		DiscountBps:   body.DiscountBps,
		LockupDays:    body.LockupDays,
		PriceUSD:      price,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"quote_id":   quote.QuoteID,
		"chain":      quote.Chain,
		"expires_at": quote.ExpiresAt,
		"status":     quote.Status,
	})
}

func (s *Server) handleLinkQuote(w http.ResponseWriter, r *http.Request) {
	quoteID := chi.URLParam(r, "id")
	var body struct {
		Chain   string `json:"chain"`
		OfferID uint64 `json:"offer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed JSON body"})
		return
	}
	chain := domain.Chain(body.Chain)
	if !domain.KnownChain(chain) {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown chain"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	quote, err := s.settler.LinkQuote(ctx, quoteID, chain, body.OfferID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"quote_id": quote.QuoteID,
		"chain":    quote.Chain,
		"offer_id": quote.OfferID,
		"status":   quote.Status,
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Chain   string  `json:"chain"`
		OfferID *uint64 `json:"offer_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed JSON body"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	var (
		outcomes []domain.ReconciliationOutcome
		err      error
	)
	if body.OfferID != nil {
		var outcome domain.ReconciliationOutcome
		outcome, err = s.reconciler.ReconcileOne(ctx, domain.Chain(body.Chain), *body.OfferID)
		outcomes = []domain.ReconciliationOutcome{outcome}
	} else {
		outcomes, err = s.reconciler.ReconcileAllActive(ctx)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	corrected := 0
	for _, o := range outcomes {
		if o.Corrected {
			corrected++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"audited":   len(outcomes),
		"corrected": corrected,
		"outcomes":  outcomes,
	})
}

func (s *Server) offerParams(w http.ResponseWriter, r *http.Request) (domain.Chain, uint64, bool) {
	chain := domain.Chain(chi.URLParam(r, "chain"))
	if !domain.KnownChain(chain) {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown chain"})
		return "", 0, false
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "offer id must be an unsigned integer"})
		return "", 0, false
	}
	return chain, id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		validationErr *domain.ValidationError
		divergenceErr *domain.PriceDivergenceError
	)
	switch {
	case errors.As(err, &validationErr):
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.As(err, &divergenceErr):
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
	case domain.IsRevertedChainError(err):
		s.writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Msg("request failed")
		s.writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
	}
}
