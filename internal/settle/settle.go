package settle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
	"otcdesk/internal/ledger"
	"otcdesk/internal/metrics"
	"otcdesk/internal/oracle"
	"otcdesk/internal/retry"
	"otcdesk/internal/store"
)

// Ledgers resolves the adapter serving a chain.
type Ledgers interface {
	For(chain domain.Chain) (ledger.Adapter, error)
}

// Store is the slice of deal-state persistence the orchestrator writes.
type Store interface {
	store.OfferStore
	store.ConsignmentStore
	store.QuoteStore
	store.PriceCheckStore
}

// Options tune the orchestrator.
type Options struct {
	// Retry bounds re-reads of ledger state and confirmation polling.
	// Broadcasts are never retried; an unprovable submission outcome is
	// left for reconciliation to resolve.
	Retry retry.Policy
	// Assets maps each chain to its base-unit scales. Defaults to
	// DefaultAssets for missing chains.
	Assets map[domain.Chain]AssetDecimals
	// QuoteTTL bounds how long an issued quote stays executable.
	QuoteTTL time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Orchestrator drives offers through approval and payment against ledger
// truth. It never trusts the local cache for a decision it can re-read, and
// every local write is version-guarded.
type Orchestrator struct {
	ledgers Ledgers
	store   Store
	prices  oracle.Checker
	metrics *metrics.Metrics
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
}

// New wires the orchestrator.
func New(ledgers Ledgers, st Store, prices oracle.Checker, m *metrics.Metrics, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}
	if opts.QuoteTTL <= 0 {
		opts.QuoteTTL = 15 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		ledgers: ledgers,
		store:   st,
		prices:  prices,
		metrics: m,
		opts:    opts,
		logger:  logger.With().Str("component", "settle").Logger(),
		now:     now,
	}
}

func retryableErr(err error) bool {
	var infra *domain.InfrastructureError
	return domain.IsTransientChainError(err) || errors.As(err, &infra)
}

// Approve drives an offer through approval and, on success, immediately
// through payment. It is idempotent: an offer already approved per ledger
// truth is not re-submitted, and a lost conditional write counts as a
// concurrent caller having done the same work.
func (o *Orchestrator) Approve(ctx context.Context, chain domain.Chain, offerID uint64) (*domain.Offer, error) {
	adapter, err := o.ledgers.For(chain)
	if err != nil {
		return nil, err
	}
	if err := o.ensureDeskOpen(ctx, adapter); err != nil {
		return nil, err
	}

	ledgerOffer, err := o.readLedgerOffer(ctx, adapter, offerID)
	if err != nil {
		return nil, err
	}
	if ledgerOffer.Cancelled {
		return nil, &domain.ValidationError{Field: "offer", Reason: "offer is cancelled"}
	}

	local, err := o.ensureLocalOffer(ctx, ledgerOffer)
	if err != nil {
		return nil, err
	}

	if ledgerOffer.Approved {
		// Ledger already holds the approval. Converge the cache and move on.
		local, err = o.mutateOffer(ctx, chain, offerID, func(off *domain.Offer) bool {
			if off.Approved {
				return false
			}
			off.Approved = true
			return true
		})
		if err != nil {
			return nil, err
		}
		o.metrics.RecordTransition(string(chain), "approve", "already_approved")
	} else {
		claimed, err := o.claimOffer(ctx, local)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// A concurrent caller holds the claim; its outcome is ours.
			o.metrics.RecordTransition(string(chain), "approve", "concurrent")
			return o.store.GetOffer(ctx, chain, offerID)
		}

		ref, err := adapter.ApproveOffer(ctx, offerID)
		if err != nil {
			o.metrics.RecordTransition(string(chain), "approve", "submit_failed")
			return nil, err
		}
		o.logger.Info().
			Str("chain", string(chain)).
			Uint64("offer_id", offerID).
			Str("tx", ref.Hash).
			Msg("approval submitted")

		if err := o.awaitConfirmed(ctx, adapter, ref, "approveOffer"); err != nil {
			o.metrics.RecordTransition(string(chain), "approve", "failed")
			return nil, err
		}

		local, err = o.mutateOffer(ctx, chain, offerID, func(off *domain.Offer) bool {
			if off.Approved {
				return false
			}
			off.Approved = true
			return true
		})
		if err != nil {
			return nil, err
		}
		o.metrics.RecordTransition(string(chain), "approve", "confirmed")
	}

	// Payment follows a successful approval immediately.
	return o.pay(ctx, adapter, local)
}

// pay settles an approved offer: settlement-window check, price gate, exact
// amount, broadcast, then the version-guarded local writes.
func (o *Orchestrator) pay(ctx context.Context, adapter ledger.Adapter, local *domain.Offer) (*domain.Offer, error) {
	chain := adapter.Chain()

	ledgerOffer, err := o.readLedgerOffer(ctx, adapter, local.ID)
	if err != nil {
		return nil, err
	}
	if ledgerOffer.Paid {
		return o.syncPaid(ctx, chain, ledgerOffer)
	}

	var (
		consignment *domain.Consignment
		threshold   decimal.Decimal
		windowSecs  int64
	)
	if local.ConsignmentID != nil {
		consignment, err = o.readLedgerConsignment(ctx, adapter, *local.ConsignmentID)
		if err != nil {
			return nil, err
		}
		if err := o.ensureLocalConsignment(ctx, consignment); err != nil {
			return nil, err
		}
		if consignment.Status.Terminal() {
			return local, &domain.ValidationError{Field: "consignment", Reason: fmt.Sprintf("consignment is %s", consignment.Status)}
		}
		if consignment.RemainingAmount.Cmp(local.TokenAmount) < 0 {
			return local, &domain.ValidationError{Field: "consignment", Reason: "remaining amount below offer amount"}
		}
		threshold = consignment.VolatilityThresholdPct()
		windowSecs = consignment.MaxTimeToExecuteSecs
	}

	// Offers on chains whose offer account carries no window inherit the
	// consignment's.
	if ledgerOffer.ExecutionExpiredWith(windowSecs, o.now()) {
		o.metrics.RecordTransition(string(chain), "pay", "window_expired")
		return local, &domain.ValidationError{Field: "offer", Reason: "settlement window expired"}
	}

	res, err := o.prices.CheckPriceDivergence(ctx, local.TokenID, chain, local.PriceUSDPerToken, threshold)
	if err != nil {
		return nil, err
	}
	o.recordPriceCheck(ctx, store.CheckContextSettlement, chain, local.TokenID, local.PriceUSDPerToken, threshold, res)
	if !res.Valid {
		o.metrics.RecordTransition(string(chain), "pay", "price_rejected")
		return local, oracle.DivergenceError(local.TokenID, local.PriceUSDPerToken, threshold, res)
	}

	amount, err := PaymentAmount(local, o.assets(chain))
	if err != nil {
		return nil, err
	}

	ref, err := adapter.PayOffer(ctx, local.ID, amount, local.Currency)
	if err != nil {
		o.metrics.RecordTransition(string(chain), "pay", "submit_failed")
		return nil, err
	}
	o.logger.Info().
		Str("chain", string(chain)).
		Uint64("offer_id", local.ID).
		Str("amount", amount.String()).
		Str("currency", local.Currency.String()).
		Str("tx", ref.Hash).
		Msg("payment submitted")

	if err := o.awaitConfirmed(ctx, adapter, ref, "payOffer"); err != nil {
		o.metrics.RecordTransition(string(chain), "pay", "failed")
		return nil, err
	}

	updated, err := o.mutateOffer(ctx, chain, local.ID, func(off *domain.Offer) bool {
		if off.Paid {
			return false
		}
		off.Paid = true
		off.AmountPaid = amount
		return true
	})
	if err != nil {
		return nil, err
	}
	o.metrics.RecordTransition(string(chain), "pay", "confirmed")

	if local.ConsignmentID != nil {
		if err := o.debitConsignment(ctx, chain, *local.ConsignmentID, local.TokenAmount); err != nil {
			return updated, err
		}
	}
	if err := o.executeLinkedQuote(ctx, chain, local.ID); err != nil {
		return updated, err
	}
	return updated, nil
}

// Cancel marks an offer cancelled after validating its ledger state permits
// it. Fulfilled offers cannot be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, chain domain.Chain, offerID uint64) (*domain.Offer, error) {
	adapter, err := o.ledgers.For(chain)
	if err != nil {
		return nil, err
	}
	ledgerOffer, err := o.readLedgerOffer(ctx, adapter, offerID)
	if err != nil {
		return nil, err
	}
	if ledgerOffer.Fulfilled {
		return nil, &domain.ValidationError{Field: "offer", Reason: "offer is already fulfilled"}
	}
	if _, err := o.ensureLocalOffer(ctx, ledgerOffer); err != nil {
		return nil, err
	}

	updated, err := o.mutateOffer(ctx, chain, offerID, func(off *domain.Offer) bool {
		if off.Cancelled || off.Fulfilled {
			return false
		}
		off.Cancelled = true
		return true
	})
	if err != nil {
		return nil, err
	}
	// The local record can turn fulfilled between the ledger read and the
	// conditional write. Cancelled and fulfilled are mutually exclusive.
	if updated.Fulfilled && !updated.Cancelled {
		return nil, &domain.ValidationError{Field: "offer", Reason: "offer is already fulfilled"}
	}
	o.metrics.RecordTransition(string(chain), "cancel", "done")
	return updated, nil
}

func (o *Orchestrator) ensureDeskOpen(ctx context.Context, adapter ledger.Adapter) error {
	var paused bool
	err := o.opts.Retry.Do(ctx, retryableErr, func(ctx context.Context) error {
		var readErr error
		paused, readErr = adapter.DeskPaused(ctx)
		return readErr
	})
	if err != nil {
		return err
	}
	if paused {
		return &domain.ValidationError{Field: "desk", Reason: "desk is paused"}
	}
	return nil
}

func (o *Orchestrator) readLedgerOffer(ctx context.Context, adapter ledger.Adapter, id uint64) (*domain.Offer, error) {
	var offer *domain.Offer
	err := o.opts.Retry.Do(ctx, retryableErr, func(ctx context.Context) error {
		var readErr error
		offer, readErr = adapter.ReadOffer(ctx, id)
		return readErr
	})
	return offer, err
}

func (o *Orchestrator) readLedgerConsignment(ctx context.Context, adapter ledger.Adapter, id uint64) (*domain.Consignment, error) {
	var c *domain.Consignment
	err := o.opts.Retry.Do(ctx, retryableErr, func(ctx context.Context) error {
		var readErr error
		c, readErr = adapter.ReadConsignment(ctx, id)
		return readErr
	})
	return c, err
}

func (o *Orchestrator) awaitConfirmed(ctx context.Context, adapter ledger.Adapter, ref ledger.TxRef, op string) error {
	var conf ledger.Confirmation
	err := o.opts.Retry.Do(ctx, retryableErr, func(ctx context.Context) error {
		var waitErr error
		conf, waitErr = adapter.WaitForConfirmation(ctx, ref)
		return waitErr
	})
	if err != nil {
		return err
	}
	if !conf.Confirmed {
		return &domain.ChainError{Chain: ref.Chain, Op: op, Reverted: true, Reason: conf.Detail}
	}
	return nil
}

// ensureLocalOffer caches a ledger-observed offer the first time it is seen.
func (o *Orchestrator) ensureLocalOffer(ctx context.Context, ledgerOffer *domain.Offer) (*domain.Offer, error) {
	local, err := o.store.GetOffer(ctx, ledgerOffer.Chain, ledgerOffer.ID)
	if err == nil {
		return local, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if insertErr := o.store.InsertOffer(ctx, ledgerOffer); insertErr != nil {
		return nil, insertErr
	}
	return o.store.GetOffer(ctx, ledgerOffer.Chain, ledgerOffer.ID)
}

// ensureLocalConsignment caches a ledger-observed consignment the first time
// it is seen, so the post-payment debit has a record to write against.
func (o *Orchestrator) ensureLocalConsignment(ctx context.Context, c *domain.Consignment) error {
	_, err := o.store.GetConsignment(ctx, c.Chain, c.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return o.store.InsertConsignment(ctx, c)
}

// claimOffer bumps the offer's version without changing its fields, so that
// exactly one of several concurrent approvers proceeds to broadcast.
func (o *Orchestrator) claimOffer(ctx context.Context, local *domain.Offer) (bool, error) {
	err := o.store.UpdateOffer(ctx, local, local.Version)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		return false, nil
	}
	return false, err
}

// mutateOffer applies a change under optimistic concurrency, re-reading on a
// lost race until the change is either applied or already present.
func (o *Orchestrator) mutateOffer(ctx context.Context, chain domain.Chain, id uint64, apply func(*domain.Offer) bool) (*domain.Offer, error) {
	for {
		offer, err := o.store.GetOffer(ctx, chain, id)
		if err != nil {
			return nil, err
		}
		if !apply(offer) {
			return offer, nil
		}
		err = o.store.UpdateOffer(ctx, offer, offer.Version)
		if err == nil {
			offer.Version++
			return offer, nil
		}
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		return nil, err
	}
}

func (o *Orchestrator) mutateConsignment(ctx context.Context, chain domain.Chain, id uint64, apply func(*domain.Consignment) bool) (*domain.Consignment, error) {
	for {
		c, err := o.store.GetConsignment(ctx, chain, id)
		if err != nil {
			return nil, err
		}
		if !apply(c) {
			return c, nil
		}
		err = o.store.UpdateConsignment(ctx, c, c.Version)
		if err == nil {
			c.Version++
			return c, nil
		}
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		return nil, err
	}
}

// syncPaid converges the cache with an offer the ledger already shows paid.
func (o *Orchestrator) syncPaid(ctx context.Context, chain domain.Chain, ledgerOffer *domain.Offer) (*domain.Offer, error) {
	if _, err := o.ensureLocalOffer(ctx, ledgerOffer); err != nil {
		return nil, err
	}
	updated, err := o.mutateOffer(ctx, chain, ledgerOffer.ID, func(off *domain.Offer) bool {
		if off.Paid {
			return false
		}
		off.Paid = true
		off.AmountPaid = ledgerOffer.AmountPaid
		off.Payer = ledgerOffer.Payer
		return true
	})
	if err != nil {
		return nil, err
	}
	o.metrics.RecordTransition(string(chain), "pay", "already_paid")
	return updated, nil
}

func (o *Orchestrator) debitConsignment(ctx context.Context, chain domain.Chain, id uint64, amount *big.Int) error {
	_, err := o.mutateConsignment(ctx, chain, id, func(c *domain.Consignment) bool {
		remaining := new(big.Int).Sub(c.RemainingAmount, amount)
		if remaining.Sign() < 0 {
			remaining.SetInt64(0)
		}
		c.RemainingAmount = remaining
		if remaining.Sign() == 0 {
			c.Status = domain.ConsignmentExhausted
		}
		return true
	})
	return err
}

// executeLinkedQuote marks the pending quote behind a paid offer executed.
// Offers created without a quote are left alone.
func (o *Orchestrator) executeLinkedQuote(ctx context.Context, chain domain.Chain, offerID uint64) error {
	pending, err := o.store.ListPendingQuotes(ctx)
	if err != nil {
		return err
	}
	for _, q := range pending {
		if q.Chain != chain || q.OfferID == nil || *q.OfferID != offerID {
			continue
		}
		q.Status = domain.QuoteExecuted
		if err := o.store.UpdateQuote(ctx, q, q.Version); err != nil && !errors.Is(err, domain.ErrConcurrencyConflict) {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) assets(chain domain.Chain) AssetDecimals {
	if a, ok := o.opts.Assets[chain]; ok {
		return a
	}
	return DefaultAssets()[chain]
}

func (o *Orchestrator) recordPriceCheck(ctx context.Context, checkContext string, chain domain.Chain, tokenID string, candidate, threshold decimal.Decimal, res oracle.Result) {
	o.metrics.RecordPriceCheck(checkContext, res.Valid)

	check := store.PriceCheck{
		TokenID:       tokenID,
		Chain:         chain,
		Context:       checkContext,
		CandidateUsd:  candidate,
		AggregatedUsd: res.AggregatedPrice,
		DivergencePct: res.DivergencePct,
		ThresholdPct:  threshold,
		Valid:         res.Valid,
		CheckedAt:     o.now().UTC(),
	}
	if res.Warning != "" {
		check.Warning = &res.Warning
	}
	if _, err := o.store.InsertPriceCheck(ctx, check); err != nil {
		// The audit row is best effort; losing it never blocks settlement.
		o.logger.Warn().Err(err).Str("token", tokenID).Msg("price check audit insert failed")
	}
}
