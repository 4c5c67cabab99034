package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"otcdesk/internal/domain"
	"otcdesk/internal/ledger"
	"otcdesk/internal/metrics"
	"otcdesk/internal/retry"
	"otcdesk/internal/store"
)

// Ledgers resolves the adapter serving a chain.
type Ledgers interface {
	For(chain domain.Chain) (ledger.Adapter, error)
}

// Store is the slice of deal-state persistence the reconciler corrects.
type Store interface {
	store.OfferStore
	store.ConsignmentStore
	store.QuoteStore
}

// Options tune the reconciler.
type Options struct {
	Retry retry.Policy
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Reconciler re-reads ledger truth for every non-terminal cached record and
// overwrites local state to match. It is the safety net for partial
// orchestration failures: a crash between ledger confirmation and the local
// write is repaired on the next pass. Status flags only ever gain truth here;
// a flag the ledger shows set is copied in, a flag it shows clear is left
// alone, so a concurrent orchestrator write can never be reverted.
type Reconciler struct {
	ledgers Ledgers
	store   Store
	metrics *metrics.Metrics
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
}

// New wires the reconciler.
func New(ledgers Ledgers, st Store, m *metrics.Metrics, opts Options, logger zerolog.Logger) *Reconciler {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		ledgers: ledgers,
		store:   st,
		metrics: m,
		opts:    opts,
		logger:  logger.With().Str("component", "reconcile").Logger(),
		now:     now,
	}
}

func retryableErr(err error) bool {
	var infra *domain.InfrastructureError
	return domain.IsTransientChainError(err) || errors.As(err, &infra)
}

// ReconcileOne audits a single offer against its ledger record.
func (r *Reconciler) ReconcileOne(ctx context.Context, chain domain.Chain, offerID uint64) (domain.ReconciliationOutcome, error) {
	adapter, err := r.ledgers.For(chain)
	if err != nil {
		return domain.ReconciliationOutcome{}, err
	}
	return r.reconcileOffer(ctx, adapter, offerID)
}

// ReconcileAllActive sweeps every open cached offer, its consignment, and
// every pending quote. Per-record failures are logged and skipped so one
// unreachable record never stalls the sweep.
func (r *Reconciler) ReconcileAllActive(ctx context.Context) ([]domain.ReconciliationOutcome, error) {
	offers, err := r.store.ListOffers(ctx, store.OfferFilter{OpenOnly: true})
	if err != nil {
		return nil, err
	}

	outcomes := make([]domain.ReconciliationOutcome, 0, len(offers))
	seenConsignments := make(map[string]struct{})
	for _, offer := range offers {
		adapter, adapterErr := r.ledgers.For(offer.Chain)
		if adapterErr != nil {
			r.logger.Error().Err(adapterErr).Str("chain", string(offer.Chain)).Uint64("offer_id", offer.ID).Msg("skipping offer on unregistered chain")
			continue
		}

		outcome, recErr := r.reconcileOffer(ctx, adapter, offer.ID)
		if recErr != nil {
			r.logger.Error().Err(recErr).Str("chain", string(offer.Chain)).Uint64("offer_id", offer.ID).Msg("offer reconciliation failed")
			continue
		}
		outcomes = append(outcomes, outcome)

		if offer.ConsignmentID != nil {
			key := fmt.Sprintf("%s/%d", offer.Chain, *offer.ConsignmentID)
			if _, seen := seenConsignments[key]; !seen {
				seenConsignments[key] = struct{}{}
				outcome, recErr := r.reconcileConsignment(ctx, adapter, *offer.ConsignmentID)
				if recErr != nil {
					r.logger.Error().Err(recErr).Str("chain", string(offer.Chain)).Uint64("consignment_id", *offer.ConsignmentID).Msg("consignment reconciliation failed")
					continue
				}
				outcomes = append(outcomes, outcome)
			}
		}
	}

	quoteOutcomes, err := r.expireStaleQuotes(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("quote expiry sweep failed")
	}
	outcomes = append(outcomes, quoteOutcomes...)

	r.metrics.RecordReconcileRun()
	return outcomes, nil
}

func (r *Reconciler) reconcileOffer(ctx context.Context, adapter ledger.Adapter, offerID uint64) (domain.ReconciliationOutcome, error) {
	chain := adapter.Chain()

	var ledgerOffer *domain.Offer
	err := r.opts.Retry.Do(ctx, retryableErr, func(ctx context.Context) error {
		var readErr error
		ledgerOffer, readErr = adapter.ReadOffer(ctx, offerID)
		return readErr
	})
	if err != nil {
		return domain.ReconciliationOutcome{}, err
	}

	local, err := r.ensureLocalOffer(ctx, ledgerOffer)
	if err != nil {
		return domain.ReconciliationOutcome{}, err
	}
	before := local.StatusString()

	fallbackWindow := r.consignmentWindow(ctx, adapter, ledgerOffer)

	corrected := false
	updated := local
	for {
		changed := applyLedgerOffer(updated, ledgerOffer, fallbackWindow, r.now())
		if !changed {
			break
		}
		err = r.store.UpdateOffer(ctx, updated, updated.Version)
		if err == nil {
			corrected = true
			break
		}
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			// A concurrent writer landed first; re-read and re-check.
			updated, err = r.store.GetOffer(ctx, chain, offerID)
			if err != nil {
				return domain.ReconciliationOutcome{}, err
			}
			continue
		}
		return domain.ReconciliationOutcome{}, err
	}

	outcome := domain.ReconciliationOutcome{
		RecordID:     fmt.Sprintf("offer/%s/%d", chain, offerID),
		Chain:        chain,
		LocalStatus:  before,
		LedgerStatus: ledgerOffer.StatusString(),
		Corrected:    corrected,
	}
	if corrected {
		r.metrics.RecordCorrection(string(chain), "offer")
		r.logger.Info().
			Str("chain", string(chain)).
			Uint64("offer_id", offerID).
			Str("before", before).
			Str("after", updated.StatusString()).
			Msg("offer corrected to ledger truth")
	}
	return outcome, nil
}

// consignmentWindow reads the linked consignment's settlement window for
// offers whose own account carries none. Read failures are logged and
// treated as no window so the sweep keeps moving.
func (r *Reconciler) consignmentWindow(ctx context.Context, adapter ledger.Adapter, ledgerOffer *domain.Offer) int64 {
	if ledgerOffer.MaxTimeToExecuteSecs > 0 || ledgerOffer.ConsignmentID == nil {
		return 0
	}
	var ledgerC *domain.Consignment
	err := r.opts.Retry.Do(ctx, retryableErr, func(ctx context.Context) error {
		var readErr error
		ledgerC, readErr = adapter.ReadConsignment(ctx, *ledgerOffer.ConsignmentID)
		return readErr
	})
	if err != nil {
		r.logger.Warn().Err(err).
			Str("chain", string(ledgerOffer.Chain)).
			Uint64("consignment_id", *ledgerOffer.ConsignmentID).
			Msg("consignment window read failed, skipping expiry check")
		return 0
	}
	return ledgerC.MaxTimeToExecuteSecs
}

// applyLedgerOffer folds ledger truth into the cached record. Flags only gain
// truth: the ledger setting a flag is copied, the ledger lacking one never
// clears it. Unpaid offers past their settlement window are closed out
// locally so the orchestrator stops considering them; fallbackWindowSecs
// supplies the consignment's window when the offer has none.
func applyLedgerOffer(local, ledgerOffer *domain.Offer, fallbackWindowSecs int64, now time.Time) bool {
	changed := false
	if ledgerOffer.Approved && !local.Approved {
		local.Approved = true
		changed = true
	}
	if ledgerOffer.Paid && !local.Paid {
		local.Paid = true
		changed = true
	}
	if ledgerOffer.Fulfilled && !local.Fulfilled {
		local.Fulfilled = true
		changed = true
	}
	if ledgerOffer.Cancelled && !local.Cancelled {
		local.Cancelled = true
		changed = true
	}
	if ledgerOffer.Paid && ledgerOffer.AmountPaid != nil &&
		(local.AmountPaid == nil || local.AmountPaid.Cmp(ledgerOffer.AmountPaid) != 0) {
		local.AmountPaid = ledgerOffer.AmountPaid
		changed = true
	}
	if ledgerOffer.Paid && ledgerOffer.Payer != "" && local.Payer != ledgerOffer.Payer {
		local.Payer = ledgerOffer.Payer
		changed = true
	}
	if !local.Paid && !local.Cancelled && !local.Fulfilled && local.ExecutionExpiredWith(fallbackWindowSecs, now) {
		local.Cancelled = true
		changed = true
	}
	return changed
}

func (r *Reconciler) reconcileConsignment(ctx context.Context, adapter ledger.Adapter, id uint64) (domain.ReconciliationOutcome, error) {
	chain := adapter.Chain()

	var ledgerC *domain.Consignment
	err := r.opts.Retry.Do(ctx, retryableErr, func(ctx context.Context) error {
		var readErr error
		ledgerC, readErr = adapter.ReadConsignment(ctx, id)
		return readErr
	})
	if err != nil {
		return domain.ReconciliationOutcome{}, err
	}

	local, err := r.store.GetConsignment(ctx, chain, id)
	if errors.Is(err, domain.ErrNotFound) {
		if insertErr := r.store.InsertConsignment(ctx, ledgerC); insertErr != nil {
			return domain.ReconciliationOutcome{}, insertErr
		}
		local, err = r.store.GetConsignment(ctx, chain, id)
	}
	if err != nil {
		return domain.ReconciliationOutcome{}, err
	}
	before := string(local.Status)

	corrected := false
	for {
		changed := false
		if local.RemainingAmount.Cmp(ledgerC.RemainingAmount) != 0 {
			local.RemainingAmount = ledgerC.RemainingAmount
			changed = true
		}
		if local.Status != ledgerC.Status {
			local.Status = ledgerC.Status
			changed = true
		}
		if !changed {
			break
		}
		err = r.store.UpdateConsignment(ctx, local, local.Version)
		if err == nil {
			corrected = true
			break
		}
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			local, err = r.store.GetConsignment(ctx, chain, id)
			if err != nil {
				return domain.ReconciliationOutcome{}, err
			}
			continue
		}
		return domain.ReconciliationOutcome{}, err
	}

	outcome := domain.ReconciliationOutcome{
		RecordID:     fmt.Sprintf("consignment/%s/%d", chain, id),
		Chain:        chain,
		LocalStatus:  before,
		LedgerStatus: string(ledgerC.Status),
		Corrected:    corrected,
	}
	if corrected {
		r.metrics.RecordCorrection(string(chain), "consignment")
		r.logger.Info().
			Str("chain", string(chain)).
			Uint64("consignment_id", id).
			Str("before", before).
			Str("after", string(local.Status)).
			Msg("consignment corrected to ledger truth")
	}
	return outcome, nil
}

// expireStaleQuotes flips pending quotes past their expiry to expired.
func (r *Reconciler) expireStaleQuotes(ctx context.Context) ([]domain.ReconciliationOutcome, error) {
	pending, err := r.store.ListPendingQuotes(ctx)
	if err != nil {
		return nil, err
	}

	now := r.now()
	outcomes := make([]domain.ReconciliationOutcome, 0)
	for _, q := range pending {
		if !q.ExpiresAt.Before(now) {
			continue
		}
		q.Status = domain.QuoteExpired
		err := r.store.UpdateQuote(ctx, q, q.Version)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			r.logger.Error().Err(err).Str("quote_id", q.QuoteID).Msg("quote expiry write failed")
			continue
		}
		r.metrics.RecordCorrection(string(q.Chain), "quote")
		r.logger.Info().
			Str("quote_id", q.QuoteID).
			Str("chain", string(q.Chain)).
			Time("expired_at", q.ExpiresAt).
			Msg("pending quote expired")
		outcomes = append(outcomes, domain.ReconciliationOutcome{
			RecordID:     "quote/" + q.QuoteID,
			Chain:        q.Chain,
			LocalStatus:  string(domain.QuotePending),
			LedgerStatus: string(domain.QuoteExpired),
			Corrected:    true,
		})
	}
	return outcomes, nil
}

func (r *Reconciler) ensureLocalOffer(ctx context.Context, ledgerOffer *domain.Offer) (*domain.Offer, error) {
	local, err := r.store.GetOffer(ctx, ledgerOffer.Chain, ledgerOffer.ID)
	if err == nil {
		return local, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if insertErr := r.store.InsertOffer(ctx, ledgerOffer); insertErr != nil {
		return nil, insertErr
	}
	return r.store.GetOffer(ctx, ledgerOffer.Chain, ledgerOffer.ID)
}
