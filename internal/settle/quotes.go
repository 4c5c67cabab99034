package settle

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
	"otcdesk/internal/oracle"
	"otcdesk/internal/store"
)

// QuoteRequest carries already-negotiated terms to be validated and priced
// into a quote.
type QuoteRequest struct {
	Chain         domain.Chain
	ConsignmentID uint64
	Beneficiary   string
	TokenID       string
	TokenAmount   *big.Int
	DiscountBps   uint16
	LockupDays    uint32
	PriceUSD      decimal.Decimal
}

// IssueQuote validates negotiated terms against the consignment's envelope
// and the current market price, then persists a pending quote. The quote's
// price becomes the baseline settlement-time price protection compares
// against.
func (o *Orchestrator) IssueQuote(ctx context.Context, req QuoteRequest) (*domain.Quote, error) {
	if !domain.KnownChain(req.Chain) {
		return nil, &domain.ValidationError{Field: "chain", Reason: fmt.Sprintf("unknown chain %q", req.Chain)}
	}
	if req.Beneficiary == "" {
		return nil, &domain.ValidationError{Field: "beneficiary", Reason: "must be set"}
	}
	if req.TokenAmount == nil || req.TokenAmount.Sign() <= 0 {
		return nil, &domain.ValidationError{Field: "tokenAmount", Reason: "must be positive"}
	}
	if req.PriceUSD.LessThanOrEqual(decimal.Zero) {
		return nil, &domain.ValidationError{Field: "priceUsd", Reason: "must be positive"}
	}

	adapter, err := o.ledgers.For(req.Chain)
	if err != nil {
		return nil, err
	}
	consignment, err := o.readLedgerConsignment(ctx, adapter, req.ConsignmentID)
	if err != nil {
		return nil, err
	}
	if err := validateTerms(consignment, req); err != nil {
		return nil, err
	}

	threshold := consignment.VolatilityThresholdPct()
	res, err := o.prices.CheckPriceDivergence(ctx, req.TokenID, req.Chain, req.PriceUSD, threshold)
	if err != nil {
		return nil, err
	}
	o.recordPriceCheck(ctx, store.CheckContextQuote, req.Chain, req.TokenID, req.PriceUSD, threshold, res)
	if !res.Valid {
		return nil, oracle.DivergenceError(req.TokenID, req.PriceUSD, threshold, res)
	}

	now := o.now().UTC()
	quote := &domain.Quote{
		QuoteID:      uuid.NewString(),
		Chain:        req.Chain,
		Beneficiary:  req.Beneficiary,
		TokenID:      req.TokenID,
		TokenAmount:  req.TokenAmount,
		DiscountBps:  req.DiscountBps,
		LockupDays:   req.LockupDays,
		PriceAtQuote: req.PriceUSD,
		ExpiresAt:    now.Add(o.opts.QuoteTTL),
		Status:       domain.QuotePending,
		CreatedAt:    now,
	}
	if err := o.store.InsertQuote(ctx, quote); err != nil {
		return nil, err
	}
	o.logger.Info().
		Str("quote_id", quote.QuoteID).
		Str("chain", string(quote.Chain)).
		Str("token", quote.TokenID).
		Str("amount", quote.TokenAmount.String()).
		Msg("quote issued")
	return quote, nil
}

// LinkQuote binds a pending quote to the ledger offer created from its terms,
// so settlement can mark the quote executed once the offer pays out.
func (o *Orchestrator) LinkQuote(ctx context.Context, quoteID string, chain domain.Chain, offerID uint64) (*domain.Quote, error) {
	adapter, err := o.ledgers.For(chain)
	if err != nil {
		return nil, err
	}
	quote, err := o.store.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if quote.OfferID != nil && *quote.OfferID == offerID {
		return quote, nil
	}
	if quote.Status != domain.QuotePending {
		return nil, &domain.ValidationError{Field: "quote", Reason: fmt.Sprintf("quote is %s", quote.Status)}
	}
	if o.now().After(quote.ExpiresAt) {
		return nil, &domain.ValidationError{Field: "quote", Reason: "quote has expired"}
	}
	if quote.Chain != chain {
		return nil, &domain.ValidationError{Field: "chain", Reason: "does not match quote"}
	}
	if quote.OfferID != nil {
		return nil, &domain.ValidationError{Field: "quote", Reason: "quote is linked to another offer"}
	}

	ledgerOffer, err := o.readLedgerOffer(ctx, adapter, offerID)
	if err != nil {
		return nil, err
	}
	if ledgerOffer.Cancelled {
		return nil, &domain.ValidationError{Field: "offer", Reason: "offer is cancelled"}
	}
	if !strings.EqualFold(ledgerOffer.TokenID, quote.TokenID) {
		return nil, &domain.ValidationError{Field: "offer", Reason: "token does not match quote"}
	}

	quote.OfferID = &offerID
	if err := o.store.UpdateQuote(ctx, quote, quote.Version); err != nil {
		return nil, err
	}
	quote.Version++
	o.logger.Info().
		Str("quote_id", quote.QuoteID).
		Str("chain", string(chain)).
		Uint64("offer_id", offerID).
		Msg("quote linked to offer")
	return quote, nil
}

// validateTerms checks the negotiated terms fit inside the consignment's
// envelope: fixed consignments admit exactly their fixed terms, negotiable
// ones admit anything inside their ranges, and the deal size must respect
// min/max and the remaining inventory.
func validateTerms(c *domain.Consignment, req QuoteRequest) error {
	if c.Status != domain.ConsignmentActive {
		return &domain.ValidationError{Field: "consignment", Reason: fmt.Sprintf("consignment is %s", c.Status)}
	}
	if c.TokenID != req.TokenID {
		return &domain.ValidationError{Field: "tokenId", Reason: "does not match consignment"}
	}

	if c.IsNegotiable {
		if req.DiscountBps < c.MinDiscountBps || req.DiscountBps > c.MaxDiscountBps {
			return &domain.ValidationError{Field: "discountBps", Reason: fmt.Sprintf("outside negotiable range [%d, %d]", c.MinDiscountBps, c.MaxDiscountBps)}
		}
		if req.LockupDays < c.MinLockupDays || req.LockupDays > c.MaxLockupDays {
			return &domain.ValidationError{Field: "lockupDays", Reason: fmt.Sprintf("outside negotiable range [%d, %d]", c.MinLockupDays, c.MaxLockupDays)}
		}
	} else {
		if req.DiscountBps != c.FixedDiscountBps {
			return &domain.ValidationError{Field: "discountBps", Reason: fmt.Sprintf("consignment terms are fixed at %d bps", c.FixedDiscountBps)}
		}
		if req.LockupDays != c.FixedLockupDays {
			return &domain.ValidationError{Field: "lockupDays", Reason: fmt.Sprintf("consignment terms are fixed at %d days", c.FixedLockupDays)}
		}
	}

	if c.MinDealAmount != nil && c.MinDealAmount.Sign() > 0 && req.TokenAmount.Cmp(c.MinDealAmount) < 0 {
		return &domain.ValidationError{Field: "tokenAmount", Reason: "below consignment minimum deal size"}
	}
	if c.MaxDealAmount != nil && c.MaxDealAmount.Sign() > 0 && req.TokenAmount.Cmp(c.MaxDealAmount) > 0 {
		return &domain.ValidationError{Field: "tokenAmount", Reason: "above consignment maximum deal size"}
	}
	if req.TokenAmount.Cmp(c.RemainingAmount) > 0 {
		return &domain.ValidationError{Field: "tokenAmount", Reason: "exceeds consignment remaining amount"}
	}
	return nil
}
