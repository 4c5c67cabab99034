package store

import (
	"time"

	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
)

// PriceCheck is one persisted price-protection decision. The desk keeps every
// check as an audit trail; it also feeds the show/export commands.
type PriceCheck struct {
	ID            int64
	TokenID       string
	Chain         domain.Chain
	Context       string
	CandidateUsd  decimal.Decimal
	AggregatedUsd *decimal.Decimal
	DivergencePct *decimal.Decimal
	ThresholdPct  decimal.Decimal
	Valid         bool
	Warning       *string
	CheckedAt     time.Time
}

// Price check contexts.
const (
	CheckContextQuote      = "quote"
	CheckContextSettlement = "settlement"
)

// OfferFilter narrows offer queries. Zero-valued fields are ignored.
type OfferFilter struct {
	Chain domain.Chain
	// OpenOnly keeps offers that are neither fulfilled nor cancelled.
	OpenOnly bool
	Limit    int
}
