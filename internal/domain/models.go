package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Chain identifies a ledger family. Everything outside the ledger adapters
// treats it as an opaque key.
type Chain string

const (
	ChainEVM    Chain = "evm"
	ChainSolana Chain = "solana"
)

// KnownChain reports whether c maps to a supported ledger family.
func KnownChain(c Chain) bool {
	return c == ChainEVM || c == ChainSolana
}

// Currency selects the settlement asset for an offer. The encoding (0 =
// native, 1 = stable) matches the on-ledger programs.
type Currency uint8

const (
	CurrencyNative Currency = 0
	CurrencyStable Currency = 1
)

func (c Currency) String() string {
	switch c {
	case CurrencyNative:
		return "native"
	case CurrencyStable:
		return "stable"
	default:
		return "unknown"
	}
}

// ConsignmentStatus is the lifecycle state of a seller's inventory listing.
type ConsignmentStatus string

const (
	ConsignmentActive    ConsignmentStatus = "active"
	ConsignmentPaused    ConsignmentStatus = "paused"
	ConsignmentWithdrawn ConsignmentStatus = "withdrawn"
	ConsignmentExhausted ConsignmentStatus = "exhausted"
)

// Terminal reports whether no further offers may settle against the consignment.
func (s ConsignmentStatus) Terminal() bool {
	return s == ConsignmentWithdrawn || s == ConsignmentExhausted
}

// Consignment is a seller's standing inventory offer. Token amounts are in
// base units of the consigned token.
type Consignment struct {
	ID        uint64
	Chain     Chain
	TokenID   string
	Consigner string

	TotalAmount     *big.Int
	RemainingAmount *big.Int

	IsNegotiable     bool
	FixedDiscountBps uint16
	FixedLockupDays  uint32
	MinDiscountBps   uint16
	MaxDiscountBps   uint16
	MinLockupDays    uint32
	MaxLockupDays    uint32

	MinDealAmount *big.Int
	MaxDealAmount *big.Int

	IsFractionalized bool
	IsPrivate        bool

	MaxPriceVolatilityBps uint16
	MaxTimeToExecuteSecs  int64

	Status    ConsignmentStatus
	CreatedAt time.Time

	// Version guards conditional writes; zero for records read from a ledger.
	Version int64
}

// VolatilityThresholdPct converts maxPriceVolatilityBps to a percentage
// threshold for price protection. Zero means "use the caller's default".
func (c *Consignment) VolatilityThresholdPct() decimal.Decimal {
	if c == nil || c.MaxPriceVolatilityBps == 0 {
		return decimal.Zero
	}
	return decimal.New(int64(c.MaxPriceVolatilityBps), -2)
}

// Offer is a single buyer-side trade instance, optionally carved out of a
// consignment. Status flags are monotonic: they only flip false to true, and
// cancelled never coexists with fulfilled.
type Offer struct {
	ID            uint64
	Chain         Chain
	ConsignmentID *uint64
	TokenID       string
	Beneficiary   string

	TokenAmount *big.Int
	DiscountBps uint16
	LockupSecs  int64
	Currency    Currency

	// Price snapshots taken when the offer was created, USD per whole token.
	PriceUSDPerToken decimal.Decimal
	NativeUSDPrice   decimal.Decimal

	Approved  bool
	Paid      bool
	Fulfilled bool
	Cancelled bool

	AmountPaid *big.Int
	Payer      string

	CreatedAt  time.Time
	UnlockTime time.Time

	// MaxTimeToExecuteSecs bounds how long after creation the offer may still
	// be paid. Zero disables the window.
	MaxTimeToExecuteSecs int64

	Version int64
}

// Terminal reports whether the offer admits no further status writes.
func (o *Offer) Terminal() bool {
	return o.Fulfilled || o.Cancelled
}

// ExecutionExpired reports whether the settlement window has elapsed for an
// unpaid offer.
func (o *Offer) ExecutionExpired(now time.Time) bool {
	return o.ExecutionExpiredWith(0, now)
}

// ExecutionExpiredWith is ExecutionExpired with a fallback window, for chains
// where the offer account carries no window of its own and the linked
// consignment's MaxTimeToExecuteSecs applies instead.
func (o *Offer) ExecutionExpiredWith(fallbackSecs int64, now time.Time) bool {
	window := o.MaxTimeToExecuteSecs
	if window <= 0 {
		window = fallbackSecs
	}
	if o.Paid || window <= 0 {
		return false
	}
	deadline := o.CreatedAt.Add(time.Duration(window) * time.Second)
	return now.After(deadline)
}

// StatusString renders the flag set for logs.
func (o *Offer) StatusString() string {
	switch {
	case o.Cancelled:
		return "cancelled"
	case o.Fulfilled:
		return "fulfilled"
	case o.Paid:
		return "paid"
	case o.Approved:
		return "approved"
	default:
		return "created"
	}
}

// QuoteStatus is the lifecycle state of an off-chain quote.
type QuoteStatus string

const (
	QuotePending  QuoteStatus = "pending"
	QuoteExecuted QuoteStatus = "executed"
	QuoteExpired  QuoteStatus = "expired"
)

// Quote captures negotiated terms before an offer exists on a ledger. Its
// PriceAtQuote is the baseline settlement-time price protection compares
// against.
type Quote struct {
	QuoteID      string
	Chain        Chain
	Beneficiary  string
	TokenID      string
	TokenAmount  *big.Int
	DiscountBps  uint16
	LockupDays   uint32
	PriceAtQuote decimal.Decimal
	OfferID      *uint64
	ExpiresAt    time.Time
	Status       QuoteStatus
	CreatedAt    time.Time

	Version int64
}

// ReconciliationOutcome describes one audited record. It is produced for
// observability and never persisted.
type ReconciliationOutcome struct {
	RecordID     string
	Chain        Chain
	LocalStatus  string
	LedgerStatus string
	Corrected    bool
}
