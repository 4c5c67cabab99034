package reconcile

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"otcdesk/internal/domain"
	"otcdesk/internal/ledger"
	"otcdesk/internal/retry"
	"otcdesk/internal/store"
)

// memStore is an in-memory Store with the PostgreSQL conditional-write
// contract.
type memStore struct {
	offers       map[string]*domain.Offer
	consignments map[string]*domain.Consignment
	quotes       map[string]*domain.Quote
}

func newMemStore() *memStore {
	return &memStore{
		offers:       make(map[string]*domain.Offer),
		consignments: make(map[string]*domain.Consignment),
		quotes:       make(map[string]*domain.Quote),
	}
}

func key(chain domain.Chain, id uint64) string {
	return fmt.Sprintf("%s/%d", chain, id)
}

func copyOffer(o *domain.Offer) *domain.Offer {
	c := *o
	if o.TokenAmount != nil {
		c.TokenAmount = new(big.Int).Set(o.TokenAmount)
	}
	if o.AmountPaid != nil {
		c.AmountPaid = new(big.Int).Set(o.AmountPaid)
	}
	if o.ConsignmentID != nil {
		id := *o.ConsignmentID
		c.ConsignmentID = &id
	}
	return &c
}

func copyConsignment(c *domain.Consignment) *domain.Consignment {
	cp := *c
	if c.TotalAmount != nil {
		cp.TotalAmount = new(big.Int).Set(c.TotalAmount)
	}
	if c.RemainingAmount != nil {
		cp.RemainingAmount = new(big.Int).Set(c.RemainingAmount)
	}
	return &cp
}

func copyQuote(q *domain.Quote) *domain.Quote {
	c := *q
	if q.TokenAmount != nil {
		c.TokenAmount = new(big.Int).Set(q.TokenAmount)
	}
	if q.OfferID != nil {
		id := *q.OfferID
		c.OfferID = &id
	}
	return &c
}

func (m *memStore) GetOffer(ctx context.Context, chain domain.Chain, id uint64) (*domain.Offer, error) {
	o, ok := m.offers[key(chain, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyOffer(o), nil
}

func (m *memStore) InsertOffer(ctx context.Context, offer *domain.Offer) error {
	k := key(offer.Chain, offer.ID)
	if _, ok := m.offers[k]; ok {
		return nil
	}
	stored := copyOffer(offer)
	stored.Version = 1
	m.offers[k] = stored
	return nil
}

func (m *memStore) UpdateOffer(ctx context.Context, offer *domain.Offer, expectedVersion int64) error {
	k := key(offer.Chain, offer.ID)
	current, ok := m.offers[k]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != expectedVersion {
		return domain.ErrConcurrencyConflict
	}
	stored := copyOffer(offer)
	stored.Version = expectedVersion + 1
	m.offers[k] = stored
	return nil
}

func (m *memStore) ListOffers(ctx context.Context, filter store.OfferFilter) ([]*domain.Offer, error) {
	var out []*domain.Offer
	for _, o := range m.offers {
		if filter.Chain != "" && o.Chain != filter.Chain {
			continue
		}
		if filter.OpenOnly && (o.Fulfilled || o.Cancelled) {
			continue
		}
		out = append(out, copyOffer(o))
	}
	return out, nil
}

func (m *memStore) GetConsignment(ctx context.Context, chain domain.Chain, id uint64) (*domain.Consignment, error) {
	c, ok := m.consignments[key(chain, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyConsignment(c), nil
}

func (m *memStore) InsertConsignment(ctx context.Context, c *domain.Consignment) error {
	k := key(c.Chain, c.ID)
	if _, ok := m.consignments[k]; ok {
		return nil
	}
	stored := copyConsignment(c)
	stored.Version = 1
	m.consignments[k] = stored
	return nil
}

func (m *memStore) UpdateConsignment(ctx context.Context, c *domain.Consignment, expectedVersion int64) error {
	k := key(c.Chain, c.ID)
	current, ok := m.consignments[k]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != expectedVersion {
		return domain.ErrConcurrencyConflict
	}
	stored := copyConsignment(c)
	stored.Version = expectedVersion + 1
	m.consignments[k] = stored
	return nil
}

func (m *memStore) ListConsignments(ctx context.Context, chain domain.Chain, consigner string) ([]*domain.Consignment, error) {
	var out []*domain.Consignment
	for _, c := range m.consignments {
		if c.Chain != chain || c.Consigner != consigner {
			continue
		}
		out = append(out, copyConsignment(c))
	}
	return out, nil
}

func (m *memStore) GetQuote(ctx context.Context, quoteID string) (*domain.Quote, error) {
	q, ok := m.quotes[quoteID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyQuote(q), nil
}

func (m *memStore) InsertQuote(ctx context.Context, q *domain.Quote) error {
	stored := copyQuote(q)
	stored.Version = 1
	m.quotes[q.QuoteID] = stored
	return nil
}

func (m *memStore) UpdateQuote(ctx context.Context, q *domain.Quote, expectedVersion int64) error {
	current, ok := m.quotes[q.QuoteID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != expectedVersion {
		return domain.ErrConcurrencyConflict
	}
	stored := copyQuote(q)
	stored.Version = expectedVersion + 1
	m.quotes[q.QuoteID] = stored
	return nil
}

func (m *memStore) ListPendingQuotes(ctx context.Context) ([]*domain.Quote, error) {
	var out []*domain.Quote
	for _, q := range m.quotes {
		if q.Status != domain.QuotePending {
			continue
		}
		out = append(out, copyQuote(q))
	}
	return out, nil
}

var _ Store = (*memStore)(nil)

// fakeAdapter serves canned ledger records.
type fakeAdapter struct {
	chain        domain.Chain
	offers       map[uint64]*domain.Offer
	consignments map[uint64]*domain.Consignment
}

func newFakeAdapter(chain domain.Chain) *fakeAdapter {
	return &fakeAdapter{
		chain:        chain,
		offers:       make(map[uint64]*domain.Offer),
		consignments: make(map[uint64]*domain.Consignment),
	}
}

func (f *fakeAdapter) Chain() domain.Chain { return f.chain }

func (f *fakeAdapter) ReadOffer(ctx context.Context, id uint64) (*domain.Offer, error) {
	o, ok := f.offers[id]
	if !ok {
		return nil, &domain.ChainError{Chain: f.chain, Op: "readOffer", Reverted: true, Reason: "offer not found"}
	}
	return copyOffer(o), nil
}

func (f *fakeAdapter) ReadConsignment(ctx context.Context, id uint64) (*domain.Consignment, error) {
	c, ok := f.consignments[id]
	if !ok {
		return nil, &domain.ChainError{Chain: f.chain, Op: "readConsignment", Reverted: true, Reason: "consignment not found"}
	}
	return copyConsignment(c), nil
}

func (f *fakeAdapter) DeskPaused(ctx context.Context) (bool, error) { return false, nil }

func (f *fakeAdapter) ApproveOffer(ctx context.Context, id uint64) (ledger.TxRef, error) {
	return ledger.TxRef{}, &domain.ChainError{Chain: f.chain, Op: "approveOffer", Reverted: true, Reason: "not supported"}
}

func (f *fakeAdapter) PayOffer(ctx context.Context, id uint64, amount *big.Int, currency domain.Currency) (ledger.TxRef, error) {
	return ledger.TxRef{}, &domain.ChainError{Chain: f.chain, Op: "payOffer", Reverted: true, Reason: "not supported"}
}

func (f *fakeAdapter) WaitForConfirmation(ctx context.Context, ref ledger.TxRef) (ledger.Confirmation, error) {
	return ledger.Confirmation{Ref: ref, Confirmed: true}, nil
}

var _ ledger.Adapter = (*fakeAdapter)(nil)

type fakeLedgers struct {
	adapter *fakeAdapter
}

func (f fakeLedgers) For(chain domain.Chain) (ledger.Adapter, error) {
	if chain != f.adapter.chain {
		return nil, &domain.ValidationError{Field: "chain", Reason: "no ledger adapter"}
	}
	return f.adapter, nil
}

func uintPtr(v uint64) *uint64 { return &v }

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func newReconciler(adapter *fakeAdapter, st *memStore, now time.Time) *Reconciler {
	return New(fakeLedgers{adapter}, st, nil, Options{
		Retry: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Now:   func() time.Time { return now },
	}, zerolog.Nop())
}

func TestReconcileCorrectsPaidDrift(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	adapter := newFakeAdapter(domain.ChainEVM)
	adapter.offers[7] = &domain.Offer{
		ID:               7,
		Chain:            domain.ChainEVM,
		TokenID:          "0xtoken",
		TokenAmount:      tokens(100),
		PriceUSDPerToken: decimal.NewFromInt(2),
		Approved:         true,
		Paid:             true,
		AmountPaid:       big.NewInt(200_000_000),
		Payer:            "0xdesk",
		CreatedAt:        now.Add(-time.Hour),
	}

	st := newMemStore()
	// The cache only saw the approval; the crash happened before the paid
	// write landed.
	stale := copyOffer(adapter.offers[7])
	stale.Paid = false
	stale.AmountPaid = nil
	stale.Payer = ""
	require.NoError(t, st.InsertOffer(context.Background(), stale))

	r := newReconciler(adapter, st, now)
	outcome, err := r.ReconcileOne(context.Background(), domain.ChainEVM, 7)
	require.NoError(t, err)
	require.True(t, outcome.Corrected)
	require.Equal(t, "approved", outcome.LocalStatus)
	require.Equal(t, "paid", outcome.LedgerStatus)

	local, err := st.GetOffer(context.Background(), domain.ChainEVM, 7)
	require.NoError(t, err)
	require.True(t, local.Paid)
	require.Equal(t, "200000000", local.AmountPaid.String())
	require.Equal(t, "0xdesk", local.Payer)
}

func TestReconcileIsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	adapter := newFakeAdapter(domain.ChainEVM)
	adapter.offers[7] = &domain.Offer{
		ID:          7,
		Chain:       domain.ChainEVM,
		TokenID:     "0xtoken",
		TokenAmount: tokens(100),
		Approved:    true,
		CreatedAt:   now.Add(-time.Hour),
	}
	st := newMemStore()
	r := newReconciler(adapter, st, now)

	first, err := r.ReconcileOne(context.Background(), domain.ChainEVM, 7)
	require.NoError(t, err)
	// The first pass only inserts the ledger-observed record; nothing to
	// correct.
	require.False(t, first.Corrected)

	second, err := r.ReconcileOne(context.Background(), domain.ChainEVM, 7)
	require.NoError(t, err)
	require.False(t, second.Corrected)
}

func TestReconcileNeverClearsLocalFlags(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	adapter := newFakeAdapter(domain.ChainEVM)
	adapter.offers[7] = &domain.Offer{
		ID:          7,
		Chain:       domain.ChainEVM,
		TokenID:     "0xtoken",
		TokenAmount: tokens(100),
		CreatedAt:   now.Add(-time.Hour),
	}

	st := newMemStore()
	// The orchestrator already recorded an approval the ledger read does not
	// show yet (observed mid-confirmation).
	ahead := copyOffer(adapter.offers[7])
	ahead.Approved = true
	require.NoError(t, st.InsertOffer(context.Background(), ahead))

	r := newReconciler(adapter, st, now)
	outcome, err := r.ReconcileOne(context.Background(), domain.ChainEVM, 7)
	require.NoError(t, err)
	require.False(t, outcome.Corrected)

	local, err := st.GetOffer(context.Background(), domain.ChainEVM, 7)
	require.NoError(t, err)
	require.True(t, local.Approved, "a locally recorded approval must survive reconciliation")
}

func TestReconcileCancelsExpiredWindow(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	adapter := newFakeAdapter(domain.ChainEVM)
	adapter.offers[7] = &domain.Offer{
		ID:                   7,
		Chain:                domain.ChainEVM,
		TokenID:              "0xtoken",
		TokenAmount:          tokens(100),
		Approved:             true,
		CreatedAt:            now.Add(-2 * time.Hour),
		MaxTimeToExecuteSecs: 3600,
	}
	st := newMemStore()
	r := newReconciler(adapter, st, now)

	outcome, err := r.ReconcileOne(context.Background(), domain.ChainEVM, 7)
	require.NoError(t, err)
	require.True(t, outcome.Corrected)

	local, err := st.GetOffer(context.Background(), domain.ChainEVM, 7)
	require.NoError(t, err)
	require.True(t, local.Cancelled, "an unpaid offer past its window is closed out locally")
}

func TestReconcileCancelsUsingConsignmentWindow(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	adapter := newFakeAdapter(domain.ChainSolana)
	// The offer account carries no window of its own; the consignment's
	// applies.
	adapter.consignments[1] = &domain.Consignment{
		ID:                   1,
		Chain:                domain.ChainSolana,
		TokenID:              "So1Token",
		Consigner:            "seller",
		TotalAmount:          tokens(1000),
		RemainingAmount:      tokens(1000),
		MaxTimeToExecuteSecs: 3600,
		Status:               domain.ConsignmentActive,
	}
	adapter.offers[7] = &domain.Offer{
		ID:            7,
		Chain:         domain.ChainSolana,
		ConsignmentID: uintPtr(1),
		TokenID:       "So1Token",
		TokenAmount:   tokens(100),
		Approved:      true,
		CreatedAt:     now.Add(-2 * time.Hour),
	}
	st := newMemStore()
	r := newReconciler(adapter, st, now)

	outcome, err := r.ReconcileOne(context.Background(), domain.ChainSolana, 7)
	require.NoError(t, err)
	require.True(t, outcome.Corrected)

	local, err := st.GetOffer(context.Background(), domain.ChainSolana, 7)
	require.NoError(t, err)
	require.True(t, local.Cancelled)
}

func TestReconcileAllActiveSweepsConsignments(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	adapter := newFakeAdapter(domain.ChainEVM)
	adapter.consignments[1] = &domain.Consignment{
		ID:              1,
		Chain:           domain.ChainEVM,
		TokenID:         "0xtoken",
		Consigner:       "0xseller",
		TotalAmount:     tokens(1000),
		RemainingAmount: tokens(400),
		Status:          domain.ConsignmentActive,
	}
	adapter.offers[7] = &domain.Offer{
		ID:            7,
		Chain:         domain.ChainEVM,
		ConsignmentID: uintPtr(1),
		TokenID:       "0xtoken",
		TokenAmount:   tokens(100),
		Approved:      true,
		CreatedAt:     now.Add(-time.Hour),
	}
	adapter.offers[8] = &domain.Offer{
		ID:            8,
		Chain:         domain.ChainEVM,
		ConsignmentID: uintPtr(1),
		TokenID:       "0xtoken",
		TokenAmount:   tokens(100),
		CreatedAt:     now.Add(-time.Hour),
	}

	st := newMemStore()
	require.NoError(t, st.InsertOffer(context.Background(), adapter.offers[7]))
	require.NoError(t, st.InsertOffer(context.Background(), adapter.offers[8]))
	// The cached consignment still shows the pre-settlement balance.
	localC := copyConsignment(adapter.consignments[1])
	localC.RemainingAmount = tokens(600)
	require.NoError(t, st.InsertConsignment(context.Background(), localC))

	r := newReconciler(adapter, st, now)
	outcomes, err := r.ReconcileAllActive(context.Background())
	require.NoError(t, err)

	// Two offers plus the consignment, audited once despite two references.
	require.Len(t, outcomes, 3)

	c, err := st.GetConsignment(context.Background(), domain.ChainEVM, 1)
	require.NoError(t, err)
	require.Equal(t, tokens(400).String(), c.RemainingAmount.String())
}

func TestReconcileAllActiveExpiresStaleQuotes(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	adapter := newFakeAdapter(domain.ChainEVM)
	st := newMemStore()
	require.NoError(t, st.InsertQuote(context.Background(), &domain.Quote{
		QuoteID:      "q-stale",
		Chain:        domain.ChainEVM,
		TokenID:      "0xtoken",
		TokenAmount:  tokens(10),
		PriceAtQuote: decimal.NewFromInt(2),
		ExpiresAt:    now.Add(-time.Minute),
		Status:       domain.QuotePending,
	}))
	require.NoError(t, st.InsertQuote(context.Background(), &domain.Quote{
		QuoteID:      "q-live",
		Chain:        domain.ChainEVM,
		TokenID:      "0xtoken",
		TokenAmount:  tokens(10),
		PriceAtQuote: decimal.NewFromInt(2),
		ExpiresAt:    now.Add(time.Hour),
		Status:       domain.QuotePending,
	}))

	r := newReconciler(adapter, st, now)
	outcomes, err := r.ReconcileAllActive(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, "quote/q-stale", outcomes[0].RecordID)

	stale, err := st.GetQuote(context.Background(), "q-stale")
	require.NoError(t, err)
	require.Equal(t, domain.QuoteExpired, stale.Status)

	live, err := st.GetQuote(context.Background(), "q-live")
	require.NoError(t, err)
	require.Equal(t, domain.QuotePending, live.Status)
}

func TestReconcileObservesFulfilment(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	adapter := newFakeAdapter(domain.ChainEVM)
	adapter.offers[7] = &domain.Offer{
		ID:          7,
		Chain:       domain.ChainEVM,
		TokenID:     "0xtoken",
		TokenAmount: tokens(100),
		Approved:    true,
		Paid:        true,
		Fulfilled:   true,
		CreatedAt:   now.Add(-time.Hour),
	}
	st := newMemStore()
	stale := copyOffer(adapter.offers[7])
	stale.Fulfilled = false
	require.NoError(t, st.InsertOffer(context.Background(), stale))

	r := newReconciler(adapter, st, now)
	outcome, err := r.ReconcileOne(context.Background(), domain.ChainEVM, 7)
	require.NoError(t, err)
	require.True(t, outcome.Corrected)
	require.Equal(t, "fulfilled", outcome.LedgerStatus)

	local, err := st.GetOffer(context.Background(), domain.ChainEVM, 7)
	require.NoError(t, err)
	require.True(t, local.Fulfilled)
}
