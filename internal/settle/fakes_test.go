package settle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
	"otcdesk/internal/ledger"
	"otcdesk/internal/oracle"
	"otcdesk/internal/store"
)

// memStore is an in-memory Store with the same conditional-write contract as
// the PostgreSQL implementation.
type memStore struct {
	mu           sync.Mutex
	offers       map[string]*domain.Offer
	consignments map[string]*domain.Consignment
	quotes       map[string]*domain.Quote
	checks       []store.PriceCheck
}

func newMemStore() *memStore {
	return &memStore{
		offers:       make(map[string]*domain.Offer),
		consignments: make(map[string]*domain.Consignment),
		quotes:       make(map[string]*domain.Quote),
	}
}

func offerKey(chain domain.Chain, id uint64) string {
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
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerKey(chain, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyOffer(o), nil
}

func (m *memStore) InsertOffer(ctx context.Context, offer *domain.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := offerKey(offer.Chain, offer.ID)
	if _, ok := m.offers[key]; ok {
		// Racing inserts write identical ledger truth; first writer wins.
		return nil
	}
	stored := copyOffer(offer)
	stored.Version = 1
	m.offers[key] = stored
	return nil
}

func (m *memStore) UpdateOffer(ctx context.Context, offer *domain.Offer, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := offerKey(offer.Chain, offer.ID)
	current, ok := m.offers[key]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != expectedVersion {
		return domain.ErrConcurrencyConflict
	}
	stored := copyOffer(offer)
	stored.Version = expectedVersion + 1
	m.offers[key] = stored
	return nil
}

func (m *memStore) ListOffers(ctx context.Context, filter store.OfferFilter) ([]*domain.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consignments[offerKey(chain, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyConsignment(c), nil
}

func (m *memStore) InsertConsignment(ctx context.Context, c *domain.Consignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := offerKey(c.Chain, c.ID)
	if _, ok := m.consignments[key]; ok {
		return nil
	}
	stored := copyConsignment(c)
	stored.Version = 1
	m.consignments[key] = stored
	return nil
}

func (m *memStore) UpdateConsignment(ctx context.Context, c *domain.Consignment, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := offerKey(c.Chain, c.ID)
	current, ok := m.consignments[key]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != expectedVersion {
		return domain.ErrConcurrencyConflict
	}
	stored := copyConsignment(c)
	stored.Version = expectedVersion + 1
	m.consignments[key] = stored
	return nil
}

func (m *memStore) ListConsignments(ctx context.Context, chain domain.Chain, consigner string) ([]*domain.Consignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[quoteID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyQuote(q), nil
}

func (m *memStore) InsertQuote(ctx context.Context, q *domain.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := copyQuote(q)
	stored.Version = 1
	m.quotes[q.QuoteID] = stored
	return nil
}

func (m *memStore) UpdateQuote(ctx context.Context, q *domain.Quote, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Quote
	for _, q := range m.quotes {
		if q.Status != domain.QuotePending {
			continue
		}
		out = append(out, copyQuote(q))
	}
	return out, nil
}

func (m *memStore) InsertPriceCheck(ctx context.Context, check store.PriceCheck) (store.PriceCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	check.ID = int64(len(m.checks) + 1)
	m.checks = append(m.checks, check)
	return check, nil
}

func (m *memStore) ListRecentPriceChecks(ctx context.Context, limit int) ([]store.PriceCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]store.PriceCheck(nil), m.checks...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) ListPriceChecksBetween(ctx context.Context, from, to time.Time) ([]store.PriceCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PriceCheck
	for _, c := range m.checks {
		if c.CheckedAt.Before(from) || !c.CheckedAt.Before(to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

var _ Store = (*memStore)(nil)

// claimHookStore runs a hook once, just before the first conditional offer
// write, so a test can interleave a second caller at the claim point.
type claimHookStore struct {
	*memStore
	once    sync.Once
	onClaim func()
}

func (s *claimHookStore) UpdateOffer(ctx context.Context, offer *domain.Offer, expectedVersion int64) error {
	s.once.Do(s.onClaim)
	return s.memStore.UpdateOffer(ctx, offer, expectedVersion)
}

// fakeAdapter is a scriptable ledger adapter.
type fakeAdapter struct {
	mu           sync.Mutex
	chain        domain.Chain
	paused       bool
	offers       map[uint64]*domain.Offer
	consignments map[uint64]*domain.Consignment

	approveCalls int
	payCalls     int
	lastPaid     *big.Int
	lastCurrency domain.Currency

	approveErr error
	payErr     error
	confirm    *ledger.Confirmation
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
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[id]
	if !ok {
		return nil, &domain.ChainError{Chain: f.chain, Op: "readOffer", Reason: "offer not found"}
	}
	return copyOffer(o), nil
}

func (f *fakeAdapter) ReadConsignment(ctx context.Context, id uint64) (*domain.Consignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.consignments[id]
	if !ok {
		return nil, &domain.ChainError{Chain: f.chain, Op: "readConsignment", Reason: "consignment not found"}
	}
	return copyConsignment(c), nil
}

func (f *fakeAdapter) DeskPaused(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused, nil
}

func (f *fakeAdapter) ApproveOffer(ctx context.Context, id uint64) (ledger.TxRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveErr != nil {
		return ledger.TxRef{}, f.approveErr
	}
	f.approveCalls++
	if o, ok := f.offers[id]; ok {
		o.Approved = true
	}
	return ledger.TxRef{Chain: f.chain, Hash: fmt.Sprintf("0xapprove%d", id)}, nil
}

func (f *fakeAdapter) PayOffer(ctx context.Context, id uint64, amount *big.Int, currency domain.Currency) (ledger.TxRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payErr != nil {
		return ledger.TxRef{}, f.payErr
	}
	f.payCalls++
	f.lastPaid = new(big.Int).Set(amount)
	f.lastCurrency = currency
	if o, ok := f.offers[id]; ok {
		o.Paid = true
		o.AmountPaid = new(big.Int).Set(amount)
	}
	return ledger.TxRef{Chain: f.chain, Hash: fmt.Sprintf("0xpay%d", id)}, nil
}

func (f *fakeAdapter) WaitForConfirmation(ctx context.Context, ref ledger.TxRef) (ledger.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirm != nil {
		c := *f.confirm
		c.Ref = ref
		return c, nil
	}
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

// fakeChecker answers every divergence check with a canned result.
type fakeChecker struct {
	result oracle.Result
	err    error
	calls  int
}

func (f *fakeChecker) CheckPriceDivergence(ctx context.Context, tokenID string, chain domain.Chain, candidateUSD, thresholdPct decimal.Decimal) (oracle.Result, error) {
	f.calls++
	if f.err != nil {
		return oracle.Result{}, f.err
	}
	return f.result, nil
}
