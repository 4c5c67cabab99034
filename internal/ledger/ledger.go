package ledger

import (
	"context"
	"fmt"
	"math/big"

	"otcdesk/internal/domain"
)

// TxRef identifies a broadcast transaction on some ledger.
type TxRef struct {
	Chain domain.Chain
	Hash  string
}

func (r TxRef) String() string {
	return fmt.Sprintf("%s:%s", r.Chain, r.Hash)
}

// Confirmation is the terminal outcome of a broadcast transaction.
type Confirmation struct {
	Ref       TxRef
	Confirmed bool
	// Detail carries the failure reason reported by the ledger, if any.
	Detail string
}

// Adapter reads desk records from one ledger family and submits approval and
// payment transactions with the custodial signer. Broadcasts are irreversible:
// an adapter never retries a submission it cannot prove was rejected before
// reaching the ledger. Retries belong to the caller and only around
// read-then-decide operations.
type Adapter interface {
	Chain() domain.Chain

	ReadConsignment(ctx context.Context, id uint64) (*domain.Consignment, error)
	ReadOffer(ctx context.Context, id uint64) (*domain.Offer, error)

	// DeskPaused reports the desk-wide pause flag; approve/pay would revert
	// while it is set, so callers check it pre-flight.
	DeskPaused(ctx context.Context) (bool, error)

	ApproveOffer(ctx context.Context, id uint64) (TxRef, error)
	PayOffer(ctx context.Context, id uint64, amount *big.Int, currency domain.Currency) (TxRef, error)

	WaitForConfirmation(ctx context.Context, ref TxRef) (Confirmation, error)
}

// Registry resolves the adapter for a chain. Chain identity is never branched
// on outside this layer.
type Registry struct {
	adapters map[domain.Chain]Adapter
}

// NewRegistry builds a registry over the configured adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[domain.Chain]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Chain()] = a
	}
	return &Registry{adapters: m}
}

// For returns the adapter serving chain.
func (r *Registry) For(chain domain.Chain) (Adapter, error) {
	a, ok := r.adapters[chain]
	if !ok {
		return nil, &domain.ValidationError{Field: "chain", Reason: fmt.Sprintf("no ledger adapter for %q", chain)}
	}
	return a, nil
}

// Chains lists the registered chains.
func (r *Registry) Chains() []domain.Chain {
	out := make([]domain.Chain, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	return out
}
