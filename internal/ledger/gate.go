package ledger

import (
	"context"
	"sync"
)

// SubmitGate serializes transaction submission per (chain, signer) pair. The
// custodial key is a single shared credential, so two in-flight submissions
// from the same signer would race for the same sequence number. Only the
// submission is serialized; confirmation waits run outside the gate.
type SubmitGate struct {
	mu    sync.Mutex
	gates map[string]*sync.Mutex
}

// NewSubmitGate constructs an empty gate set.
func NewSubmitGate() *SubmitGate {
	return &SubmitGate{gates: make(map[string]*sync.Mutex)}
}

// Do runs submit while holding the lane for key, unless ctx is already done.
func (g *SubmitGate) Do(ctx context.Context, key string, submit func() error) error {
	lane := g.lane(key)
	lane.Lock()
	defer lane.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return submit()
}

func (g *SubmitGate) lane(key string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lane, ok := g.gates[key]
	if !ok {
		lane = &sync.Mutex{}
		g.gates[key] = lane
	}
	return lane
}
