package ledger

import (
	"context"
	"sync"
	"testing"
)

func TestSubmitGateSerializesSameLane(t *testing.T) {
	gate := NewSubmitGate()

	const workers = 16
	var inFlight, maxInFlight int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = gate.Do(context.Background(), "evm/0xsigner", func() error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("expected one in-flight submission per lane, saw %d", maxInFlight)
	}
}

func TestSubmitGateIndependentLanes(t *testing.T) {
	gate := NewSubmitGate()
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = gate.Do(context.Background(), "evm/0xsigner", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// A different lane proceeds while the first is held.
	done := make(chan struct{})
	go func() {
		_ = gate.Do(context.Background(), "solana/signer", func() error { return nil })
		close(done)
	}()
	<-done
	close(release)
}

func TestSubmitGateRespectsCancelledContext(t *testing.T) {
	gate := NewSubmitGate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := gate.Do(ctx, "evm/0xsigner", func() error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected the context error")
	}
	if called {
		t.Fatal("submission must not run once the context is cancelled")
	}
}

func TestRegistryResolvesKnownChainsOnly(t *testing.T) {
	r := NewRegistry()
	if _, err := r.For("evm"); err == nil {
		t.Fatal("empty registry must not resolve adapters")
	}
	if len(r.Chains()) != 0 {
		t.Fatal("empty registry has no chains")
	}
}
