package testing

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/thingsboard/thingsboard-sub020/types"
)

// Delivery is one subscription callback invocation.
type Delivery struct {
	Identity types.Identity
	Update   types.Update
}

// Recorder collects subscription callbacks.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
	notify     chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Handler returns the update handler to put on subscriptions.
func (r *Recorder) Handler() types.UpdateHandler {
	return func(_ context.Context, sub *types.Subscription, update types.Update) {
		r.mu.Lock()
		r.deliveries = append(r.deliveries, Delivery{Identity: sub.Identity(), Update: update})
		r.mu.Unlock()

		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
}

// Deliveries returns a copy of the callbacks received so far.
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.deliveries)
}

// Len returns the number of callbacks received so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.deliveries)
}

// WaitFor waits until at least n callbacks arrived and returns them.
// The test fails after timeout.
func (r *Recorder) WaitFor(t testing.TB, n int, timeout time.Duration) []Delivery {
	t.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if got := r.Deliveries(); len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			t.Fatalf("timed out waiting for %d deliveries, got %d", n, r.Len())
			return nil
		}
	}
}
