package authpipe

import (
	"context"
	"sync"
)

// refreshGate is the single refresh mutex. tryAcquire never blocks; wait blocks until the
// holder releases without acquiring the gate itself.
type refreshGate struct {
	mutex    sync.Mutex
	released chan struct{}
}

func (gate *refreshGate) tryAcquire() bool {
	gate.mutex.Lock()
	defer gate.mutex.Unlock()
	if gate.released != nil {
		return false
	}
	gate.released = make(chan struct{})
	return true
}

func (gate *refreshGate) release() {
	gate.mutex.Lock()
	defer gate.mutex.Unlock()
	if gate.released == nil {
		return
	}
	close(gate.released)
	gate.released = nil
}

func (gate *refreshGate) held() bool {
	gate.mutex.Lock()
	defer gate.mutex.Unlock()
	return gate.released != nil
}

// wait returns once no refresh is in flight, or with the context error.
func (gate *refreshGate) wait(ctx context.Context) error {
	gate.mutex.Lock()
	released := gate.released
	gate.mutex.Unlock()
	if released == nil {
		return nil
	}
	select {
	case <-released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
