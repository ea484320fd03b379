package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/dshills/revgraph-go/store"
)

// heartbeatRegistry tracks the cancel function of every in-flight
// heartbeat goroutine by computation id. It exists for introspection and
// graceful shutdown (StopAll), not for correctness: the worker/heartbeat
// link itself is a pair of linked contexts, mirroring the "process-
// link equivalent" without needing
// an actual OS-process supervision tree.
type heartbeatRegistry struct {
	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

func newHeartbeatRegistry() *heartbeatRegistry {
	return &heartbeatRegistry{cancel: make(map[string]context.CancelFunc)}
}

func (r *heartbeatRegistry) add(computationID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel[computationID] = cancel
}

func (r *heartbeatRegistry) remove(computationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancel, computationID)
}

// StopAll cancels every running heartbeat, which in turn cancels its linked
// worker's context. Intended for process shutdown.
func (r *heartbeatRegistry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.cancel {
		cancel()
	}
}

// runHeartbeat is the sibling heartbeat task. It loops until
// hbCtx is cancelled (by the worker finishing) or it decides the worker
// must die, in which case it calls killWorker and returns.
func (e *Engine) runHeartbeat(hbCtx context.Context, computationID string, interval, timeout, buffer time.Duration, killWorker context.CancelFunc) {
	defer e.heartbeats.remove(computationID)

	for {
		wait := jitter(interval, 0.2)
		select {
		case <-hbCtx.Done():
			return
		case <-time.After(wait):
		}

		applied, state, err := e.store.Heartbeat(hbCtx, computationID, time.Now(), interval, timeout, buffer)
		if err != nil {
			// Transient store error: keep beating on our own schedule,
			// the deadline check is authoritative on the next attempt.
			continue
		}
		if applied {
			continue
		}

		switch state {
		case store.StateSuccess, store.StateFailed:
			return
		default:
			// Either already abandoned, or still computing but deadline
			// passed (Store.Heartbeat marks it abandoned in that case
			// too) — either way the worker must stop.
			killWorker()
			return
		}
	}
}

// jitter returns d scaled by a uniform random factor in [1-frac, 1+frac].
func jitter(d time.Duration, frac float64) time.Duration {
	delta := (rand.Float64()*2 - 1) * frac
	return time.Duration(float64(d) * (1 + delta))
}
