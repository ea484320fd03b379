package engine

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/dshills/revgraph-go/graphdef"
	"github.com/dshills/revgraph-go/store"
)

// WaitMode selects GetValue's blocking behavior.
type WaitMode int

const (
	// WaitNone returns immediately with a snapshot read.
	WaitNone WaitMode = iota
	// WaitAny blocks until the value is set, a timeout elapses, or the
	// node reaches permanent failure.
	WaitAny
	// WaitNewer blocks until a value exists with ex_revision > NewerThan.
	WaitNewer
)

// GetValueOptions configures a GetValue call.
type GetValueOptions struct {
	Wait      WaitMode
	Timeout   time.Duration // 0 with Wait != WaitNone means wait forever
	NewerThan int64         // only meaningful with Wait == WaitNewer
}

// GetValueResult is GetValue's successful return shape.
type GetValueResult struct {
	Value      any
	ExRevision int64
}

// GetValue implements the blocking reader: a bounded
// exponential-backoff poll (500*attempt ms capped at GetValuePollCap, plus
// uniform jitter) until the deadline, with an early exit the moment the
// node's retry policy marks it permanently failed.
func (e *Engine) GetValue(ctx context.Context, executionID, nodeName string, opts GetValueOptions) (GetValueResult, error) {
	start := time.Now()
	waitLabel := "none"
	switch opts.Wait {
	case WaitAny:
		waitLabel = "any"
	case WaitNewer:
		waitLabel = "newer"
	}
	defer func() {
		e.cfg.metrics.ObserveGetValueWait(waitLabel, float64(time.Since(start).Milliseconds()))
	}()

	var deadline time.Time
	hasDeadline := opts.Wait != WaitNone && opts.Timeout > 0
	if hasDeadline {
		deadline = start.Add(opts.Timeout)
	}

	g, _, err := e.graphOf(ctx, executionID)
	if err != nil {
		return GetValueResult{}, err
	}
	def, ok := g.Node(nodeName)
	if !ok {
		return GetValueResult{}, store.ErrGraphLookup
	}

	attempt := 0
	for {
		res, hit, err := e.tryGetValue(ctx, g, def, executionID, nodeName, opts)
		if err != nil {
			return GetValueResult{}, err
		}
		if hit {
			return res, nil
		}
		if opts.Wait == WaitNone {
			return GetValueResult{}, ErrNotSet
		}
		if hasDeadline && time.Now().After(deadline) {
			return GetValueResult{}, ErrWaitTimeout
		}

		attempt++
		wait := pollDelay(attempt, e.cfg.getValuePollCap)
		select {
		case <-ctx.Done():
			return GetValueResult{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tryGetValue takes one snapshot read and reports whether it already
// satisfies opts.Wait. Permanent failure short-circuits immediately with
// ErrComputationFailed regardless of wait mode.
func (e *Engine) tryGetValue(ctx context.Context, g *graphdef.Graph, def graphdef.NodeDef, executionID, nodeName string, opts GetValueOptions) (GetValueResult, bool, error) {
	v, err := e.store.GetValue(ctx, executionID, nodeName)
	if err != nil {
		return GetValueResult{}, false, err
	}

	if def.Type != store.NodeInput {
		values, err := e.store.Values(ctx, executionID)
		if err != nil {
			return GetValueResult{}, false, err
		}
		history, err := e.store.Computations(ctx, executionID, nodeName)
		if err != nil {
			return GetValueResult{}, false, err
		}
		if permanentlyFailed(values, def, history) {
			return GetValueResult{}, false, ErrComputationFailed
		}
	}

	switch opts.Wait {
	case WaitNone, WaitAny:
		if !v.Set() {
			return GetValueResult{}, false, nil
		}
		return GetValueResult{Value: decodeValue(v), ExRevision: v.ExRevision}, true, nil
	case WaitNewer:
		if !v.Set() || v.ExRevision <= opts.NewerThan {
			return GetValueResult{}, false, nil
		}
		return GetValueResult{Value: decodeValue(v), ExRevision: v.ExRevision}, true, nil
	default:
		return GetValueResult{}, false, nil
	}
}

func pollDelay(attempt int, cap time.Duration) time.Duration {
	base := time.Duration(500*attempt) * time.Millisecond
	if base > cap {
		base = cap
	}
	jit := time.Duration(rand.Int63n(int64(base) + 1))
	return base + jit
}

func decodeValue(v store.Value) any {
	if !v.Set() {
		return nil
	}
	var decoded any
	_ = json.Unmarshal(v.NodeValue, &decoded)
	return decoded
}
