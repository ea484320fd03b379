package engine

import (
	"time"

	"github.com/dshills/revgraph-go/emit"
)

// Option configures an Engine at construction time.
//
// Functional options keep New's signature stable as the engine grows
// tunables: engine.New(store, catalog, engine.WithMetrics(m),
// engine.WithHeartbeatInterval(5*time.Second)).
type Option func(*engineConfig) error

// engineConfig collects options before New validates and applies them.
type engineConfig struct {
	emitter              emit.Emitter
	metrics              *Metrics
	advisoryNamespace    int32
	heartbeatInterval    time.Duration
	heartbeatTimeout     time.Duration
	heartbeatBuffer      time.Duration
	deadlockMaxRetries   int
	deadlockBaseDelay    time.Duration
	getValuePollCap      time.Duration
}

func defaultConfig() engineConfig {
	return engineConfig{
		emitter:            emit.NewNullEmitter(),
		advisoryNamespace:  recomputeLockNamespace,
		heartbeatInterval:  5 * time.Second,
		heartbeatTimeout:   15 * time.Second,
		heartbeatBuffer:    2 * time.Second,
		deadlockMaxRetries: 5,
		deadlockBaseDelay:  500 * time.Millisecond,
		getValuePollCap:    30 * time.Second,
	}
}

// WithEmitter attaches an observability sink.
// Default: emit.NewNullEmitter(), a safe no-op.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus instrumentation. Default: nil (disabled);
// all Metrics methods are nil-receiver safe, so this is optional.
func WithMetrics(m *Metrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithAdvisoryNamespace overrides the integer namespace the recompute
// engine uses for its per-execution advisory lock. Sweepers use a distinct,
// fixed namespace (store.SweepLockNamespace) so this only ever needs
// changing to avoid a collision with another system sharing the same
// database.
func WithAdvisoryNamespace(ns int32) Option {
	return func(cfg *engineConfig) error {
		cfg.advisoryNamespace = ns
		return nil
	}
}

// WithHeartbeatInterval sets how often a worker's sibling heartbeat task
// extends a computing computation's deadline. Default: 5s. The actual
// sleep is jittered ±20%.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.heartbeatInterval = d
		return nil
	}
}

// WithHeartbeatTimeout sets how far past now the heartbeat pushes
// heartbeat_deadline on each successful beat. Default: 15s. Must exceed
// HeartbeatInterval or a single missed beat abandons the computation.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.heartbeatTimeout = d
		return nil
	}
}

// WithHeartbeatBuffer sets the grace window subtracted from now when a
// heartbeat checks deadline > now - buffer. Default: 2s.
func WithHeartbeatBuffer(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.heartbeatBuffer = d
		return nil
	}
}

// WithDeadlockRetry records a deadlock retry count and base backoff in the
// engine's configuration. Defaults: 5 retries, 500ms base. The engine does
// not pass these values to its Store, so they do not change WithTx;
// Postgres takes its own through store.WithDeadlockRetry.
func WithDeadlockRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.deadlockMaxRetries = maxRetries
		cfg.deadlockBaseDelay = baseDelay
		return nil
	}
}

// WithGetValuePollCap overrides GetValue's exponential-backoff poll
// ceiling. Default: 30s.
func WithGetValuePollCap(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.getValuePollCap = d
		return nil
	}
}
