// Command revgraphd wires a Store, a graph Catalog, the advance loop, and
// the background sweepers together and runs forever. It is a thin
// consumer of the public engine API, not part of the engine core: no
// flag-parsing framework, just stdlib flag. The catalog starts empty: this
// command registers no graphs of its own.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/revgraph-go/emit"
	"github.com/dshills/revgraph-go/engine"
	"github.com/dshills/revgraph-go/graphdef"
	"github.com/dshills/revgraph-go/store"
	"github.com/dshills/revgraph-go/sweep"
)

func main() {
	var (
		backend       = flag.String("backend", "memory", "store backend: memory, postgres, sqlite, mysql")
		dsn           = flag.String("dsn", "", "connection string for postgres/mysql, or file path for sqlite")
		metricsAddr   = flag.String("metrics-addr", ":9090", "address to serve /metrics on")
		sweepPeriod   = flag.Duration("sweep-period", 10*time.Second, "how often the sweep loop ticks")
		jsonLogs      = flag.Bool("json-logs", false, "emit NDJSON instead of text logs")
		preferredHour = flag.Int("sweep-hour", 3, "UTC hour the daily sweepers prefer")
	)
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := openStore(ctx, *backend, *dsn)
	if err != nil {
		log.Fatalf("revgraphd: open store: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := engine.NewMetrics(registry)
	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		log.Printf("revgraphd: metrics listening on %s", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil && err != http.ErrServerClosed {
			log.Printf("revgraphd: metrics server error: %v", err)
		}
	}()

	cat := graphdef.NewCatalog()

	e, err := engine.New(s, cat,
		engine.WithEmitter(emit.NewLogEmitter(os.Stdout, *jsonLogs)),
		engine.WithMetrics(metrics),
	)
	if err != nil {
		log.Fatalf("revgraphd: engine.New: %v", err)
	}

	dailyClock, err := sweep.NewDailyClock(*preferredHour)
	if err != nil {
		log.Fatalf("revgraphd: sweep clock: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(*sweepPeriod)
	defer ticker.Stop()

	log.Println("revgraphd: running; press Ctrl+C to stop")
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigChan:
			log.Println("revgraphd: received shutdown signal")
			cancel()
		case <-ticker.C:
			runSweepPass(ctx, s, e, metrics, dailyClock)
		}
	}
}

func openStore(ctx context.Context, backend, dsn string) (store.Store, error) {
	switch backend {
	case "memory", "":
		return store.NewMemory(), nil
	case "postgres":
		return store.NewPostgres(ctx, dsn)
	case "sqlite":
		return store.NewSQLite(dsn)
	case "mysql":
		return store.NewMySQL(ctx, dsn)
	default:
		return nil, errUnknownBackend(backend)
	}
}

type errUnknownBackend string

func (e errUnknownBackend) Error() string { return "revgraphd: unknown store backend " + string(e) }

func logSweepErr(kind string) func(id string, err error) {
	return func(id string, err error) {
		log.Printf("revgraphd: %s sweep failed to advance execution %s: %v", kind, id, err)
	}
}

// runSweepPass runs every background sweeper once. Each call is
// independently throttled by sweep.RunThrottled, so ticking this more
// often than a sweep type's MinSecondsBetweenRuns is harmless.
func runSweepPass(ctx context.Context, s store.Store, adv sweep.Advancer, metrics sweep.Metrics, dailyClock *sweep.Clock) {
	frequent := sweep.Config{Enabled: true, MinSecondsBetweenRuns: 5}
	daily := sweep.Config{Enabled: true, MinSecondsBetweenRuns: 23 * 3600, Clock: dailyClock, LookbackDays: 7}

	if err := sweep.RunAbandoned(ctx, s, adv, metrics, frequent, logSweepErr("abandoned")); err != nil {
		log.Printf("revgraphd: abandoned sweep: %v", err)
	}
	if err := sweep.RunScheduleNodes(ctx, s, adv, metrics, frequent, logSweepErr("schedule_nodes")); err != nil {
		log.Printf("revgraphd: schedule_nodes sweep: %v", err)
	}
	if err := sweep.RunUnblockedBySchedule(ctx, s, adv, metrics, frequent, 30*time.Minute, logSweepErr("unblocked_by_schedule")); err != nil {
		log.Printf("revgraphd: unblocked_by_schedule sweep: %v", err)
	}
	if err := sweep.RunRegenerateScheduleRecurring(ctx, s, metrics, frequent, logSweepErr("regenerate_schedule_recurring")); err != nil {
		log.Printf("revgraphd: regenerate_schedule_recurring sweep: %v", err)
	}
	if err := sweep.RunStalledExecutions(ctx, s, adv, metrics, daily, logSweepErr("stalled_executions")); err != nil {
		log.Printf("revgraphd: stalled_executions sweep: %v", err)
	}
	if err := sweep.RunMissedSchedulesCatchall(ctx, s, adv, metrics, daily, logSweepErr("missed_schedules_catchall")); err != nil {
		log.Printf("revgraphd: missed_schedules_catchall sweep: %v", err)
	}
}
