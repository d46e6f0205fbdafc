package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/gridguard/pkg/apikeys"
	"github.com/platinummonkey/gridguard/pkg/async"
	"github.com/platinummonkey/gridguard/pkg/observability"
)

func newJanitorCommand() *Command {
	return &Command{
		Name:        "janitor",
		Description: "Deactivate expired API keys on a schedule",
		Flags:       flag.NewFlagSet("janitor", flag.ExitOnError),
		Run:         runJanitor,
	}
}

func runJanitor(args []string) error {
	flags := flag.NewFlagSet("janitor", flag.ContinueOnError)
	dbURL := flags.String("db", "", "Database URL (defaults to GRIDGUARD_DATABASE_URL)")
	schedule := flags.String("schedule", "", "Cron schedule (defaults to GRIDGUARD_JANITOR_SCHEDULE)")
	addr := flags.String("addr", "", "Address serving /metrics and health checks (defaults to GRIDGUARD_JANITOR_METRICS_ADDR)")
	once := flags.Bool("once", false, "Run a single pass and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	e, err := newEnv()
	if err != nil {
		return err
	}
	if *schedule == "" {
		*schedule = e.cfg.Janitor.Schedule
	}
	if *addr == "" {
		*addr = e.cfg.Janitor.MetricsAddr
	}

	ctx, stop := observability.NotifyContext(e.ctx)
	defer stop()

	db, err := e.openDB(*dbURL)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	janitor, err := apikeys.NewJanitor(apikeys.NewStore(db), *schedule, e.logger, metrics)
	if err != nil {
		db.Close()
		return err
	}

	if *once {
		defer db.Close()
		n, err := janitor.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Deactivated %d expired API keys\n", n)
		return nil
	}

	sm := observability.NewShutdownManager(e.logger, 30*time.Second)
	sm.Register(func(context.Context) error { return db.Close() })

	tp, err := observability.InitTracing(ctx, e.cfg.TracingConfig(), e.logger)
	if err != nil {
		e.logger.WithError(err).Warn("continuing without tracing")
	} else if tp != nil {
		sm.Register(func(ctx context.Context) error { return observability.ShutdownTracing(ctx, tp, e.logger) })
	}

	// Redis only feeds the health check here; a failure degrades rather than stops.
	client, err := e.openRedis(e.cfg.Redis.URL)
	if err != nil {
		e.logger.WithError(err).Warn("redis unavailable")
	} else if client != nil {
		sm.Register(func(context.Context) error { return client.Close() })
	}

	mux := http.NewServeMux()
	if e.cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(mux, registry)
	}
	observability.RegisterHealthRoutes(mux, observability.NewHealthChecker(db, client, Version))

	server := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	async.SafeGo(ctx, e.logger, 0, "janitor http server", func(context.Context) error {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		stop()
		return err
	})
	sm.Register(server.Shutdown)

	async.Every(ctx, e.logger, 15*time.Second, "db stats", func(context.Context) {
		metrics.RecordDBStats(db)
	})

	janitor.Start()
	sm.Register(janitor.Stop)
	e.logger.WithFields(map[string]interface{}{
		"schedule": *schedule,
		"addr":     *addr,
	}).Info("api key janitor started")

	return sm.Wait(ctx)
}
