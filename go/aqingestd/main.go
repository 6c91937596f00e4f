// aqingestd is the air-quality ingestion service: it accepts lists of
// remote parquet URLs over HTTP and bulk-loads their measurements into
// the airquality schema.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.discomap.org/ingest/go/alog"
	"go.discomap.org/ingest/go/config"
	"go.discomap.org/ingest/go/fetch"
	"go.discomap.org/ingest/go/handlers"
	"go.discomap.org/ingest/go/ingest/manager"
	"go.discomap.org/ingest/go/ingest/process"
	"go.discomap.org/ingest/go/ingest/runner"
	"go.discomap.org/ingest/go/jobstore"
	"go.discomap.org/ingest/go/refdata"
)

func main() {
	var (
		port              = flag.String("port", ":8080", "HTTP service address.")
		local             = flag.Bool("local", false, "Running locally, not in production.")
		stationsCSV       = flag.String("stations_csv", "", "Optional stations extract to upsert at startup.")
		samplingPointsCSV = flag.String("sampling_points_csv", "", "Optional sampling-points extract to upsert at startup.")
	)
	flag.Parse()
	alog.Init(*local)
	defer alog.Flush()

	cfg, err := config.Load()
	if err != nil {
		alog.Fatalf("Failed to load config: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		alog.Fatalf("Failed to parse database config: %s", err)
	}
	pool, err := pgxpool.ConnectConfig(ctx, poolCfg)
	if err != nil {
		alog.Fatalf("Failed to connect to the database: %s", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		alog.Fatalf("Database is unreachable: %s", err)
	}

	if *stationsCSV != "" {
		n, err := refdata.LoadStationsCSV(ctx, pool, *stationsCSV)
		if err != nil {
			alog.Fatalf("Failed to load stations extract: %s", err)
		}
		alog.Infof("Loaded %d stations", n)
	}
	if *samplingPointsCSV != "" {
		n, err := refdata.LoadSamplingPointsCSV(ctx, pool, *samplingPointsCSV)
		if err != nil {
			alog.Fatalf("Failed to load sampling-points extract: %s", err)
		}
		alog.Infof("Loaded %d sampling points", n)
	}

	fetcher, err := fetch.New(cfg.ScratchDir, cfg.FetchTimeout(), fetch.DefaultUserAgent)
	if err != nil {
		alog.Fatalf("Failed to set up the fetcher: %s", err)
	}

	var proc process.Processor = process.New(fetcher, pool, cfg.LoaderBatchSize, cfg.BootstrapRefData)
	proc = process.WithRetry(proc, cfg.FileRetries)
	run := runner.New(proc, cfg.MaxConcurrentFiles)
	store := jobstore.New()
	mgr := manager.New(ctx, store, run, cfg.BatchSize, cfg.MaxConcurrentBatches)

	r := chi.NewRouter()
	r.Use(handlers.LogRequests)
	handlers.New(store, mgr, cfg.MaxURLsPerRequest, cfg.UpsertMode).Register(r)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := pool.Ping(req.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    *port,
		Handler: r,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			alog.Errorf("Shutdown did not finish cleanly: %s", err)
		}
	}()

	alog.Infof("Ready to serve on %s", *port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		alog.Fatalf("Server failed: %s", err)
	}
}
