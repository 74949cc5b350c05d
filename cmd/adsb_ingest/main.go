// Command-line entry point for the ADS-B state ingester.
//
// Two modes of operation:
//
//	import  - replay archived feed snapshot files (plain, .gz or .bz2) into
//	          storage. Used to backfill from ADS-B Exchange historical data.
//	listen  - consume a live decoded-aircraft feed from NATS and upsert
//	          continuously until interrupted.
//
// Both modes load configuration from an optional YAML file plus environment
// overrides, open PostgreSQL (creating and seeding the schema when needed),
// optionally ClickHouse for the state archive, and the position tracker's
// SQLite file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"adsb_ingest/internal/config"
	"adsb_ingest/internal/ingest"
	"adsb_ingest/internal/report"
	"adsb_ingest/internal/storage"
	"adsb_ingest/internal/tracker"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "adsb_ingest - aircraft state ingester. Commands:")
	fmt.Fprintln(w, "  import  - replay snapshot files into storage")
	fmt.Fprintln(w, "  listen  - consume a live NATS feed")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  adsb_ingest import [-config cfg.yaml] [-bbox minLat,minLon,maxLat,maxLon] [-workers N] file1 [file2 ...]")
	fmt.Fprintln(w, "  adsb_ingest listen [-config cfg.yaml] [-nats-url URL] [-subject SUBJ] [-metrics-port N]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - Snapshot files may be plain JSON, JSONL, .gz or .bz2.")
	fmt.Fprintln(w, "  - Configuration file values are overridden by environment, then flags.")
	fmt.Fprintln(w, "")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd := strings.ToLower(os.Args[1])
	switch cmd {
	case "import":
		runImport(os.Args[2:])
	case "listen":
		runListen(os.Args[2:])
	case "-h", "--help", "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}
}

func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	cfgPath := fs.String("config", "", "YAML configuration file")
	bbox := fs.String("bbox", "", "Only ingest aircraft inside minLat,minLon,maxLat,maxLon")
	workers := fs.Int("workers", 0, "Worker pool size (overrides config)")
	writeMode := fs.String("write-mode", "", "Aircraft write mode: history or current (overrides config)")
	trackerPath := fs.String("tracker", "", "Position tracker SQLite file (overrides config)")
	_ = fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "import: no snapshot files given")
		fs.Usage()
		os.Exit(2)
	}

	cfg := mustLoadConfig(*cfgPath)
	if *bbox != "" {
		cfg.Ingest.Bounds = *bbox
	}
	if *workers > 0 {
		cfg.Ingest.Workers = *workers
	}
	if *writeMode != "" {
		cfg.Storage.Postgres.WriteMode = storage.WriteMode(*writeMode)
	}
	if *trackerPath != "" {
		cfg.Ingest.TrackerPath = *trackerPath
	}

	log := config.SetupLogger(cfg.Log, "import")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := mustOpen(ctx, cfg, log)
	defer env.close()

	runID := uuid.New()
	pipe := env.newPipeline(cfg, log, nil, runID)

	log.Info().
		Str("run_id", runID.String()).
		Int("files", len(paths)).
		Str("write_mode", string(cfg.Storage.Postgres.WriteMode)).
		Msg("Starting import")

	start := time.Now()
	if err := pipe.ImportFiles(ctx, paths); err != nil {
		log.Error().Err(err).Msg("Import aborted")
	}

	c := pipe.Counts()
	log.Info().
		Int64("received", c.Received).
		Int64("applied", c.Applied).
		Int64("malformed", c.Malformed).
		Int64("enum_failed", c.EnumFailed).
		Int64("stale", c.Stale).
		Int64("failed", c.Failed).
		Int64("out_of_bounds", c.OutOfBounds).
		Int64("positions_advanced", c.PositionsAdvanced).
		Dur("elapsed", time.Since(start)).
		Msg("Import finished")

	if c.Failed > 0 {
		os.Exit(1)
	}
}

func runListen(args []string) {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	cfgPath := fs.String("config", "", "YAML configuration file")
	natsURL := fs.String("nats-url", "", "NATS server URL (overrides config)")
	subject := fs.String("subject", "", "NATS subject carrying feed snapshots (overrides config)")
	workers := fs.Int("workers", 0, "Worker pool size (overrides config)")
	metricsPort := fs.Int("metrics-port", 9100, "Prometheus metrics port (0 disables)")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*cfgPath)
	if *natsURL != "" {
		cfg.Feed.URL = *natsURL
	}
	if *subject != "" {
		cfg.Feed.Subject = *subject
	}
	if *workers > 0 {
		cfg.Ingest.Workers = *workers
	}

	log := config.SetupLogger(cfg.Log, "listen")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := mustOpen(ctx, cfg, log)
	defer env.close()

	pipe := env.newPipeline(cfg, log, prometheus.DefaultRegisterer, uuid.New())

	if *metricsPort > 0 {
		go serveMetrics(*metricsPort, log)
	}

	go env.maintenanceLoop(ctx, cfg, log)

	listener, err := ingest.NewListener(cfg.Feed.URL, cfg.Feed.Subject, pipe, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Feed connection failed")
	}

	if err := listener.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Listener stopped with error")
	}

	c := pipe.Counts()
	log.Info().
		Int64("received", c.Received).
		Int64("applied", c.Applied).
		Int64("positions_advanced", c.PositionsAdvanced).
		Msg("Listener shut down")
}

// env bundles the open storage handles shared by both modes.
type env struct {
	db *storage.DB
	tr *tracker.Tracker
}

func mustLoadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func mustOpen(ctx context.Context, cfg *config.Config, log zerolog.Logger) *env {
	db, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Storage open failed")
	}
	if err := db.CreateSchemas(ctx); err != nil {
		db.Close()
		log.Fatal().Err(err).Msg("Schema creation failed")
	}
	if err := db.PG.LoadEnums(ctx); err != nil {
		db.Close()
		log.Fatal().Err(err).Msg("Enum load failed")
	}

	tr, err := tracker.New(cfg.Ingest.TrackerPath)
	if err != nil {
		db.Close()
		log.Fatal().Err(err).Msg("Position tracker open failed")
	}
	db.PG.SetPositionTracker(tr)

	return &env{db: db, tr: tr}
}

func (e *env) close() {
	if err := e.tr.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Tracker close: %v\n", err)
	}
	if err := e.db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Storage close: %v\n", err)
	}
}

func (e *env) newPipeline(cfg *config.Config, log zerolog.Logger, reg prometheus.Registerer, runID uuid.UUID) *ingest.Pipeline {
	bounds, err := cfg.Ingest.BoundsBox()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid bounding box")
	}

	// A nil *ClickHouseDB must stay a nil interface.
	var arch ingest.Archiver
	if e.db.CH != nil {
		arch = e.db.CH
	}

	pipe := ingest.New(e.db.PG, ingest.Options{
		Archiver: arch,
		Logger:   log,
		Registry: reg,
		Workers:  cfg.Ingest.Workers,
		Bounds:   bounds,
		ImportID: runID,
	})

	e.tr.OnReject(func(hex string, reason tracker.Decision) {
		pipe.ObservePositionReject(reason.String())
	})
	e.tr.OnSupersede(func(hex string, prev *report.Position, next report.Position) {
		log.Debug().Str("hex", hex).Time("seen_pos", next.SeenPos).Msg("Position advanced")
	})

	return pipe
}

// maintenanceLoop prunes stale tracker entries and orphaned position rows on
// the configured interval.
func (e *env) maintenanceLoop(ctx context.Context, cfg *config.Config, log zerolog.Logger) {
	interval := time.Duration(cfg.Ingest.CleanupInterval) * time.Minute
	if interval <= 0 {
		return
	}
	maxAge := time.Duration(cfg.Ingest.PositionMaxAge) * time.Minute

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := e.tr.CleanupStale(maxAge)
			pruned, err := e.db.PG.PruneOrphanedPositions(ctx, maxAge)
			if err != nil {
				log.Warn().Err(err).Msg("Position prune failed")
				continue
			}
			log.Debug().Int("tracker_removed", removed).Int64("rows_pruned", pruned).Msg("Maintenance sweep")
		}
	}
}

func serveMetrics(port int, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Info().Str("addr", addr).Msg("Metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("Metrics server stopped")
	}
}
