package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	flag "github.com/spf13/pflag"

	"github.com/nicktill/tinyrollup/pkg/config"
	"github.com/nicktill/tinyrollup/pkg/observability"
	"github.com/nicktill/tinyrollup/pkg/rollup"
	"github.com/nicktill/tinyrollup/pkg/server"
	"github.com/nicktill/tinyrollup/pkg/sink"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

type flags struct {
	configPath       string
	addr             string
	storage          string
	dataDir          string
	intervals        []string
	cardinalityLimit int
	postgres         string
	stdout           bool
	debug            bool
}

func parseFlags(args []string) (*flags, *flag.FlagSet, error) {
	f := &flags{}
	fs := flag.NewFlagSet("tinyrollup", flag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&f.addr, "addr", "", "HTTP listen address (default "+config.DefaultAddr+")")
	fs.StringVar(&f.storage, "storage", "", "rollup storage backend: memory, badger or none")
	fs.StringVar(&f.dataDir, "data-dir", "", "badger data directory")
	fs.StringSliceVar(&f.intervals, "intervals", nil, "rollup intervals, e.g. 1m,5m,1h")
	fs.IntVar(&f.cardinalityLimit, "cardinality-limit", 0, "maximum tracked series")
	fs.StringVar(&f.postgres, "postgres", "", "PostgreSQL connection string for the rollup sink")
	fs.BoolVar(&f.stdout, "stdout", false, "also write emitted rollups to stdout as line records")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs, nil
}

// loadConfig layers the config file, TINYROLLUP_* env vars and flags, in
// increasing precedence.
func loadConfig(f *flags, fs *flag.FlagSet, lookup func(string) (string, bool)) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	if fs.Changed("addr") {
		cfg.HTTP.Addr = f.addr
	}
	if fs.Changed("storage") {
		cfg.Storage.Backend = f.storage
	}
	if fs.Changed("data-dir") {
		cfg.Storage.Path = f.dataDir
	}
	if fs.Changed("intervals") {
		cfg.Rollup.Intervals = f.intervals
	}
	if fs.Changed("cardinality-limit") {
		cfg.Cardinality.Limit = f.cardinalityLimit
	}
	if fs.Changed("postgres") {
		cfg.Postgres.ConnString = f.postgres
	}
	if fs.Changed("debug") {
		cfg.Debug = f.debug
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	log.Println("Starting TinyRollup server...")

	f, fs, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatalf("Invalid flags: %v", err)
	}

	cfg, err := loadConfig(f, fs, os.LookupEnv)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	observability.SetDebug(cfg.Debug)
	server.Version = version

	log.Printf("Configuration: intervals=%v storage=%s cardinality_limit=%d flush_tick=%v",
		cfg.Rollup.Intervals, cfg.Storage.Backend, cfg.Cardinality.Limit, cfg.Scheduler.FlushTick)

	var extra []rollup.Sink
	if f.stdout {
		extra = append(extra, sink.NewWriterSink("stdout", os.Stdout))
	}

	srv, err := server.New(context.Background(), cfg, server.Options{Sinks: extra})
	if err != nil {
		log.Fatalf("Failed to initialize server: %v", err)
	}
	srv.Start()

	router := mux.NewRouter()
	server.SetupRoutes(router, srv)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	go func() {
		log.Printf("Server listening on %s", cfg.HTTP.Addr)
		log.Println("API endpoints:")
		log.Println("   POST /v1/ingest        - Ingest JSON samples")
		log.Println("   POST /v1/ingest/line   - Ingest line records")
		log.Println("   PUT  /v1/policy        - Replace rollup rules")
		log.Println("   GET  /v1/rollups       - Query stored rollups")
		log.Println("   GET  /v1/stream        - Live rollup batches (WebSocket)")
		log.Println("   GET  /v1/stats         - Self-metrics")
		log.Println("   GET  /metrics          - Prometheus endpoint")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	// stop taking requests before the final drain
	log.Println("Gracefully shutting down HTTP server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown warning: %v", err)
	}

	start := time.Now()
	log.Println("Draining rollup windows...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Rollup shutdown warning: %v", err)
	} else {
		log.Printf("Rollup engine drained in %v", time.Since(start).Round(time.Millisecond))
	}

	log.Println("TinyRollup server exited cleanly")
}
