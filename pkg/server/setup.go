package server

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nicktill/tinyrollup/pkg/config"
	"github.com/nicktill/tinyrollup/pkg/observability"
	"github.com/nicktill/tinyrollup/pkg/rollup"
	"github.com/nicktill/tinyrollup/pkg/server/monitor"
	"github.com/nicktill/tinyrollup/pkg/sink"
	"github.com/nicktill/tinyrollup/pkg/storage"
	"github.com/nicktill/tinyrollup/pkg/storage/badger"
	"github.com/nicktill/tinyrollup/pkg/storage/memory"
)

// Server wires the rollup engine to its storage, sinks, scheduler and
// HTTP surface.
type Server struct {
	Config    *config.Config
	Engine    *rollup.Engine
	Store     storage.Storage
	Hub       *sink.Hub
	Monitor   *monitor.SinkMonitor
	Disk      *monitor.DiskMonitor
	Reporter  *observability.Reporter
	Scheduler *Scheduler
	Registry  *prometheus.Registry

	db        *sql.DB
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Options adds optional collaborators to a Server.
type Options struct {
	// Alerter receives cardinality alerts; defaults to the standard logger
	Alerter observability.Alerter

	// Sinks are registered alongside the configured ones
	Sinks []rollup.Sink
}

// New builds a server from cfg. Nothing runs until Start is called.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	s := &Server{
		Config:    cfg,
		Monitor:   monitor.NewSinkMonitor(),
		Hub:       sink.NewHub(),
		Registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	store, err := InitializeStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	s.Store = store
	if cfg.Storage.Backend == "badger" {
		s.Disk = monitor.NewDiskMonitor(cfg.Storage.Path)
	}

	var sinks []rollup.Sink
	if store != nil {
		sinks = append(sinks, sink.NewStorageSink(store))
	}

	if cfg.Postgres.ConnString != "" {
		pg, err := s.initializePostgres(ctx, cfg.Postgres)
		if err != nil {
			s.closeResources()
			return nil, err
		}
		sinks = append(sinks, pg)
	}

	sinks = append(sinks, s.Hub)
	sinks = append(sinks, opts.Sinks...)
	for _, sk := range sinks {
		s.Monitor.Register(sk.Name())
	}

	engine, err := rollup.New(rollup.Options{
		Config:   cfg,
		Alerter:  opts.Alerter,
		Recorder: s.Monitor,
		Sinks:    sinks,
	})
	if err != nil {
		s.closeResources()
		return nil, fmt.Errorf("create rollup engine: %w", err)
	}
	s.Engine = engine
	log.Printf("Rollup engine created (intervals %v, sinks %v)", cfg.Rollup.Intervals, engine.Emitter().Sinks())

	s.Reporter = observability.NewReporter(engine.Stats(), s.startTime)
	s.Scheduler = NewScheduler(engine, store, s.Reporter)

	guard := engine.Guard()
	s.Registry.MustRegister(observability.NewCollector(engine.Stats(), func() float64 {
		return float64(guard.Len())
	}))

	return s, nil
}

// InitializeStorage opens the configured rollup store. It returns a nil
// store for the "none" backend.
func InitializeStorage(cfg config.StorageConfig) (storage.Storage, error) {
	switch cfg.Backend {
	case "none":
		log.Println("Rollup storage disabled")
		return nil, nil
	case "memory":
		log.Println("Using in-memory rollup storage")
		return memory.New(), nil
	case "badger":
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		log.Printf("Initializing BadgerDB storage in %s...", cfg.Path)
		store, err := badger.New(badger.Config{
			Path:        cfg.Path,
			MaxMemoryMB: cfg.MaxMemoryMB,
		})
		if err != nil {
			return nil, err
		}
		log.Println("BadgerDB storage initialized successfully")
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

func (s *Server) initializePostgres(ctx context.Context, cfg config.PostgresConfig) (*sink.PostgresSink, error) {
	ctx, cancel := context.WithTimeout(ctx, config.QueryTimeout)
	defer cancel()

	db, err := sink.OpenPostgres(ctx, cfg.ConnString)
	if err != nil {
		return nil, err
	}
	pg := sink.NewPostgresSink(db, cfg.Table)
	if err := pg.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create postgres table %s: %w", cfg.Table, err)
	}
	s.db = db
	log.Printf("PostgreSQL sink ready (table %s)", cfg.Table)
	return pg, nil
}

// Start runs the WebSocket hub and the scheduler.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Hub.Run(ctx)
	}()
	log.Println("WebSocket hub started for live rollup streaming")

	s.Scheduler.Start()
}

// Shutdown stops the scheduler, drains the engine into its sinks, then
// releases the hub, database and store.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Scheduler.Stop(ctx)

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.closeResources()
	return err
}

func (s *Server) closeResources() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Printf("Failed to close postgres connection: %v", err)
		}
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			log.Printf("Failed to close storage: %v", err)
		}
	}
}
