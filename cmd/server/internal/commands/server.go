package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/ttsrunner/internal/artifact"
	"github.com/wolfeidau/ttsrunner/internal/broadcast"
	"github.com/wolfeidau/ttsrunner/internal/dispatcher"
	httpmiddleware "github.com/wolfeidau/ttsrunner/internal/http"
	"github.com/wolfeidau/ttsrunner/internal/jobs"
	"github.com/wolfeidau/ttsrunner/internal/logger"
	"github.com/wolfeidau/ttsrunner/internal/server"
	"github.com/wolfeidau/ttsrunner/internal/store"
	memorystore "github.com/wolfeidau/ttsrunner/internal/store/memory"
	postgresstore "github.com/wolfeidau/ttsrunner/internal/store/postgres"
	"github.com/wolfeidau/ttsrunner/internal/synth"
	"github.com/wolfeidau/ttsrunner/internal/telemetry"
	"github.com/wolfeidau/ttsrunner/internal/util"
)

type ServerCmd struct {
	// Server configuration
	Listen          string        `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"TTSRUNNER_LISTEN"`
	Cert            string        `help:"path to TLS cert file, serves plain HTTP when empty" default:"" env:"TTSRUNNER_TLS_CERT"`
	Key             string        `help:"path to TLS key file" default:"" env:"TTSRUNNER_TLS_KEY"`
	ShutdownTimeout time.Duration `help:"how long in-flight requests get to finish on shutdown" default:"30s" env:"TTSRUNNER_SHUTDOWN_TIMEOUT"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"*" env:"TTSRUNNER_CORS_ORIGINS"`

	// Telemetry
	Tracing          bool    `help:"enable OpenTelemetry traces and metrics" default:"false" env:"TTSRUNNER_TRACING"`
	TraceSampleRatio float64 `help:"fraction of root spans sampled" default:"1" env:"TTSRUNNER_TRACE_SAMPLE_RATIO"`

	// Store configuration
	StoreType     string             `help:"store type (memory or postgres)" default:"memory" env:"TTSRUNNER_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`

	Cache      CacheFlags      `embed:"" prefix:"cache-"`
	Dispatcher DispatcherFlags `embed:"" prefix:"dispatcher-"`
	Engine     EngineFlags     `embed:"" prefix:"engine-"`
	Artifacts  ArtifactFlags   `embed:"" prefix:"artifacts-"`
	RateLimit  RateLimitFlags  `embed:"" prefix:"rate-limit-"`
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int           `help:"maximum number of connections in pool" default:"20"`
	MinConns        int           `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`
	QueryTimeout    time.Duration `help:"maximum time a single query may run" default:"10s"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"TTSRUNNER_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	if s.MinConns > s.MaxConns {
		return fmt.Errorf("postgres min conns (%d) must not exceed max conns (%d)", s.MinConns, s.MaxConns)
	}
	return nil
}

// CacheFlags configures fingerprint reuse.
type CacheFlags struct {
	Enabled  bool   `help:"reuse the output of an earlier identical job" default:"true" env:"TTSRUNNER_CACHE_ENABLED" negatable:""`
	TieBreak string `help:"which completion is kept when two jobs share a fingerprint" default:"earliest" env:"TTSRUNNER_CACHE_TIE_BREAK" enum:"earliest,latest"`
}

// DispatcherFlags configures the worker pool.
type DispatcherFlags struct {
	Workers                 int           `help:"maximum concurrent syntheses" default:"4" env:"TTSRUNNER_DISPATCHER_WORKERS"`
	PollInterval            time.Duration `help:"how often pending jobs are looked for" default:"500ms" env:"TTSRUNNER_DISPATCHER_POLL_INTERVAL"`
	JobTimeout              time.Duration `help:"maximum synthesis time per job" default:"5m" env:"TTSRUNNER_DISPATCHER_JOB_TIMEOUT"`
	CancelPollInterval      time.Duration `help:"how often a running job's cancel flag is re-read" default:"1s" env:"TTSRUNNER_DISPATCHER_CANCEL_POLL_INTERVAL"`
	ProgressPersistInterval time.Duration `help:"minimum gap between persisted progress updates" default:"1s" env:"TTSRUNNER_DISPATCHER_PROGRESS_PERSIST_INTERVAL"`
	StaleGrace              time.Duration `help:"grace beyond the job timeout before a processing job is reaped" default:"1m" env:"TTSRUNNER_DISPATCHER_STALE_GRACE"`
}

func (d *DispatcherFlags) validate() error {
	if d.Workers < 1 {
		return errors.New("dispatcher workers must be at least 1")
	}
	if d.JobTimeout <= 0 {
		return errors.New("dispatcher job timeout must be positive")
	}
	return nil
}

// EngineFlags selects the synthesis engine.
type EngineFlags struct {
	Type               string        `help:"synthesis engine (simulated or http)" default:"simulated" env:"TTSRUNNER_ENGINE_TYPE" enum:"simulated,http"`
	URL                string        `help:"base URL of the HTTP synthesis engine" default:"" env:"TTSRUNNER_ENGINE_URL"`
	LookupTimeout      time.Duration `help:"timeout for voice model lookups" default:"5s" env:"TTSRUNNER_ENGINE_LOOKUP_TIMEOUT"`
	VoiceCacheDir      string        `help:"directory caching voice model lookups, in memory when empty" default:"" env:"TTSRUNNER_ENGINE_VOICE_CACHE_DIR"`
	SimulatedSteps     int           `help:"progress steps reported by the simulated engine" default:"10"`
	SimulatedStepDelay time.Duration `help:"delay between simulated progress steps" default:"200ms"`
}

func (e *EngineFlags) validate() error {
	if e.Type == "http" && e.URL == "" {
		return errors.New("engine URL is required for the http engine (--engine-url or TTSRUNNER_ENGINE_URL)")
	}
	return nil
}

// ArtifactFlags configures where synthesized audio is kept.
type ArtifactFlags struct {
	Type      string        `help:"artifact store (fs or nats)" default:"fs" env:"TTSRUNNER_ARTIFACTS_TYPE" enum:"fs,nats"`
	Dir       string        `help:"directory for the fs artifact store" default:"data/audio" env:"TTSRUNNER_ARTIFACTS_DIR"`
	Compress  bool          `help:"zstd compress audio on disk" default:"true" env:"TTSRUNNER_ARTIFACTS_COMPRESS" negatable:""`
	Retention time.Duration `help:"how long audio is kept, 0 keeps it forever" default:"720h" env:"TTSRUNNER_ARTIFACTS_RETENTION"`
	NATSURL   string        `name:"nats-url" help:"NATS server URL for the nats artifact store" default:"nats://127.0.0.1:4222" env:"NATS_URL"`
	Bucket    string        `help:"JetStream object store bucket" default:"ttsrunner-audio" env:"TTSRUNNER_ARTIFACTS_BUCKET"`
	Replicas  int           `help:"JetStream object store replicas" default:"1"`
}

// RateLimitFlags configures per client request limits on job writes.
type RateLimitFlags struct {
	RPS   float64 `help:"sustained job writes per second per client IP, 0 disables" default:"10" env:"TTSRUNNER_RATE_LIMIT_RPS"`
	Burst int     `help:"job writes allowed above the sustained rate" default:"20" env:"TTSRUNNER_RATE_LIMIT_BURST"`
}

func (c *ServerCmd) Validate() error {
	if (c.Cert == "") != (c.Key == "") {
		return errors.New("TLS certificate and key must be provided together (--cert and --key)")
	}
	if c.StoreType == "postgres" {
		if err := c.PostgresStore.validate(); err != nil {
			return err
		}
	}
	if err := c.Dispatcher.validate(); err != nil {
		return err
	}
	return c.Engine.validate()
}

func (c *ServerCmd) Run(ctx context.Context, globals *Globals) error {
	logger := logger.Setup(globals.Debug)
	log.Logger = logger

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		logger.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "ttsrunner-server",
			Version:     globals.Version,
			SampleRatio: c.TraceSampleRatio,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	jobStore, index, closeStores, err := c.openStores(ctx)
	if err != nil {
		return err
	}
	defer closeStores()

	artifacts, closeArtifacts, err := c.openArtifacts(ctx)
	if err != nil {
		return err
	}
	defer closeArtifacts()

	engine, err := c.newEngine()
	if err != nil {
		return err
	}

	hub := broadcast.NewHub()

	svc := jobs.NewService(jobs.Options{
		Store:        jobStore,
		Index:        index,
		Hub:          hub,
		Artifacts:    artifacts,
		CacheEnabled: c.Cache.Enabled,
	})

	disp := dispatcher.New(svc, engine, artifacts, dispatcher.Config{
		Workers:                 c.Dispatcher.Workers,
		PollInterval:            c.Dispatcher.PollInterval,
		JobTimeout:              c.Dispatcher.JobTimeout,
		CancelPollInterval:      c.Dispatcher.CancelPollInterval,
		ProgressPersistInterval: c.Dispatcher.ProgressPersistInterval,
		StaleGrace:              c.Dispatcher.StaleGrace,
	})

	api := server.NewServer(svc, hub, artifacts, server.Config{
		CORSOrigins: c.CORSOrigins,
		RateLimit: httpmiddleware.RateLimitConfig{
			RequestsPerSecond: c.RateLimit.RPS,
			Burst:             c.RateLimit.Burst,
		},
	})
	httpServer := configureHTTPServer(c.Listen, api.Handler(logger))

	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := disp.Run(dispatchCtx); err != nil {
			logger.Error().Err(err).Msg("Dispatcher failed")
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", c.Listen).
			Bool("tls", c.Cert != "").
			Str("store", c.StoreType).
			Str("engine", c.Engine.Type).
			Str("artifacts", c.Artifacts.Type).
			Msg("Starting HTTP server")
		if c.Cert != "" {
			serveErr <- httpServer.ListenAndServeTLS(c.Cert, c.Key)
			return
		}
		serveErr <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()

	// in-flight jobs are failed first so their streams see a terminal event
	stopDispatch()
	wg.Wait()

	// streams for pending jobs only end with their jobs, close the topics so they return
	hub.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server did not shut down cleanly")
	}

	logger.Info().Msg("Server stopped")
	return runErr
}

// openStores creates the job store and fingerprint index for the configured backend.
func (c *ServerCmd) openStores(ctx context.Context) (store.JobStore, store.FingerprintIndex, func(), error) {
	tieBreak, err := store.ParseTieBreak(c.Cache.TieBreak)
	if err != nil {
		return nil, nil, nil, err
	}

	switch c.StoreType {
	case "postgres":
		pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString:      c.PostgresStore.ConnString,
			MaxConns:        util.AsInt32(c.PostgresStore.MaxConns),
			MinConns:        util.AsInt32(c.PostgresStore.MinConns),
			MaxConnLifetime: util.Seconds(c.PostgresStore.MaxConnLifetime),
			MaxConnIdleTime: util.Seconds(c.PostgresStore.MaxConnIdleTime),
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
		}

		jobStore, err := postgresstore.NewJobStore(ctx, pool, &postgresstore.JobStoreConfig{
			AutoMigrate:         c.PostgresStore.AutoMigrate,
			QueryTimeoutSeconds: util.Seconds(c.PostgresStore.QueryTimeout),
		})
		if err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("failed to create job store: %w", err)
		}

		index, err := postgresstore.NewFingerprintIndex(pool, &postgresstore.FingerprintIndexConfig{TieBreak: tieBreak})
		if err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("failed to create fingerprint index: %w", err)
		}

		if err := jobStore.Start(); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}

		log.Info().Bool("auto_migrate", c.PostgresStore.AutoMigrate).Msg("Using PostgreSQL job store")

		return jobStore, index, func() {
			if err := jobStore.Stop(); err != nil {
				log.Error().Err(err).Msg("Failed to stop job store")
			}
			pool.Close()
		}, nil

	default:
		jobStore := memorystore.NewJobStore()
		if err := jobStore.Start(); err != nil {
			return nil, nil, nil, err
		}
		log.Info().Msg("Using in-memory job store")

		return jobStore, memorystore.NewFingerprintIndex(tieBreak), func() {
			if err := jobStore.Stop(); err != nil {
				log.Error().Err(err).Msg("Failed to stop job store")
			}
		}, nil
	}
}

// openArtifacts creates the audio artifact store.
func (c *ServerCmd) openArtifacts(ctx context.Context) (artifact.Store, func(), error) {
	switch c.Artifacts.Type {
	case "nats":
		nc, err := nats.Connect(c.Artifacts.NATSURL,
			nats.Name("ttsrunner"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Warn().Err(err).Msg("NATS disconnected")
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", c.Artifacts.NATSURL, err)
		}

		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}

		s, err := artifact.NewNATSStore(ctx, js, artifact.NATSStoreConfig{
			Bucket:    c.Artifacts.Bucket,
			Retention: c.Artifacts.Retention,
			Replicas:  c.Artifacts.Replicas,
		})
		if err != nil {
			nc.Close()
			return nil, nil, err
		}

		log.Info().Str("bucket", c.Artifacts.Bucket).Msg("Using NATS artifact store")

		return s, func() {
			if err := nc.Drain(); err != nil {
				log.Warn().Err(err).Msg("Failed to drain NATS connection")
			}
		}, nil

	default:
		s, err := artifact.NewFileStore(artifact.FileStoreConfig{
			Dir:       c.Artifacts.Dir,
			Compress:  c.Artifacts.Compress,
			Retention: c.Artifacts.Retention,
		})
		if err != nil {
			return nil, nil, err
		}

		log.Info().Str("dir", c.Artifacts.Dir).Bool("compress", c.Artifacts.Compress).Msg("Using filesystem artifact store")

		return s, func() {}, nil
	}
}

// newEngine creates the synthesis engine.
func (c *ServerCmd) newEngine() (synth.Synthesizer, error) {
	switch c.Engine.Type {
	case "http":
		engine, err := synth.NewHTTPEngine(synth.HTTPEngineConfig{
			BaseURL:       c.Engine.URL,
			LookupTimeout: c.Engine.LookupTimeout,
			VoiceCacheDir: c.Engine.VoiceCacheDir,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP engine: %w", err)
		}
		log.Info().Str("url", c.Engine.URL).Msg("Using HTTP synthesis engine")
		return engine, nil

	default:
		log.Warn().Msg("Using simulated synthesis engine, audio is silence")
		return synth.NewSimulator(synth.SimulatorConfig{
			Steps:     c.Engine.SimulatedSteps,
			StepDelay: c.Engine.SimulatedStepDelay,
		}), nil
	}
}
