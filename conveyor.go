package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/conveyor/api"
	"github.com/maxpert/conveyor/backpressure"
	"github.com/maxpert/conveyor/cfg"
	"github.com/maxpert/conveyor/db"
	"github.com/maxpert/conveyor/enroll"
	"github.com/maxpert/conveyor/notify"
	"github.com/maxpert/conveyor/publisher"
	_ "github.com/maxpert/conveyor/publisher/sink"
	_ "github.com/maxpert/conveyor/publisher/transformer"
	"github.com/maxpert/conveyor/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Conveyor - event driven work dispatch")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Event store
	store, err := db.Open(ctx, db.OptionsFromConfig(cfg.Config))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open event store")
		return
	}
	defer store.Close()

	telemetry.RegisterDBStats(store.DB(), cfg.Config.Store.Driver)
	probes := []telemetry.Probe{telemetry.PoolProbe(store)}

	// Dispatch feed
	if cfg.Config.Feed.Enabled {
		registry, err := publisher.NewRegistry(publisher.RegistryConfig{
			DataDir:     cfg.Config.DataDir,
			NodeID:      cfg.Config.NodeID,
			Hub:         notify.NewHub(),
			SinkConfigs: cfg.Config.Feed.Sinks,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize dispatch feed")
			return
		}
		if err := registry.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start dispatch feed")
			return
		}
		defer registry.Stop()

		store.SetNotifier(registry)
		defer store.SetNotifier(nil)
		probes = append(probes, telemetry.FeedLagProbe(registry))
	}

	// Enrollment
	guard := backpressure.NewGuard(store, cfg.Config.Enroll.MinAvailableConnections)
	engine := enroll.NewEngine(store, guard, enroll.Options{
		MaxAttempts:    cfg.Config.Enroll.MaxAttempts,
		AllowSlothMode: cfg.Config.Debug.AllowSlothMode,
		SlothDelay:     time.Duration(cfg.Config.Debug.SlothDelayMS) * time.Millisecond,
	})

	if cfg.Config.Reclaim.Enabled {
		reclaimer := enroll.NewReclaimer(
			store,
			time.Duration(cfg.Config.Reclaim.IntervalSeconds)*time.Second,
			time.Duration(cfg.Config.Reclaim.LeaseSeconds)*time.Second,
		)
		reclaimer.Start()
		defer reclaimer.Stop()
	}

	if cfg.Config.Prometheus.Enabled {
		collector := telemetry.NewMetricsCollector(
			time.Duration(cfg.Config.Prometheus.CollectIntervalSeconds)*time.Second,
			probes...,
		)
		collector.Start()
		defer collector.Stop()
	}

	// HTTP API
	handlers := api.NewHandlers(store, engine, api.Defaults{
		MaxRetries:      cfg.Config.Enroll.DefaultMaxRetries,
		IgnoreOlderThan: cfg.Config.Enroll.DefaultIgnoreOlderThanDays,
	})
	auth := api.NewAuthenticator(cfg.Config.Auth.Keys)
	if !auth.Enabled() {
		log.Warn().Msg("No API keys configured, every caller is treated as a service")
	}

	server := api.NewServer(api.ServerConfig{
		BindAddress:  cfg.Config.HTTP.BindAddress,
		Port:         cfg.Config.HTTP.Port,
		ReadTimeout:  time.Duration(cfg.Config.HTTP.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Config.HTTP.WriteTimeoutSeconds) * time.Second,
	}, api.NewRouter(handlers, auth))

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start HTTP server")
		return
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("address", server.Addr()).
		Str("store", cfg.Config.Store.Driver).
		Str("data_dir", cfg.Config.DataDir).
		Bool("feed", cfg.Config.Feed.Enabled).
		Msg("Node is operational")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server did not drain cleanly")
	}
}
