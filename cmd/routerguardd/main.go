// Command routerguardd monitors a fleet of RouterOS devices for denial of
// service floods and blocks offending sources on the device firewall. It
// starts the database, the device fleet, the optional event publisher and the
// HTTP API, reloads devices on SIGHUP and shuts down gracefully on SIGINT or
// SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"routerguard/internal/api"
	"routerguard/internal/config"
	"routerguard/internal/database"
	"routerguard/internal/events"
	"routerguard/internal/fleet"
	"routerguard/internal/logging"
	"routerguard/internal/maintenance"
	"routerguard/internal/routeros"
)

// Global variables for command line flags
var logLevelFlag string

// parseFlags parses command line flags and returns the config path
func parseFlags() string {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.StringVar(&logLevelFlag, "log-level", "", "Log level override (trace, debug, info, warn, error)")
	flag.Parse()
	return *configPath
}

func main() {
	configPath := parseFlags()

	if _, err := logging.Setup(logging.Options{Level: logLevelFlag}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	cfg := config.GetConfig()
	if err := cfg.LoadConfig(configPath); err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load configuration")
	}

	level := cfg.Logging.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	logFile, err := logging.Setup(logging.Options{
		Level:  level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.OutputPath,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if err := run(ctx, cfg, hup); err != nil {
		log.Error().Err(err).Msg("routerguard exited with error")
		os.Exit(1)
	}
}

// app holds the running components
type app struct {
	cfg       *config.Config
	db        *database.DB
	fleet     *fleet.Manager
	maint     *maintenance.Service
	publisher *events.Publisher
	embedded  *events.EmbeddedServer
	server    *http.Server
}

// run starts every component, serves until ctx is cancelled and then shuts
// down. Each value received on reload triggers a configuration reload.
func run(ctx context.Context, cfg *config.Config, reload <-chan os.Signal) error {
	log.Info().Msg("Starting routerguard")

	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.server.Addr).Msg("Starting HTTP server")
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Received termination signal")
			break loop
		case err := <-serverErr:
			runErr = fmt.Errorf("HTTP server failed: %w", err)
			break loop
		case sig := <-reload:
			log.Info().Str("signal", sig.String()).Msg("Reloading configuration")
			if err := a.reload(); err != nil {
				log.Error().Err(err).Msg("Configuration reload failed")
			}
		}
	}

	a.shutdown()
	return runErr
}

func newApp(cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.shutdown()
		}
	}()

	log.Info().Str("path", cfg.Database.Path).Msg("Initializing database")
	if a.db, err = database.New(cfg.Database.Path); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	var store fleet.Store = a.db
	if cfg.Events.Enabled {
		if store, err = a.startEvents(store); err != nil {
			return nil, err
		}
	}

	client := routeros.NewClient(routeros.BreakerSettings{
		ConsecutiveFailures: cfg.Monitor.BreakerFailures,
		OpenTimeout:         cfg.Monitor.BreakerTimeout,
	})

	opts := fleet.DefaultOptions()
	if cfg.Monitor.StopTimeout > 0 {
		opts.StopTimeout = cfg.Monitor.StopTimeout
	}
	a.fleet = fleet.NewManager(client, store, opts)
	if err = a.fleet.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start device fleet: %w", err)
	}

	devices, err := cfg.DeviceConfigs()
	if err != nil {
		return nil, fmt.Errorf("invalid device configuration: %w", err)
	}
	if err := a.fleet.Apply(devices); err != nil {
		// Valid devices are running; report the rest and keep going.
		log.Error().Err(err).Msg("Some devices could not be registered")
	}
	log.Info().Int("devices", len(devices)).Msg("Device fleet started")

	a.maint = maintenance.New(cfg, a.db)
	if err = a.maint.Start(); err != nil {
		return nil, fmt.Errorf("failed to start maintenance: %w", err)
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(cfg, a.db, a.fleet, a.maint),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	return a, nil
}

// startEvents connects the publisher, starting an embedded server first when
// configured, and wraps store so persisted detections and blocks are published.
func (a *app) startEvents(store fleet.Store) (fleet.Store, error) {
	url := a.cfg.Events.URL
	if a.cfg.Events.Embedded {
		srv, err := events.StartEmbedded(a.cfg.Events.EmbeddedHost, a.cfg.Events.EmbeddedPort)
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
		}
		a.embedded = srv
		url = srv.ClientURL()
	}

	pub, err := events.NewPublisher(url, a.cfg.Events.SubjectPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event publisher: %w", err)
	}
	a.publisher = pub
	return events.WrapStore(store, pub), nil
}

// reload re-reads the configuration file and applies the device set. A
// configuration that fails to load leaves the running fleet untouched.
func (a *app) reload() error {
	if err := a.cfg.Reload(); err != nil {
		return err
	}
	devices, err := a.cfg.DeviceConfigs()
	if err != nil {
		return err
	}
	if err := a.fleet.Apply(devices); err != nil {
		return err
	}
	log.Info().Int("devices", len(devices)).Msg("Configuration reloaded")
	return nil
}

func (a *app) shutdown() {
	log.Info().Msg("Shutting down...")

	if a.server != nil {
		timeout := time.Duration(a.cfg.Server.ShutdownTimeout) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		log.Info().Msg("Shutting down HTTP server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		cancel()
	}

	if a.fleet != nil {
		log.Info().Msg("Stopping device workers")
		if err := a.fleet.Shutdown(a.fleetTimeout()); err != nil {
			log.Error().Err(err).Msg("Device fleet shutdown incomplete")
		}
	}

	if a.maint != nil {
		a.maint.Stop()
	}

	if a.publisher != nil {
		closeQuietly("event publisher", a.publisher)
	}
	if a.embedded != nil {
		a.embedded.Shutdown()
	}

	if a.db != nil {
		log.Info().Msg("Optimizing database before exit")
		if err := a.db.OptimizeDatabase(); err != nil {
			log.Error().Err(err).Msg("Database optimization failed")
		}
		closeQuietly("database", a.db)
	}

	log.Info().Msg("routerguard has been shut down gracefully")
}

// fleetTimeout leaves every worker its own stop timeout plus some slack
func (a *app) fleetTimeout() time.Duration {
	timeout := a.cfg.Monitor.StopTimeout
	if timeout <= 0 {
		timeout = fleet.DefaultOptions().StopTimeout
	}
	return timeout + 5*time.Second
}

func closeQuietly(name string, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		log.Error().Err(err).Str("component", name).Msg("Close failed")
	}
}
