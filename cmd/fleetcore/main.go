// Poster Fleet Core - Device Fleet Pairing & Command Delivery
//
// This is the main entry point for the Poster Fleet Core service. It
// manages the registry of media-poster display devices, pairing-code
// issuance, the live WebSocket command channel, the offline command
// queue, and heartbeat reconciliation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/motionposters/fleet-core/migrations"

	"github.com/motionposters/fleet-core/internal/api"
	"github.com/motionposters/fleet-core/internal/device"
	"github.com/motionposters/fleet-core/internal/dispatch"
	"github.com/motionposters/fleet-core/internal/heartbeat"
	"github.com/motionposters/fleet-core/internal/hub"
	"github.com/motionposters/fleet-core/internal/infrastructure/config"
	"github.com/motionposters/fleet-core/internal/infrastructure/database"
	"github.com/motionposters/fleet-core/internal/infrastructure/logging"
	"github.com/motionposters/fleet-core/internal/infrastructure/mqtt"
	"github.com/motionposters/fleet-core/internal/infrastructure/telemetry"
	"github.com/motionposters/fleet-core/internal/pairing"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Poster Fleet Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	// Open database and apply migrations
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Device registry
	registry := device.NewRegistry(device.NewSQLiteStore(db.DB), cfg.Fleet.OfflineAfterDuration())
	registry.SetLogger(log)

	// MQTT fleet events (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Telemetry (optional)
	var telemetryClient *telemetry.Client
	if cfg.Telemetry.Enabled {
		telemetryClient, err = telemetry.Connect(cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("connecting to telemetry store: %w", err)
		}
		defer func() {
			log.Info("closing telemetry connection")
			telemetryClient.Close()
		}()
		telemetryClient.SetOnError(func(err error) {
			log.Error("telemetry write error", "error", err)
		})
		log.Info("telemetry connected", "url", cfg.Telemetry.URL)
	} else {
		log.Info("telemetry disabled")
	}

	// Connection hub: live-channel state flows back into the registry and
	// out to telemetry.
	var topics mqtt.Topics
	connectionHub := hub.New(cfg.WebSocket, log, func(deviceID string, connected bool) {
		status := device.StatusOffline
		if connected {
			status = device.StatusOnline
		}
		if statusErr := registry.SetStatus(context.Background(), deviceID, status); statusErr != nil {
			log.Warn("recording connection status failed", "device_id", deviceID, "error", statusErr)
		}
		if telemetryClient != nil {
			telemetryClient.WriteConnection(deviceID, connected)
		}
		if mqttClient != nil {
			payload := fmt.Sprintf(`{"deviceId":%q,"status":%q}`, deviceID, status)
			if pubErr := mqttClient.PublishRetained(topics.DeviceStatus(deviceID), []byte(payload)); pubErr != nil {
				log.Warn("publishing connection status failed", "device_id", deviceID, "error", pubErr)
			}
		}
	})
	go connectionHub.Run(ctx)

	// Command dispatch and heartbeat reconciliation
	dispatcher := dispatch.NewDispatcher(connectionHub, registry, log, telemetryClient,
		cfg.Dispatch.AckTimeoutDuration(), cfg.Dispatch.ReloadDelayDuration())

	reconciler := heartbeat.NewReconciler(registry, log, mqttClient, telemetryClient)
	// Sweep at half the offline threshold so a dead device is flagged at
	// most 1.5 thresholds after its last heartbeat.
	sweepInterval := cfg.Fleet.OfflineAfterDuration() / 2
	if sweepInterval < 10*time.Second {
		sweepInterval = 10 * time.Second
	}
	go reconciler.RunSweeper(ctx, sweepInterval)

	// Pairing codes
	codes := pairing.NewManager(registry, log)
	defer codes.Close()

	// HTTP API
	server, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Security:   cfg.Security,
		Pairing:    cfg.Pairing,
		Logger:     log,
		Registry:   registry,
		Codes:      codes,
		Hub:        connectionHub,
		Dispatcher: dispatcher,
		Reconciler: reconciler,
		Events:     mqttClient,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	// Deferred Close() calls run in reverse order:
	// API server, pairing codes, telemetry, MQTT, database.

	log.Info("Poster Fleet Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses POSTERFLEET_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("POSTERFLEET_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	return nil
}
