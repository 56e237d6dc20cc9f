// PulseGate Core - Pulse Telemetry Gateway
//
// This is the main entry point for the PulseGate Core service. PulseGate
// receives HTTP telegrams from field pulse-metering devices (water, heat,
// electricity), reconciles raw counters into monotonic consumption
// totals, and republishes committed state over MQTT, WebSocket, and a
// REST API.
//
// Subcommands:
//
//	pulsegate                 start the service
//	pulsegate health          probe the liveness endpoint (for container healthchecks)
//	pulsegate hash-password   hash an operator password for config.yaml
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/nerrad567/pulsegate-core/migrations"

	"github.com/nerrad567/pulsegate-core/internal/api"
	"github.com/nerrad567/pulsegate-core/internal/auth"
	"github.com/nerrad567/pulsegate-core/internal/device"
	"github.com/nerrad567/pulsegate-core/internal/infrastructure/config"
	"github.com/nerrad567/pulsegate-core/internal/infrastructure/database"
	"github.com/nerrad567/pulsegate-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/pulsegate-core/internal/infrastructure/logging"
	"github.com/nerrad567/pulsegate-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/pulsegate-core/internal/ingest"
	"github.com/nerrad567/pulsegate-core/internal/publish"
	"github.com/nerrad567/pulsegate-core/internal/telegram"
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
	// Subcommands run and exit without starting the service.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "health":
			os.Exit(runHealthProbe())
		case "hash-password":
			os.Exit(runHashPassword(os.Args[2:]))
		}
	}

	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting PulseGate Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
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
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise device registry with the channel profile for
	// auto-created devices
	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB), profileFromConfig(cfg.Ingest))
	registry.SetLogger(log)

	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", registry.GetStats().TotalDevices)

	// Connect to MQTT broker (optional)
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

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled, readings stay local")
	}

	// Connect to InfluxDB (optional)
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		influxClient = nil
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	}

	// Fan ingestion events out to the configured sinks. With neither
	// sink the coordinator runs silent; the registry stays authoritative
	// either way.
	var notifier ingest.Notifier = ingest.NopNotifier{}
	if mqttClient != nil || influxClient != nil {
		opts := publish.Options{
			Topics: mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix},
			QoS:    byte(cfg.MQTT.QoS),
			Logger: log,
		}
		// Assign only non-nil clients so the interface fields stay nil
		if mqttClient != nil {
			opts.MQTT = mqttClient
		}
		if influxClient != nil {
			opts.Influx = influxClient
		}

		publisher, pubErr := publish.NewPublisher(opts)
		if pubErr != nil {
			return fmt.Errorf("creating publisher: %w", pubErr)
		}
		notifier = publisher
	}

	// Build the ingestion pipeline
	validator := telegram.NewValidator(limitsFromConfig(cfg.Ingest))
	coordinator, err := ingest.NewCoordinator(ingest.CoordinatorOptions{
		Validator:         validator,
		Registry:          registry,
		Notifier:          notifier,
		PlausibilityGrace: cfg.GetPlausibilityGrace(),
		Logger:            log,
	})
	if err != nil {
		return fmt.Errorf("creating ingest coordinator: %w", err)
	}
	log.Info("ingest pipeline initialised",
		"max_body_bytes", cfg.Ingest.MaxBodyBytes,
		"profile", cfg.Ingest.Profile,
	)

	// Start the silence watchdog (optional)
	if cfg.Watchdog.Enabled {
		watchdog := device.NewWatchdog(device.WatchdogConfig{
			Registry:     registry,
			Interval:     cfg.GetWatchdogInterval(),
			OfflineAfter: cfg.GetOfflineAfter(),
			OnOffline: func(rec device.Record, previous device.HealthStatus) {
				notifier.HealthChanged(rec, previous)
			},
		})
		watchdog.SetLogger(log)
		watchdog.Start(ctx)
		defer func() {
			log.Info("stopping watchdog")
			watchdog.Stop()
		}()
		log.Info("watchdog started",
			"check_interval", cfg.GetWatchdogInterval().String(),
			"offline_after", cfg.GetOfflineAfter().String(),
		)
	} else {
		log.Info("watchdog disabled, devices never marked offline")
	}

	// Build the operator credential (optional)
	var operator *auth.Operator
	if cfg.Auth.Enabled {
		operator = &auth.Operator{
			Username:        cfg.Auth.OperatorUsername,
			PasswordHash:    cfg.Auth.OperatorPasswordHash,
			JWTSecret:       cfg.Auth.JWTSecret,
			TokenTTLMinutes: cfg.Auth.AccessTokenTTL,
		}
		log.Info("operator auth enabled", "username", cfg.Auth.OperatorUsername)
	} else {
		log.Warn("operator auth disabled, API is open")
	}

	// Start the API server
	apiServer, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Ingest:      cfg.Ingest,
		Logger:      log,
		Registry:    registry,
		Coordinator: coordinator,
		Operator:    operator,
		Notifier:    notifier,
		MQTT:        mqttClient,
		Influx:      influxClient,
		DB:          db,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"addr", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, watchdog, InfluxDB (if enabled), MQTT (if enabled),
	// database.

	log.Info("PulseGate Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses PULSEGATE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("PULSEGATE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// profileFromConfig builds the channel profile applied to auto-created
// devices from the ingest configuration. Positions beyond the configured
// profile fall back to generic pulse defaults.
func profileFromConfig(ic config.IngestConfig) device.Profile {
	defaults := func(kind string) device.ChannelDefaults {
		d := device.ChannelDefaults{Kind: device.ChannelKind(kind)}
		if cd, ok := ic.ChannelDefaults[kind]; ok {
			d.CalibrationFactor = cd.CalibrationFactor
			d.CounterWidthBits = cd.CounterWidthBits
			d.MaxPulsesPerMinute = cd.MaxPulsesPerMinute
		}
		return d
	}

	profile := device.Profile{
		Fallback: defaults(string(device.ChannelKindGenericPulse)),
	}
	for _, kind := range ic.Profile {
		profile.Channels = append(profile.Channels, defaults(kind))
	}
	return profile
}

// limitsFromConfig maps the ingest configuration onto validator limits.
// Zero values fall back to the validator's package defaults.
func limitsFromConfig(ic config.IngestConfig) telegram.Limits {
	return telegram.Limits{
		MaxBodyBytes:       int64(ic.MaxBodyBytes),
		MaxIdentifierBytes: ic.MaxIdentifierLength,
		MaxStringBytes:     ic.MaxStringLength,
		MaxCounters:        ic.MaxCounters,
		MaxExtraFields:     ic.MaxDiagnosticFields,
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//   - apiServer: API server to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, apiServer *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if err := apiServer.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	return nil
}

// healthProbeTimeout bounds the liveness probe request.
const healthProbeTimeout = 5 * time.Second

// runHealthProbe hits the liveness endpoint of a running instance and
// exits 0 when it answers. Docker HEALTHCHECK and systemd watchdogs
// call this through `pulsegate health`.
func runHealthProbe() int {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading config: %v\n", err)
		return 1
	}

	// A wildcard bind address is not dialable; probe loopback instead.
	host := cfg.API.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%d/api/v1/health", host, cfg.API.Port)

	client := &http.Client{Timeout: healthProbeTimeout}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Error: health endpoint returned %d\n", resp.StatusCode)
		return 1
	}

	fmt.Println("ok")
	return 0
}

// runHashPassword hashes an operator password with Argon2id and prints
// the PHC string for auth.operator_password_hash in config.yaml. The
// password is taken from the first argument, or read from stdin when
// absent (keeps the secret out of shell history).
func runHashPassword(args []string) int {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintf(os.Stderr, "Error: reading password: %v\n", err)
			return 1
		}
		password = strings.TrimRight(line, "\r\n")
	}

	if password == "" {
		fmt.Fprintln(os.Stderr, "Error: password must not be empty")
		return 1
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Println(hash)
	return 0
}
