// IoT Dashboard Core
//
// This is the main entry point for the dashboard server. It tracks field
// devices over MQTT, records their telemetry, sweeps for silent devices and
// serves the operator API.
//
//	iotdash              run the server
//	iotdash token -sub operator -ttl 24h
//	                     mint an operator bearer token from the configured secret
//	iotdash migrate status|up|down [-steps N]
//	                     inspect or change the database schema
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/iotdash-core/migrations"

	"github.com/nerrad567/iotdash-core/internal/api"
	"github.com/nerrad567/iotdash-core/internal/audit"
	"github.com/nerrad567/iotdash-core/internal/command"
	"github.com/nerrad567/iotdash-core/internal/device"
	"github.com/nerrad567/iotdash-core/internal/heartbeat"
	"github.com/nerrad567/iotdash-core/internal/history"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/cache"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/config"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/database"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/logging"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/iotdash-core/internal/ingest"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "iotdash"

	pruneInterval = time.Hour
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch {
	case len(os.Args) > 1 && os.Args[1] == "token":
		err = runToken(os.Args[2:], os.Stdout)
	case len(os.Args) > 1 && os.Args[1] == "migrate":
		err = runMigrate(ctx, os.Args[2:], os.Stdout)
	default:
		err = run(ctx)
	}
	if err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default(serviceName)
	log.Info("starting IoT dashboard core",
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

	log = logging.New(cfg.Logging, serviceName, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(cfg.Database)
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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	registry.SetLogger(log.With("component", "registry"))
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", registry.GetDeviceCount())

	store := history.NewSQLiteStore(db.DB)

	mqttClient, err := mqtt.Connect(ctx, cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.With("component", "mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	health := map[string]api.HealthChecker{
		"database": db,
		"mqtt":     mqttClient,
	}
	sinks := []ingest.ReadingSink{store}

	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		health["influxdb"] = influxClient
		sinks = append(sinks, influxClient)
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	var latest api.LatestCache
	if cfg.Redis.Enabled {
		redisCache, redisErr := cache.Connect(ctx, cfg.Redis)
		if redisErr != nil {
			return fmt.Errorf("connecting to Redis: %w", redisErr)
		}
		defer func() {
			log.Info("closing Redis connection")
			if closeErr := redisCache.Close(); closeErr != nil {
				log.Error("error closing Redis", "error", closeErr)
			}
		}()
		health["redis"] = redisCache
		sinks = append(sinks, redisCache)
		latest = redisCache
		log.Info("Redis cache connected", "addr", cfg.Redis.Addr)
	} else {
		log.Info("Redis cache disabled")
	}

	router := command.NewRouter(registry, mqttClient, store, byte(cfg.MQTT.QoS)) //nolint:gosec // QoS validated 0-2
	router.SetLogger(log.With("component", "command"))

	srv, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Security:   cfg.Security,
		Logger:     log.With("component", "api"),
		Registry:   registry,
		Commands:   router,
		Readings:   store,
		CommandLog: store,
		Latest:     latest,
		Audit:      audit.NewSQLiteRepository(db.DB),
		Health:     health,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	registry.SetObserver(srv.Hub().Observe)
	sinks = append(sinks, srv.Hub())

	ingestor := ingest.New(registry, sinks...)
	ingestor.SetLogger(log.With("component", "ingest"))
	if subErr := ingestor.Subscribe(mqttClient, byte(cfg.MQTT.QoS)); subErr != nil { //nolint:gosec // QoS validated 0-2
		return fmt.Errorf("subscribing to device topics: %w", subErr)
	}
	defer func() {
		if unsubErr := ingestor.Unsubscribe(mqttClient); unsubErr != nil {
			log.Warn("error unsubscribing from device topics", "error", unsubErr)
		}
	}()
	log.Info("device topics subscribed", "subscriptions", mqttClient.SubscriptionCount())

	monitor := heartbeat.NewMonitor(registry, heartbeat.Config{
		Interval: cfg.Registry.SweepInterval,
		Timeout:  cfg.Registry.OfflineTimeout(),
	})
	monitor.SetLogger(log.With("component", "heartbeat"))
	monitor.Start(ctx)
	defer monitor.Stop()
	log.Info("heartbeat monitor started",
		"sweep_interval", cfg.Registry.SweepInterval,
		"offline_timeout", monitor.Timeout(),
	)

	if days := cfg.Registry.HistoryRetentionDays; days > 0 {
		pruner := history.NewPruner(store, store, time.Duration(days)*24*time.Hour, pruneInterval)
		pruner.SetLogger(log.With("component", "pruner"))
		pruner.Start(ctx)
		defer pruner.Stop()
		log.Info("history pruning enabled", "retention_days", days)
	}

	if startErr := srv.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	if err := srv.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	log.Info("IoT dashboard core stopped")
	return nil
}

// runToken prints a signed operator token for the configured JWT secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("sub", "operator", "token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return errors.New("security.jwt.secret is not set; operator endpoints are open")
	}

	token, err := api.IssueToken(cfg.Security.JWT.Secret, *subject, *ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// getConfigPath returns the configuration file path.
// Uses IOTDASH_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("IOTDASH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
