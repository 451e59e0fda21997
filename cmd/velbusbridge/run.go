package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/nerrad567/gray-logic-velbus/migrations"

	"github.com/nerrad567/gray-logic-velbus/internal/api"
	"github.com/nerrad567/gray-logic-velbus/internal/audit"
	"github.com/nerrad567/gray-logic-velbus/internal/bridges/velbus"
	"github.com/nerrad567/gray-logic-velbus/internal/device"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/mqtt"
)

// pruneInterval is how often expired command log rows are deleted.
const pruneInterval = time.Hour

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: Path to the main configuration file
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error { //nolint:gocognit,gocyclo // linear startup sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting velbus bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	defer log.Close()
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Load the bridge config before opening anything so a bad module table
	// fails fast. Its ID is also needed for the MQTT last will.
	var bridgeCfg *velbus.Config
	if cfg.Protocols.Velbus.Enabled {
		bridgeCfg, err = velbus.LoadConfig(cfg.Protocols.Velbus.ConfigFile)
		if err != nil {
			return fmt.Errorf("loading velbus config: %w", err)
		}
		log.Info("velbus configuration loaded",
			"path", cfg.Protocols.Velbus.ConfigFile,
			"bridge_id", bridgeCfg.Bridge.ID,
			"modules", len(bridgeCfg.Modules),
		)
	}

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

	applied, migrateErr := db.Migrate(ctx)
	if migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	for _, m := range applied {
		log.Info("database migration applied", "version", m.Version, "name", m.Name)
	}

	registry, err := startRegistry(ctx, db, log)
	if err != nil {
		return err
	}

	var commands audit.Repository
	if days := cfg.Database.CommandLogRetentionDays; days > 0 {
		commands = audit.NewSQLiteRepository(db.DB)

		// The prune loop must stop before the database closes.
		pruneCtx, stopPrune := context.WithCancel(ctx)
		pruneDone := make(chan struct{})
		go func() {
			defer close(pruneDone)
			pruneLoop(pruneCtx, commands, time.Duration(days)*24*time.Hour, pruneInterval, log)
		}()
		defer func() {
			stopPrune()
			<-pruneDone
		}()
	} else {
		log.Info("command log disabled")
	}

	var mqttOpts []mqtt.Option
	if bridgeCfg != nil {
		lwt, lwtErr := json.Marshal(velbus.NewLWTMessage(bridgeCfg.Bridge.ID))
		if lwtErr != nil {
			return fmt.Errorf("building last will: %w", lwtErr)
		}
		mqttOpts = append(mqttOpts, mqtt.WithWill(velbus.HealthTopic(), lwt))
	}

	mqttClient, err := mqtt.Connect(cfg.MQTT, mqttOpts...)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
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
	} else {
		log.Info("InfluxDB disabled")
	}

	var bridge *velbus.Bridge
	if bridgeCfg != nil {
		var conn *velbus.Connection
		bridge, conn, err = startBridge(ctx, bridgeCfg, mqttClient, registry, commands, influxClient, log)
		if err != nil {
			return fmt.Errorf("starting velbus bridge: %w", err)
		}
		defer func() {
			log.Info("closing velbus connection")
			if closeErr := conn.Close(); closeErr != nil {
				log.Error("error closing velbus connection", "error", closeErr)
			}
		}()
		defer func() {
			log.Info("stopping velbus bridge")
			bridge.Stop()
		}()
	} else {
		log.Info("velbus bridge disabled")
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Logger:   log,
			Registry: registry,
			MQTT:     mqttClient,
			DB:       db,
			Version:  version,
		}
		if bridge != nil {
			deps.Bridge = bridge
		}
		if commands != nil {
			deps.Commands = commands
		}

		apiServer, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if bridge != nil {
			bridge.OnUpdate(apiServer.PublishUpdate)
			bridge.OnCommand(apiServer.PublishCommand)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API server, bridge, bus
	// connection, InfluxDB, MQTT, database.

	log.Info("velbus bridge stopped")
	return nil
}

// startRegistry loads the module registry from the database.
func startRegistry(ctx context.Context, db *database.DB, log *logging.Logger) (*device.Registry, error) {
	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	registry.SetLogger(log)

	if err := registry.RefreshCache(ctx); err != nil {
		return nil, fmt.Errorf("loading module registry: %w", err)
	}
	log.Info("module registry initialised", "modules", registry.ModuleCount())

	return registry, nil
}

// pruneLoop deletes command log rows older than retention once at startup
// and then every interval until ctx is cancelled.
func pruneLoop(ctx context.Context, commands audit.Repository, retention, interval time.Duration, log *logging.Logger) {
	prune := func() {
		deleted, err := commands.Prune(ctx, retention)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("pruning command log", "error", err)
			}
			return
		}
		if deleted > 0 {
			log.Debug("command log pruned", "deleted", deleted)
		}
	}

	prune()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// startBridge opens the bus connection and starts the Velbus bridge.
//
// Parameters:
//   - ctx: Context for connection and startup
//   - bcfg: Bridge configuration
//   - mqttClient: Shared MQTT client
//   - registry: Module registry the bridge persists to
//   - commands: Optional command log (nil when disabled)
//   - influxClient: Optional sink for bridge statistics (nil when disabled)
//   - log: Logger instance
//
// Returns:
//   - *velbus.Bridge: Running bridge
//   - *velbus.Connection: Bus connection, to be closed after the bridge stops
//   - error: If the bus cannot be opened or the bridge fails to start
func startBridge(
	ctx context.Context,
	bcfg *velbus.Config,
	mqttClient *mqtt.Client,
	registry *device.Registry,
	commands audit.Repository,
	influxClient *influxdb.Client,
	log *logging.Logger,
) (*velbus.Bridge, *velbus.Connection, error) {
	conn, err := velbus.Connect(ctx, bcfg.ToConnectionConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to bus: %w", err)
	}
	conn.SetLogger(log)
	log.Info("velbus connected", "bus", busTarget(bcfg.Bus))

	bridge, err := velbus.NewBridge(velbus.BridgeOptions{
		Config:     bcfg,
		Version:    version,
		MQTTClient: mqttClient,
		Connector:  conn,
		Logger:     log,
		Registry:   &registryAdapter{registry: registry},
	})
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("creating bridge: %w", err)
	}

	if commands != nil {
		bridge.OnCommand(audit.NewRecorder(commands, log).Record)
	}

	if influxClient != nil {
		bridge.Health().SetOnReport(func(msg velbus.HealthMessage) {
			influxClient.WriteBridgeStats(bridgeStatsFrom(msg), msg.Timestamp)
		})
	}

	if err := bridge.Start(ctx); err != nil {
		bridge.Stop()
		_ = conn.Close()
		return nil, nil, err
	}
	log.Info("velbus bridge started", "bridge_id", bcfg.Bridge.ID)

	// The broker published the will when the connection dropped; put the
	// real status back as soon as it returns.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		if err := bridge.Health().PublishNow(); err != nil {
			log.Warn("republishing health after reconnect", "error", err)
		}
	})

	return bridge, conn, nil
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// The bus connection is not checked here: the bridge reports it through
	// its health topic and keeps reconnecting on its own.

	return nil
}
