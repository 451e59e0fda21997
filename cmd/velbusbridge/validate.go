package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-velbus/internal/bridges/velbus"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/database"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration files and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return validateConfig(cmd.OutOrStdout(), resolveConfigPath(configPath))
	},
}

// validateConfig loads the main configuration and, when the Velbus protocol
// is enabled, the bridge configuration it points to. Secrets are redacted
// in the summary.
func validateConfig(w io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	fmt.Fprintf(w, "config:   %s ok\n", path)
	fmt.Fprintf(w, "database: %s (command log %d days)\n", cfg.Database.Path, cfg.Database.CommandLogRetentionDays)
	schema, err := schemaSummary(cfg.Database)
	if err != nil {
		return fmt.Errorf("checking database schema: %w", err)
	}
	fmt.Fprintf(w, "schema:   %s\n", schema)
	fmt.Fprintf(w, "mqtt:     %s:%d\n", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port)

	if !cfg.Protocols.Velbus.Enabled {
		fmt.Fprintln(w, "velbus:   disabled")
		return nil
	}

	bcfg, err := velbus.LoadConfig(cfg.Protocols.Velbus.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading velbus config: %w", err)
	}
	fmt.Fprintf(w, "velbus:   %s ok (bridge %s, %d modules)\n",
		cfg.Protocols.Velbus.ConfigFile, bcfg.Bridge.ID, len(bcfg.Modules))
	fmt.Fprintf(w, "bus:      %s\n", busTarget(bcfg.Bus))
	fmt.Fprintf(w, "bridge mqtt: %s\n", bcfg.MQTT)
	return nil
}

// schemaSummary describes the schema of the configured database without
// creating or migrating it.
func schemaSummary(cfg config.DatabaseConfig) (string, error) {
	if _, err := os.Stat(cfg.Path); errors.Is(err, fs.ErrNotExist) {
		migrations, err := database.LoadMigrations()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("not created yet, %d migrations to apply", len(migrations)), nil
	}

	db, err := database.Open(database.Config{Path: cfg.Path, BusyTimeout: cfg.BusyTimeout, ReadOnly: true})
	if err != nil {
		return "", err
	}
	defer db.Close() //nolint:errcheck // read-only

	status, err := db.SchemaStatus(context.Background())
	if err != nil {
		return "", err
	}
	version := status.Version()
	if version == "" {
		version = "empty"
	}
	if status.Current() {
		return fmt.Sprintf("version %s, current", version), nil
	}
	return fmt.Sprintf("version %s, %d migrations pending", version, len(status.Pending)), nil
}

func busTarget(bus velbus.BusSettings) string {
	if bus.Transport == velbus.TransportTCP {
		return "tcp " + bus.Address
	}
	return fmt.Sprintf("serial %s @ %d baud", bus.Port, bus.BaudRate)
}
