// Velbus bridge - home automation bus to MQTT gateway.
//
// velbusbridge connects to a Velbus bus through a VMBRSUSB serial interface
// or a TCP gateway, keeps the state of the configured modules, and exposes
// them over MQTT, a REST/WebSocket API and (optionally) InfluxDB.
//
// Usage:
//
//	velbusbridge run --config configs/config.yaml
//	velbusbridge decode "0F FB 21 08 EC 0C 00 00 00 64 00 00 71 04"
//	velbusbridge validate --config configs/config.yaml
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnvVar overrides the default configuration path.
const configEnvVar = "VELBUS_CONFIG"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "velbusbridge",
	Short: "Velbus to MQTT bridge",
	Long: `velbusbridge talks to a Velbus home automation bus and publishes module
state to MQTT. Blind, sensor and clock-alarm modules can be controlled with
MQTT commands or through the REST API.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge until interrupted",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "velbusbridge %s (commit %s, built %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the configuration file (default $"+configEnvVar+" or "+defaultConfigPath+")")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runServe runs the bridge until SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return run(ctx, resolveConfigPath(configPath))
}

// resolveConfigPath returns the configuration file path.
// An explicit flag wins, then VELBUS_CONFIG, then the default.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return defaultConfigPath
}
