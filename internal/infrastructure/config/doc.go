// Package config handles loading and validating the Velbus service configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (VELBUS_*)
//   - Validation of required fields
//   - Default value handling
//
// The bus connection and module list live in a separate bridge config file,
// referenced by protocols.velbus.config_file and loaded by the velbus package.
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token) should be set via
//     environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Site.Name)
package config
