package velbus

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSerialPort is the usual device node of a VMBRSUSB interface.
const DefaultSerialPort = "/dev/ttyACM0"

// Config is the root configuration for the Velbus bridge.
// Loaded from YAML with environment variable overrides.
type Config struct {
	Bridge  BridgeConfig    `yaml:"bridge"`
	Bus     BusSettings     `yaml:"bus"`
	MQTT    MQTTSettings    `yaml:"mqtt"`
	Modules []ModuleConfig  `yaml:"modules"`
	Logging LoggingSettings `yaml:"logging"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance.
	// Used in MQTT client ID and health reporting.
	ID string `yaml:"id"`

	// HealthInterval is how often to publish health status (seconds).
	// Default: 30 seconds.
	HealthInterval int `yaml:"health_interval"`

	// TimeSyncInterval is how often the real-time clock is broadcast
	// (seconds). 0 disables time sync. Default: 3600.
	TimeSyncInterval int `yaml:"time_sync_interval"`

	// TimeSyncAddress is the bus address the clock is sent to.
	// Default: 0x00 (broadcast).
	TimeSyncAddress string `yaml:"time_sync_address"`

	// RefreshOnStart re-reads every module once connected. Default: true.
	RefreshOnStart bool `yaml:"refresh_on_start"`
}

// BusSettings contains the bus connection settings.
type BusSettings struct {
	// Transport is "serial" or "tcp". Default: serial.
	Transport string `yaml:"transport"`

	// Port is the serial device. Default: /dev/ttyACM0.
	Port string `yaml:"port"`

	// BaudRate is the serial line speed. Default: 38400.
	BaudRate int `yaml:"baud_rate"`

	// Address is the TCP gateway ("host:port") when Transport is tcp.
	Address string `yaml:"address"`

	// ConnectTimeout is the maximum time to wait for connection (seconds).
	// Default: 10 seconds.
	ConnectTimeout int `yaml:"connect_timeout"`

	// ReconnectInterval is the initial delay between reconnection attempts
	// (seconds). Default: 5 seconds.
	ReconnectInterval int `yaml:"reconnect_interval"`
}

// MQTTSettings contains MQTT broker connection settings.
type MQTTSettings struct {
	// Broker is the MQTT broker URL.
	// Example: "tcp://localhost:1883"
	Broker string `yaml:"broker"`

	// ClientID is the MQTT client identifier.
	// Default: bridge.id + "-mqtt"
	ClientID string `yaml:"client_id"`

	// Username for MQTT authentication (optional).
	Username string `yaml:"username"`

	// Password for MQTT authentication (optional).
	// WARNING: Never log this value. Use String() method for safe logging.
	Password string `yaml:"password"`

	// QoS is the MQTT quality of service level (0, 1, or 2).
	// Default: 1 (at least once delivery).
	QoS int `yaml:"qos"`

	// KeepAlive is the MQTT keep-alive interval (seconds).
	// Default: 60 seconds.
	KeepAlive int `yaml:"keep_alive"`
}

// String returns a string representation with password masked.
func (m MQTTSettings) String() string {
	password := ""
	if m.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("MQTTSettings{Broker:%q, ClientID:%q, Username:%q, Password:%s, QoS:%d, KeepAlive:%d}",
		m.Broker, m.ClientID, m.Username, password, m.QoS, m.KeepAlive)
}

// MarshalJSON implements json.Marshaler to redact password in JSON output.
func (m MQTTSettings) MarshalJSON() ([]byte, error) {
	type redacted MQTTSettings
	safe := redacted(m)
	if safe.Password != "" {
		safe.Password = "[REDACTED]"
	}
	return json.Marshal(safe)
}

// LoggingSettings contains logging settings.
type LoggingSettings struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is the log output format: json or text.
	Format string `yaml:"format"`
}

// ModuleConfig defines one physical module on the bus.
type ModuleConfig struct {
	// ID is the Gray Logic identifier used in MQTT topics.
	ID string `yaml:"id"`

	// Name is a display name (optional).
	Name string `yaml:"name"`

	// Type is the module type, e.g. "VMB2BLE", "VMBGP4".
	Type string `yaml:"type"`

	// Address is the base bus address in hex ("21" or "0x21").
	Address string `yaml:"address"`

	// SubAddresses are the extra addresses of glass panels, in slot order.
	// Unused slots may be given as "FF".
	SubAddresses []string `yaml:"sub_addresses"`
}

// LoadConfig reads configuration from a YAML file.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: VELBUS_BRIDGE_SECTION_KEY
// For example: VELBUS_BRIDGE_BUS_PORT, VELBUS_BRIDGE_MQTT_BROKER
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:               "velbus-bridge-01",
			HealthInterval:   30,
			TimeSyncInterval: 3600,
			TimeSyncAddress:  "00",
			RefreshOnStart:   true,
		},
		Bus: BusSettings{
			Transport:         TransportSerial,
			Port:              DefaultSerialPort,
			BaudRate:          DefaultBaudRate,
			ConnectTimeout:    10,
			ReconnectInterval: 5,
		},
		MQTT: MQTTSettings{
			Broker:    "tcp://localhost:1883",
			QoS:       1,
			KeepAlive: 60,
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "json",
		},
		Modules: []ModuleConfig{},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VELBUS_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}

	if v := os.Getenv("VELBUS_BRIDGE_BUS_TRANSPORT"); v != "" {
		cfg.Bus.Transport = v
	}
	if v := os.Getenv("VELBUS_BRIDGE_BUS_PORT"); v != "" {
		cfg.Bus.Port = v
	}
	if v := os.Getenv("VELBUS_BRIDGE_BUS_ADDRESS"); v != "" {
		cfg.Bus.Address = v
	}

	if v := os.Getenv("VELBUS_BRIDGE_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("VELBUS_BRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("VELBUS_BRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateBus()...)
	errs = append(errs, c.validateMQTT()...)
	errs = append(errs, c.validateModules()...)
	errs = append(errs, c.validateLogging()...)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateBridge() []string {
	var errs []string
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}
	if c.Bridge.TimeSyncInterval < 0 {
		errs = append(errs, "bridge.time_sync_interval must not be negative")
	}
	if _, err := ParseAddress(c.Bridge.TimeSyncAddress); err != nil {
		errs = append(errs, fmt.Sprintf("bridge.time_sync_address: %v", err))
	}
	return errs
}

func (c *Config) validateBus() []string {
	var errs []string
	switch c.Bus.Transport {
	case TransportSerial:
		if c.Bus.Port == "" {
			errs = append(errs, "bus.port is required for serial transport")
		}
		if c.Bus.BaudRate < 1 {
			errs = append(errs, "bus.baud_rate must be positive")
		}
	case TransportTCP:
		if c.Bus.Address == "" {
			errs = append(errs, "bus.address is required for tcp transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("bus.transport %q is invalid (use serial or tcp)", c.Bus.Transport))
	}
	if c.Bus.ConnectTimeout < 1 {
		errs = append(errs, "bus.connect_timeout must be at least 1 second")
	}
	if c.Bus.ReconnectInterval < 1 {
		errs = append(errs, "bus.reconnect_interval must be at least 1 second")
	}
	return errs
}

func (c *Config) validateMQTT() []string {
	var errs []string
	if c.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	return errs
}

// validateModules checks each module entry and that no two modules share a
// bus address.
func (c *Config) validateModules() []string {
	var errs []string
	ids := make(map[string]bool)
	owners := make(map[byte]string)

	for i, mod := range c.Modules {
		if mod.ID == "" {
			errs = append(errs, fmt.Sprintf("modules[%d].id is required", i))
			continue
		}
		if ids[mod.ID] {
			errs = append(errs, fmt.Sprintf("modules[%d].id %q is duplicate", i, mod.ID))
		}
		ids[mod.ID] = true

		spec, err := mod.ToModuleSpec()
		if err != nil {
			errs = append(errs, fmt.Sprintf("modules[%d]: %v", i, err))
			continue
		}
		resolver, err := NewResolver(spec.Type, spec.Address, spec.SubAddresses)
		if err != nil {
			errs = append(errs, fmt.Sprintf("modules[%d]: %v", i, err))
			continue
		}
		for _, a := range resolver.Addresses() {
			if other, taken := owners[a]; taken {
				errs = append(errs, fmt.Sprintf("modules[%d]: address %02X already used by %s", i, a, other))
				continue
			}
			owners[a] = mod.ID
		}
	}

	return errs
}

func (c *Config) validateLogging() []string {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level %q is invalid (use debug, info, warn, or error)", c.Logging.Level))
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format %q is invalid (use json or text)", c.Logging.Format))
	}

	return errs
}

// ToModuleSpec parses the hex addresses and module type of one entry.
func (m ModuleConfig) ToModuleSpec() (ModuleSpec, error) {
	typ, err := ParseModuleType(m.Type)
	if err != nil {
		return ModuleSpec{}, err
	}
	addr, err := ParseAddress(m.Address)
	if err != nil {
		return ModuleSpec{}, fmt.Errorf("address: %w", err)
	}

	subs := make([]byte, 0, len(m.SubAddresses))
	for _, s := range m.SubAddresses {
		a, err := ParseAddress(s)
		if err != nil {
			return ModuleSpec{}, fmt.Errorf("sub_addresses: %w", err)
		}
		subs = append(subs, a)
	}

	return ModuleSpec{
		ID:           m.ID,
		Name:         m.Name,
		Type:         typ,
		Address:      addr,
		SubAddresses: subs,
	}, nil
}

// ToModuleSpecs converts every module entry.
func (c *Config) ToModuleSpecs() ([]ModuleSpec, error) {
	specs := make([]ModuleSpec, 0, len(c.Modules))
	for _, m := range c.Modules {
		spec, err := m.ToModuleSpec()
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", m.ID, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ToConnectionConfig converts bus settings to a ConnectionConfig.
func (c *Config) ToConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Transport:         c.Bus.Transport,
		Port:              c.Bus.Port,
		BaudRate:          c.Bus.BaudRate,
		Address:           c.Bus.Address,
		ConnectTimeout:    time.Duration(c.Bus.ConnectTimeout) * time.Second,
		ReconnectInterval: time.Duration(c.Bus.ReconnectInterval) * time.Second,
	}
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetTimeSyncInterval returns the time sync interval as a Duration.
func (c *Config) GetTimeSyncInterval() time.Duration {
	return time.Duration(c.Bridge.TimeSyncInterval) * time.Second
}

// GetTimeSyncAddress returns the parsed time sync address.
// Invalid values fall back to broadcast; Validate reports them.
func (c *Config) GetTimeSyncAddress() byte {
	a, err := ParseAddress(c.Bridge.TimeSyncAddress)
	if err != nil {
		return BroadcastAddress
	}
	return a
}

// GetMQTTClientID returns the MQTT client ID, defaulting to bridge ID if not set.
func (c *Config) GetMQTTClientID() string {
	if c.MQTT.ClientID != "" {
		return c.MQTT.ClientID
	}
	return c.Bridge.ID + "-mqtt"
}

// ParseAddress parses a bus address in hex ("21", "0x21").
func ParseAddress(s string) (byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, fmt.Errorf("%w: empty address", ErrInvalidConfig)
	}
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: address %q is not a hex byte", ErrInvalidConfig, s)
	}
	return byte(v), nil
}
