package velbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MQTT message types exchanged between Gray Logic Core and the Velbus bridge.

// Protocol is the protocol identifier used in topics and messages.
const Protocol = "velbus"

// Command names carried in CommandMessage.Command.
const (
	CommandNameRefresh  = "refresh"
	CommandNameOn       = "on"
	CommandNameOff      = "off"
	CommandNameSet      = "set"
	CommandNameUp       = "up"
	CommandNameDown     = "down"
	CommandNameStop     = "stop"
	CommandNamePosition = "position"
)

// CommandMessage is sent from Core to Bridge to act on one module channel.
// Topic: graylogic/command/velbus/{module_id}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// ModuleID is the configured module identifier.
	ModuleID string `json:"module_id"`

	// Channel is the module channel ("CH1", "clockAlarm#CLOCKALARM1ENABLED").
	Channel string `json:"channel"`

	// Command is one of refresh, on, off, set, up, down, stop, position.
	Command string `json:"command"`

	// Value is the command argument: a bool or number for set, a percentage
	// for position, absent otherwise.
	Value any `json:"value,omitempty"`

	// Source indicates where the command originated ("api", "automation").
	Source string `json:"source,omitempty"`
}

// MarshalJSON writes the timestamp in RFC 3339.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	type Alias CommandMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON accepts an RFC 3339 timestamp or none.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// ToCommand converts the message into a Command.
//
// Returns:
//   - Command: The command to hand to the dispatcher
//   - error: ErrUnsupportedCommand for unknown names, ErrInvalidValue for a
//     missing or mistyped value
func (m *CommandMessage) ToCommand() (Command, error) {
	switch strings.ToLower(m.Command) {
	case CommandNameRefresh:
		return RefreshCommand(), nil
	case CommandNameOn:
		return BoolCommand(true), nil
	case CommandNameOff:
		return BoolCommand(false), nil
	case CommandNameUp:
		return UpDownCommand(true), nil
	case CommandNameDown:
		return UpDownCommand(false), nil
	case CommandNameStop:
		return StopCommand(), nil
	case CommandNamePosition:
		if !isNumber(m.Value) {
			return Command{}, fmt.Errorf("%w: position needs a number", ErrInvalidValue)
		}
		return Command{Kind: KindPercent, Value: m.Value}, nil
	case CommandNameSet:
		switch v := m.Value.(type) {
		case bool:
			return BoolCommand(v), nil
		case nil:
			return Command{}, fmt.Errorf("%w: set needs a value", ErrInvalidValue)
		default:
			if !isNumber(v) {
				return Command{}, fmt.Errorf("%w: set needs a bool or number, got %T", ErrInvalidValue, v)
			}
			return Command{Kind: KindInt, Value: v}, nil
		}
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnsupportedCommand, m.Command)
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int64, float64:
		return true
	default:
		return false
	}
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the frames were written to the bus.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from Bridge to Core to acknowledge a command.
// Topic: graylogic/ack/velbus/{module_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	ModuleID  string    `json:"module_id"`
	Channel   string    `json:"channel,omitempty"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`

	// Frames is the number of frames written for the command.
	Frames int `json:"frames,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeBridgeOffline      = "BRIDGE_OFFLINE"
	ErrCodeInvalidCommand     = "INVALID_COMMAND"
	ErrCodeInvalidParameters  = "INVALID_PARAMETERS"
	ErrCodeNotConfigured      = "NOT_CONFIGURED"
	ErrCodeConfigurationError = "CONFIGURATION_ERROR"
	ErrCodeBridgeError        = "BRIDGE_ERROR"
)

// ErrorCode maps an error to the code reported in acks and responses.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrBridgeOffline), errors.Is(err, ErrNotConnected):
		return ErrCodeBridgeOffline
	case errors.Is(err, ErrModuleNotFound):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrUnsupportedCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrInvalidValue):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrUnknownChannel), errors.Is(err, ErrChannelOutOfRange), errors.Is(err, ErrInvalidConfig):
		return ErrCodeConfigurationError
	default:
		return ErrCodeBridgeError
	}
}

// NewAckMessage creates an acknowledgment for a command that was sent.
func NewAckMessage(cmd CommandMessage, frames int) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		ModuleID:  cmd.ModuleID,
		Channel:   cmd.Channel,
		Status:    AckAccepted,
		Protocol:  Protocol,
		Frames:    frames,
	}
}

// NewAckError creates a failed acknowledgment from err.
func NewAckError(cmd CommandMessage, err error) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		ModuleID:  cmd.ModuleID,
		Channel:   cmd.Channel,
		Status:    AckFailed,
		Protocol:  Protocol,
		Error: &AckError{
			Code:    ErrorCode(err),
			Message: err.Error(),
		},
	}
}

// StateMessage is sent from Bridge to Core when a channel value changes.
// Topic: graylogic/state/velbus/{module_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	ModuleID  string    `json:"module_id"`
	Channel   string    `json:"channel"`
	Value     any       `json:"value"`
	Previous  any       `json:"previous,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Protocol  string    `json:"protocol"`

	// Address is the module base address in hex.
	Address string `json:"address"`
}

// NewStateMessage creates a state message from a dispatcher update.
func NewStateMessage(u Update, address byte) StateMessage {
	return StateMessage{
		ModuleID:  u.ModuleID,
		Channel:   u.Channel,
		Value:     u.New,
		Previous:  u.Old,
		Timestamp: u.At.UTC(),
		Protocol:  Protocol,
		Address:   fmt.Sprintf("%02X", address),
	}
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage is sent from Bridge to Core to report operational status.
// Topic: graylogic/health/velbus
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version,omitempty"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Connection     *ConnectionStatus `json:"connection,omitempty"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	ModulesManaged int               `json:"modules_managed"`

	// ModulesMisconfigured counts modules in configuration_error.
	ModulesMisconfigured int `json:"modules_misconfigured,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// ConnectionStatus describes the bus connection state.
type ConnectionStatus struct {
	// Status is "connected", "disconnected" or "reconnecting".
	Status       string     `json:"status"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics contains operational metrics.
type BridgeStatistics struct {
	FramesReceived   uint64 `json:"frames_received"`
	FramesSent       uint64 `json:"frames_sent"`
	FramesMalformed  uint64 `json:"frames_malformed"`
	FramesIgnored    uint64 `json:"frames_ignored"`
	CommandsRejected uint64 `json:"commands_rejected"`
	Reconnects       uint64 `json:"reconnects"`
	Errors           uint64 `json:"errors"`
}

// NewBridgeStatistics merges connection and dispatcher counters.
func NewBridgeStatistics(conn ConnectionStats, disp DispatcherStats) BridgeStatistics {
	return BridgeStatistics{
		FramesReceived:   conn.FramesRx,
		FramesSent:       conn.FramesTx,
		FramesMalformed:  conn.FramesMalformed,
		FramesIgnored:    disp.FramesIgnored,
		CommandsRejected: disp.CommandsRejected,
		Reconnects:       conn.ReconnectsTotal,
		Errors:           conn.ErrorsTotal + disp.StoreErrors,
	}
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats BridgeStatistics,
	conn ConnectionStats, moduleCount, misconfigured int, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:               bridgeID,
		Timestamp:            time.Now().UTC(),
		Status:               status,
		Version:              version,
		UptimeSeconds:        int64(time.Since(startTime).Seconds()),
		ModulesManaged:       moduleCount,
		ModulesMisconfigured: misconfigured,
		Statistics:           &stats,
	}

	switch {
	case conn.Connected:
		last := conn.LastActivity
		msg.Connection = &ConnectionStatus{Status: "connected", LastActivity: &last}
	case conn.Reconnecting:
		msg.Connection = &ConnectionStatus{Status: "reconnecting"}
	default:
		msg.Connection = &ConnectionStatus{Status: "disconnected"}
	}

	return msg
}

// NewLWTMessage creates a Last Will and Testament message for MQTT.
// This message is published by the broker if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Request actions.
const (
	ActionReadState  = "read_state"
	ActionRefreshAll = "refresh_all"
)

// RequestMessage is sent from Core to Bridge for request/response operations.
// Topic: graylogic/request/velbus/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is read_state or refresh_all.
	Action string `json:"action"`

	// ModuleID limits the action to one module. Empty means all modules.
	ModuleID string `json:"module_id,omitempty"`
}

// ResponseMessage is sent from Bridge to Core in response to a request.
// Topic: graylogic/response/velbus/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Topic helpers

const (
	// TopicPrefix is the base topic for all Gray Logic messages.
	TopicPrefix = "graylogic"
)

// CommandTopic returns the MQTT topic for commands to a module.
// Example: graylogic/command/velbus/kitchen-blinds
func CommandTopic(moduleID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, moduleID)
}

// AckTopic returns the MQTT topic for command acknowledgments.
func AckTopic(moduleID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, moduleID)
}

// StateTopic returns the MQTT topic for state updates.
func StateTopic(moduleID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, moduleID)
}

// HealthTopic returns the MQTT topic for health status.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// RequestTopic returns the MQTT topic for requests.
func RequestTopic(requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, Protocol, requestID)
}

// ResponseTopic returns the MQTT topic for responses.
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, Protocol, requestID)
}

// CommandSubscribeTopic returns the MQTT subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, Protocol)
}

// RequestSubscribeTopic returns the MQTT subscription pattern for all requests.
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/%s/+", TopicPrefix, Protocol)
}

// TopicID returns the last segment of topic.
func TopicID(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
