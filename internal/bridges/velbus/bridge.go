package velbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// commandTimeout is the timeout for sending the frames of one command.
	commandTimeout = 5 * time.Second

	// refreshAllTimeout bounds a refresh of every module.
	refreshAllTimeout = 30 * time.Second

	// interRefreshDelay spaces module refreshes to avoid flooding the bus.
	interRefreshDelay = 50 * time.Millisecond
)

// Bridge orchestrates bidirectional translation between Velbus and MQTT.
// It handles:
//   - Receiving commands from Core via MQTT and writing frames to the bus
//   - Receiving frames from the bus and publishing channel changes to MQTT
//   - Periodic clock sync, health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg        *Config
	version    string
	mqtt       MQTTClient
	conn       Connector
	dispatcher *Dispatcher
	health     *HealthReporter
	timeSync   *TimeSync
	registry   ModuleRegistry

	listeners        []func(Update)
	commandListeners []func(CommandMessage, AckMessage)
	listenersMu      sync.RWMutex

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// ModuleRegistry persists module records, their status and last values.
// It is optional; without it the bridge keeps state in memory only.
type ModuleRegistry interface {
	// SeedModule creates or updates the record of a configured module.
	SeedModule(ctx context.Context, seed ModuleSeed) error

	// SetModuleState stores the latest value of one channel.
	SetModuleState(ctx context.Context, id, channel string, value any, at time.Time) error

	// SetModuleStatus stores the module status and an optional detail.
	SetModuleStatus(ctx context.Context, id, status, detail string) error
}

// ModuleSeed holds module fields derivable from bridge config.
type ModuleSeed struct {
	ID           string
	Name         string
	Type         string
	Address      string
	SubAddresses []string
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the loaded bridge configuration.
	Config *Config

	// Version is reported in health messages.
	Version string

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Connector is the bus connection.
	Connector Connector

	// Logger is optional structured logger.
	Logger Logger

	// Registry is optional module persistence.
	Registry ModuleRegistry
}

// NewBridge creates a bridge and registers every configured module.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: config is required", ErrInvalidConfig)
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("%w: MQTT client is required", ErrInvalidConfig)
	}
	if opts.Connector == nil {
		return nil, fmt.Errorf("%w: bus connector is required", ErrInvalidConfig)
	}

	specs, err := opts.Config.ToModuleSpecs()
	if err != nil {
		return nil, err
	}

	dispatcher := NewDispatcher()
	for _, spec := range specs {
		m, err := NewModule(spec)
		if err != nil {
			return nil, err
		}
		if err := dispatcher.Register(m); err != nil {
			return nil, err
		}
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:        opts.Config,
		version:    opts.Version,
		mqtt:       opts.MQTTClient,
		conn:       opts.Connector,
		dispatcher: dispatcher,
		registry:   opts.Registry,
		done:       make(chan struct{}),
		ctx:        ctx,
		ctxCancel:  ctxCancel,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:   opts.Config.Bridge.ID,
		Version:    opts.Version,
		Interval:   opts.Config.GetHealthInterval(),
		Publisher:  opts.MQTTClient,
		Connector:  opts.Connector,
		Dispatcher: dispatcher,
	})

	b.timeSync = NewTimeSync(opts.Config.GetTimeSyncAddress(), opts.Config.GetTimeSyncInterval(), dispatcher.SendFrames)

	if opts.Logger != nil {
		b.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start begins bridge operation.
// This seeds the registry, subscribes to MQTT topics, hooks the bus frame
// handler and starts health reporting and clock sync.
func (b *Bridge) Start(ctx context.Context) error {
	b.seedRegistry(ctx)

	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.dispatcher.SetSender(b.conn)
	b.conn.SetOnFrame(b.handleFrame)

	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	requestTopic := RequestSubscribeTopic()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	b.health.Start(ctx)
	b.timeSync.Start(b.ctx)

	if b.cfg.Bridge.RefreshOnStart {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.refreshAll(b.ctx, "")
		}()
	}

	b.logInfo("bridge started",
		"bridge_id", b.cfg.Bridge.ID,
		"modules", len(b.dispatcher.Modules()))

	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)

		// Cancel bridge context to abort in-flight commands
		b.ctxCancel()

		b.timeSync.Stop()
		b.health.Stop()
		b.wg.Wait()

		b.logInfo("bridge stopped")
	})
}

// Dispatcher returns the dispatcher holding the bridge's modules.
func (b *Bridge) Dispatcher() *Dispatcher {
	return b.dispatcher
}

// Health returns the health reporter.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// OnUpdate registers a listener called for every published channel change.
// Listeners run on the receive goroutine and must not block.
func (b *Bridge) OnUpdate(fn func(Update)) {
	b.listenersMu.Lock()
	b.listeners = append(b.listeners, fn)
	b.listenersMu.Unlock()
}

// OnCommand registers a listener called with every executed command and its
// acknowledgment, whether it came from MQTT or ExecuteCommand.
func (b *Bridge) OnCommand(fn func(CommandMessage, AckMessage)) {
	b.listenersMu.Lock()
	b.commandListeners = append(b.commandListeners, fn)
	b.listenersMu.Unlock()
}

func (b *Bridge) seedRegistry(ctx context.Context) {
	if b.registry == nil {
		return
	}
	for _, m := range b.dispatcher.Modules() {
		if err := b.registry.SeedModule(ctx, seedFor(m)); err != nil {
			b.logError("failed to seed module", fmt.Errorf("module=%s: %w", m.ID(), err))
		}
	}
}

func seedFor(m *Module) ModuleSeed {
	seed := ModuleSeed{
		ID:      m.ID(),
		Name:    m.Name(),
		Type:    string(m.Type()),
		Address: fmt.Sprintf("%02X", m.Address()),
	}
	if ma, ok := m.Resolver().(*ModuleAddress); ok {
		for _, a := range ma.SubAddresses() {
			seed.SubAddresses = append(seed.SubAddresses, fmt.Sprintf("%02X", a))
		}
	}
	return seed
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	switch parts[1] {
	case "command":
		b.handleCommand(topic, payload)
	case "request":
		b.handleRequest(topic, payload)
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", parts[1]))
	}
}

// handleCommand processes a command message from Core.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.ModuleID == "" {
		cmd.ModuleID = TopicID(topic)
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"module_id", cmd.ModuleID,
		"channel", cmd.Channel,
		"command", cmd.Command)

	ack := b.ExecuteCommand(b.ctx, cmd)
	b.publishAck(ack)
}

// ExecuteCommand resolves and sends a command, returning the acknowledgment
// to report. A missing command ID is generated.
func (b *Bridge) ExecuteCommand(ctx context.Context, cmd CommandMessage) AckMessage {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	ack := b.executeCommand(ctx, cmd)
	b.notifyCommand(cmd, ack)
	return ack
}

func (b *Bridge) executeCommand(ctx context.Context, cmd CommandMessage) AckMessage {
	command, err := cmd.ToCommand()
	if err != nil {
		b.logDebug("command rejected", "command_id", cmd.ID, "reason", err.Error())
		return NewAckError(cmd, err)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	frames, err := b.dispatcher.HandleCommand(ctx, cmd.ModuleID, cmd.Channel, command)
	if err != nil {
		b.persistStatus(cmd.ModuleID)
		b.logError("command failed", fmt.Errorf("command=%s module=%s channel=%s: %w",
			cmd.ID, cmd.ModuleID, cmd.Channel, err))
		return NewAckError(cmd, err)
	}

	return NewAckMessage(cmd, len(frames))
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(ack.ModuleID), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// persistStatus writes a module's status to the registry after a failed
// command may have changed it.
func (b *Bridge) persistStatus(moduleID string) {
	if b.registry == nil {
		return
	}
	m, ok := b.dispatcher.Module(moduleID)
	if !ok {
		return
	}
	status, detail := m.Status()
	if status != StatusConfigurationError {
		return
	}
	if err := b.registry.SetModuleStatus(b.ctx, moduleID, string(status), detail); err != nil {
		b.logDebug("registry status update skipped", "module", moduleID, "reason", err.Error())
	}
}

// handleRequest processes a request message from Core.
func (b *Bridge) handleRequest(topic string, payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = TopicID(topic)
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	var resp ResponseMessage
	switch req.Action {
	case ActionReadState:
		resp = b.handleReadState(req)
	case ActionRefreshAll:
		resp = b.handleRefreshAll(req)
	default:
		resp = errorResponse(req, ErrCodeInvalidCommand, fmt.Sprintf("unknown action: %s", req.Action))
	}

	respPayload, err := json.Marshal(resp)
	if err != nil {
		b.logError("failed to marshal response", err)
		return
	}
	if err := b.mqtt.Publish(ResponseTopic(req.RequestID), respPayload, 1, false); err != nil {
		b.logError("failed to publish response", err)
	}
}

func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	if req.ModuleID == "" {
		return errorResponse(req, ErrCodeInvalidParameters, "module_id is required")
	}
	snap, err := b.Snapshot(req.ModuleID)
	if err != nil {
		return errorResponse(req, ErrorCode(err), err.Error())
	}
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data: map[string]any{
			"module": snap,
		},
	}
}

func (b *Bridge) handleRefreshAll(req RequestMessage) ResponseMessage {
	sent, err := b.refreshAll(b.ctx, req.ModuleID)
	if err != nil {
		return errorResponse(req, ErrorCode(err), err.Error())
	}
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data: map[string]any{
			"modules_refreshed": sent,
			"message":           "refresh requests sent, state updates will follow",
		},
	}
}

func errorResponse(req RequestMessage, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error:     &ResponseError{Code: code, Message: message},
	}
}

// refreshAll asks one module, or every module when moduleID is empty, to
// report all channels. Returns how many modules were refreshed.
func (b *Bridge) refreshAll(ctx context.Context, moduleID string) (int, error) {
	if moduleID != "" {
		if err := b.dispatcher.RefreshModule(ctx, moduleID); err != nil {
			return 0, err
		}
		return 1, nil
	}

	ctx, cancel := context.WithTimeout(ctx, refreshAllTimeout)
	defer cancel()

	count := 0
	for _, m := range b.dispatcher.Modules() {
		if err := b.dispatcher.RefreshModule(ctx, m.ID()); err != nil {
			if errors.Is(err, ErrBridgeOffline) {
				return count, err
			}
			b.logError("refresh failed", fmt.Errorf("module=%s: %w", m.ID(), err))
			continue
		}
		count++

		select {
		case <-ctx.Done():
			b.logInfo("refresh interrupted", "modules_refreshed", count)
			return count, ctx.Err()
		case <-time.After(interRefreshDelay):
		}
	}

	b.logInfo("refresh complete", "modules_refreshed", count)
	return count, nil
}

// handleFrame processes one frame from the bus. It runs on the connection's
// receive goroutine, so frames are handled in arrival order.
func (b *Bridge) handleFrame(f Frame) {
	updates := b.dispatcher.Dispatch(f)
	if len(updates) == 0 {
		return
	}

	m, ok := b.dispatcher.Module(updates[0].ModuleID)
	if !ok {
		return
	}

	for _, u := range updates {
		b.publishState(u, m.Address())
		b.persistState(u)
		b.notify(u)
	}
}

func (b *Bridge) publishState(u Update, address byte) {
	payload, err := json.Marshal(NewStateMessage(u, address))
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}
	if err := b.mqtt.Publish(StateTopic(u.ModuleID), payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
	}
}

func (b *Bridge) persistState(u Update) {
	if b.registry == nil {
		return
	}
	if err := b.registry.SetModuleState(b.ctx, u.ModuleID, u.Channel, u.New, u.At); err != nil {
		b.logDebug("registry state update skipped",
			"module", u.ModuleID,
			"reason", err.Error())
	}
}

func (b *Bridge) notify(u Update) {
	b.listenersMu.RLock()
	listeners := b.listeners
	b.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(u)
	}
}

func (b *Bridge) notifyCommand(cmd CommandMessage, ack AckMessage) {
	b.listenersMu.RLock()
	listeners := b.commandListeners
	b.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(cmd, ack)
	}
}

// ModuleSnapshot is the current view of one module.
type ModuleSnapshot struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	Type         ModuleType     `json:"type"`
	Address      string         `json:"address"`
	SubAddresses []string       `json:"sub_addresses,omitempty"`
	Status       ModuleStatus   `json:"status"`
	StatusDetail string         `json:"status_detail,omitempty"`
	LastSeen     *time.Time     `json:"last_seen,omitempty"`
	Channels     []string       `json:"channels"`
	Values       map[string]any `json:"values"`
}

// Snapshot returns the current view of a module.
func (b *Bridge) Snapshot(moduleID string) (ModuleSnapshot, error) {
	m, ok := b.dispatcher.Module(moduleID)
	if !ok {
		return ModuleSnapshot{}, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	return snapshotOf(m), nil
}

// Snapshots returns the current view of every module, sorted by ID.
func (b *Bridge) Snapshots() []ModuleSnapshot {
	modules := b.dispatcher.Modules()
	out := make([]ModuleSnapshot, 0, len(modules))
	for _, m := range modules {
		out = append(out, snapshotOf(m))
	}
	return out
}

func snapshotOf(m *Module) ModuleSnapshot {
	seed := seedFor(m)
	status, detail := m.Status()
	snap := ModuleSnapshot{
		ID:           m.ID(),
		Name:         m.Name(),
		Type:         m.Type(),
		Address:      seed.Address,
		SubAddresses: seed.SubAddresses,
		Status:       status,
		StatusDetail: detail,
		Channels:     m.Channels(),
		Values:       m.Values(),
	}
	if seen := m.LastSeen(); !seen.IsZero() {
		seen = seen.UTC()
		snap.LastSeen = &seen
	}
	return snap
}

// BridgeMetrics contains metrics data for the API metrics endpoint.
type BridgeMetrics struct {
	Connected  bool             `json:"connected"`
	Status     HealthStatus     `json:"status"`
	Modules    int              `json:"modules"`
	TimeSyncs  uint64           `json:"time_syncs"`
	Statistics BridgeStatistics `json:"statistics"`
}

// GetMetrics returns current bridge metrics.
func (b *Bridge) GetMetrics() BridgeMetrics {
	msg := b.health.Current()
	metrics := BridgeMetrics{
		Connected: b.conn.IsConnected(),
		Status:    msg.Status,
		Modules:   msg.ModulesManaged,
		TimeSyncs: b.timeSync.Emissions(),
	}
	if msg.Statistics != nil {
		metrics.Statistics = *msg.Statistics
	}
	return metrics
}

// SetLogger sets the logger for the bridge and its components.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	b.dispatcher.SetLogger(logger)
	b.health.SetLogger(logger)
	b.timeSync.SetLogger(logger)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
