package velbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// defaultHealthInterval is used when HealthReporterConfig.Interval is zero.
const defaultHealthInterval = 30 * time.Second

// HealthReporter manages periodic health status reporting.
// It publishes health messages to MQTT at regular intervals.
type HealthReporter struct {
	bridgeID   string
	version    string
	startTime  time.Time
	interval   time.Duration
	publisher  HealthPublisher
	connector  Connector
	dispatcher *Dispatcher

	// Called with every message published; used for stats export.
	onReport   func(HealthMessage)
	onReportMu sync.RWMutex

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher

	// Connector provides connection statistics.
	Connector Connector

	// Dispatcher provides routing statistics and module status.
	Dispatcher *Dispatcher
}

// NewHealthReporter creates a new health reporter.
// Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultHealthInterval
	}

	return &HealthReporter{
		bridgeID:   cfg.BridgeID,
		version:    cfg.Version,
		startTime:  time.Now(),
		interval:   interval,
		publisher:  cfg.Publisher,
		connector:  cfg.Connector,
		dispatcher: cfg.Dispatcher,
		done:       make(chan struct{}),
	}
}

// Start begins periodic health reporting.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop gracefully stops health reporting.
// Publishes a final "stopping" status before returning.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// SetOnReport registers a callback invoked with every published message.
func (h *HealthReporter) SetOnReport(fn func(HealthMessage)) {
	h.onReportMu.Lock()
	h.onReport = fn
	h.onReportMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// Current builds the current health message without publishing it.
func (h *HealthReporter) Current() HealthMessage {
	status, reason := h.determineStatus()
	msg := h.buildMessage(status)
	msg.Reason = reason
	return msg
}

// GetLWTPayload returns the Last Will and Testament message payload.
func (h *HealthReporter) GetLWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(h.bridgeID))
}

// GetLWTTopic returns the topic for the Last Will and Testament.
func (h *HealthReporter) GetLWTTopic() string {
	return HealthTopic()
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.connector == nil || !h.connector.IsConnected() {
		return HealthDegraded, "bus disconnected"
	}
	if _, misconfigured := h.moduleCounts(); misconfigured > 0 {
		return HealthDegraded, "modules in configuration error"
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) moduleCounts() (total, misconfigured int) {
	if h.dispatcher == nil {
		return 0, 0
	}
	modules := h.dispatcher.Modules()
	for _, m := range modules {
		if status, _ := m.Status(); status == StatusConfigurationError {
			misconfigured++
		}
	}
	return len(modules), misconfigured
}

func (h *HealthReporter) buildMessage(status HealthStatus) HealthMessage {
	var conn ConnectionStats
	if h.connector != nil {
		conn = h.connector.Stats()
	}
	var disp DispatcherStats
	if h.dispatcher != nil {
		disp = h.dispatcher.Stats()
	}
	total, misconfigured := h.moduleCounts()

	return NewHealthMessage(h.bridgeID, h.version, status, NewBridgeStatistics(conn, disp),
		conn, total, misconfigured, h.startTime)
}

// publishStatus publishes a health status message.
func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	msg := h.buildMessage(status)
	if reason != "" {
		msg.Reason = reason
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if err := h.publisher.Publish(HealthTopic(), payload, 1, true); err != nil {
		return err
	}

	h.onReportMu.RLock()
	fn := h.onReport
	h.onReportMu.RUnlock()
	if fn != nil {
		fn(msg)
	}
	return nil
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
