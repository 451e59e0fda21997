package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-velbus/internal/bridges/velbus"
	"github.com/nerrad567/gray-logic-velbus/internal/device"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/logging"
	_ "github.com/nerrad567/gray-logic-velbus/migrations"
)

// fakeBridge implements Bridge with canned snapshots and acknowledgments.
type fakeBridge struct {
	mu        sync.Mutex
	snapshots map[string]velbus.ModuleSnapshot
	metrics   velbus.BridgeMetrics
	ackErr    error
	commands  []velbus.CommandMessage
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		snapshots: make(map[string]velbus.ModuleSnapshot),
		metrics: velbus.BridgeMetrics{
			Connected: true,
			Status:    velbus.HealthHealthy,
		},
	}
}

func (f *fakeBridge) Snapshots() []velbus.ModuleSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]velbus.ModuleSnapshot, 0, len(f.snapshots))
	for _, s := range f.snapshots {
		out = append(out, s)
	}
	return out
}

func (f *fakeBridge) Snapshot(moduleID string) (velbus.ModuleSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snapshots[moduleID]
	if !ok {
		return velbus.ModuleSnapshot{}, fmt.Errorf("%w: %s", velbus.ErrModuleNotFound, moduleID)
	}
	return s, nil
}

func (f *fakeBridge) ExecuteCommand(_ context.Context, cmd velbus.CommandMessage) velbus.AckMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cmd.ID == "" {
		cmd.ID = "cmd-1"
	}
	f.commands = append(f.commands, cmd)
	if f.ackErr != nil {
		return velbus.NewAckError(cmd, f.ackErr)
	}
	return velbus.NewAckMessage(cmd, 1)
}

func (f *fakeBridge) GetMetrics() velbus.BridgeMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics
}

func (f *fakeBridge) lastCommand() (velbus.CommandMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		return velbus.CommandMessage{}, false
	}
	return f.commands[len(f.commands)-1], true
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// setupTestDB opens a migrated SQLite database in a temp directory.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "api.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	return db
}

// testServer creates a Server with a real module registry.
// A nil bridge leaves the server without one.
func testServer(t *testing.T, bridge Bridge) (*Server, *device.Registry, *database.DB) {
	t.Helper()

	db := setupTestDB(t)
	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	if err := registry.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache: %v", err)
	}

	deps := Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:   testLogger(),
		Registry: registry,
		DB:       db,
		Version:  "test",
	}
	if bridge != nil {
		deps.Bridge = bridge
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	return srv, registry, db
}

func seedModule(t *testing.T, registry *device.Registry, id, typ, addr string) {
	t.Helper()
	if err := registry.SeedModule(context.Background(), &device.Module{ID: id, Name: id, Type: typ, Address: addr}); err != nil {
		t.Fatalf("SeedModule(%s): %v", id, err)
	}
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return resp
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger expected error")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without registry expected error")
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	resp := decodeBody(t, w)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
	if _, ok := resp["bridge"]; ok {
		t.Error("bridge section present without a bridge")
	}
}

func TestHealth_BridgeDisconnected(t *testing.T) {
	bridge := newFakeBridge()
	bridge.metrics = velbus.BridgeMetrics{Connected: false, Status: velbus.HealthUnhealthy}
	srv, _, _ := testServer(t, bridge)

	resp := decodeBody(t, doRequest(t, srv, http.MethodGet, "/api/v1/health", ""))
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
	b, ok := resp["bridge"].(map[string]any)
	if !ok {
		t.Fatalf("bridge = %v", resp["bridge"])
	}
	if b["connected"] != false || b["status"] != "unhealthy" {
		t.Errorf("bridge = %v", b)
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/modules", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	srv, _, _ := testServer(t, nil)
	srv.cfg.CORS.AllowedOrigins = []string{"http://panel.local"}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO = %q, want empty", got)
	}
}

func TestRecovery(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	handler := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestNotFound(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Module Tests ──────────────────────────────────────────────────

func TestListModules_Empty(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/modules", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["count"].(float64) != 0 {
		t.Errorf("count = %v, want 0", resp["count"])
	}
}

func TestListModules_WithChannels(t *testing.T) {
	bridge := newFakeBridge()
	bridge.snapshots["blinds-living"] = velbus.ModuleSnapshot{
		ID:       "blinds-living",
		Channels: []string{"CH1", "CH2"},
	}
	srv, registry, _ := testServer(t, bridge)
	seedModule(t, registry, "blinds-living", "VMB2BLE", "21")
	seedModule(t, registry, "meteo-roof", "VMBMETEO", "40")

	w := doRequest(t, srv, http.MethodGet, "/api/v1/modules", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Modules []moduleView `json:"modules"`
		Count   int          `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 || resp.Modules[0].ID != "blinds-living" {
		t.Fatalf("resp = %+v", resp)
	}
	if len(resp.Modules[0].Channels) != 2 {
		t.Errorf("channels = %v", resp.Modules[0].Channels)
	}
	if resp.Modules[1].Channels != nil {
		t.Errorf("unmanaged module channels = %v, want none", resp.Modules[1].Channels)
	}
}

func TestListModules_StatusFilter(t *testing.T) {
	srv, registry, _ := testServer(t, nil)
	seedModule(t, registry, "a", "VMB2BLE", "21")
	seedModule(t, registry, "b", "VMB2BLE", "22")
	if err := registry.SetModuleStatus(context.Background(), "b", device.StatusOnline, ""); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		query     string
		wantCode  int
		wantCount float64
	}{
		{"?status=online", http.StatusOK, 1},
		{"?status=unknown", http.StatusOK, 1},
		{"?status=configuration_error", http.StatusOK, 0},
		{"?status=broken", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := doRequest(t, srv, http.MethodGet, "/api/v1/modules"+tt.query, "")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			if got := decodeBody(t, w)["count"]; got != tt.wantCount {
				t.Errorf("count = %v, want %v", got, tt.wantCount)
			}
		})
	}
}

func TestGetModule(t *testing.T) {
	srv, registry, _ := testServer(t, nil)
	seedModule(t, registry, "panel-kitchen", "VMBGPO", "50")

	w := doRequest(t, srv, http.MethodGet, "/api/v1/modules/panel-kitchen", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["type"] != "VMBGPO" || resp["address"] != "50" || resp["status"] != "unknown" {
		t.Errorf("resp = %v", resp)
	}
}

func TestGetModule_NotFound(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/modules/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if got := decodeBody(t, w)["code"]; got != ErrCodeNotFound {
		t.Errorf("code = %v, want %s", got, ErrCodeNotFound)
	}
}

func TestGetModuleState_FromBridge(t *testing.T) {
	bridge := newFakeBridge()
	bridge.snapshots["meteo-roof"] = velbus.ModuleSnapshot{
		ID:     "meteo-roof",
		Status: velbus.StatusOnline,
		Values: map[string]any{"temperature": 21.5},
	}
	srv, _, _ := testServer(t, bridge)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/modules/meteo-roof/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["source"] != "bridge" || resp["status"] != "online" {
		t.Errorf("resp = %v", resp)
	}
	values := resp["values"].(map[string]any)
	if values["temperature"] != 21.5 {
		t.Errorf("values = %v", values)
	}
}

func TestGetModuleState_FallsBackToRegistry(t *testing.T) {
	srv, registry, _ := testServer(t, newFakeBridge())
	seedModule(t, registry, "relay-garage", "VMB4RYLD", "30")
	if err := registry.SetModuleState(context.Background(), "relay-garage", "CH2", true, time.Now()); err != nil {
		t.Fatal(err)
	}

	w := doRequest(t, srv, http.MethodGet, "/api/v1/modules/relay-garage/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["source"] != "registry" {
		t.Errorf("source = %v, want registry", resp["source"])
	}
	if resp["values"].(map[string]any)["CH2"] != true {
		t.Errorf("values = %v", resp["values"])
	}
}

func TestGetModuleState_NotFound(t *testing.T) {
	srv, _, _ := testServer(t, newFakeBridge())

	w := doRequest(t, srv, http.MethodGet, "/api/v1/modules/missing/state", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestModuleStats(t *testing.T) {
	srv, registry, _ := testServer(t, nil)
	seedModule(t, registry, "a", "VMB2BLE", "21")
	seedModule(t, registry, "b", "VMB2BLE", "22")
	seedModule(t, registry, "c", "VMBMETEO", "40")

	resp := decodeBody(t, doRequest(t, srv, http.MethodGet, "/api/v1/modules/stats", ""))
	if resp["total"].(float64) != 3 {
		t.Errorf("total = %v", resp["total"])
	}
	if resp["by_type"].(map[string]any)["VMB2BLE"].(float64) != 2 {
		t.Errorf("by_type = %v", resp["by_type"])
	}
	if resp["by_status"].(map[string]any)["unknown"].(float64) != 3 {
		t.Errorf("by_status = %v", resp["by_status"])
	}
}

// ─── Command Tests ─────────────────────────────────────────────────

func TestModuleCommand_Accepted(t *testing.T) {
	bridge := newFakeBridge()
	srv, _, _ := testServer(t, bridge)

	w := doRequest(t, srv, http.MethodPost, "/api/v1/modules/blinds-living/commands",
		`{"channel":"CH1","command":"position","value":40}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body: %s", w.Code, w.Body.String())
	}

	var ack velbus.AckMessage
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Status != velbus.AckAccepted || ack.ModuleID != "blinds-living" {
		t.Errorf("ack = %+v", ack)
	}

	cmd, ok := bridge.lastCommand()
	if !ok {
		t.Fatal("bridge received no command")
	}
	if cmd.ModuleID != "blinds-living" || cmd.Channel != "CH1" || cmd.Command != "position" {
		t.Errorf("cmd = %+v", cmd)
	}
	if cmd.Source != commandSourceAPI {
		t.Errorf("source = %q, want %q", cmd.Source, commandSourceAPI)
	}
}

func TestModuleCommand_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		bridge   bool
		body     string
		wantCode int
	}{
		{"no bridge", false, `{"channel":"CH1","command":"on"}`, http.StatusServiceUnavailable},
		{"invalid json", true, `{`, http.StatusBadRequest},
		{"missing command", true, `{"channel":"CH1"}`, http.StatusBadRequest},
		{"missing channel", true, `{"command":"on"}`, http.StatusBadRequest},
		{"module mismatch", true, `{"module_id":"other","channel":"CH1","command":"on"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var bridge Bridge
			fb := newFakeBridge()
			if tt.bridge {
				bridge = fb
			}
			srv, _, _ := testServer(t, bridge)

			w := doRequest(t, srv, http.MethodPost, "/api/v1/modules/m1/commands", tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d; body: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if _, ok := fb.lastCommand(); ok {
				t.Error("rejected request reached the bridge")
			}
		})
	}
}

func TestModuleCommand_FailedAck(t *testing.T) {
	bridge := newFakeBridge()
	bridge.ackErr = fmt.Errorf("%w: m1", velbus.ErrModuleNotFound)
	srv, _, _ := testServer(t, bridge)

	w := doRequest(t, srv, http.MethodPost, "/api/v1/modules/m1/commands", `{"channel":"CH1","command":"on"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	var ack velbus.AckMessage
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Status != velbus.AckFailed || ack.Error == nil || ack.Error.Code != velbus.ErrCodeNotConfigured {
		t.Errorf("ack = %+v", ack)
	}
}

func TestAckHTTPStatus(t *testing.T) {
	cmd := velbus.CommandMessage{ID: "c", ModuleID: "m", Channel: "CH1"}

	tests := []struct {
		name string
		ack  velbus.AckMessage
		want int
	}{
		{"accepted", velbus.NewAckMessage(cmd, 1), http.StatusAccepted},
		{"not configured", velbus.NewAckError(cmd, velbus.ErrModuleNotFound), http.StatusNotFound},
		{"unsupported", velbus.NewAckError(cmd, velbus.ErrUnsupportedCommand), http.StatusBadRequest},
		{"invalid value", velbus.NewAckError(cmd, velbus.ErrInvalidValue), http.StatusBadRequest},
		{"channel out of range", velbus.NewAckError(cmd, velbus.ErrChannelOutOfRange), http.StatusUnprocessableEntity},
		{"offline", velbus.NewAckError(cmd, velbus.ErrBridgeOffline), http.StatusServiceUnavailable},
		{"other", velbus.NewAckError(cmd, errors.New("boom")), http.StatusInternalServerError},
		{"failed without detail", velbus.AckMessage{Status: velbus.AckFailed}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ackHTTPStatus(tt.ack); got != tt.want {
				t.Errorf("ackHTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

// ─── Metrics Tests ─────────────────────────────────────────────────

func TestMetrics(t *testing.T) {
	bridge := newFakeBridge()
	bridge.metrics.Modules = 2
	bridge.metrics.Statistics.FramesReceived = 42
	srv, registry, _ := testServer(t, bridge)
	seedModule(t, registry, "a", "VMB2BLE", "21")

	w := doRequest(t, srv, http.MethodGet, "/api/v1/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var m SystemMetrics
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m.Version != "test" || m.Runtime.Goroutines == 0 {
		t.Errorf("metrics = %+v", m)
	}
	if m.Bridge == nil || m.Bridge.Statistics.FramesReceived != 42 || m.Bridge.Modules != 2 {
		t.Errorf("bridge = %+v", m.Bridge)
	}
	if m.Modules.Total != 1 || m.Modules.ByType["VMB2BLE"] != 1 {
		t.Errorf("modules = %+v", m.Modules)
	}
	if m.Database == nil || m.Database.OpenConnections < 0 {
		t.Errorf("database = %+v", m.Database)
	}
}

func TestMetrics_NoBridge(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	var m SystemMetrics
	if err := json.Unmarshal(doRequest(t, srv, http.MethodGet, "/api/v1/metrics", "").Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m.Bridge != nil {
		t.Errorf("bridge = %+v, want nil", m.Bridge)
	}
}

// ─── WebSocket Hub Tests ───────────────────────────────────────────

func testHub() *Hub {
	return NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, testLogger())
}

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{EventModuleStateChanged: {}},
	}
	hub.Register(client)

	hub.Broadcast(EventModuleStateChanged, map[string]any{"module_id": "m1", "channel": "CH1"})

	select {
	case msg := <-client.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if wsMsg.EventType != EventModuleStateChanged {
			t.Errorf("event_type = %q, want %q", wsMsg.EventType, EventModuleStateChanged)
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for broadcast message")
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	hub := testHub()

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{"bridge.health": {}},
	}
	hub.Register(client)

	hub.Broadcast(EventModuleStateChanged, map[string]any{"module_id": "m1"})

	select {
	case <-client.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := testHub()

	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}

	// A second unregister must not close the channel twice.
	hub.Unregister(client)
}

func TestWSTimings_Defaults(t *testing.T) {
	ping, pong := wsTimings(config.WebSocketConfig{})
	if ping != defaultPingInterval || pong != defaultPongTimeout {
		t.Errorf("wsTimings() = %v, %v", ping, pong)
	}
	ping, pong = wsTimings(config.WebSocketConfig{PingInterval: 5, PongTimeout: 2})
	if ping != 5*time.Second || pong != 2*time.Second {
		t.Errorf("wsTimings() = %v, %v", ping, pong)
	}
}

// ─── WebSocket Connection Tests ────────────────────────────────────

// dialWebSocket serves the router over httptest and connects a client.
func dialWebSocket(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readWS(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocket_SubscribeAndReceiveUpdate(t *testing.T) {
	srv, _, _ := testServer(t, newFakeBridge())
	ws := dialWebSocket(t, srv)
	waitForClients(t, srv.hub, 1)

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{EventModuleStateChanged}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	resp := readWS(t, ws)
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv.PublishUpdate(velbus.Update{
		ModuleID:    "blinds-living",
		FieldChange: velbus.FieldChange{Channel: "CH1", Old: 0, New: 40},
		At:          at,
	})

	event := readWS(t, ws)
	if event.Type != WSTypeEvent || event.EventType != EventModuleStateChanged {
		t.Fatalf("event = %+v", event)
	}
	payload, ok := event.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %T", event.Payload)
	}
	if payload["module_id"] != "blinds-living" || payload["channel"] != "CH1" || payload["value"] != 40.0 {
		t.Errorf("payload = %v", payload)
	}
}

func TestWebSocket_Unsubscribe(t *testing.T) {
	srv, _, _ := testServer(t, nil)
	ws := dialWebSocket(t, srv)

	for _, msg := range []WSMessage{
		{Type: WSTypeSubscribe, ID: "sub-1", Payload: WSSubscribePayload{Channels: []string{EventModuleStateChanged}}},
		{Type: WSTypeUnsubscribe, ID: "unsub-1", Payload: WSSubscribePayload{Channels: []string{EventModuleStateChanged}}},
	} {
		if err := ws.WriteJSON(msg); err != nil {
			t.Fatalf("write: %v", err)
		}
		if resp := readWS(t, ws); resp.Type != WSTypeResponse || resp.ID != msg.ID {
			t.Fatalf("response = %+v", resp)
		}
	}

	srv.PublishUpdate(velbus.Update{ModuleID: "m1", FieldChange: velbus.FieldChange{Channel: "CH1", New: true}, At: time.Now()})

	// A ping round trip proves nothing else was queued before the pong.
	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "ping-1"}); err != nil {
		t.Fatal(err)
	}
	if resp := readWS(t, ws); resp.Type != WSTypePong {
		t.Errorf("got %+v, want pong", resp)
	}
}

func TestWebSocket_Ping(t *testing.T) {
	srv, _, _ := testServer(t, nil)
	ws := dialWebSocket(t, srv)

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "ping-1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	resp := readWS(t, ws)
	if resp.Type != WSTypePong || resp.ID != "ping-1" {
		t.Errorf("response = %+v", resp)
	}
}

func TestWebSocket_InvalidMessages(t *testing.T) {
	srv, _, _ := testServer(t, nil)
	ws := dialWebSocket(t, srv)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if resp := readWS(t, ws); resp.Type != WSTypeError {
		t.Errorf("invalid JSON response type = %s, want error", resp.Type)
	}

	if err := ws.WriteJSON(WSMessage{Type: "unknown_type", ID: "x"}); err != nil {
		t.Fatal(err)
	}
	if resp := readWS(t, ws); resp.Type != WSTypeError || resp.ID != "x" {
		t.Errorf("unknown type response = %+v", resp)
	}
}

// ─── Lifecycle Tests ───────────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	srv, _, _ := testServer(t, nil)
	srv.cfg.Port = 19080

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() before Start() expected error")
	}

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := srv.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	addr := "http://127.0.0.1:19080/api/v1/health"
	var resp *http.Response
	var err error
	for i := 0; i < 20; i++ {
		resp, err = http.Get(addr)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check status = %d, want 200", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	if _, err := http.Get(addr); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestServer_CloseWithoutStart(t *testing.T) {
	srv, _, _ := testServer(t, nil)
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
