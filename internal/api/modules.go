package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-velbus/internal/bridges/velbus"
	"github.com/nerrad567/gray-logic-velbus/internal/device"
)

// maxQueryParamLen limits query parameter length to prevent DoS via oversized URL params.
const maxQueryParamLen = 100

// commandSourceAPI marks commands issued through this API.
const commandSourceAPI = "api"

// moduleView is a registry record plus the channels the bridge exposes for it.
type moduleView struct {
	device.Module
	Channels []string `json:"channels,omitempty"`
}

// handleListModules returns every module in the registry.
// Optional query parameter: status (unknown, online, configuration_error).
func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	var modules []device.Module

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := device.Status(raw)
		if !status.Valid() {
			writeBadRequest(w, "invalid status filter")
			return
		}
		modules = s.registry.ModulesByStatus(status)
	} else {
		modules = s.registry.ListModules(r.Context())
	}

	channels := s.bridgeChannels()
	views := make([]moduleView, 0, len(modules))
	for _, m := range modules {
		views = append(views, moduleView{Module: m, Channels: channels[m.ID]})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"modules": views,
		"count":   len(views),
	})
}

// handleGetModule returns a single module record.
func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	m, err := s.registry.GetModule(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrModuleNotFound) {
			writeNotFound(w, "module not found")
			return
		}
		writeInternalError(w, "failed to get module")
		return
	}

	view := moduleView{Module: *m}
	if s.bridge != nil {
		if snap, snapErr := s.bridge.Snapshot(id); snapErr == nil {
			view.Channels = snap.Channels
		}
	}

	writeJSON(w, http.StatusOK, view)
}

// handleGetModuleState returns the current channel values of a module.
// Live values from the bridge are preferred; the persisted state is used for
// modules the running bridge does not manage.
func (s *Server) handleGetModuleState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.bridge != nil {
		snap, err := s.bridge.Snapshot(id)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"module_id":     snap.ID,
				"status":        snap.Status,
				"status_detail": snap.StatusDetail,
				"values":        snap.Values,
				"last_seen":     snap.LastSeen,
				"source":        "bridge",
			})
			return
		}
		if !errors.Is(err, velbus.ErrModuleNotFound) {
			writeInternalError(w, "failed to read module state")
			return
		}
	}

	m, err := s.registry.GetModule(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrModuleNotFound) {
			writeNotFound(w, "module not found")
			return
		}
		writeInternalError(w, "failed to get module")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"module_id":     m.ID,
		"status":        m.Status,
		"status_detail": m.StatusDetail,
		"values":        m.State,
		"last_seen":     m.LastSeen,
		"source":        "registry",
	})
}

// handleModuleCommand executes a command on a module channel.
// The body has the same shape as an MQTT command message; the module ID is
// taken from the URL. The acknowledgment is returned as the response body.
func (s *Server) handleModuleCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.bridge == nil {
		writeUnavailable(w, "velbus bridge not running")
		return
	}

	var cmd velbus.CommandMessage
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if cmd.ModuleID != "" && cmd.ModuleID != id {
		writeBadRequest(w, "module_id does not match URL")
		return
	}
	if cmd.Command == "" {
		writeBadRequest(w, "command field is required")
		return
	}
	if cmd.Channel == "" {
		writeBadRequest(w, "channel field is required")
		return
	}

	cmd.ModuleID = id
	if cmd.Source == "" {
		cmd.Source = commandSourceAPI
	}

	ack := s.bridge.ExecuteCommand(r.Context(), cmd)

	s.logger.Info("module command",
		"module_id", id,
		"channel", cmd.Channel,
		"command", cmd.Command,
		"command_id", ack.CommandID,
		"status", ack.Status,
		"request_id", requestIDFrom(r),
	)

	writeJSON(w, ackHTTPStatus(ack), ack)
}

// handleModuleStats returns registry statistics.
func (s *Server) handleModuleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.GetStats()

	byStatus := make(map[string]int, len(stats.ByStatus))
	for status, count := range stats.ByStatus {
		byStatus[string(status)] = count
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":     stats.TotalModules,
		"by_status": byStatus,
		"by_type":   stats.ByType,
	})
}

// bridgeChannels maps module IDs to their channel names.
func (s *Server) bridgeChannels() map[string][]string {
	if s.bridge == nil {
		return nil
	}
	snaps := s.bridge.Snapshots()
	out := make(map[string][]string, len(snaps))
	for _, snap := range snaps {
		out[snap.ID] = snap.Channels
	}
	return out
}

// ackHTTPStatus maps an acknowledgment to the HTTP status of the response.
func ackHTTPStatus(ack velbus.AckMessage) int {
	if ack.Status == velbus.AckAccepted {
		return http.StatusAccepted
	}
	if ack.Error == nil {
		return http.StatusInternalServerError
	}

	switch ack.Error.Code {
	case velbus.ErrCodeNotConfigured:
		return http.StatusNotFound
	case velbus.ErrCodeInvalidCommand, velbus.ErrCodeInvalidParameters:
		return http.StatusBadRequest
	case velbus.ErrCodeConfigurationError:
		return http.StatusUnprocessableEntity
	case velbus.ErrCodeBridgeOffline:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
