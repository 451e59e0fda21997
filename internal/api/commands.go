package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-velbus/internal/audit"
	"github.com/nerrad567/gray-logic-velbus/internal/bridges/velbus"
)

// EventCommandExecuted is the WebSocket channel carrying command
// acknowledgments.
const EventCommandExecuted = "module.command"

// PublishCommand relays an executed command to subscribed WebSocket clients.
// It is registered with velbus.Bridge.OnCommand.
func (s *Server) PublishCommand(cmd velbus.CommandMessage, ack velbus.AckMessage) {
	payload := map[string]any{
		"command_id": ack.CommandID,
		"module_id":  ack.ModuleID,
		"channel":    ack.Channel,
		"command":    cmd.Command,
		"source":     cmd.Source,
		"status":     ack.Status,
		"at":         ack.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if ack.Error != nil {
		payload["error"] = ack.Error
	}
	s.hub.Broadcast(EventCommandExecuted, payload)
}

// handleListCommands returns the command log, most recent first.
//
// Query parameters:
//   - module_id, status, source: optional filters
//   - limit: 1..200, default 50
//   - offset: pagination offset
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeUnavailable(w, "command log disabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		ModuleID: q.Get("module_id"),
		Status:   q.Get("status"),
		Source:   q.Get("source"),
	}
	if len(filter.ModuleID) > maxQueryParamLen || len(filter.Source) > maxQueryParamLen {
		writeBadRequest(w, "query parameter exceeds maximum length")
		return
	}
	switch velbus.AckStatus(filter.Status) {
	case "", velbus.AckAccepted, velbus.AckFailed:
	default:
		writeBadRequest(w, "status must be accepted or failed")
		return
	}

	var err error
	if filter.Limit, err = parseIntParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "invalid limit")
		return
	}
	if filter.Offset, err = parseIntParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "invalid offset")
		return
	}

	result, err := s.commands.List(r.Context(), filter)
	if err != nil {
		writeInternalError(w, "failed to list commands")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// parseIntParam parses an optional non-negative integer; empty is zero.
func parseIntParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
