// Package audit keeps a persistent log of the commands executed on the bus
// and their acknowledgments, for querying command history.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-velbus/internal/bridges/velbus"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	// recordTimeFormat is fixed width so rows sort correctly as text.
	recordTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

	// sourceMQTT is recorded for commands that did not name their origin;
	// only commands arriving on the MQTT command topic leave it empty.
	sourceMQTT = "mqtt"
)

// CommandRecord is one executed command and its outcome.
type CommandRecord struct {
	ID           string    `json:"id"`
	CommandID    string    `json:"command_id"`
	ModuleID     string    `json:"module_id"`
	Channel      string    `json:"channel,omitempty"`
	Command      string    `json:"command"`
	Value        any       `json:"value,omitempty"`
	Source       string    `json:"source"`
	Status       string    `json:"status"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Frames       int       `json:"frames"`
	CreatedAt    time.Time `json:"created_at"`
}

// FromAck builds a record from a command and the acknowledgment it produced.
func FromAck(cmd velbus.CommandMessage, ack velbus.AckMessage) *CommandRecord {
	rec := &CommandRecord{
		CommandID: ack.CommandID,
		ModuleID:  ack.ModuleID,
		Channel:   ack.Channel,
		Command:   cmd.Command,
		Value:     cmd.Value,
		Source:    cmd.Source,
		Status:    string(ack.Status),
		Frames:    ack.Frames,
		CreatedAt: ack.Timestamp,
	}
	if rec.CommandID == "" {
		rec.CommandID = cmd.ID
	}
	if rec.ModuleID == "" {
		rec.ModuleID = cmd.ModuleID
	}
	if rec.Channel == "" {
		rec.Channel = cmd.Channel
	}
	if ack.Error != nil {
		rec.ErrorCode = ack.Error.Code
		rec.ErrorMessage = ack.Error.Message
	}
	return rec
}

// Filter controls which records to return.
type Filter struct {
	ModuleID string // optional
	Status   string // optional: accepted or failed
	Source   string // optional: mqtt, api, ...
	Limit    int    // default 50, max 200
	Offset   int    // pagination offset
}

// ListResult contains a page of records.
type ListResult struct {
	Records []CommandRecord `json:"records"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// Repository defines the interface for command log operations.
type Repository interface {
	Create(ctx context.Context, rec *CommandRecord) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SQLiteRepository stores command records in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new command log repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a record. The ID, source and CreatedAt are filled in if empty.
func (r *SQLiteRepository) Create(ctx context.Context, rec *CommandRecord) error {
	if rec.ModuleID == "" || rec.Command == "" {
		return fmt.Errorf("module id and command are required")
	}
	if rec.ID == "" {
		rec.ID = "cmd-" + uuid.NewString()[:8]
	}
	if rec.Source == "" {
		rec.Source = sourceMQTT
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	var valueJSON *string
	if rec.Value != nil {
		b, err := json.Marshal(rec.Value)
		if err != nil {
			return fmt.Errorf("marshalling command value: %w", err)
		}
		s := string(b)
		valueJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO velbus_command_log
		 (id, command_id, module_id, channel, command, value, source, status, error_code, error_message, frames, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CommandID, rec.ModuleID, rec.Channel, rec.Command, valueJSON,
		rec.Source, rec.Status,
		nullableString(rec.ErrorCode), nullableString(rec.ErrorMessage),
		rec.Frames,
		rec.CreatedAt.Format(recordTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting command record: %w", err)
	}

	return nil
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns records matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) { //nolint:gocognit,gocyclo // dynamic query builder: WHERE clause assembly from filter fields
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.ModuleID != "" {
		conditions = append(conditions, "module_id = ?")
		args = append(args, filter.ModuleID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filter.Source)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM velbus_command_log %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting command records: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT id, command_id, module_id, channel, command, value, source, status, error_code, error_message, frames, created_at
		 FROM velbus_command_log %s ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying command records: %w", err)
	}
	defer rows.Close()

	records := []CommandRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command records: %w", err)
	}

	return &ListResult{
		Records: records,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

func scanRecord(rows *sql.Rows) (CommandRecord, error) {
	var rec CommandRecord
	var valueJSON, errorCode, errorMessage sql.NullString
	var createdAt string

	if err := rows.Scan(&rec.ID, &rec.CommandID, &rec.ModuleID, &rec.Channel, &rec.Command,
		&valueJSON, &rec.Source, &rec.Status, &errorCode, &errorMessage, &rec.Frames, &createdAt); err != nil {
		return CommandRecord{}, fmt.Errorf("scanning command record: %w", err)
	}

	if valueJSON.Valid && valueJSON.String != "" {
		var v any
		if json.Unmarshal([]byte(valueJSON.String), &v) == nil {
			rec.Value = v
		}
	}
	rec.ErrorCode = errorCode.String
	rec.ErrorMessage = errorMessage.String

	t, err := time.Parse(recordTimeFormat, createdAt)
	if err != nil {
		return CommandRecord{}, fmt.Errorf("parsing command record timestamp %q: %w", createdAt, err)
	}
	rec.CreatedAt = t

	return rec, nil
}

// Prune deletes records older than the given age.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(recordTimeFormat)
	result, err := r.db.ExecContext(ctx, "DELETE FROM velbus_command_log WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting command records: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading deleted row count: %w", err)
	}
	return n, nil
}
