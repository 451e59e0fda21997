package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for module persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a module by its identifier.
	// Returns ErrModuleNotFound if the module does not exist.
	GetByID(ctx context.Context, id string) (*Module, error)

	// List retrieves all modules ordered by ID.
	List(ctx context.Context) ([]Module, error)

	// Upsert creates the module or updates its identity fields.
	// Status is reset to unknown; state is kept unless the type changed.
	Upsert(ctx context.Context, module *Module) error

	// UpdateState merges channel values into the module state and
	// records at as the last-seen time.
	UpdateState(ctx context.Context, id string, state State, at time.Time) error

	// UpdateStatus sets the module status and detail.
	UpdateStatus(ctx context.Context, id string, status Status, detail string) error

	// Delete removes a module by ID.
	// Returns ErrModuleNotFound if the module does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectModuleColumns = `
		SELECT id, name, type, address, sub_addresses, status, status_detail,
			state, state_updated_at, last_seen, created_at, updated_at
		FROM velbus_modules`

// GetByID retrieves a module by its identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Module, error) {
	row := r.db.QueryRowContext(ctx, selectModuleColumns+` WHERE id = ?`, id)
	m, err := scanModule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrModuleNotFound
		}
		return nil, fmt.Errorf("querying module by id: %w", err)
	}
	return m, nil
}

// List retrieves all modules ordered by ID.
func (r *SQLiteRepository) List(ctx context.Context) ([]Module, error) {
	rows, err := r.db.QueryContext(ctx, selectModuleColumns+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying modules: %w", err)
	}
	defer rows.Close()

	var modules []Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning module: %w", err)
		}
		modules = append(modules, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating modules: %w", err)
	}

	return modules, nil
}

// Upsert creates the module or updates its identity fields.
func (r *SQLiteRepository) Upsert(ctx context.Context, module *Module) error {
	subs := module.SubAddresses
	if subs == nil {
		subs = []string{}
	}
	subsJSON, err := json.Marshal(subs)
	if err != nil {
		return fmt.Errorf("marshalling sub_addresses: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	// Values recorded for another module type are meaningless once the
	// type changes, so state is cleared in that case.
	query := `
		INSERT INTO velbus_modules (
			id, name, type, address, sub_addresses, status, status_detail,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			address = excluded.address,
			sub_addresses = excluded.sub_addresses,
			status = excluded.status,
			status_detail = NULL,
			state = CASE WHEN velbus_modules.type = excluded.type
				THEN velbus_modules.state ELSE '{}' END,
			updated_at = excluded.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		module.ID,
		module.Name,
		module.Type,
		module.Address,
		string(subsJSON),
		string(StatusUnknown),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upserting module: %w", err)
	}

	return nil
}

// UpdateState merges the given channel values into the module's existing state.
// This allows partial updates (e.g., updating "CH1" without losing "CH2").
func (r *SQLiteRepository) UpdateState(ctx context.Context, id string, state State, at time.Time) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	seen := at.UTC().Format(time.RFC3339)
	// json_patch(target, patch) applies patch keys to target, preserving
	// existing keys not present in patch.
	query := `
		UPDATE velbus_modules
		SET state = json_patch(COALESCE(state, '{}'), ?),
		    state_updated_at = ?,
		    last_seen = ?,
		    updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(stateJSON),
		seen,
		seen,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating module state: %w", err)
	}

	return expectOneRow(result)
}

// UpdateStatus sets the module status and detail.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, status Status, detail string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	query := `
		UPDATE velbus_modules
		SET status = ?, status_detail = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(status),
		nullableString(detail),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating module status: %w", err)
	}

	return expectOneRow(result)
}

// Delete removes a module by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM velbus_modules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting module: %w", err)
	}

	return expectOneRow(result)
}

func expectOneRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrModuleNotFound
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanModule(row rowScanner) (*Module, error) {
	var (
		m              Module
		subsJSON       string
		status         string
		statusDetail   sql.NullString
		stateJSON      string
		stateUpdatedAt sql.NullString
		lastSeen       sql.NullString
		createdAt      string
		updatedAt      string
	)

	if err := row.Scan(
		&m.ID, &m.Name, &m.Type, &m.Address, &subsJSON, &status, &statusDetail,
		&stateJSON, &stateUpdatedAt, &lastSeen, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	m.Status = Status(status)
	m.StatusDetail = statusDetail.String

	if err := json.Unmarshal([]byte(subsJSON), &m.SubAddresses); err != nil {
		return nil, fmt.Errorf("unmarshalling sub_addresses: %w", err)
	}
	if len(m.SubAddresses) == 0 {
		m.SubAddresses = nil
	}

	m.State = State{}
	if err := json.Unmarshal([]byte(stateJSON), &m.State); err != nil {
		return nil, fmt.Errorf("unmarshalling state: %w", err)
	}

	var err error
	if m.StateUpdatedAt, err = parseNullableTimestamp(stateUpdatedAt); err != nil {
		return nil, err
	}
	if m.LastSeen, err = parseNullableTimestamp(lastSeen); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}

	return &m, nil
}

// nullableString maps "" to NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseNullableTimestamp(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil //nolint:nilnil // absent timestamp is not an error
	}
	t, err := parseTimestamp(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseTimestamp parses a timestamp stored in SQLite.
func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}

	timestamp, err := time.Parse(time.RFC3339, value)
	if err == nil {
		return timestamp, nil
	}

	fallback, fallbackErr := time.Parse("2006-01-02 15:04:05", value)
	if fallbackErr == nil {
		return fallback.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
}
