package audit

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nerrad567/gray-logic-velbus/internal/bridges/velbus"
)

// testSchema mirrors the velbus_command_log migration.
const testSchema = `
	CREATE TABLE velbus_command_log (
		id TEXT PRIMARY KEY,
		command_id TEXT NOT NULL,
		module_id TEXT NOT NULL,
		channel TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL,
		value TEXT,
		source TEXT NOT NULL DEFAULT 'mqtt',
		status TEXT NOT NULL,
		error_code TEXT,
		error_message TEXT,
		frames INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	) STRICT;
`

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// Every pooled connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(testSchema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func TestFromAck(t *testing.T) {
	cmd := velbus.CommandMessage{ID: "c1", ModuleID: "blinds-living", Channel: "CH1", Command: "position", Value: 40.0, Source: "api"}

	accepted := FromAck(cmd, velbus.NewAckMessage(cmd, 1))
	if accepted.CommandID != "c1" || accepted.Status != "accepted" || accepted.Frames != 1 || accepted.Source != "api" {
		t.Errorf("accepted record = %+v", accepted)
	}
	if accepted.Value != 40.0 || accepted.ErrorCode != "" {
		t.Errorf("accepted record = %+v", accepted)
	}

	failed := FromAck(cmd, velbus.NewAckError(cmd, velbus.ErrBridgeOffline))
	if failed.Status != "failed" || failed.ErrorCode != velbus.ErrCodeBridgeOffline || failed.ErrorMessage == "" {
		t.Errorf("failed record = %+v", failed)
	}
}

func TestSQLiteRepository_CreateAndList(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	records := []*CommandRecord{
		{CommandID: "c1", ModuleID: "blinds-living", Channel: "CH1", Command: "down", Status: "accepted", Frames: 1, CreatedAt: base},
		{CommandID: "c2", ModuleID: "blinds-living", Channel: "CH1", Command: "position", Value: 50.0, Source: "api", Status: "accepted", Frames: 1, CreatedAt: base.Add(time.Minute)},
		{CommandID: "c3", ModuleID: "panel-hall", Channel: "clockAlarm#CLOCKALARM1ENABLED", Command: "set", Value: true, Source: "api",
			Status: "failed", ErrorCode: velbus.ErrCodeBridgeOffline, ErrorMessage: "bridge offline", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, rec := range records {
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create(%s) error = %v", rec.CommandID, err)
		}
		if rec.ID == "" {
			t.Errorf("Create(%s) did not assign an ID", rec.CommandID)
		}
	}
	if records[0].Source != sourceMQTT {
		t.Errorf("default source = %q, want %q", records[0].Source, sourceMQTT)
	}

	tests := []struct {
		name      string
		filter    Filter
		wantTotal int
		wantFirst string
	}{
		{"all", Filter{}, 3, "c3"},
		{"module", Filter{ModuleID: "blinds-living"}, 2, "c2"},
		{"status", Filter{Status: "failed"}, 1, "c3"},
		{"source", Filter{Source: sourceMQTT}, 1, "c1"},
		{"offset", Filter{Offset: 1, Limit: 1}, 3, "c2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if res.Total != tt.wantTotal {
				t.Errorf("Total = %d, want %d", res.Total, tt.wantTotal)
			}
			if len(res.Records) == 0 || res.Records[0].CommandID != tt.wantFirst {
				t.Fatalf("first record = %+v, want %s", res.Records, tt.wantFirst)
			}
		})
	}

	res, err := repo.List(ctx, Filter{Status: "failed"})
	if err != nil {
		t.Fatal(err)
	}
	got := res.Records[0]
	if got.Value != true || got.ErrorCode != velbus.ErrCodeBridgeOffline || !got.CreatedAt.Equal(base.Add(2*time.Minute)) {
		t.Errorf("round trip = %+v", got)
	}
}

func TestSQLiteRepository_ListLimits(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	res, err := repo.List(context.Background(), Filter{Limit: 1000, Offset: -5})
	if err != nil {
		t.Fatal(err)
	}
	if res.Limit != maxListLimit || res.Offset != 0 {
		t.Errorf("limit/offset = %d/%d", res.Limit, res.Offset)
	}
	if res.Records == nil || len(res.Records) != 0 {
		t.Errorf("Records = %v, want empty slice", res.Records)
	}
}

func TestSQLiteRepository_CreateValidation(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	if err := repo.Create(context.Background(), &CommandRecord{Command: "up"}); err == nil {
		t.Error("Create() without module should fail")
	}
	if err := repo.Create(context.Background(), &CommandRecord{ModuleID: "m"}); err == nil {
		t.Error("Create() without command should fail")
	}
}

func TestSQLiteRepository_Prune(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	old := &CommandRecord{ModuleID: "m", Command: "up", Status: "accepted", CreatedAt: time.Now().Add(-48 * time.Hour)}
	recent := &CommandRecord{ModuleID: "m", Command: "down", Status: "accepted"}
	for _, rec := range []*CommandRecord{old, recent} {
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	n, err := repo.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() deleted %d, want 1", n)
	}

	res, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Records[0].Command != "down" {
		t.Errorf("remaining = %+v", res.Records)
	}

	if _, err := repo.Prune(ctx, 0); err == nil {
		t.Error("Prune(0) should fail")
	}
}

type fakeRepo struct {
	mu      sync.Mutex
	created []*CommandRecord
	err     error
}

func (f *fakeRepo) Create(_ context.Context, rec *CommandRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, rec)
	return nil
}

func (f *fakeRepo) List(context.Context, Filter) (*ListResult, error) { return &ListResult{}, nil }

func (f *fakeRepo) Prune(context.Context, time.Duration) (int64, error) { return 0, nil }

type warnLogger struct {
	warnings []string
}

func (l *warnLogger) Warn(msg string, _ ...any) { l.warnings = append(l.warnings, msg) }

func TestRecorder(t *testing.T) {
	repo := &fakeRepo{}
	rec := NewRecorder(repo, nil)

	cmd := velbus.CommandMessage{ID: "c9", ModuleID: "blinds-living", Channel: "CH2", Command: "stop"}
	rec.Record(cmd, velbus.NewAckMessage(cmd, 1))

	if len(repo.created) != 1 || repo.created[0].CommandID != "c9" || repo.created[0].Command != "stop" {
		t.Errorf("created = %+v", repo.created)
	}
}

func TestRecorder_LogsFailures(t *testing.T) {
	repo := &fakeRepo{err: errors.New("database is locked")}
	logger := &warnLogger{}
	rec := NewRecorder(repo, logger)

	cmd := velbus.CommandMessage{ID: "c9", ModuleID: "blinds-living", Channel: "CH2", Command: "stop"}
	rec.Record(cmd, velbus.NewAckMessage(cmd, 1))

	if len(logger.warnings) != 1 {
		t.Errorf("warnings = %v, want 1", logger.warnings)
	}
}
