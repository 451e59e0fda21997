package audit

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-velbus/internal/bridges/velbus"
)

// recordTimeout bounds one insert so a locked database cannot stall the
// goroutine that executed the command.
const recordTimeout = 2 * time.Second

// Logger is the logging interface used by the recorder.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Recorder writes every executed command to a repository.
// Register Record with the bridge's OnCommand.
type Recorder struct {
	repo   Repository
	logger Logger
}

// NewRecorder creates a recorder. logger may be nil.
func NewRecorder(repo Repository, logger Logger) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{repo: repo, logger: logger}
}

// Record stores one command and its acknowledgment. Failures are logged,
// never returned: the command has already been executed.
func (r *Recorder) Record(cmd velbus.CommandMessage, ack velbus.AckMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	rec := FromAck(cmd, ack)
	if err := r.repo.Create(ctx, rec); err != nil {
		r.logger.Warn("command not recorded",
			"command_id", rec.CommandID,
			"module_id", rec.ModuleID,
			"error", err,
		)
	}
}
