// Package notify delivers execution-halted notifications. The core only
// defines the hook; richer sinks (sounds, desktop notifications, webhooks)
// plug in from the outside.
package notify

import (
	"context"
	"log/slog"

	"github.com/verkstad/verkstad/internal/db"
)

// Notifier receives the full context of a finished execution process.
type Notifier interface {
	ExecutionHalted(ctx context.Context, process *db.ExecutionProcess, attempt *db.TaskAttempt, task *db.Task)
}

// LogNotifier logs halts and nothing else.
type LogNotifier struct{}

// ExecutionHalted implements Notifier.
func (LogNotifier) ExecutionHalted(ctx context.Context, process *db.ExecutionProcess, attempt *db.TaskAttempt, task *db.Task) {
	slog.Info("execution halted",
		"process", process.ID,
		"attempt", attempt.ID,
		"task", task.Title,
		"reason", process.RunReason,
		"status", process.Status)
}

var _ Notifier = LogNotifier{}
