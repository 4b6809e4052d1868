package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerAudit scans the lot ledger for invariant violations.
	TaskLedgerAudit = "inventory:ledger-audit"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// LedgerAuditPayload carries scheduling metadata.
type LedgerAuditPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewLedgerAuditTask constructs an Asynq task for the ledger audit.
func NewLedgerAuditTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerAuditPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerAudit, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// IdempotencyCleanupPayload optionally overrides the configured retention.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention,omitempty"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// NewTaskByName builds a task from its type name with default payloads.
func NewTaskByName(name string, now time.Time) (*asynq.Task, bool, error) {
	switch name {
	case TaskLedgerAudit:
		task, err := NewLedgerAuditTask(now)
		return task, true, err
	case TaskIdempotencyCleanup:
		task, err := NewIdempotencyCleanupTask(0)
		return task, true, err
	default:
		return nil, false, nil
	}
}
