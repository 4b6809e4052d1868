package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/lotledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/lotledger/internal/jobs"
)

// IntegrityChecker reports ledger invariant violations.
type IntegrityChecker interface {
	CheckIntegrity(ctx context.Context) (inventory.IntegrityReport, error)
}

// ErrLedgerViolations is returned when the audit finds inconsistent rows.
var ErrLedgerViolations = errors.New("ledger audit: invariant violations found")

// LedgerAuditJob runs the ledger integrity checks and publishes the counts.
type LedgerAuditJob struct {
	Checker IntegrityChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLedgerAuditJob initialises the audit handler.
func NewLedgerAuditJob(checker IntegrityChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerAuditJob {
	return &LedgerAuditJob{
		Checker: checker,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the audit. Violations are reported through metrics and
// logs; the task itself is not retried for them.
func (j *LedgerAuditJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Checker == nil {
		return errors.New("ledger audit: handler not configured")
	}
	var payload LedgerAuditPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("ledger audit: decode payload: %w", asynq.SkipRetry)
		}
	}

	start := j.now()
	tracker := j.Metrics.Track(TaskLedgerAudit)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	report, err := j.Checker.CheckIntegrity(ctx)
	if err != nil {
		logger.Error("ledger audit failed", slog.Any("error", err))
		return err
	}

	j.Metrics.SetViolations("negative_quantity", report.NegativeLots)
	j.Metrics.SetViolations("unbalanced_pick", report.UnbalancedPicks)
	j.Metrics.SetViolations("lot_above_sequence", report.LotsAboveSequence)

	total := report.NegativeLots + report.UnbalancedPicks + report.LotsAboveSequence
	attrs := []any{
		slog.Int64("negative_lots", report.NegativeLots),
		slog.Int64("unbalanced_picks", report.UnbalancedPicks),
		slog.Int64("lots_above_sequence", report.LotsAboveSequence),
		slog.Duration("duration", j.now().Sub(start)),
	}
	if total > 0 {
		logger.Warn("ledger audit found violations", attrs...)
		return fmt.Errorf("%w: %d: %w", ErrLedgerViolations, total, asynq.SkipRetry)
	}
	logger.Info("ledger audit clean", attrs...)
	return nil
}

func (j *LedgerAuditJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *LedgerAuditJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
