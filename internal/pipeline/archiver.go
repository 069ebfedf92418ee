// Package pipeline holds the periodic data-retention jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// AuditPruner deletes audit entries older than a cutoff.
type AuditPruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver moves executions and opportunities older than the retention
// period to cold storage and prunes the audit log.
type Archiver struct {
	blobArchiver   domain.Archiver
	audit          AuditPruner
	retention      time.Duration
	auditRetention time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// NewArchiver creates a new Archiver. audit may be nil, and a zero
// auditRetention keeps audit entries forever.
func NewArchiver(blobArchiver domain.Archiver, audit AuditPruner, retention, auditRetention time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:   blobArchiver,
		audit:          audit,
		retention:      retention,
		auditRetention: auditRetention,
		now:            time.Now,
		logger:         logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive pass. A failure on one table does not stop
// the others; all failures are joined in the returned error.
func (a *Archiver) Run(ctx context.Context) error {
	now := a.now().UTC()
	cutoff := now.Add(-a.retention)
	a.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Duration("retention", a.retention),
	)

	var errs []error
	execs, err := a.blobArchiver.ArchiveExecutions(ctx, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("pipeline: archive executions before %s: %w", cutoff.Format(time.RFC3339), err))
	}
	opps, err := a.blobArchiver.ArchiveOpportunities(ctx, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("pipeline: archive opportunities before %s: %w", cutoff.Format(time.RFC3339), err))
	}

	var pruned int64
	if a.audit != nil && a.auditRetention > 0 {
		pruned, err = a.audit.DeleteBefore(ctx, now.Add(-a.auditRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("pipeline: prune audit log: %w", err))
		}
	}

	a.logger.Info("archive run complete",
		slog.Int64("executions_archived", execs),
		slog.Int64("opportunities_archived", opps),
		slog.Int64("audit_pruned", pruned),
		slog.Int("errors", len(errs)),
	)
	return errors.Join(errs...)
}

// RunCron runs the archiver on a cron schedule until the context is cancelled.
// It supports cron expressions in the standard 5-field format:
// "minute hour day-of-month month day-of-week"
//
// Example: "0 3 * * *" runs every day at 03:00 UTC.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, a.now().UTC())
		if err != nil {
			return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
		}

		waitDuration := next.Sub(a.now())
		a.logger.Info("archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", waitDuration),
		)

		timer := time.NewTimer(waitDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return nil
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
