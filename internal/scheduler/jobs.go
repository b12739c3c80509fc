package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/eddiefleurent/tomking_plm/internal/models"
	"github.com/eddiefleurent/tomking_plm/internal/orders"
	"github.com/eddiefleurent/tomking_plm/internal/reconcile"
	"github.com/eddiefleurent/tomking_plm/internal/storage"
	"github.com/eddiefleurent/tomking_plm/internal/strategy"
	"github.com/sirupsen/logrus"
)

// Job names.
const (
	JobSnapshot  = "snapshot"
	JobReconcile = "reconcile"
	JobPurge     = "purge_closed"
	JobExitCheck = "exit_check"
)

// Book is the position ledger surface the jobs use.
type Book interface {
	Positions() []*models.Position
	OpenPositions() []*models.Position
	Purge(ids ...string) []*models.Position
}

// Archiver stores closed positions in the trade history.
type Archiver interface {
	Archive(ctx context.Context, p *models.Position) error
}

// Snapshotter persists and prunes position snapshots.
type Snapshotter interface {
	Save(ctx context.Context, positions []*models.Position) (string, storage.SnapshotResult, error)
	Prune(ctx context.Context, retain int) ([]string, error)
}

// Reconciler runs one broker reconciliation pass.
type Reconciler interface {
	ReconcileNow(ctx context.Context) (reconcile.Record, error)
}

// Closer submits closing orders.
type Closer interface {
	CloseLegs(ctx context.Context, positionID string, roles []string, reason models.ExitReason, limits map[string]float64) (orders.CloseResult, error)
	RetryFlagged(ctx context.Context) (map[string]orders.CloseResult, error)
}

// Specs holds the cron spec of each job. An empty spec leaves the job unscheduled.
type Specs struct {
	Snapshot  string
	Reconcile string
	Purge     string
	ExitCheck string
}

// Lifecycle holds the periodic jobs around the position book.
// Optional collaborators may be nil; their jobs are then not registered.
type Lifecycle struct {
	Book       Book
	Snapshots  Snapshotter
	Reconciler Reconciler
	Archive    Archiver
	Exits      *strategy.Evaluator
	Closer     Closer
	Pricing    models.PricingFunc
	// InSession reports whether exit orders may be sent at the given time.
	InSession  func(time.Time) bool
	Now        func() time.Time
	Logger     logrus.FieldLogger
	Retain     int
}

func (l *Lifecycle) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Lifecycle) log() logrus.FieldLogger {
	if l.Logger != nil {
		return l.Logger
	}
	return logrus.StandardLogger()
}

// Register adds every configured job to s.
func (l *Lifecycle) Register(s *Scheduler, specs Specs) error {
	jobs := []struct {
		name string
		spec string
		fn   JobFunc
		ok   bool
	}{
		{JobSnapshot, specs.Snapshot, l.SnapshotJob, l.Snapshots != nil},
		{JobReconcile, specs.Reconcile, l.ReconcileJob, l.Reconciler != nil},
		{JobPurge, specs.Purge, l.PurgeJob, l.Archive != nil},
		{JobExitCheck, specs.ExitCheck, l.ExitCheckJob, l.Exits != nil && l.Closer != nil},
	}
	for _, j := range jobs {
		if !j.ok || j.spec == "" {
			continue
		}
		if err := s.Add(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotJob writes a snapshot of the live positions, then prunes old ones.
// A prune failure is logged; only a failed write fails the job.
func (l *Lifecycle) SnapshotJob(ctx context.Context) error {
	if l.Snapshots == nil {
		return errors.New("no snapshot store configured")
	}
	_, res, err := l.Snapshots.Save(ctx, l.Book.OpenPositions())
	if err != nil {
		return err
	}
	if len(res.Failures) > 0 {
		l.log().WithField("failures", len(res.Failures)).Warn("Snapshot written with positions left out")
	}
	retain := l.Retain
	if retain <= 0 {
		retain = storage.DefaultRetain
	}
	if _, err := l.Snapshots.Prune(ctx, retain); err != nil {
		l.log().WithError(err).Warn("Snapshot prune incomplete")
	}
	return nil
}

// ReconcileJob runs one reconciliation pass.
func (l *Lifecycle) ReconcileJob(ctx context.Context) error {
	if l.Reconciler == nil {
		return errors.New("no reconciler configured")
	}
	rec, err := l.Reconciler.ReconcileNow(ctx)
	if err != nil {
		return err
	}
	if len(rec.Discrepancies) > 0 {
		l.log().WithFields(logrus.Fields{
			"pass":          rec.Pass,
			"discrepancies": len(rec.Discrepancies),
			"actions":       rec.Actions,
		}).Warn("Reconciliation found discrepancies")
	}
	return nil
}

// PurgeJob archives closed positions and drops the archived ones from the
// book. A position whose archive fails stays in the book for the next run.
func (l *Lifecycle) PurgeJob(ctx context.Context) error {
	if l.Archive == nil {
		return errors.New("no trade archive configured")
	}
	var (
		ids  []string
		errs []error
	)
	for _, p := range l.Book.Positions() {
		if !p.Status().IsClosed() {
			continue
		}
		if err := l.Archive.Archive(ctx, p); err != nil {
			l.log().WithError(err).WithField("position_id", p.ID).Warn("Archive failed, keeping closed position")
			errs = append(errs, fmt.Errorf("archive %s: %w", p.ID, err))
			continue
		}
		ids = append(ids, p.ID)
	}
	if len(ids) > 0 {
		purged := l.Book.Purge(ids...)
		l.log().WithField("count", len(purged)).Info("Purged archived positions")
	}
	return errors.Join(errs...)
}

// ExitCheckJob evaluates exit targets and submits closing orders for every
// signal, then retries legs whose earlier close submission failed.
// Outside the trading session it does nothing.
func (l *Lifecycle) ExitCheckJob(ctx context.Context) error {
	if l.Exits == nil || l.Closer == nil {
		return errors.New("exit checks not configured")
	}
	now := l.now()
	if l.InSession != nil && !l.InSession(now) {
		l.log().Debug("Outside trading hours, skipping exit checks")
		return nil
	}

	var errs []error
	for _, p := range l.Book.OpenPositions() {
		signals := l.Exits.Evaluate(p, l.Pricing, now)
		if len(signals) == 0 {
			continue
		}
		marks := strategy.Marks(signals, p.ID)
		byReason := strategy.GroupByReason(signals)[p.ID]
		reasons := make([]models.ExitReason, 0, len(byReason))
		for reason := range byReason {
			reasons = append(reasons, reason)
		}
		sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })

		for _, reason := range reasons {
			roles := byReason[reason]
			log := l.log().WithFields(logrus.Fields{"position_id": p.ID, "reason": reason, "roles": roles})
			log.Info("Exit signal")
			res, err := l.Closer.CloseLegs(ctx, p.ID, roles, reason, marks)
			if err != nil {
				errs = append(errs, fmt.Errorf("close %s (%s): %w", p.ID, reason, err))
				continue
			}
			if !res.OK() {
				log.WithField("failed", len(res.Failed)).Warn("Some closing orders failed and were flagged for retry")
			}
		}
	}

	retried, err := l.Closer.RetryFlagged(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("retry flagged closes: %w", err))
	} else if len(retried) > 0 {
		l.log().WithField("positions", len(retried)).Info("Retried flagged closing orders")
	}
	return errors.Join(errs...)
}

// FinalSnapshot writes one last snapshot during shutdown.
func (l *Lifecycle) FinalSnapshot(ctx context.Context) error {
	if l.Snapshots == nil {
		return nil
	}
	key, _, err := l.Snapshots.Save(ctx, l.Book.OpenPositions())
	if err != nil {
		return fmt.Errorf("final snapshot: %w", err)
	}
	l.log().WithField("key", key).Info("Final snapshot written")
	return nil
}
