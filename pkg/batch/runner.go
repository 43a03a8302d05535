// Package batch drives the engine's periodic jobs: daily scheduled-payment
// generation, daily overdue marking and monthly reconciliation. The runner
// only does the timing; the population walks live on the ledger so the
// per-mortgage failure policy stays in one place.
package batch

import (
	"context"
	"time"

	"github.com/propview/mortgage-engine/pkg/ledger"
	"go.uber.org/zap"
)

// Runner triggers the batch entry points at configured local-clock times.
// Times use the "15:04" layout and are evaluated in UTC.
type Runner struct {
	ledger      *ledger.Ledger
	generateAt  string
	overdueAt   string
	reconcileAt string
	log         *zap.Logger
}

// New constructs a Runner.
func New(l *ledger.Ledger, generateAt, overdueAt, reconcileAt string, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		ledger:      l,
		generateAt:  generateAt,
		overdueAt:   overdueAt,
		reconcileAt: reconcileAt,
		log:         log,
	}
}

// Start begins the trigger loop and blocks until the context is cancelled.
// The minute ticker plus idempotent jobs means a missed or duplicated tick is
// harmless.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.tick(now.UTC())
		}
	}
}

func (r *Runner) tick(now time.Time) {
	if matchesDailyAt(now, r.generateAt) {
		r.RunGeneration(now)
	}
	if matchesDailyAt(now, r.overdueAt) {
		r.RunOverdueMarking(now)
	}
	if now.Day() == 1 && matchesDailyAt(now, r.reconcileAt) {
		r.RunReconciliation(now)
	}
}

// RunGeneration materializes the installments due today.
func (r *Runner) RunGeneration(now time.Time) {
	r.log.Info("starting scheduled payment generation", zap.Time("date", now))
	if _, err := r.ledger.GenerateDuePayments(now); err != nil {
		r.log.Error("scheduled payment generation failed", zap.Error(err))
	}
}

// RunOverdueMarking flags unsettled installments past due. The cutoff is
// yesterday so entries generated earlier today are not swept up.
func (r *Runner) RunOverdueMarking(now time.Time) {
	asOf := now.AddDate(0, 0, -1)
	r.log.Info("starting overdue payment check", zap.Time("as_of", asOf))
	marked, err := r.ledger.MarkOverduePayments(asOf)
	if err != nil {
		r.log.Error("overdue payment check failed", zap.Error(err))
		return
	}
	r.log.Info("overdue payment check complete", zap.Int("marked", marked))
}

// RunReconciliation audits the balance invariant across the active
// population.
func (r *Runner) RunReconciliation(now time.Time) {
	r.log.Info("starting ledger reconciliation", zap.Time("date", now))
	if _, err := r.ledger.ReconcileAll(now); err != nil {
		r.log.Error("ledger reconciliation failed", zap.Error(err))
	}
}

func matchesDailyAt(now time.Time, dailyAt string) bool {
	t, err := time.Parse("15:04", dailyAt)
	if err != nil {
		return false
	}
	return now.Hour() == t.Hour() && now.Minute() == t.Minute()
}
