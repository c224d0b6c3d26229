package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// AbandonedRunError is the error recorded on runs closed by the reconciler.
const AbandonedRunError = "run abandoned: terminal state was never persisted"

const (
	DefaultReconcileSchedule = "@every 5m"
	DefaultStaleRunAfter     = 30 * time.Minute
)

// Reconciler marks running runs whose record has not been written for
// StaleAfter as failed. The engine rewrites a live run after every node, so
// a quiet record means the terminal write was lost. StaleAfter must exceed
// the longest node timeout.
type Reconciler struct {
	store      store.RunStore
	schedule   string
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewReconciler creates a Reconciler. Empty or zero settings take the defaults.
func NewReconciler(s store.RunStore, schedule string, staleAfter time.Duration, logger *slog.Logger) *Reconciler {
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleRunAfter
	}
	return &Reconciler{
		store:      s,
		schedule:   schedule,
		staleAfter: staleAfter,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the reconcile job on its cron schedule.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("reconciler already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.Reconcile(ctx); err != nil {
			r.logger.Error("reconcile stale runs", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("parse reconcile schedule %q: %w", r.schedule, err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("reconciler started", slog.String("schedule", r.schedule), slog.Duration("stale_after", r.staleAfter))
	return nil
}

// Stop waits for a running reconcile pass to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.logger.Info("reconciler stopped")
}

// Reconcile fails every running run last written before the stale threshold
// and returns how many it closed. Runs that reach a terminal state concurrently
// are skipped.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	running := schema.RunStatusRunning
	now := r.now()
	cutoff := now.Add(-r.staleAfter)
	runs, err := r.store.ListRuns(ctx, store.RunFilter{Status: &running, UpdatedBefore: &cutoff})
	if err != nil {
		return 0, fmt.Errorf("list stale runs: %w", err)
	}

	closed := 0
	for _, run := range runs {
		failed := schema.RunStatusFailed
		msg := AbandonedRunError
		elapsed := now.Sub(run.StartedAt).Milliseconds()
		err := r.store.UpdateRun(ctx, run.ID, store.RunUpdate{
			Status:        &failed,
			Error:         &msg,
			CompletedAt:   &now,
			ExecutionTime: &elapsed,
		})
		switch schema.KindOf(err) {
		case "":
			if err != nil {
				return closed, fmt.Errorf("fail stale run %q: %w", run.ID, err)
			}
			closed++
			r.logger.Warn("closed abandoned run", slog.String("run_id", run.ID), slog.String("workflow_id", run.WorkflowID))
		case schema.ErrInvalidTransition, schema.ErrNotFound:
			continue
		default:
			return closed, fmt.Errorf("fail stale run %q: %w", run.ID, err)
		}
	}
	return closed, nil
}
