// Package scheduler runs stored workflows on their cron schedule and
// reconciles runs whose terminal state never reached the store.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/executors"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

// ScheduleEvent is the trigger event of a scheduled run.
const ScheduleEvent = "schedule"

// standardParser accepts five-field cron expressions and @descriptors.
var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// DefaultTickInterval is how often the scheduler checks for due workflows.
const DefaultTickInterval = 30 * time.Second

// WorkflowRunner executes a run. Satisfied by *engine.Engine.
type WorkflowRunner interface {
	Run(ctx context.Context, req engine.RunRequest) *schema.WorkflowRun
}

// Config holds scheduler settings.
type Config struct {
	TickInterval  time.Duration
	PlatformToken string
	Credentials   executors.Credentials
	// Validator, when set, re-checks a stored definition before each run;
	// definitions that no longer pass are skipped.
	Validator validation.Validator
	// OnRunFinished, when set, receives every terminal scheduled run.
	OnRunFinished func(*schema.WorkflowRun)
}

// Scheduler polls the store for enabled workflows with a schedule and runs
// those that are due.
type Scheduler struct {
	store  store.RunStore
	runner WorkflowRunner
	parser cron.Parser
	config Config
	logger *slog.Logger
	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	nextMu  sync.Mutex
	nextRun map[string]time.Time // workflow id -> next due time
	specs   map[string]string    // workflow id -> schedule the due time was computed from

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow ids currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.RunStore, runner WorkflowRunner, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   standardParser,
		config:   cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		nextRun:  make(map[string]time.Time),
		specs:    make(map[string]string),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.config.TickInterval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled workflow whose schedule is due. A workflow seen
// for the first time, or whose schedule changed, is due at its next
// occurrence after now; missed occurrences are not replayed.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{Enabled: &enabled, Scheduled: true})
	if err != nil {
		s.logger.Error("failed to list scheduled workflows", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	seen := make(map[string]struct{}, len(workflows))
	for _, wf := range workflows {
		seen[wf.ID] = struct{}{}
		due, err := s.dueAt(wf, now)
		if err != nil {
			s.logger.Warn("invalid workflow schedule",
				slog.String("workflow_id", wf.ID), slog.String("schedule", wf.Schedule), slog.String("error", err.Error()))
			continue
		}
		if due.After(now) {
			continue
		}
		if !s.tryAcquire(wf.ID) {
			continue
		}
		s.runWorkflow(ctx, wf, now)
		s.releaseWorkflow(wf.ID)
		if next, err := s.CalculateNextRun(wf.Schedule, now); err == nil {
			s.setNext(wf.ID, wf.Schedule, next)
		}
	}
	s.forgetMissing(seen)
}

// runWorkflow executes a scheduled workflow with an event trigger payload.
func (s *Scheduler) runWorkflow(ctx context.Context, wf *schema.Workflow, scheduledAt time.Time) {
	if s.config.Validator != nil {
		if err := s.config.Validator.ValidateNodes(wf.Nodes); err != nil {
			s.logger.Warn("skipping invalid scheduled workflow",
				slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
			return
		}
	}
	s.logger.Info("running scheduled workflow",
		slog.String("workflow_id", wf.ID),
		slog.String("name", wf.Name),
	)

	run := s.runner.Run(ctx, engine.RunRequest{
		WorkflowID:    wf.ID,
		Nodes:         wf.Nodes,
		PlatformToken: s.config.PlatformToken,
		Credentials:   s.config.Credentials,
		TriggerInput: map[string]any{
			"event":       ScheduleEvent,
			"scheduledAt": scheduledAt.Format(time.RFC3339),
		},
	})
	if run.Status == schema.RunStatusFailed {
		s.logger.Warn("scheduled workflow failed",
			slog.String("workflow_id", wf.ID),
			slog.String("run_id", run.ID),
			slog.String("error", run.Error),
		)
	}
	if s.config.OnRunFinished != nil {
		s.config.OnRunFinished(run)
	}
}

func (s *Scheduler) dueAt(wf *schema.Workflow, now time.Time) (time.Time, error) {
	s.nextMu.Lock()
	next, ok := s.nextRun[wf.ID]
	spec := s.specs[wf.ID]
	s.nextMu.Unlock()
	if ok && spec == wf.Schedule {
		return next, nil
	}
	next, err := s.CalculateNextRun(wf.Schedule, now)
	if err != nil {
		return time.Time{}, err
	}
	s.setNext(wf.ID, wf.Schedule, next)
	return next, nil
}

func (s *Scheduler) setNext(id, spec string, next time.Time) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	s.nextRun[id] = next
	s.specs[id] = spec
}

// forgetMissing drops due times of workflows that were deleted, disabled or
// unscheduled since the last tick.
func (s *Scheduler) forgetMissing(seen map[string]struct{}) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	for id := range s.nextRun {
		if _, ok := seen[id]; !ok {
			delete(s.nextRun, id)
			delete(s.specs, id)
		}
	}
}

// Due returns the due time tracked for a workflow.
func (s *Scheduler) Due(workflowID string) (time.Time, bool) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	t, ok := s.nextRun[workflowID]
	return t, ok
}

// tryAcquire returns true and marks the workflow as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) releaseWorkflow(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	return NextRun(s.parser, cronExpr, from)
}

// NextRun parses cronExpr with parser and returns its next occurrence after from.
func NextRun(parser cron.Parser, cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// ValidateSchedule reports whether cronExpr is a valid five-field schedule.
func ValidateSchedule(cronExpr string) error {
	_, err := NextRun(standardParser, cronExpr, time.Now())
	return err
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
