// Package scheduler sweeps subscriptions on a timer: expiry transitions,
// due-run dispatch onto the execution queue and periodic action-log pruning.
// The scheduler is stateless across restarts; next_run_at in the database is
// the only clock it trusts.
package scheduler

import (
	"context"
	"errors"
	"time"

	"tradebot-platform/config"
	"tradebot-platform/internal/database"
	"tradebot-platform/internal/logging"
	"tradebot-platform/internal/notification"
)

const (
	defaultSweepInterval       = 60 * time.Second
	defaultEnqueueDelay        = 5 * time.Second
	defaultMaintenanceInterval = 5 * time.Minute
	defaultRetention           = 30 * 24 * time.Hour

	jobKindRunCycle   = "run_cycle"
	jobKindBotMetrics = "bot_metrics"
)

// Repository is the database slice the scheduler sweeps over.
type Repository interface {
	GetActiveSubscriptions(ctx context.Context) ([]*database.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id int64, status string) error
	PruneActionLogs(ctx context.Context, olderThan time.Time) (int64, error)
}

// Queue is the dispatch side of the work queue.
type Queue interface {
	Enqueue(ctx context.Context, queue string, job database.QueueJob) error
}

// Dispatcher runs a cycle inline when the queue is unavailable.
type Dispatcher interface {
	RunCycle(ctx context.Context, subscriptionID int64) error
}

// SweepSummary reports what one sweep did.
type SweepSummary struct {
	Swept    int
	Enqueued int
	Expired  int
	Errors   int
}

// Scheduler owns the sweep and maintenance loops.
type Scheduler struct {
	repo     Repository
	queue    Queue
	inline   Dispatcher // fallback when Redis is down; may be nil
	notifier *notification.Manager
	cfg      config.SchedulerConfig
	logger   *logging.Logger

	sweeping bool // guards against overrunning ticks
	now      func() time.Time
}

// New creates a scheduler. inline may be nil, in which case jobs are
// dropped (and retried next sweep) when the queue is unavailable.
func New(repo Repository, queue Queue, inline Dispatcher, notifier *notification.Manager, cfg config.SchedulerConfig) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.EnqueueDelay <= 0 {
		cfg.EnqueueDelay = defaultEnqueueDelay
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = defaultMaintenanceInterval
	}
	if cfg.ActionLogRetention <= 0 {
		cfg.ActionLogRetention = defaultRetention
	}
	return &Scheduler{
		repo:     repo,
		queue:    queue,
		inline:   inline,
		notifier: notifier,
		cfg:      cfg,
		logger:   logging.Default().WithComponent("scheduler"),
		now:      time.Now,
	}
}

// Run drives the sweep and maintenance tickers until ctx is cancelled.
// The first sweep fires immediately (cold-start).
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		"sweep_interval", s.cfg.SweepInterval.String(),
		"maintenance_interval", s.cfg.MaintenanceInterval.String())

	s.sweepOnce(ctx)

	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	maintTicker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer sweepTicker.Stop()
	defer maintTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-sweepTicker.C:
			s.sweepOnce(ctx)
		case <-maintTicker.C:
			s.maintenance(ctx)
		}
	}
}

// sweepOnce runs one sweep unless the previous one is still going
// (overrunning ticks are skipped, not queued).
func (s *Scheduler) sweepOnce(ctx context.Context) {
	if s.sweeping {
		s.logger.Warn("sweep overran its interval, skipping tick")
		return
	}
	s.sweeping = true
	defer func() { s.sweeping = false }()

	summary := s.Sweep(ctx)
	if summary.Enqueued > 0 || summary.Expired > 0 || summary.Errors > 0 {
		s.logger.Info("sweep complete",
			"swept", summary.Swept, "enqueued", summary.Enqueued,
			"expired", summary.Expired, "errors", summary.Errors)
	}
}

// Sweep walks ACTIVE and PAUSED subscriptions: expiry transitions apply to
// both; only ACTIVE and due rows are enqueued.
func (s *Scheduler) Sweep(ctx context.Context) SweepSummary {
	var summary SweepSummary

	subs, err := s.repo.GetActiveSubscriptions(ctx)
	if err != nil {
		s.logger.Error("sweep query failed", err)
		summary.Errors++
		return summary
	}
	summary.Swept = len(subs)

	now := s.now()
	for _, sub := range subs {
		if s.expireIfDue(ctx, sub, now) {
			summary.Expired++
			continue
		}
		if sub.Status != database.SubscriptionActive {
			continue // PAUSED: swept for expiry, never enqueued
		}
		if sub.NextRunAt != nil && sub.NextRunAt.After(now) {
			continue
		}
		if err := s.dispatch(ctx, sub.ID); err != nil {
			s.logger.Error("dispatch failed", "subscription_id", sub.ID, err)
			summary.Errors++
			continue
		}
		summary.Enqueued++
	}
	return summary
}

// expireIfDue applies the trial/paid expiry transitions. Trials expire to
// EXPIRED, paid subscriptions to CANCELLED.
func (s *Scheduler) expireIfDue(ctx context.Context, sub *database.Subscription, now time.Time) bool {
	if sub.IsTrial && sub.TrialExpiresAt != nil && !sub.TrialExpiresAt.After(now) {
		if err := s.repo.UpdateSubscriptionStatus(ctx, sub.ID, database.SubscriptionExpired); err != nil {
			s.logger.Error("trial expiry transition failed", "subscription_id", sub.ID, err)
			return false
		}
		s.logger.Info("trial expired", "subscription_id", sub.ID)
		s.notifier.TrialExpired(ctx, sub.ID, sub.InstanceName)
		return true
	}
	if sub.ExpiresAt != nil && !sub.ExpiresAt.After(now) {
		if err := s.repo.UpdateSubscriptionStatus(ctx, sub.ID, database.SubscriptionCancelled); err != nil {
			s.logger.Error("expiry transition failed", "subscription_id", sub.ID, err)
			return false
		}
		s.logger.Info("subscription expired", "subscription_id", sub.ID)
		return true
	}
	return false
}

// dispatch enqueues a run with the configured delay, degrading to an inline
// run when Redis is unavailable.
func (s *Scheduler) dispatch(ctx context.Context, subscriptionID int64) error {
	job := database.QueueJob{
		Kind:           jobKindRunCycle,
		SubscriptionID: subscriptionID,
		ReadyAt:        s.now().Add(s.cfg.EnqueueDelay),
	}
	err := s.queue.Enqueue(ctx, database.QueueBotExecution, job)
	if err == nil {
		return nil
	}
	if errors.Is(err, database.ErrRedisUnavailable) && s.inline != nil {
		s.logger.Warn("queue unavailable, running cycle inline", "subscription_id", subscriptionID)
		return s.inline.RunCycle(ctx, subscriptionID)
	}
	return err
}

// maintenance prunes old non-ERROR action-log rows.
func (s *Scheduler) maintenance(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.ActionLogRetention)
	pruned, err := s.repo.PruneActionLogs(ctx, cutoff)
	if err != nil {
		s.logger.Error("action log pruning failed", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("action logs pruned", "rows", pruned, "older_than", cutoff.Format(time.RFC3339))
	}
}
