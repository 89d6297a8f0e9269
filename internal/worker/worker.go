// Package worker consumes execution and maintenance jobs from the Redis
// queues. Each worker holds a per-subscription lock while running a cycle so
// a slow cycle and the next sweep's job for the same subscription never
// execute concurrently.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradebot-platform/config"
	"tradebot-platform/internal/database"
	"tradebot-platform/internal/logging"
)

const (
	defaultWorkerCount   = 4
	defaultCycleDeadline = 25 * time.Minute
	defaultCycleHardCap  = 30 * time.Minute
	defaultExecLockTTL   = 30 * time.Minute

	dequeueTimeout = 5 * time.Second
	redisBackoff   = 5 * time.Second

	jobKindRunCycle   = "run_cycle"
	jobKindBotMetrics = "bot_metrics"
)

// Queue is the consuming side of the work queues.
type Queue interface {
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*database.QueueJob, error)
}

// Locker provides per-subscription execution locks.
type Locker interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}

// Dispatcher runs one trading cycle for a subscription.
type Dispatcher interface {
	RunCycle(ctx context.Context, subscriptionID int64) error
}

// MetricsRepo refreshes aggregated bot statistics for maintenance jobs.
type MetricsRepo interface {
	GetBotPerformance(ctx context.Context, botID int64) (winRate, avgWinLoss float64, sampleSize int, err error)
	UpdateBotPerformance(ctx context.Context, botID int64, winRate, avgWinLoss float64) error
}

// Pool is a fixed-size pool of queue consumers plus one maintenance consumer.
type Pool struct {
	queue  Queue
	locks  Locker
	engine Dispatcher
	repo   MetricsRepo
	cfg    config.WorkerConfig
	logger *logging.Logger

	// identity is unique per process start and is the lock owner prefix, so
	// a crashed worker's lock expires by TTL instead of blocking forever.
	identity string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New creates a worker pool with config defaults applied.
func New(queue Queue, locks Locker, engine Dispatcher, repo MetricsRepo, cfg config.WorkerConfig) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = defaultWorkerCount
	}
	if cfg.CycleDeadline <= 0 {
		cfg.CycleDeadline = defaultCycleDeadline
	}
	if cfg.CycleHardCap <= 0 {
		cfg.CycleHardCap = defaultCycleHardCap
	}
	if cfg.ExecLockTTL <= 0 {
		cfg.ExecLockTTL = defaultExecLockTTL
	}
	return &Pool{
		queue:    queue,
		locks:    locks,
		engine:   engine,
		repo:     repo,
		cfg:      cfg,
		logger:   logging.Default().WithComponent("worker"),
		identity: uuid.NewString(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Run starts the pool and blocks until ctx is cancelled and all workers
// have drained.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool started", "workers", p.cfg.Count, "identity", p.identity)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			p.consume(ctx, database.QueueBotExecution, fmt.Sprintf("%s-%d", p.identity, idx))
		}(i)
	}

	// A single consumer is plenty for maintenance volume.
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.consume(ctx, database.QueueMaintenance, p.identity+"-maint")
	}()

	wg.Wait()
	p.logger.Info("worker pool stopped")
}

// consume is the per-worker loop: pop, wait for ReadyAt, handle, repeat.
func (p *Pool) consume(ctx context.Context, queue, owner string) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.Dequeue(ctx, queue, dequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			p.sleep(ctx, redisBackoff)
			continue
		}
		if job == nil {
			continue // timeout, poll again
		}
		p.handle(ctx, job, owner)
	}
}

func (p *Pool) handle(ctx context.Context, job *database.QueueJob, owner string) {
	now := p.now()

	// Jobs that sat on the queue past the hard cap are stale: the scheduler
	// has re-enqueued the subscription since, running the old job would
	// double-execute the cycle.
	if !job.ReadyAt.IsZero() && now.Sub(job.ReadyAt) > p.cfg.CycleHardCap {
		p.logger.Warn("dropping stale job",
			"kind", job.Kind, "subscription_id", job.SubscriptionID,
			"ready_at", job.ReadyAt.Format(time.RFC3339))
		return
	}
	if wait := job.ReadyAt.Sub(now); wait > 0 {
		p.sleep(ctx, wait)
		if ctx.Err() != nil {
			return
		}
	}

	switch job.Kind {
	case jobKindRunCycle:
		p.runCycle(ctx, job.SubscriptionID, owner)
	case jobKindBotMetrics:
		p.refreshBotMetrics(ctx, job.BotID)
	default:
		p.logger.Warn("unknown job kind", "kind", job.Kind)
	}
}

// runCycle executes one cycle under the per-subscription lock. A held lock
// means another worker is already on this subscription; the job is dropped
// (the scheduler enqueues it again next sweep).
func (p *Pool) runCycle(ctx context.Context, subscriptionID int64, owner string) {
	lockKey := fmt.Sprintf(database.PrefixExecLock, subscriptionID)
	acquired, err := p.locks.AcquireLock(ctx, lockKey, owner, p.cfg.ExecLockTTL)
	if err != nil {
		p.logger.Error("exec lock acquire failed", "subscription_id", subscriptionID, err)
		return
	}
	if !acquired {
		p.logger.Debug("subscription already executing, skipping", "subscription_id", subscriptionID)
		return
	}
	defer func() {
		if err := p.locks.ReleaseLock(context.Background(), lockKey, owner); err != nil {
			p.logger.Warn("exec lock release failed", "subscription_id", subscriptionID, err)
		}
	}()

	cycleCtx, cancel := context.WithTimeout(ctx, p.cfg.CycleDeadline)
	defer cancel()

	start := p.now()
	if err := p.engine.RunCycle(cycleCtx, subscriptionID); err != nil {
		p.logger.Error("cycle failed",
			"subscription_id", subscriptionID,
			"duration", p.now().Sub(start).String(), err)
		return
	}
	p.logger.Debug("cycle complete",
		"subscription_id", subscriptionID, "duration", p.now().Sub(start).String())
}

// refreshBotMetrics recomputes and persists a bot's aggregate win statistics
// after the reconciler closes one of its trades.
func (p *Pool) refreshBotMetrics(ctx context.Context, botID int64) {
	winRate, avgWinLoss, sampleSize, err := p.repo.GetBotPerformance(ctx, botID)
	if err != nil {
		p.logger.Error("bot performance query failed", "bot_id", botID, err)
		return
	}
	if sampleSize == 0 {
		return
	}
	if err := p.repo.UpdateBotPerformance(ctx, botID, winRate, avgWinLoss); err != nil {
		p.logger.Error("bot performance update failed", "bot_id", botID, err)
		return
	}
	p.logger.Debug("bot performance refreshed",
		"bot_id", botID, "win_rate", winRate, "sample_size", sampleSize)
}

// sleepCtx sleeps for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
