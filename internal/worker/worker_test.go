package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tradebot-platform/config"
	"tradebot-platform/internal/database"
)

type fakeLocker struct {
	held     map[string]string
	acquired []string
	released []string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]string)}
}

func (f *fakeLocker) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if _, ok := f.held[key]; ok {
		return false, nil
	}
	f.held[key] = owner
	f.acquired = append(f.acquired, key)
	return true, nil
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, key, owner string) error {
	if f.held[key] == owner {
		delete(f.held, key)
	}
	f.released = append(f.released, key)
	return nil
}

type fakeDispatcher struct {
	ran []int64
	err error
}

func (f *fakeDispatcher) RunCycle(ctx context.Context, subscriptionID int64) error {
	f.ran = append(f.ran, subscriptionID)
	return f.err
}

type fakeMetricsRepo struct {
	winRate    float64
	avgWinLoss float64
	samples    int
	updated    []int64
}

func (f *fakeMetricsRepo) GetBotPerformance(ctx context.Context, botID int64) (float64, float64, int, error) {
	return f.winRate, f.avgWinLoss, f.samples, nil
}

func (f *fakeMetricsRepo) UpdateBotPerformance(ctx context.Context, botID int64, winRate, avgWinLoss float64) error {
	f.updated = append(f.updated, botID)
	return nil
}

func newTestPool(locks Locker, engine Dispatcher, repo MetricsRepo) (*Pool, *[]time.Duration) {
	p := New(nil, locks, engine, repo, config.WorkerConfig{
		Count:         1,
		CycleDeadline: time.Minute,
		CycleHardCap:  30 * time.Minute,
		ExecLockTTL:   time.Minute,
	})
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) { slept = append(slept, d) }
	return p, &slept
}

func TestHandleRunCycleTakesAndReleasesLock(t *testing.T) {
	locks := newFakeLocker()
	engine := &fakeDispatcher{}
	p, _ := newTestPool(locks, engine, nil)

	p.handle(context.Background(), &database.QueueJob{
		Kind:           "run_cycle",
		SubscriptionID: 7,
		ReadyAt:        time.Now().Add(-time.Second),
	}, "owner-0")

	if len(engine.ran) != 1 || engine.ran[0] != 7 {
		t.Fatalf("cycles run = %v, want [7]", engine.ran)
	}
	wantKey := fmt.Sprintf(database.PrefixExecLock, int64(7))
	if len(locks.acquired) != 1 || locks.acquired[0] != wantKey {
		t.Errorf("acquired = %v, want [%s]", locks.acquired, wantKey)
	}
	if len(locks.released) != 1 || locks.released[0] != wantKey {
		t.Errorf("released = %v, want [%s]", locks.released, wantKey)
	}
}

func TestHandleSkipsLockedSubscription(t *testing.T) {
	locks := newFakeLocker()
	locks.held[fmt.Sprintf(database.PrefixExecLock, int64(7))] = "someone-else"
	engine := &fakeDispatcher{}
	p, _ := newTestPool(locks, engine, nil)

	p.handle(context.Background(), &database.QueueJob{
		Kind:           "run_cycle",
		SubscriptionID: 7,
	}, "owner-0")

	if len(engine.ran) != 0 {
		t.Fatalf("cycle ran under a held lock: %v", engine.ran)
	}
	if len(locks.released) != 0 {
		t.Error("must not release a lock it never acquired")
	}
}

func TestHandleWaitsForReadyAt(t *testing.T) {
	locks := newFakeLocker()
	engine := &fakeDispatcher{}
	p, slept := newTestPool(locks, engine, nil)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.handle(context.Background(), &database.QueueJob{
		Kind:           "run_cycle",
		SubscriptionID: 3,
		ReadyAt:        now.Add(5 * time.Second),
	}, "owner-0")

	if len(*slept) != 1 || (*slept)[0] != 5*time.Second {
		t.Errorf("slept = %v, want [5s]", *slept)
	}
	if len(engine.ran) != 1 {
		t.Errorf("cycle did not run after the delay")
	}
}

func TestHandleDropsStaleJob(t *testing.T) {
	locks := newFakeLocker()
	engine := &fakeDispatcher{}
	p, _ := newTestPool(locks, engine, nil)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.handle(context.Background(), &database.QueueJob{
		Kind:           "run_cycle",
		SubscriptionID: 3,
		ReadyAt:        now.Add(-time.Hour), // past the 30m hard cap
	}, "owner-0")

	if len(engine.ran) != 0 {
		t.Fatalf("stale job was executed")
	}
	if len(locks.acquired) != 0 {
		t.Error("stale job must be dropped before locking")
	}
}

func TestHandleBotMetricsJob(t *testing.T) {
	repo := &fakeMetricsRepo{winRate: 0.6, avgWinLoss: 1.5, samples: 25}
	p, _ := newTestPool(newFakeLocker(), &fakeDispatcher{}, repo)

	p.handle(context.Background(), &database.QueueJob{
		Kind:  "bot_metrics",
		BotID: 42,
	}, "owner-0")

	if len(repo.updated) != 1 || repo.updated[0] != 42 {
		t.Fatalf("updated bots = %v, want [42]", repo.updated)
	}
}

func TestHandleBotMetricsSkipsEmptySample(t *testing.T) {
	repo := &fakeMetricsRepo{samples: 0}
	p, _ := newTestPool(newFakeLocker(), &fakeDispatcher{}, repo)

	p.handle(context.Background(), &database.QueueJob{Kind: "bot_metrics", BotID: 42}, "owner-0")

	if len(repo.updated) != 0 {
		t.Fatalf("no-trade bot must not be updated, got %v", repo.updated)
	}
}

func TestRunCycleErrorStillReleasesLock(t *testing.T) {
	locks := newFakeLocker()
	engine := &fakeDispatcher{err: fmt.Errorf("exchange down")}
	p, _ := newTestPool(locks, engine, nil)

	p.runCycle(context.Background(), 9, "owner-0")

	if len(locks.released) != 1 {
		t.Fatalf("lock not released after cycle error")
	}
}
