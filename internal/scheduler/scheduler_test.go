package scheduler

import (
	"context"
	"testing"
	"time"

	"tradebot-platform/config"
	"tradebot-platform/internal/database"
)

type fakeSchedRepo struct {
	subs     []*database.Subscription
	statuses map[int64]string
	pruned   []time.Time
}

func (f *fakeSchedRepo) GetActiveSubscriptions(ctx context.Context) ([]*database.Subscription, error) {
	return f.subs, nil
}

func (f *fakeSchedRepo) UpdateSubscriptionStatus(ctx context.Context, id int64, status string) error {
	if f.statuses == nil {
		f.statuses = make(map[int64]string)
	}
	f.statuses[id] = status
	return nil
}

func (f *fakeSchedRepo) PruneActionLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	f.pruned = append(f.pruned, olderThan)
	return 5, nil
}

type fakeQueue struct {
	jobs []database.QueueJob
	err  error
}

func (f *fakeQueue) Enqueue(ctx context.Context, queue string, job database.QueueJob) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type inlineRunner struct {
	ran []int64
}

func (r *inlineRunner) RunCycle(ctx context.Context, subscriptionID int64) error {
	r.ran = append(r.ran, subscriptionID)
	return nil
}

func ptr[T any](v T) *T { return &v }

func newTestScheduler(repo Repository, queue Queue, inline Dispatcher, now time.Time) *Scheduler {
	s := New(repo, queue, inline, nil, config.SchedulerConfig{
		EnqueueDelay: 5 * time.Second,
	})
	s.now = func() time.Time { return now }
	return s
}

func TestSweepEnqueuesDueSubscriptions(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeSchedRepo{subs: []*database.Subscription{
		{ID: 1, Status: database.SubscriptionActive, NextRunAt: nil},                            // never ran: due
		{ID: 2, Status: database.SubscriptionActive, NextRunAt: ptr(now.Add(-time.Minute))},     // overdue
		{ID: 3, Status: database.SubscriptionActive, NextRunAt: ptr(now.Add(30 * time.Minute))}, // not due
		{ID: 4, Status: database.SubscriptionPaused, NextRunAt: ptr(now.Add(-time.Minute))},     // paused, never enqueued
	}}
	queue := &fakeQueue{}

	summary := newTestScheduler(repo, queue, nil, now).Sweep(context.Background())

	if summary.Enqueued != 2 {
		t.Fatalf("enqueued = %d, want 2", summary.Enqueued)
	}
	ids := map[int64]bool{}
	for _, job := range queue.jobs {
		ids[job.SubscriptionID] = true
		// The 5 s enqueue delay is carried in ReadyAt.
		if want := now.Add(5 * time.Second); !job.ReadyAt.Equal(want) {
			t.Errorf("ReadyAt = %v, want %v", job.ReadyAt, want)
		}
	}
	if !ids[1] || !ids[2] || ids[3] || ids[4] {
		t.Errorf("enqueued ids = %v, want {1, 2}", ids)
	}
}

func TestSweepExpiryTransitions(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeSchedRepo{subs: []*database.Subscription{
		{ID: 1, Status: database.SubscriptionActive, IsTrial: true, TrialExpiresAt: ptr(now.Add(-time.Hour))},
		{ID: 2, Status: database.SubscriptionActive, ExpiresAt: ptr(now.Add(-time.Hour))},
		{ID: 3, Status: database.SubscriptionPaused, IsTrial: true, TrialExpiresAt: ptr(now.Add(-time.Hour))},
		{ID: 4, Status: database.SubscriptionActive, IsTrial: true, TrialExpiresAt: ptr(now.Add(time.Hour))},
	}}
	queue := &fakeQueue{}

	summary := newTestScheduler(repo, queue, nil, now).Sweep(context.Background())

	if summary.Expired != 3 {
		t.Fatalf("expired = %d, want 3", summary.Expired)
	}
	if repo.statuses[1] != database.SubscriptionExpired {
		t.Errorf("trial -> %s, want EXPIRED", repo.statuses[1])
	}
	if repo.statuses[2] != database.SubscriptionCancelled {
		t.Errorf("paid -> %s, want CANCELLED", repo.statuses[2])
	}
	// PAUSED subscriptions still react to trial expiry.
	if repo.statuses[3] != database.SubscriptionExpired {
		t.Errorf("paused trial -> %s, want EXPIRED", repo.statuses[3])
	}
	if _, moved := repo.statuses[4]; moved {
		t.Error("unexpired trial must not transition")
	}
	// Expired rows are never also enqueued.
	for _, job := range queue.jobs {
		if job.SubscriptionID == 1 || job.SubscriptionID == 2 {
			t.Errorf("expired subscription %d was enqueued", job.SubscriptionID)
		}
	}
}

func TestDispatchFallsBackInline(t *testing.T) {
	now := time.Now()
	repo := &fakeSchedRepo{subs: []*database.Subscription{
		{ID: 9, Status: database.SubscriptionActive},
	}}
	queue := &fakeQueue{err: database.ErrRedisUnavailable}
	inline := &inlineRunner{}

	summary := newTestScheduler(repo, queue, inline, now).Sweep(context.Background())

	if summary.Enqueued != 1 {
		t.Fatalf("enqueued = %d, want 1 (inline)", summary.Enqueued)
	}
	if len(inline.ran) != 1 || inline.ran[0] != 9 {
		t.Errorf("inline runs = %v, want [9]", inline.ran)
	}
}

func TestMaintenancePrunesWithRetention(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeSchedRepo{}
	s := New(repo, &fakeQueue{}, nil, nil, config.SchedulerConfig{
		ActionLogRetention: 30 * 24 * time.Hour,
	})
	s.now = func() time.Time { return now }

	s.maintenance(context.Background())

	if len(repo.pruned) != 1 {
		t.Fatalf("prune calls = %d, want 1", len(repo.pruned))
	}
	if want := now.Add(-30 * 24 * time.Hour); !repo.pruned[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", repo.pruned[0], want)
	}
}

func TestSweepSkipsWhenOverrunning(t *testing.T) {
	repo := &fakeSchedRepo{}
	s := newTestScheduler(repo, &fakeQueue{}, nil, time.Now())

	s.sweeping = true // simulate a sweep still in flight
	s.sweepOnce(context.Background())

	// No queries happened: the flag is still owned by the in-flight sweep.
	if !s.sweeping {
		t.Error("skipped tick must not clear the in-flight flag")
	}
}
