package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tradebot-platform/config"
)

// Well-known queue names
const (
	QueueBotExecution = "bot_execution"
	QueueMaintenance  = "maintenance"
	QueueNotification = "notifications"
)

// Key prefixes for locks and caches
const (
	PrefixExecLock    = "exec:%d"         // per-subscription execution lock
	PrefixLLMLock     = "llm_lock:%s"     // per-symbol LLM analysis lock
	PrefixLLMAnalysis = "llm_analysis:%s" // cached LLM analysis by hash
)

// releaseScript deletes a lock only when held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// QueueJob is one unit of work on a Redis list queue. ReadyAt implements
// delayed enqueue: workers popping a not-yet-due job sleep until ReadyAt.
type QueueJob struct {
	Kind           string    `json:"kind"`
	SubscriptionID int64     `json:"subscription_id,omitempty"`
	BotID          int64     `json:"bot_id,omitempty"`
	ReadyAt        time.Time `json:"ready_at"`
}

// RedisClient wraps go-redis with lock, cache and queue helpers, degrading
// gracefully when Redis is unavailable: locks report acquired, caches miss,
// queue operations return ErrRedisUnavailable so callers can fall back.
type RedisClient struct {
	client *redis.Client

	mu           sync.RWMutex
	healthy      bool
	failureCount int

	maxFailures int
}

// ErrRedisUnavailable signals that Redis is down and the caller should use
// its degraded path.
var ErrRedisUnavailable = fmt.Errorf("redis unavailable")

// NewRedisClient connects to Redis from REDIS_URL. A failed initial
// connection returns the client in degraded mode rather than an error.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*RedisClient, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rc := &RedisClient{
		client:      redis.NewClient(opts),
		maxFailures: 3,
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.client.Ping(pingCtx).Err(); err != nil {
		return rc, nil // degraded mode
	}
	rc.healthy = true
	return rc, nil
}

// Close closes the underlying connection pool.
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// IsHealthy reports whether Redis is currently reachable.
func (rc *RedisClient) IsHealthy() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.healthy
}

func (rc *RedisClient) recordFailure() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.failureCount++
	if rc.failureCount >= rc.maxFailures {
		rc.healthy = false
	}
}

func (rc *RedisClient) recordSuccess() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.failureCount = 0
	rc.healthy = true
}

// ============================================================================
// LOCKS
// ============================================================================

// AcquireLock takes a short-lived lock (SET NX EX). When Redis is down the
// lock always reports acquired: losing mutual exclusion is preferable to
// halting all execution.
func (rc *RedisClient) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := rc.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		rc.recordFailure()
		return true, nil
	}
	rc.recordSuccess()
	return ok, nil
}

// ReleaseLock releases a lock only if still held by owner.
func (rc *RedisClient) ReleaseLock(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, rc.client, []string{key}, owner).Err(); err != nil && err != redis.Nil {
		rc.recordFailure()
		return err
	}
	rc.recordSuccess()
	return nil
}

// ============================================================================
// CACHE
// ============================================================================

// CacheGet reads a cached value; a miss or a Redis failure both return
// ("", false).
func (rc *RedisClient) CacheGet(ctx context.Context, key string) (string, bool) {
	val, err := rc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		rc.recordSuccess()
		return "", false
	}
	if err != nil {
		rc.recordFailure()
		return "", false
	}
	rc.recordSuccess()
	return val, true
}

// CacheSet stores a value with a TTL, best-effort.
func (rc *RedisClient) CacheSet(ctx context.Context, key, value string, ttl time.Duration) {
	if err := rc.client.Set(ctx, key, value, ttl).Err(); err != nil {
		rc.recordFailure()
		return
	}
	rc.recordSuccess()
}

// ============================================================================
// WORK QUEUES
// ============================================================================

// Enqueue pushes a job onto a list queue.
func (rc *RedisClient) Enqueue(ctx context.Context, queue string, job QueueJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := rc.client.LPush(ctx, queue, payload).Err(); err != nil {
		rc.recordFailure()
		return ErrRedisUnavailable
	}
	rc.recordSuccess()
	return nil
}

// Dequeue blocks up to timeout for the next job on a queue. Returns
// (nil, nil) on timeout.
func (rc *RedisClient) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*QueueJob, error) {
	res, err := rc.client.BRPop(ctx, timeout, queue).Result()
	if err == redis.Nil {
		rc.recordSuccess()
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		rc.recordFailure()
		return nil, ErrRedisUnavailable
	}
	rc.recordSuccess()

	// BRPop returns [queue, payload]
	var job QueueJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// QueueDepth returns the number of pending jobs on a queue.
func (rc *RedisClient) QueueDepth(ctx context.Context, queue string) (int64, error) {
	n, err := rc.client.LLen(ctx, queue).Result()
	if err != nil {
		rc.recordFailure()
		return 0, ErrRedisUnavailable
	}
	rc.recordSuccess()
	return n, nil
}
