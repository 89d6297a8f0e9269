package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"tradebot-platform/config"
)

// fakeStore stands in for redis. When fillAfter is positive the cache
// fills itself with fillValue after that many misses, simulating another
// worker finishing its provider call mid-wait.
type fakeStore struct {
	mu        sync.Mutex
	cache     map[string]string
	lockFree  bool
	getCalls  int
	fillAfter int
	fillValue string
	acquired  int
	released  int
}

func (s *fakeStore) CacheGet(ctx context.Context, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.fillAfter > 0 && s.getCalls > s.fillAfter {
		if s.cache == nil {
			s.cache = map[string]string{}
		}
		s.cache[key] = s.fillValue
	}
	v, ok := s.cache[key]
	return v, ok
}

func (s *fakeStore) CacheSet(ctx context.Context, key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		s.cache = map[string]string{}
	}
	s.cache[key] = value
}

func (s *fakeStore) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired++
	return s.lockFree, nil
}

func (s *fakeStore) ReleaseLock(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return nil
}

func analyzerConfig() config.LLMConfig {
	return config.LLMConfig{
		Enabled:      true,
		Provider:     "claude",
		ClaudeAPIKey: "test-key",
		LockWait:     250 * time.Millisecond,
	}
}

func TestAnalyzeMarketLockHeldReturnsUnavailable(t *testing.T) {
	store := &fakeStore{lockFree: false}
	a := NewAnalyzer(NewClient(analyzerConfig()), store, analyzerConfig())

	analysis, err := a.AnalyzeMarket(context.Background(), "BTCUSDT",
		[]TimeframeData{{Timeframe: "1h"}})
	if !errors.Is(err, ErrAnalysisUnavailable) {
		t.Fatalf("err = %v, want ErrAnalysisUnavailable", err)
	}
	if analysis != nil {
		t.Errorf("analysis = %+v, want nil when the lock is held", analysis)
	}
	// The holder owns the lock; a waiter must never release it.
	if store.released != 0 {
		t.Errorf("released the lock %d times while waiting", store.released)
	}
}

func TestAnalyzeMarketPicksUpSharedResult(t *testing.T) {
	shared, _ := json.Marshal(&MarketAnalysis{
		Advice: Advice{Action: "BUY", Confidence: 0.7},
		Symbol: "BTCUSDT",
	})
	store := &fakeStore{lockFree: false, fillAfter: 1, fillValue: string(shared)}
	a := NewAnalyzer(NewClient(analyzerConfig()), store, analyzerConfig())

	analysis, err := a.AnalyzeMarket(context.Background(), "BTCUSDT",
		[]TimeframeData{{Timeframe: "1h"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !analysis.Cached {
		t.Error("a result picked up mid-wait must be marked cached")
	}
	if analysis.Action != "BUY" || analysis.Confidence != 0.7 {
		t.Errorf("got %s@%v, want the other worker's BUY@0.7", analysis.Action, analysis.Confidence)
	}
}

func TestAnalyzeMarketCacheHitSkipsLock(t *testing.T) {
	a := NewAnalyzer(NewClient(analyzerConfig()), nil, analyzerConfig())
	a.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	cached, _ := json.Marshal(&MarketAnalysis{
		Advice: Advice{Action: "HOLD", Confidence: 0.5},
		Symbol: "ETHUSDT",
	})
	key := a.cacheKey("ETHUSDT", []TimeframeData{{Timeframe: "4h"}})
	store := &fakeStore{cache: map[string]string{key: string(cached)}}
	a.redis = store

	analysis, err := a.AnalyzeMarket(context.Background(), "ETHUSDT",
		[]TimeframeData{{Timeframe: "4h"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !analysis.Cached || analysis.Action != "HOLD" {
		t.Errorf("got cached=%v action=%s, want the cached HOLD", analysis.Cached, analysis.Action)
	}
	if store.acquired != 0 {
		t.Errorf("took the lock %d times on a cache hit", store.acquired)
	}
}
