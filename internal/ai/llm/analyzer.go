package llm

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"tradebot-platform/config"
	"tradebot-platform/internal/database"
	"tradebot-platform/internal/exchange"
	"tradebot-platform/internal/logging"
)

// ErrAnalysisUnavailable means another worker holds the analysis lock and its
// result never landed in the cache within the lock wait. Callers proceed
// without the advisory rather than stacking provider calls.
var ErrAnalysisUnavailable = errors.New("analysis unavailable: lock held by another worker")

const (
	defaultCacheTTL    = 60 * time.Second
	defaultLockTTL     = 300 * time.Second
	defaultLockWait    = 3 * time.Second
	defaultHardTimeout = 60 * time.Second
	lockPollInterval   = 100 * time.Millisecond
)

// workerIdentity distinguishes lock owners across processes and restarts.
var workerIdentity = fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixNano())

// TimeframeData is one timeframe's candles for analysis, oldest first.
type TimeframeData struct {
	Timeframe string
	Klines    []exchange.Kline
}

// MarketAnalysis is the advisory output for one symbol.
type MarketAnalysis struct {
	Advice
	Symbol      string    `json:"symbol"`
	Cached      bool      `json:"cached"`
	GeneratedAt time.Time `json:"generated_at"`
}

// AdvisoryStore is the slice of redis the analyzer coordinates through.
// *database.RedisClient satisfies it.
type AdvisoryStore interface {
	CacheGet(ctx context.Context, key string) (string, bool)
	CacheSet(ctx context.Context, key, value string, ttl time.Duration)
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}

// Analyzer coordinates model calls with a shared cache and a per-symbol
// lock, so concurrent executions over the same symbol produce one provider
// call instead of many.
type Analyzer struct {
	client *Client
	redis  AdvisoryStore
	cfg    config.LLMConfig
	logger *logging.Logger

	now func() time.Time // stubbed in tests
}

// NewAnalyzer creates an analyzer. redis may be nil, in which case every
// call goes straight to the provider.
func NewAnalyzer(client *Client, redis AdvisoryStore, cfg config.LLMConfig) *Analyzer {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaultLockWait
	}
	return &Analyzer{
		client: client,
		redis:  redis,
		cfg:    cfg,
		logger: logging.Default().WithComponent("llm-analyzer"),
		now:    time.Now,
	}
}

// cacheKey buckets requests to the minute so the whole fleet shares one
// analysis per symbol per minute, regardless of timeframe ordering.
func (a *Analyzer) cacheKey(symbol string, data []TimeframeData) string {
	timeframes := make([]string, 0, len(data))
	for _, tf := range data {
		timeframes = append(timeframes, tf.Timeframe)
	}
	sort.Strings(timeframes)

	h := md5.Sum([]byte(symbol + "|" + strings.Join(timeframes, ",") + "|" +
		a.now().UTC().Truncate(time.Minute).Format("200601021504")))
	return fmt.Sprintf(database.PrefixLLMAnalysis, hex.EncodeToString(h[:]))
}

func (a *Analyzer) readCache(ctx context.Context, key string) *MarketAnalysis {
	if a.redis == nil {
		return nil
	}
	raw, ok := a.redis.CacheGet(ctx, key)
	if !ok {
		return nil
	}
	var analysis MarketAnalysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		return nil
	}
	analysis.Cached = true
	return &analysis
}

// AnalyzeMarket returns the model's read on a symbol. The flow is:
// cache hit -> return; otherwise take the per-symbol lock and call the
// provider; if another worker holds the lock, wait briefly for its result
// to land in the cache and return ErrAnalysisUnavailable if it never does.
// The lock holder is the only worker that talks to the provider.
func (a *Analyzer) AnalyzeMarket(ctx context.Context, symbol string, data []TimeframeData) (*MarketAnalysis, error) {
	if a.client == nil || !a.client.IsConfigured() {
		return nil, fmt.Errorf("llm client not configured")
	}

	key := a.cacheKey(symbol, data)
	if cached := a.readCache(ctx, key); cached != nil {
		a.logger.Debug("analysis cache hit", "symbol", symbol)
		return cached, nil
	}

	lockKey := fmt.Sprintf(database.PrefixLLMLock, symbol)
	locked := true
	if a.redis != nil {
		var err error
		locked, err = a.redis.AcquireLock(ctx, lockKey, workerIdentity, a.cfg.LockTTL)
		if err != nil {
			locked = true // degraded redis never blocks analysis
		}
	}

	if !locked {
		// Another worker is already asking. Poll the cache for its answer.
		deadline := a.now().Add(a.cfg.LockWait)
		for a.now().Before(deadline) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(lockPollInterval):
			}
			if cached := a.readCache(ctx, key); cached != nil {
				return cached, nil
			}
		}
		a.logger.Warn("lock wait expired without a shared result", "symbol", symbol)
		return nil, fmt.Errorf("symbol %s: %w", symbol, ErrAnalysisUnavailable)
	}

	if a.redis != nil {
		defer func() {
			if err := a.redis.ReleaseLock(context.Background(), lockKey, workerIdentity); err != nil {
				a.logger.Warn("failed to release analysis lock", "symbol", symbol, err)
			}
		}()
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultHardTimeout)
	defer cancel()

	raw, err := a.client.Complete(callCtx, analysisSystemPrompt, buildAnalysisPrompt(symbol, data))
	if err != nil {
		return nil, fmt.Errorf("error requesting market analysis: %w", err)
	}

	analysis := &MarketAnalysis{
		Advice:      *ParseAdvice(raw),
		Symbol:      symbol,
		GeneratedAt: a.now().UTC(),
	}

	if a.redis != nil {
		if payload, err := json.Marshal(analysis); err == nil {
			a.redis.CacheSet(ctx, key, string(payload), a.cfg.CacheTTL)
		}
	}

	a.logger.Info("market analysis complete",
		"symbol", symbol, "action", analysis.Action, "confidence", analysis.Confidence)
	return analysis, nil
}

// CapitalAdvice asks the model for a position size within [0, maxPct].
// Implements capital.CapitalAdvisor.
func (a *Analyzer) CapitalAdvice(ctx context.Context, marketContext string, basePct, maxPct float64) (float64, error) {
	if a.client == nil || !a.client.IsConfigured() {
		return 0, fmt.Errorf("llm client not configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultHardTimeout)
	defer cancel()

	raw, err := a.client.Complete(callCtx, capitalSystemPrompt, buildCapitalPrompt(marketContext, basePct, maxPct))
	if err != nil {
		return 0, fmt.Errorf("error requesting capital advice: %w", err)
	}

	pct, err := parseCapitalAdvice(raw)
	if err != nil {
		return 0, err
	}
	if pct < 0 {
		pct = 0
	}
	if pct > maxPct {
		pct = maxPct
	}
	return pct, nil
}

func parseCapitalAdvice(raw string) (float64, error) {
	candidate := raw
	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		candidate = m[1]
	}
	var out struct {
		PositionSizePct json.RawMessage `json:"position_size_pct"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(candidate)), &out); err == nil {
		if v := rawFloat(out.PositionSizePct); v != 0 || string(out.PositionSizePct) == "0" {
			return v, nil
		}
	}
	// Prose fallback: first number near a "size" mention, percent or fraction.
	if m := sizeRe.FindStringSubmatch(raw); m != nil {
		return normalizeConfidence(m[1] + m[2]), nil
	}
	return 0, fmt.Errorf("unparseable capital advice: %q", truncate(raw, 120))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
