// Package cache is a Redis read-through cache for rating aggregates.
//
// Redis is an optimisation only: every failure degrades to a miss and is
// recorded on a circuit breaker, which skips Redis entirely while open.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/Clark-Hu/rateable/internal/domain"
	"github.com/Clark-Hu/rateable/internal/metrics"
	"github.com/Clark-Hu/rateable/internal/rating"
)

const (
	DefaultTTL    = 30 * time.Second
	DefaultPrefix = "rateable:aggregate:"
)

// Options configures a Cache. Zero values select defaults.
type Options struct {
	TTL     time.Duration
	Prefix  string
	Logger  *slog.Logger
	Metrics *metrics.CacheMetrics
	// Breaker overrides the default circuit breaker.
	Breaker circuitbreaker.CircuitBreaker[any]
}

// Cache implements rating.AggregateCache on Redis.
type Cache struct {
	rdb     *goredis.Client
	ttl     time.Duration
	prefix  string
	logger  *slog.Logger
	metrics *metrics.CacheMetrics
	cb      circuitbreaker.CircuitBreaker[any]
	group   singleflight.Group
}

var _ rating.AggregateCache = (*Cache)(nil)

// NewClient parses a redis:// URL and verifies the connection.
func NewClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// New wraps rdb.
func New(rdb *goredis.Client, opts Options) *Cache {
	c := &Cache{
		rdb:     rdb,
		ttl:     opts.TTL,
		prefix:  opts.Prefix,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		cb:      opts.Breaker,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.prefix == "" {
		c.prefix = DefaultPrefix
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.cb == nil {
		c.cb = NewBreaker(c.logger, c.metrics)
	}
	return c
}

// NewBreaker opens after 60% failures over at least 5 calls in 10s and probes
// again after 30s.
func NewBreaker(logger *slog.Logger, m *metrics.CacheMetrics) circuitbreaker.CircuitBreaker[any] {
	return circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			logger.Warn("circuit breaker state changed",
				"component", "aggregate-cache",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			if m != nil {
				m.BreakerState.Set(stateToFloat(e.NewState))
			}
		}).
		Build()
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

type entry struct {
	Votes     int64     `json:"votes"`
	Total     int64     `json:"total"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	// Tombstone entries fence out writes of older versions after an
	// invalidation; reads treat them as misses.
	Tombstone bool `json:"tombstone,omitempty"`
}

// storeIfNotOlder writes ARGV[1] unless the current value carries a higher
// version than ARGV[2]. Unparseable current values are overwritten.
var storeIfNotOlder = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, e = pcall(cjson.decode, cur)
  if ok and type(e) == 'table' and tonumber(e.version) and tonumber(e.version) > tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// Get returns the cached aggregate of ref. Concurrent lookups of the same
// key share one Redis round trip, detached from the first caller's
// cancellation.
func (c *Cache) Get(ctx context.Context, ref domain.ResourceRef) (*domain.Aggregate, bool) {
	key := c.key(ref)
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key, func() (any, error) {
		var payload []byte
		err := c.guard(func() error {
			var err error
			payload, err = c.rdb.Get(shared, key).Bytes()
			return err
		})
		return payload, err
	})

	switch {
	case errors.Is(err, goredis.Nil):
		c.count("miss")
		return nil, false
	case errors.Is(err, circuitbreaker.ErrOpen):
		c.count("bypass")
		return nil, false
	case err != nil:
		c.count("error")
		c.logger.Debug("aggregate cache read failed", "key", key, "error", err)
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(v.([]byte), &e); err != nil {
		c.count("error")
		c.logger.Warn("discarding corrupt aggregate cache entry", "key", key, "error", err)
		c.drop(ctx, key)
		return nil, false
	}
	if e.Tombstone {
		c.count("miss")
		return nil, false
	}

	c.count("hit")
	return &domain.Aggregate{
		Resource:  ref,
		Votes:     e.Votes,
		Total:     e.Total,
		Version:   e.Version,
		UpdatedAt: e.UpdatedAt,
	}, true
}

// Set stores agg for the configured TTL unless the cache already holds a
// newer version or a tombstone above agg.Version.
func (c *Cache) Set(ctx context.Context, agg *domain.Aggregate) {
	c.write(ctx, agg.Resource, entry{
		Votes:     agg.Votes,
		Total:     agg.Total,
		Version:   agg.Version,
		UpdatedAt: agg.UpdatedAt,
	})
}

// Invalidate replaces the cached aggregate of ref with a tombstone at
// version, so a reader that fetched an older aggregate before the write
// committed cannot re-populate the cache with it.
func (c *Cache) Invalidate(ctx context.Context, ref domain.ResourceRef, version int64) {
	c.write(ctx, ref, entry{Version: version, Tombstone: true})
}

func (c *Cache) write(ctx context.Context, ref domain.ResourceRef, e entry) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	key := c.key(ref)
	if err := c.guard(func() error {
		return storeIfNotOlder.Run(ctx, c.rdb, []string{key}, payload, e.Version, c.ttl.Milliseconds()).Err()
	}); err != nil {
		level := slog.LevelDebug
		if e.Tombstone {
			level = slog.LevelWarn
		}
		c.logger.Log(ctx, level, "aggregate cache write failed", "key", key, "tombstone", e.Tombstone, "error", err)
	}
}

func (c *Cache) drop(ctx context.Context, key string) {
	if err := c.guard(func() error {
		return c.rdb.Del(ctx, key).Err()
	}); err != nil {
		c.logger.Warn("aggregate cache delete failed", "key", key, "error", err)
	}
}

// State reports the circuit breaker state.
func (c *Cache) State() circuitbreaker.State {
	return c.cb.State()
}

func (c *Cache) key(ref domain.ResourceRef) string {
	return c.prefix + ref.String()
}

// guard runs fn under the circuit breaker. Misses and caller cancellations
// say nothing about Redis health and count as successes.
func (c *Cache) guard(fn func() error) error {
	if !c.cb.TryAcquirePermit() {
		return circuitbreaker.ErrOpen
	}
	err := fn()
	if countsAsFailure(err) {
		c.cb.RecordError(err)
	} else {
		c.cb.RecordSuccess()
	}
	return err
}

func countsAsFailure(err error) bool {
	return err != nil &&
		!errors.Is(err, goredis.Nil) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (c *Cache) count(result string) {
	if c.metrics != nil {
		c.metrics.Requests.WithLabelValues(result).Inc()
	}
}
