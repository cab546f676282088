package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/alexxvedo/TFG-RealTime/internal/logging"
)

const (
	failureThreshold     = 5
	breakerResetTimeout  = 30 * time.Second
	maxReconnectAttempts = 10
	baseReconnectDelay   = time.Second
	exhaustedHoldOff     = time.Minute
	exhaustedRetryDelay  = 5 * time.Minute
	cacheSweepInterval   = 60 * time.Second

	healthyLatency = 100 * time.Millisecond
)

// Sentinel errors returned by store operations.
var (
	// ErrUnavailable is returned when the circuit breaker is open or the
	// client has not (re)connected yet. Callers degrade to local-only state.
	ErrUnavailable = errors.New("shared store unavailable")
)

// HealthStatus classifies the outcome of a health probe.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Health is the result of a HealthCheck probe.
type Health struct {
	Status       HealthStatus  `json:"status"`
	ResponseTime time.Duration `json:"responseTime"`
	Error        string        `json:"error,omitempty"`
}

// Stats is a point-in-time view of client internals, consumed by the metrics
// registry.
type Stats struct {
	Connected         bool   `json:"connected"`
	BreakerState      string `json:"breakerState"`
	ReconnectAttempts int64  `json:"reconnectAttempts"`
	CacheHits         int64  `json:"cacheHits"`
	CacheMisses       int64  `json:"cacheMisses"`
	CacheSize         int    `json:"cacheSize"`
}

// Options configures a Client.
type Options struct {
	Addr         string
	Password     string
	CacheTTL     time.Duration
	CacheEntries int
	Logger       zerolog.Logger
}

// Client wraps the remote key-value + pub/sub store with a bounded local
// read-through cache, a circuit breaker, and automatic reconnection with
// jittered exponential backoff.
//
// All public operations return errors instead of panicking; transport errors
// feed the breaker, and once it opens every call short-circuits with
// ErrUnavailable until the reset timeout elapses.
type Client struct {
	rdb     *redis.Client
	breaker *gobreaker.CircuitBreaker
	cache   *localCache
	logger  zerolog.Logger

	connected         atomic.Bool
	reconnectAttempts atomic.Int64
	reconnectKick     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a store client and starts its background loops
// (reconnector and cache sweeper). It does not block on the first connection;
// operations fail soft until the store becomes reachable.
func NewClient(opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			// The client owns retry behavior; per-command retries would
			// double-count failures in the breaker.
			MaxRetries: -1,
		}),
		cache:         newLocalCache(opts.CacheEntries, opts.CacheTTL),
		logger:        opts.Logger.With().Str("component", "store").Logger(),
		reconnectKick: make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "shared-store",
		Timeout: breakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Store circuit breaker state changed")
		},
	})

	c.wg.Add(2)
	go c.reconnectLoop()
	go c.cacheSweepLoop()

	c.kickReconnect()

	return c
}

// Close shuts down background loops and the underlying connection.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()
	return c.rdb.Close()
}

// execute runs op through the circuit breaker. A transport failure marks the
// client disconnected and wakes the reconnector.
func (c *Client) execute(op func() (any, error)) (any, error) {
	result, err := c.breaker.Execute(op)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrUnavailable
		}
		if isConnError(err) {
			if c.connected.CompareAndSwap(true, false) {
				c.logger.Warn().Err(err).Msg("Lost connection to shared store")
			}
			c.kickReconnect()
		}
		return nil, err
	}
	return result, nil
}

func isConnError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	// redis protocol errors (wrong type, etc.) are not transport failures
	var redisErr redis.Error
	return !errors.As(err, &redisErr)
}

// encode serializes a value for storage. Strings pass through as-is;
// everything else is JSON-encoded.
func encode(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("encode value: %w", err)
		}
		return string(data), nil
	}
}

// Set writes a value with an optional TTL (ttl <= 0 means no expiry) and
// updates the local cache.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	encoded, err := encode(value)
	if err != nil {
		return err
	}

	_, err = c.execute(func() (any, error) {
		if ttl > 0 {
			return nil, c.rdb.Set(ctx, key, encoded, ttl).Err()
		}
		return nil, c.rdb.Set(ctx, key, encoded, 0).Err()
	})
	if err != nil {
		return err
	}

	c.cache.put(key, encoded)
	return nil
}

// Get reads a value through the local cache. The boolean reports whether the
// key exists.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	if value, ok := c.cache.get(key); ok {
		return value, true, nil
	}
	return c.GetBypass(ctx, key)
}

// GetBypass reads a value from the store directly, skipping the cache read
// (the result still populates the cache).
func (c *Client) GetBypass(ctx context.Context, key string) (string, bool, error) {
	result, err := c.execute(func() (any, error) {
		value, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return value, nil
	})
	if err != nil {
		return "", false, err
	}
	if result == nil {
		return "", false, nil
	}

	value := result.(string)
	c.cache.put(key, value)
	return value, true, nil
}

// GetJSON reads a value and decodes it into dst. Missing keys return
// (false, nil) without touching dst.
func (c *Client) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	value, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(value), dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Delete removes keys from the store and the cache.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.execute(func() (any, error) {
		return nil, c.rdb.Del(ctx, keys...).Err()
	})
	for _, key := range keys {
		c.cache.evict(key)
	}
	return err
}

// MGet reads multiple keys in one round trip. Missing keys map to absent
// entries in the result.
func (c *Client) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	result, err := c.execute(func() (any, error) {
		return c.rdb.MGet(ctx, keys...).Result()
	})
	if err != nil {
		return nil, err
	}

	values := result.([]any)
	out := make(map[string]string, len(keys))
	for i, v := range values {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
			c.cache.put(keys[i], s)
		}
	}
	return out, nil
}

// MSet writes multiple key/value pairs in one round trip.
func (c *Client) MSet(ctx context.Context, pairs map[string]any) error {
	if len(pairs) == 0 {
		return nil
	}
	flat := make([]any, 0, len(pairs)*2)
	encoded := make(map[string]string, len(pairs))
	for key, value := range pairs {
		s, err := encode(value)
		if err != nil {
			return err
		}
		flat = append(flat, key, s)
		encoded[key] = s
	}

	_, err := c.execute(func() (any, error) {
		return nil, c.rdb.MSet(ctx, flat...).Err()
	})
	if err != nil {
		return err
	}
	for key, value := range encoded {
		c.cache.put(key, value)
	}
	return nil
}

// Incr atomically increments a numeric key and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	result, err := c.execute(func() (any, error) {
		return c.rdb.Incr(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	n := result.(int64)
	c.cache.put(key, fmt.Sprintf("%d", n))
	return n, nil
}

// Expire sets a TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.execute(func() (any, error) {
		return nil, c.rdb.Expire(ctx, key, ttl).Err()
	})
	return err
}

// Keys returns keys matching a glob pattern. Results are not cached; patterns
// are used for scope enumeration where freshness matters.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	result, err := c.execute(func() (any, error) {
		return c.rdb.Keys(ctx, pattern).Result()
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

// Publish sends a payload on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, payload any) error {
	encoded, err := encode(payload)
	if err != nil {
		return err
	}
	_, err = c.execute(func() (any, error) {
		return nil, c.rdb.Publish(ctx, channel, encoded).Err()
	})
	return err
}

// HealthCheck probes the store with a PING and classifies the round trip:
// healthy (<100ms), degraded (>=100ms), unhealthy (breaker open, not
// connected, or error).
func (c *Client) HealthCheck(ctx context.Context) Health {
	if c.breaker.State() == gobreaker.StateOpen {
		return Health{Status: StatusUnhealthy, Error: "circuit breaker open"}
	}

	start := time.Now()
	_, err := c.execute(func() (any, error) {
		return nil, c.rdb.Ping(ctx).Err()
	})
	elapsed := time.Since(start)

	if err != nil {
		return Health{Status: StatusUnhealthy, ResponseTime: elapsed, Error: err.Error()}
	}

	c.connected.Store(true)
	if elapsed >= healthyLatency {
		return Health{Status: StatusDegraded, ResponseTime: elapsed}
	}
	return Health{Status: StatusHealthy, ResponseTime: elapsed}
}

// ConfigureCache applies a runtime cache reconfiguration and returns the
// effective config.
func (c *Client) ConfigureCache(enabled *bool, ttl *time.Duration) CacheConfig {
	c.cache.configure(enabled, ttl)
	cfg := c.cache.config()
	c.logger.Info().
		Bool("enabled", cfg.Enabled).
		Dur("ttl", cfg.TTL).
		Msg("Store cache reconfigured")
	return cfg
}

// CacheInfo returns the current cache configuration without changing it.
func (c *Client) CacheInfo() CacheConfig {
	return c.cache.config()
}

// GetStats returns internals for the metrics registry.
func (c *Client) GetStats() Stats {
	return Stats{
		Connected:         c.connected.Load(),
		BreakerState:      c.breaker.State().String(),
		ReconnectAttempts: c.reconnectAttempts.Load(),
		CacheHits:         c.cache.hits.Load(),
		CacheMisses:       c.cache.misses.Load(),
		CacheSize:         c.cache.entries.Len(),
	}
}

func (c *Client) kickReconnect() {
	select {
	case c.reconnectKick <- struct{}{}:
	default:
	}
}

// reconnectDelay computes the backoff before attempt n (1-based):
// base * 1.5^(n-1) plus up to 30% jitter.
func reconnectDelay(attempt int64) time.Duration {
	backoff := float64(baseReconnectDelay) * math.Pow(1.5, float64(attempt-1))
	jitter := backoff * 0.3 * rand.Float64()
	return time.Duration(backoff + jitter)
}

// reconnectLoop establishes and re-establishes the store connection. Each
// failed attempt backs off exponentially with jitter; after
// maxReconnectAttempts the loop holds off for a minute, then retries on a
// 5-minute cadence with the attempt counter reset.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	defer logging.RecoverPanic(c.logger, "store.reconnectLoop", nil)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reconnectKick:
		}

		if c.connected.Load() {
			continue
		}

		for !c.connected.Load() {
			attempt := c.reconnectAttempts.Add(1)
			if attempt > maxReconnectAttempts {
				c.logger.Error().
					Int64("attempts", attempt-1).
					Msg("Reconnect attempts exhausted, holding off")
				if !c.sleep(exhaustedHoldOff) {
					return
				}
				if !c.sleep(exhaustedRetryDelay - exhaustedHoldOff) {
					return
				}
				c.reconnectAttempts.Store(0)
				continue
			}

			pingCtx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
			err := c.rdb.Ping(pingCtx).Err()
			cancel()

			if err == nil {
				c.connected.Store(true)
				c.reconnectAttempts.Store(0)
				c.logger.Info().Msg("Connected to shared store")
				break
			}

			delay := reconnectDelay(attempt)
			c.logger.Warn().
				Err(err).
				Int64("attempt", attempt).
				Dur("retry_in", delay).
				Msg("Shared store connection failed")
			if !c.sleep(delay) {
				return
			}
		}
	}
}

// sleep waits for d or until shutdown; reports false on shutdown.
func (c *Client) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// cacheSweepLoop evicts expired cache entries every minute.
func (c *Client) cacheSweepLoop() {
	defer c.wg.Done()
	defer logging.RecoverPanic(c.logger, "store.cacheSweepLoop", nil)

	ticker := time.NewTicker(cacheSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if removed := c.cache.sweep(); removed > 0 {
				c.logger.Debug().Int("removed", removed).Msg("Swept expired cache entries")
			}
		}
	}
}
