package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/alexxvedo/TFG-RealTime/internal/logging"
)

// ErrRateLimited is returned to handshakes exceeding the connection rate.
var ErrRateLimited = errors.New("too many connections")

// bucket tracks handshake attempts from one IP inside the current window.
type bucket struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

// ConnRateLimiter rejects handshake floods.
//
// Two levels:
//   - Per-IP: fixed window counter (count within the window, reset on expiry).
//   - Global: token bucket smoothing system-wide connection bursts.
//
// A sweeper removes buckets idle for more than two windows.
type ConnRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	window    time.Duration
	maxPerIP  int
	global    *rate.Limiter
	logger    zerolog.Logger
	stopSweep chan struct{}
	stopOnce  sync.Once
	now       func() time.Time
}

// ConnRateLimiterConfig configures the limiter. Zero values pick defaults:
// 60 connections per IP per 60s window, global 100 conn/sec with burst 300.
type ConnRateLimiterConfig struct {
	Window      time.Duration
	MaxPerIP    int
	GlobalRate  float64
	GlobalBurst int
	Logger      zerolog.Logger
}

func NewConnRateLimiter(cfg ConnRateLimiterConfig) *ConnRateLimiter {
	if cfg.Window == 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxPerIP == 0 {
		cfg.MaxPerIP = 60
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 100
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}

	l := &ConnRateLimiter{
		buckets:   make(map[string]*bucket),
		window:    cfg.Window,
		maxPerIP:  cfg.MaxPerIP,
		global:    rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:    cfg.Logger.With().Str("component", "conn_rate_limiter").Logger(),
		stopSweep: make(chan struct{}),
		now:       time.Now,
	}

	go l.sweepLoop()

	return l
}

// Allow reports whether a handshake from ip may proceed.
func (l *ConnRateLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Handshake rejected: global rate limit")
		return false
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok || now.Sub(b.windowStart) >= l.window {
		l.buckets[ip] = &bucket{count: 1, windowStart: now, lastSeen: now}
		return true
	}

	b.lastSeen = now
	b.count++
	if b.count > l.maxPerIP {
		l.logger.Debug().
			Str("ip", ip).
			Int("count", b.count).
			Msg("Handshake rejected: per-IP rate limit")
		return false
	}
	return true
}

// sweepLoop purges buckets idle longer than two windows. Runs every five
// windows.
func (l *ConnRateLimiter) sweepLoop() {
	defer logging.RecoverPanic(l.logger, "auth.rateLimitSweep", nil)

	ticker := time.NewTicker(5 * l.window)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopSweep:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *ConnRateLimiter) sweep() {
	now := l.now()
	idle := 2 * l.window

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, b := range l.buckets {
		if now.Sub(b.lastSeen) > idle {
			delete(l.buckets, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.buckets)).
			Msg("Swept idle rate-limit buckets")
	}
}

// Stop halts the sweeper.
func (l *ConnRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopSweep) })
}

// TrackedIPs returns how many IPs currently hold buckets.
func (l *ConnRateLimiter) TrackedIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
