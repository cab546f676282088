package metrics

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/alexxvedo/TFG-RealTime/internal/logging"
	"github.com/alexxvedo/TFG-RealTime/internal/store"
)

const (
	systemRefreshInterval = 5 * time.Second
	snapshotInterval      = time.Minute
	alertCheckInterval    = time.Minute
	cleanupInterval       = time.Hour

	snapshotRetention = 24 * time.Hour
	maxSnapshots      = int(snapshotRetention / snapshotInterval)
	maxAlerts         = 10
	latencySamples    = 2048

	dailyRollupTTL = 90 * 24 * time.Hour

	// Alert thresholds.
	highLatency      = 500 * time.Millisecond
	highErrorRatePct = 5.0
	highMemoryPct    = 85.0
)

// Snapshot is one minute-granularity metrics sample.
type Snapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	ActiveConnections int64     `json:"activeConnections"`
	TotalConnections  int64     `json:"totalConnections"`
	MessagesPerMinute int64     `json:"messagesPerMinute"`
	ErrorsPerMinute   int64     `json:"errorsPerMinute"`
	MeanLatencyMs     float64   `json:"meanLatencyMs"`
	P95LatencyMs      float64   `json:"p95LatencyMs"`
	HeapPct           float64   `json:"heapPct"`
	CPUPct            float64   `json:"cpuPct"`
	ActiveWorkspaces  int       `json:"activeWorkspaces"`
	StoreStatus       string    `json:"storeStatus"`
}

// Alert records a threshold breach. The queue keeps the 10 most recent.
type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
}

// Registry aggregates gateway metrics: lock-free counters where possible,
// one mutex over the nested maps, and a bounded history of snapshots and
// alerts. It also feeds the Prometheus collectors.
type Registry struct {
	logger zerolog.Logger
	store  *store.Client

	startTime time.Time

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
	totalMessages     atomic.Int64
	totalErrors       atomic.Int64

	mu                  sync.Mutex
	peakConnections     int64
	peakAt              time.Time
	messagesByType      map[string]int64
	errorsByType        map[string]int64
	byUserAgent         map[string]int64
	byCountry           map[string]int64
	disconnectsByReason map[string]int64
	latencies           []time.Duration // bounded ring of recent samples
	latencyPos          int

	// per-minute deltas, reset by the snapshot loop
	minuteMessages atomic.Int64
	minuteErrors   atomic.Int64

	// refreshed by the system loop
	sysMu       sync.RWMutex
	cpuPct      float64
	rssBytes    uint64
	heapBytes   uint64
	heapPct     float64
	storeHealth store.Health

	snapshots []Snapshot
	alerts    []Alert

	workspaceCounter func() int

	promReg *prometheus.Registry
	prom    promCollectors
}

type promCollectors struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	messagesTotal     *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	messageLatency    prometheus.Histogram
	workspacesActive  prometheus.Gauge
}

// NewRegistry creates the registry and its Prometheus collectors.
func NewRegistry(st *store.Client, logger zerolog.Logger) *Registry {
	r := &Registry{
		logger:              logger.With().Str("component", "metrics").Logger(),
		store:               st,
		startTime:           time.Now(),
		messagesByType:      make(map[string]int64),
		errorsByType:        make(map[string]int64),
		byUserAgent:         make(map[string]int64),
		byCountry:           make(map[string]int64),
		disconnectsByReason: make(map[string]int64),
		latencies:           make([]time.Duration, 0, latencySamples),
		promReg:             prometheus.NewRegistry(),
	}

	factory := promauto.With(r.promReg)
	r.prom = promCollectors{
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total accepted WebSocket connections",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Currently open WebSocket connections",
		}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_messages_total",
			Help: "Processed inbound events by type",
		}, []string{"event"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Handler errors by kind",
		}, []string{"kind"}),
		messageLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_message_latency_seconds",
			Help:    "Inbound event handling latency",
			Buckets: prometheus.DefBuckets,
		}),
		workspacesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_workspaces_active",
			Help: "Workspaces with at least one present session",
		}),
	}

	return r
}

// PromHandler exposes the Prometheus registry over HTTP.
func (r *Registry) PromHandler() http.Handler {
	return promhttp.HandlerFor(r.promReg, promhttp.HandlerOpts{})
}

// SetWorkspaceCounter wires the presence engine's live-workspace count into
// the gauge refresh.
func (r *Registry) SetWorkspaceCounter(fn func() int) {
	r.workspaceCounter = fn
}

// ConnectionOpened records an admitted session.
func (r *Registry) ConnectionOpened(userAgent, country string) {
	r.totalConnections.Add(1)
	active := r.activeConnections.Add(1)
	r.prom.connectionsTotal.Inc()
	r.prom.connectionsActive.Set(float64(active))

	if userAgent == "" {
		userAgent = "unknown"
	}
	if country == "" {
		country = "unknown"
	}

	r.mu.Lock()
	r.byUserAgent[shortUserAgent(userAgent)]++
	r.byCountry[country]++
	if active > r.peakConnections {
		r.peakConnections = active
		r.peakAt = time.Now()
	}
	r.mu.Unlock()
}

// ConnectionClosed records a session teardown with its reason.
func (r *Registry) ConnectionClosed(reason string, duration time.Duration) {
	active := r.activeConnections.Add(-1)
	r.prom.connectionsActive.Set(float64(active))

	r.mu.Lock()
	r.disconnectsByReason[reason]++
	r.mu.Unlock()
}

// MessageProcessed records one handled inbound event and its latency.
func (r *Registry) MessageProcessed(event string, latency time.Duration) {
	r.totalMessages.Add(1)
	r.minuteMessages.Add(1)
	r.prom.messagesTotal.WithLabelValues(event).Inc()
	r.prom.messageLatency.Observe(latency.Seconds())

	r.mu.Lock()
	r.messagesByType[event]++
	if len(r.latencies) < latencySamples {
		r.latencies = append(r.latencies, latency)
	} else {
		r.latencies[r.latencyPos] = latency
		r.latencyPos = (r.latencyPos + 1) % latencySamples
	}
	r.mu.Unlock()
}

// ErrorOccurred counts a handler or handshake error by kind.
func (r *Registry) ErrorOccurred(kind, details string) {
	r.totalErrors.Add(1)
	r.minuteErrors.Add(1)
	r.prom.errorsTotal.WithLabelValues(kind).Inc()

	r.mu.Lock()
	r.errorsByType[kind]++
	r.mu.Unlock()

	r.logger.Debug().Str("kind", kind).Str("details", details).Msg("Error recorded")
}

// latencyStats computes mean and p95 over the sample window. Caller holds mu.
func (r *Registry) latencyStatsLocked() (mean, p95 float64) {
	n := len(r.latencies)
	if n == 0 {
		return 0, 0
	}

	sorted := make([]time.Duration, n)
	copy(sorted, r.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean = float64(sum.Milliseconds()) / float64(n)

	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	p95 = float64(sorted[idx].Microseconds()) / 1000.0
	return mean, p95
}

func shortUserAgent(ua string) string {
	if len(ua) > 64 {
		return ua[:64]
	}
	return ua
}

// Start launches the periodic loops: system refresh (5s), snapshot (1m),
// alert check (1m), cleanup + daily roll-up (1h). They stop when ctx ends.
func (r *Registry) Start(ctx context.Context) {
	go r.loop(ctx, "metrics.system", systemRefreshInterval, r.refreshSystem)
	go r.loop(ctx, "metrics.snapshot", snapshotInterval, r.takeSnapshot)
	go r.loop(ctx, "metrics.alerts", alertCheckInterval, r.checkAlerts)
	go r.loop(ctx, "metrics.cleanup", cleanupInterval, func() { r.cleanup(ctx) })
}

func (r *Registry) loop(ctx context.Context, name string, interval time.Duration, fn func()) {
	defer logging.RecoverPanic(r.logger, name, nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// refreshSystem samples process CPU/memory and probes store health.
func (r *Registry) refreshSystem() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var cpuPct float64
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if pct, err := proc.CPUPercent(); err == nil {
			cpuPct = pct
		}
	} else if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	health := r.store.HealthCheck(ctx)
	cancel()

	heapPct := 0.0
	if memStats.HeapSys > 0 {
		heapPct = float64(memStats.HeapAlloc) / float64(memStats.HeapSys) * 100
	}

	r.sysMu.Lock()
	r.cpuPct = cpuPct
	r.rssBytes = memStats.Sys
	r.heapBytes = memStats.HeapAlloc
	r.heapPct = heapPct
	r.storeHealth = health
	r.sysMu.Unlock()

	if r.workspaceCounter != nil {
		r.prom.workspacesActive.Set(float64(r.workspaceCounter()))
	}
}

// takeSnapshot appends a minute sample and resets the per-minute deltas.
func (r *Registry) takeSnapshot() {
	r.sysMu.RLock()
	heapPct, cpuPct := r.heapPct, r.cpuPct
	storeStatus := string(r.storeHealth.Status)
	r.sysMu.RUnlock()

	workspaces := 0
	if r.workspaceCounter != nil {
		workspaces = r.workspaceCounter()
	}

	r.mu.Lock()
	mean, p95 := r.latencyStatsLocked()
	snap := Snapshot{
		Timestamp:         time.Now(),
		ActiveConnections: r.activeConnections.Load(),
		TotalConnections:  r.totalConnections.Load(),
		MessagesPerMinute: r.minuteMessages.Swap(0),
		ErrorsPerMinute:   r.minuteErrors.Swap(0),
		MeanLatencyMs:     mean,
		P95LatencyMs:      p95,
		HeapPct:           heapPct,
		CPUPct:            cpuPct,
		ActiveWorkspaces:  workspaces,
		StoreStatus:       storeStatus,
	}
	r.snapshots = append(r.snapshots, snap)
	if len(r.snapshots) > maxSnapshots {
		r.snapshots = r.snapshots[len(r.snapshots)-maxSnapshots:]
	}
	r.mu.Unlock()
}

// checkAlerts evaluates the thresholds against the latest state.
func (r *Registry) checkAlerts() {
	r.sysMu.RLock()
	heapPct := r.heapPct
	storeStatus := r.storeHealth.Status
	r.sysMu.RUnlock()

	// Rates come from the latest snapshot: the minute counters are swapped
	// to zero by the snapshot loop, so reading them here would cover a
	// nondeterministic fraction of a window.
	r.mu.Lock()
	mean, _ := r.latencyStatsLocked()
	var messages, errors int64
	if n := len(r.snapshots); n > 0 {
		messages = r.snapshots[n-1].MessagesPerMinute
		errors = r.snapshots[n-1].ErrorsPerMinute
	}
	r.mu.Unlock()

	errorRate := 0.0
	if messages > 0 {
		errorRate = float64(errors) / float64(messages) * 100
	}

	if mean > float64(highLatency.Milliseconds()) {
		r.raiseAlert("high_latency", "mean message latency above threshold", mean, float64(highLatency.Milliseconds()))
	}
	if errorRate > highErrorRatePct {
		r.raiseAlert("high_error_rate", "error rate above threshold", errorRate, highErrorRatePct)
	}
	if heapPct > highMemoryPct {
		r.raiseAlert("high_memory", "heap usage above threshold", heapPct, highMemoryPct)
	}
	if storeStatus == store.StatusUnhealthy || storeStatus == store.StatusDegraded {
		r.raiseAlert("store_"+string(storeStatus), "shared store health degraded", 0, 0)
	}
}

func (r *Registry) raiseAlert(kind, message string, value, threshold float64) {
	alert := Alert{
		Timestamp: time.Now(),
		Kind:      kind,
		Message:   message,
		Value:     value,
		Threshold: threshold,
	}

	r.mu.Lock()
	r.alerts = append(r.alerts, alert)
	if len(r.alerts) > maxAlerts {
		r.alerts = r.alerts[len(r.alerts)-maxAlerts:]
	}
	r.mu.Unlock()

	r.logger.Warn().
		Str("kind", kind).
		Float64("value", value).
		Float64("threshold", threshold).
		Msg(message)
}

// cleanup trims expired snapshots and persists the daily roll-up to the
// shared store with a 90-day TTL.
func (r *Registry) cleanup(ctx context.Context) {
	cutoff := time.Now().Add(-snapshotRetention)

	r.mu.Lock()
	kept := r.snapshots[:0]
	for _, snap := range r.snapshots {
		if snap.Timestamp.After(cutoff) {
			kept = append(kept, snap)
		}
	}
	r.snapshots = kept
	r.mu.Unlock()

	rollup := r.Summary(false)
	key := "metrics:daily:" + time.Now().UTC().Format("2006-01-02")

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.store.Set(opCtx, key, rollup, dailyRollupTTL); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("Failed to persist daily metrics roll-up")
	}
}

// Summary builds the JSON metrics report. The detailed form adds the nested
// breakdowns and recent snapshots.
func (r *Registry) Summary(detailed bool) map[string]any {
	r.sysMu.RLock()
	cpuPct, heapPct := r.cpuPct, r.heapPct
	rss, heap := r.rssBytes, r.heapBytes
	storeHealth := r.storeHealth
	r.sysMu.RUnlock()

	r.mu.Lock()
	mean, p95 := r.latencyStatsLocked()
	peak, peakAt := r.peakConnections, r.peakAt
	var messagesByType, errorsByType, byUA, byCountry, byReason map[string]int64
	var snapshots []Snapshot
	var alerts []Alert
	if detailed {
		messagesByType = copyCounts(r.messagesByType)
		errorsByType = copyCounts(r.errorsByType)
		byUA = copyCounts(r.byUserAgent)
		byCountry = copyCounts(r.byCountry)
		byReason = copyCounts(r.disconnectsByReason)
		snapshots = append([]Snapshot(nil), r.snapshots...)
		alerts = append([]Alert(nil), r.alerts...)
	}
	r.mu.Unlock()

	workspaces := 0
	if r.workspaceCounter != nil {
		workspaces = r.workspaceCounter()
	}

	storeStats := r.store.GetStats()

	summary := map[string]any{
		"uptime":            time.Since(r.startTime).Seconds(),
		"totalConnections":  r.totalConnections.Load(),
		"activeConnections": r.activeConnections.Load(),
		"peakConnections":   peak,
		"peakAt":            peakAt,
		"totalMessages":     r.totalMessages.Load(),
		"totalErrors":       r.totalErrors.Load(),
		"activeWorkspaces":  workspaces,
		"latency": map[string]any{
			"meanMs": mean,
			"p95Ms":  p95,
		},
		"system": map[string]any{
			"cpuPct":    cpuPct,
			"rssBytes":  rss,
			"heapBytes": heap,
			"heapPct":   heapPct,
		},
		"store": map[string]any{
			"status":       storeHealth.Status,
			"breakerState": storeStats.BreakerState,
			"cacheHits":    storeStats.CacheHits,
			"cacheMisses":  storeStats.CacheMisses,
			"cacheSize":    storeStats.CacheSize,
		},
	}

	if detailed {
		summary["messagesByType"] = messagesByType
		summary["errorsByType"] = errorsByType
		summary["byUserAgent"] = byUA
		summary["byCountry"] = byCountry
		summary["disconnectsByReason"] = byReason
		summary["snapshots"] = snapshots
		summary["alerts"] = alerts
	}

	return summary
}

// PerformanceReport condenses the snapshot history into rates and trends.
func (r *Registry) PerformanceReport() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	mean, p95 := r.latencyStatsLocked()

	var totalMsgs, totalErrs int64
	for _, snap := range r.snapshots {
		totalMsgs += snap.MessagesPerMinute
		totalErrs += snap.ErrorsPerMinute
	}

	minutes := len(r.snapshots)
	msgRate := 0.0
	if minutes > 0 {
		msgRate = float64(totalMsgs) / float64(minutes)
	}
	errorRate := 0.0
	if totalMsgs > 0 {
		errorRate = float64(totalErrs) / float64(totalMsgs) * 100
	}

	return map[string]any{
		"windowMinutes":     minutes,
		"messagesPerMinute": msgRate,
		"errorRatePct":      errorRate,
		"meanLatencyMs":     mean,
		"p95LatencyMs":      p95,
		"peakConnections":   r.peakConnections,
		"recentAlerts":      append([]Alert(nil), r.alerts...),
	}
}

// Alerts returns the bounded alert queue, newest last.
func (r *Registry) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// StoreHealth returns the most recent health probe result.
func (r *Registry) StoreHealth() store.Health {
	r.sysMu.RLock()
	defer r.sysMu.RUnlock()
	return r.storeHealth
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
