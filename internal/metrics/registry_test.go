package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexxvedo/TFG-RealTime/internal/store"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()

	mr := miniredis.RunT(t)
	st := store.NewClient(store.Options{Addr: mr.Addr(), Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = st.Close() })

	return NewRegistry(st, zerolog.Nop())
}

func TestConnectionCounters(t *testing.T) {
	r := newRegistry(t)

	r.ConnectionOpened("Mozilla/5.0", "ES")
	r.ConnectionOpened("Mozilla/5.0", "ES")
	r.ConnectionOpened("curl/8.0", "")

	summary := r.Summary(false)
	assert.EqualValues(t, 3, summary["totalConnections"].(int64))
	assert.EqualValues(t, 3, summary["activeConnections"].(int64))
	assert.EqualValues(t, 3, summary["peakConnections"].(int64))

	r.ConnectionClosed("client_close", time.Minute)
	summary = r.Summary(false)
	assert.EqualValues(t, 2, summary["activeConnections"].(int64))
	// Peak sticks after connections drop.
	assert.EqualValues(t, 3, summary["peakConnections"].(int64))
}

func TestDetailedBreakdowns(t *testing.T) {
	r := newRegistry(t)

	r.ConnectionOpened("Mozilla/5.0", "ES")
	r.MessageProcessed("join_workspace", 2*time.Millisecond)
	r.MessageProcessed("join_workspace", 4*time.Millisecond)
	r.MessageProcessed("new_message", time.Millisecond)
	r.ErrorOccurred("auth_rejected", "bad token")
	r.ConnectionClosed("slow_consumer", time.Second)

	detailed := r.Summary(true)

	messages := detailed["messagesByType"].(map[string]int64)
	assert.EqualValues(t, 2, messages["join_workspace"])
	assert.EqualValues(t, 1, messages["new_message"])

	errors := detailed["errorsByType"].(map[string]int64)
	assert.EqualValues(t, 1, errors["auth_rejected"])

	reasons := detailed["disconnectsByReason"].(map[string]int64)
	assert.EqualValues(t, 1, reasons["slow_consumer"])

	byCountry := detailed["byCountry"].(map[string]int64)
	assert.EqualValues(t, 1, byCountry["ES"])

	// The shallow summary omits the breakdowns.
	shallow := r.Summary(false)
	assert.NotContains(t, shallow, "messagesByType")
}

func TestLatencyStats(t *testing.T) {
	r := newRegistry(t)

	for i := 1; i <= 100; i++ {
		r.MessageProcessed("evt", time.Duration(i)*time.Millisecond)
	}

	r.mu.Lock()
	mean, p95 := r.latencyStatsLocked()
	r.mu.Unlock()

	assert.InDelta(t, 50.5, mean, 1.0)
	assert.InDelta(t, 96.0, p95, 1.0)
}

func TestSnapshotResetsMinuteCounters(t *testing.T) {
	r := newRegistry(t)

	r.MessageProcessed("evt", time.Millisecond)
	r.MessageProcessed("evt", time.Millisecond)
	r.ErrorOccurred("handler", "boom")

	r.takeSnapshot()

	r.mu.Lock()
	require.Len(t, r.snapshots, 1)
	snap := r.snapshots[0]
	r.mu.Unlock()

	assert.EqualValues(t, 2, snap.MessagesPerMinute)
	assert.EqualValues(t, 1, snap.ErrorsPerMinute)

	// Deltas reset; a second snapshot sees a quiet minute.
	r.takeSnapshot()
	r.mu.Lock()
	second := r.snapshots[1]
	r.mu.Unlock()
	assert.EqualValues(t, 0, second.MessagesPerMinute)
}

func TestAlertQueueBounded(t *testing.T) {
	r := newRegistry(t)

	for i := 0; i < maxAlerts+5; i++ {
		r.raiseAlert("high_latency", "test alert", float64(i), 500)
	}

	alerts := r.Alerts()
	require.Len(t, alerts, maxAlerts)
	// Oldest entries dropped, newest kept.
	assert.EqualValues(t, maxAlerts+4, alerts[len(alerts)-1].Value)
	assert.EqualValues(t, 5, alerts[0].Value)
}

func TestHighLatencyAlert(t *testing.T) {
	r := newRegistry(t)

	for i := 0; i < 10; i++ {
		r.MessageProcessed("evt", time.Second)
	}
	r.checkAlerts()

	alerts := r.Alerts()
	require.NotEmpty(t, alerts)
	assert.Equal(t, "high_latency", alerts[0].Kind)
}

func TestErrorRateAlertUsesSnapshotWindow(t *testing.T) {
	r := newRegistry(t)

	for i := 0; i < 100; i++ {
		r.MessageProcessed("evt", time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		r.ErrorOccurred("handler", "boom")
	}

	// The snapshot swaps the minute counters to zero; the alert check must
	// still see the full minute it recorded.
	r.takeSnapshot()
	r.checkAlerts()

	var found *Alert
	for _, a := range r.Alerts() {
		if a.Kind == "high_error_rate" {
			a := a
			found = &a
		}
	}
	require.NotNil(t, found)
	assert.InDelta(t, 10.0, found.Value, 0.01)
}

func TestWorkspaceCounterFeedsSummary(t *testing.T) {
	r := newRegistry(t)
	r.SetWorkspaceCounter(func() int { return 7 })

	summary := r.Summary(false)
	assert.Equal(t, 7, summary["activeWorkspaces"])
}

func TestPromHandlerServesCollectors(t *testing.T) {
	r := newRegistry(t)
	r.ConnectionOpened("ua", "ES")
	r.MessageProcessed("evt", time.Millisecond)

	rec := httptest.NewRecorder()
	r.PromHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics/prom", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "gateway_connections_total 1")
	assert.Contains(t, body, `gateway_messages_total{event="evt"} 1`)
}

func TestPerformanceReport(t *testing.T) {
	r := newRegistry(t)

	r.MessageProcessed("evt", 10*time.Millisecond)
	r.takeSnapshot()
	r.MessageProcessed("evt", 20*time.Millisecond)
	r.takeSnapshot()

	report := r.PerformanceReport()
	assert.Equal(t, 2, report["windowMinutes"])
	assert.InDelta(t, 1.0, report["messagesPerMinute"].(float64), 0.01)
}
