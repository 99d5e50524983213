package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callsync/callsync/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, "invalid trace exporter"},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, "requires an endpoint"},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling rate"},
		{"empty buffer", func(c *Config) { c.Events.BufferSize = 0 }, "buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Logging
	cfg.Format = "json"

	logger := NewLoggerWithWriter(&buf, cfg).
		NewComponentLogger("delivery").
		WithRequestID("req-7")
	logger.WithError(errors.New("boom")).Warn("Delivery failed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "delivery", line["component"])
	assert.Equal(t, "req-7", line["request_id"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "Delivery failed", line["message"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Level = "warn"

	logger := NewLoggerWithWriter(&buf, cfg)
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", ParseLevel("debug").String())
	assert.Equal(t, "info", ParseLevel("nonsense").String())
}

func TestMetricsRecorder(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)

	m.RecordPoll("success", 20*time.Millisecond)
	m.RecordPoll("success", 30*time.Millisecond)
	m.RecordPoll("error", time.Second)
	m.RecordCommand("push", "accepted")
	m.RecordResolution("completed")
	m.SetPendingCalls(3)
	m.SetQueueDepth(4, 1)
	m.SetBackoffInterval(8 * time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.polls.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("push", "accepted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pendingCalls))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("dead")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.backoffInterval))
}

func TestMetricsRecordError(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)

	m.RecordError(engine.NewTransientError("remote down", nil).WithCode(engine.ErrCodeTransientNetwork))
	m.RecordError(errors.New("plain"))
	m.RecordError(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByClass.WithLabelValues(string(engine.ErrorClassTransient))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByCode.WithLabelValues(engine.ErrCodeTransientNetwork)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByClass.WithLabelValues("unclassified")))
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = false

	m, err := NewMetrics(cfg)
	require.NoError(t, err)

	m.RecordPoll("success", time.Second)
	m.RecordDelivery("sent", time.Second)
	m.SetQueueDepth(1, 1)
	m.RecordError(errors.New("x"))
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.Serve(context.Background()))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)
	m.RecordWake("push")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `callsync_wakes_total{reason="push"} 1`))
}

func TestEventPublisherSync(t *testing.T) {
	cfg := DefaultConfig().Events
	cfg.EnableAsync = false
	ep, err := NewEventPublisher(cfg)
	require.NoError(t, err)

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByRequestID("req-1"))

	call := &engine.PendingCall{
		RequestID: "req-1",
		State:     engine.CallStateResolved,
		Attempts:  2,
		Outcome:   engine.Completed(42),
	}
	require.NoError(t, ep.PublishCallResolved(call))
	require.NoError(t, ep.PublishCallResolved(&engine.PendingCall{RequestID: "req-2", State: engine.CallStateTimeout}))

	require.Len(t, got, 1)
	assert.Equal(t, EventTypeCallResolved, got[0].Type)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, 42, got[0].Data["duration_seconds"])
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(DefaultConfig().Events)
	require.NoError(t, err)

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, FilterByType(EventTypeDeliveryDead))

	task := &engine.SyncTask{RequestID: "req-9", RetryCount: 5}
	for i := 0; i < 10; i++ {
		require.NoError(t, ep.PublishDeliveryDead(task, errors.New("rejected")))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ep.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, count)
}

func TestPublishPolicyReloaded(t *testing.T) {
	cfg := DefaultConfig().Events
	cfg.EnableAsync = false
	ep, err := NewEventPublisher(cfg)
	require.NoError(t, err)

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypePolicyReloaded, EventTypePolicyReloadRejected))

	require.NoError(t, ep.PublishPolicyReloaded("outcome.star", "abc123", nil))
	require.NoError(t, ep.PublishPolicyReloaded("outcome.star", "", errors.New("classify is not defined")))

	require.Len(t, got, 2)
	assert.Equal(t, EventTypePolicyReloaded, got[0].Type)
	assert.Equal(t, "abc123", got[0].Data["digest"])
	assert.Equal(t, EventTypePolicyReloadRejected, got[1].Type)
	assert.Equal(t, EventLevelError, got[1].Level)
}

func TestEventPublisherDisabled(t *testing.T) {
	cfg := DefaultConfig().Events
	cfg.Enabled = false
	ep, err := NewEventPublisher(cfg)
	require.NoError(t, err)

	called := false
	ep.Subscribe(func(Event) { called = true }, nil)
	assert.NoError(t, ep.PublishConnectivityChanged(false))
	assert.False(t, called)
	assert.NoError(t, ep.Shutdown(context.Background()))
}

func TestReadinessReporter(t *testing.T) {
	var buf bytes.Buffer
	logCfg := DefaultConfig().Logging
	logCfg.Format = "json"

	evCfg := DefaultConfig().Events
	evCfg.EnableAsync = false
	ep, err := NewEventPublisher(evCfg)
	require.NoError(t, err)

	var types []string
	ep.Subscribe(func(e Event) { types = append(types, e.Type) }, nil)

	r := NewReadiness(NewLoggerWithWriter(&buf, logCfg), ep)
	r.EvidenceUnavailable(errors.New("permission denied"))
	r.EvidenceAvailable()

	assert.Equal(t, []string{EventTypeEvidenceUnavailable, EventTypeEvidenceAvailable}, types)
	assert.Contains(t, buf.String(), "permission denied")
}

func newTestTelemetry(t *testing.T) *Telemetry {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Events.EnableAsync = false
	tel, err := NewTelemetry(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel
}

func TestDeadLetterHook(t *testing.T) {
	tel := newTestTelemetry(t)

	var got []Event
	tel.Events.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypeDeliveryDead))

	hook := tel.DeadLetterHook()
	hook(&engine.SyncTask{RequestID: "req-4", RetryCount: 7}, engine.NewDeliveryRejectedError("req-4", 422, nil))

	require.Len(t, got, 1)
	assert.Equal(t, "req-4", got[0].RequestID)
	assert.Equal(t, 7, got[0].Data["retry_count"])
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.Metrics.errorsByClass.WithLabelValues(string(engine.ErrorClassPermanent))))
}

func TestResolvedAndConnectivityHooks(t *testing.T) {
	tel := newTestTelemetry(t)

	var got []Event
	tel.Events.Subscribe(func(e Event) { got = append(got, e) }, nil)

	tel.ResolvedHook()(&engine.PendingCall{RequestID: "req-5", State: engine.CallStateTimeout})
	tel.ConnectivityHook()(false)

	require.Len(t, got, 2)
	assert.Equal(t, EventTypeCallResolved, got[0].Type)
	assert.Equal(t, string(engine.OutcomeUnknown), got[0].Data["outcome"])
	assert.Equal(t, EventTypeConnectivityChanged, got[1].Type)
	assert.Equal(t, EventLevelWarning, got[1].Level)
}

func TestNewTelemetryRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	_, err := NewTelemetry(cfg)
	assert.Error(t, err)
}

func TestTracerResource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeviceID = "phone-1"
	cfg.ResourceAttributes["site"] = "lab"

	keys := map[string]string{}
	for _, kv := range cfg.resource() {
		keys[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "callsync", keys["service.name"])
	assert.Equal(t, "phone-1", keys["device.id"])
	assert.Equal(t, "lab", keys["site"])

	tr, err := NewTracer(cfg.Tracing, cfg.resource())
	require.NoError(t, err)
	assert.NoError(t, tr.Shutdown(context.Background()))
}
