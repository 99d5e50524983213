package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callsync/callsync/pkg/engine"
)

var _ engine.MetricsRecorder = (*Metrics)(nil)

// Metrics is the Prometheus side of engine.MetricsRecorder. A Metrics built
// from a disabled config has no registry and every method is a no-op.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	// scheduler
	polls           *prometheus.CounterVec
	pollDuration    *prometheus.HistogramVec
	wakes           *prometheus.CounterVec
	backoffInterval prometheus.Gauge

	// intake and resolver
	commands         *prometheus.CounterVec
	resolutions      *prometheus.CounterVec
	resolutionChecks *prometheus.CounterVec
	pendingCalls     prometheus.Gauge

	// delivery queue
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	queueDepth       *prometheus.GaugeVec

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec
}

// NewMetrics registers the agent's collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	ns := cfg.Namespace
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: buckets}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		polls:           counter("polls_total", "Remote command polls by result.", "result"),
		pollDuration:    histogram("poll_duration_seconds", "Remote command poll latency.", "result"),
		wakes:           counter("wakes_total", "Wake signals by reason.", "reason"),
		backoffInterval: gauge("poll_backoff_interval_seconds", "Wait before the next scheduled poll."),

		commands:         counter("commands_total", "Call commands by intake source and result.", "source", "result"),
		resolutions:      counter("resolutions_total", "Calls leaving the pending state by outcome.", "outcome"),
		resolutionChecks: counter("resolution_checks_total", "Call-log checks by result.", "result"),
		pendingCalls:     gauge("pending_calls", "Calls awaiting call-log evidence."),

		deliveries:       counter("deliveries_total", "Report delivery attempts by result.", "result"),
		deliveryDuration: histogram("delivery_duration_seconds", "Report delivery latency.", "result"),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "delivery_queue_depth",
			Help:      "Queued reports by delivery state.",
		}, []string{"state"}),

		errorsByClass: counter("errors_by_class_total", "Parked reports and failed operations by error class.", "class"),
		errorsByCode:  counter("errors_by_code_total", "Parked reports and failed operations by error code.", "code"),
	}

	if err := registerAll(m.registry,
		m.polls, m.pollDuration, m.wakes, m.backoffInterval,
		m.commands, m.resolutions, m.resolutionChecks, m.pendingCalls,
		m.deliveries, m.deliveryDuration, m.queueDepth,
		m.errorsByClass, m.errorsByCode,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func registerAll(r *prometheus.Registry, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) enabled() bool { return m.registry != nil }

func (m *Metrics) RecordPoll(result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.polls.WithLabelValues(result).Inc()
	m.pollDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func (m *Metrics) RecordWake(reason string) {
	if m.enabled() {
		m.wakes.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SetBackoffInterval(d time.Duration) {
	if m.enabled() {
		m.backoffInterval.Set(d.Seconds())
	}
}

// RecordCommand counts what intake did with a command, e.g. accepted,
// duplicate or invalid.
func (m *Metrics) RecordCommand(source, result string) {
	if m.enabled() {
		m.commands.WithLabelValues(source, result).Inc()
	}
}

func (m *Metrics) RecordResolution(outcome string) {
	if m.enabled() {
		m.resolutions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) RecordResolutionCheck(result string) {
	if m.enabled() {
		m.resolutionChecks.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetPendingCalls(n int) {
	if m.enabled() {
		m.pendingCalls.Set(float64(n))
	}
}

func (m *Metrics) RecordDelivery(result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
	m.deliveryDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func (m *Metrics) SetQueueDepth(pending, dead int) {
	if !m.enabled() {
		return
	}
	m.queueDepth.WithLabelValues(string(engine.DeliveryPending)).Set(float64(pending))
	m.queueDepth.WithLabelValues(string(engine.DeliveryDead)).Set(float64(dead))
}

// RecordError counts err by engine class and code. Errors that carry no
// engine classification are counted as "unclassified".
func (m *Metrics) RecordError(err error) {
	if !m.enabled() || err == nil {
		return
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) {
		m.errorsByClass.WithLabelValues("unclassified").Inc()
		return
	}
	m.errorsByClass.WithLabelValues(string(engErr.Class)).Inc()
	if engErr.Code != "" {
		m.errorsByCode.WithLabelValues(engErr.Code).Inc()
	}
}

// Registry returns nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in OpenMetrics format, or 404 when disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve runs the dedicated metrics listener until ctx is done. Without a
// ListenAddress it returns nil at once.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
