package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	FetchFailures    = "cgm_fetch_failures_total"
	AuthFailures     = "cgm_auth_failures_total"
	ParseFailures    = "cgm_parse_failures_total"
	ReadingsAccepted = "cgm_readings_accepted_total"
	StaleReadings    = "cgm_stale_readings_total"
	CyclePanics      = "cgm_cycle_panics_total"

	GlucoseMgdl       = "cgm_glucose_mgdl"
	ReadingLagSeconds = "cgm_reading_lag_seconds"
	SessionActive     = "cgm_session_active"

	PollDuration = "cgm_poll_duration_seconds"
)

// Metrics holds the poller's collectors on a private registry, pushed to a
// Pushgateway when one is configured
type Metrics struct {
	registry *prometheus.Registry
	pusher   *push.Pusher

	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// New creates the collectors. An empty pushgatewayURL disables Push.
func New(pushgatewayURL, job, backend string) *Metrics {
	labels := prometheus.Labels{"backend": backend}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: labels})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels})
	}

	fetchFailures := counter(FetchFailures, "Fetches that ended without a usable response.")
	authFailures := counter(AuthFailures, "Login attempts rejected by the session-gated backend.")
	parseFailures := counter(ParseFailures, "Payloads that did not normalize into a valid reading.")
	accepted := counter(ReadingsAccepted, "Readings accepted into the last known slot.")
	stale := counter(StaleReadings, "Poll cycles whose latest reading exceeded the maximum lag.")
	panics := counter(CyclePanics, "Cycles aborted by a recovered panic.")

	glucose := gauge(GlucoseMgdl, "Latest accepted glucose value in mg/dL.")
	lag := gauge(ReadingLagSeconds, "Age of the latest accepted reading at poll time.")
	sessionActive := gauge(SessionActive, "1 while the session-gated backend holds a token.")

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        PollDuration,
		Help:        "Wall time of one poll cycle including retries and backoff.",
		ConstLabels: labels,
		Buckets:     prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(fetchFailures, authFailures, parseFailures, accepted, stale, panics,
		glucose, lag, sessionActive, duration)

	m := &Metrics{
		registry: reg,
		counters: map[string]prometheus.Counter{
			FetchFailures:    fetchFailures,
			AuthFailures:     authFailures,
			ParseFailures:    parseFailures,
			ReadingsAccepted: accepted,
			StaleReadings:    stale,
			CyclePanics:      panics,
		},
		gauges: map[string]prometheus.Gauge{
			GlucoseMgdl:       glucose,
			ReadingLagSeconds: lag,
			SessionActive:     sessionActive,
		},
		histos: map[string]prometheus.Observer{
			PollDuration: duration,
		},
	}
	if pushgatewayURL != "" {
		m.pusher = push.New(pushgatewayURL, job).Gatherer(reg)
	}
	return m
}

func (m *Metrics) IncCounter(name string, v float64) {
	if c, ok := m.counters[name]; ok {
		c.Add(v)
	}
}

func (m *Metrics) SetGauge(name string, v float64) {
	if g, ok := m.gauges[name]; ok {
		g.Set(v)
	}
}

func (m *Metrics) ObserveLatency(name string, seconds float64) {
	if h, ok := m.histos[name]; ok {
		h.Observe(seconds)
	}
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Enabled reports whether a Pushgateway is configured
func (m *Metrics) Enabled() bool {
	return m.pusher != nil
}

// Push sends the current values to the Pushgateway; a no-op when disabled
func (m *Metrics) Push(ctx context.Context) error {
	if m.pusher == nil {
		return nil
	}
	if err := m.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
