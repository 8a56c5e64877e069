package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	m := New("", "cgm-display-worker", "dexcom")

	m.IncCounter(FetchFailures, 2)
	if got := testutil.ToFloat64(m.counters[FetchFailures]); got != 2 {
		t.Fatalf("expected fetch failure counter 2, got %f", got)
	}

	m.IncCounter(ReadingsAccepted, 1)
	if got := testutil.ToFloat64(m.counters[ReadingsAccepted]); got != 1 {
		t.Fatalf("expected accepted counter 1, got %f", got)
	}

	m.SetGauge(GlucoseMgdl, 120)
	if got := testutil.ToFloat64(m.gauges[GlucoseMgdl]); got != 120 {
		t.Fatalf("expected glucose gauge 120, got %f", got)
	}

	m.ObserveLatency(PollDuration, 0.5)
	hCollector := m.histos[PollDuration].(prometheus.Collector)
	if samples := testutil.CollectAndCount(hCollector); samples != 1 {
		t.Fatalf("expected poll duration histogram to record 1 sample, got %d", samples)
	}

	// unknown names are ignored
	m.IncCounter("cgm_unknown_total", 1)
	m.SetGauge("cgm_unknown", 1)

	n, err := testutil.GatherAndCount(m.Registry())
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if n != 10 {
		t.Fatalf("expected 10 registered series, got %d", n)
	}
}

func TestMetrics_BackendLabel(t *testing.T) {
	m := New("", "cgm-display-worker", "nightscout")
	m.IncCounter(ParseFailures, 1)

	expected := `
# HELP cgm_parse_failures_total Payloads that did not normalize into a valid reading.
# TYPE cgm_parse_failures_total counter
cgm_parse_failures_total{backend="nightscout"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), ParseFailures); err != nil {
		t.Fatalf("unexpected metric output: %v", err)
	}
}

func TestMetrics_PushDisabled(t *testing.T) {
	m := New("", "cgm-display-worker", "dexcom")
	if m.Enabled() {
		t.Fatal("expected push to be disabled without a gateway URL")
	}
	if err := m.Push(context.Background()); err != nil {
		t.Fatalf("expected no-op push, got %v", err)
	}
}

func TestMetrics_PushToGateway(t *testing.T) {
	var method, path, body string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	m := New(gateway.URL, "cgm-display-worker", "dexcom")
	m.SetGauge(GlucoseMgdl, 120)

	if err := m.Push(context.Background()); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if method != http.MethodPut {
		t.Errorf("expected PUT, got %s", method)
	}
	if path != "/metrics/job/cgm-display-worker" {
		t.Errorf("unexpected push path %s", path)
	}
	if len(body) == 0 {
		t.Error("expected a non-empty push body")
	}
}

func TestMetrics_PushFailure(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer gateway.Close()

	m := New(gateway.URL, "cgm-display-worker", "dexcom")
	if err := m.Push(context.Background()); err == nil {
		t.Fatal("expected push to fail on a 500 from the gateway")
	}
}
