package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/septivank/cgm-display-worker/internal/backend"
	"github.com/septivank/cgm-display-worker/internal/cgm"
	"github.com/septivank/cgm-display-worker/internal/classify"
	"github.com/septivank/cgm-display-worker/internal/display"
	"github.com/septivank/cgm-display-worker/internal/metrics"
	"github.com/septivank/cgm-display-worker/internal/mq"
	"github.com/septivank/cgm-display-worker/internal/normalize"
	"github.com/septivank/cgm-display-worker/internal/retry"
	"github.com/septivank/cgm-display-worker/internal/session"
	"github.com/septivank/cgm-display-worker/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var cycleNow = time.Unix(1700000300, 0).UTC()

type step struct {
	body string
	err  error
}

type fakeBackend struct {
	source cgm.Source
	mu     sync.Mutex
	steps  []step
	calls  atomic.Int32
	resets atomic.Int32
	panic  bool
}

func (f *fakeBackend) Source() cgm.Source { return f.source }

func (f *fakeBackend) FetchLatest(ctx context.Context) (*cgm.RawPayload, error) {
	n := int(f.calls.Add(1))
	if f.panic {
		panic("backend exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.steps[len(f.steps)-1]
	if n <= len(f.steps) {
		s = f.steps[n-1]
	}
	if s.err != nil {
		return nil, s.err
	}
	return &cgm.RawPayload{Source: f.source, StatusCode: 200, Body: []byte(s.body)}, nil
}

func (f *fakeBackend) Reset() { f.resets.Add(1) }

type loopBackend struct {
	*fakeBackend
	loopTS *time.Time
}

func (l *loopBackend) FetchLoopStatus(context.Context) (*time.Time, error) {
	return l.loopTS, nil
}

type fakePublisher struct {
	events []mq.ReadingEvent
	err    error
}

func (f *fakePublisher) PublishReading(_ context.Context, e mq.ReadingEvent) error {
	f.events = append(f.events, e)
	return f.err
}

type frames struct {
	display.Recorder
	mu     sync.Mutex
	frames [][]string
}

func (s *frames) Present() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, display.Texts(s.Flush()))
	return nil
}

func (s *frames) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type fixture struct {
	poller    *Poller
	state     *cgm.LastKnown
	surface   *frames
	publisher *fakePublisher
	metrics   *metrics.Metrics
	renderer  *display.Renderer
}

func newFixture(b backend.Backend, logger *zap.Logger) *fixture {
	if logger == nil {
		logger = zap.NewNop()
	}
	state := cgm.NewLastKnown()
	surface := &frames{}
	classifier := classify.NewClassifier(450 * time.Second)
	renderer := display.NewRenderer(state, surface, classifier, display.Options{LoopImageDir: "images", Location: time.UTC}, logger)
	pub := &fakePublisher{}
	m := metrics.New("", "test", string(b.Source()))

	p := NewPoller(b, normalize.NewNormalizer(validator.NewValidator(5)), classifier, state, renderer, pub, m, logger)
	p.now = func() time.Time { return cycleNow }

	return &fixture{poller: p, state: state, surface: surface, publisher: pub, metrics: m, renderer: renderer}
}

func dexcomBody(ms int64, value int) string {
	return fmt.Sprintf(`[{"ST":"Date(%d)","Trend":4,"Value":%d}]`, ms, value)
}

func TestPollOnce_AcceptsReading(t *testing.T) {
	b := &fakeBackend{source: cgm.SourceDexcom, steps: []step{{body: dexcomBody(1700000000000, 120)}}}
	f := newFixture(b, nil)

	res, err := f.poller.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.NotEmpty(t, res.CycleID)
	assert.Equal(t, 120, f.state.Reading().ValueMgdl)
	assert.Equal(t, "120→", res.Frame.Reading)
	assert.Equal(t, "5 Minutes Ago", res.Frame.TimeAgo)
	assert.True(t, res.Frame.Connected)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, res.CycleID, f.publisher.events[0].CycleID)
	assert.Equal(t, int64(300), f.publisher.events[0].LagSeconds)

	assert.Equal(t, 1.0, metricValue(t, f.metrics, metrics.ReadingsAccepted))
}

func TestPollOnce_DeltaAcrossCycles(t *testing.T) {
	b := &fakeBackend{source: cgm.SourceDexcom, steps: []step{
		{body: dexcomBody(1699999700000, 110)},
		{body: dexcomBody(1700000000000, 120)},
	}}
	f := newFixture(b, nil)

	_, err := f.poller.PollOnce(context.Background())
	require.NoError(t, err)
	res, err := f.poller.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "+10", res.Frame.Delta)
}

func TestPollOnce_FetchFailureKeepsLastReading(t *testing.T) {
	b := &fakeBackend{source: cgm.SourceDexcom, steps: []step{
		{body: dexcomBody(1700000000000, 120)},
		{err: fmt.Errorf("dexcom fetch: %w", retry.ErrNoResponse)},
	}}
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFixture(b, zap.New(core))

	_, err := f.poller.PollOnce(context.Background())
	require.NoError(t, err)

	res, err := f.poller.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoResponse, res.Outcome)
	assert.Equal(t, "120→", res.Frame.Reading, "last reading stays on screen")
	assert.False(t, res.Frame.Connected)
	assert.Equal(t, 120, f.state.Reading().ValueMgdl)
	assert.Equal(t, 1, logs.FilterMessage("fetch failure").Len())
	assert.Equal(t, 1.0, metricValue(t, f.metrics, metrics.FetchFailures))
}

func TestPollOnce_NetFailureWhenNeverRead(t *testing.T) {
	b := &fakeBackend{source: cgm.SourceNightscout, steps: []step{
		{err: &backend.FetchError{Source: cgm.SourceNightscout, StatusCode: 502, Body: "bad gateway"}},
	}}
	f := newFixture(b, nil)

	res, err := f.poller.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeFetchFailed, res.Outcome)
	assert.False(t, res.Frame.HasData)
	assert.Equal(t, []string{display.NetFailureText}, f.surface.frames[0])
}

func TestPollOnce_ParseFailureResetsBackend(t *testing.T) {
	b := &fakeBackend{source: cgm.SourceDexcom, steps: []step{{body: `[]`}}}
	core, logs := observer.New(zapcore.ErrorLevel)
	f := newFixture(b, zap.New(core))

	res, err := f.poller.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeParseFailed, res.Outcome)
	assert.Nil(t, res.Reading)
	assert.Nil(t, f.state.Reading())
	assert.Equal(t, int32(1), b.resets.Load())
	assert.Empty(t, f.publisher.events)

	entries := logs.FilterMessage("parse failure").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "[]", entries[0].ContextMap()["body"])
}

func TestPollOnce_AuthenticationErrorIsReturned(t *testing.T) {
	authErr := &session.AuthenticationError{StatusCode: 500, Body: "oops", Attempts: 4}
	b := &fakeBackend{source: cgm.SourceDexcom, steps: []step{{err: authErr}}}
	f := newFixture(b, nil)

	res, err := f.poller.PollOnce(context.Background())

	var got *session.AuthenticationError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, OutcomeAuthFailed, res.Outcome)
	assert.Equal(t, 1, f.surface.count(), "failure frame is still rendered")
	assert.Equal(t, 0.0, metricValue(t, f.metrics, metrics.FetchFailures))
}

func TestPollOnce_PublishFailureIsNotFatal(t *testing.T) {
	b := &fakeBackend{source: cgm.SourceDexcom, steps: []step{{body: dexcomBody(1700000000000, 120)}}}
	f := newFixture(b, nil)
	f.publisher.err = errors.New("broker down")

	res, err := f.poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
}

func TestPollOnce_StaleReadingCounted(t *testing.T) {
	b := &fakeBackend{source: cgm.SourceDexcom, steps: []step{{body: dexcomBody(1699999000000, 120)}}}
	f := newFixture(b, nil)

	res, err := f.poller.PollOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Frame.Stale)
	assert.Equal(t, classify.Placeholder, res.Frame.Reading)
	assert.Equal(t, 1.0, metricValue(t, f.metrics, metrics.StaleReadings))
}

func TestPollOnce_LoopStatus(t *testing.T) {
	loopTS := cycleNow.Add(-7 * time.Minute)
	b := &loopBackend{
		fakeBackend: &fakeBackend{source: cgm.SourceNightscout, steps: []step{
			{body: `[{"sgv":150,"date":1700000000000,"direction":"Flat"},{"sgv":140,"date":1699999700000}]`},
		}},
		loopTS: &loopTS,
	}
	f := newFixture(b, nil)

	res, err := f.poller.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "images/loop_aging.png", res.Frame.LoopImage)
	assert.Equal(t, "+10", res.Frame.Delta)
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	b := &fakeBackend{source: cgm.SourceDexcom, panic: true}
	core, logs := observer.New(zapcore.ErrorLevel)
	f := newFixture(b, zap.New(core))
	w := NewWorker(f.poller, f.renderer, f.metrics, time.Hour, time.Hour, zap.New(core))

	assert.NotPanics(t, func() {
		w.safeCycle(context.Background(), "poll", w.pollCycle)
	})
	assert.Equal(t, 1, logs.FilterMessage("cycle panicked").Len())
	assert.Equal(t, 1.0, metricValue(t, f.metrics, metrics.CyclePanics))
}

func TestWorker_StartPollsImmediatelyAndStops(t *testing.T) {
	b := &fakeBackend{source: cgm.SourceDexcom, steps: []step{{body: dexcomBody(1700000000000, 120)}}}
	f := newFixture(b, nil)
	w := NewWorker(f.poller, f.renderer, f.metrics, time.Hour, 10*time.Millisecond, zap.NewNop())

	w.Start(context.Background())

	require.Eventually(t, func() bool { return b.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.surface.count() >= 3 }, time.Second, 5*time.Millisecond,
		"refresh cycle re-renders without polling")

	w.Stop()
	assert.Equal(t, int32(1), b.calls.Load())
}

func metricValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		require.Len(t, mf.GetMetric(), 1)
		metric := mf.GetMetric()[0]
		if c := metric.GetCounter(); c != nil {
			return c.GetValue()
		}
		return metric.GetGauge().GetValue()
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}
