package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/cgm-display-worker/internal/backend"
	"github.com/septivank/cgm-display-worker/internal/cgm"
	"github.com/septivank/cgm-display-worker/internal/classify"
	"github.com/septivank/cgm-display-worker/internal/display"
	"github.com/septivank/cgm-display-worker/internal/logging"
	"github.com/septivank/cgm-display-worker/internal/metrics"
	"github.com/septivank/cgm-display-worker/internal/mq"
	"github.com/septivank/cgm-display-worker/internal/normalize"
	"github.com/septivank/cgm-display-worker/internal/retry"
	"github.com/septivank/cgm-display-worker/internal/session"
	"go.uber.org/zap"
)

// Outcome is how a poll cycle ended
type Outcome string

const (
	OutcomeAccepted    Outcome = "accepted"
	OutcomeNoResponse  Outcome = "no_response"
	OutcomeFetchFailed Outcome = "fetch_failed"
	OutcomeParseFailed Outcome = "parse_failed"
	OutcomeAuthFailed  Outcome = "auth_failed"
)

// ReadingPublisher receives every accepted reading
type ReadingPublisher interface {
	PublishReading(ctx context.Context, event mq.ReadingEvent) error
}

// sessionHolder is implemented by backends gated by a session manager
type sessionHolder interface {
	Sessions() *session.Manager
}

// Result summarizes one poll cycle
type Result struct {
	CycleID string
	Outcome Outcome
	Reading *cgm.Reading
	Frame   display.Frame
}

// Poller runs one acquisition cycle: fetch, normalize, store, publish, render
type Poller struct {
	backend    backend.Backend
	normalizer *normalize.Normalizer
	classifier *classify.Classifier
	state      *cgm.LastKnown
	renderer   *display.Renderer
	publisher  ReadingPublisher
	metrics    *metrics.Metrics
	now        func() time.Time
	logger     *zap.Logger
}

// NewPoller creates a poller. publisher may be nil.
func NewPoller(
	b backend.Backend,
	normalizer *normalize.Normalizer,
	classifier *classify.Classifier,
	state *cgm.LastKnown,
	renderer *display.Renderer,
	publisher ReadingPublisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Poller {
	return &Poller{
		backend:    b,
		normalizer: normalizer,
		classifier: classifier,
		state:      state,
		renderer:   renderer,
		publisher:  publisher,
		metrics:    m,
		now:        time.Now,
		logger:     logger,
	}
}

// PollOnce runs one cycle. Only an *session.AuthenticationError or a
// cancelled context is returned as an error; every other failure degrades
// to "no reading" and the last known reading stays on screen.
func (p *Poller) PollOnce(ctx context.Context) (*Result, error) {
	cycleID := uuid.New().String()
	log := logging.WithCycleID(p.logger, cycleID)
	start := p.now()
	defer func() {
		p.metrics.ObserveLatency(metrics.PollDuration, p.now().Sub(start).Seconds())
		p.reportSession()
		if err := p.metrics.Push(ctx); err != nil {
			log.Warn("failed to push metrics", zap.Error(err))
		}
	}()

	result := &Result{CycleID: cycleID}

	raw, err := p.backend.FetchLatest(ctx)
	if err != nil {
		p.renderer.SetConnected(false)

		var authErr *session.AuthenticationError
		switch {
		case errors.As(err, &authErr):
			result.Outcome = OutcomeAuthFailed
			log.Error("authentication failed",
				zap.Int("status_code", authErr.StatusCode),
				zap.Int("attempts", authErr.Attempts),
				zap.String("body", authErr.Body),
			)
			// rejected logins are counted by the session hook
			result.Frame = p.render(log)
			return result, err
		case ctx.Err() != nil:
			return result, ctx.Err()
		}

		result.Outcome = OutcomeFetchFailed
		if errors.Is(err, retry.ErrNoResponse) {
			result.Outcome = OutcomeNoResponse
		}
		p.metrics.IncCounter(metrics.FetchFailures, 1)
		log.Warn("fetch failure",
			zap.String("outcome", string(result.Outcome)),
			zap.Error(err),
		)
		result.Frame = p.render(log)
		return result, nil
	}
	p.renderer.SetConnected(true)

	now := p.now()
	reading, err := p.normalizer.Normalize(raw, p.state.Reading(), now)
	if err != nil {
		result.Outcome = OutcomeParseFailed
		p.metrics.IncCounter(metrics.ParseFailures, 1)
		log.Error("parse failure",
			zap.Error(err),
			zap.Int("status_code", raw.StatusCode),
			zap.ByteString("body", raw.Body),
		)
		p.backend.Reset()
		result.Frame = p.render(log)
		return result, nil
	}

	p.accept(ctx, log, cycleID, reading, now)
	result.Outcome = OutcomeAccepted
	result.Reading = reading

	p.refreshLoopStatus(ctx, log)
	result.Frame = p.render(log)
	return result, nil
}

func (p *Poller) accept(ctx context.Context, log *zap.Logger, cycleID string, reading *cgm.Reading, now time.Time) {
	p.state.Store(reading, now)

	lag := reading.Lag(now)
	p.metrics.IncCounter(metrics.ReadingsAccepted, 1)
	p.metrics.SetGauge(metrics.GlucoseMgdl, float64(reading.ValueMgdl))
	p.metrics.SetGauge(metrics.ReadingLagSeconds, lag.Seconds())
	if classify.IsStale(lag, p.classifier.MaxLag()) {
		p.metrics.IncCounter(metrics.StaleReadings, 1)
	}

	fields := []zap.Field{
		zap.String("source", string(reading.Source)),
		zap.Int("value_mgdl", reading.ValueMgdl),
		zap.String("trend", reading.Trend.String()),
		zap.Time("reading_timestamp", reading.Timestamp),
		zap.Float64("lag_sec", lag.Seconds()),
	}
	if delta, ok := reading.Delta(); ok {
		fields = append(fields, zap.Int("delta", delta))
	}
	log.Info("reading accepted", fields...)

	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishReading(ctx, mq.NewReadingEvent(cycleID, reading, now)); err != nil {
		// the display keeps working without the outlet
		log.Error("failed to publish reading", zap.Error(err))
	}
}

func (p *Poller) refreshLoopStatus(ctx context.Context, log *zap.Logger) {
	fetcher, ok := p.backend.(backend.LoopStatusFetcher)
	if !ok {
		return
	}
	ts, err := fetcher.FetchLoopStatus(ctx)
	if err != nil {
		log.Warn("failed to fetch loop status", zap.Error(err))
		return
	}
	p.state.StoreLoopStatus(ts)
	if ts != nil {
		log.Debug("loop status updated",
			zap.Time("loop_timestamp", *ts),
			zap.String("freshness", string(classify.LoopFreshness(ts, p.now()))),
		)
	}
}

func (p *Poller) render(log *zap.Logger) display.Frame {
	frame, err := p.renderer.Render(p.now())
	if err != nil {
		log.Error("render failed", zap.Error(err))
	}
	return frame
}

func (p *Poller) reportSession() {
	holder, ok := p.backend.(sessionHolder)
	if !ok {
		return
	}
	active := 0.0
	if holder.Sessions().State() == session.StateAuthenticated {
		active = 1
	}
	p.metrics.SetGauge(metrics.SessionActive, active)
}
