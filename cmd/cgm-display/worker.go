package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/septivank/cgm-display-worker/internal/backend"
	"github.com/septivank/cgm-display-worker/internal/cgm"
	"github.com/septivank/cgm-display-worker/internal/classify"
	"github.com/septivank/cgm-display-worker/internal/config"
	"github.com/septivank/cgm-display-worker/internal/display"
	"github.com/septivank/cgm-display-worker/internal/metrics"
	"github.com/septivank/cgm-display-worker/internal/mq"
	"github.com/septivank/cgm-display-worker/internal/normalize"
	"github.com/septivank/cgm-display-worker/internal/retry"
	"github.com/septivank/cgm-display-worker/internal/service"
	"github.com/septivank/cgm-display-worker/internal/session"
	"github.com/septivank/cgm-display-worker/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startWorker(lc fx.Lifecycle, worker *service.Worker, cfg *config.Config, logger *zap.Logger) {
	// Context for both cycles, cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting cgm display worker",
				zap.String("backend", cfg.Backend),
				zap.Int("poll_interval_sec", cfg.Polling.IntervalSeconds),
				zap.Int("time_ago_interval_sec", cfg.Polling.TimeAgoIntervalSeconds))
			worker.Start(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			worker.Stop()
			return nil
		},
	})
}

// ProvideMetrics creates the metrics registry and optional Pushgateway pusher
func ProvideMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.New(cfg.Metrics.PushgatewayURL, cfg.Metrics.JobName, cfg.Backend)
}

// ProvideHTTPClient creates the HTTP client shared by the backends
func ProvideHTTPClient(cfg *config.Config) *http.Client {
	return backend.NewHTTPClient(cfg.HTTPTimeout())
}

// ProvideRetryPolicy creates the retry policy applied to every backend call
func ProvideRetryPolicy(cfg *config.Config, logger *zap.Logger) *retry.Policy {
	return retry.NewPolicy(cfg.HTTP.Retries, cfg.RetryBaseDelay(), logger)
}

// ProvideBackend creates the configured backend client
func ProvideBackend(cfg *config.Config, client *http.Client, policy *retry.Policy, m *metrics.Metrics, logger *zap.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendDexcom:
		return backend.NewDexcomClient(backend.DexcomOptions{
			BaseURL: cfg.Dexcom.BaseURL,
			Credentials: session.Credentials{
				AccountName:   cfg.Dexcom.AccountName,
				Password:      cfg.Dexcom.Password,
				ApplicationID: cfg.Dexcom.ApplicationID,
			},
			MaxAuthFails:       cfg.Dexcom.MaxAuthFails,
			AuthRetryDelayBase: cfg.Dexcom.AuthRetryDelayBase,
			MaxFetchFails:      cfg.Dexcom.MaxFetchFails,
		}, client, policy, logger, session.WithAuthFailureHook(func() {
			m.IncCounter(metrics.AuthFailures, 1)
		})), nil
	case config.BackendNightscout:
		return backend.NewNightscoutClient(cfg.Nightscout.URL, client, policy, logger), nil
	case config.BackendSugarmate:
		return backend.NewSugarmateClient(cfg.Sugarmate.BaseURL, cfg.Sugarmate.APIKey, client, policy, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.FutureToleranceMinutes)
}

// ProvideNormalizer creates the reading normalizer
func ProvideNormalizer(v *validator.Validator) *normalize.Normalizer {
	return normalize.NewNormalizer(v)
}

// ProvideClassifier creates the staleness classifier
func ProvideClassifier(cfg *config.Config) *classify.Classifier {
	return classify.NewClassifier(cfg.MaxReadingLag())
}

// ProvideLastKnown creates the slot shared by the poll and refresh cycles
func ProvideLastKnown() *cgm.LastKnown {
	return cgm.NewLastKnown()
}

// ProvidePublisher connects the display outlet. It returns nil when
// RABBITMQ_URL is not set.
func ProvidePublisher(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	if cfg.RabbitMQ.URL == "" {
		logger.Info("RABBITMQ_URL not set, display outlet disabled")
		return nil, nil
	}

	conn, err := mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	publisher, err := mq.NewPublisher(conn, mq.PublisherConfig{
		Exchange:          cfg.RabbitMQ.DisplayExchange,
		FrameRoutingKey:   cfg.RabbitMQ.FrameRoutingKey,
		ReadingRoutingKey: cfg.RabbitMQ.ReadingRoutingKey,
	}, logger)
	if err != nil {
		return nil, err
	}

	// appended after the connection hook, so it runs first on stop
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideSurface logs every frame and, with the outlet enabled, ships it to
// remote displays
func ProvideSurface(publisher *mq.Publisher, logger *zap.Logger) display.Surface {
	surfaces := []display.Surface{display.NewLogSurface(logger)}
	if publisher != nil {
		surfaces = append(surfaces, mq.NewFrameSurface(publisher))
	}
	return display.Fanout(surfaces...)
}

// ProvideRenderer creates the renderer over the shared slot
func ProvideRenderer(state *cgm.LastKnown, surface display.Surface, classifier *classify.Classifier, cfg *config.Config, logger *zap.Logger) *display.Renderer {
	return display.NewRenderer(state, surface, classifier, display.Options{
		NightModeHours: cfg.Display.NightModeHours,
		LoopImageDir:   cfg.Display.LoopImageDir,
	}, logger)
}

// ProvidePoller creates the poll cycle
func ProvidePoller(
	b backend.Backend,
	normalizer *normalize.Normalizer,
	classifier *classify.Classifier,
	state *cgm.LastKnown,
	renderer *display.Renderer,
	publisher *mq.Publisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *service.Poller {
	var readings service.ReadingPublisher
	if publisher != nil {
		readings = publisher
	}
	return service.NewPoller(b, normalizer, classifier, state, renderer, readings, m, logger)
}

// ProvideWorker creates the worker running both cycles
func ProvideWorker(poller *service.Poller, renderer *display.Renderer, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *service.Worker {
	return service.NewWorker(poller, renderer, m, cfg.PollInterval(), cfg.TimeAgoInterval(), logger)
}
