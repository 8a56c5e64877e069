package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/septivank/cgm-display-worker/internal/display"
	"github.com/septivank/cgm-display-worker/internal/metrics"
	"go.uber.org/zap"
)

// Worker drives the two periodic cycles: polling the backend and refreshing
// the "time ago" display from the last known reading
type Worker struct {
	poller          *Poller
	renderer        *display.Renderer
	metrics         *metrics.Metrics
	pollInterval    time.Duration
	refreshInterval time.Duration
	logger          *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a worker; Start launches the cycles
func NewWorker(poller *Poller, renderer *display.Renderer, m *metrics.Metrics, pollInterval, refreshInterval time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		poller:          poller,
		renderer:        renderer,
		metrics:         m,
		pollInterval:    pollInterval,
		refreshInterval: refreshInterval,
		logger:          logger,
	}
}

// Start polls once immediately and then on every tick of both cycles
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.loop(ctx, "poll", w.pollInterval, true, w.pollCycle)
	}()
	go func() {
		defer w.wg.Done()
		w.loop(ctx, "refresh", w.refreshInterval, false, w.refreshCycle)
	}()

	w.logger.Info("worker started",
		zap.Duration("poll_interval", w.pollInterval),
		zap.Duration("refresh_interval", w.refreshInterval),
	)
}

// Stop cancels both cycles and waits for them to return
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("worker stopped gracefully")
}

func (w *Worker) loop(ctx context.Context, name string, interval time.Duration, immediate bool, cycle func(context.Context)) {
	if immediate {
		w.safeCycle(ctx, name, cycle)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.safeCycle(ctx, name, cycle)
		}
	}
}

// safeCycle keeps a panicking cycle from taking the process down; the next
// tick runs normally
func (w *Worker) safeCycle(ctx context.Context, name string, cycle func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			w.metrics.IncCounter(metrics.CyclePanics, 1)
			w.logger.Error("cycle panicked",
				zap.String("cycle", name),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	cycle(ctx)
}

func (w *Worker) pollCycle(ctx context.Context) {
	result, err := w.poller.PollOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("poll cycle failed, waiting for next tick",
			zap.String("cycle_id", result.CycleID),
			zap.Error(err),
		)
	}
}

func (w *Worker) refreshCycle(ctx context.Context) {
	if _, err := w.renderer.Render(time.Now()); err != nil {
		w.logger.Error("refresh render failed", zap.Error(err))
	}
}
