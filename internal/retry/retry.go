package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrNoResponse is returned once every attempt of a transient failure is exhausted
var ErrNoResponse = errors.New("no response")

// Func is a retryable network operation
type Func[T any] func(ctx context.Context) (T, error)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy retries connectivity-class failures with exponential backoff
type Policy struct {
	Retries   int
	BaseDelay time.Duration
	Sleep     SleepFunc
	Logger    *zap.Logger
}

// NewPolicy creates a policy that sleeps with SleepContext
func NewPolicy(retries int, baseDelay time.Duration, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		Retries:   retries,
		BaseDelay: baseDelay,
		Sleep:     SleepContext,
		Logger:    logger,
	}
}

// maxBackoffShift bounds the doubling so large retry counts keep waiting
const maxBackoffShift = 16

// Delay returns the backoff before the retry following attempt (counted from 1)
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt-1 > maxBackoffShift {
		attempt = maxBackoffShift + 1
	}
	return p.BaseDelay * time.Duration(1<<uint(attempt-1))
}

// Do runs fn, retrying transient failures up to p.Retries times. Non-transient
// errors are returned immediately. When retries are exhausted the zero value
// is returned together with an error wrapping ErrNoResponse.
func Do[T any](ctx context.Context, p *Policy, op string, fn Func[T]) (T, error) {
	var zero T
	logger := p.logger()

	attempt := 0
	for {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !IsTransient(err) {
			return v, err
		}

		attempt++
		logger.Error("http request failed",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt > p.Retries {
			logger.Debug("exceeded retries",
				zap.String("operation", op),
				zap.Int("retries", p.Retries),
			)
			return zero, fmt.Errorf("%s: %w: %w", op, ErrNoResponse, err)
		}

		delay := p.Delay(attempt)
		logger.Info("retrying request",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Int("retries", p.Retries),
			zap.Float64("backoff_sec", delay.Seconds()),
		)
		if err := p.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%s: %w", op, err)
		}
	}
}

// Wrap decorates fn with the policy so call sites stay free of retry logic
func Wrap[T any](p *Policy, op string, fn Func[T]) Func[T] {
	return func(ctx context.Context) (T, error) {
		return Do(ctx, p, op, fn)
	}
}

// TransientError marks an error as connectivity-class
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// MarkTransient wraps err so IsTransient reports true
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a timeout, refused or reset connection,
// DNS failure or truncated response
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var marked *TransientError
	if errors.As(err, &marked) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	return false
}

// SleepContext waits for d, returning early with ctx.Err() on cancellation
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep == nil {
		return SleepContext(ctx, d)
	}
	return p.Sleep(ctx, d)
}

func (p *Policy) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
