package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func newTestPolicy(retries int, rec *recordedSleeps) *Policy {
	p := NewPolicy(retries, time.Second, zap.NewNop())
	p.Sleep = rec.sleep
	return p
}

func connRefused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

func TestDo_SucceedsOnThirdAttemptWithTwoRetries(t *testing.T) {
	rec := &recordedSleeps{}
	p := newTestPolicy(2, rec)

	calls := 0
	got, err := Do(context.Background(), p, "fetch", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", connRefused()
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
}

func TestDo_ExhaustedReturnsNoResponse(t *testing.T) {
	rec := &recordedSleeps{}
	p := newTestPolicy(2, rec)

	calls := 0
	got, err := Do(context.Background(), p, "authenticate", func(ctx context.Context) (*http.Response, error) {
		calls++
		return nil, connRefused()
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Nil(t, got)
	assert.Equal(t, 3, calls)
	assert.Len(t, rec.delays, 2)
}

func TestDo_NonTransientPropagatesImmediately(t *testing.T) {
	rec := &recordedSleeps{}
	p := newTestPolicy(5, rec)
	malformed := errors.New("malformed request")

	calls := 0
	_, err := Do(context.Background(), p, "fetch", func(ctx context.Context) (int, error) {
		calls++
		return 0, malformed
	})

	assert.ErrorIs(t, err, malformed)
	assert.NotErrorIs(t, err, ErrNoResponse)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestDo_ZeroRetriesIsSingleAttempt(t *testing.T) {
	rec := &recordedSleeps{}
	p := newTestPolicy(0, rec)

	calls := 0
	_, err := Do(context.Background(), p, "fetch", func(ctx context.Context) (int, error) {
		calls++
		return 0, MarkTransient(errors.New("blip"))
	})

	assert.ErrorIs(t, err, ErrNoResponse)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	p := NewPolicy(3, time.Hour, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, p, "fetch", func(ctx context.Context) (int, error) {
		return 0, connRefused()
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestWrap_AppliesPolicy(t *testing.T) {
	rec := &recordedSleeps{}
	p := newTestPolicy(1, rec)

	calls := 0
	wrapped := Wrap(p, "fetch", func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, connRefused()
		}
		return 42, nil
	})

	got, err := wrapped(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, []time.Duration{time.Second}, rec.delays)
}

func TestDelay_Exponential(t *testing.T) {
	p := NewPolicy(4, 500*time.Millisecond, nil)

	assert.Equal(t, 500*time.Millisecond, p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
	assert.Equal(t, 4*time.Second, p.Delay(4))
}

func TestDelay_LargeAttemptsStayPositive(t *testing.T) {
	p := NewPolicy(100, 10*time.Millisecond, nil)

	ceiling := p.Delay(maxBackoffShift + 1)
	assert.Equal(t, 10*time.Millisecond*(1<<maxBackoffShift), ceiling)
	for _, attempt := range []int{maxBackoffShift + 2, 63, 64, 65, 100} {
		assert.Equal(t, ceiling, p.Delay(attempt), "attempt %d", attempt)
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(connRefused()))
	assert.True(t, IsTransient(&net.DNSError{Err: "no such host", Name: "share1.dexcom.com"}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(MarkTransient(errors.New("x"))))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("bad request")))
	assert.False(t, IsTransient(nil))
}

func TestIsTransient_RealClosedServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := http.Get(url)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
