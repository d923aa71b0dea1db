package xbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/observability/xmetrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errBoom = errors.New("boom")

func newTestBreaker(cfg Config, opts ...Option) *Breaker {
	return New("test", cfg, append([]Option{WithLogger(xlog.Discard())}, opts...)...)
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestConfig_Defaults(t *testing.T) {
	b := newTestBreaker(Config{})
	assert.Equal(t, DefaultConfig(), b.Config())
	assert.Equal(t, Config{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 60 * time.Second}, DefaultConfig())

	b = newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: -1, Timeout: time.Second})
	assert.Equal(t, Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second}, b.Config())
}

func TestBreaker_Lifecycle(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	for range 3 {
		assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.False(t, called, "open breaker must not invoke fn")
	assert.True(t, IsOpen(err))

	var be *BreakerError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "test", be.Name)
	assert.Equal(t, StateOpen, be.State)
	assert.False(t, be.Retryable())

	time.Sleep(60 * time.Millisecond)

	called = false
	require.NoError(t, b.Execute(ctx, func(context.Context) error { called = true; return nil }))
	assert.True(t, called, "first call after timeout runs in half-open")
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(2), b.Snapshot().Failures)

	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 40 * time.Millisecond})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())
	time.Sleep(50 * time.Millisecond)

	assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())

	snap := b.Snapshot()
	assert.Equal(t, "OPEN", snap.State)
	assert.WithinDuration(t, time.Now().Add(40*time.Millisecond), snap.NextAttempt, 30*time.Millisecond)

	assert.True(t, IsOpen(b.Execute(ctx, succeed)), "renewed window rejects immediately")
}

func TestBreaker_HalfOpenProbeLimit(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 30 * time.Millisecond})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	time.Sleep(40 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Execute(ctx, succeed)
	assert.True(t, IsTooManyProbes(err))
	assert.True(t, IsBreakerError(err))

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_Snapshot(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()

	snap := b.Snapshot()
	assert.Equal(t, "test", snap.Name)
	assert.Equal(t, "CLOSED", snap.State)
	assert.True(t, snap.LastFailure.IsZero())
	assert.True(t, snap.NextAttempt.IsZero())

	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)

	snap = b.Snapshot()
	assert.Equal(t, "OPEN", snap.State)
	assert.Equal(t, uint64(3), snap.TotalRequests, "rejected calls are not requests")
	assert.Equal(t, uint64(2), snap.TotalFailures)
	assert.False(t, snap.LastFailure.IsZero())
	assert.WithinDuration(t, time.Now().Add(time.Minute), snap.NextAttempt, time.Second)
}

func TestBreaker_Reset(t *testing.T) {
	var transitions []State
	b := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Minute},
		WithOnStateChange(func(_ string, _, to State) { transitions = append(transitions, to) }))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	snap := b.Snapshot()
	assert.Zero(t, snap.TotalRequests)
	assert.True(t, snap.NextAttempt.IsZero())
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestBreaker_ContextAndNilFunc(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, b.Execute(ctx, fail), context.Canceled)
	assert.Equal(t, StateClosed, b.State(), "cancelled calls are not counted")
	assert.ErrorIs(t, b.Execute(context.Background(), nil), ErrNilFunc)
}

func TestBreaker_SuccessPolicy(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 1},
		WithSuccessPolicy(func(err error) bool { return err == nil || errors.Is(err, context.Canceled) }))

	err := b.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestDo(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()

	v, err := Do(ctx, b, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = Do(ctx, b, func(context.Context) (int, error) { return 9, errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Zero(t, v)

	_, err = Do(ctx, b, func(context.Context) (int, error) { return 1, nil })
	assert.True(t, IsOpen(err))

	_, err = Do[int](ctx, b, nil)
	assert.ErrorIs(t, err, ErrNilFunc)
}

type recordingObserver struct {
	mu    sync.Mutex
	spans []xmetrics.SpanOptions
	ends  []xmetrics.Result
}

func (o *recordingObserver) Start(ctx context.Context, opts xmetrics.SpanOptions) (context.Context, xmetrics.Span) {
	o.mu.Lock()
	o.spans = append(o.spans, opts)
	o.mu.Unlock()
	return ctx, spanFunc(func(r xmetrics.Result) {
		o.mu.Lock()
		o.ends = append(o.ends, r)
		o.mu.Unlock()
	})
}

type spanFunc func(xmetrics.Result)

func (f spanFunc) End(r xmetrics.Result) { f(r) }

func TestBreaker_Observer(t *testing.T) {
	obs := &recordingObserver{}
	b := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Minute}, WithObserver(obs))

	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), succeed)

	require.Len(t, obs.spans, 2)
	assert.Equal(t, "xbreaker", obs.spans[0].Component)
	assert.Equal(t, "execute", obs.spans[0].Operation)
	require.Len(t, obs.ends, 2)
	assert.ErrorIs(t, obs.ends[0].Err, errBoom)
	assert.True(t, IsOpen(obs.ends[1].Err))
	assert.Contains(t, obs.ends[0].Attrs, xmetrics.Bool("rejected", false))
	assert.Contains(t, obs.ends[1].Attrs, xmetrics.Bool("rejected", true))
	assert.Contains(t, obs.ends[1].Attrs, xmetrics.String("state", "OPEN"))
}

func TestWrapBreakerError_Nested(t *testing.T) {
	inner := &BreakerError{Err: ErrCircuitOpen, Name: "inner", State: StateOpen}
	got := wrapBreakerError(inner, "outer")

	var be *BreakerError
	require.ErrorAs(t, got, &be)
	assert.Equal(t, "inner", be.Name)
	assert.NoError(t, wrapBreakerError(nil, "x"))
	assert.Equal(t, errBoom, wrapBreakerError(errBoom, "x"))
	assert.Contains(t, inner.Error(), "inner")
	assert.Contains(t, inner.Error(), "OPEN")
}
