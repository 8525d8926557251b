package guard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/clusterkit/breaker"
	"github.com/ceyewan/clusterkit/clog"
	"github.com/ceyewan/clusterkit/endpoint"
	"github.com/ceyewan/clusterkit/metrics"
	"github.com/ceyewan/clusterkit/xerrors"
)

func newBreaker(t *testing.T, policy breaker.Policy) breaker.Breaker {
	t.Helper()
	b, err := breaker.New("ORDERS", policy)
	require.NoError(t, err)
	return b
}

func testPolicy() breaker.Policy {
	return breaker.Policy{MaxFailures: 2, CallTimeout: time.Second, ResetTimeout: time.Minute}
}

// recorder 记录回调的调用情况
type recorder[T any] struct {
	results   atomic.Int32
	fallbacks atomic.Int32
	value     T
	err       error
}

func (r *recorder[T]) onResult(v T, err error) {
	r.results.Add(1)
	r.value, r.err = v, err
}

func (r *recorder[T]) onFallback(err error) {
	r.fallbacks.Add(1)
	r.err = err
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"remote", xerrors.Remote(409, "conflict"), KindRemote},
		{"wrapped remote", fmt.Errorf("call: %w", xerrors.Remote(404, "missing")), KindRemote},
		{"timeout", &breaker.TimeoutError{Name: "x"}, KindTimeout},
		{"timeout sentinel", breaker.ErrOperationTimeout, KindTimeout},
		{"open", fmt.Errorf("breaker x: %w", breaker.ErrOpen), KindBreakerOpen},
		{"infra", xerrors.Infra("dial", errors.New("refused")), KindInfrastructure},
		{"plain", errors.New("boom"), KindInfrastructure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestExecute_Success(t *testing.T) {
	b := newBreaker(t, testPolicy())
	var rec recorder[string]

	Execute(context.Background(), b,
		func(context.Context) (string, error) { return "order-1", nil },
		rec.onResult, rec.onFallback,
		WithLogger(clog.Discard()), WithMeter(metrics.Discard()))

	assert.Equal(t, int32(1), rec.results.Load())
	assert.Zero(t, rec.fallbacks.Load())
	assert.Equal(t, "order-1", rec.value)
	assert.NoError(t, rec.err)
}

func TestExecute_RemoteErrorBypassesFallback(t *testing.T) {
	b := newBreaker(t, testPolicy())
	var rec recorder[string]

	Execute(context.Background(), b,
		func(context.Context) (string, error) { return "", xerrors.Remote(409, "version conflict") },
		rec.onResult, rec.onFallback)

	assert.Equal(t, int32(1), rec.results.Load())
	assert.Zero(t, rec.fallbacks.Load(), "fallback must not run for remote errors")

	re, ok := xerrors.AsRemote(rec.err)
	require.True(t, ok)
	assert.Equal(t, 409, re.Code)
	assert.Equal(t, "version conflict", re.Message)

	// 业务错误仍然计入熔断器失败次数
	assert.Equal(t, uint32(1), b.Failures())
}

func TestExecute_InfrastructureGoesToFallback(t *testing.T) {
	b := newBreaker(t, testPolicy())
	var rec recorder[int]
	cause := xerrors.Infra("dial", errors.New("connection refused"))

	Execute(context.Background(), b,
		func(context.Context) (int, error) { return 0, cause },
		rec.onResult, rec.onFallback)

	assert.Zero(t, rec.results.Load())
	assert.Equal(t, int32(1), rec.fallbacks.Load())
	assert.ErrorIs(t, rec.err, cause)
}

func TestExecute_TimeoutGoesToFallback(t *testing.T) {
	b := newBreaker(t, breaker.Policy{MaxFailures: 5, CallTimeout: 10 * time.Millisecond, ResetTimeout: time.Minute})
	var rec recorder[int]

	Execute(context.Background(), b,
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		},
		rec.onResult, rec.onFallback)

	assert.Zero(t, rec.results.Load())
	assert.Equal(t, int32(1), rec.fallbacks.Load())
	assert.ErrorIs(t, rec.err, breaker.ErrOperationTimeout)
	assert.Equal(t, KindTimeout, Classify(rec.err))
}

func TestExecute_OpenBreakerGoesToFallback(t *testing.T) {
	b := newBreaker(t, testPolicy())
	ctx := context.Background()
	failing := func(context.Context) (int, error) { return 0, errors.New("down") }

	Execute(ctx, b, failing, nil, nil)
	Execute(ctx, b, failing, nil, nil)
	require.Equal(t, breaker.StateOpen, b.State())

	var invoked atomic.Bool
	var rec recorder[int]
	Execute(ctx, b,
		func(context.Context) (int, error) {
			invoked.Store(true)
			return 1, nil
		},
		rec.onResult, rec.onFallback)

	assert.False(t, invoked.Load())
	assert.Equal(t, int32(1), rec.fallbacks.Load())
	assert.ErrorIs(t, rec.err, breaker.ErrOpen)
}

func TestCall(t *testing.T) {
	b := newBreaker(t, testPolicy())
	ctx := context.Background()

	v, err := Call(ctx, b, func(context.Context) (int, error) { return 7, nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = Call(ctx, b,
		func(context.Context) (int, error) { return 0, errors.New("refused") },
		func(error) (int, error) { return -1, nil })
	require.NoError(t, err)
	assert.Equal(t, -1, v, "fallback value is returned")

	var fallbackCalled bool
	_, err = Call(ctx, b,
		func(context.Context) (int, error) { return 0, xerrors.Remote(404, "no such order") },
		func(error) (int, error) {
			fallbackCalled = true
			return 0, nil
		})
	assert.False(t, fallbackCalled)
	re, ok := xerrors.AsRemote(err)
	require.True(t, ok)
	assert.Equal(t, 404, re.Code)
}

func TestCall_NilFallbackReturnsError(t *testing.T) {
	b := newBreaker(t, testPolicy())
	cause := errors.New("refused")

	_, err := Call(context.Background(), b, func(context.Context) (int, error) { return 0, cause }, nil)
	assert.ErrorIs(t, err, cause)
}

func TestExecutor(t *testing.T) {
	pool, err := endpoint.NewPool(&endpoint.Config{Policy: breaker.Policy{MaxFailures: 1, ResetTimeout: time.Minute}})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	exec, err := NewExecutor(pool, WithLogger(clog.Discard()))
	require.NoError(t, err)
	ctx := context.Background()

	var rec recorder[any]
	exec.Execute(ctx, "ORDERS",
		func(context.Context) (any, error) { return nil, errors.New("down") },
		rec.onResult, rec.onFallback)
	assert.Equal(t, int32(1), rec.fallbacks.Load())

	b, err := pool.BreakerFor("ORDERS")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateOpen, b.State())

	// 其他目标不受影响
	v, err := Invoke(ctx, exec, "USERS", func(context.Context) (string, error) { return "u1", nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, "u1", v)

	_, err = Invoke(ctx, exec, "ORDERS", func(context.Context) (string, error) { return "o1", nil }, nil)
	assert.ErrorIs(t, err, breaker.ErrOpen)
}

func TestExecutor_ClosedPool(t *testing.T) {
	pool, err := endpoint.NewPool(&endpoint.Config{})
	require.NoError(t, err)
	pool.Close()

	exec, err := NewExecutor(pool)
	require.NoError(t, err)

	var rec recorder[any]
	exec.Execute(context.Background(), "ORDERS",
		func(context.Context) (any, error) { return "x", nil },
		rec.onResult, rec.onFallback)
	assert.Equal(t, int32(1), rec.fallbacks.Load())
	assert.ErrorIs(t, rec.err, endpoint.ErrClosed)

	_, err = NewExecutor(nil)
	assert.Error(t, err)
}
