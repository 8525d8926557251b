package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/ceyewan/clusterkit/clog"
	"github.com/ceyewan/clusterkit/metrics"
)

// circuitBreaker Breaker 的 gobreaker 实现
type circuitBreaker struct {
	name   string
	policy Policy
	cb     *gobreaker.CircuitBreaker[any]
	logger clog.Logger
	ins    *instruments
}

type callResult struct {
	value any
	err   error
}

func newCircuitBreaker(name string, policy Policy, opts *options) (*circuitBreaker, error) {
	ins, err := newInstruments(opts.meter)
	if err != nil {
		return nil, fmt.Errorf("breaker %s: init metrics: %w", name, err)
	}

	b := &circuitBreaker{
		name:   name,
		policy: policy,
		logger: opts.logger.With(clog.String("breaker", name)),
		ins:    ins,
	}

	maxFailures := policy.MaxFailures
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0, // 连续失败计数，CLOSED 状态不做周期清零
		Timeout:     policy.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: b.onStateChange,
	})

	return b, nil
}

func (b *circuitBreaker) Name() string { return b.name }

func (b *circuitBreaker) Policy() Policy { return b.policy }

func (b *circuitBreaker) State() State { return fromGoBreaker(b.cb.State()) }

func (b *circuitBreaker) Failures() uint32 { return b.cb.Counts().ConsecutiveFailures }

func (b *circuitBreaker) Execute(ctx context.Context, fn Operation) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	var failuresAtTimeout uint32
	value, err := b.cb.Execute(func() (any, error) {
		v, err := b.run(ctx, fn)
		if errors.Is(err, ErrOperationTimeout) {
			// 回调内不持有 gobreaker 的锁，本次失败尚未计入
			failuresAtTimeout = b.cb.Counts().ConsecutiveFailures + 1
		}
		return v, err
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		b.ins.record(ctx, b.name, ResultSuccess, elapsed)
		return value, nil

	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.ins.record(ctx, b.name, ResultRejected, elapsed)
		b.logger.DebugContext(ctx, "call rejected", clog.String("state", b.State().String()))
		return nil, fmt.Errorf("breaker %s: %w", b.name, ErrOpen)

	case errors.Is(err, ErrOperationTimeout):
		b.ins.record(ctx, b.name, ResultTimeout, elapsed)
		terr := &TimeoutError{
			Name:     b.name,
			Timeout:  b.policy.CallTimeout,
			Failures: failuresAtTimeout,
			State:    b.State(),
		}
		b.logger.ErrorContext(ctx, "call timed out",
			clog.Duration("timeout", terr.Timeout),
			clog.Int64("failures", int64(terr.Failures)),
			clog.Int64("max_failures", int64(b.policy.MaxFailures)),
			clog.String("state", terr.State.String()))
		return nil, terr

	default:
		b.ins.record(ctx, b.name, ResultFailure, elapsed)
		return value, err
	}
}

// run 执行 fn 并施加调用超时，超时后 fn 的结果被丢弃
func (b *circuitBreaker) run(ctx context.Context, fn Operation) (any, error) {
	if b.policy.CallTimeout < 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.policy.CallTimeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("breaker %s: operation panicked: %v", b.name, r)}
			}
		}()
		v, err := fn(callCtx)
		done <- callResult{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrOperationTimeout
	}
}

func (b *circuitBreaker) onStateChange(_ string, from, to gobreaker.State) {
	f, t := fromGoBreaker(from), fromGoBreaker(to)
	fields := []clog.Field{clog.String("from", f.String()), clog.String("to", t.String())}
	if t == StateOpen {
		b.logger.Warn("circuit breaker opened", fields...)
	} else {
		b.logger.Info("circuit breaker state changed", fields...)
	}

	b.ins.stateChanges.Inc(context.Background(),
		metrics.L(metrics.LabelName, b.name),
		metrics.L(LabelFromState, f.String()),
		metrics.L(LabelToState, t.String()),
	)
}

func fromGoBreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
