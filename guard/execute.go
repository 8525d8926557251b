package guard

import (
	"context"

	"github.com/ceyewan/clusterkit/breaker"
	"github.com/ceyewan/clusterkit/clog"
	"github.com/ceyewan/clusterkit/metrics"
	"github.com/ceyewan/clusterkit/xerrors"
)

// MetricOutcomesTotal 调用结果计数，kind 为 Classify 的结果
const MetricOutcomesTotal = "guard_outcomes_total"

// router 记录诊断信息并统计结果
type router struct {
	logger   clog.Logger
	outcomes metrics.Counter
}

func newRouter(o *options) *router {
	r := &router{logger: o.logger}
	counter, err := o.meter.Counter(MetricOutcomesTotal, "guard 调用结果")
	if err != nil {
		r.logger.Warn("failed to create outcome counter", clog.Error(err))
		counter, _ = metrics.Discard().Counter(MetricOutcomesTotal, "")
	}
	r.outcomes = counter
	return r
}

// observe 对 err 分类，记录日志和指标，返回分类结果
func (r *router) observe(ctx context.Context, b breaker.Breaker, err error) Kind {
	kind := Classify(err)
	r.outcomes.Inc(ctx, metrics.L(metrics.LabelName, b.Name()), metrics.L(metrics.LabelKind, kind.String()))

	switch kind {
	case KindRemote:
		re, _ := xerrors.AsRemote(err)
		r.logger.InfoContext(ctx, "remote reported error",
			clog.String("name", b.Name()),
			clog.Int("code", re.Code),
			clog.String("message", re.Message))
	case KindTimeout:
		failures, state := b.Failures(), b.State()
		var terr *breaker.TimeoutError
		if xerrors.As(err, &terr) {
			failures, state = terr.Failures, terr.State
		}
		r.logger.ErrorContext(ctx, "guarded call timed out",
			clog.String("name", b.Name()),
			clog.Int64("failures", int64(failures)),
			clog.String("state", state.String()),
			clog.Duration("call_timeout", b.Policy().CallTimeout))
	case KindBreakerOpen:
		r.logger.DebugContext(ctx, "guarded call rejected", clog.String("name", b.Name()))
	case KindInfrastructure:
		r.logger.WarnContext(ctx, "guarded call failed", clog.String("name", b.Name()), clog.Error(err))
	}
	return kind
}

// Execute 在熔断器 b 的保护下执行 op，并将结果路由到 onResult 或 onFallback
//
// onResult 和 onFallback 在 Execute 返回前于调用方协程中被调用，且只调用其中一个。
// 两者都可以为 nil。
func Execute[T any](ctx context.Context, b breaker.Breaker, op func(ctx context.Context) (T, error),
	onResult func(T, error), onFallback func(error), opts ...Option) {
	execute(ctx, newRouter(applyOptions(opts)), b, op, onResult, onFallback)
}

func execute[T any](ctx context.Context, r *router, b breaker.Breaker, op func(ctx context.Context) (T, error),
	onResult func(T, error), onFallback func(error)) {
	v, err := b.Execute(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	})

	var zero T
	switch r.observe(ctx, b, err) {
	case KindNone:
		if onResult != nil {
			res, _ := v.(T)
			onResult(res, nil)
		}
	case KindRemote:
		if onResult != nil {
			onResult(zero, err)
		}
	default:
		if onFallback != nil {
			onFallback(err)
		}
	}
}

// Call 是 Execute 的同步形式
//
// 业务错误原样返回；其他失败交给 fallback，fallback 为 nil 时直接返回该错误。
func Call[T any](ctx context.Context, b breaker.Breaker, op func(ctx context.Context) (T, error),
	fallback func(error) (T, error), opts ...Option) (T, error) {
	return call(ctx, newRouter(applyOptions(opts)), b, op, fallback)
}

func call[T any](ctx context.Context, r *router, b breaker.Breaker, op func(ctx context.Context) (T, error),
	fallback func(error) (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	execute(ctx, r, b, op,
		func(v T, e error) { result, err = v, e },
		func(e error) {
			if fallback == nil {
				err = e
				return
			}
			result, err = fallback(e)
		})
	return result, err
}
