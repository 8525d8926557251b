package guard

import (
	"context"

	"github.com/ceyewan/clusterkit/breaker"
	"github.com/ceyewan/clusterkit/clog"
	"github.com/ceyewan/clusterkit/endpoint"
	"github.com/ceyewan/clusterkit/metrics"
	"github.com/ceyewan/clusterkit/xerrors"
)

// Executor 按目标名称从端点池获取熔断器并执行调用
type Executor struct {
	pool   *endpoint.Pool
	router *router
	logger clog.Logger
	calls  metrics.Counter
}

// NewExecutor 创建 Executor
func NewExecutor(pool *endpoint.Pool, opts ...Option) (*Executor, error) {
	if pool == nil {
		return nil, xerrors.New("guard: endpoint pool is nil")
	}
	o := applyOptions(opts)
	calls, err := o.meter.Counter(MetricGRPCCallsTotal, "经过拦截器的 gRPC 调用")
	if err != nil {
		return nil, xerrors.Wrap(err, "create grpc call counter")
	}
	return &Executor{pool: pool, router: newRouter(o), logger: o.logger, calls: calls}, nil
}

// Execute 在 name 对应的熔断器保护下执行 op
//
// 获取熔断器失败（例如端点池已关闭）时，错误交给 onFallback。
func (e *Executor) Execute(ctx context.Context, name string, op breaker.Operation,
	onResult func(any, error), onFallback func(error)) {
	b, err := e.pool.BreakerFor(name)
	if err != nil {
		e.logger.WarnContext(ctx, "no breaker for destination", clog.String("name", name), clog.Error(err))
		if onFallback != nil {
			onFallback(err)
		}
		return
	}
	execute(ctx, e.router, b, op, onResult, onFallback)
}

// Invoke 是 Executor.Execute 的同步泛型形式，语义同 Call
func Invoke[T any](ctx context.Context, e *Executor, name string, op func(ctx context.Context) (T, error),
	fallback func(error) (T, error)) (T, error) {
	b, err := e.pool.BreakerFor(name)
	if err != nil {
		if fallback == nil {
			var zero T
			return zero, err
		}
		return fallback(err)
	}
	return call(ctx, e.router, b, op, fallback)
}
