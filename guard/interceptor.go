package guard

import (
	"context"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ceyewan/clusterkit/clog"
	"github.com/ceyewan/clusterkit/metrics"
	"github.com/ceyewan/clusterkit/xerrors"
)

// MetricGRPCCallsTotal 按 gRPC 状态码统计实际发出的调用
const MetricGRPCCallsTotal = "guard_grpc_calls_total"

// KeyFunc 从 gRPC 调用中提取熔断器名称
type KeyFunc func(ctx context.Context, method string, cc *grpc.ClientConn) string

// TargetKey 使用连接的 target 作为熔断器名称
func TargetKey(_ context.Context, _ string, cc *grpc.ClientConn) string {
	return cc.Target()
}

// MethodKey 使用完整方法名作为熔断器名称
func MethodKey(_ context.Context, method string, _ *grpc.ClientConn) string {
	return method
}

// InterceptorOption 拦截器选项
type InterceptorOption func(*interceptorOptions)

type interceptorOptions struct {
	keyFunc  KeyFunc
	fallback func(ctx context.Context, method string, err error) error
}

// WithKeyFunc 设置熔断器名称的提取方式，默认 TargetKey
func WithKeyFunc(fn KeyFunc) InterceptorOption {
	return func(o *interceptorOptions) {
		if fn != nil {
			o.keyFunc = fn
		}
	}
}

// WithFallback 设置非业务错误的降级处理，默认原样返回错误
func WithFallback(fn func(ctx context.Context, method string, err error) error) InterceptorOption {
	return func(o *interceptorOptions) {
		o.fallback = fn
	}
}

// UnaryClientInterceptor 返回 gRPC 一元调用客户端拦截器
//
// 调用返回的 status 在边界处转换为 *xerrors.RemoteError 或 *xerrors.InfrastructureError，
// 再交给熔断器和路由规则处理。
//
//	exec, _ := guard.NewExecutor(pool, guard.WithLogger(logger))
//	conn, _ := grpc.NewClient(target,
//		grpc.WithUnaryInterceptor(exec.UnaryClientInterceptor()),
//	)
func (e *Executor) UnaryClientInterceptor(opts ...InterceptorOption) grpc.UnaryClientInterceptor {
	o := &interceptorOptions{keyFunc: TargetKey}
	for _, opt := range opts {
		opt(o)
	}

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		name := o.keyFunc(ctx, method, cc)
		e.logger.DebugContext(ctx, "unary call with circuit breaker",
			clog.String("name", name),
			clog.String("method", method))

		var result error
		e.Execute(ctx, name,
			func(ctx context.Context) (any, error) {
				err := invoker(ctx, method, req, reply, cc, callOpts...)
				code := status.Code(err)
				e.calls.Inc(ctx,
					metrics.L(metrics.LabelGRPCCode, metrics.GRPCStatusClass(code)),
					metrics.L(metrics.LabelResult, metrics.GRPCOutcome(code)))
				return nil, FromStatus(method, err)
			},
			func(_ any, err error) { result = err },
			func(err error) {
				if o.fallback != nil {
					result = o.fallback(ctx, method, err)
					return
				}
				result = err
			})
		return result
	}
}

// FromStatus 将 gRPC 调用错误转换为失败分类
//
// 业务状态码转换为 RemoteError，Code 使用对应的 HTTP 状态码；
// 其余状态码（Unavailable、DeadlineExceeded、Internal 等）转换为 InfrastructureError。
func FromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return xerrors.Infra(op, err)
	}
	if code, remote := remoteCode(st.Code()); remote {
		return xerrors.Remote(code, st.Message())
	}
	return xerrors.Infra(op, err)
}

func remoteCode(c codes.Code) (int, bool) {
	switch c {
	case codes.InvalidArgument, codes.OutOfRange, codes.FailedPrecondition:
		return http.StatusBadRequest, true
	case codes.Unauthenticated:
		return http.StatusUnauthorized, true
	case codes.PermissionDenied:
		return http.StatusForbidden, true
	case codes.NotFound:
		return http.StatusNotFound, true
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict, true
	case codes.Unimplemented:
		return http.StatusNotImplemented, true
	default:
		return 0, false
	}
}
