// Package guard 在熔断器保护下执行调用，并按失败类型路由结果。
//
// 路由规则：
//   - 成功：onResult(v, nil)
//   - 对端报告的业务错误（*xerrors.RemoteError）：onResult(零值, err)，不调用 onFallback
//   - 调用超时：记录包含熔断器名称、连续失败次数和状态的错误日志，然后 onFallback(err)
//   - 熔断打开、基础设施错误及其他错误：onFallback(err)
//
// 任何失败都会到达 onResult 或 onFallback 之一，不会被丢弃。
//
// ## 基本使用
//
//	guard.Execute(ctx, brk,
//		func(ctx context.Context) (*Order, error) { return client.Get(ctx, id) },
//		func(o *Order, err error) { ... },
//		func(err error) { ... },
//		guard.WithLogger(logger))
//
// 同步调用使用 Call，按名称从端点池获取熔断器使用 Executor。
package guard

import (
	"errors"

	"github.com/ceyewan/clusterkit/breaker"
	"github.com/ceyewan/clusterkit/xerrors"
)

// Kind 失败分类
type Kind int

const (
	// KindNone 没有错误
	KindNone Kind = iota
	// KindRemote 对端报告的业务错误
	KindRemote
	// KindTimeout 调用超时
	KindTimeout
	// KindBreakerOpen 熔断器打开，调用未执行
	KindBreakerOpen
	// KindInfrastructure 其他失败
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRemote:
		return "remote"
	case KindTimeout:
		return "timeout"
	case KindBreakerOpen:
		return "breaker_open"
	default:
		return "infrastructure"
	}
}

// Classify 对错误进行分类
//
// RemoteError 优先于其他分类：即使它被包装在别的错误中，也视为业务错误。
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if _, ok := xerrors.AsRemote(err); ok {
		return KindRemote
	}
	if errors.Is(err, breaker.ErrOperationTimeout) {
		return KindTimeout
	}
	if errors.Is(err, breaker.ErrOpen) {
		return KindBreakerOpen
	}
	return KindInfrastructure
}
