// Package breaker 提供按目标名称隔离的熔断器，基于 sony/gobreaker 实现。
//
// 每个 Breaker 对应一个下游目标，状态机为：
//
//	CLOSED --(连续失败 >= MaxFailures)--> OPEN --(ResetTimeout)--> HALF_OPEN
//	HALF_OPEN --(试探成功)--> CLOSED
//	HALF_OPEN --(试探失败)--> OPEN
//
// 计数采用连续失败计数：CLOSED 状态下任意一次成功都会把计数清零，不使用滚动窗口。
// HALF_OPEN 状态只放行一次试探调用，其余调用直接返回 ErrOpen。
//
// 超过 CallTimeout 的调用以 *TimeoutError 失败并计入失败次数；
// 被放弃的调用在之后完成时，结果会被丢弃。
//
// ## 基本使用
//
//	brk, _ := breaker.New("ORDERS", breaker.DefaultPolicy(), breaker.WithLogger(logger))
//	v, err := brk.Execute(ctx, func(ctx context.Context) (any, error) {
//		return client.GetOrder(ctx, req)
//	})
//	if errors.Is(err, breaker.ErrOpen) {
//		// 快速失败，未发起调用
//	}
package breaker

import (
	"context"
	"time"
)

// State 熔断器状态
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Policy 熔断策略
type Policy struct {
	// MaxFailures 连续失败多少次后打开
	MaxFailures uint32 `json:"max_failures" yaml:"max_failures" mapstructure:"max_failures"`

	// CallTimeout 单次调用的超时时间，小于 0 表示不限制
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout" mapstructure:"call_timeout"`

	// ResetTimeout OPEN 状态持续多久后进入 HALF_OPEN
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout" mapstructure:"reset_timeout"`

	// NotificationInterval 状态上报周期，由 endpoint.Pool 使用。
	// 在 endpoint.Config 中 0 取默认周期，小于 0 表示不上报
	NotificationInterval time.Duration `json:"notification_interval" yaml:"notification_interval" mapstructure:"notification_interval"`
}

// DefaultPolicy 端点熔断的默认策略：3 次失败、30s 调用超时、10s 重置、6h 上报
func DefaultPolicy() Policy {
	return Policy{
		MaxFailures:          3,
		CallTimeout:          30 * time.Second,
		ResetTimeout:         10 * time.Second,
		NotificationInterval: 6 * time.Hour,
	}
}

// GenericPolicy 临时熔断器的默认策略：5 次失败、5s 调用超时、10s 重置、1m 上报
func GenericPolicy() Policy {
	return Policy{
		MaxFailures:          5,
		CallTimeout:          5 * time.Second,
		ResetTimeout:         10 * time.Second,
		NotificationInterval: time.Minute,
	}
}

// withDefaults 零值字段取 fallback 中的值
func (p Policy) withDefaults(fallback Policy) Policy {
	if p.MaxFailures == 0 {
		p.MaxFailures = fallback.MaxFailures
	}
	if p.CallTimeout == 0 {
		p.CallTimeout = fallback.CallTimeout
	}
	if p.ResetTimeout <= 0 {
		p.ResetTimeout = fallback.ResetTimeout
	}
	if p.NotificationInterval < 0 {
		p.NotificationInterval = 0
	}
	return p
}

// Operation 受保护的操作，ctx 在 CallTimeout 到期时被取消
type Operation func(ctx context.Context) (any, error)

// Breaker 单个目标的熔断器，并发安全
type Breaker interface {
	// Name 返回目标名称
	Name() string

	// Execute 在熔断保护下执行 fn
	//
	// 返回错误：
	//   - ErrOpen: OPEN 或 HALF_OPEN 试探进行中，fn 未被执行
	//   - *TimeoutError: fn 超过 CallTimeout，errors.Is(err, ErrOperationTimeout) 为 true
	//   - fn 自身返回的错误
	Execute(ctx context.Context, fn Operation) (any, error)

	// State 返回当前状态
	State() State

	// Failures 返回当前连续失败次数
	Failures() uint32

	// Policy 返回生效的策略
	Policy() Policy
}

// New 创建熔断器，policy 中的零值字段使用 GenericPolicy 的值
func New(name string, policy Policy, opts ...Option) (Breaker, error) {
	if name == "" {
		return nil, ErrNameEmpty
	}
	return newCircuitBreaker(name, policy.withDefaults(GenericPolicy()), applyOptions(opts))
}
