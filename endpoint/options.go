package endpoint

import (
	"github.com/ceyewan/clusterkit/clog"
	"github.com/ceyewan/clusterkit/metrics"
)

// Option 端点池选项
type Option func(*options)

type options struct {
	logger   clog.Logger
	meter    metrics.Meter
	resolver HostResolver
}

// WithLogger 设置 Logger，内部会自动添加 namespace: "endpoint"
//
// 池内创建的熔断器使用同一个 Logger 的 "endpoint.breaker" 命名空间。
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("endpoint")
		}
	}
}

// WithMeter 设置指标收集器，同时传递给池内的熔断器
func WithMeter(meter metrics.Meter) Option {
	return func(o *options) {
		if meter != nil {
			o.meter = meter
		}
	}
}

// WithHostResolver 设置按名称的主机解析策略
func WithHostResolver(r HostResolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}
