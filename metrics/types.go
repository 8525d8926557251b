package metrics

import "context"

// Counter 计数器接口，记录只增不减的累计值
//
//	counter, _ := meter.Counter("registry_publish_total", "服务发布次数")
//	counter.Inc(ctx, metrics.L("result", "ok"))
type Counter interface {
	// Inc 将计数器增加 1
	Inc(ctx context.Context, labels ...Label)
	// Add 将计数器增加给定的值，负数会被底层实现忽略
	Add(ctx context.Context, val float64, labels ...Label)
}

// Gauge 仪表盘接口，记录可任意增减的瞬时值
//
// 例如断路器状态：0 表示 closed，1 表示 half-open，2 表示 open。
type Gauge interface {
	// Set 覆盖当前值
	Set(ctx context.Context, val float64, labels ...Label)
	// Inc 将当前值增加 1
	Inc(ctx context.Context, labels ...Label)
	// Dec 将当前值减少 1
	Dec(ctx context.Context, labels ...Label)
}

// Histogram 直方图接口，记录值的分布情况
//
//	histogram, _ := meter.Histogram("guard_call_duration_seconds", "受保护调用耗时", metrics.WithUnit("s"))
//	histogram.Record(ctx, 0.123, metrics.L("name", "ORDERS"))
type Histogram interface {
	Record(ctx context.Context, val float64, labels ...Label)
}

// Meter 指标创建工厂接口
//
// Meter 创建的指标是并发安全的。同名指标重复创建会返回同一底层 instrument。
type Meter interface {
	Counter(name string, desc string, opts ...MetricOption) (Counter, error)
	Gauge(name string, desc string, opts ...MetricOption) (Gauge, error)
	Histogram(name string, desc string, opts ...MetricOption) (Histogram, error)

	// Shutdown 关闭 Meter 并刷新所有指标，通常在进程退出时调用
	Shutdown(ctx context.Context) error
}

// MetricOption 指标配置选项函数类型
type MetricOption func(*MetricOptions)

// MetricOptions 指标选项
type MetricOptions struct {
	// Unit 指标单位，建议使用 UCUM 代码，如 "s"、"By"
	Unit string
	// Buckets 直方图的显式桶边界，仅对 Histogram 生效
	Buckets []float64
}

// WithUnit 设置指标的单位
func WithUnit(unit string) MetricOption {
	return func(o *MetricOptions) {
		o.Unit = unit
	}
}

// WithBuckets 设置直方图的桶边界
func WithBuckets(buckets ...float64) MetricOption {
	return func(o *MetricOptions) {
		o.Buckets = buckets
	}
}

func applyMetricOptions(opts []MetricOption) *MetricOptions {
	mo := &MetricOptions{}
	for _, opt := range opts {
		opt(mo)
	}
	return mo
}
