package breaker

import (
	"context"
	"time"

	"github.com/ceyewan/clusterkit/metrics"
)

const (
	// MetricRequestsTotal 请求总数，result=success|failure|timeout|rejected
	MetricRequestsTotal = "breaker_requests_total"

	// MetricStateChanges 状态变更次数
	MetricStateChanges = "breaker_state_changes_total"

	// MetricRequestDuration 实际执行的调用耗时
	MetricRequestDuration = "breaker_request_duration_seconds"

	LabelFromState = "from_state"
	LabelToState   = "to_state"

	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultTimeout  = "timeout"
	ResultRejected = "rejected"
)

type instruments struct {
	requests     metrics.Counter
	stateChanges metrics.Counter
	duration     metrics.Histogram
}

func newInstruments(meter metrics.Meter) (*instruments, error) {
	var (
		ins instruments
		err error
	)
	if ins.requests, err = meter.Counter(MetricRequestsTotal, "熔断器请求总数"); err != nil {
		return nil, err
	}
	if ins.stateChanges, err = meter.Counter(MetricStateChanges, "熔断器状态变更次数"); err != nil {
		return nil, err
	}
	if ins.duration, err = meter.Histogram(MetricRequestDuration, "熔断器保护的调用耗时", metrics.WithUnit("s")); err != nil {
		return nil, err
	}
	return &ins, nil
}

func (i *instruments) record(ctx context.Context, name, result string, elapsed time.Duration) {
	i.requests.Inc(ctx, metrics.L(metrics.LabelName, name), metrics.L(metrics.LabelResult, result))
	if result != ResultRejected {
		i.duration.Record(ctx, elapsed.Seconds(), metrics.L(metrics.LabelName, name))
	}
}
