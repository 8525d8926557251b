package registry

import (
	"context"

	"github.com/ceyewan/clusterkit/metrics"
)

const (
	MetricPublishTotal   = "registry_publish_total"
	MetricConsumeTotal   = "registry_consume_total"
	MetricEvictionsTotal = "registry_evictions_total"

	ConsumeHit      = "hit"
	ConsumeMiss     = "miss"
	ConsumeNotFound = "not_found"
	ConsumeError    = "error"
	ConsumeCanceled = "canceled"

	EvictUnpublish = "unpublish"
	EvictDown      = "down"
	EvictReplace   = "replace"
)

type instruments struct {
	publish   metrics.Counter
	consume   metrics.Counter
	evictions metrics.Counter
}

func newInstruments(meter metrics.Meter) (*instruments, error) {
	var (
		ins instruments
		err error
	)
	if ins.publish, err = meter.Counter(MetricPublishTotal, "发布次数"); err != nil {
		return nil, err
	}
	if ins.consume, err = meter.Counter(MetricConsumeTotal, "解析次数"); err != nil {
		return nil, err
	}
	if ins.evictions, err = meter.Counter(MetricEvictionsTotal, "解析缓存失效的句柄数"); err != nil {
		return nil, err
	}
	return &ins, nil
}

func (i *instruments) published(ctx context.Context, err error) {
	result := metrics.OutcomeSuccess
	if err != nil {
		result = metrics.OutcomeError
	}
	i.publish.Inc(ctx, metrics.L(metrics.LabelResult, result))
}

func (i *instruments) consumed(ctx context.Context, result string) {
	i.consume.Inc(ctx, metrics.L(metrics.LabelResult, result))
}

func (i *instruments) evicted(ctx context.Context, reason string, n int) {
	if n > 0 {
		i.evictions.Add(ctx, float64(n), metrics.L(metrics.LabelReason, reason))
	}
}
