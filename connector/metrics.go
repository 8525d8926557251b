package connector

import (
	"context"

	"github.com/ceyewan/clusterkit/metrics"
)

const (
	MetricConnectAttempts = "connector_connect_attempts_total"
	MetricConnectFailures = "connector_connect_failures_total"
	MetricActive          = "connector_active"
)

// connMetrics 连接器共享的连接指标，标签 connector=<kind>/<name>
type connMetrics struct {
	label    metrics.Label
	attempts metrics.Counter
	failures metrics.Counter
	active   metrics.Gauge
}

func newConnMetrics(meter metrics.Meter, kind, name string) (*connMetrics, error) {
	m := &connMetrics{label: metrics.L("connector", connectorLabel(kind, name))}
	var err error
	if m.attempts, err = meter.Counter(MetricConnectAttempts, "连接尝试次数"); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Counter(MetricConnectFailures, "连接失败次数"); err != nil {
		return nil, err
	}
	if m.active, err = meter.Gauge(MetricActive, "连接是否处于活跃状态"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *connMetrics) attempt(ctx context.Context) { m.attempts.Inc(ctx, m.label) }
func (m *connMetrics) failed(ctx context.Context)  { m.failures.Inc(ctx, m.label) }
func (m *connMetrics) up(ctx context.Context)      { m.active.Set(ctx, 1, m.label) }
func (m *connMetrics) down(ctx context.Context)    { m.active.Set(ctx, 0, m.label) }
