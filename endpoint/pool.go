package endpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/clusterkit/breaker"
	"github.com/ceyewan/clusterkit/clog"
	"github.com/ceyewan/clusterkit/metrics"
	"github.com/ceyewan/clusterkit/xerrors"
)

const (
	// MetricBreakerState 熔断器状态，0=closed 1=half_open 2=open
	MetricBreakerState = "endpoint_breaker_state"
	// MetricBreakerFailures 熔断器当前连续失败次数
	MetricBreakerFailures = "endpoint_breaker_failures"
)

// Pool 端点池，并发安全
type Pool struct {
	cfg      Config
	logger   clog.Logger
	meter    metrics.Meter
	resolver HostResolver

	breakers sync.Map // name -> breaker.Breaker
	mu       sync.Mutex

	stateGauge    metrics.Gauge
	failuresGauge metrics.Gauge

	closed atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool 创建端点池
//
// Policy.NotificationInterval 为 0 时使用 breaker.DefaultPolicy 的周期，小于 0 时不上报；
// 周期大于 0 时启动后台协程，周期性上报每个熔断器的状态，
// 直到 Close 被调用。
func NewPool(cfg *Config, opts ...Option) (*Pool, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	c := *cfg
	c.setDefaults()

	o := &options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, opt := range opts {
		opt(o)
	}

	p := &Pool{
		cfg:      c,
		logger:   o.logger,
		meter:    o.meter,
		resolver: o.resolver,
	}

	var err error
	if p.stateGauge, err = p.meter.Gauge(MetricBreakerState, "端点熔断器状态"); err != nil {
		return nil, xerrors.Wrap(err, "endpoint: init metrics")
	}
	if p.failuresGauge, err = p.meter.Gauge(MetricBreakerFailures, "端点熔断器连续失败次数"); err != nil {
		return nil, xerrors.Wrap(err, "endpoint: init metrics")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	if interval := c.Policy.NotificationInterval; interval > 0 {
		p.wg.Add(1)
		go p.notifyLoop(ctx, interval)
	}

	p.logger.Info("endpoint pool created",
		clog.String("public_host", c.PublicHost),
		clog.String("private_host", c.PrivateHost),
		clog.Int64("max_failures", int64(c.Policy.MaxFailures)),
		clog.Duration("call_timeout", c.Policy.CallTimeout),
		clog.Duration("reset_timeout", c.Policy.ResetTimeout))
	return p, nil
}

// Record 构造端点记录
func (p *Pool) Record(name, path string, scope Scope, useTLS bool) Record {
	return Record{
		Name:   name,
		Path:   path,
		Host:   p.host(name, scope),
		Port:   portFor(useTLS),
		UseTLS: useTLS,
	}
}

// InternalRecord 构造集群内部访问的端点记录，启用 TLS
func (p *Pool) InternalRecord(name, path string) Record {
	return p.Record(name, path, Internal, true)
}

// ExternalRecord 构造外部访问的端点记录，启用 TLS
func (p *Pool) ExternalRecord(name, path string) Record {
	return p.Record(name, path, External, true)
}

func (p *Pool) host(name string, scope Scope) string {
	if p.resolver != nil {
		var h string
		if scope == External {
			h = p.resolver.ExternalHost(name)
		} else {
			h = p.resolver.InternalHost(name)
		}
		if h != "" {
			return h
		}
	}
	if scope == External {
		return p.cfg.PublicHost
	}
	return p.cfg.PrivateHost
}

// BreakerFor 返回 name 对应的熔断器，不存在时按池策略创建
//
// 同一个 name 在池的生命周期内只会创建一个熔断器。
func (p *Pool) BreakerFor(name string) (breaker.Breaker, error) {
	if v, ok := p.breakers.Load(name); ok {
		return v.(breaker.Breaker), nil
	}
	if p.closed.Load() {
		return nil, ErrClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.breakers.Load(name); ok {
		return v.(breaker.Breaker), nil
	}

	b, err := breaker.New(p.cfg.BreakerPrefix+name, p.cfg.Policy,
		breaker.WithLogger(p.logger),
		breaker.WithMeter(p.meter))
	if err != nil {
		return nil, err
	}
	p.breakers.Store(name, b)
	p.logger.Debug("breaker created", clog.String("name", name))
	return b, nil
}

// Breakers 返回当前所有熔断器的快照
func (p *Pool) Breakers() map[string]breaker.Breaker {
	out := make(map[string]breaker.Breaker)
	p.breakers.Range(func(k, v any) bool {
		out[k.(string)] = v.(breaker.Breaker)
		return true
	})
	return out
}

// Policy 返回池内熔断器使用的策略
func (p *Pool) Policy() breaker.Policy {
	return p.cfg.Policy
}

// Close 停止状态上报，幂等。已创建的熔断器仍可使用。
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.logger.Info("endpoint pool closed")
}

func (p *Pool) notifyLoop(ctx context.Context, interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.report(ctx)
		}
	}
}

// report 上报每个熔断器的状态和失败次数
func (p *Pool) report(ctx context.Context) {
	for name, b := range p.Breakers() {
		state, failures := b.State(), b.Failures()
		label := metrics.L(metrics.LabelName, name)
		p.stateGauge.Set(ctx, float64(state), label)
		p.failuresGauge.Set(ctx, float64(failures), label)
		p.logger.Debug("breaker status",
			clog.String("name", name),
			clog.String("state", state.String()),
			clog.Int64("failures", int64(failures)))
	}
}
