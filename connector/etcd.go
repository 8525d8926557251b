package connector

import (
	"context"
	"sync"
	"sync/atomic"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/clusterkit/clog"
	"github.com/ceyewan/clusterkit/xerrors"
)

// healthKey 仅用于探测连通性，不存在也不影响结果
const healthKey = "/clusterkit/health"

type etcdConnector struct {
	cfg     *EtcdConfig
	client  *clientv3.Client
	logger  clog.Logger
	metrics *connMetrics
	healthy atomic.Bool
	closed  bool
	mu      sync.RWMutex
}

// NewEtcd 创建 Etcd 连接器，此时不建立连接
func NewEtcd(cfg *EtcdConfig, opts ...Option) (EtcdConnector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opt := applyOptions(opts)
	m, err := newConnMetrics(opt.meter, "etcd", cfg.Name)
	if err != nil {
		return nil, xerrors.Wrap(err, "create etcd connector metrics")
	}

	return &etcdConnector{
		cfg:     cfg,
		logger:  opt.logger.With(clog.String("connector", "etcd"), clog.String("name", cfg.Name)),
		metrics: m,
	}, nil
}

// Connect 创建客户端并做一次读探测
func (c *etcdConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrAlreadyClosed
	}
	if c.client != nil && c.healthy.Load() {
		return nil
	}

	c.metrics.attempt(ctx)
	c.logger.Info("connecting to etcd", clog.Any("endpoints", c.cfg.Endpoints))

	if c.client == nil {
		client, err := clientv3.New(clientv3.Config{
			Endpoints:            c.cfg.Endpoints,
			DialTimeout:          c.cfg.DialTimeout,
			DialKeepAliveTime:    c.cfg.KeepAliveTime,
			DialKeepAliveTimeout: c.cfg.KeepAliveTimeout,
			Username:             c.cfg.Username,
			Password:             c.cfg.Password,
		})
		if err != nil {
			c.metrics.failed(ctx)
			return xerrors.Wrapf(xerrors.Join(ErrConnection, err), "etcd connector[%s]", c.cfg.Name)
		}
		c.client = client
	}

	if err := c.probe(ctx); err != nil {
		c.metrics.failed(ctx)
		c.logger.Error("failed to connect to etcd", clog.Error(err))
		return xerrors.Wrapf(xerrors.Join(ErrConnection, err), "etcd connector[%s]", c.cfg.Name)
	}

	c.healthy.Store(true)
	c.metrics.up(ctx)
	c.logger.Info("connected to etcd")
	return nil
}

func (c *etcdConnector) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	_, err := c.client.Get(probeCtx, healthKey)
	return err
}

// Close 关闭客户端，重复调用返回 nil
func (c *etcdConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.healthy.Store(false)
	c.metrics.down(context.Background())

	if c.client == nil {
		return nil
	}
	if err := c.client.Close(); err != nil {
		c.logger.Error("failed to close etcd client", clog.Error(err))
		return err
	}
	c.logger.Info("etcd connection closed")
	return nil
}

func (c *etcdConnector) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil || c.closed {
		c.healthy.Store(false)
		return ErrNotConnected
	}
	if err := c.probe(ctx); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("etcd health check failed", clog.Error(err))
		return xerrors.Wrapf(xerrors.Join(ErrHealthCheck, err), "etcd connector[%s]", c.cfg.Name)
	}
	c.healthy.Store(true)
	return nil
}

func (c *etcdConnector) IsHealthy() bool {
	return c.healthy.Load()
}

func (c *etcdConnector) Name() string {
	return c.cfg.Name
}

func (c *etcdConnector) GetClient() *clientv3.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}
