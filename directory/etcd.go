package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/clusterkit/clog"
	"github.com/ceyewan/clusterkit/connector"
	"github.com/ceyewan/clusterkit/xerrors"
)

// leaseKeepAlive 一条注册对应的租约
type leaseKeepAlive struct {
	leaseID     clientv3.LeaseID
	keepAliveCh <-chan *clientv3.LeaseKeepAliveResponse
	cancel      context.CancelFunc
	name        string
	closed      atomic.Bool
}

type etcdDirectory struct {
	client *clientv3.Client
	cfg    *EtcdConfig
	logger clog.Logger

	mu       sync.Mutex
	leases   map[string]*leaseKeepAlive // registrationID -> lease
	watchers map[uint64]context.CancelFunc
	watchSeq uint64
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// NewEtcd 创建基于 etcd 的目录，借用连接器的客户端
func NewEtcd(conn connector.EtcdConnector, cfg *EtcdConfig, opts ...Option) (Directory, error) {
	if conn == nil {
		return nil, xerrors.New("directory: etcd connector is required")
	}
	client := conn.GetClient()
	if client == nil {
		return nil, xerrors.Wrap(connector.ErrNotConnected, "directory: etcd client is nil")
	}
	if cfg == nil {
		cfg = &EtcdConfig{}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	return &etcdDirectory{
		client:   client,
		cfg:      cfg,
		logger:   o.logger.WithNamespace("etcd"),
		leases:   make(map[string]*leaseKeepAlive),
		watchers: make(map[uint64]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}, nil
}

func (d *etcdDirectory) ensureOpen() error {
	if d.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Publish 以租约写入记录并启动续约
func (d *etcdDirectory) Publish(ctx context.Context, record Record) (string, error) {
	if err := d.ensureOpen(); err != nil {
		return "", err
	}
	if err := record.Validate(); err != nil {
		return "", err
	}

	record = record.clone()
	record.RegistrationID = uuid.NewString()
	record.Status = StatusUp

	value, err := json.Marshal(record)
	if err != nil {
		return "", xerrors.Wrap(err, "marshal record")
	}

	lease, err := d.client.Grant(ctx, int64(d.cfg.TTL/time.Second))
	if err != nil {
		d.logger.Error("failed to grant lease", clog.String("name", record.Name), clog.Error(err))
		return "", xerrors.Wrap(err, "grant lease")
	}

	key := d.buildKey(record.Name, record.RegistrationID)
	if _, err := d.client.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
		d.revoke(lease.ID)
		d.logger.Error("failed to put record", clog.String("key", key), clog.Error(err))
		return "", xerrors.Wrap(err, "put record")
	}

	keepAliveCtx, cancel := context.WithCancel(context.Background())
	keepAliveCh, err := d.client.KeepAlive(keepAliveCtx, lease.ID)
	if err != nil {
		cancel()
		d.revoke(lease.ID)
		return "", xerrors.Wrap(err, "keepalive")
	}

	ka := &leaseKeepAlive{
		leaseID:     lease.ID,
		keepAliveCh: keepAliveCh,
		cancel:      cancel,
		name:        record.Name,
	}

	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		cancel()
		d.revoke(lease.ID)
		return "", ErrClosed
	}
	d.leases[record.RegistrationID] = ka
	d.wg.Add(1)
	d.mu.Unlock()

	go d.monitorKeepAlive(record.RegistrationID, ka)

	d.logger.Info("record published",
		clog.String("name", record.Name),
		clog.String("registration_id", record.RegistrationID),
		clog.Duration("ttl", d.cfg.TTL))
	return record.RegistrationID, nil
}

// Unpublish 撤销租约，关联的 key 随之删除
func (d *etcdDirectory) Unpublish(ctx context.Context, registrationID string) error {
	if err := d.ensureOpen(); err != nil {
		return err
	}

	d.mu.Lock()
	ka, ok := d.leases[registrationID]
	if !ok {
		d.mu.Unlock()
		return xerrors.Wrapf(ErrNotFound, "registration %s", registrationID)
	}
	delete(d.leases, registrationID)
	d.mu.Unlock()

	ka.closed.Store(true)
	ka.cancel()

	if _, err := d.client.Revoke(ctx, ka.leaseID); err != nil {
		d.logger.Error("failed to revoke lease",
			clog.String("registration_id", registrationID),
			clog.Error(err))
		return xerrors.Wrap(err, "revoke lease")
	}

	d.logger.Info("record unpublished",
		clog.String("name", ka.name),
		clog.String("registration_id", registrationID))
	return nil
}

func (d *etcdDirectory) Resolve(ctx context.Context, name string) ([]*Handle, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}

	resp, err := d.client.Get(ctx, d.buildPrefix(name), clientv3.WithPrefix())
	if err != nil {
		return nil, xerrors.Wrapf(err, "get %s", name)
	}

	handles := make([]*Handle, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		// 前缀 <ns>/A/ 不应匹配到其他名称下的键
		if n, _, ok := d.parseKey(string(kv.Key)); !ok || n != name {
			continue
		}
		var record Record
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			d.logger.Warn("skip malformed record", clog.String("key", string(kv.Key)), clog.Error(err))
			continue
		}
		handles = append(handles, &Handle{Record: record})
	}
	if len(handles) == 0 {
		return nil, xerrors.Wrapf(ErrNotFound, "name %s", name)
	}
	return handles, nil
}

// Release etcd 不跟踪句柄的使用
func (d *etcdDirectory) Release(*Handle) error {
	return nil
}

// Subscribe 监听整个命名空间
//
// PUT 映射为 UP，DELETE（注销或租约过期）映射为 DOWN。
// 断线后从上次处理的 revision 继续，revision 被压缩时重新同步。
func (d *etcdDirectory) Subscribe(fn func(Event)) (Subscription, error) {
	if fn == nil {
		return nil, xerrors.New("directory: nil event handler")
	}

	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.watchSeq++
	id := d.watchSeq
	d.watchers[id] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	go d.watch(ctx, id, fn)

	return subscriptionFunc(func() error {
		d.mu.Lock()
		if c, ok := d.watchers[id]; ok {
			c()
			delete(d.watchers, id)
		}
		d.mu.Unlock()
		return nil
	}), nil
}

func (d *etcdDirectory) watch(ctx context.Context, id uint64, fn func(Event)) {
	defer d.wg.Done()

	prefix := d.cfg.Namespace + "/"
	var lastRev int64

	for {
		opts := []clientv3.OpOption{clientv3.WithPrefix()}
		if lastRev > 0 {
			opts = append(opts, clientv3.WithRev(lastRev+1))
		}
		watchCh := d.client.Watch(ctx, prefix, opts...)
		d.logger.Debug("watch started", clog.Int64("watch_id", int64(id)), clog.Int64("from_revision", lastRev+1))

	inner:
		for {
			select {
			case <-ctx.Done():
				return
			case wresp, ok := <-watchCh:
				if !ok {
					break inner
				}
				if err := wresp.Err(); err != nil {
					if xerrors.Is(err, rpctypes.ErrCompacted) {
						d.logger.Warn("watch revision compacted, resyncing")
						if resp, err := d.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithCountOnly()); err == nil {
							lastRev = resp.Header.Revision
						}
					} else {
						d.logger.Error("watch error, will retry", clog.Error(err))
					}
					break inner
				}
				for _, ev := range wresp.Events {
					if ev.Kv.ModRevision > lastRev {
						lastRev = ev.Kv.ModRevision
					}
					event, ok := d.toEvent(ev)
					if !ok {
						continue
					}
					fn(event)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.RetryInterval):
			d.logger.Warn("retrying watch", clog.Duration("after", d.cfg.RetryInterval))
		}
	}
}

func (d *etcdDirectory) toEvent(ev *clientv3.Event) (Event, bool) {
	name, regID, ok := d.parseKey(string(ev.Kv.Key))
	if !ok {
		d.logger.Debug("ignore unrelated key", clog.String("key", string(ev.Kv.Key)))
		return Event{}, false
	}
	status := StatusUp
	if ev.Type == clientv3.EventTypeDelete {
		status = StatusDown
	}
	return Event{Name: name, Status: status, RegistrationID: regID}, true
}

// parseKey 从 <namespace>/<name>/<registrationID> 中解析名称和注册 ID
func (d *etcdDirectory) parseKey(key string) (string, string, bool) {
	rest, ok := strings.CutPrefix(key, d.cfg.Namespace+"/")
	if !ok {
		return "", "", false
	}
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// Close 停止所有监听和续约，并撤销本进程持有的租约，幂等
func (d *etcdDirectory) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	d.mu.Lock()
	close(d.stopCh)
	for id, cancel := range d.watchers {
		cancel()
		delete(d.watchers, id)
	}
	leases := make(map[string]*leaseKeepAlive, len(d.leases))
	for id, ka := range d.leases {
		leases[id] = ka
		ka.closed.Store(true)
		ka.cancel()
		delete(d.leases, id)
	}
	d.mu.Unlock()

	for id, ka := range leases {
		d.logger.Debug("revoking lease on close", clog.String("registration_id", id))
		d.revoke(ka.leaseID)
	}

	d.wg.Wait()
	d.logger.Info("etcd directory closed")
	return nil
}

func (d *etcdDirectory) revoke(leaseID clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.client.Revoke(ctx, leaseID); err != nil {
		d.logger.Warn("failed to revoke lease", clog.String("lease_id", fmt.Sprintf("%x", leaseID)), clog.Error(err))
	}
}

// monitorKeepAlive 续约通道关闭时仅记录日志，不重新注册
func (d *etcdDirectory) monitorKeepAlive(registrationID string, ka *leaseKeepAlive) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		case resp, ok := <-ka.keepAliveCh:
			if !ok {
				if ka.closed.Load() {
					return
				}
				d.logger.Error("keepalive channel closed, lease expired or connection lost",
					clog.String("name", ka.name),
					clog.String("registration_id", registrationID))
				d.mu.Lock()
				delete(d.leases, registrationID)
				d.mu.Unlock()
				return
			}
			d.logger.Debug("keepalive renewed",
				clog.String("registration_id", registrationID),
				clog.Int64("ttl", resp.TTL))
		}
	}
}

func (d *etcdDirectory) buildKey(name, registrationID string) string {
	return fmt.Sprintf("%s/%s/%s", d.cfg.Namespace, name, registrationID)
}

func (d *etcdDirectory) buildPrefix(name string) string {
	return fmt.Sprintf("%s/%s/", d.cfg.Namespace, name)
}
