// Package registry 是进程内服务注册表：发布本地服务、解析并缓存远端句柄、按序关闭。
//
// Registry 建立在 directory.Directory 之上：
//   - 发布：把 RPC 句柄或 HTTP 端点记录写入目录，并记住注册以便关闭时注销
//   - 解析：优先读取本地缓存，未命中时向目录解析一次，并发的未命中只发起一次解析
//   - 存活：在整个生命周期内订阅目录事件，名称 DOWN 时清除其缓存
//   - 关闭：并行注销所有注册，归还所有句柄，清空状态
//
// ## 基本使用
//
//	dir, _ := directory.NewEtcd(etcdConn, &directory.EtcdConfig{}, directory.WithLogger(logger))
//	reg, _ := registry.New(dir, &registry.Config{}, registry.WithLogger(logger))
//	defer reg.Shutdown(context.Background())
//
//	// 发布
//	reg.PublishService(ctx, "ORDERS", "10.0.0.12:9001", nil)
//	reg.PublishAPI(ctx, pool.InternalRecord("ORDERS", "/v1"))
//
//	// 解析
//	h, err := reg.Consume(ctx, "USERS")
//	if errors.Is(err, registry.ErrNotFound) { ... }
//
// ## 多个句柄
//
// 一个名称可能由多个实例提供。缓存以注册 ID 为键保存全部句柄，每次 Consume 由 Picker
// 选择其中一个，默认 RandomPicker 均匀随机选择，命中和未命中使用同一策略。
//
// ## 错误
//
//   - ErrNotFound：本地没有该注册，或目录中没有该名称
//   - ErrShuttingDown：Shutdown 之后的任何调用
//   - *xerrors.InfrastructureError：目录不可用（例如与集群断开）
package registry

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ceyewan/clusterkit/clog"
	"github.com/ceyewan/clusterkit/directory"
	"github.com/ceyewan/clusterkit/endpoint"
	"github.com/ceyewan/clusterkit/metrics"
	"github.com/ceyewan/clusterkit/xerrors"
)

// Registration 本地发布的一条注册
type Registration struct {
	Name           string
	Kind           directory.Kind
	Record         directory.Record
	RegistrationID string
	PublishedAt    time.Time
}

// Registry 服务注册表，所有方法并发安全
type Registry interface {
	// Publish 发布记录。同名的旧注册会被替换，并在新记录生效后从目录中注销
	Publish(ctx context.Context, record directory.Record) (*Registration, error)

	// PublishService 发布 RPC 句柄
	PublishService(ctx context.Context, name, address string, metadata map[string]string) (*Registration, error)

	// PublishAPI 发布 HTTP 端点
	PublishAPI(ctx context.Context, record endpoint.Record) (*Registration, error)

	// Unpublish 注销本地注册，不存在时返回 ErrNotFound
	Unpublish(ctx context.Context, name string) error

	// Consume 解析名称并返回一个句柄
	Consume(ctx context.Context, name string) (*directory.Handle, error)

	// Lookup 解析名称并返回全部句柄，按注册 ID 排序，调用方不能修改返回的切片
	Lookup(ctx context.Context, name string) ([]*directory.Handle, error)

	// Registrations 返回当前所有本地注册的快照
	Registrations() []*Registration

	// Shutdown 注销所有注册并归还所有句柄，幂等
	Shutdown(ctx context.Context) error
}

type registry struct {
	dir     directory.Directory
	cfg     Config
	logger  clog.Logger
	picker  Picker
	limiter *rate.Limiter
	group   singleflight.Group
	ins     *instruments

	mu            sync.Mutex
	registrations map[string]*Registration
	cache         *handleCache
	epochs        map[string]uint64 // name -> 缓存失效次数
	listeners     map[uint64]func(name string)
	listenerSeq   uint64

	sub    directory.Subscription
	closed atomic.Bool
}

// New 创建 Registry 并订阅目录的存活事件
//
// Registry 借用 dir，不负责关闭它。
func New(dir directory.Directory, cfg *Config, opts ...Option) (Registry, error) {
	if dir == nil {
		return nil, ErrDirectoryNil
	}
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.setDefaults()

	o := &options{logger: clog.Discard(), meter: metrics.Discard(), picker: RandomPicker()}
	for _, opt := range opts {
		opt(o)
	}

	ins, err := newInstruments(o.meter)
	if err != nil {
		return nil, xerrors.Wrap(err, "registry: init metrics")
	}
	cache, err := newHandleCache(c.CacheSize, c.CacheTTL)
	if err != nil {
		return nil, err
	}

	r := &registry{
		dir:           dir,
		cfg:           c,
		logger:        o.logger,
		picker:        o.picker,
		ins:           ins,
		registrations: make(map[string]*Registration),
		cache:         cache,
		epochs:        make(map[string]uint64),
		listeners:     make(map[uint64]func(string)),
	}
	if c.ResolveRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(c.ResolveRate), c.ResolveBurst)
	}

	sub, err := dir.Subscribe(r.onEvent)
	if err != nil {
		cache.close()
		return nil, xerrors.Infra("subscribe", err)
	}
	r.sub = sub

	r.logger.Info("registry started",
		clog.Int("cache_size", c.CacheSize),
		clog.Duration("cache_ttl", c.CacheTTL),
		clog.Float64("resolve_rate", c.ResolveRate))
	return r, nil
}

func (r *registry) Publish(ctx context.Context, record directory.Record) (*Registration, error) {
	if r.closed.Load() {
		return nil, ErrShuttingDown
	}
	if err := record.Validate(); err != nil {
		return nil, xerrors.Wrap(ErrInvalidRecord, err.Error())
	}

	id, err := r.dir.Publish(ctx, record)
	r.ins.published(ctx, err)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to publish",
			clog.String("name", record.Name),
			clog.Error(err))
		return nil, xerrors.Infra("publish "+record.Name, err)
	}

	record.RegistrationID = id
	record.Status = directory.StatusUp
	reg := &Registration{
		Name:           record.Name,
		Kind:           record.Kind,
		Record:         record,
		RegistrationID: id,
		PublishedAt:    time.Now(),
	}

	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		// Shutdown 已经开始，它不会看到这条注册
		if err := r.dir.Unpublish(context.WithoutCancel(ctx), id); err != nil {
			r.logger.WarnContext(ctx, "failed to withdraw registration after shutdown",
				clog.String("name", record.Name), clog.Error(err))
		}
		return nil, ErrShuttingDown
	}
	old := r.registrations[record.Name]
	r.registrations[record.Name] = reg
	var stale *directory.Handle
	if old != nil {
		stale = r.cache.removeID(old.Name, old.RegistrationID)
		r.epochs[old.Name]++
	}
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "published",
		clog.String("name", reg.Name),
		clog.String("kind", string(reg.Kind)),
		clog.String("location", record.Location.String()),
		clog.String("registration_id", id))

	if old != nil {
		r.replaced(ctx, old, stale)
	}
	return reg, nil
}

// replaced 注销被替换的旧注册，失败只记录日志
func (r *registry) replaced(ctx context.Context, old *Registration, stale *directory.Handle) {
	if stale != nil {
		r.ins.evicted(ctx, EvictReplace, 1)
		r.release(stale)
	}
	err := r.dir.Unpublish(ctx, old.RegistrationID)
	r.evictID(ctx, old.Name, old.RegistrationID, EvictReplace)
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		r.logger.WarnContext(ctx, "failed to unpublish replaced registration",
			clog.String("name", old.Name),
			clog.String("registration_id", old.RegistrationID),
			clog.Error(err))
		return
	}
	r.logger.DebugContext(ctx, "replaced registration",
		clog.String("name", old.Name),
		clog.String("registration_id", old.RegistrationID))
}

// evictID 从缓存中移除 name 下注册 ID 为 id 的句柄，并使之前开始的解析不再写入缓存
func (r *registry) evictID(ctx context.Context, name, id, reason string) {
	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		return
	}
	stale := r.cache.removeID(name, id)
	r.epochs[name]++
	r.mu.Unlock()

	if stale == nil {
		return
	}
	r.ins.evicted(ctx, reason, 1)
	r.release(stale)
	r.notify(name)
}

func (r *registry) PublishService(ctx context.Context, name, address string, metadata map[string]string) (*Registration, error) {
	return r.Publish(ctx, directory.Record{
		Name:     name,
		Kind:     directory.KindRPC,
		Location: directory.Location{Address: address},
		Metadata: metadata,
	})
}

func (r *registry) PublishAPI(ctx context.Context, record endpoint.Record) (*Registration, error) {
	return r.Publish(ctx, record.DirectoryRecord())
}

func (r *registry) Unpublish(ctx context.Context, name string) error {
	if r.closed.Load() {
		return ErrShuttingDown
	}

	r.mu.Lock()
	reg, ok := r.registrations[name]
	if !ok {
		r.mu.Unlock()
		return xerrors.Wrapf(ErrNotFound, "no local registration for %s", name)
	}
	delete(r.registrations, name)
	r.mu.Unlock()

	r.evictID(ctx, name, reg.RegistrationID, EvictUnpublish)
	err := r.dir.Unpublish(ctx, reg.RegistrationID)
	// 目录调用期间开始的解析可能又缓存了这条注册
	r.evictID(ctx, name, reg.RegistrationID, EvictUnpublish)
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		r.logger.ErrorContext(ctx, "failed to unpublish",
			clog.String("name", name),
			clog.String("registration_id", reg.RegistrationID),
			clog.Error(err))
		return xerrors.Infra("unpublish "+name, err)
	}

	r.logger.InfoContext(ctx, "unpublished",
		clog.String("name", name),
		clog.String("registration_id", reg.RegistrationID))
	return nil
}

func (r *registry) Consume(ctx context.Context, name string) (*directory.Handle, error) {
	handles, err := r.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.picker.Pick(name, handles), nil
}

func (r *registry) Lookup(ctx context.Context, name string) ([]*directory.Handle, error) {
	if r.closed.Load() {
		return nil, ErrShuttingDown
	}
	if name == "" {
		return nil, xerrors.Wrap(ErrInvalidRecord, "name is empty")
	}

	if handles, ok := r.cache.get(name); ok {
		r.ins.consumed(ctx, ConsumeHit)
		return handles, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 失效之后开始的解析不与失效之前的解析合并
	r.mu.Lock()
	epoch := r.epochs[name]
	r.mu.Unlock()

	// 解析不受发起者取消的影响，每个调用方只等待自己的 ctx
	key := name + "#" + strconv.FormatUint(epoch, 10)
	ch := r.group.DoChan(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ResolveTimeout)
		defer cancel()
		return r.resolve(rctx, name, epoch)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		r.ins.consumed(ctx, ConsumeCanceled)
		return nil, ctx.Err()
	}
	v, err, shared := res.Val, res.Err, res.Shared
	switch {
	case err == nil:
		r.ins.consumed(ctx, ConsumeMiss)
	case errors.Is(err, ErrNotFound):
		r.ins.consumed(ctx, ConsumeNotFound)
		return nil, err
	default:
		r.ins.consumed(ctx, ConsumeError)
		return nil, err
	}

	handles := v.([]*directory.Handle)
	r.logger.DebugContext(ctx, "resolved",
		clog.String("name", name),
		clog.Int("handles", len(handles)),
		clog.Bool("shared", shared))
	return handles, nil
}

// resolve 向目录解析 name 并合并进缓存
//
// 解析期间 name 的缓存被清除过时，结果仍返回给调用方，但不写入缓存；
// 这些句柄由 Registry 保管到 Shutdown 时归还。
func (r *registry) resolve(ctx context.Context, name string, epoch uint64) ([]*directory.Handle, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, xerrors.Wrapf(err, "resolve %s", name)
		}
	}

	handles, err := r.dir.Resolve(ctx, name)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, xerrors.Wrapf(ErrNotFound, "service %s", name)
		}
		r.logger.ErrorContext(ctx, "failed to resolve", clog.String("name", name), clog.Error(err))
		return nil, xerrors.Infra("resolve "+name, err)
	}
	if len(handles) == 0 {
		return nil, xerrors.Wrapf(ErrNotFound, "service %s", name)
	}

	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		r.release(handles...)
		return nil, ErrShuttingDown
	}
	if r.epochs[name] != epoch {
		r.cache.adopt(handles...)
		r.mu.Unlock()
		r.logger.DebugContext(ctx, "discarded resolution raced with eviction", clog.String("name", name))
		return sortByID(indexByID(handles)), nil
	}
	set, dups := r.cache.merge(name, handles)
	r.mu.Unlock()

	r.release(dups...)
	return set, nil
}

func (r *registry) Registrations() []*Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		cp := *reg
		out = append(out, &cp)
	}
	return out
}

// onEvent 处理目录存活事件，只有 DOWN 事件会清除缓存
func (r *registry) onEvent(ev directory.Event) {
	if ev.Name == "" || ev.Status != directory.StatusDown {
		return
	}

	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		return
	}
	stale := r.cache.removeName(ev.Name)
	r.epochs[ev.Name]++
	r.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	r.ins.evicted(context.Background(), EvictDown, len(stale))
	r.release(stale...)
	r.logger.Info("evicted handles of down service",
		clog.String("name", ev.Name),
		clog.Int("handles", len(stale)))
	r.notify(ev.Name)
}

func (r *registry) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	start := time.Now()

	var errs []error
	if err := r.sub.Cancel(); err != nil {
		errs = append(errs, xerrors.Wrap(err, "cancel subscription"))
	}

	r.mu.Lock()
	regs := make([]*Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		regs = append(regs, reg)
	}
	r.registrations = make(map[string]*Registration)
	handles := r.cache.drain()
	r.epochs = make(map[string]uint64)
	r.listeners = make(map[uint64]func(string))
	r.mu.Unlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
	)
	for _, reg := range regs {
		wg.Add(1)
		go func(reg *Registration) {
			defer wg.Done()
			if err := r.dir.Unpublish(ctx, reg.RegistrationID); err != nil && !errors.Is(err, directory.ErrNotFound) {
				errMu.Lock()
				errs = append(errs, xerrors.Wrapf(err, "unpublish %s", reg.Name))
				errMu.Unlock()
			}
		}(reg)
	}
	wg.Wait()

	for _, h := range handles {
		if err := r.dir.Release(h); err != nil {
			errs = append(errs, xerrors.Wrapf(err, "release %s", h.Name()))
		}
	}
	r.cache.close()

	err := xerrors.Combine(errs...)
	fields := []clog.Field{
		clog.Int("unpublished", len(regs)),
		clog.Int("released", len(handles)),
		clog.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "registry shutdown completed with errors", append(fields, clog.Error(err))...)
		return err
	}
	r.logger.InfoContext(ctx, "registry shutdown completed", fields...)
	return nil
}

func (r *registry) release(handles ...*directory.Handle) {
	for _, h := range handles {
		if err := r.dir.Release(h); err != nil {
			r.logger.Warn("failed to release handle",
				clog.String("name", h.Name()),
				clog.String("registration_id", h.ID()),
				clog.Error(err))
		}
	}
}

// watch 注册缓存失效回调，返回取消函数
func (r *registry) watch(fn func(name string)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listenerSeq++
	id := r.listenerSeq
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *registry) notify(name string) {
	r.mu.Lock()
	fns := make([]func(string), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(name)
	}
}
