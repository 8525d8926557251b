package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/clusterkit/directory"
	"github.com/ceyewan/clusterkit/endpoint"
	"github.com/ceyewan/clusterkit/testkit"
	"github.com/ceyewan/clusterkit/xerrors"
)

func newTestRegistry(t *testing.T, cfg *Config, opts ...Option) (Registry, *directory.Memory) {
	t.Helper()
	kit := testkit.NewKit(t)
	mem := directory.NewMemory(directory.WithLogger(kit.Logger))
	opts = append([]Option{WithLogger(kit.Logger), WithMeter(kit.Meter)}, opts...)
	reg, err := New(mem, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return reg, mem
}

func TestNew(t *testing.T) {
	_, err := New(nil, &Config{})
	assert.ErrorIs(t, err, ErrDirectoryNil)

	mem := directory.NewMemory()
	require.NoError(t, mem.Close())
	_, err = New(mem, nil)
	assert.True(t, xerrors.IsInfrastructure(err))
	assert.ErrorIs(t, err, directory.ErrClosed)
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{ResolveRate: 2.5}
	cfg.setDefaults()
	assert.Equal(t, 1024, cfg.CacheSize)
	assert.Equal(t, 5*time.Second, cfg.ResolveTimeout)
	assert.Equal(t, 3, cfg.ResolveBurst)

	cfg = &Config{CacheTTL: -time.Second, ResolveRate: -1}
	cfg.setDefaults()
	assert.Zero(t, cfg.CacheTTL)
	assert.Zero(t, cfg.ResolveRate)
	assert.Zero(t, cfg.ResolveBurst)
}

func TestPublishConsume(t *testing.T) {
	reg, mem := newTestRegistry(t, nil)
	ctx := testkit.NewContext(t, 5*time.Second)

	r, err := reg.PublishService(ctx, "ORDERS", "10.0.0.1:9001", map[string]string{"zone": "a"})
	require.NoError(t, err)
	assert.Equal(t, "ORDERS", r.Name)
	assert.Equal(t, directory.KindRPC, r.Kind)
	assert.NotEmpty(t, r.RegistrationID)
	assert.False(t, r.PublishedAt.IsZero())

	h, err := reg.Consume(ctx, "ORDERS")
	require.NoError(t, err)
	assert.Equal(t, r.RegistrationID, h.ID())
	assert.Equal(t, "10.0.0.1:9001", h.Location())
	assert.Equal(t, "a", h.Record.Metadata["zone"])

	// 第二次命中缓存，不再访问目录
	h2, err := reg.Consume(ctx, "ORDERS")
	require.NoError(t, err)
	assert.Same(t, h, h2)
	assert.Equal(t, int64(1), mem.Resolves())
	assert.Equal(t, 1, mem.Usage(r.RegistrationID))
}

func TestPublish_InvalidRecord(t *testing.T) {
	reg, mem := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := reg.PublishService(ctx, "", "10.0.0.1:9001", nil)
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = reg.PublishService(ctx, "ORDERS", "", nil)
	assert.ErrorIs(t, err, ErrInvalidRecord)

	assert.Empty(t, reg.Registrations())
	_, err = mem.Resolve(ctx, "ORDERS")
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestUnpublish_ThenNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := reg.PublishService(ctx, "ORDERS", "10.0.0.1:9001", nil)
	require.NoError(t, err)
	_, err = reg.Consume(ctx, "ORDERS")
	require.NoError(t, err)

	require.NoError(t, reg.Unpublish(ctx, "ORDERS"))

	_, err = reg.Consume(ctx, "ORDERS")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "ORDERS")
}

func TestUnpublish_Twice(t *testing.T) {
	reg, mem := newTestRegistry(t, nil)
	ctx := context.Background()

	r, err := reg.PublishService(ctx, "ORDERS", "10.0.0.1:9001", nil)
	require.NoError(t, err)

	require.NoError(t, reg.Unpublish(ctx, "ORDERS"))
	err = reg.Unpublish(ctx, "ORDERS")
	assert.ErrorIs(t, err, ErrNotFound)

	// 第一次注销的效果保持不变
	assert.Empty(t, reg.Registrations())
	_, err = mem.Resolve(ctx, "ORDERS")
	assert.ErrorIs(t, err, directory.ErrNotFound)
	assert.Zero(t, mem.Usage(r.RegistrationID))
}

func TestUnpublish_Unknown(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	err := reg.Unpublish(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "NOPE")
}

func TestConsume_ConcurrentMiss(t *testing.T) {
	reg, mem := newTestRegistry(t, nil)
	ctx := context.Background()

	r1, err := reg.PublishService(ctx, "ORDERS", "10.0.0.1:9001", nil)
	require.NoError(t, err)
	other, err := New(mem, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Shutdown(context.Background()) })
	r2, err := other.PublishService(ctx, "ORDERS", "10.0.0.2:9001", nil)
	require.NoError(t, err)

	mem.SetLatency(50 * time.Millisecond)

	const callers = 32
	var wg sync.WaitGroup
	handles := make([]*directory.Handle, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = reg.Consume(ctx, "ORDERS")
		}(i)
	}
	wg.Wait()

	valid := map[string]bool{r1.RegistrationID: true, r2.RegistrationID: true}
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.True(t, valid[handles[i].ID()])
	}

	set, err := reg.Lookup(ctx, "ORDERS")
	require.NoError(t, err)
	require.Len(t, set, 2)
	assert.True(t, set[0].ID() < set[1].ID(), "set is sorted by registration id")

	// 重复解析得到的句柄已经归还，每个注册只持有一个
	assert.Equal(t, 1, mem.Usage(r1.RegistrationID))
	assert.Equal(t, 1, mem.Usage(r2.RegistrationID))
}

func TestPublishAPI_EndToEnd(t *testing.T) {
	pool, err := endpoint.NewPool(&endpoint.Config{PublicHost: "h", PrivateHost: "h"})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	tests := []struct {
		name   string
		useTLS bool
		want   string
		url    string
	}{
		{"tls", true, "h:443/v1", "https://h:443/v1"},
		{"plain", false, "h:80/v1", "http://h:80/v1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newTestRegistry(t, nil)
			ctx := context.Background()

			r, err := reg.PublishAPI(ctx, pool.Record("ORDERS", "/v1", endpoint.Internal, tt.useTLS))
			require.NoError(t, err)
			assert.Equal(t, directory.KindHTTPEndpoint, r.Kind)

			h, err := reg.Consume(ctx, "ORDERS")
			require.NoError(t, err)
			assert.Equal(t, tt.want, h.Location())
			assert.Equal(t, tt.url, h.URL())

			require.NoError(t, reg.Unpublish(ctx, "ORDERS"))
			_, err = reg.Consume(ctx, "ORDERS")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestPublish_Replaces(t *testing.T) {
	reg, mem := newTestRegistry(t, nil)
	ctx := context.Background()

	first, err := reg.PublishService(ctx, "ORDERS", "10.0.0.1:9001", nil)
	require.NoError(t, err)
	h, err := reg.Consume(ctx, "ORDERS")
	require.NoError(t, err)
	require.Equal(t, first.RegistrationID, h.ID())

	second, err := reg.PublishService(ctx, "ORDERS", "10.0.0.1:9002", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.RegistrationID, second.RegistrationID)

	regs := reg.Registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, second.RegistrationID, regs[0].RegistrationID)

	// 旧记录已从目录注销，旧句柄已从缓存清除并归还
	handles, err := mem.Resolve(ctx, "ORDERS")
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, second.RegistrationID, handles[0].ID())
	_ = mem.Release(handles[0])
	assert.Zero(t, mem.Usage(first.RegistrationID))

	h, err = reg.Consume(ctx, "ORDERS")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9002", h.Location())
}

func TestLiveness_DownEvicts(t *testing.T) {
	reg, mem := newTestRegistry(t, nil)
	ctx := context.Background()

	r, err := reg.PublishService(ctx, "ORDERS", "10.0.0.1:9001", nil)
	require.NoError(t, err)
	_, err = reg.Consume(ctx, "ORDERS")
	require.NoError(t, err)
	require.Equal(t, int64(1), mem.Resolves())

	// 格式错误或无关的事件被忽略
	mem.Notify(directory.Event{})
	mem.Notify(directory.Event{Name: "ORDERS", Status: "SOMETHING"})
	mem.Notify(directory.Event{Name: "ORDERS", Status: directory.StatusUp})
	mem.Notify(directory.Event{Name: "USERS", Status: directory.StatusDown})
	_, err = reg.Consume(ctx, "ORDERS")
	require.NoError(t, err)
	assert.Equal(t, int64(1), mem.Resolves())

	mem.Notify(directory.Event{Name: "ORDERS", Status: directory.StatusDown})
	assert.Zero(t, mem.Usage(r.RegistrationID), "evicted handle is released")

	_, err = reg.Consume(ctx, "ORDERS")
	require.NoError(t, err)
	assert.Equal(t, int64(2), mem.Resolves())
}

func TestConsume_EvictionDuringResolve(t *testing.T) {
	reg, mem := newTestRegistry(t, nil)
	ctx := context.Background()

	r, err := reg.PublishService(ctx, "ORDERS", "10.0.0.1:9001", nil)
	require.NoError(t, err)
	mem.SetLatency(100 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := reg.Consume(ctx, "ORDERS")
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	mem.Notify(directory.Event{Name: "ORDERS", Status: directory.StatusDown})
	require.NoError(t, <-done)

	// 与失效竞争的解析结果不写入缓存，但调用方拿到的句柄仍计入使用
	assert.Equal(t, 1, mem.Usage(r.RegistrationID))

	mem.SetLatency(0)
	_, err = reg.Consume(ctx, "ORDERS")
	require.NoError(t, err)
	assert.Equal(t, int64(2), mem.Resolves())
	assert.Equal(t, 2, mem.Usage(r.RegistrationID))

	require.NoError(t, reg.Shutdown(ctx))
	assert.Zero(t, mem.Usage(r.RegistrationID), "detached handles are released at shutdown")
}

// gatedDirectory 在 Unpublish 进入目录后阻塞，直到 release 被关闭；mute 时丢弃存活事件，
// 模拟 DOWN 异步到达的目录
type gatedDirectory struct {
	*directory.Memory
	entered chan struct{}
	release chan struct{}
	mute    atomic.Bool
}

func newGatedDirectory(mem *directory.Memory) *gatedDirectory {
	return &gatedDirectory{
		Memory:  mem,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (g *gatedDirectory) Unpublish(ctx context.Context, registrationID string) error {
	g.entered <- struct{}{}
	<-g.release
	return g.Memory.Unpublish(ctx, registrationID)
}

func (g *gatedDirectory) Subscribe(fn func(directory.Event)) (directory.Subscription, error) {
	return g.Memory.Subscribe(func(ev directory.Event) {
		if !g.mute.Load() {
			fn(ev)
		}
	})
}

func TestUnpublish_ConsumeDuringDirectoryCall(t *testing.T) {
	kit := testkit.NewKit(t)
	ctx := context.Background()

	mem := directory.NewMemory(directory.WithLogger(kit.Logger))
	gated := newGatedDirectory(mem)
	reg, err := New(gated, nil, WithLogger(kit.Logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	r1, err := reg.PublishService(ctx, "ORDERS", "10.0.0.1:9001", nil)
	require.NoError(t, err)
	// 另一个实例提供同名服务，目录不会发出 DOWN
	r2, err := mem.Publish(ctx, directory.Record{
		Name:     "ORDERS",
		Kind:     directory.KindRPC,
		Location: directory.Location{Address: "10.0.0.2:9001"},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- reg.Unpublish(ctx, "ORDERS") }()
	<-gated.entered

	// 目录中的记录尚未删除，这次解析会看到它
	_, err = reg.Consume(ctx, "ORDERS")
	require.NoError(t, err)

	close(gated.release)
	require.NoError(t, <-done)

	set, err := reg.Lookup(ctx, "ORDERS")
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.Equal(t, r2, set[0].ID())
	assert.Zero(t, mem.Usage(r1.RegistrationID))
}

func TestUnpublish_ConsumeDuringDirectoryCall_LastProvider(t *testing.T) {
	kit := testkit.NewKit(t)
	ctx := context.Background()

	mem := directory.NewMemory(directory.WithLogger(kit.Logger))
	gated := newGatedDirectory(mem)
	gated.mute.Store(true)
	reg, err := New(gated, nil, WithLogger(kit.Logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	_, err = reg.PublishService(ctx, "ORDERS", "10.0.0.1:9001", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- reg.Unpublish(ctx, "ORDERS") }()
	<-gated.entered

	_, err = reg.Consume(ctx, "ORDERS")
	require.NoError(t, err)

	close(gated.release)
	require.NoError(t, <-done)

	h, err := reg.Consume(ctx, "ORDERS")
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsume_FollowerOutlivesLeaderDeadline(t *testing.T) {
	reg, mem := newTestRegistry(t, nil)
	ctx := context.Background()

	r, err := reg.PublishService(ctx, "ORDERS", "10.0.0.1:9001", nil)
	require.NoError(t, err)
	mem.SetLatency(200 * time.Millisecond)

	leaderErr := make(chan error, 1)
	go func() {
		short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, err := reg.Consume(short, "ORDERS")
		leaderErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	h, err := reg.Consume(ctx, "ORDERS")
	require.NoError(t, err)
	assert.Equal(t, r.RegistrationID, h.ID())
	assert.Equal(t, int64(1), mem.Resolves(), "follower joined the leader's resolution")

	err = <-leaderErr
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, xerrors.IsInfrastructure(err), "caller deadline is not an infrastructure failure")
}

func TestDirectoryFailure(t *testing.T) {
	reg, mem := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := reg.PublishService(ctx, "ORDERS", "10.0.0.1:9001", nil)
	require.NoError(t, err)

	lost := errors.New("cluster connection lost")
	mem.SetFailure(lost)

	_, err = reg.PublishService(ctx, "USERS", "10.0.0.2:9001", nil)
	assert.True(t, xerrors.IsInfrastructure(err))
	assert.ErrorIs(t, err, lost)

	_, err = reg.Consume(ctx, "ORDERS")
	assert.True(t, xerrors.IsInfrastructure(err))

	err = reg.Unpublish(ctx, "ORDERS")
	assert.True(t, xerrors.IsInfrastructure(err))

	mem.SetFailure(nil)
}

func TestShutdown(t *testing.T) {
	reg, mem := newTestRegistry(t, nil)
	ctx := context.Background()

	a, err := reg.PublishService(ctx, "ORDERS", "10.0.0.1:9001", nil)
	require.NoError(t, err)
	b, err := reg.PublishService(ctx, "USERS", "10.0.0.2:9001", nil)
	require.NoError(t, err)
	_, err = reg.Consume(ctx, "ORDERS")
	require.NoError(t, err)
	require.Equal(t, 1, mem.Usage(a.RegistrationID))

	require.NoError(t, reg.Shutdown(ctx))
	require.NoError(t, reg.Shutdown(ctx), "second shutdown is a no-op")

	for _, name := range []string{"ORDERS", "USERS"} {
		_, err := mem.Resolve(ctx, name)
		assert.ErrorIs(t, err, directory.ErrNotFound)
	}
	assert.Zero(t, mem.Usage(a.RegistrationID))
	assert.Zero(t, mem.Usage(b.RegistrationID))
	assert.Empty(t, reg.Registrations())

	_, err = reg.PublishService(ctx, "ORDERS", "10.0.0.1:9001", nil)
	assert.ErrorIs(t, err, ErrShuttingDown)
	_, err = reg.Consume(ctx, "ORDERS")
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.ErrorIs(t, reg.Unpublish(ctx, "ORDERS"), ErrShuttingDown)

	// 关闭后的存活事件不会恢复任何状态
	mem.Notify(directory.Event{Name: "ORDERS", Status: directory.StatusDown})
	assert.Empty(t, reg.Registrations())
}

func TestShutdown_CollectsErrors(t *testing.T) {
	reg, mem := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := reg.PublishService(ctx, "ORDERS", "10.0.0.1:9001", nil)
	require.NoError(t, err)
	_, err = reg.PublishService(ctx, "USERS", "10.0.0.2:9001", nil)
	require.NoError(t, err)

	mem.SetFailure(errors.New("cluster connection lost"))
	err = reg.Shutdown(ctx)
	require.Error(t, err)

	var multi *xerrors.MultiError
	require.ErrorAs(t, err, &multi)
	require.Len(t, multi.Errors, 2)
	msgs := multi.Errors[0].Error() + multi.Errors[1].Error()
	assert.Contains(t, msgs, "ORDERS")
	assert.Contains(t, msgs, "USERS")

	mem.SetFailure(nil)
	assert.NoError(t, reg.Shutdown(ctx))
	assert.Empty(t, reg.Registrations())
}

func TestShutdown_InFlightConsume(t *testing.T) {
	reg, mem := newTestRegistry(t, nil)
	ctx := context.Background()

	provider, err := New(mem, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	r, err := provider.PublishService(ctx, "ORDERS", "10.0.0.1:9001", nil)
	require.NoError(t, err)
	mem.SetLatency(100 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := reg.Consume(ctx, "ORDERS")
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, reg.Shutdown(ctx))
	assert.ErrorIs(t, <-done, ErrShuttingDown)
	assert.Zero(t, mem.Usage(r.RegistrationID), "late resolution does not repopulate the cache")
}

func TestCacheTTL(t *testing.T) {
	reg, mem := newTestRegistry(t, &Config{CacheTTL: 50 * time.Millisecond})
	ctx := context.Background()

	r, err := reg.PublishService(ctx, "ORDERS", "10.0.0.1:9001", nil)
	require.NoError(t, err)

	h1, err := reg.Consume(ctx, "ORDERS")
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)

	h2, err := reg.Consume(ctx, "ORDERS")
	require.NoError(t, err)
	assert.Equal(t, int64(2), mem.Resolves())
	assert.Same(t, h1, h2, "re-resolved registration reuses the held handle")
	assert.Equal(t, 1, mem.Usage(r.RegistrationID))
}

func TestResolveRateLimit(t *testing.T) {
	reg, _ := newTestRegistry(t, &Config{ResolveRate: 10, ResolveBurst: 1})
	ctx := context.Background()

	_, err := reg.PublishService(ctx, "ORDERS", "10.0.0.1:9001", nil)
	require.NoError(t, err)
	_, err = reg.PublishService(ctx, "USERS", "10.0.0.2:9001", nil)
	require.NoError(t, err)

	_, err = reg.Consume(ctx, "ORDERS")
	require.NoError(t, err)
	start := time.Now()
	_, err = reg.Consume(ctx, "USERS")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = reg.Consume(cancelled, "PAYMENTS")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConsume_EmptyName(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	_, err := reg.Consume(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidRecord)
}
