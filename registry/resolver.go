package registry

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/attributes"
	"google.golang.org/grpc/resolver"

	"github.com/ceyewan/clusterkit/clog"
	"github.com/ceyewan/clusterkit/directory"
	"github.com/ceyewan/clusterkit/xerrors"
)

// DefaultScheme gRPC 解析使用的默认 scheme，例如 "clusterkit:///ORDERS"
const DefaultScheme = "clusterkit"

const resolveTimeout = 5 * time.Second

type attrKey struct{}

// invalidator 由 Registry 实现，缓存失效时回调
type invalidator interface {
	watch(fn func(name string)) func()
}

// resolverBuilder 实现 gRPC resolver.Builder，地址来自 Registry 的解析缓存
type resolverBuilder struct {
	reg    Registry
	scheme string
	logger clog.Logger
}

// NewResolverBuilder 创建基于 reg 的 gRPC resolver.Builder
//
// 名称的缓存被清除（注销或 DOWN 事件）时，resolver 会重新解析并推送地址。
func NewResolverBuilder(reg Registry, scheme string, logger clog.Logger) resolver.Builder {
	if scheme == "" {
		scheme = DefaultScheme
	}
	if logger == nil {
		logger = clog.Discard()
	}
	return &resolverBuilder{reg: reg, scheme: scheme, logger: logger.WithNamespace("registry", "resolver")}
}

func (b *resolverBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	name := target.Endpoint()
	if name == "" {
		name = strings.TrimPrefix(target.URL.Path, "/")
	}
	if name == "" {
		return nil, xerrors.Wrap(ErrInvalidRecord, "grpc target has no service name")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &grpcResolver{
		reg:     b.reg,
		name:    name,
		cc:      cc,
		logger:  b.logger.With(clog.String("name", name)),
		ctx:     ctx,
		cancel:  cancel,
		refresh: make(chan struct{}, 1),
	}
	if inv, ok := b.reg.(invalidator); ok {
		r.unwatch = inv.watch(func(evicted string) {
			if evicted == name {
				r.ResolveNow(resolver.ResolveNowOptions{})
			}
		})
	}

	r.wg.Add(1)
	go r.run()
	r.ResolveNow(resolver.ResolveNowOptions{})
	return r, nil
}

func (b *resolverBuilder) Scheme() string {
	return b.scheme
}

// grpcResolver 实现 gRPC resolver.Resolver
type grpcResolver struct {
	reg     Registry
	name    string
	cc      resolver.ClientConn
	logger  clog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	refresh chan struct{}
	unwatch func()
	wg      sync.WaitGroup
}

func (r *grpcResolver) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.refresh:
			r.update()
		}
	}
}

func (r *grpcResolver) update() {
	ctx, cancel := context.WithTimeout(r.ctx, resolveTimeout)
	defer cancel()

	handles, err := r.reg.Lookup(ctx, r.name)
	if err != nil {
		if errors.Is(err, context.Canceled) && r.ctx.Err() != nil {
			return
		}
		// 保留上一次的地址，避免连接全部中断
		r.logger.Warn("failed to resolve grpc target", clog.Error(err))
		r.cc.ReportError(err)
		return
	}

	addrs := make([]resolver.Address, 0, len(handles))
	for _, h := range handles {
		addr := dialAddress(h)
		if addr == "" {
			continue
		}
		addrs = append(addrs, resolver.Address{
			Addr:       addr,
			ServerName: h.Name(),
			Attributes: attributes.New(attrKey{}, h.ID()),
		})
	}
	if len(addrs) == 0 {
		r.logger.Warn("no dialable handles for grpc target")
		return
	}

	if err := r.cc.UpdateState(resolver.State{Addresses: addrs}); err != nil {
		r.logger.Error("failed to update resolver state", clog.Error(err))
		return
	}
	r.logger.Debug("resolver state updated", clog.Int("addresses", len(addrs)))
}

// ResolveNow 触发一次重新解析，已有待处理的请求时合并
func (r *grpcResolver) ResolveNow(resolver.ResolveNowOptions) {
	select {
	case r.refresh <- struct{}{}:
	default:
	}
}

func (r *grpcResolver) Close() {
	if r.unwatch != nil {
		r.unwatch()
	}
	r.cancel()
	r.wg.Wait()
}

// dialAddress 返回句柄的 host:port
func dialAddress(h *directory.Handle) string {
	loc := h.Record.Location
	if loc.Address != "" {
		addr := loc.Address
		for _, prefix := range []string{"grpc://", "http://", "https://"} {
			addr = strings.TrimPrefix(addr, prefix)
		}
		return addr
	}
	if loc.Host == "" || loc.Port <= 0 {
		return ""
	}
	return net.JoinHostPort(loc.Host, strconv.Itoa(loc.Port))
}

// Dial 创建到 name 的 gRPC 连接，地址由 reg 解析，默认使用 round_robin 负载均衡
//
//	conn, err := registry.Dial(reg, "ORDERS",
//		grpc.WithTransportCredentials(insecure.NewCredentials()),
//		grpc.WithUnaryInterceptor(exec.UnaryClientInterceptor()),
//	)
func Dial(reg Registry, name string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if name == "" {
		return nil, xerrors.Wrap(ErrInvalidRecord, "name is empty")
	}
	builder := NewResolverBuilder(reg, DefaultScheme, nil)
	dialOpts := append([]grpc.DialOption{
		grpc.WithResolvers(builder),
		grpc.WithDefaultServiceConfig(`{"loadBalancingPolicy":"round_robin"}`),
	}, opts...)
	conn, err := grpc.NewClient(DefaultScheme+":///"+name, dialOpts...)
	if err != nil {
		return nil, xerrors.Infra("dial "+name, err)
	}
	return conn, nil
}
