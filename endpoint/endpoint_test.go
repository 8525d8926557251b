package endpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/clusterkit/breaker"
	"github.com/ceyewan/clusterkit/clog"
	"github.com/ceyewan/clusterkit/directory"
	"github.com/ceyewan/clusterkit/metrics"
)

func newTestPool(t *testing.T, cfg *Config, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{WithLogger(clog.Discard()), WithMeter(metrics.Discard())}, opts...)
	p, err := NewPool(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestNewPool(t *testing.T) {
	_, err := NewPool(nil)
	assert.ErrorIs(t, err, ErrConfigNil)

	p := newTestPool(t, &Config{})
	assert.Equal(t, breaker.DefaultPolicy(), p.Policy())
	assert.Equal(t, "localhost", p.Record("ORDERS", "/v1", Internal, false).Host)
}

func TestRecord(t *testing.T) {
	p := newTestPool(t, &Config{PublicHost: "api.example.com", PrivateHost: "10.0.0.1"})

	tests := []struct {
		name   string
		scope  Scope
		useTLS bool
		want   Record
	}{
		{"internal tls", Internal, true, Record{Name: "ORDERS", Path: "/v1", Host: "10.0.0.1", Port: 443, UseTLS: true}},
		{"internal plain", Internal, false, Record{Name: "ORDERS", Path: "/v1", Host: "10.0.0.1", Port: 80}},
		{"external tls", External, true, Record{Name: "ORDERS", Path: "/v1", Host: "api.example.com", Port: 443, UseTLS: true}},
		{"external plain", External, false, Record{Name: "ORDERS", Path: "/v1", Host: "api.example.com", Port: 80}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Record("ORDERS", "/v1", tt.scope, tt.useTLS))
		})
	}

	assert.Equal(t, 443, p.InternalRecord("ORDERS", "/v1").Port)
	assert.Equal(t, "api.example.com", p.ExternalRecord("ORDERS", "/v1").Host)
}

func TestRecord_HostResolver(t *testing.T) {
	resolver := StaticHosts{
		Internal: map[string]string{"ORDERS": "orders.internal"},
		External: map[string]string{"ORDERS": "orders.example.com"},
	}
	p := newTestPool(t, &Config{PublicHost: "pub", PrivateHost: "priv"}, WithHostResolver(resolver))

	assert.Equal(t, "orders.internal", p.InternalRecord("ORDERS", "/").Host)
	assert.Equal(t, "orders.example.com", p.ExternalRecord("ORDERS", "/").Host)

	// 解析器未覆盖的名称回退到静态主机
	assert.Equal(t, "priv", p.InternalRecord("USERS", "/").Host)
	assert.Equal(t, "pub", p.ExternalRecord("USERS", "/").Host)
}

func TestRecord_DirectoryRecord(t *testing.T) {
	rec := Record{Name: "ORDERS", Path: "/v1", Host: "h", Port: 443, UseTLS: true}
	dr := rec.DirectoryRecord()

	assert.Equal(t, directory.KindHTTPEndpoint, dr.Kind)
	assert.Equal(t, "ORDERS", dr.Name)
	assert.NoError(t, dr.Validate())
	assert.Equal(t, "h:443/v1", rec.Location())
	assert.Equal(t, "https://h:443/v1", (&directory.Handle{Record: dr}).URL())
}

func TestBreakerFor_Reuse(t *testing.T) {
	p := newTestPool(t, &Config{BreakerPrefix: "api-"})

	b1, err := p.BreakerFor("ORDERS")
	require.NoError(t, err)
	b2, err := p.BreakerFor("ORDERS")
	require.NoError(t, err)
	assert.Same(t, b1, b2)
	assert.Equal(t, "api-ORDERS", b1.Name())
	assert.Equal(t, breaker.DefaultPolicy().MaxFailures, b1.Policy().MaxFailures)

	b3, err := p.BreakerFor("USERS")
	require.NoError(t, err)
	assert.NotSame(t, b1, b3)
	assert.Len(t, p.Breakers(), 2)
}

func TestBreakerFor_Concurrent(t *testing.T) {
	p := newTestPool(t, &Config{})

	const workers = 64
	results := make([]breaker.Breaker, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			b, err := p.BreakerFor("ORDERS")
			if err == nil {
				results[i] = b
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 1; i < workers; i++ {
		require.NotNil(t, results[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Len(t, p.Breakers(), 1)
}

func TestBreakerFor_IsolatedPerName(t *testing.T) {
	p := newTestPool(t, &Config{Policy: breaker.Policy{MaxFailures: 1, ResetTimeout: time.Minute}})
	ctx := context.Background()

	orders, err := p.BreakerFor("ORDERS")
	require.NoError(t, err)
	_, _ = orders.Execute(ctx, func(context.Context) (any, error) { return nil, errors.New("down") })
	assert.Equal(t, breaker.StateOpen, orders.State())

	users, err := p.BreakerFor("USERS")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, users.State())
}

func TestClose(t *testing.T) {
	p, err := NewPool(&Config{Policy: breaker.Policy{NotificationInterval: 5 * time.Millisecond}})
	require.NoError(t, err)

	existing, err := p.BreakerFor("ORDERS")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	p.Close()
	p.Close()

	again, err := p.BreakerFor("ORDERS")
	require.NoError(t, err)
	assert.Same(t, existing, again)

	_, err = p.BreakerFor("USERS")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNotificationInterval(t *testing.T) {
	p := newTestPool(t, &Config{})
	assert.Equal(t, 6*time.Hour, p.Policy().NotificationInterval)

	off := newTestPool(t, &Config{Policy: breaker.Policy{NotificationInterval: -1}})
	assert.Negative(t, off.Policy().NotificationInterval)

	b, err := off.BreakerFor("ORDERS")
	require.NoError(t, err)
	assert.Zero(t, b.Policy().NotificationInterval)
}

func TestScopeString(t *testing.T) {
	assert.Equal(t, "internal", Internal.String())
	assert.Equal(t, "external", External.String())
}
