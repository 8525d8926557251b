package connector_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/clusterkit/connector"
	"github.com/ceyewan/clusterkit/testkit"
)

func TestNewEtcdValidation(t *testing.T) {
	_, err := connector.NewEtcd(nil)
	assert.ErrorIs(t, err, connector.ErrConfig)

	_, err = connector.NewEtcd(&connector.EtcdConfig{})
	assert.ErrorIs(t, err, connector.ErrConfig)

	cfg := &connector.EtcdConfig{Endpoints: []string{"127.0.0.1:2379"}}
	conn, err := connector.NewEtcd(cfg)
	require.NoError(t, err)
	assert.Equal(t, "default", conn.Name())
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	assert.Nil(t, conn.GetClient())
	assert.False(t, conn.IsHealthy())
	assert.ErrorIs(t, conn.HealthCheck(context.Background()), connector.ErrNotConnected)

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Connect(context.Background()), connector.ErrAlreadyClosed)
}

func TestNewNATSValidation(t *testing.T) {
	_, err := connector.NewNATS(nil)
	assert.ErrorIs(t, err, connector.ErrConfig)

	_, err = connector.NewNATS(&connector.NATSConfig{})
	assert.ErrorIs(t, err, connector.ErrConfig)

	cfg := &connector.NATSConfig{URL: "nats://127.0.0.1:4222"}
	conn, err := connector.NewNATS(cfg, connector.WithLogger(testkit.NewLogger()), connector.WithMeter(testkit.NewMeter()))
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.MaxReconnects)
	assert.Equal(t, 2*time.Minute, cfg.PingInterval)
	assert.Nil(t, conn.GetClient())
	assert.ErrorIs(t, conn.HealthCheck(context.Background()), connector.ErrNotConnected)

	assert.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Connect(context.Background()), connector.ErrAlreadyClosed)

	assert.Panics(t, func() { connector.MustNewNATS(&connector.NATSConfig{}) })
}

func TestNATSConnectRefused(t *testing.T) {
	conn, err := connector.NewNATS(&connector.NATSConfig{
		URL:     "nats://127.0.0.1:1",
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Connect(context.Background())
	assert.ErrorIs(t, err, connector.ErrConnection)
	assert.False(t, conn.IsHealthy())
}

func TestEtcdConnector(t *testing.T) {
	conn := testkit.GetEtcdConnector(t)
	ctx := testkit.NewContext(t, 5*time.Second)

	assert.True(t, conn.IsHealthy())
	require.NotNil(t, conn.GetClient())
	assert.NoError(t, conn.Connect(ctx))
	assert.NoError(t, conn.HealthCheck(ctx))

	key := "/clusterkit-test/" + testkit.NewID()
	_, err := conn.GetClient().Put(ctx, key, "v")
	require.NoError(t, err)
	_, err = conn.GetClient().Delete(ctx, key)
	require.NoError(t, err)
}

func TestNATSConnector(t *testing.T) {
	conn := testkit.GetNATSConnector(t)
	ctx := testkit.NewContext(t, 5*time.Second)

	assert.True(t, conn.IsHealthy())
	assert.NoError(t, conn.Connect(ctx))
	assert.NoError(t, conn.HealthCheck(ctx))

	require.NoError(t, conn.Close())
	assert.False(t, conn.IsHealthy())
}
