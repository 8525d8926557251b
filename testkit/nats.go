package testkit

import (
	"testing"
	"time"

	"github.com/ceyewan/clusterkit/connector"
)

// GetNATSConfig 返回 NATS 测试配置，默认连接 nats://localhost:4222
func GetNATSConfig() *connector.NATSConfig {
	return &connector.NATSConfig{
		Name:          "test-nats",
		URL:           envOr("CLUSTERKIT_TEST_NATS", "nats://localhost:4222"),
		Timeout:       2 * time.Second,
		MaxReconnects: 10,
		ReconnectWait: 100 * time.Millisecond,
	}
}

// GetNATSConnector 获取已连接的 NATS 连接器，NATS 不可达时跳过测试
func GetNATSConnector(t *testing.T) connector.NATSConnector {
	t.Helper()
	conn, err := connector.NewNATS(GetNATSConfig(), connector.WithLogger(NewLogger()))
	if err != nil {
		t.Fatalf("failed to create nats connector: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := conn.Connect(NewContext(t, 3*time.Second)); err != nil {
		t.Skipf("nats not available: %v", err)
	}
	return conn
}
