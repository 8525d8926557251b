package testkit

import (
	"testing"
	"time"

	"github.com/ceyewan/clusterkit/connector"
)

// GetEtcdConfig 返回 Etcd 测试配置，默认连接 localhost:2379
func GetEtcdConfig() *connector.EtcdConfig {
	return &connector.EtcdConfig{
		Name:        "test-etcd",
		Endpoints:   []string{envOr("CLUSTERKIT_TEST_ETCD", "localhost:2379")},
		DialTimeout: 2 * time.Second,
	}
}

// GetEtcdConnector 获取已连接的 Etcd 连接器，etcd 不可达时跳过测试
func GetEtcdConnector(t *testing.T) connector.EtcdConnector {
	t.Helper()
	conn, err := connector.NewEtcd(GetEtcdConfig(), connector.WithLogger(NewLogger()))
	if err != nil {
		t.Fatalf("failed to create etcd connector: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := conn.Connect(NewContext(t, 3*time.Second)); err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	return conn
}
