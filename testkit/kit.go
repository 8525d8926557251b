// Package testkit 提供 clusterkit 各组件测试共享的依赖构造。
//
// 依赖外部服务（etcd、NATS）的辅助函数在服务不可达时调用 t.Skip，
// 地址可通过环境变量 CLUSTERKIT_TEST_ETCD、CLUSTERKIT_TEST_NATS 覆盖。
package testkit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/clusterkit/clog"
	"github.com/ceyewan/clusterkit/metrics"
)

// Kit 包含通用的测试依赖
type Kit struct {
	Ctx    context.Context
	Logger clog.Logger
	Meter  metrics.Meter
}

// NewKit 返回一个包含默认依赖的测试工具包
func NewKit(t *testing.T) *Kit {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Kit{
		Ctx:    ctx,
		Logger: NewLogger(),
		Meter:  NewMeter(),
	}
}

// NewLogger 返回一个用于测试的 logger，级别可通过 CLUSTERKIT_TEST_LOG_LEVEL 调整
func NewLogger() clog.Logger {
	cfg := clog.NewDevDefaultConfig()
	cfg.Output = "stderr"
	if level := os.Getenv("CLUSTERKIT_TEST_LOG_LEVEL"); level != "" {
		cfg.Level = level
	}
	logger, err := clog.New(cfg, clog.WithNamespace("test"))
	if err != nil {
		return clog.Discard()
	}
	return logger
}

// NewMeter 返回一个不实际输出的 meter
func NewMeter() metrics.Meter {
	return metrics.Discard()
}

// NewContext 返回一个带有超时的测试上下文
func NewContext(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// NewID 返回一个唯一的测试 ID (UUID v4 前 8 位)，用于隔离测试间的 key 和 subject
func NewID() string {
	return uuid.New().String()[0:8]
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
