// Package directory 定义集群共享的服务目录：名称到位置的记录存储，并提供存活事件流。
//
// 目录是 registry 的外部协作者，本包提供三种实现：
//   - NewMemory：进程内实现，用于单节点部署和测试
//   - NewEtcd：基于 etcd 租约的实现，记录随租约失效自动删除
//   - NewAnnouncer：装饰器，在发布/注销后通过 NATS 广播状态变化
//
// ## Etcd 存储结构
//
//	<namespace>/<name>/<registration_id> -> JSON(Record)
//
// 例如 `/clusterkit/services/ORDERS/6f1c...`。
package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/ceyewan/clusterkit/xerrors"
)

// Kind 记录类型
type Kind string

const (
	KindRPC          Kind = "rpc"
	KindHTTPEndpoint Kind = "http-endpoint"
)

// Status 记录状态
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Location 记录的可达位置
//
// HTTP 端点使用 Host/Port/Path/TLS，RPC 句柄使用 Address（不透明的传输地址）。
type Location struct {
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
	TLS     bool   `json:"tls,omitempty"`
	Address string `json:"address,omitempty"`
}

// String 返回 host:port/path，没有 Host 时返回 Address
func (l Location) String() string {
	if l.Host == "" {
		return l.Address
	}
	path := l.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s:%d%s", l.Host, l.Port, path)
}

// Record 目录中的一条记录
type Record struct {
	Name           string            `json:"name"`
	Kind           Kind              `json:"kind"`
	Location       Location          `json:"location"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	RegistrationID string            `json:"registration"`
	Status         Status            `json:"status"`
}

// Validate 检查记录是否可以发布
func (r Record) Validate() error {
	if r.Name == "" {
		return xerrors.Wrap(ErrInvalidRecord, "name is empty")
	}
	if strings.Contains(r.Name, "/") {
		return xerrors.Wrapf(ErrInvalidRecord, "name %q contains '/'", r.Name)
	}
	switch r.Kind {
	case KindRPC:
		if r.Location.Address == "" {
			return xerrors.Wrapf(ErrInvalidRecord, "rpc record %s has no address", r.Name)
		}
	case KindHTTPEndpoint:
		if r.Location.Host == "" || r.Location.Port <= 0 {
			return xerrors.Wrapf(ErrInvalidRecord, "endpoint record %s has no host or port", r.Name)
		}
	default:
		return xerrors.Wrapf(ErrInvalidRecord, "unknown kind %q", r.Kind)
	}
	return nil
}

func (r Record) clone() Record {
	if r.Metadata != nil {
		md := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			md[k] = v
		}
		r.Metadata = md
	}
	return r
}

// Handle 从目录解析得到的远端句柄，使用完毕后通过 Directory.Release 归还
type Handle struct {
	Record Record
}

// Name 返回服务名
func (h *Handle) Name() string { return h.Record.Name }

// ID 返回注册 ID
func (h *Handle) ID() string { return h.Record.RegistrationID }

// Location 返回 host:port/path 或 RPC 地址
func (h *Handle) Location() string { return h.Record.Location.String() }

// URL 返回 HTTP 端点的完整地址，RPC 句柄返回 Address
func (h *Handle) URL() string {
	if h.Record.Kind != KindHTTPEndpoint {
		return h.Record.Location.Address
	}
	scheme := "http"
	if h.Record.Location.TLS {
		scheme = "https"
	}
	return scheme + "://" + h.Record.Location.String()
}

// Event 存活事件，Status 为 DOWN 表示该名称下线
type Event struct {
	Name           string `json:"name"`
	Status         Status `json:"status"`
	RegistrationID string `json:"registration,omitempty"`
}

// Subscription 事件订阅句柄
type Subscription interface {
	// Cancel 取消订阅，幂等
	Cancel() error
}

// Directory 服务目录
//
// 所有方法并发安全。Resolve 在没有任何记录时返回 ErrNotFound。
type Directory interface {
	// Publish 发布记录并返回目录分配的注册 ID
	Publish(ctx context.Context, record Record) (string, error)

	// Unpublish 根据注册 ID 删除记录
	Unpublish(ctx context.Context, registrationID string) error

	// Resolve 返回名称下的所有记录
	Resolve(ctx context.Context, name string) ([]*Handle, error)

	// Release 归还 Resolve 得到的句柄
	Release(h *Handle) error

	// Subscribe 订阅存活事件，fn 可能在任意协程中被调用
	Subscribe(fn func(Event)) (Subscription, error)

	// Close 关闭目录，取消所有订阅
	Close() error
}

type subscriptionFunc func() error

func (f subscriptionFunc) Cancel() error { return f() }
