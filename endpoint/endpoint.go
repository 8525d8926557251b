// Package endpoint 提供端点池：根据名称和路径构造 HTTP 端点记录，
// 并为每个目标名称维护唯一的熔断器。
//
// 主机解析顺序：HostResolver（若注入且返回非空）> Config 中的静态主机。
// 端口由是否启用 TLS 决定：TLS 为 443，否则为 80。
//
// ## 基本使用
//
//	pool, _ := endpoint.NewPool(&endpoint.Config{
//		PublicHost:  "api.example.com",
//		PrivateHost: "10.0.0.12",
//	}, endpoint.WithLogger(logger))
//	defer pool.Close()
//
//	rec := pool.InternalRecord("ORDERS", "/v1")
//	brk, _ := pool.BreakerFor("ORDERS")
package endpoint

import (
	"github.com/ceyewan/clusterkit/directory"
)

const (
	// PortTLS 启用 TLS 时的默认端口
	PortTLS = 443
	// PortPlain 未启用 TLS 时的默认端口
	PortPlain = 80
)

// Scope 主机解析范围
type Scope int

const (
	// Internal 集群内部访问，使用私有主机
	Internal Scope = iota
	// External 外部访问，使用公共主机
	External
)

func (s Scope) String() string {
	if s == External {
		return "external"
	}
	return "internal"
}

// HostResolver 按名称解析主机，返回空字符串时回退到静态配置
type HostResolver interface {
	InternalHost(name string) string
	ExternalHost(name string) string
}

// StaticHosts 以名称为键的静态主机表
type StaticHosts struct {
	Internal map[string]string
	External map[string]string
}

func (s StaticHosts) InternalHost(name string) string { return s.Internal[name] }
func (s StaticHosts) ExternalHost(name string) string { return s.External[name] }

// Record 端点记录，不可变值对象
type Record struct {
	Name   string
	Path   string
	Host   string
	Port   int
	UseTLS bool
}

// DirectoryRecord 转换为可发布到目录的记录
func (r Record) DirectoryRecord() directory.Record {
	return directory.Record{
		Name: r.Name,
		Kind: directory.KindHTTPEndpoint,
		Location: directory.Location{
			Host: r.Host,
			Port: r.Port,
			Path: r.Path,
			TLS:  r.UseTLS,
		},
	}
}

// Location 返回 host:port/path
func (r Record) Location() string {
	return r.DirectoryRecord().Location.String()
}

func portFor(useTLS bool) int {
	if useTLS {
		return PortTLS
	}
	return PortPlain
}
