package registry

import "github.com/ceyewan/clusterkit/xerrors"

var (
	// ErrNotFound 本地没有该名称的注册，或目录中没有该名称的记录
	ErrNotFound = xerrors.New("registry: not found")

	// ErrShuttingDown registry 已关闭或正在关闭
	ErrShuttingDown = xerrors.New("registry: shutting down")

	// ErrInvalidRecord 记录不完整，无法发布
	ErrInvalidRecord = xerrors.New("registry: invalid record")

	// ErrDirectoryNil 未提供目录
	ErrDirectoryNil = xerrors.New("registry: directory is nil")
)
