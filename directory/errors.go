package directory

import "github.com/ceyewan/clusterkit/xerrors"

var (
	// ErrNotFound 名称或注册 ID 不存在
	ErrNotFound = xerrors.New("directory: not found")

	// ErrClosed 目录已关闭
	ErrClosed = xerrors.New("directory: closed")

	// ErrInvalidRecord 记录不完整
	ErrInvalidRecord = xerrors.New("directory: invalid record")
)
