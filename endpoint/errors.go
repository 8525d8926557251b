package endpoint

import "github.com/ceyewan/clusterkit/xerrors"

var (
	// ErrConfigNil 配置为空
	ErrConfigNil = xerrors.New("endpoint: config is nil")

	// ErrClosed 端点池已关闭
	ErrClosed = xerrors.New("endpoint: pool is closed")
)
