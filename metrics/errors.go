package metrics

import "github.com/ceyewan/clusterkit/xerrors"

var (
	// ErrConfigNil 配置为空
	ErrConfigNil = xerrors.New("metrics: config is nil")
)
