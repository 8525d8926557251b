package breaker

import (
	"fmt"
	"time"

	"github.com/ceyewan/clusterkit/xerrors"
)

var (
	// ErrNameEmpty 熔断器名称为空
	ErrNameEmpty = xerrors.New("breaker: name is empty")

	// ErrOpen 熔断器打开，调用未执行
	ErrOpen = xerrors.New("breaker: circuit breaker is open")

	// ErrOperationTimeout 调用超时
	ErrOperationTimeout = xerrors.New("operation timeout")
)

// TimeoutError 调用超时，携带超时发生时的熔断器诊断信息
type TimeoutError struct {
	Name     string
	Timeout  time.Duration
	Failures uint32 // 计入本次超时后的连续失败次数
	State    State  // 计入本次超时后的状态
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("breaker %s: %s after %s", e.Name, ErrOperationTimeout, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrOperationTimeout
}
