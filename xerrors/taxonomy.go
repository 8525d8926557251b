package xerrors

import "fmt"

// RemoteError 对端显式报告的业务失败。
//
// 由传输层在边界处构造，表示失败发生在调用的另一侧，而不是熔断器或网络。
// 这类错误原样透传给调用方，不触发降级。
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Remote 构造一个 RemoteError。
func Remote(code int, message string) error {
	return &RemoteError{Code: code, Message: message}
}

// AsRemote 从错误链中提取 RemoteError。
func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if As(err, &re) {
		return re, true
	}
	return nil, false
}

// InfrastructureError 基础设施失败（连接拒绝、序列化错误、注册中心不可用等）。
type InfrastructureError struct {
	Op    string
	Cause error
}

func (e *InfrastructureError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("infrastructure error: %v", e.Cause)
	}
	return fmt.Sprintf("infrastructure error: %s: %v", e.Op, e.Cause)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Cause
}

// Infra 将 err 标记为基础设施错误，nil 返回 nil。
// 已经是 InfrastructureError 或 RemoteError 的错误不会被重复包装。
func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsInfrastructure(err) {
		return err
	}
	if _, ok := AsRemote(err); ok {
		return err
	}
	return &InfrastructureError{Op: op, Cause: err}
}

// IsInfrastructure 判断错误链中是否包含 InfrastructureError。
func IsInfrastructure(err error) bool {
	var ie *InfrastructureError
	return As(err, &ie)
}
