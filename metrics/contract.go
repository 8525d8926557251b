package metrics

import (
	"strings"

	"google.golang.org/grpc/codes"
)

// 组件间共享的标签键
const (
	LabelName     = "name"
	LabelResult   = "result"
	LabelReason   = "reason"
	LabelState    = "state"
	LabelKind     = "kind"
	LabelGRPCCode = "grpc_code"
)

// 常见的结果
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// GRPCStatusClass 将 gRPC 状态码转换为稳定的小写标签值
func GRPCStatusClass(code codes.Code) string {
	if code == codes.OK {
		return "ok"
	}
	return strings.ToLower(code.String())
}

// GRPCOutcome 将 gRPC 状态码映射为 success/error
func GRPCOutcome(code codes.Code) string {
	if code == codes.OK {
		return OutcomeSuccess
	}
	return OutcomeError
}
