package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"

	"chatbatch/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeDuplicate Code = "duplicate"
	CodeBudget    Code = "budget"
	CodeFatal     Code = "fatal"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
)

// Classify 将错误归为最小分类。
// 仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrBudgetExceeded) || errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	// 重复结果先于通用不变量判定
	if errors.Is(err, contract.ErrDuplicateResult) {
		return CodeDuplicate
	}
	if errors.Is(err, contract.ErrMalformedOutput) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	if errors.Is(err, contract.ErrFatal) {
		return CodeFatal
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, contract.ErrTransient) {
		return CodeNetwork
	}
	return CodeUnknown
}

// maxUpstreamMsg: 日志中上游消息的最大字节数。
const maxUpstreamMsg = 200

// ErrorKV 提取错误链上的上游诊断字段：http_status、upstream_msg（截断）与 retry_after_ms。
func ErrorKV(err error) map[string]string {
	kv := map[string]string{}
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			if len(m) > maxUpstreamMsg {
				m = m[:maxUpstreamMsg]
			}
			kv["upstream_msg"] = m
		}
	}
	if d := contract.RetryAfter(err); d > 0 {
		kv["retry_after_ms"] = strconv.FormatInt(d.Milliseconds(), 10)
	}
	return kv
}
