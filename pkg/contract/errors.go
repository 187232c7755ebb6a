package contract

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// 错误分类哨兵；上层通过 errors.Is 判定。
var (
	// ErrTransient: 可重试的暂时性失败（5xx、连接重置、单次调用超时）。
	ErrTransient = errors.New("transient error")
	// ErrRateLimited: 上游限流；属于暂时性失败。
	ErrRateLimited = errors.New("rate limited")
	// ErrFatal: 不可重试的失败（凭据无效、永久性 4xx）。
	ErrFatal = errors.New("fatal error")
	// ErrMalformedOutput: 三种恢复策略后仍无法解析。
	ErrMalformedOutput = errors.New("malformed output")
	// ErrPartialCoverage: 续写轮次耗尽仍有缺失条目。
	ErrPartialCoverage = errors.New("partial coverage")
	// ErrDuplicateResult: 同一条目出现在两个结果中。
	ErrDuplicateResult = errors.New("duplicate result")
	ErrInvalidInput    = errors.New("invalid input")
	// ErrBudgetExceeded: 预算不足（如扣除提示词开销后块预算<=0）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrPathInvalid: 标识映射为越界路径（绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
)

// IsTransient 报告 err 是否属于可重试分类。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited) {
		return true
	}
	var ue UpstreamError
	if errors.As(err, &ue) {
		s := ue.UpstreamStatus()
		return s == 408 || s == 429 || s >= 500
	}
	return false
}

// MalformedOutputError 保留原始文本以便诊断。
type MalformedOutputError struct {
	Raw   string
	Cause error
}

func (e *MalformedOutputError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed output (%d bytes): %v", len(e.Raw), e.Cause)
	}
	return fmt.Sprintf("malformed output (%d bytes)", len(e.Raw))
}

func (e *MalformedOutputError) Unwrap() error { return e.Cause }

func (e *MalformedOutputError) Is(target error) bool { return target == ErrMalformedOutput }

// DuplicateResultError: 块与续写轮次应当 ID 不相交；出现重复即为规划/续写缺陷。
type DuplicateResultError struct {
	UnitID    UnitID
	SubItemID SubItemID
}

func (e *DuplicateResultError) Error() string {
	return fmt.Sprintf("duplicate result for sub item %q in unit %q", e.SubItemID, e.UnitID)
}

func (e *DuplicateResultError) Is(target error) bool {
	return target == ErrDuplicateResult || target == ErrInvariantViolation
}

// PartialCoverageError 列出续写耗尽后仍缺失的条目。
type PartialCoverageError struct {
	UnitID  UnitID
	Missing []SubItemID
}

func (e *PartialCoverageError) Error() string {
	ids := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		ids[i] = string(id)
	}
	return fmt.Sprintf("unit %q partial: %d missing [%s]", e.UnitID, len(e.Missing), strings.Join(ids, ","))
}

func (e *PartialCoverageError) Is(target error) bool { return target == ErrPartialCoverage }

// UpstreamError 承载 HTTP 上游错误的最小诊断信息。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}

// RetryAfterHint 由携带 Retry-After 的上游错误实现；返回 0 表示无提示。
type RetryAfterHint interface {
	RetryAfter() time.Duration
}

// RetryAfter 提取错误链上的 Retry-After 提示。
func RetryAfter(err error) time.Duration {
	var h RetryAfterHint
	if errors.As(err, &h) {
		if d := h.RetryAfter(); d > 0 {
			return d
		}
	}
	return 0
}
