// Package upstream 将 HTTP 上游状态码映射为 contract 错误分类，供各 provider 客户端共用。
package upstream

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatbatch/pkg/contract"
)

// MaxBody: 错误响应体最多读取的字节数。
const MaxBody = 4 << 10

// Error 实现 net.Error 与 contract.UpstreamError：5xx/408 视为暂时性失败。
type Error struct {
	Provider string
	Status   int
	Msg      string
	// Wait: 上游 Retry-After 提示；0 表示未提供。
	Wait time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s upstream %d: %s", e.Provider, e.Status, e.Msg)
}
func (e *Error) Timeout() bool           { return e.Status == http.StatusRequestTimeout }
func (e *Error) Temporary() bool         { return e.Status/100 == 5 }
func (e *Error) UpstreamStatus() int     { return e.Status }
func (e *Error) UpstreamMessage() string { return e.Msg }
func (e *Error) RetryAfter() time.Duration { return e.Wait }

// Is: 429 归入 ErrRateLimited，408/5xx 归入 ErrTransient，其余 4xx 归入 ErrFatal。
func (e *Error) Is(target error) bool {
	switch target {
	case contract.ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	case contract.ErrTransient:
		return e.Status == http.StatusRequestTimeout || e.Status/100 == 5
	case contract.ErrFatal:
		return e.Status != http.StatusTooManyRequests && e.Status != http.StatusRequestTimeout && e.Status/100 == 4
	}
	return false
}

// Classify 为非 2xx 响应构造错误；2xx 返回 nil。
func Classify(provider string, status int, body []byte) error {
	if status/100 == 2 {
		return nil
	}
	return &Error{Provider: provider, Status: status, Msg: strings.TrimSpace(string(body))}
}

// ClassifyResponse 同 Classify，并从 429/503 的 Retry-After 头读取等待提示。
func ClassifyResponse(provider string, resp *http.Response, body []byte) error {
	err := Classify(provider, resp.StatusCode, body)
	if ue, ok := err.(*Error); ok {
		switch resp.StatusCode {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			ue.Wait = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
	}
	return err
}

// ParseRetryAfter 支持秒数与 HTTP 日期两种形式；无法解析或已过期返回 0。
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	t, err := http.ParseTime(v)
	if err != nil || !t.After(now) {
		return 0
	}
	return t.Sub(now)
}

// Decode 包装响应体解析失败：按暂时性失败处理（截断/网关返回的 HTML）。
func Decode(provider string, err error) error {
	return fmt.Errorf("%s decode response: %v: %w", provider, err, contract.ErrTransient)
}
