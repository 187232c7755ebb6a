// Package flaky 包装 mock：前 N 次调用返回限流错误，其后正常回显。
package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"chatbatch/pkg/contract"
	"chatbatch/plugins/llmclient/mock"
)

type Options struct {
	// FailFirst: 前 N 次调用返回 ErrRateLimited，默认 1。
	FailFirst int `json:"fail_first"`
	// Malformed: 限流之后再返回 N 次无法解析的文本。
	Malformed int `json:"malformed,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
	// Mock: 透传给内层 mock 的选项。
	Mock json.RawMessage `json:"mock,omitempty"`
}

type Client struct {
	inner     contract.LLMInvoker
	failFirst int32
	malformed int32
	logPath   string
	count     atomic.Int32
}

func New(raw json.RawMessage) (contract.LLMInvoker, error) {
	o := Options{FailFirst: 1}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("flaky options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	inner, err := mock.New(o.Mock)
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner, failFirst: int32(o.FailFirst), malformed: int32(o.Malformed), logPath: o.LogPath}, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Calls 返回已发生的调用次数。
func (c *Client) Calls() int { return int(c.count.Load()) }

func (c *Client) Invoke(ctx context.Context, r contract.Request) (contract.Response, error) {
	n := c.count.Add(1)
	switch {
	case n <= c.failFirst:
		c.log("rate_limited")
		return contract.Response{}, fmt.Errorf("flaky call %d: %w", n, contract.ErrRateLimited)
	case n <= c.failFirst+c.malformed:
		c.log("invalid_json")
		return contract.Response{Text: "invalid", Usage: contract.Usage{InputTokens: 1, OutputTokens: 1}}, nil
	default:
		c.log("ok")
		return c.inner.Invoke(ctx, r)
	}
}

var _ contract.LLMInvoker = (*Client)(nil)
