// Package mock 提供无网络的确定性 LLMInvoker，用于联调与集成测试。
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"chatbatch/pkg/contract"
)

// Options: 调试配置（均可选）。
type Options struct {
	Prefix string `json:"prefix"` // 摘要前缀，默认 "MOCK"
	// APIKey: 仅用于限流分组，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// DropEvery: 首轮每 N 条省略一条，模拟截断输出以触发续写；0 关闭。
	DropEvery int `json:"drop_every,omitempty"`
	// Fence: 以 ```json 代码围栏包裹输出。
	Fence bool `json:"fence,omitempty"`
	// TrailingComma: 在数组末尾注入多余逗号。
	TrailingComma bool `json:"trailing_comma,omitempty"`
	// Truncate: 截去输出末尾的 N 个字节。
	Truncate int `json:"truncate,omitempty"`
	// LatencyMS: 每次调用的模拟延迟；尊重 ctx 取消。
	LatencyMS int `json:"latency_ms,omitempty"`
	// SummaryRunes: 摘要截取的原文字符数，默认 48。
	SummaryRunes int `json:"summary_runes,omitempty"`
}

type Client struct {
	o Options
}

func New(raw json.RawMessage) (contract.LLMInvoker, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	if o.SummaryRunes <= 0 {
		o.SummaryRunes = 48
	}
	return &Client{o: o}, nil
}

type item struct {
	ID      contract.SubItemID `json:"id"`
	Role    string             `json:"role,omitempty"`
	Summary string             `json:"summary"`
}

// Invoke 回显 Request.Chunk 中的条目；用量按字节数/4 估算。
func (c *Client) Invoke(ctx context.Context, r contract.Request) (contract.Response, error) {
	if c.o.LatencyMS > 0 {
		t := time.NewTimer(time.Duration(c.o.LatencyMS) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return contract.Response{}, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return contract.Response{}, err
	}
	items := make([]item, 0, len(r.Chunk.Items))
	for i, it := range r.Chunk.Items {
		if c.o.DropEvery > 0 && r.Chunk.Round == 0 && (i+1)%c.o.DropEvery == 0 {
			continue
		}
		items = append(items, item{ID: it.ID, Role: it.Role, Summary: c.o.Prefix + ": " + clip(it.Text, c.o.SummaryRunes)})
	}
	bts, err := json.Marshal(struct {
		Items []item `json:"items"`
	}{items})
	if err != nil {
		return contract.Response{}, err
	}
	text := string(bts)
	if c.o.TrailingComma && len(items) > 0 {
		text = text[:len(text)-2] + ",]}"
	}
	if c.o.Fence {
		text = "Here you go:\n```json\n" + text + "\n```"
	}
	if c.o.Truncate > 0 {
		text = text[:max(0, len(text)-c.o.Truncate)]
	}
	return contract.Response{
		Text: text,
		Usage: contract.Usage{
			InputTokens:  approxTokens(r.System) + approxTokens(r.User),
			OutputTokens: approxTokens(text),
		},
	}, nil
}

func approxTokens(s string) int { return (len(s) + 3) / 4 }

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

var _ contract.LLMInvoker = (*Client)(nil)
