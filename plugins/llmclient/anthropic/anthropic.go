// Package anthropic 通过 Messages API 调用 Claude 模型。
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"chatbatch/pkg/contract"
	"chatbatch/plugins/llmclient/upstream"
)

const (
	defaultVersion   = "2023-06-01"
	defaultMaxTokens = 4096
)

type Options struct {
	BaseURL        string            `json:"base_url"` // 默认 https://api.anthropic.com/v1
	APIKeyEnv      string            `json:"api_key_env"`
	APIKey         string            `json:"api_key"`
	Version        string            `json:"anthropic_version"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Temperature    *float64          `json:"temperature,omitempty"`
	ExtraHeaders   map[string]string `json:"extra_headers"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.anthropic.com/v1"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if o.Version == "" {
		o.Version = defaultVersion
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
}

type Client struct {
	url     string
	apiKey  string
	version string
	temp    *float64
	extraH  map[string]string
	do      func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMInvoker, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("anthropic options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: %w: missing api key", contract.ErrInvalidInput)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		url:     strings.TrimRight(opts.BaseURL, "/") + "/messages",
		apiKey:  key,
		version: opts.Version,
		temp:    opts.Temperature,
		extraH:  opts.ExtraHeaders,
		do:      hc.Do,
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messagesResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Invoke: 单次调用；max_tokens 为必填，未给出时取默认值。
func (c *Client) Invoke(ctx context.Context, r contract.Request) (contract.Response, error) {
	if r.Model == "" {
		return contract.Response{}, fmt.Errorf("anthropic: %w: empty model", contract.ErrInvalidInput)
	}
	mr := messagesRequest{
		Model:       r.Model,
		MaxTokens:   r.MaxOutputTokens,
		System:      r.System,
		Messages:    []message{{Role: "user", Content: r.User}},
		Temperature: c.temp,
	}
	if mr.MaxTokens <= 0 {
		mr.MaxTokens = defaultMaxTokens
	}
	body, err := json.Marshal(&mr)
	if err != nil {
		return contract.Response{}, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return contract.Response{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", c.version)
	for k, v := range c.extraH {
		if k != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return contract.Response{}, ctx.Err()
			}
			return contract.Response{}, fmt.Errorf("anthropic: %v: %w", err, contract.ErrTransient)
		}
		return contract.Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, upstream.MaxBody))
		var er errorResponse
		if json.Unmarshal(slurp, &er) == nil && er.Error.Message != "" {
			slurp = []byte(er.Error.Type + ": " + er.Error.Message)
		}
		return contract.Response{}, upstream.ClassifyResponse("anthropic", resp, slurp)
	}
	var mresp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&mresp); err != nil {
		return contract.Response{}, upstream.Decode("anthropic", err)
	}
	var sb strings.Builder
	for _, b := range mresp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return contract.Response{
		Text:  sb.String(),
		Usage: contract.Usage{InputTokens: mresp.Usage.InputTokens, OutputTokens: mresp.Usage.OutputTokens},
	}, nil
}

var _ contract.LLMInvoker = (*Client)(nil)
