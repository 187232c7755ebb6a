// Package gemini 基于 google.golang.org/genai 调用 Gemini 模型。
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"google.golang.org/genai"

	"chatbatch/pkg/contract"
	"chatbatch/plugins/llmclient/upstream"
)

type Options struct {
	// BaseURL: 覆盖默认端点（代理或测试服务器）。
	BaseURL        string   `json:"base_url"`
	APIKeyEnv      string   `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey         string   `json:"api_key"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	Temperature    *float32 `json:"temperature,omitempty"`
	// ResponseMIMEType: 默认 application/json；置为 "text/plain" 关闭 JSON 模式。
	ResponseMIMEType string `json:"response_mime_type,omitempty"`
}

func (o *Options) defaults() {
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
	if o.ResponseMIMEType == "" {
		o.ResponseMIMEType = "application/json"
	}
}

type Client struct {
	models   *genai.Models
	temp     *float32
	respMIME string
}

func New(raw json.RawMessage) (contract.LLMInvoker, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second},
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %v: %w", err, contract.ErrInvalidInput)
	}
	return &Client{models: client.Models, temp: opts.Temperature, respMIME: opts.ResponseMIMEType}, nil
}

// Invoke: 单次 generateContent 调用。
func (c *Client) Invoke(ctx context.Context, r contract.Request) (contract.Response, error) {
	if r.Model == "" {
		return contract.Response{}, fmt.Errorf("gemini: %w: empty model", contract.ErrInvalidInput)
	}
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: c.respMIME,
		Temperature:      c.temp,
	}
	if r.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(r.System, genai.RoleUser)
	}
	if r.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(r.MaxOutputTokens)
	}
	contents := []*genai.Content{genai.NewContentFromText(r.User, genai.RoleUser)}

	resp, err := c.models.GenerateContent(ctx, r.Model, contents, cfg)
	if err != nil {
		return contract.Response{}, mapError(ctx, err)
	}
	out := contract.Response{Text: resp.Text()}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = contract.Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount) + int(u.ThoughtsTokenCount),
		}
	}
	return out, nil
}

// mapError 将 genai.APIError 的状态码映射到 contract 分类。
func mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ae genai.APIError
	if errors.As(err, &ae) {
		return upstream.Classify("gemini", ae.Code, []byte(ae.Message))
	}
	var pae *genai.APIError
	if errors.As(err, &pae) && pae != nil {
		return upstream.Classify("gemini", pae.Code, []byte(pae.Message))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("gemini: %v: %w", err, contract.ErrTransient)
	}
	return err
}

var _ contract.LLMInvoker = (*Client)(nil)
