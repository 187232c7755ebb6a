package config

import (
	"encoding/json"

	"chatbatch/internal/ledger"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON/YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	Inputs []string `json:"inputs"`
	// Checkpoint / Ledger: 状态文件路径。LedgerMirror 为空时不启用 SQLite 镜像。
	Checkpoint   string `json:"checkpoint"`
	Ledger       string `json:"ledger"`
	LedgerMirror string `json:"ledger_mirror"`
	// CheckpointGranularity: "wave"（默认）或 "unit"。
	CheckpointGranularity string `json:"checkpoint_granularity"`
	// BytesPerToken: token 估算系数，<=0 时取 4。
	BytesPerToken int `json:"bytes_per_token"`
	// AllowUnpriced: 允许价目表中缺失的模型（按 0 计费并告警）。
	AllowUnpriced bool                    `json:"allow_unpriced"`
	Pricing       map[string]ledger.Price `json:"pricing"`
	Logging       Logging                 `json:"logging"`

	// Classes: 作业类别 → 模型档位与并发预算。
	Classes  map[string]Class    `json:"classes"`
	Provider map[string]Provider `json:"provider"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`
	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 日志等级与目录；目录为空时写 stderr。
type Logging struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}

// Class: 单个作业类别的调用与调度参数。
// 指针字段区分“未设置”与显式 0。
type Class struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	// MaxWorkers: 每波单元数与并发上限。
	MaxWorkers int `json:"max_workers"`
	// ChunkTokens: 每块 token 预算（扣除提示词固定开销前）。
	ChunkTokens           int  `json:"chunk_tokens"`
	MaxItems              int  `json:"max_items"`
	MaxOutputTokens       int  `json:"max_output_tokens"`
	MaxRetries            *int `json:"max_retries"`
	BaseBackoffMS         *int `json:"base_backoff_ms"`
	CallTimeoutSeconds    *int `json:"call_timeout_seconds"`
	MaxContinuationRounds *int `json:"max_continuation_rounds"`
	WaveCooldownMS        int  `json:"wave_cooldown_ms"`
}

// Components: 组件名选择（注册表中的实现名）。Writer 为 "none" 时不写结果。
type Components struct {
	Reader        string `json:"reader"`
	Splitter      string `json:"splitter"`
	Planner       string `json:"planner"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
	Merger        string `json:"merger"`
	Writer        string `json:"writer"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader"`
	Splitter      json.RawMessage `json:"splitter"`
	Planner       json.RawMessage `json:"planner"`
	PromptBuilder json.RawMessage `json:"prompt_builder"`
	Decoder       json.RawMessage `json:"decoder"`
	Merger        json.RawMessage `json:"merger"`
	Writer        json.RawMessage `json:"writer"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}

// 类别参数默认值。
const (
	DefaultMaxRetries      = 3
	DefaultBaseBackoffMS   = 1000
	DefaultCallTimeoutSecs = 120
	DefaultMaxRounds       = 10
	DefaultMaxOutputTokens = 4096
)

// WithDefaults 返回填充默认值后的副本。
func (c Class) WithDefaults() Class {
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 1
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = DefaultMaxOutputTokens
	}
	c.MaxRetries = orDefault(c.MaxRetries, DefaultMaxRetries)
	c.BaseBackoffMS = orDefault(c.BaseBackoffMS, DefaultBaseBackoffMS)
	c.CallTimeoutSeconds = orDefault(c.CallTimeoutSeconds, DefaultCallTimeoutSecs)
	c.MaxContinuationRounds = orDefault(c.MaxContinuationRounds, DefaultMaxRounds)
	return c
}

func orDefault(p *int, def int) *int {
	if p != nil {
		return p
	}
	v := def
	return &v
}

func intPtr(v int) *int { return &v }
