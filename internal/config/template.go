package config

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"chatbatch/internal/ledger"
)

// DefaultTemplateConfig 返回一个可直接运行的配置模板：
// 默认类别使用 mock provider（离线联调），并列出各真实 provider 的全部选项键。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Inputs:                []string{"transcripts"},
		Checkpoint:            d.Checkpoint,
		Ledger:                d.Ledger,
		LedgerMirror:          "state/ledger.db",
		CheckpointGranularity: d.CheckpointGranularity,
		BytesPerToken:         d.BytesPerToken,
		Logging:               Logging{Level: "info", Dir: "logs"},
		Pricing: map[string]ledger.Price{
			"mock-echo": {InputPerMillion: 0.1, OutputPerMillion: 0.4},
		},
		Classes: map[string]Class{
			"summary": {
				Provider:              "mock",
				Model:                 "mock-echo",
				MaxWorkers:            4,
				ChunkTokens:           24000,
				MaxItems:              200,
				MaxOutputTokens:       DefaultMaxOutputTokens,
				MaxRetries:            intPtr(DefaultMaxRetries),
				BaseBackoffMS:         intPtr(DefaultBaseBackoffMS),
				CallTimeoutSeconds:    intPtr(DefaultCallTimeoutSecs),
				MaxContinuationRounds: intPtr(DefaultMaxRounds),
				WaveCooldownMS:        0,
			},
		},
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"prefix":"","drop_every":0,"fence":false,"trailing_comma":false,"truncate":0,"latency_ms":0}`),
				Limits:  Limits{RPM: 600, TPM: 2000000},
			},
			"openai": {
				Client: "openai",
				Options: json.RawMessage(`{"base_url":"","api_key_env":"OPENAI_API_KEY","api_key":"","timeout_seconds":120,` +
					`"temperature":null,"json_mode":true,"endpoint_path":"","disable_default_auth":false,"extra_headers":{}}`),
			},
			"anthropic": {
				Client: "anthropic",
				Options: json.RawMessage(`{"base_url":"","api_key_env":"ANTHROPIC_API_KEY","api_key":"","anthropic_version":"2023-06-01",` +
					`"timeout_seconds":120,"temperature":null,"extra_headers":{}}`),
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{"base_url":"","api_key_env":"GOOGLE_API_KEY","api_key":"","timeout_seconds":120,` +
					`"temperature":null,"response_mime_type":"application/json"}`),
			},
		},
		Components: d.Components,
	}
	cfg.Options.Reader = json.RawMessage(`{"buf_size":65536,"exclude_dir_names":[".git","node_modules"],"extensions":[".jsonl",".json"],"include_hidden":false}`)
	cfg.Options.Splitter = json.RawMessage(`{"skip_roles":["progress","summary","file-history-snapshot"],"include_thinking":false,"keep_empty":false,"unit_id_from_path":false,"max_line_bytes":4194304}`)
	cfg.Options.Planner = json.RawMessage(`{"extra_tokens_per_item":12}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{"inline_system_template":"","system_template_path":"","task":"Summarize each message in one sentence.","inline_reference":"","reference_path":"","classes":{}}`)
	cfg.Options.Decoder = json.RawMessage(`{"list_keys":["items","results"]}`)
	cfg.Options.Merger = json.RawMessage(`{}`)
	cfg.Options.Writer = json.RawMessage(`{"output_dir":"out"}`)
	return cfg
}

// MarshalTemplate 以 JSON（缩进）或 YAML 输出配置。
func MarshalTemplate(cfg Config, asYAML bool) ([]byte, error) {
	js, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil || !asYAML {
		return js, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(js, &doc); err != nil {
		return nil, err
	}
	// JSON 是 YAML 的子集；重置为块风格以便阅读。
	setBlockStyle(&doc)
	return yaml.Marshal(&doc)
}

func setBlockStyle(n *yaml.Node) {
	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		n.Style = 0
	}
	if n.Kind == yaml.ScalarNode && n.Style == yaml.DoubleQuotedStyle {
		n.Style = 0
	}
	for _, c := range n.Content {
		setBlockStyle(c)
	}
}
