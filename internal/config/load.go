package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"chatbatch/internal/ledger"
	"chatbatch/pkg/contract"
)

// EnvPrefix 为环境变量覆盖前缀。
const EnvPrefix = "CHATBATCH_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：Classes/Provider 不设默认（必须由文件/ENV 提供）。
func Defaults() Config {
	return Config{
		Checkpoint:            filepath.Join("state", "checkpoint.json"),
		Ledger:                filepath.Join("state", "ledger.json"),
		CheckpointGranularity: "wave",
		BytesPerToken:         4,
		Logging:               Logging{Level: "info"},
		Components: Components{
			Reader:        "fs",
			Splitter:      "transcript",
			Planner:       "greedy",
			PromptBuilder: "template",
			Decoder:       "items",
			Merger:        "ordered",
			Writer:        "fs",
		},
		Options: Options{Writer: json.RawMessage(`{"output_dir":"out"}`)},
	}
}

// LoadFile 按扩展名解析配置：.yaml/.yml 走 YAML，其余按 JSON。
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, eris.Wrapf(err, "config: read %s", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(raw)
	default:
		return LoadJSON(raw)
	}
}

// LoadJSON 严格解析（拒绝未知字段）。
func LoadJSON(raw []byte) (Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, eris.Wrapf(contract.ErrInvalidInput, "config: %v", err)
	}
	return cfg, nil
}

// LoadYAML 先转为 JSON 再严格解析，使两种格式共享同一套字段与校验。
func LoadYAML(raw []byte) (Config, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, eris.Wrapf(contract.ErrInvalidInput, "config: yaml: %v", err)
	}
	if doc == nil {
		return Config{}, nil
	}
	js, err := json.Marshal(normalizeYAML(doc))
	if err != nil {
		return Config{}, eris.Wrapf(contract.ErrInvalidInput, "config: yaml to json: %v", err)
	}
	return LoadJSON(js)
}

// normalizeYAML 将 map[any]any（非字符串键）转为 map[string]any。
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, x := range t {
			t[k] = normalizeYAML(x)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[strings.TrimSpace(toString(k))] = normalizeYAML(x)
		}
		return out
	case []any:
		for i, x := range t {
			t[i] = normalizeYAML(x)
		}
		return t
	default:
		return v
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// Merge 按优先级合并（后者覆盖前者）。
// 标量与原样 JSON 为替换；Classes/Provider 按键逐字段合并。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	out.Checkpoint = pick(out.Checkpoint, over.Checkpoint)
	out.Ledger = pick(out.Ledger, over.Ledger)
	out.LedgerMirror = pick(out.LedgerMirror, over.LedgerMirror)
	out.CheckpointGranularity = pick(out.CheckpointGranularity, over.CheckpointGranularity)
	if over.BytesPerToken != 0 {
		out.BytesPerToken = over.BytesPerToken
	}
	if over.AllowUnpriced {
		out.AllowUnpriced = true
	}
	if len(over.Pricing) > 0 {
		out.Pricing = ledger.Pricing(out.Pricing).Merge(over.Pricing)
	}
	out.Logging.Level = pick(out.Logging.Level, over.Logging.Level)
	out.Logging.Dir = pick(out.Logging.Dir, over.Logging.Dir)

	if len(over.Classes) > 0 {
		m := make(map[string]Class, len(out.Classes)+len(over.Classes))
		for k, v := range out.Classes {
			m[k] = v
		}
		for k, v := range over.Classes {
			m[k] = mergeClass(m[k], v)
		}
		out.Classes = m
	}
	if len(over.Provider) > 0 {
		m := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			m[k] = v
		}
		for k, v := range over.Provider {
			m[k] = mergeProvider(m[k], v)
		}
		out.Provider = m
	}

	// 组件名（空不覆盖）
	c, oc := &out.Components, over.Components
	c.Reader = pick(c.Reader, oc.Reader)
	c.Splitter = pick(c.Splitter, oc.Splitter)
	c.Planner = pick(c.Planner, oc.Planner)
	c.PromptBuilder = pick(c.PromptBuilder, oc.PromptBuilder)
	c.Decoder = pick(c.Decoder, oc.Decoder)
	c.Merger = pick(c.Merger, oc.Merger)
	c.Writer = pick(c.Writer, oc.Writer)

	// Options（完整替换对应键）
	o, oo := &out.Options, over.Options
	o.Reader = pickRaw(o.Reader, oo.Reader)
	o.Splitter = pickRaw(o.Splitter, oo.Splitter)
	o.Planner = pickRaw(o.Planner, oo.Planner)
	o.PromptBuilder = pickRaw(o.PromptBuilder, oo.PromptBuilder)
	o.Decoder = pickRaw(o.Decoder, oo.Decoder)
	o.Merger = pickRaw(o.Merger, oo.Merger)
	o.Writer = pickRaw(o.Writer, oo.Writer)
	return out
}

func mergeClass(b, o Class) Class {
	b.Provider = pick(b.Provider, o.Provider)
	b.Model = pick(b.Model, o.Model)
	if o.MaxWorkers != 0 {
		b.MaxWorkers = o.MaxWorkers
	}
	if o.ChunkTokens != 0 {
		b.ChunkTokens = o.ChunkTokens
	}
	if o.MaxItems != 0 {
		b.MaxItems = o.MaxItems
	}
	if o.MaxOutputTokens != 0 {
		b.MaxOutputTokens = o.MaxOutputTokens
	}
	if o.MaxRetries != nil {
		b.MaxRetries = o.MaxRetries
	}
	if o.BaseBackoffMS != nil {
		b.BaseBackoffMS = o.BaseBackoffMS
	}
	if o.CallTimeoutSeconds != nil {
		b.CallTimeoutSeconds = o.CallTimeoutSeconds
	}
	if o.MaxContinuationRounds != nil {
		b.MaxContinuationRounds = o.MaxContinuationRounds
	}
	if o.WaveCooldownMS != 0 {
		b.WaveCooldownMS = o.WaveCooldownMS
	}
	return b
}

func mergeProvider(b, o Provider) Provider {
	b.Client = pick(b.Client, o.Client)
	b.Options = pickRaw(b.Options, o.Options)
	if o.Limits.RPM != 0 {
		b.Limits.RPM = o.Limits.RPM
	}
	if o.Limits.TPM != 0 {
		b.Limits.TPM = o.Limits.TPM
	}
	if o.Limits.MaxTokensPerReq != 0 {
		b.Limits.MaxTokensPerReq = o.Limits.MaxTokensPerReq
	}
	return b
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 支持：INPUTS, CHECKPOINT, LEDGER, LEDGER_MIRROR, CHECKPOINT_GRANULARITY, BYTES_PER_TOKEN,
// ALLOW_UNPRICED, LOG_LEVEL, LOG_DIR,
// PROVIDER__<name>__{CLIENT,OPTIONS_JSON,LIMITS_RPM,LIMITS_TPM,LIMITS_MAX_TOKENS_PER_REQ}
// 以及 CLASS__<name>__{PROVIDER,MODEL,MAX_WORKERS,CHUNK_TOKENS,MAX_RETRIES}。
// 数值无法解析时返回 ErrInvalidInput。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	prov := map[string]Provider{}
	classes := map[string]Class{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		nk, val := kv[len(EnvPrefix):eq], strings.TrimSpace(kv[eq+1:])
		if val == "" {
			continue
		}
		num := func() (int, error) {
			n, err := strconv.Atoi(val)
			if err != nil {
				return 0, eris.Wrapf(contract.ErrInvalidInput, "config: %s%s=%q not an integer", EnvPrefix, nk, val)
			}
			return n, nil
		}
		switch nk {
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "CHECKPOINT":
			over.Checkpoint = val
		case "LEDGER":
			over.Ledger = val
		case "LEDGER_MIRROR":
			over.LedgerMirror = val
		case "CHECKPOINT_GRANULARITY":
			over.CheckpointGranularity = val
		case "BYTES_PER_TOKEN":
			n, err := num()
			if err != nil {
				return Config{}, err
			}
			over.BytesPerToken = n
		case "ALLOW_UNPRICED":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return Config{}, eris.Wrapf(contract.ErrInvalidInput, "config: %sALLOW_UNPRICED=%q", EnvPrefix, val)
			}
			over.AllowUnpriced = b
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "LOG_DIR":
			over.Logging.Dir = val
		default:
			parts := strings.Split(nk, "__")
			if len(parts) < 3 {
				continue
			}
			name, field := strings.TrimSpace(parts[1]), strings.Join(parts[2:], "__")
			switch parts[0] {
			case "PROVIDER":
				p := prov[name]
				switch field {
				case "CLIENT":
					p.Client = val
				case "OPTIONS_JSON":
					if !json.Valid([]byte(val)) {
						return Config{}, eris.Wrapf(contract.ErrInvalidInput, "config: provider %s options_json invalid", name)
					}
					p.Options = json.RawMessage(val)
				case "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ":
					n, err := num()
					if err != nil {
						return Config{}, err
					}
					switch field {
					case "LIMITS_RPM":
						p.Limits.RPM = n
					case "LIMITS_TPM":
						p.Limits.TPM = n
					default:
						p.Limits.MaxTokensPerReq = n
					}
				default:
					continue
				}
				prov[name] = p
			case "CLASS":
				c := classes[name]
				switch field {
				case "PROVIDER":
					c.Provider = val
				case "MODEL":
					c.Model = val
				case "MAX_WORKERS", "CHUNK_TOKENS", "MAX_RETRIES":
					n, err := num()
					if err != nil {
						return Config{}, err
					}
					switch field {
					case "MAX_WORKERS":
						c.MaxWorkers = n
					case "CHUNK_TOKENS":
						c.ChunkTokens = n
					default:
						c.MaxRetries = intPtr(n)
					}
				default:
					continue
				}
				classes[name] = c
			}
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	if len(classes) > 0 {
		over.Classes = classes
	}
	return over, nil
}

// WithWriterOutput 将 output_dir 写入 writer 选项，保留其余键。
func WithWriterOutput(raw json.RawMessage, dir string) (json.RawMessage, error) {
	obj := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, eris.Wrapf(contract.ErrInvalidInput, "config: writer options: %v", err)
		}
	}
	obj["output_dir"] = dir
	b, err := json.Marshal(obj)
	return b, err
}

func pick(cur, over string) string {
	if t := strings.TrimSpace(over); t != "" {
		return t
	}
	return cur
}

func pickRaw(cur, over json.RawMessage) json.RawMessage {
	if len(over) > 0 {
		return cloneRaw(over)
	}
	return cur
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
