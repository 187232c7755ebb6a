package registry

import (
	"bytes"
	"encoding/json"
	"sort"

	"chatbatch/pkg/contract"
	"chatbatch/plugins/assembler/ordered"
	"chatbatch/plugins/decoder/items"
	"chatbatch/plugins/llmclient/anthropic"
	"chatbatch/plugins/llmclient/flaky"
	gmi "chatbatch/plugins/llmclient/gemini"
	"chatbatch/plugins/llmclient/mock"
	oai "chatbatch/plugins/llmclient/openai"
	"chatbatch/plugins/planner/greedy"
	ptpl "chatbatch/plugins/prompt/template"
	rfs "chatbatch/plugins/reader/filesystem"
	"chatbatch/plugins/splitter/transcript"
	wfs "chatbatch/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewSplitter 工厂签名：接收原样 JSON Options。
type NewSplitter func(raw json.RawMessage) (contract.Splitter, error)

// NewPlanner 工厂签名：接收原样 JSON Options。
type NewPlanner func(raw json.RawMessage) (contract.Planner, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMInvoker 工厂签名：接收原样 JSON Options。
type NewLLMInvoker func(raw json.RawMessage) (contract.LLMInvoker, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// NewMerger 工厂签名：接收原样 JSON Options。
type NewMerger func(raw json.RawMessage) (contract.Merger, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件/目录/STDIN
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Splitter 工厂注册表。
var Splitter = map[string]NewSplitter{
	// transcript: JSONL / JSON 数组 / {session_id,messages}
	"transcript": func(raw json.RawMessage) (contract.Splitter, error) {
		var opts transcript.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return transcript.New(&opts), nil
	},
}

// Planner 工厂注册表。
var Planner = map[string]NewPlanner{
	"greedy": func(raw json.RawMessage) (contract.Planner, error) {
		var opts greedy.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return greedy.New(&opts), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// template: system 模板 + <items> 用户消息
	"template": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts ptpl.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ptpl.New(&opts)
	},
}

// LLMInvoker 工厂注册表；各客户端自行解析选项。
var LLMInvoker = map[string]NewLLMInvoker{
	"openai":    oai.New,
	"anthropic": anthropic.New,
	"gemini":    gmi.New,
	"mock":      mock.New,
	"flaky":     flaky.New,
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// items: {"items":[{"id":...}]} 或顶层数组，带三级 JSON 恢复
	"items": items.New,
}

// Merger 工厂注册表。
var Merger = map[string]NewMerger{
	"ordered": ordered.New,
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（原子替换）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}

// Names 返回注册表中的名称（排序），用于错误提示与 init-config。
func Names[F any](m map[string]F) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
