package contract

import (
	"context"
	"encoding/json"
)

// IDExtractor 从单条结果中取出 SubItemID。
type IDExtractor func(item json.RawMessage) (SubItemID, bool)

// Prompt: 一个块对应的提示词。
type Prompt struct {
	System        string
	User          string
	ExpectedCount int
	ExtractID     IDExtractor
}

// PromptBuilder: 基于作业类别与块构造确定性的 Prompt。
// 约束：纯计算，不做 I/O；失败快速返回错误。
type PromptBuilder interface {
	Build(ctx context.Context, class JobClass, c Chunk) (Prompt, error)
	// EstimateOverheadTokens: 与块无关的固定开销（system/固定规则）。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator: 文本→token 的近似估算函数。
type TokenEstimator func(s string) int
