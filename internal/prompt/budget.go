package prompt

import (
	"fmt"

	"chatbatch/pkg/contract"
)

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 非空文本至少计 1 token；bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// ChunkBudget 计算预扣固定提示开销后的块预算。
// 返回 (effective, overhead)；effective<=0 时返回 ErrBudgetExceeded。
func ChunkBudget(pb contract.PromptBuilder, est contract.TokenEstimator, budget int) (int, int, error) {
	if budget <= 0 {
		return 0, 0, fmt.Errorf("chunk budget %d: %w", budget, contract.ErrInvalidInput)
	}
	overhead := 0
	if pb != nil {
		overhead = pb.EstimateOverheadTokens(est)
	}
	eff := budget - overhead
	if eff <= 0 {
		return 0, overhead, fmt.Errorf("chunk budget %d <= prompt overhead %d: %w", budget, overhead, contract.ErrBudgetExceeded)
	}
	return eff, overhead, nil
}
