package greedy

import (
	"context"
	"fmt"

	"chatbatch/pkg/contract"
)

// Options 为贪心规划器的可选配置。
type Options struct {
	// ExtraTokensPerItem: 每条目在 Prompt 包装产生的额外 token 估算（<item id> 包裹、换行等）。
	// 仅用于预算估算；<=0 表示不额外加成。
	ExtraTokensPerItem int `json:"extra_tokens_per_item"`
}

// Planner 自左向右贪心装箱。
type Planner struct {
	extra int
}

// New 创建贪心规划器。
func New(opts *Options) *Planner {
	p := &Planner{}
	if opts != nil && opts.ExtraTokensPerItem > 0 {
		p.extra = opts.ExtraTokensPerItem
	}
	return p
}

var _ contract.Planner = (*Planner)(nil)

// ItemTokens 返回单条目的估算 token 数。
func (p *Planner) ItemTokens(est contract.TokenEstimator, it contract.SubItem) int {
	return est(it.Role) + est(it.Text) + p.extra
}

// Plan 在 running+next<=MaxTokens 且 count<MaxItems 时持续装入；
// 任一限制将被突破时封闭当前块并以待装条目开启新块。
// 单条超预算条目独立成块（Oversized），不丢弃。
func (p *Planner) Plan(ctx context.Context, unitID contract.UnitID, items []contract.SubItem, est contract.TokenEstimator, limit contract.ChunkLimit) ([]contract.Chunk, error) {
	if limit.MaxTokens <= 0 {
		return nil, fmt.Errorf("planner: max tokens must be > 0: %w", contract.ErrInvalidInput)
	}
	if est == nil {
		return nil, fmt.Errorf("planner: nil estimator: %w", contract.ErrInvalidInput)
	}
	if len(items) == 0 {
		return nil, nil
	}
	seen := make(map[contract.SubItemID]struct{}, len(items))
	var (
		chunks []contract.Chunk
		cur    []contract.SubItem
		sum    int
	)
	flush := func() {
		if len(cur) == 0 {
			return
		}
		chunks = append(chunks, contract.Chunk{UnitID: unitID, Index: len(chunks), Items: cur, EstTokens: sum})
		cur, sum = nil, 0
	}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, dup := seen[it.ID]; dup {
			return nil, fmt.Errorf("planner: duplicate sub item id %q in unit %q: %w", it.ID, unitID, contract.ErrInvalidInput)
		}
		seen[it.ID] = struct{}{}

		n := p.ItemTokens(est, it)
		if n > limit.MaxTokens {
			flush()
			chunks = append(chunks, contract.Chunk{UnitID: unitID, Index: len(chunks), Items: []contract.SubItem{it}, EstTokens: n, Oversized: true})
			continue
		}
		full := limit.MaxItems > 0 && len(cur) >= limit.MaxItems
		if len(cur) > 0 && (sum+n > limit.MaxTokens || full) {
			flush()
		}
		cur = append(cur, it)
		sum += n
	}
	flush()
	return chunks, nil
}
