package contract

import (
	"context"
	"fmt"
)

// ChunkLimit: 块的上限参数。
type ChunkLimit struct {
	// MaxTokens: 每块 token 预算，必须为正数。
	MaxTokens int
	// MaxItems: 每块最大条目数；<=0 表示不限制。
	MaxItems int
}

// Planner: 将单元载荷切分为预算内的有序块。
// 约束：
//  1. 块顺序与载荷顺序一致；
//  2. 不拆分、不丢失、不重复条目；
//  3. 单条超预算条目独立成块并标记 Oversized。
type Planner interface {
	Plan(ctx context.Context, unitID UnitID, items []SubItem, estimate TokenEstimator, limit ChunkLimit) ([]Chunk, error)
}

// ValidatePlan 校验 chunks 恰好一次、按序覆盖 items。
func ValidatePlan(items []SubItem, chunks []Chunk) error {
	k := 0
	for ci, c := range chunks {
		if len(c.Items) == 0 {
			return fmt.Errorf("%w: chunk %d empty", ErrInvariantViolation, ci)
		}
		for _, it := range c.Items {
			if k >= len(items) {
				return fmt.Errorf("%w: chunk %d overflows payload", ErrInvariantViolation, ci)
			}
			if it.ID != items[k].ID {
				return fmt.Errorf("%w: chunk %d item %q, want %q", ErrInvariantViolation, ci, it.ID, items[k].ID)
			}
			k++
		}
	}
	if k != len(items) {
		return fmt.Errorf("%w: plan covers %d of %d items", ErrInvariantViolation, k, len(items))
	}
	return nil
}
