package contract

import (
	"context"
	"encoding/json"
)

// Merged: 单元内全部结果的并集及其载荷顺序视图。
type Merged struct {
	Items   map[SubItemID]json.RawMessage
	Ordered []ItemResult
}

// Merger: 合并首轮与续写轮次的 RequestOutcome。
// 约束：
//  1. 不允许后写覆盖，同一 ID 出现两次返回 *DuplicateResultError；
//  2. Ordered 按 WorkItem 载荷顺序排列；
//  3. 不引入跨单元状态。
type Merger interface {
	Merge(ctx context.Context, w WorkItem, outcomes []RequestOutcome) (Merged, error)
}
