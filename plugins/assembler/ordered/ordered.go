package ordered

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"chatbatch/pkg/contract"
)

// Options: 顺序合并当前没有可调项；仅接受空对象。
type Options struct{}

type merger struct{}

// New 从原样 JSON Options 创建顺序合并器；出现任何字段都按未知字段拒绝。
func New(raw json.RawMessage) (contract.Merger, error) {
	if len(bytes.TrimSpace(raw)) > 0 {
		var opts Options
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("merger options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	return &merger{}, nil
}

// Merge 合并同一单元全部轮次的解析结果：
// 跨结果出现同一 ID 即返回 *DuplicateResultError；非载荷 ID 丢弃；
// Ordered 按载荷顺序输出，缺失条目不占位。
func (m *merger) Merge(ctx context.Context, w contract.WorkItem, outcomes []contract.RequestOutcome) (contract.Merged, error) {
	select {
	case <-ctx.Done():
		return contract.Merged{}, ctx.Err()
	default:
	}
	expected := make(map[contract.SubItemID]struct{}, len(w.Payload))
	for _, it := range w.Payload {
		expected[it.ID] = struct{}{}
	}
	items := make(map[contract.SubItemID]json.RawMessage, len(w.Payload))
	for _, o := range outcomes {
		for id, raw := range o.Parsed {
			if _, ok := expected[id]; !ok {
				continue
			}
			if _, dup := items[id]; dup {
				return contract.Merged{}, &contract.DuplicateResultError{UnitID: w.UnitID, SubItemID: id}
			}
			items[id] = raw
		}
	}
	ordered := make([]contract.ItemResult, 0, len(items))
	for _, it := range w.Payload {
		if raw, ok := items[it.ID]; ok {
			ordered = append(ordered, contract.ItemResult{ID: it.ID, Result: raw})
		}
	}
	return contract.Merged{Items: items, Ordered: ordered}, nil
}

var _ contract.Merger = (*merger)(nil)
