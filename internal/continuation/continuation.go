// Package continuation 在首轮之后仅对缺失条目重新提交，直到覆盖完整、无进展或轮次耗尽。
package continuation

import (
	"context"
	"strconv"

	"chatbatch/internal/diag"
	"chatbatch/pkg/contract"
)

// ChunkRunner 执行单个块；*executor.Executor 满足该接口。
type ChunkRunner interface {
	Execute(ctx context.Context, c contract.Chunk) contract.RequestOutcome
}

// Controller 为单个作业类别的续写控制器。
type Controller struct {
	Planner   contract.Planner
	Runner    ChunkRunner
	Estimator contract.TokenEstimator
	Limit     contract.ChunkLimit
	// MaxRounds: 续写轮次上限；0 表示不续写。
	MaxRounds int
	Logger    *diag.Logger
}

// Result 为续写结束时的覆盖状态。Outcomes 仅含续写轮次产生的结果。
type Result struct {
	Outcomes []contract.RequestOutcome
	Covered  map[contract.SubItemID]struct{}
	// Missing 按载荷顺序排列；为空表示覆盖完整。
	Missing []contract.SubItemID
	Rounds  int
	// Fatal 为致命错误或取消；非空时单元中止。
	Fatal error
}

// Aborts 报告该结果是否应中止整个单元。
func Aborts(o contract.RequestOutcome) bool {
	return o.ErrorKind == contract.KindFatal || o.ErrorKind == contract.KindCanceled
}

// Run 以首轮结果为起点执行续写循环：
//  1. missing = expected − covered；为空即停止；
//  2. 上一轮续写未新增任何 ID 则停止；首轮不计，首轮一无所获（如输出无法解析）时仍续写一轮；
//  3. 轮次达到上限则停止；
//  4. 否则仅对 missing 重新规划并逐块执行，合并新 ID。
func (c *Controller) Run(ctx context.Context, w contract.WorkItem, initial []contract.RequestOutcome) Result {
	lg := c.Logger
	if lg == nil {
		lg = diag.NewNop()
	}
	res := Result{Covered: make(map[contract.SubItemID]struct{}, len(w.Payload))}
	expected := make(map[contract.SubItemID]struct{}, len(w.Payload))
	for _, it := range w.Payload {
		expected[it.ID] = struct{}{}
	}
	added := 0
	absorb := func(o contract.RequestOutcome) {
		for id := range o.Parsed {
			if _, ok := expected[id]; !ok {
				continue
			}
			if _, ok := res.Covered[id]; !ok {
				res.Covered[id] = struct{}{}
				added++
			}
		}
	}
	for _, o := range initial {
		if Aborts(o) {
			res.Fatal = o.Err
			res.Missing = missing(w.Payload, res.Covered)
			return res
		}
		absorb(o)
	}

	for {
		pending := pendingItems(w.Payload, res.Covered)
		if len(pending) == 0 {
			break
		}
		if res.Rounds > 0 && added == 0 {
			lg.Warn("continuation", "no progress", string(w.UnitID), map[string]string{"missing": strconv.Itoa(len(pending)), "round": strconv.Itoa(res.Rounds)})
			break
		}
		if res.Rounds >= c.MaxRounds {
			lg.Warn("continuation", "rounds exhausted", string(w.UnitID), map[string]string{"missing": strconv.Itoa(len(pending)), "round": strconv.Itoa(res.Rounds)})
			break
		}
		res.Rounds++
		added = 0
		chunks, err := c.Planner.Plan(ctx, w.UnitID, pending, c.Estimator, c.Limit)
		if err != nil {
			res.Fatal = err
			break
		}
		tm := lg.StartWith("continuation", "round", string(w.UnitID), strconv.Itoa(res.Rounds))
		for _, ch := range chunks {
			ch.Round = res.Rounds
			o := c.Runner.Execute(ctx, ch)
			res.Outcomes = append(res.Outcomes, o)
			if Aborts(o) {
				res.Fatal = o.Err
				res.Missing = missing(w.Payload, res.Covered)
				return res
			}
			absorb(o)
		}
		tm.Finish("round", int64(added))
	}
	res.Missing = missing(w.Payload, res.Covered)
	return res
}

func pendingItems(payload []contract.SubItem, covered map[contract.SubItemID]struct{}) []contract.SubItem {
	var out []contract.SubItem
	for _, it := range payload {
		if _, ok := covered[it.ID]; !ok {
			out = append(out, it)
		}
	}
	return out
}

func missing(payload []contract.SubItem, covered map[contract.SubItemID]struct{}) []contract.SubItemID {
	var out []contract.SubItemID
	for _, it := range payload {
		if _, ok := covered[it.ID]; !ok {
			out = append(out, it.ID)
		}
	}
	return out
}
