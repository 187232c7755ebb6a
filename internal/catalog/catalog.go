// Package catalog 发现输入转录并为每个作业类别生成 WorkItem。
package catalog

import (
	"context"
	"io"
	"sort"

	"github.com/rotisserie/eris"

	"chatbatch/internal/checkpoint"
	"chatbatch/internal/diag"
	"chatbatch/pkg/contract"
)

// Catalog 组合 Reader 与 Splitter。
type Catalog struct {
	Reader   contract.Reader
	Splitter contract.Splitter
	// Classes: 每个单元在这些作业类别下各生成一个 WorkItem。
	Classes []contract.JobClass
	Logger  *diag.Logger
}

// Load 遍历 roots 并拆分为 WorkItem。跨文件重复的 UnitID 保留首个并告警。
// 输出顺序：文件遍历顺序 × 文件内单元顺序 × 类别升序。
func (c *Catalog) Load(ctx context.Context, roots []string) ([]contract.WorkItem, error) {
	if c.Reader == nil || c.Splitter == nil {
		return nil, eris.Wrap(contract.ErrInvalidInput, "catalog: missing reader or splitter")
	}
	lg := c.Logger
	classes := append([]contract.JobClass(nil), c.Classes...)
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	seen := map[contract.UnitID]contract.FileID{}
	var out []contract.WorkItem
	tm := lg.Start("catalog", "load")
	err := c.Reader.Iterate(ctx, roots, func(fid contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		units, err := c.Splitter.Split(ctx, fid, rc)
		if err != nil {
			lg.ErrorWith("splitter", diag.Classify(err), "split failed", nil, string(fid), "")
			diag.IncError("splitter", diag.Classify(err))
			return eris.Wrapf(err, "catalog: split %s", fid)
		}
		diag.IncOp("splitter", "finish", "success")
		for _, u := range units {
			if prev, dup := seen[u.UnitID]; dup {
				lg.Warn("catalog", "duplicate unit id", string(u.UnitID), map[string]string{"file": string(fid), "first": string(prev)})
				continue
			}
			seen[u.UnitID] = fid
			for _, cl := range classes {
				out = append(out, contract.WorkItem{UnitID: u.UnitID, JobClass: cl, Payload: u.Payload})
			}
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "catalog: iterate")
	}
	tm.Finish("load", int64(len(out)))
	return out, nil
}

// Status 为单个作业类别的完成情况。
type Status struct {
	JobClass  contract.JobClass
	Total     int
	Done      int
	Pending   int
	TotalCost float64
}

// IsAlreadyDone 报告单元在该类别下是否已被检查点记录。
func IsAlreadyDone(state *checkpoint.State, unit contract.UnitID, class contract.JobClass) bool {
	return state.IsDone(class, unit)
}

// Summarize 按类别统计 items 相对检查点的完成情况（类别升序）。
func Summarize(items []contract.WorkItem, state *checkpoint.State) []Status {
	idx := map[contract.JobClass]*Status{}
	for _, w := range items {
		s, ok := idx[w.JobClass]
		if !ok {
			s = &Status{JobClass: w.JobClass, TotalCost: state.TotalCost(w.JobClass)}
			idx[w.JobClass] = s
		}
		s.Total++
		if IsAlreadyDone(state, w.UnitID, w.JobClass) {
			s.Done++
		} else {
			s.Pending++
		}
	}
	out := make([]Status, 0, len(idx))
	for _, s := range idx {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobClass < out[j].JobClass })
	return out
}
