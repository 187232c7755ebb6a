package pipeline

import (
	"sort"

	"chatbatch/pkg/contract"
)

// ClassReport 为单个作业类别在本次运行中的汇总。
type ClassReport struct {
	Processed int     `json:"processed"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Partial   int     `json:"partial"`
	Cost      float64 `json:"cost"`
	// Skipped: 续跑时因已完成而跳过的单元数。
	Skipped  int `json:"skipped"`
	Requests int `json:"requests"`
	Waves    int `json:"waves"`
	// PerWave: 已落盘波次的逐波汇总，按波次顺序。
	PerWave []WaveReport `json:"per_wave,omitempty"`
	// FailedUnits: 单元 → 错误描述。
	FailedUnits map[contract.UnitID]string `json:"failed_units,omitempty"`
	// PartialUnits: 单元 → 缺失条目。
	PartialUnits map[contract.UnitID][]contract.SubItemID `json:"partial_units,omitempty"`
}

// WaveReport 为单个波次的汇总；Cost 只含该波次。
type WaveReport struct {
	Index     int     `json:"index"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Partial   int     `json:"partial"`
	Cost      float64 `json:"cost"`
}

func (w *WaveReport) record(res contract.UnitResult) {
	w.Cost += res.Cost
	switch res.Status {
	case contract.StatusComplete:
		w.Succeeded++
	case contract.StatusPartial:
		w.Partial++
	default:
		w.Failed++
	}
}

// BatchReport 为 RunBatch 的返回值。
type BatchReport struct {
	PerJobClass map[contract.JobClass]*ClassReport `json:"per_job_class"`
}

func newReport() BatchReport {
	return BatchReport{PerJobClass: map[contract.JobClass]*ClassReport{}}
}

func (r BatchReport) class(c contract.JobClass) *ClassReport {
	cr, ok := r.PerJobClass[c]
	if !ok {
		cr = &ClassReport{
			FailedUnits:  map[contract.UnitID]string{},
			PartialUnits: map[contract.UnitID][]contract.SubItemID{},
		}
		r.PerJobClass[c] = cr
	}
	return cr
}

// Classes 返回报告中的作业类别（升序）。
func (r BatchReport) Classes() []contract.JobClass {
	out := make([]contract.JobClass, 0, len(r.PerJobClass))
	for c := range r.PerJobClass {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Totals 汇总全部类别。
func (r BatchReport) Totals() ClassReport {
	var t ClassReport
	for _, cr := range r.PerJobClass {
		t.Processed += cr.Processed
		t.Succeeded += cr.Succeeded
		t.Failed += cr.Failed
		t.Partial += cr.Partial
		t.Cost += cr.Cost
		t.Skipped += cr.Skipped
		t.Requests += cr.Requests
		t.Waves += cr.Waves
	}
	return t
}

func (cr *ClassReport) record(res contract.UnitResult, calls int) {
	cr.Processed++
	cr.Requests += calls
	cr.Cost += res.Cost
	switch res.Status {
	case contract.StatusComplete:
		cr.Succeeded++
	case contract.StatusPartial:
		cr.Partial++
		cr.PartialUnits[res.UnitID] = append([]contract.SubItemID(nil), res.Missing...)
	default:
		cr.Failed++
		msg := "failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		cr.FailedUnits[res.UnitID] = msg
	}
}
