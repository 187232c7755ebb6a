// Package ledger 计费并维护只追加的 JSON 账本。
//
// 账本文件为 JSON 数组，每次 Flush 以原子写整体重写；
// 已存在条目原样保留，因此内容上只追加。
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"chatbatch/internal/diag"
	"chatbatch/internal/fsx"
	"chatbatch/pkg/contract"
)

// Entry 为账本中的一条计费记录。
type Entry struct {
	Timestamp    time.Time         `json:"timestamp"`
	UnitID       contract.UnitID   `json:"unit_id"`
	JobClass     contract.JobClass `json:"job_class"`
	Cost         float64           `json:"cost"`
	Model        string            `json:"model"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
}

// Accountant 计费器与账本。并发安全；Flush 由收集协程调用。
type Accountant struct {
	path    string
	pricing Pricing
	lg      *diag.Logger
	mirror  *SQLiteMirror

	mu       sync.Mutex
	flushed  []Entry
	pending  []Entry
	totals   map[contract.JobClass]float64
	unpriced map[string]struct{}
}

// Open 加载已有账本并重算各类别累计；path 为空时仅在内存中记账。
func Open(path string, pricing Pricing, lg *diag.Logger) (*Accountant, error) {
	if lg == nil {
		lg = diag.NewNop()
	}
	a := &Accountant{
		path:     path,
		pricing:  pricing,
		lg:       lg,
		totals:   map[contract.JobClass]float64{},
		unpriced: map[string]struct{}{},
	}
	if path == "" {
		return a, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return a, nil
		}
		return nil, eris.Wrapf(err, "ledger: read %s", path)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(b, &a.flushed); err != nil {
		return nil, eris.Wrapf(err, "ledger: decode %s", path)
	}
	for _, e := range a.flushed {
		a.totals[e.JobClass] += e.Cost
	}
	return a, nil
}

// AttachMirror 设置 SQLite 镜像；此后每次 Flush 同步写入镜像。
func (a *Accountant) AttachMirror(m *SQLiteMirror) {
	a.mu.Lock()
	a.mirror = m
	a.mu.Unlock()
}

// Charge 按价目表计算一次调用的花费；未知模型计 0 并告警一次。
func (a *Accountant) Charge(class contract.JobClass, unit contract.UnitID, model string, u contract.Usage, ts time.Time) Entry {
	e := Entry{
		Timestamp:    ts.UTC(),
		UnitID:       unit,
		JobClass:     class,
		Model:        model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
	}
	p, ok := a.pricing[model]
	if !ok {
		a.mu.Lock()
		_, warned := a.unpriced[model]
		a.unpriced[model] = struct{}{}
		a.mu.Unlock()
		if !warned {
			a.lg.Warn("ledger", "unpriced model", string(unit), map[string]string{"model": model})
		}
		return e
	}
	e.Cost = p.Cost(u)
	return e
}

// Append 暂存条目并累加类别合计；落盘需 Flush。
func (a *Accountant) Append(entries ...Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range entries {
		a.pending = append(a.pending, e)
		a.totals[e.JobClass] += e.Cost
	}
}

// Flush 原子重写账本文件；无暂存条目时不写。
// 写入失败时暂存条目保留，可重试。
func (a *Accountant) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return nil
	}
	all := make([]Entry, 0, len(a.flushed)+len(a.pending))
	all = append(all, a.flushed...)
	all = append(all, a.pending...)
	if a.path != "" {
		b, err := json.MarshalIndent(all, "", "  ")
		if err != nil {
			return eris.Wrap(err, "ledger: encode")
		}
		if err := fsx.WriteFile(a.path, append(b, '\n'), 0o644); err != nil {
			return eris.Wrapf(err, "ledger: flush %s", a.path)
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Insert(ctx, a.pending...); err != nil {
			return eris.Wrap(err, "ledger: mirror")
		}
	}
	a.flushed = all
	a.pending = nil
	return nil
}

// Total 返回类别在整个账本（含暂存）中的累计花费。
func (a *Accountant) Total(class contract.JobClass) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals[class]
}

// Totals 返回全部类别累计的副本。
func (a *Accountant) Totals() map[contract.JobClass]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[contract.JobClass]float64, len(a.totals))
	for k, v := range a.totals {
		out[k] = v
	}
	return out
}

// Entries 返回已落盘条目的副本。
func (a *Accountant) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Entry(nil), a.flushed...)
}

// Unpriced 返回出现过但无价目的模型（升序）。
func (a *Accountant) Unpriced() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.unpriced))
	for m := range a.unpriced {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
