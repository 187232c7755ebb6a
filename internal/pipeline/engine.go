// Package pipeline 按作业类别分波调度工作单元：
// 波内并发执行，单一收集协程负责计费、结果写出与检查点落盘。
//
// 约束：
//   - 同一时刻进行中的单元数不超过该类别的 MaxWorkers；
//   - 账本先于检查点落盘，检查点 total_cost 取自账本累计；
//   - 单元内错误不终止运行；检查点、账本或结果写出失败终止运行；
//   - ctx 取消时不落盘被中断的波次（等价于崩溃）。
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"chatbatch/internal/checkpoint"
	"chatbatch/internal/continuation"
	"chatbatch/internal/diag"
	"chatbatch/internal/ledger"
	"chatbatch/pkg/contract"
)

// Granularity: 检查点落盘粒度。
type Granularity string

const (
	PerWave Granularity = "wave"
	PerUnit Granularity = "unit"
)

// ClassRuntime 为单个作业类别的执行器与并发参数。
type ClassRuntime struct {
	// Runner 执行单个块；通常为 *executor.Executor。
	Runner    continuation.ChunkRunner
	Estimator contract.TokenEstimator
	Limit     contract.ChunkLimit
	MaxRounds int
	// MaxWorkers: 每波单元数，也是并发上限（>=1）。
	MaxWorkers   int
	WaveCooldown time.Duration
}

// Components 聚合引擎所需的共享组件。
type Components struct {
	Planner contract.Planner
	Merger  contract.Merger
	// Writer 可选；非空时 complete/partial 单元结果写为 <class>/<unit>.json。
	Writer     contract.Writer
	Checkpoint checkpoint.Store
	Ledger     *ledger.Accountant
}

// Options 为引擎的可选项。
type Options struct {
	Granularity Granularity
	Logger      *diag.Logger
	Terminal    *diag.Terminal
	// UnitFunc 为空时使用 Engine.RunUnit。
	UnitFunc UnitFunc
	// Sleep 用于波次冷却；测试可注入。
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Engine 为批处理入口。
type Engine struct {
	comp    Components
	classes map[contract.JobClass]*ClassRuntime
	gran    Granularity
	lg      *diag.Logger
	term    *diag.Terminal
	unitFn  UnitFunc
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// New 校验组件并构造引擎。
func New(comp Components, classes map[contract.JobClass]*ClassRuntime, opts Options) (*Engine, error) {
	if comp.Planner == nil || comp.Merger == nil || comp.Checkpoint == nil || comp.Ledger == nil {
		return nil, fmt.Errorf("pipeline: missing components: %w", contract.ErrInvalidInput)
	}
	for c, rt := range classes {
		if rt == nil || rt.Runner == nil || rt.Estimator == nil {
			return nil, fmt.Errorf("pipeline: class %q: missing runtime: %w", c, contract.ErrInvalidInput)
		}
		if rt.MaxWorkers < 1 {
			return nil, fmt.Errorf("pipeline: class %q: max_workers must be >= 1: %w", c, contract.ErrInvalidInput)
		}
		if rt.Limit.MaxTokens <= 0 {
			return nil, fmt.Errorf("pipeline: class %q: chunk budget must be > 0: %w", c, contract.ErrBudgetExceeded)
		}
	}
	e := &Engine{
		comp:    comp,
		classes: classes,
		gran:    opts.Granularity,
		lg:      opts.Logger,
		term:    opts.Terminal,
		unitFn:  opts.UnitFunc,
		sleep:   opts.Sleep,
		now:     opts.Now,
	}
	if e.gran == "" {
		e.gran = PerWave
	}
	if e.gran != PerWave && e.gran != PerUnit {
		return nil, fmt.Errorf("pipeline: granularity %q: %w", e.gran, contract.ErrInvalidInput)
	}
	if e.lg == nil {
		e.lg = diag.NewNop()
	}
	if e.unitFn == nil {
		e.unitFn = e.RunUnit
	}
	if e.sleep == nil {
		e.sleep = sleepWithCtx
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// RunBatch 处理 items 中属于 classes 的单元；classes 为空时处理全部已配置类别。
// 作业类别按名称升序依次执行。resume=true 时跳过检查点中已完成的单元。
// 返回的报告只统计本次运行；error 非空表示运行被中止（存储失败或 ctx 取消）。
func (e *Engine) RunBatch(ctx context.Context, items []contract.WorkItem, classes []contract.JobClass, resume bool) (BatchReport, error) {
	report := newReport()
	if len(classes) == 0 {
		for c := range e.classes {
			classes = append(classes, c)
		}
	}
	classes = append([]contract.JobClass(nil), classes...)
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	for _, c := range classes {
		if _, ok := e.classes[c]; !ok {
			return report, fmt.Errorf("pipeline: unknown job class %q: %w", c, contract.ErrInvalidInput)
		}
	}

	state, err := e.comp.Checkpoint.Load()
	if err != nil {
		e.lg.ErrorWith("checkpoint", diag.Classify(err), "load failed", nil, "", "")
		return report, fmt.Errorf("checkpoint load: %w", err)
	}

	tm := e.lg.Start("pipeline", "run")
	e.term.RunStart(len(classes))
	ok := false
	defer func() { e.term.RunFinish(ok) }()

	for _, c := range classes {
		if err := e.runClass(ctx, c, items, state, resume, report.class(c)); err != nil {
			return report, err
		}
	}
	ok = true
	tm.Finish("run", int64(report.Totals().Processed))
	return report, nil
}

// pending 选出该类别待处理的单元：同 ID 只保留首个，续跑时剔除已完成者。
func (e *Engine) pending(c contract.JobClass, items []contract.WorkItem, state *checkpoint.State, resume bool, cr *ClassReport) []contract.WorkItem {
	seen := map[contract.UnitID]struct{}{}
	var todo []contract.WorkItem
	for _, w := range items {
		if w.JobClass != c {
			continue
		}
		if _, dup := seen[w.UnitID]; dup {
			e.lg.Warn("pipeline", "duplicate unit id ignored", string(w.UnitID), map[string]string{"job_class": string(c)})
			continue
		}
		seen[w.UnitID] = struct{}{}
		if resume && state.IsDone(c, w.UnitID) {
			cr.Skipped++
			continue
		}
		todo = append(todo, w)
	}
	return todo
}

func (e *Engine) runClass(ctx context.Context, c contract.JobClass, items []contract.WorkItem, state *checkpoint.State, resume bool, cr *ClassReport) error {
	rt := e.classes[c]
	todo := e.pending(c, items, state, resume, cr)
	waves := splitWaves(todo, rt.MaxWorkers)
	e.lg.Info("pipeline", "class start", map[string]string{
		"job_class": string(c),
		"units":     strconv.Itoa(len(todo)),
		"skipped":   strconv.Itoa(cr.Skipped),
		"waves":     strconv.Itoa(len(waves)),
	})
	e.term.ClassStart(string(c), len(todo), len(waves), cr.Skipped)

	for i, wave := range waves {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runWave(ctx, rt, c, i, wave, state, cr); err != nil {
			return err
		}
		cr.Waves++
		if i < len(waves)-1 && rt.WaveCooldown > 0 {
			if err := e.sleep(ctx, rt.WaveCooldown); err != nil {
				return err
			}
		}
	}
	return nil
}

// runWave 并发执行一个波次；收集协程是检查点与账本的唯一写者。
func (e *Engine) runWave(ctx context.Context, rt *ClassRuntime, c contract.JobClass, idx int, wave []contract.WorkItem, state *checkpoint.State, cr *ClassReport) error {
	waveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan UnitRun)
	collected := make(chan error, 1)
	var done []contract.UnitID
	wr := WaveReport{Index: idx}

	go func() {
		var cerr error
		for run := range results {
			if cerr != nil {
				continue
			}
			if err := e.collect(ctx, c, idx, run, cr, &wr); err != nil {
				cerr = err
				cancel()
				continue
			}
			if !run.Result.Done() {
				continue
			}
			done = append(done, run.Result.UnitID)
			if e.gran == PerUnit {
				if err := e.flush(ctx, c, done, state); err != nil {
					cerr = err
					cancel()
					continue
				}
				done = done[:0]
			}
		}
		collected <- cerr
	}()

	g, gctx := errgroup.WithContext(waveCtx)
	g.SetLimit(rt.MaxWorkers)
	for _, w := range wave {
		g.Go(func() error {
			results <- e.unitFn(gctx, rt, w)
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	if err := <-collected; err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		e.lg.Warn("pipeline", "wave interrupted", "", map[string]string{"job_class": string(c), "wave": strconv.Itoa(idx)})
		return err
	}
	// 逐单元模式下此处只补写失败单元的账本条目
	if err := e.flush(ctx, c, done, state); err != nil {
		return err
	}
	cr.PerWave = append(cr.PerWave, wr)
	e.lg.Info("pipeline", "wave flushed", map[string]string{
		"job_class": string(c),
		"wave":      strconv.Itoa(idx),
		"succeeded": strconv.Itoa(wr.Succeeded),
		"partial":   strconv.Itoa(wr.Partial),
		"failed":    strconv.Itoa(wr.Failed),
		"cost":      strconv.FormatFloat(wr.Cost, 'f', 6, 64),
	})
	e.term.WaveFlushed(idx, wr.Succeeded, wr.Partial, wr.Failed, cr.Cost)
	return nil
}

// collect 计费、统计并写出单个单元结果。
func (e *Engine) collect(ctx context.Context, c contract.JobClass, wave int, run UnitRun, cr *ClassReport, wr *WaveReport) error {
	res := &run.Result
	ts := e.now()
	var cost float64
	for _, call := range run.Calls {
		entry := e.comp.Ledger.Charge(c, res.UnitID, call.Model, call.Usage, ts)
		e.comp.Ledger.Append(entry)
		cost += entry.Cost
	}
	res.Cost = cost
	cr.record(*res, len(run.Calls))
	wr.record(*res)
	e.term.UnitDone(wave, res.Status == contract.StatusFailed)
	if res.Status == contract.StatusFailed && isCanceled(res.Err) {
		return nil
	}
	if e.comp.Writer == nil || !res.Done() {
		return nil
	}
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result %q: %w", res.UnitID, err)
	}
	id := contract.ResultArtifactID(c, res.UnitID)
	if err := e.comp.Writer.Write(context.WithoutCancel(ctx), id, bytes.NewReader(b)); err != nil {
		e.lg.ErrorWith("writer", diag.Classify(err), "write failed", nil, string(res.UnitID), "")
		diag.IncError("writer", diag.Classify(err))
		return fmt.Errorf("writer write %s: %w", id, err)
	}
	diag.IncOp("writer", "finish", "success")
	return nil
}

// flush: 账本 → 检查点 total_cost → 完成单元 → 检查点原子写。
// 不受 ctx 取消影响，避免半途中断造成账本与检查点不一致。
func (e *Engine) flush(ctx context.Context, c contract.JobClass, done []contract.UnitID, state *checkpoint.State) error {
	fctx := context.WithoutCancel(ctx)
	if err := e.comp.Ledger.Flush(fctx); err != nil {
		e.lg.ErrorWith("ledger", diag.Classify(err), "flush failed", nil, "", "")
		return fmt.Errorf("ledger flush: %w", err)
	}
	state.SetTotalCost(c, e.comp.Ledger.Total(c))
	for _, u := range done {
		state.MarkDone(c, u)
	}
	if err := e.comp.Checkpoint.Save(state); err != nil {
		e.lg.ErrorWith("checkpoint", diag.Classify(err), "save failed", nil, "", "")
		return fmt.Errorf("checkpoint save: %w", err)
	}
	diag.IncOp("checkpoint", "save", "success")
	return nil
}

func splitWaves(items []contract.WorkItem, size int) [][]contract.WorkItem {
	if size < 1 {
		size = 1
	}
	var out [][]contract.WorkItem
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
