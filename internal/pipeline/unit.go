package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"chatbatch/internal/continuation"
	"chatbatch/internal/diag"
	"chatbatch/pkg/contract"
)

// UnitRun 为单元执行的产物：合并结果与逐次调用用量（供收集协程计费）。
type UnitRun struct {
	Result contract.UnitResult
	Calls  []contract.CallUsage
}

// UnitFunc 端到端执行一个单元。默认实现为 Engine.RunUnit；
// 替换实现必须是同步的，且不得写检查点或账本。
type UnitFunc func(ctx context.Context, rt *ClassRuntime, w contract.WorkItem) UnitRun

// RunUnit 规划 → 逐块执行 → 续写 → 合并，并判定单元状态。
// 单元内错误只体现在结果中，不会向上返回。
func (e *Engine) RunUnit(ctx context.Context, rt *ClassRuntime, w contract.WorkItem) UnitRun {
	lg := e.lg
	unit := string(w.UnitID)
	res := contract.UnitResult{UnitID: w.UnitID, JobClass: w.JobClass}
	var run UnitRun
	tm := lg.StartWith("pipeline", "unit", unit, "")
	t0 := time.Now()

	fail := func(err error, outcomes []contract.RequestOutcome) UnitRun {
		res.Status = contract.StatusFailed
		res.Err = err
		run.Calls = collectCalls(outcomes)
		res.Requests = len(run.Calls)
		code := diag.Classify(err)
		lg.ErrorWithKV("pipeline", code, "unit failed", &t0, unit, "", map[string]string{"err": err.Error()})
		diag.IncOp("pipeline", "unit", "failed")
		diag.IncError("pipeline", code)
		run.Result = res
		return run
	}

	chunks, err := e.comp.Planner.Plan(ctx, w.UnitID, w.Payload, rt.Estimator, rt.Limit)
	if err != nil {
		return fail(fmt.Errorf("plan: %w", err), nil)
	}
	for _, c := range chunks {
		if c.Oversized {
			lg.Warn("planner", "oversized chunk", unit, map[string]string{
				"sub_item": string(c.Items[0].ID),
				"tokens":   strconv.Itoa(c.EstTokens),
				"budget":   strconv.Itoa(rt.Limit.MaxTokens),
			})
		}
	}

	var outcomes []contract.RequestOutcome
	for _, c := range chunks {
		o := rt.Runner.Execute(ctx, c)
		outcomes = append(outcomes, o)
		if continuation.Aborts(o) {
			return fail(o.Err, outcomes)
		}
	}

	ctl := continuation.Controller{
		Planner:   e.comp.Planner,
		Runner:    rt.Runner,
		Estimator: rt.Estimator,
		Limit:     rt.Limit,
		MaxRounds: rt.MaxRounds,
		Logger:    lg,
	}
	cr := ctl.Run(ctx, w, outcomes)
	outcomes = append(outcomes, cr.Outcomes...)
	res.Rounds = cr.Rounds
	if cr.Fatal != nil {
		return fail(cr.Fatal, outcomes)
	}

	merged, err := e.comp.Merger.Merge(ctx, w, outcomes)
	if err != nil {
		return fail(err, outcomes)
	}
	res.Items = merged.Items
	res.Ordered = merged.Ordered
	res.Missing = cr.Missing
	if n := len(w.Payload); n > 0 {
		res.Coverage = float64(len(merged.Items)) / float64(n)
	} else {
		res.Coverage = 1
	}

	switch {
	case len(res.Missing) == 0:
		res.Status = contract.StatusComplete
	case len(merged.Items) == 0:
		return fail(lastError(outcomes, w.UnitID), outcomes)
	default:
		res.Status = contract.StatusPartial
		res.Err = &contract.PartialCoverageError{UnitID: w.UnitID, Missing: res.Missing}
		lg.Warn("pipeline", "partial coverage", unit, map[string]string{
			"missing":  strconv.Itoa(len(res.Missing)),
			"coverage": strconv.FormatFloat(res.Coverage, 'f', 3, 64),
		})
	}
	run.Calls = collectCalls(outcomes)
	res.Requests = len(run.Calls)
	run.Result = res
	tm.Finish("unit", int64(len(merged.Items)))
	diag.IncOp("pipeline", "unit", string(res.Status))
	return run
}

func collectCalls(outcomes []contract.RequestOutcome) []contract.CallUsage {
	var out []contract.CallUsage
	for _, o := range outcomes {
		out = append(out, o.Calls...)
	}
	return out
}

// lastError 返回最后一个失败请求的错误；全部请求都"成功"但无有效条目时返回覆盖错误。
func lastError(outcomes []contract.RequestOutcome, unit contract.UnitID) error {
	for i := len(outcomes) - 1; i >= 0; i-- {
		if outcomes[i].Err != nil {
			return outcomes[i].Err
		}
	}
	return fmt.Errorf("unit %q: no results: %w", unit, contract.ErrPartialCoverage)
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
