// Package executor 执行单个块的模型请求：限流、单次超时、指数退避重试与 JSON 恢复。
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"chatbatch/internal/diag"
	"chatbatch/internal/rate"
	"chatbatch/pkg/contract"
)

// Policy 为单个作业类别的调用策略。
type Policy struct {
	Model string
	// MaxRetries: 暂时性失败的最大重试次数（总调用数 = MaxRetries+1）。
	MaxRetries int
	// BaseBackoff: 第 attempt 次重试前睡眠 BaseBackoff * 2^attempt。
	BaseBackoff time.Duration
	// CallTimeout: 单次调用超时；<=0 表示不设。超时按暂时性失败处理。
	CallTimeout     time.Duration
	MaxOutputTokens int
}

// Deps 为执行器所需的协作者。
type Deps struct {
	Invoker   contract.LLMInvoker
	Builder   contract.PromptBuilder
	Decoder   contract.Decoder
	Estimator contract.TokenEstimator
	// Gate 可选；为空时不限流。
	Gate    rate.Gate
	GateKey rate.LimitKey
	Logger  *diag.Logger
}

// Executor 对单个作业类别执行块请求；并发安全（无可变共享状态）。
type Executor struct {
	class  contract.JobClass
	deps   Deps
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error
}

// New 构造执行器。
func New(class contract.JobClass, deps Deps, p Policy) *Executor {
	if deps.Logger == nil {
		deps.Logger = diag.NewNop()
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return &Executor{class: class, deps: deps, policy: p, sleep: sleepWithCtx}
}

// Class 返回所属作业类别。
func (e *Executor) Class() contract.JobClass { return e.class }

// ChunkID 返回块在日志中的标识：<unit>#r<round>.<index>。
func ChunkID(c contract.Chunk) string {
	return string(c.UnitID) + "#r" + strconv.Itoa(c.Round) + "." + strconv.Itoa(c.Index)
}

// Execute 执行一个块。结果总是返回，失败通过 ErrorKind 表达；
// Usage/Retries/Calls 无论成败都会记录。
func (e *Executor) Execute(ctx context.Context, c contract.Chunk) contract.RequestOutcome {
	out := contract.RequestOutcome{Chunk: c, Strategy: -1}
	lg := e.deps.Logger
	unit, cid := string(c.UnitID), ChunkID(c)

	p, err := e.deps.Builder.Build(ctx, e.class, c)
	if err != nil {
		return e.fail(out, contract.KindFatal, fmt.Errorf("prompt build: %w", err))
	}
	req := contract.Request{
		Model:           e.policy.Model,
		System:          p.System,
		User:            p.User,
		MaxOutputTokens: e.policy.MaxOutputTokens,
		Chunk:           c,
	}
	tokens := 0
	if e.deps.Estimator != nil {
		tokens = e.deps.Estimator(p.System) + e.deps.Estimator(p.User) + e.policy.MaxOutputTokens
	}

	attempts := e.policy.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if e.deps.Gate != nil {
			if err := e.deps.Gate.Wait(ctx, rate.Ask{Key: e.deps.GateKey, Requests: 1, Tokens: tokens}); err != nil {
				if ctx.Err() != nil {
					return e.fail(out, contract.KindCanceled, ctx.Err())
				}
				return e.fail(out, contract.KindFatal, fmt.Errorf("rate gate: %w", err))
			}
		}
		tm := lg.StartWith("executor", "invoke", unit, cid)
		resp, err := e.invoke(ctx, req)
		out.Calls = append(out.Calls, contract.CallUsage{Model: e.policy.Model, Usage: resp.Usage})
		out.Usage = out.Usage.Add(resp.Usage)
		if err != nil {
			code := diag.Classify(err)
			lg.ErrorWithKV("executor", code, "invoke failed", nil, unit, cid, upstreamKV(err, attempt))
			diag.IncOp("executor", "invoke", "error")
			diag.IncError("executor", code)
			if ctx.Err() != nil {
				return e.fail(out, contract.KindCanceled, ctx.Err())
			}
			if !retryable(err) {
				return e.fail(out, contract.KindFatal, err)
			}
			if attempt+1 >= attempts {
				return e.fail(out, contract.KindTransientExhausted, err)
			}
			wait := e.backoff(attempt)
			if ra := contract.RetryAfter(err); ra > 0 {
				// 上游指定的等待对同分组的所有类别生效
				if e.deps.Gate != nil {
					e.deps.Gate.Pause(e.deps.GateKey, ra)
				}
				if ra > wait {
					wait = ra
				}
			}
			if err := e.sleep(ctx, wait); err != nil {
				return e.fail(out, contract.KindCanceled, err)
			}
			out.Retries++
			continue
		}
		tm.Finish("invoke", int64(resp.Usage.OutputTokens))
		diag.IncOp("executor", "invoke", "success")
		out.Raw = resp.Text
		return e.decode(ctx, out, p, resp.Text)
	}
	// attempts>=1，不可达
	return e.fail(out, contract.KindFatal, contract.ErrInvariantViolation)
}

func (e *Executor) invoke(ctx context.Context, req contract.Request) (contract.Response, error) {
	if e.policy.CallTimeout <= 0 {
		return e.deps.Invoker.Invoke(ctx, req)
	}
	cctx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout)
	defer cancel()
	resp, err := e.deps.Invoker.Invoke(cctx, req)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		// 单次超时：与父 ctx 取消区分，按暂时性失败重试
		err = fmt.Errorf("call timeout after %s: %w (%v)", e.policy.CallTimeout, contract.ErrTransient, err)
	}
	return resp, err
}

// decode 解析响应并过滤为本块 ID；解析失败不重试。
func (e *Executor) decode(ctx context.Context, out contract.RequestOutcome, p contract.Prompt, text string) contract.RequestOutcome {
	lg := e.deps.Logger
	unit, cid := string(out.Chunk.UnitID), ChunkID(out.Chunk)
	dec, err := e.deps.Decoder.Decode(ctx, text, p.ExtractID)
	if err != nil {
		if ctx.Err() != nil {
			return e.fail(out, contract.KindCanceled, ctx.Err())
		}
		var mo *contract.MalformedOutputError
		if !errors.As(err, &mo) {
			err = &contract.MalformedOutputError{Raw: text, Cause: err}
		}
		return e.fail(out, contract.KindMalformedOutput, err)
	}
	out.Strategy = dec.Strategy
	if dec.Strategy > 0 {
		lg.Warn("executor", "json recovered", unit, map[string]string{"chunk_id": cid, "strategy": strconv.Itoa(dec.Strategy)})
	}
	want := make(map[contract.SubItemID]struct{}, len(out.Chunk.Items))
	for _, it := range out.Chunk.Items {
		want[it.ID] = struct{}{}
	}
	out.Parsed = make(map[contract.SubItemID]json.RawMessage, len(dec.Items))
	var foreign []string
	for _, id := range dec.Order {
		if _, ok := want[id]; !ok {
			foreign = append(foreign, string(id))
			continue
		}
		out.Parsed[id] = dec.Items[id]
	}
	if len(foreign) > 0 || dec.Duplicates > 0 {
		lg.Warn("executor", "ids dropped", unit, map[string]string{
			"chunk_id":   cid,
			"foreign":    strings.Join(foreign, ","),
			"duplicates": strconv.Itoa(dec.Duplicates),
		})
	}
	if p.ExpectedCount > 0 && len(out.Parsed) < p.ExpectedCount {
		lg.DebugStart("executor", "short response", unit, cid, map[string]string{
			"expected": strconv.Itoa(p.ExpectedCount),
			"got":      strconv.Itoa(len(out.Parsed)),
		})
	}
	out.Success = true
	return out
}

func (e *Executor) fail(out contract.RequestOutcome, kind contract.ErrorKind, err error) contract.RequestOutcome {
	out.Success = false
	out.ErrorKind = kind
	out.Err = err
	if kind != contract.KindCanceled {
		e.deps.Logger.ErrorWithKV("executor", diag.Classify(err), "chunk failed", nil, string(out.Chunk.UnitID), ChunkID(out.Chunk),
			map[string]string{"kind": string(kind), "retries": strconv.Itoa(out.Retries)})
	}
	return out
}

// backoff 返回第 attempt 次失败后的等待时长：base * 2^attempt。
func (e *Executor) backoff(attempt int) time.Duration {
	return e.policy.BaseBackoff << uint(attempt)
}

// retryable: 限流、5xx/408、单次超时，以及连接被重置、拒绝或中途断开。
// DNS 解析失败等其余网络错误多为配置问题，立即失败。
func retryable(err error) bool {
	if contract.IsTransient(err) {
		return true
	}
	if errors.Is(err, contract.ErrFatal) || errors.Is(err, contract.ErrInvalidInput) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func upstreamKV(err error, attempt int) map[string]string {
	kv := diag.ErrorKV(err)
	kv["attempt"] = strconv.Itoa(attempt + 1)
	return kv
}

// sleepWithCtx: 可取消的 sleep。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
