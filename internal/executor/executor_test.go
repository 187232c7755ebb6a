package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chatbatch/internal/diag"
	"chatbatch/internal/prompt"
	"chatbatch/internal/rate"
	"chatbatch/pkg/contract"
	"chatbatch/plugins/decoder/items"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

type stubBuilder struct{ err error }

func (b stubBuilder) Build(_ context.Context, _ contract.JobClass, c contract.Chunk) (contract.Prompt, error) {
	if b.err != nil {
		return contract.Prompt{}, b.err
	}
	return contract.Prompt{System: "sys", User: "user", ExpectedCount: len(c.Items)}, nil
}

func (stubBuilder) EstimateOverheadTokens(contract.TokenEstimator) int { return 0 }

// scripted 按调用序号返回预设结果。
type scripted struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, n int, req contract.Request) (contract.Response, error)
}

func (s *scripted) Invoke(ctx context.Context, req contract.Request) (contract.Response, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	return s.fn(ctx, n, req)
}

func echo(c contract.Chunk) string {
	parts := make([]string, len(c.Items))
	for i, it := range c.Items {
		parts[i] = fmt.Sprintf(`{"id":%q,"label":"ok"}`, it.ID)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func chunk(ids ...string) contract.Chunk {
	c := contract.Chunk{UnitID: "u1"}
	for _, id := range ids {
		c.Items = append(c.Items, contract.SubItem{ID: contract.SubItemID(id), Text: "t"})
	}
	return c
}

type sleepRec struct {
	mu sync.Mutex
	ds []time.Duration
}

func (r *sleepRec) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.ds = append(r.ds, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newExec(t *testing.T, inv contract.LLMInvoker, p Policy) (*Executor, *sleepRec) {
	t.Helper()
	dec, err := items.New(nil)
	require.NoError(t, err)
	e := New("light", Deps{Invoker: inv, Builder: stubBuilder{}, Decoder: dec, Estimator: prompt.MakeEstimator(4), Logger: diag.NewNop()}, p)
	rec := &sleepRec{}
	e.sleep = rec.sleep
	return e, rec
}

var usage = contract.Usage{InputTokens: 100, OutputTokens: 20}

// UT-EXE-10: 主机名无法解析时立即失败，不消耗重试
func TestDNSErrorNoRetry(t *testing.T) {
	inv := &scripted{fn: func(context.Context, int, contract.Request) (contract.Response, error) {
		return contract.Response{}, &url.Error{Op: "Post", URL: "https://nowhere.invalid/v1", Err: &net.OpError{
			Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true},
		}}
	}}
	e, rec := newExec(t, inv, Policy{MaxRetries: 3, BaseBackoff: time.Second})
	out := e.Execute(context.Background(), chunk("1"))
	assert.False(t, out.Success)
	assert.Equal(t, contract.KindFatal, out.ErrorKind)
	assert.Equal(t, 1, inv.calls)
	assert.Empty(t, rec.ds)
}

// UT-EXE-01: 两次限流后第三次成功 → retries=2，返回成功载荷
func TestRetryAccounting(t *testing.T) {
	inv := &scripted{fn: func(_ context.Context, n int, req contract.Request) (contract.Response, error) {
		if n <= 2 {
			return contract.Response{}, fmt.Errorf("429: %w", contract.ErrRateLimited)
		}
		return contract.Response{Text: echo(req.Chunk), Usage: usage}, nil
	}}
	e, rec := newExec(t, inv, Policy{Model: "m", MaxRetries: 3, BaseBackoff: time.Second})
	out := e.Execute(context.Background(), chunk("1", "2"))
	require.True(t, out.Success, "err=%v", out.Err)
	assert.Equal(t, 2, out.Retries)
	assert.Equal(t, 3, inv.calls)
	assert.Len(t, out.Parsed, 2)
	assert.Len(t, out.Calls, 3, "每次调用一条用量记录")
	assert.Equal(t, usage, out.Usage)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.ds, "base*2^attempt")
	assert.Equal(t, contract.KindNone, out.ErrorKind)
}

// UT-EXE-02: 暂时性失败耗尽
func TestTransientExhausted(t *testing.T) {
	inv := &scripted{fn: func(context.Context, int, contract.Request) (contract.Response, error) {
		return contract.Response{Usage: contract.Usage{InputTokens: 1}}, fmt.Errorf("503: %w", contract.ErrTransient)
	}}
	e, rec := newExec(t, inv, Policy{MaxRetries: 3, BaseBackoff: 10 * time.Millisecond})
	out := e.Execute(context.Background(), chunk("1"))
	assert.False(t, out.Success)
	assert.Equal(t, contract.KindTransientExhausted, out.ErrorKind)
	assert.Equal(t, 4, inv.calls, "max_retries=3 → 4 次调用")
	assert.Equal(t, 3, out.Retries)
	assert.Len(t, out.Calls, 4)
	assert.Equal(t, 4, out.Usage.InputTokens)
	assert.Len(t, rec.ds, 3)
}

// UT-EXE-03: 致命错误不重试
func TestFatalNoRetry(t *testing.T) {
	inv := &scripted{fn: func(context.Context, int, contract.Request) (contract.Response, error) {
		return contract.Response{}, fmt.Errorf("401: %w", contract.ErrFatal)
	}}
	e, rec := newExec(t, inv, Policy{MaxRetries: 3})
	out := e.Execute(context.Background(), chunk("1"))
	assert.Equal(t, contract.KindFatal, out.ErrorKind)
	assert.ErrorIs(t, out.Err, contract.ErrFatal)
	assert.Equal(t, 1, inv.calls)
	assert.Empty(t, rec.ds)
}

// UT-EXE-04: 无法解析的输出不重试，保留原文
func TestMalformedNoRetry(t *testing.T) {
	inv := &scripted{fn: func(context.Context, int, contract.Request) (contract.Response, error) {
		return contract.Response{Text: "I am sorry", Usage: usage}, nil
	}}
	e, _ := newExec(t, inv, Policy{MaxRetries: 3})
	out := e.Execute(context.Background(), chunk("1"))
	assert.Equal(t, contract.KindMalformedOutput, out.ErrorKind)
	assert.Equal(t, "I am sorry", out.Raw)
	var mo *contract.MalformedOutputError
	require.ErrorAs(t, out.Err, &mo)
	assert.Equal(t, "I am sorry", mo.Raw)
	assert.Equal(t, 1, inv.calls)
	assert.Equal(t, usage, out.Usage, "失败也记录用量")
}

// UT-EXE-05: 恢复策略与 ID 过滤
func TestRecoveredAndFiltered(t *testing.T) {
	inv := &scripted{fn: func(context.Context, int, contract.Request) (contract.Response, error) {
		return contract.Response{Text: `[{"id":"1","v":1},{"id":"9","v":2},{"id":"2","v":3},`}, nil
	}}
	e, _ := newExec(t, inv, Policy{})
	out := e.Execute(context.Background(), chunk("1", "2", "3"))
	require.True(t, out.Success)
	assert.Equal(t, 3, out.Strategy)
	assert.Len(t, out.Parsed, 2, "越界 ID 9 被丢弃")
	assert.Contains(t, out.Parsed, contract.SubItemID("1"))
	assert.Contains(t, out.Parsed, contract.SubItemID("2"))
	assert.NotContains(t, out.Parsed, contract.SubItemID("9"))
}

// UT-EXE-06: 单次超时按暂时性失败重试
func TestCallTimeoutIsTransient(t *testing.T) {
	inv := &scripted{fn: func(ctx context.Context, n int, req contract.Request) (contract.Response, error) {
		if n == 1 {
			<-ctx.Done()
			return contract.Response{}, ctx.Err()
		}
		return contract.Response{Text: echo(req.Chunk)}, nil
	}}
	e, _ := newExec(t, inv, Policy{MaxRetries: 1, CallTimeout: 20 * time.Millisecond})
	out := e.Execute(context.Background(), chunk("1"))
	require.True(t, out.Success, "err=%v", out.Err)
	assert.Equal(t, 1, out.Retries)
}

// UT-EXE-07: 父 ctx 取消
func TestParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := &scripted{fn: func(context.Context, int, contract.Request) (contract.Response, error) {
		cancel()
		return contract.Response{}, fmt.Errorf("reset: %w", contract.ErrTransient)
	}}
	e, _ := newExec(t, inv, Policy{MaxRetries: 3})
	out := e.Execute(ctx, chunk("1"))
	assert.Equal(t, contract.KindCanceled, out.ErrorKind)
	assert.Equal(t, 1, inv.calls)
}

func TestPromptBuildFailure(t *testing.T) {
	dec, _ := items.New(nil)
	inv := &scripted{fn: func(context.Context, int, contract.Request) (contract.Response, error) {
		return contract.Response{}, nil
	}}
	e := New("light", Deps{Invoker: inv, Builder: stubBuilder{err: contract.ErrInvalidInput}, Decoder: dec}, Policy{})
	out := e.Execute(context.Background(), chunk("1"))
	assert.Equal(t, contract.KindFatal, out.ErrorKind)
	assert.Equal(t, 0, inv.calls)
	assert.Empty(t, out.Calls)
}

func TestGateBudgetIsFatal(t *testing.T) {
	dec, _ := items.New(nil)
	inv := &scripted{fn: func(context.Context, int, contract.Request) (contract.Response, error) {
		return contract.Response{}, nil
	}}
	g := rate.NewGate(map[rate.LimitKey]rate.Limits{"k": {MaxTokensPerReq: 1}}, nil)
	e := New("light", Deps{Invoker: inv, Builder: stubBuilder{}, Decoder: dec, Estimator: prompt.MakeEstimator(1), Gate: g, GateKey: "k"}, Policy{})
	out := e.Execute(context.Background(), chunk("1"))
	assert.Equal(t, contract.KindFatal, out.ErrorKind)
	assert.ErrorIs(t, out.Err, contract.ErrBudgetExceeded)
	assert.Equal(t, 0, inv.calls)
}

type upstream struct{ status int }

func (u upstream) Error() string           { return fmt.Sprintf("http %d", u.status) }
func (u upstream) UpstreamStatus() int     { return u.status }
func (u upstream) UpstreamMessage() string { return strings.Repeat("x", 300) }

type throttled struct{ wait time.Duration }

func (h throttled) Error() string             { return "429" }
func (h throttled) Is(target error) bool      { return target == contract.ErrRateLimited }
func (h throttled) RetryAfter() time.Duration { return h.wait }

// UT-EXE-09: Retry-After 长于退避时按提示等待，并暂停同分组
func TestRetryAfterHint(t *testing.T) {
	inv := &scripted{fn: func(_ context.Context, n int, req contract.Request) (contract.Response, error) {
		if n == 1 {
			return contract.Response{}, throttled{wait: 30 * time.Second}
		}
		return contract.Response{Text: echo(req.Chunk), Usage: usage}, nil
	}}
	now := time.Unix(0, 0)
	g := rate.NewGate(nil, func() time.Time { return now })
	e, rec := newExec(t, inv, Policy{MaxRetries: 1, BaseBackoff: time.Second})
	e.deps.Gate, e.deps.GateKey = g, "k"
	// 第二次调用前 Wait 会因暂停阻塞，时钟在 sleep 中推进
	e.sleep = func(ctx context.Context, d time.Duration) error {
		now = now.Add(d)
		return rec.sleep(ctx, d)
	}
	out := e.Execute(context.Background(), chunk("1"))
	require.True(t, out.Success, "err=%v", out.Err)
	assert.Equal(t, []time.Duration{30 * time.Second}, rec.ds)
	assert.True(t, g.Try(rate.Ask{Key: "k", Requests: 1}), "暂停已到期")
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(upstream{502}))
	assert.False(t, retryable(upstream{400}))
	assert.True(t, retryable(context.DeadlineExceeded), "net.Error 超时")
	assert.False(t, retryable(errors.New("x")))

	dial := func(err error) error {
		return &url.Error{Op: "Post", URL: "https://api.example.test", Err: &net.OpError{Op: "dial", Net: "tcp", Err: err}}
	}
	assert.True(t, retryable(dial(&os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED})), "连接被拒绝")
	assert.True(t, retryable(dial(&os.SyscallError{Syscall: "read", Err: syscall.ECONNRESET})), "连接被重置")
	assert.True(t, retryable(&url.Error{Op: "Post", URL: "https://api.example.test", Err: io.EOF}), "服务端中途断开")
	dns := dial(&net.DNSError{Err: "no such host", Name: "api.example.test", IsNotFound: true})
	assert.False(t, retryable(dns), "DNS 解析失败不重试")
	kv := upstreamKV(upstream{502}, 0)
	assert.Equal(t, "502", kv["http_status"])
	assert.Len(t, kv["upstream_msg"], 200)
	assert.Equal(t, "u1#r2.3", ChunkID(contract.Chunk{UnitID: "u1", Round: 2, Index: 3}))
}

func TestSleepWithCtx(t *testing.T) {
	assert.NoError(t, sleepWithCtx(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepWithCtx(ctx, time.Hour), context.Canceled)
}
