package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatbatch/pkg/contract"
)

// LimitKey: 限流分组键。共用同一账号（API Key）的作业类别共享一个分组。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
	Tokens   int // 预计输入+输出 token（>=0）
}

// Gate: 调用模型前的限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；超过单请求上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(a Ask) bool
	// Pause: 上游给出 Retry-After 时暂停整个分组；已有更晚的暂停不缩短。
	Pause(key LimitKey, d time.Duration)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	now := clk()
	for k, lim := range m {
		g.m[k] = newEntry(lim, now)
	}
	return g
}

// Unlimited 返回总是放行的闸门。
func Unlimited() Gate { return NewGate(nil, nil) }

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	mu    sync.Mutex
	lim   Limits
	req   bucket // RPM
	tok   bucket // TPM
	until time.Time
}

// bucket 为按分钟均匀回填的令牌桶。
type bucket struct {
	cap   int
	level float64
	rate  float64 // 每秒回填量
	last  time.Time
}

func newEntry(lim Limits, now time.Time) *entry {
	return &entry{lim: lim, req: newBucket(lim.RPM, now), tok: newBucket(lim.TPM, now)}
}

func newBucket(perMinute int, now time.Time) bucket {
	if perMinute <= 0 {
		return bucket{}
	}
	return bucket{cap: perMinute, level: float64(perMinute), rate: float64(perMinute) / 60.0, last: now}
}

func (b *bucket) enabled() bool { return b.cap > 0 }

func (b *bucket) refill(now time.Time) {
	// 时钟回拨视为无时间流逝
	if !b.enabled() || !now.After(b.last) {
		return
	}
	b.level += now.Sub(b.last).Seconds() * b.rate
	if b.level > float64(b.cap) {
		b.level = float64(b.cap)
	}
	b.last = now
}

// wait 返回可消费 n 还需的时长；0 表示现在即可。
func (b *bucket) wait(n int) time.Duration {
	if !b.enabled() || n <= 0 {
		return 0
	}
	deficit := float64(n) - b.level
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / b.rate * float64(time.Second))
}

func (b *bucket) take(n int) {
	if !b.enabled() || n <= 0 {
		return
	}
	b.level -= float64(n)
	if b.level < 0 {
		b.level = 0
	}
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{}, g.clk())
		g.m[key] = e
	}
	return e
}

func validate(e *entry, a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return contract.ErrInvalidInput
	}
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return fmt.Errorf("rate: %d tokens > per-request cap %d: %w", a.Tokens, e.lim.MaxTokensPerReq, contract.ErrBudgetExceeded)
	}
	// 单次申请超过桶容量将永远无法满足
	if e.tok.enabled() && a.Tokens > e.tok.cap {
		return fmt.Errorf("rate: %d tokens > tpm %d: %w", a.Tokens, e.tok.cap, contract.ErrBudgetExceeded)
	}
	return nil
}

// reserve 在锁内尝试扣减；失败时返回需等待的时长。
func (e *entry) reserve(now time.Time, a Ask) (bool, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Before(e.until) {
		return false, e.until.Sub(now)
	}
	e.req.refill(now)
	e.tok.refill(now)
	wr, wt := e.req.wait(a.Requests), e.tok.wait(a.Tokens)
	if wr == 0 && wt == 0 {
		e.req.take(a.Requests)
		e.tok.take(a.Tokens)
		return true, 0
	}
	if wt > wr {
		return false, wt
	}
	return false, wr
}

func (g *gate) Pause(key LimitKey, d time.Duration) {
	if d <= 0 {
		return
	}
	e := g.get(key)
	until := g.clk().Add(d)
	e.mu.Lock()
	if until.After(e.until) {
		e.until = until
	}
	e.mu.Unlock()
}

func (g *gate) Try(a Ask) bool {
	e := g.get(a.Key)
	if validate(e, a) != nil {
		return false
	}
	ok, _ := e.reserve(g.clk(), a)
	return ok
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e := g.get(a.Key)
	if err := validate(e, a); err != nil {
		return err
	}
	// 最小睡眠粒度，避免忙等
	const minSleep = 10 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, d := e.reserve(g.clk(), a)
		if ok {
			return nil
		}
		if d < minSleep {
			d = minSleep
		}
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	// 分片为最多 200ms 的步长，及时响应取消
	const step = 200 * time.Millisecond
	for d > 0 {
		s := d
		if s > step {
			s = step
		}
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		d -= s
	}
	return nil
}

// Available 返回当前可用请求/令牌的向下取整估值（诊断用）；-1 表示该维度不限。
func Available(g Gate, key LimitKey) (rpm, tpm int) {
	gg, ok := g.(*gate)
	if !ok {
		return -1, -1
	}
	e := gg.get(key)
	now := gg.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	e.tok.refill(now)
	rpm, tpm = -1, -1
	if e.req.enabled() {
		rpm = int(e.req.level)
	}
	if e.tok.enabled() {
		tpm = int(e.tok.level)
	}
	return rpm, tpm
}

var _ Gate = (*gate)(nil)
