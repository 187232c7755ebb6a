package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chatbatch/internal/checkpoint"
	"chatbatch/internal/ledger"
	"chatbatch/internal/prompt"
	"chatbatch/pkg/contract"
	"chatbatch/plugins/assembler/ordered"
	"chatbatch/plugins/planner/greedy"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// 桩件 ----------------------------------------------------------

var callUsage = contract.Usage{InputTokens: 100, OutputTokens: 50}

func outcome(c contract.Chunk, ids ...contract.SubItemID) contract.RequestOutcome {
	o := contract.RequestOutcome{
		Chunk:   c,
		Success: true,
		Parsed:  map[contract.SubItemID]json.RawMessage{},
		Usage:   callUsage,
		Calls:   []contract.CallUsage{{Model: "m", Usage: callUsage}},
	}
	for _, id := range ids {
		o.Parsed[id] = json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))
	}
	return o
}

type stubRunner struct {
	delay  time.Duration
	behave func(c contract.Chunk) (contract.RequestOutcome, bool)

	total    atomic.Int64
	inflight atomic.Int64
	peak     atomic.Int64

	mu    sync.Mutex
	units map[contract.UnitID]int
}

func (s *stubRunner) Execute(_ context.Context, c contract.Chunk) contract.RequestOutcome {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		m := s.peak.Load()
		if n <= m || s.peak.CompareAndSwap(m, n) {
			break
		}
	}
	s.total.Add(1)
	s.mu.Lock()
	if s.units == nil {
		s.units = map[contract.UnitID]int{}
	}
	s.units[c.UnitID]++
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.behave != nil {
		if o, ok := s.behave(c); ok {
			return o
		}
	}
	return outcome(c, c.IDs()...)
}

func (s *stubRunner) seen() []contract.UnitID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contract.UnitID
	for u := range s.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type memWriter struct {
	mu    sync.Mutex
	files map[contract.ArtifactID][]byte
}

func (w *memWriter) Write(_ context.Context, id contract.ArtifactID, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.files == nil {
		w.files = map[contract.ArtifactID][]byte{}
	}
	w.files[id] = b
	return nil
}

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.files)
}

type countingStore struct {
	checkpoint.Store
	saves   atomic.Int64
	saveErr error
}

func (s *countingStore) Save(st *checkpoint.State) error {
	s.saves.Add(1)
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.Store.Save(st)
}

func units(class contract.JobClass, n, items int) []contract.WorkItem {
	var out []contract.WorkItem
	for u := 1; u <= n; u++ {
		w := contract.WorkItem{UnitID: contract.UnitID(fmt.Sprintf("u%d", u)), JobClass: class}
		for i := 1; i <= items; i++ {
			w.Payload = append(w.Payload, contract.SubItem{ID: contract.SubItemID(fmt.Sprintf("m%d", i)), Role: "user", Text: "hello"})
		}
		out = append(out, w)
	}
	return out
}

type fixture struct {
	dir    string
	store  *countingStore
	ledger *ledger.Accountant
	writer *memWriter
	sleeps []time.Duration
	engine *Engine
}

func (f *fixture) ledgerPath() string     { return filepath.Join(f.dir, "ledger.json") }
func (f *fixture) checkpointPath() string { return filepath.Join(f.dir, "checkpoint.json") }

// newFixture 每次调用都重新打开账本与检查点，模拟进程重启。
func newFixture(t *testing.T, dir string, classes map[contract.JobClass]*ClassRuntime, gran Granularity) *fixture {
	t.Helper()
	f := &fixture{dir: dir, writer: &memWriter{}}
	f.store = &countingStore{Store: checkpoint.NewFileStore(f.checkpointPath())}
	acc, err := ledger.Open(f.ledgerPath(), ledger.Pricing{"m": {InputPerMillion: 1, OutputPerMillion: 2}}, nil)
	require.NoError(t, err)
	f.ledger = acc
	merger, _ := ordered.New(nil)
	e, err := New(Components{
		Planner:    greedy.New(nil),
		Merger:     merger,
		Writer:     f.writer,
		Checkpoint: f.store,
		Ledger:     acc,
	}, classes, Options{
		Granularity: gran,
		Sleep: func(_ context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		},
	})
	require.NoError(t, err)
	f.engine = e
	return f
}

func classRuntime(r *stubRunner, workers int) *ClassRuntime {
	return &ClassRuntime{
		Runner:     r,
		Estimator:  prompt.MakeEstimator(4),
		Limit:      contract.ChunkLimit{MaxTokens: 1000},
		MaxRounds:  3,
		MaxWorkers: workers,
	}
}

func ledgerSum(t *testing.T, path string) map[contract.JobClass]float64 {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var entries []ledger.Entry
	require.NoError(t, json.Unmarshal(b, &entries))
	out := map[contract.JobClass]float64{}
	for _, e := range entries {
		out[e.JobClass] += e.Cost
	}
	return out
}

// 用例 ----------------------------------------------------------

// UT-PIP-01: 续跑幂等：第二次运行零请求、零写入
func TestResumeIdempotent(t *testing.T) {
	dir := t.TempDir()
	items := units("light", 5, 3)
	r := &stubRunner{}
	f := newFixture(t, dir, map[contract.JobClass]*ClassRuntime{"light": classRuntime(r, 2)}, PerWave)
	rep, err := f.engine.RunBatch(context.Background(), items, nil, true)
	require.NoError(t, err)
	cr := rep.PerJobClass["light"]
	assert.Equal(t, 5, cr.Processed)
	assert.Equal(t, 5, cr.Succeeded)
	assert.Equal(t, 3, cr.Waves)
	assert.Equal(t, 5, f.writer.count())

	ckBefore, _ := os.ReadFile(f.checkpointPath())
	ledBefore, _ := os.ReadFile(f.ledgerPath())

	r2 := &stubRunner{}
	f2 := newFixture(t, dir, map[contract.JobClass]*ClassRuntime{"light": classRuntime(r2, 2)}, PerWave)
	rep, err = f2.engine.RunBatch(context.Background(), items, nil, true)
	require.NoError(t, err)
	assert.Zero(t, r2.total.Load())
	assert.Zero(t, f2.store.saves.Load())
	assert.Zero(t, f2.writer.count())
	assert.Equal(t, 5, rep.PerJobClass["light"].Skipped)
	assert.Zero(t, rep.PerJobClass["light"].Processed)

	ckAfter, _ := os.ReadFile(f.checkpointPath())
	ledAfter, _ := os.ReadFile(f.ledgerPath())
	assert.Equal(t, ckBefore, ckAfter)
	assert.Equal(t, ledBefore, ledAfter)
}

// UT-PIP-02: 第 2 波中途崩溃，续跑只处理第 2 波
func TestCrashMidWaveResume(t *testing.T) {
	dir := t.TempDir()
	items := units("light", 4, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &stubRunner{behave: func(c contract.Chunk) (contract.RequestOutcome, bool) {
		if c.UnitID != "u3" {
			return contract.RequestOutcome{}, false
		}
		cancel()
		return contract.RequestOutcome{Chunk: c, ErrorKind: contract.KindCanceled, Err: context.Canceled}, true
	}}
	f := newFixture(t, dir, map[contract.JobClass]*ClassRuntime{"light": classRuntime(r, 2)}, PerWave)
	_, err := f.engine.RunBatch(ctx, items, nil, true)
	require.ErrorIs(t, err, context.Canceled)

	st, err := checkpoint.NewFileStore(f.checkpointPath()).Load()
	require.NoError(t, err)
	assert.Equal(t, []contract.UnitID{"u1", "u2"}, st.Completed("light"))
	assert.InDelta(t, ledgerSum(t, f.ledgerPath())["light"], st.TotalCost("light"), 1e-12)

	r2 := &stubRunner{}
	f2 := newFixture(t, dir, map[contract.JobClass]*ClassRuntime{"light": classRuntime(r2, 2)}, PerWave)
	rep, err := f2.engine.RunBatch(context.Background(), items, nil, true)
	require.NoError(t, err)
	assert.Equal(t, []contract.UnitID{"u3", "u4"}, r2.seen())
	assert.Equal(t, 2, rep.PerJobClass["light"].Skipped)
	assert.Equal(t, 2, rep.PerJobClass["light"].Succeeded)

	st, err = checkpoint.NewFileStore(f.checkpointPath()).Load()
	require.NoError(t, err)
	assert.Equal(t, []contract.UnitID{"u1", "u2", "u3", "u4"}, st.Completed("light"))
}

// UT-PIP-03: 进行中的单元数不超过 MaxWorkers
func TestConcurrencyBound(t *testing.T) {
	for _, k := range []int{1, 3, 4} {
		r := &stubRunner{delay: 5 * time.Millisecond}
		f := newFixture(t, t.TempDir(), map[contract.JobClass]*ClassRuntime{"light": classRuntime(r, k)}, PerWave)
		rep, err := f.engine.RunBatch(context.Background(), units("light", 10, 1), nil, false)
		require.NoError(t, err)
		assert.LessOrEqual(t, r.peak.Load(), int64(k), "max_workers=%d", k)
		assert.Equal(t, (10+k-1)/k, rep.PerJobClass["light"].Waves)
	}
}

// UT-PIP-04: partial 与 failed 单元被逐一列出；失败单元不进检查点
func TestPartialAndFailedUnits(t *testing.T) {
	items := []contract.WorkItem{
		units("light", 1, 3)[0],
		{UnitID: "part", JobClass: "light", Payload: units("light", 1, 3)[0].Payload},
		{UnitID: "bad", JobClass: "light", Payload: units("light", 1, 2)[0].Payload},
		{UnitID: "zero", JobClass: "light", Payload: units("light", 1, 2)[0].Payload},
	}
	r := &stubRunner{behave: func(c contract.Chunk) (contract.RequestOutcome, bool) {
		switch c.UnitID {
		case "part":
			var keep []contract.SubItemID
			for _, id := range c.IDs() {
				if id != "m3" {
					keep = append(keep, id)
				}
			}
			return outcome(c, keep...), true
		case "bad":
			o := outcome(c)
			o.Success, o.ErrorKind, o.Err = false, contract.KindFatal, fmt.Errorf("401: %w", contract.ErrFatal)
			return o, true
		case "zero":
			o := outcome(c)
			o.Success, o.ErrorKind, o.Err = false, contract.KindTransientExhausted, contract.ErrTransient
			return o, true
		}
		return contract.RequestOutcome{}, false
	}}
	f := newFixture(t, t.TempDir(), map[contract.JobClass]*ClassRuntime{"light": classRuntime(r, 4)}, PerWave)
	rep, err := f.engine.RunBatch(context.Background(), items, nil, false)
	require.NoError(t, err)
	cr := rep.PerJobClass["light"]
	assert.Equal(t, 4, cr.Processed)
	assert.Equal(t, 1, cr.Succeeded)
	assert.Equal(t, 1, cr.Partial)
	assert.Equal(t, 2, cr.Failed)
	assert.Equal(t, []contract.SubItemID{"m3"}, cr.PartialUnits["part"])
	assert.Contains(t, cr.FailedUnits, contract.UnitID("bad"))
	assert.Contains(t, cr.FailedUnits, contract.UnitID("zero"))
	// part: 首轮 + 1 轮续写（无进展即停）
	assert.Equal(t, 2, r.units["part"])
	// bad 为致命错误，不续写
	assert.Equal(t, 1, r.units["bad"])

	st, err := checkpoint.NewFileStore(f.checkpointPath()).Load()
	require.NoError(t, err)
	assert.Equal(t, []contract.UnitID{"part", "u1"}, st.Completed("light"))

	var partial contract.UnitResult
	require.NoError(t, json.Unmarshal(f.writer.files["light/part.json"], &partial))
	assert.Equal(t, contract.StatusPartial, partial.Status)
	assert.Equal(t, []contract.SubItemID{"m3"}, partial.Missing)
	assert.InDelta(t, 2.0/3.0, partial.Coverage, 1e-9)
	assert.NotContains(t, f.writer.files, contract.ArtifactID("light/bad.json"))
}

// UT-PIP-11: 逐波汇总成功/部分/失败计数与该波费用
func TestPerWaveCounts(t *testing.T) {
	payload := units("light", 1, 3)[0].Payload
	items := []contract.WorkItem{
		{UnitID: "ok1", JobClass: "light", Payload: payload},
		{UnitID: "part", JobClass: "light", Payload: payload},
		{UnitID: "bad", JobClass: "light", Payload: payload},
		{UnitID: "zero", JobClass: "light", Payload: payload},
		{UnitID: "ok2", JobClass: "light", Payload: payload},
	}
	r := &stubRunner{behave: func(c contract.Chunk) (contract.RequestOutcome, bool) {
		switch c.UnitID {
		case "part":
			var keep []contract.SubItemID
			for _, id := range c.IDs() {
				if id != "m3" {
					keep = append(keep, id)
				}
			}
			return outcome(c, keep...), true
		case "bad":
			o := outcome(c)
			o.Success, o.ErrorKind, o.Err = false, contract.KindFatal, contract.ErrFatal
			return o, true
		case "zero":
			o := outcome(c)
			o.Success, o.ErrorKind, o.Err = false, contract.KindTransientExhausted, contract.ErrTransient
			return o, true
		}
		return contract.RequestOutcome{}, false
	}}
	f := newFixture(t, t.TempDir(), map[contract.JobClass]*ClassRuntime{"light": classRuntime(r, 2)}, PerWave)
	rep, err := f.engine.RunBatch(context.Background(), items, nil, false)
	require.NoError(t, err)
	cr := rep.PerJobClass["light"]
	require.Len(t, cr.PerWave, cr.Waves)

	counts := make([]WaveReport, len(cr.PerWave))
	var sum float64
	for i, w := range cr.PerWave {
		sum += w.Cost
		w.Cost = 0
		counts[i] = w
	}
	assert.Equal(t, []WaveReport{
		{Index: 0, Succeeded: 1, Partial: 1},
		{Index: 1, Failed: 2},
		{Index: 2, Succeeded: 1},
	}, counts)
	assert.InDelta(t, cr.Cost, sum, 1e-12)
	// 每次调用 200 微美元；第 1 波 ok1 一次、part 首轮加一轮续写
	assert.InDelta(t, 3*200e-6, cr.PerWave[0].Cost, 1e-12)
	assert.InDelta(t, 200e-6, cr.PerWave[2].Cost, 1e-12)
}

// UT-PIP-05: 重复结果只让该单元失败
func TestDuplicateResultFailsUnit(t *testing.T) {
	rt := func(r *stubRunner) *ClassRuntime {
		x := classRuntime(r, 2)
		x.Limit.MaxItems = 2
		return x
	}
	r := &stubRunner{behave: func(c contract.Chunk) (contract.RequestOutcome, bool) {
		if c.UnitID == "u1" && c.Index == 1 {
			return outcome(c, append(c.IDs(), "m1")...), true
		}
		return contract.RequestOutcome{}, false
	}}
	f := newFixture(t, t.TempDir(), map[contract.JobClass]*ClassRuntime{"light": rt(r)}, PerWave)
	rep, err := f.engine.RunBatch(context.Background(), units("light", 2, 4), nil, false)
	require.NoError(t, err)
	cr := rep.PerJobClass["light"]
	assert.Equal(t, 1, cr.Failed)
	assert.Equal(t, 1, cr.Succeeded)
	assert.Contains(t, cr.FailedUnits["u1"], "duplicate result")
}

// UT-PIP-06: 检查点 total_cost 等于账本条目之和（多类别）
func TestCheckpointCostMatchesLedger(t *testing.T) {
	light, heavy := &stubRunner{}, &stubRunner{}
	classes := map[contract.JobClass]*ClassRuntime{"light": classRuntime(light, 3), "heavy": classRuntime(heavy, 1)}
	items := append(units("light", 7, 2), units("heavy", 2, 2)...)
	f := newFixture(t, t.TempDir(), classes, PerWave)
	rep, err := f.engine.RunBatch(context.Background(), items, nil, false)
	require.NoError(t, err)

	sums := ledgerSum(t, f.ledgerPath())
	st, err := checkpoint.NewFileStore(f.checkpointPath()).Load()
	require.NoError(t, err)
	for _, c := range []contract.JobClass{"light", "heavy"} {
		assert.InDelta(t, sums[c], st.TotalCost(c), 1e-12, "class %s", c)
		assert.InDelta(t, sums[c], rep.PerJobClass[c].Cost, 1e-12, "class %s", c)
	}
	// 每次调用 100*1 + 50*2 = 200 微美元
	assert.InDelta(t, 7*200e-6, sums["light"], 1e-12)
	assert.Equal(t, []contract.JobClass{"heavy", "light"}, rep.Classes())
}

// UT-PIP-07: 检查点写失败终止运行
func TestStoreFailureIsFatal(t *testing.T) {
	boom := errors.New("disk full")
	r := &stubRunner{}
	f := newFixture(t, t.TempDir(), map[contract.JobClass]*ClassRuntime{"light": classRuntime(r, 1)}, PerWave)
	f.store.saveErr = boom
	_, err := f.engine.RunBatch(context.Background(), units("light", 3, 1), nil, false)
	require.ErrorIs(t, err, boom)
	// 第 1 波保存失败后不再继续
	assert.Equal(t, int64(1), r.total.Load())
}

// UT-PIP-08: 120 条 → 50/50/20 三个块，结果按载荷顺序合并
func TestSingleUnitChunkedInOrder(t *testing.T) {
	r := &stubRunner{}
	rt := classRuntime(r, 1)
	rt.Limit = contract.ChunkLimit{MaxTokens: 100_000, MaxItems: 50}
	f := newFixture(t, t.TempDir(), map[contract.JobClass]*ClassRuntime{"light": rt}, PerWave)
	rep, err := f.engine.RunBatch(context.Background(), units("light", 1, 120), nil, false)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.PerJobClass["light"].Requests)

	var res contract.UnitResult
	require.NoError(t, json.Unmarshal(f.writer.files["light/u1.json"], &res))
	require.Len(t, res.Ordered, 120)
	for i, it := range res.Ordered {
		assert.Equal(t, contract.SubItemID(fmt.Sprintf("m%d", i+1)), it.ID)
	}
	assert.Equal(t, contract.StatusComplete, res.Status)
	assert.Equal(t, 1.0, res.Coverage)
	assert.Equal(t, 3, res.Requests)
}

// UT-PIP-09: 冷却只发生在波次之间
func TestCooldownBetweenWaves(t *testing.T) {
	r := &stubRunner{}
	rt := classRuntime(r, 2)
	rt.WaveCooldown = time.Second
	f := newFixture(t, t.TempDir(), map[contract.JobClass]*ClassRuntime{"light": rt}, PerWave)
	_, err := f.engine.RunBatch(context.Background(), units("light", 5, 1), nil, false)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, f.sleeps)
}

// UT-PIP-10: 逐单元粒度：每个完成单元一次保存
func TestPerUnitGranularity(t *testing.T) {
	r := &stubRunner{}
	f := newFixture(t, t.TempDir(), map[contract.JobClass]*ClassRuntime{"light": classRuntime(r, 3)}, PerUnit)
	_, err := f.engine.RunBatch(context.Background(), units("light", 3, 1), nil, false)
	require.NoError(t, err)
	// 3 次逐单元 + 1 次波末
	assert.Equal(t, int64(4), f.store.saves.Load())
	st, _ := checkpoint.NewFileStore(f.checkpointPath()).Load()
	assert.Len(t, st.Completed("light"), 3)
}

func TestDuplicateUnitIDsAndClassFilter(t *testing.T) {
	r := &stubRunner{}
	f := newFixture(t, t.TempDir(), map[contract.JobClass]*ClassRuntime{"light": classRuntime(r, 2), "heavy": classRuntime(&stubRunner{}, 1)}, PerWave)
	items := append(units("light", 2, 1), units("light", 2, 1)...)
	items = append(items, units("heavy", 1, 1)...)
	rep, err := f.engine.RunBatch(context.Background(), items, []contract.JobClass{"light"}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.PerJobClass["light"].Processed)
	assert.NotContains(t, rep.PerJobClass, contract.JobClass("heavy"))

	_, err = f.engine.RunBatch(context.Background(), items, []contract.JobClass{"nope"}, false)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestNewValidates(t *testing.T) {
	merger, _ := ordered.New(nil)
	acc, _ := ledger.Open("", nil, nil)
	comp := Components{Planner: greedy.New(nil), Merger: merger, Checkpoint: checkpoint.NewFileStore(filepath.Join(t.TempDir(), "c.json")), Ledger: acc}
	_, err := New(comp, map[contract.JobClass]*ClassRuntime{"x": classRuntime(&stubRunner{}, 0)}, Options{})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	bad := classRuntime(&stubRunner{}, 1)
	bad.Limit.MaxTokens = 0
	_, err = New(comp, map[contract.JobClass]*ClassRuntime{"x": bad}, Options{})
	assert.ErrorIs(t, err, contract.ErrBudgetExceeded)
	_, err = New(comp, nil, Options{Granularity: "hourly"})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = New(Components{}, nil, Options{})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestSplitWaves(t *testing.T) {
	got := splitWaves(units("c", 5, 0), 2)
	require.Len(t, got, 3)
	assert.Len(t, got[2], 1)
	assert.Nil(t, splitWaves(nil, 3))
}

func TestSleepWithCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepWithCtx(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepWithCtx(context.Background(), 0))
}
