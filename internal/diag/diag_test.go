package diag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbatch/pkg/contract"
)

// UT-DIAG-01: 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	_, err := w.Write([]byte("first line that is very long\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	hasCurrent, hasRotated := false, false
	for _, e := range ents {
		switch {
		case e.Name() == "chatbatch-current.log":
			hasCurrent = true
		case strings.HasPrefix(e.Name(), "chatbatch-") && strings.HasSuffix(e.Name(), ".log"):
			hasRotated = true
		}
	}
	assert.True(t, hasCurrent && hasRotated, "应同时存在当前文件与轮转文件: %v", ents)
}

func TestRotatingFilePrune(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 8)
	w.MaxBackups = 2
	for i := 0; i < 6; i++ {
		_, err := w.Write([]byte(fmt.Sprintf("line-%d\n", i)))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	var rotated []string
	for _, e := range ents {
		if e.Name() != "chatbatch-current.log" {
			rotated = append(rotated, e.Name())
		}
	}
	require.Len(t, rotated, 2)
	// 保留的是最新两份：line-3 与 line-4
	b, err := os.ReadFile(filepath.Join(dir, rotated[0]))
	require.NoError(t, err)
	assert.Equal(t, "line-3\n", string(b))
}

func TestRotatingFileDefaults(t *testing.T) {
	w := NewRotatingFile(t.TempDir(), 0)
	assert.Equal(t, int64(10*1024*1024), w.maxBytes)
	assert.Equal(t, 5, w.MaxBackups)
	assert.NoError(t, w.Sync(), "未打开时 Sync 为 no-op")
	assert.NoError(t, w.Close())
}

type event struct {
	Level   string            `json:"level"`
	TS      string            `json:"ts"`
	CorrID  string            `json:"corr_id"`
	Comp    string            `json:"comp"`
	Stage   string            `json:"stage"`
	Code    string            `json:"code"`
	UnitID  string            `json:"unit_id"`
	ChunkID string            `json:"chunk_id"`
	Count   int64             `json:"count"`
	Msg     string            `json:"msg"`
	KV      map[string]string `json:"kv"`
}

func readEvents(t *testing.T, dir string) []event {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, "chatbatch-current.log"))
	require.NoError(t, err)
	var out []event
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var ev event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev), sc.Text())
		out = append(out, ev)
	}
	return out
}

// UT-DIAG-02: 事件字段与级别过滤
func TestLoggerEvents(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger("corr-1", "info", dir)
	tm := l.StartWith("executor", "call", "u1", "u1#0")
	tm.Finish("ok", 3)
	l.DebugStart("executor", "hidden", "u1", "", nil)
	l.Warn("planner", "oversized", "u1", map[string]string{"est": "900"})
	since := time.Now()
	l.ErrorWithKV("merger", CodeDuplicate, "dup", &since, "u1", "", map[string]string{"id": "7"})
	l.Info("engine", "hello", nil)
	l.InfoFinish("engine", "done", since, 1)
	require.NoError(t, l.Close())

	evs := readEvents(t, dir)
	require.Len(t, evs, 6, "debug 事件应被过滤")
	assert.Equal(t, "corr-1", evs[0].CorrID)
	assert.Equal(t, "start", evs[0].Stage)
	assert.Equal(t, "u1#0", evs[0].ChunkID)
	assert.Equal(t, int64(3), evs[1].Count)
	assert.Equal(t, "warn", evs[2].Level)
	assert.Equal(t, "900", evs[2].KV["est"])
	assert.Equal(t, "error", evs[3].Level)
	assert.Equal(t, "duplicate", evs[3].Code)
	_, err := time.Parse(time.RFC3339, evs[0].TS)
	assert.NoError(t, err)
}

func TestLoggerNopAndNil(t *testing.T) {
	var nilLogger *Logger
	nilLogger.Info("x", "y", nil)
	assert.NoError(t, nilLogger.Close())
	assert.NotNil(t, nilLogger.Zap())
	l := NewNop()
	l.StartWith("a", "b", "", "").Finish("c", 0)
	var tm *Timer
	tm.Finish("noop", 0)
	assert.NotNil(t, FromZap(nil).Zap())
}

// UT-DIAG-03: 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeUnknown},
		{context.Canceled, CodeCancel},
		{fmt.Errorf("x: %w", context.DeadlineExceeded), CodeCancel},
		{contract.ErrRateLimited, CodeBudget},
		{contract.ErrBudgetExceeded, CodeBudget},
		{&contract.DuplicateResultError{UnitID: "u", SubItemID: "1"}, CodeDuplicate},
		{&contract.MalformedOutputError{Raw: "x"}, CodeProtocol},
		{contract.ErrInvalidInput, CodeInvariant},
		{contract.ErrFatal, CodeFatal},
		{&fs.PathError{Op: "open", Path: "x", Err: errors.New("no")}, CodeIO},
		{&net.DNSError{Err: "no such host"}, CodeNetwork},
		{contract.ErrTransient, CodeNetwork},
		{errors.New("other"), CodeUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "%v", tc.err)
	}
}

type upstreamErr struct{}

func (upstreamErr) Error() string             { return "http 429" }
func (upstreamErr) UpstreamStatus() int       { return 429 }
func (upstreamErr) UpstreamMessage() string   { return " " + strings.Repeat("m", 250) }
func (upstreamErr) RetryAfter() time.Duration { return 1500 * time.Millisecond }

func TestErrorKV(t *testing.T) {
	kv := ErrorKV(fmt.Errorf("call: %w", upstreamErr{}))
	assert.Equal(t, "429", kv["http_status"])
	assert.Len(t, kv["upstream_msg"], 200)
	assert.Equal(t, "1500", kv["retry_after_ms"])
	assert.Empty(t, ErrorKV(errors.New("plain")))
}

func TestMetricsSnapshot(t *testing.T) {
	ResetMetrics()
	IncOp("executor", "invoke", "success")
	IncOp("executor", "invoke", "success")
	IncError("executor", CodeNetwork)
	ops, errs := Snapshot()
	require.Len(t, ops, 1)
	assert.Equal(t, Counter{Name: "executor.invoke.success", Value: 2}, ops[0])
	assert.Equal(t, []Counter{{Name: "executor.network", Value: 1}}, errs)
	ResetMetrics()
}

// 非 TTY：关键节点分行打印
func TestTerminalNonTTYFlow(t *testing.T) {
	var buf bytes.Buffer
	tm := NewTerminal(&buf, true)
	tm.RunStart(2)
	tm.ClassStart("light", 3, 2, 1)
	tm.UnitDone(0, false)
	tm.WaveFlushed(0, 1, 0, 1, 0.25)
	tm.RunFinish(true)
	out := buf.String()
	assert.Contains(t, out, "[run] 作业类别=2")
	assert.Contains(t, out, "[class] light | 单元 3 | 波次 2 | 跳过 1")
	assert.Contains(t, out, "[wave] light | 1/2 | 成功 1 部分 0 失败 1 | 累计费用 $0.2500")
	assert.Contains(t, out, "[ok] 全部完成")
	assert.NotContains(t, out, "\r")
}

func TestTerminalTTYInline(t *testing.T) {
	var buf bytes.Buffer
	tm := NewTerminal(&buf, true)
	tm.isTTY = true
	tm.RunStart(1)
	tm.ClassStart("heavy", 1, 1, 0)
	tm.UnitDone(0, true)
	tm.RunFinish(false)
	out := buf.String()
	assert.Contains(t, out, "\r[class] heavy | 波次 1/1 | 进度 1/1 | 失败 1")
	assert.Contains(t, out, "[fail] 全部完成")
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("closed") }

func TestTerminalDisableOnWriteError(t *testing.T) {
	tm := NewTerminal(failingWriter{}, true)
	tm.RunStart(1)
	assert.False(t, tm.enabled, "写失败后应禁用")
	var nilTerm *Terminal
	nilTerm.RunStart(1)
	nilTerm.UnitDone(0, false)
	nilTerm.RunFinish(true)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "a b", safe("a\nb"))
	assert.Equal(t, "999ms", formatDur(999*time.Millisecond))
	assert.Equal(t, "1.5s", formatDur(1500*time.Millisecond))
	assert.Equal(t, 2, visLen("中文"))
}
