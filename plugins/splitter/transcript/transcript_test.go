package transcript

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"chatbatch/pkg/contract"
)

func split(t *testing.T, s *Splitter, id, body string) []contract.Unit {
	t.Helper()
	units, err := s.Split(context.Background(), contract.FileID(id), strings.NewReader(body))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	return units
}

// TestSplitClaudeJSONL 测试带嵌套 message 与内容块的 JSONL
func TestSplitClaudeJSONL(t *testing.T) {
	body := strings.Join([]string{
		`{"type":"user","uuid":"a1","message":{"role":"user","content":"fix the bug"}}`,
		`{"type":"progress","uuid":"p1"}`,
		`not json`,
		``,
		`{"type":"assistant","uuid":"a2","message":{"role":"assistant","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"done"},{"type":"tool_use","name":"x"}]}}`,
		`{"type":"user","uuid":"a3","message":{"role":"user","content":[{"type":"tool_result","content":"ok"}]}}`,
	}, "\n")
	got := split(t, New(nil), "projects/demo/sess-1.jsonl", body)
	want := []contract.Unit{{UnitID: "sess-1", Payload: []contract.SubItem{
		{ID: "a1", Role: "user", Text: "fix the bug"},
		{ID: "a2", Role: "assistant", Text: "done"},
	}}}
	if d := cmp.Diff(want, got); d != "" {
		t.Fatalf("units mismatch (-want +got):\n%s", d)
	}

	got = split(t, New(&Options{IncludeThinking: true, UnitIDFromPath: true}), "projects/demo/sess-1.jsonl", body)
	if got[0].UnitID != "projects/demo/sess-1" || got[0].Payload[1].Text != "hmm\ndone" {
		t.Fatalf("options not applied: %+v", got)
	}
}

// TestSplitSessionGrouping 测试 JSONL 按会话分组
func TestSplitSessionGrouping(t *testing.T) {
	body := `{"sessionId":"s2","role":"user","content":"a"}
{"session_id":"s1","role":"user","content":"b"}
{"sessionId":"s2","role":"assistant","content":"c"}`
	got := split(t, New(nil), "mixed.jsonl", body)
	if len(got) != 2 || got[0].UnitID != "s2" || got[1].UnitID != "s1" {
		t.Fatalf("grouping: %+v", got)
	}
	// 回退 ID 为单元内 1 基位置
	if got[0].Payload[1].ID != "2" || got[1].Payload[0].ID != "1" {
		t.Fatalf("positional ids: %+v", got)
	}
}

// TestSplitArray 测试 JSON 数组与数值 ID、重复 ID
func TestSplitArray(t *testing.T) {
	body := `[
  {"id": 7, "role": "user", "text": "hello"},
  {"id": "7", "role": "user", "text": "dup"},
  {"role": "assistant", "content": [{"type":"text","text":"hi"}]},
  {"role": "system", "content": ""}
]`
	got := split(t, New(nil), "arr.json", body)
	want := []contract.Unit{{UnitID: "arr", Payload: []contract.SubItem{
		{ID: "7", Role: "user", Text: "hello"},
		{ID: "3", Role: "assistant", Text: "hi"},
	}}}
	if d := cmp.Diff(want, got); d != "" {
		t.Fatalf("units mismatch (-want +got):\n%s", d)
	}
	got = split(t, New(&Options{KeepEmpty: true}), "arr.json", body)
	if n := len(got[0].Payload); n != 3 {
		t.Fatalf("keep empty: %d", n)
	}
}

// TestSplitEnvelope 测试 {session_id, messages} 对象
func TestSplitEnvelope(t *testing.T) {
	body := `{"session_id":"abc","messages":[{"uuid":"u1","type":"user","message":"plain string message"}]}`
	got := split(t, New(nil), "env.json", body)
	if len(got) != 1 || got[0].UnitID != "abc" || got[0].Payload[0].Text != "plain string message" {
		t.Fatalf("envelope: %+v", got)
	}
	got = split(t, New(nil), "dir/env2.json", `{"messages":[{"role":"user","content":"x"}]}`)
	if got[0].UnitID != "env2" {
		t.Fatalf("fallback unit id: %+v", got)
	}
}

// TestSplitEmptyAndErrors 测试空文件、非法数组、非法 UTF-8
func TestSplitEmptyAndErrors(t *testing.T) {
	if got := split(t, New(nil), "e.jsonl", "  \n"); got != nil {
		t.Fatalf("expect nil, got %+v", got)
	}
	if got := split(t, New(nil), "p.jsonl", `{"type":"progress"}`); len(got) != 0 {
		t.Fatalf("all skipped must yield no unit: %+v", got)
	}
	_, err := New(nil).Split(context.Background(), "bad.json", strings.NewReader(`[{"role":`))
	if !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("expect invalid input, got %v", err)
	}
	_, err = New(nil).Split(context.Background(), "utf.jsonl", strings.NewReader("\xff\xfe"))
	if !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("expect invalid utf8, got %v", err)
	}
}

// TestSplitCtxCancel 测试取消
func TestSplitCtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil).Split(ctx, "c.jsonl", strings.NewReader(`{"role":"user","content":"x"}`))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expect canceled, got %v", err)
	}
}
