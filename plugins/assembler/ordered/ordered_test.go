package ordered

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"chatbatch/pkg/contract"
)

func payload(ids ...string) contract.WorkItem {
	w := contract.WorkItem{UnitID: "s1", JobClass: "light"}
	for _, id := range ids {
		w.Payload = append(w.Payload, contract.SubItem{ID: contract.SubItemID(id)})
	}
	return w
}

func parsed(kv map[string]string) contract.RequestOutcome {
	o := contract.RequestOutcome{Success: true, Parsed: map[contract.SubItemID]json.RawMessage{}}
	for k, v := range kv {
		o.Parsed[contract.SubItemID(k)] = json.RawMessage(v)
	}
	return o
}

// TestMergeOrdered 测试多轮结果按载荷顺序合并
func TestMergeOrdered(t *testing.T) {
	m, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	w := payload("a", "b", "c", "d")
	got, err := m.Merge(context.Background(), w, []contract.RequestOutcome{
		parsed(map[string]string{"c": `3`, "a": `1`}),
		{ErrorKind: contract.KindMalformedOutput},
		parsed(map[string]string{"b": `2`, "zz": `9`}),
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	want := []contract.ItemResult{
		{ID: "a", Result: json.RawMessage(`1`)},
		{ID: "b", Result: json.RawMessage(`2`)},
		{ID: "c", Result: json.RawMessage(`3`)},
	}
	if d := cmp.Diff(want, got.Ordered); d != "" {
		t.Fatalf("ordered mismatch (-want +got):\n%s", d)
	}
	if _, ok := got.Items["zz"]; ok {
		t.Fatalf("foreign id must be dropped")
	}
}

// TestMergeDuplicate 测试跨结果重复 ID
func TestMergeDuplicate(t *testing.T) {
	m, _ := New(nil)
	_, err := m.Merge(context.Background(), payload("a", "b"), []contract.RequestOutcome{
		parsed(map[string]string{"a": `1`}),
		parsed(map[string]string{"a": `1`, "b": `2`}),
	})
	var de *contract.DuplicateResultError
	if !errors.As(err, &de) || de.SubItemID != "a" || de.UnitID != "s1" {
		t.Fatalf("expect DuplicateResultError for a, got %v", err)
	}
	if !errors.Is(err, contract.ErrInvariantViolation) {
		t.Fatalf("duplicate must classify as invariant violation")
	}
}

// TestMergeEmpty 测试空输入
func TestMergeEmpty(t *testing.T) {
	m, _ := New(nil)
	got, err := m.Merge(context.Background(), payload("a"), nil)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(got.Ordered) != 0 || len(got.Items) != 0 {
		t.Fatalf("expect empty, got %+v", got)
	}
}

// TestMergeCanceled 测试上下文取消
func TestMergeCanceled(t *testing.T) {
	m, _ := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Merge(ctx, payload("a"), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect canceled, got %v", err)
	}
}

// TestNewOptions 仅接受空选项，未知字段报 ErrInvalidInput
func TestNewOptions(t *testing.T) {
	for _, raw := range []string{``, `{}`, ` null `} {
		if _, err := New(json.RawMessage(raw)); err != nil {
			t.Fatalf("%q: %v", raw, err)
		}
	}
	for _, raw := range []string{`{"sort":true}`, `[1]`, `{`} {
		if _, err := New(json.RawMessage(raw)); !errors.Is(err, contract.ErrInvalidInput) {
			t.Fatalf("%q: expect invalid input, got %v", raw, err)
		}
	}
}
