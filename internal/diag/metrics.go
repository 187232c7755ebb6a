package diag

import (
	"sort"
	"sync"
)

// 进程内计数器：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// CLI 在报告尾部打印快照。

var (
	metMu  sync.Mutex
	ops    = map[string]int64{}
	errTot = map[string]int64{}
)

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	metMu.Lock()
	ops[comp+"."+stage+"."+result]++
	metMu.Unlock()
}

// IncError 按分类累加错误计数。
func IncError(comp string, code Code) {
	metMu.Lock()
	errTot[comp+"."+string(code)]++
	metMu.Unlock()
}

// Counter 为单个计数快照。
type Counter struct {
	Name  string
	Value int64
}

// Snapshot 返回按名称排序的操作与错误计数。
func Snapshot() (opsOut, errsOut []Counter) {
	metMu.Lock()
	defer metMu.Unlock()
	return sorted(ops), sorted(errTot)
}

// ResetMetrics 清零（测试用）。
func ResetMetrics() {
	metMu.Lock()
	ops = map[string]int64{}
	errTot = map[string]int64{}
	metMu.Unlock()
}

func sorted(m map[string]int64) []Counter {
	out := make([]Counter, 0, len(m))
	for k, v := range m {
		out = append(out, Counter{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
