package contract

import "encoding/json"

// FileID: 输入文件的逻辑标识（规范化路径，跨平台一致）。
type FileID string

// UnitID: 一个工作单元（通常为一次会话）的稳定标识。
type UnitID string

// JobClass: 共享模型档位与并发预算的作业类别。
type JobClass string

// SubItemID: 载荷内原子条目的稳定标识，用于覆盖率跟踪。
type SubItemID string

// SubItem: 载荷的原子元素（例如一条消息）。
// 约束：不会被拆分到两个 Chunk 中。
type SubItem struct {
	ID   SubItemID
	Role string
	Text string
}

// WorkItem: 一个作业类别下的一个工作单元；交给引擎后不可变。
type WorkItem struct {
	UnitID   UnitID
	JobClass JobClass
	Payload  []SubItem
}

// Chunk: 载荷的有序子序列及其估算 token 数。
// 约束：EstTokens <= 预算；唯一例外是单条超预算条目（Oversized=true）。
type Chunk struct {
	UnitID UnitID
	// Index: 同一轮次内的块序号（0..n-1）。
	Index int
	// Round: 0 为首轮；>=1 为续写轮次。
	Round     int
	Items     []SubItem
	EstTokens int
	Oversized bool
}

// IDs 返回块内条目 ID（保持顺序）。
func (c Chunk) IDs() []SubItemID {
	out := make([]SubItemID, len(c.Items))
	for i, it := range c.Items {
		out[i] = it.ID
	}
	return out
}

// Usage: 单次或累计的 token 用量。
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add 返回两者之和。
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// ErrorKind: 请求结果的失败分类。
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindTransientExhausted ErrorKind = "transient_exhausted"
	KindMalformedOutput    ErrorKind = "malformed_output"
	KindFatal              ErrorKind = "fatal"
	KindCanceled           ErrorKind = "canceled"
)

// CallUsage: 单次调用（含重试）的用量记录，供账本逐条计费。
type CallUsage struct {
	Model string
	Usage Usage
}

// RequestOutcome: 一次执行器调用（含续写调用）的产物。
type RequestOutcome struct {
	Chunk     Chunk
	Parsed    map[SubItemID]json.RawMessage
	Success   bool
	ErrorKind ErrorKind
	Err       error
	// Raw: 最后一次响应的原始文本（解析失败时用于诊断）。
	Raw     string
	Usage   Usage
	Retries int
	Calls   []CallUsage
	// Strategy: JSON 恢复所用策略（0 为直接解析；-1 表示未解析）。
	Strategy int
}

// UnitStatus: 单元最终状态。
type UnitStatus string

const (
	StatusComplete UnitStatus = "complete"
	StatusPartial  UnitStatus = "partial"
	StatusFailed   UnitStatus = "failed"
)

// ItemResult: 按载荷顺序输出的单条结果。
type ItemResult struct {
	ID     SubItemID       `json:"id"`
	Result json.RawMessage `json:"result"`
}

// UnitResult: 单元合并后的结果。
type UnitResult struct {
	UnitID   UnitID                        `json:"unit_id"`
	JobClass JobClass                      `json:"job_class"`
	Items    map[SubItemID]json.RawMessage `json:"-"`
	Ordered  []ItemResult                  `json:"items"`
	Coverage float64                       `json:"coverage"`
	Missing  []SubItemID                   `json:"missing,omitempty"`
	Cost     float64                       `json:"cost"`
	Status   UnitStatus                    `json:"status"`
	Rounds   int                           `json:"rounds"`
	Requests int                           `json:"requests"`
	Err      error                         `json:"-"`
}

// Done 报告该单元是否可写入检查点（complete 或 partial）。
func (r UnitResult) Done() bool {
	return r.Status == StatusComplete || r.Status == StatusPartial
}
