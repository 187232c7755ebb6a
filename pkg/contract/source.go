package contract

import (
	"context"
	"io"
)

// Reader 枚举转录文件（文件、目录或 STDIN），按文件回调字节流。
// FileID 使用正斜杠且跨平台稳定；Reader 不解析内容，也不起并发。
type Reader interface {
	Iterate(ctx context.Context, roots []string, yield func(fileID FileID, r io.ReadCloser) error) error
}

// Unit: 拆分产物，尚未绑定作业类别。
type Unit struct {
	UnitID  UnitID
	Payload []SubItem
}

// Splitter: 将单个转录文件解析为若干 Unit。
// 约束：SubItemID 在单元内唯一且稳定；无内部并发、幂等。
type Splitter interface {
	Split(ctx context.Context, fileID FileID, r io.Reader) ([]Unit, error)
}
