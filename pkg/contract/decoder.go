package contract

import (
	"context"
	"encoding/json"
)

// Decoded: 解码产物。Order 为响应内首次出现的顺序。
type Decoded struct {
	Items    map[SubItemID]json.RawMessage
	Order    []SubItemID
	Strategy int
	// Duplicates: 同一响应内重复出现并被丢弃的条目数（先到者为准）。
	Duplicates int
}

// Decoder: 将模型文本解码为按 SubItemID 索引的结果。
// 无法解析时返回 *MalformedOutputError。
type Decoder interface {
	Decode(ctx context.Context, text string, extract IDExtractor) (Decoded, error)
}
