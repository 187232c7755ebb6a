package contract

import "context"

// Request: 单次模型调用的输入。
// Chunk 仅供测试桩/回放使用，真实客户端不读取。
type Request struct {
	Model           string
	System          string
	User            string
	MaxOutputTokens int
	Chunk           Chunk
}

// Response: 原样返回的文本与用量。
type Response struct {
	Text  string
	Usage Usage
}

// LLMInvoker: 单次同步调用；应尊重 ctx 取消/超时。
// 暂时性失败包装 ErrTransient/ErrRateLimited，其余返回 ErrFatal 类错误。
type LLMInvoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}
