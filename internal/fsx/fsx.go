// Package fsx 提供同目录临时文件 + fsync + rename 的原子写。
// 检查点、账本与结果写出共用此实现。
package fsx

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// WriteFile 原子写入 data；目标目录不存在时创建。
func WriteFile(dest string, data []byte, perm os.FileMode) error {
	return Write(context.Background(), dest, bytes.NewReader(data), perm)
}

// Write 将 r 的全部字节原子写入 dest。
// 失败时删除临时文件，目标保持原样。
func Write(ctx context.Context, dest string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "fsx: mkdir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return eris.Wrapf(err, "fsx: create temp in %s", dir)
	}
	tmpPath := tmp.Name()
	fail := func(err error, msg string) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return eris.Wrapf(err, "fsx: %s %s", msg, dest)
	}
	_ = os.Chmod(tmpPath, perm)

	bw := bufio.NewWriterSize(tmp, 64*1024)
	if _, err := io.Copy(bw, ctxReader{ctx: ctx, r: r}); err != nil {
		return fail(err, "copy")
	}
	if err := bw.Flush(); err != nil {
		return fail(err, "flush")
	}
	if err := tmp.Sync(); err != nil {
		return fail(err, "sync")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return eris.Wrapf(err, "fsx: close %s", dest)
	}
	if err := replace(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return eris.Wrapf(err, "fsx: replace %s", dest)
	}
	// 最佳努力
	_ = syncDir(dir)
	return nil
}

// ctxReader 在每次 Read 前检查 ctx。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
