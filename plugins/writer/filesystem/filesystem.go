package filesystem

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"chatbatch/internal/fsx"
	"chatbatch/pkg/contract"
)

// Options: 最小必要选项。
type Options struct {
	// OutputDir: 输出根目录（必需）。
	OutputDir string `json:"output_dir"`
	// PermFile: 可选权限；为 0 表示 0644。
	PermFile os.FileMode `json:"perm_file,omitempty"`
}

// FS 将单元结果以 <output_dir>/<id> 原子写出。
type FS struct {
	root  string
	permF os.FileMode
}

// New 创建文件系统 Writer 实现。
func New(opts *Options) (*FS, error) {
	if opts == nil || strings.TrimSpace(opts.OutputDir) == "" {
		return nil, os.ErrInvalid
	}
	pf := opts.PermFile
	if pf == 0 {
		pf = 0o644
	}
	return &FS{root: opts.OutputDir, permF: pf}, nil
}

var _ contract.Writer = (*FS)(nil)

// Write 将 r 的全部字节原子写入到基于 id 映射的目标路径。
func (w *FS) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := w.mapPath(id)
	if err != nil {
		return err
	}
	return fsx.Write(ctx, dest, r, w.permF)
}

// mapPath: Clean + Join + 越界校验（禁止绝对路径、父级逃逸、卷名）。
func (w *FS) mapPath(id contract.ArtifactID) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(string(id)))
	switch {
	case rel == "." || rel == "":
		return "", contract.ErrPathInvalid
	case filepath.IsAbs(rel) || strings.HasPrefix(string(id), "/"):
		return "", contract.ErrPathInvalid
	case rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)):
		return "", contract.ErrPathInvalid
	case filepath.VolumeName(rel) != "":
		return "", contract.ErrPathInvalid
	}
	return filepath.Join(w.root, rel), nil
}
