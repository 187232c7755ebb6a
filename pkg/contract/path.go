package contract

import (
	"path"
	"strings"
)

// NormalizeFileID 规范化路径：统一正斜杠并清理 . 与 ..，不做隐式绝对化。
func NormalizeFileID(p string) FileID {
	return FileID(path.Clean(strings.ReplaceAll(p, "\\", "/")))
}

// UnitIDFromFile 以去扩展名的规范化路径作为单元标识。
func UnitIDFromFile(id FileID) UnitID {
	s := string(id)
	if ext := path.Ext(s); ext != "" {
		s = strings.TrimSuffix(s, ext)
	}
	return UnitID(strings.TrimPrefix(s, "./"))
}
