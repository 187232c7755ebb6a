package contract

import (
	"context"
	"io"
)

// ArtifactID: 结果工件标识（相对输出根目录的正斜杠路径）。
type ArtifactID = FileID

// Writer: 将单元结果持久化到目标介质。
// 约束：
//  1. 同一 ArtifactID 单写者；
//  2. 原子替换，失败不留半成品；
//  3. ctx 取消需尽快返回；
//  4. 错误直接上抛。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}

// ResultArtifactID 返回单元结果的工件标识：<job_class>/<unit_id>.json。
func ResultArtifactID(class JobClass, unit UnitID) ArtifactID {
	return ArtifactID(string(class) + "/" + string(unit) + ".json")
}
