// Package checkpoint 持久化每个作业类别已完成的单元与累计花费。
//
// 文件格式：
//
//	{"<class>": {"completed_unit_ids": [...], "total_cost": 0.0}, "updated_at": "RFC3339"}
//
// 写入走 fsx 原子写；崩溃后文件要么是旧版本要么是新版本。
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"chatbatch/internal/fsx"
	"chatbatch/pkg/contract"
)

// UpdatedAtKey 为顶层保留键，不能作为作业类别名。
const UpdatedAtKey = "updated_at"

// ClassState 为单个作业类别的检查点条目。
type ClassState struct {
	CompletedUnitIDs []contract.UnitID `json:"completed_unit_ids"`
	TotalCost        float64           `json:"total_cost"`

	done map[contract.UnitID]struct{}
}

// State 为整个检查点文件的内存视图；非并发安全，由收集协程独占写入。
type State struct {
	Classes   map[contract.JobClass]*ClassState
	UpdatedAt time.Time
}

// NewState 返回空状态。
func NewState() *State {
	return &State{Classes: map[contract.JobClass]*ClassState{}}
}

func (s *State) class(c contract.JobClass) *ClassState {
	cs, ok := s.Classes[c]
	if !ok {
		cs = &ClassState{}
		s.Classes[c] = cs
	}
	if cs.done == nil {
		cs.done = make(map[contract.UnitID]struct{}, len(cs.CompletedUnitIDs))
		for _, id := range cs.CompletedUnitIDs {
			cs.done[id] = struct{}{}
		}
	}
	return cs
}

// IsDone 报告单元是否已在该类别下完成。
func (s *State) IsDone(c contract.JobClass, u contract.UnitID) bool {
	if s == nil {
		return false
	}
	if _, ok := s.Classes[c]; !ok {
		return false
	}
	_, ok := s.class(c).done[u]
	return ok
}

// MarkDone 记录完成的单元；重复标记无副作用。
func (s *State) MarkDone(c contract.JobClass, u contract.UnitID) {
	cs := s.class(c)
	if _, ok := cs.done[u]; ok {
		return
	}
	cs.done[u] = struct{}{}
	cs.CompletedUnitIDs = append(cs.CompletedUnitIDs, u)
}

// SetTotalCost 以账本累计值覆盖类别花费。
func (s *State) SetTotalCost(c contract.JobClass, cost float64) {
	s.class(c).TotalCost = cost
}

// TotalCost 返回类别的累计花费。
func (s *State) TotalCost(c contract.JobClass) float64 {
	if cs, ok := s.Classes[c]; ok {
		return cs.TotalCost
	}
	return 0
}

// Completed 返回类别已完成单元（升序副本）。
func (s *State) Completed(c contract.JobClass) []contract.UnitID {
	cs, ok := s.Classes[c]
	if !ok {
		return nil
	}
	out := append([]contract.UnitID(nil), cs.CompletedUnitIDs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarshalJSON 输出顶层以类别为键的对象，ID 升序以便比对。
func (s *State) MarshalJSON() ([]byte, error) {
	top := make(map[string]any, len(s.Classes)+1)
	for c, cs := range s.Classes {
		if string(c) == UpdatedAtKey {
			return nil, eris.Wrapf(contract.ErrInvalidInput, "checkpoint: class name %q is reserved", UpdatedAtKey)
		}
		ids := s.Completed(c)
		if ids == nil {
			ids = []contract.UnitID{}
		}
		top[string(c)] = struct {
			CompletedUnitIDs []contract.UnitID `json:"completed_unit_ids"`
			TotalCost        float64           `json:"total_cost"`
		}{ids, cs.TotalCost}
	}
	top[UpdatedAtKey] = s.UpdatedAt.UTC().Format(time.RFC3339)
	return json.Marshal(top)
}

// UnmarshalJSON 解析顶层对象；updated_at 以外的键均视为类别。
func (s *State) UnmarshalJSON(b []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return err
	}
	s.Classes = make(map[contract.JobClass]*ClassState, len(top))
	for k, raw := range top {
		if k == UpdatedAtKey {
			var ts string
			if err := json.Unmarshal(raw, &ts); err != nil {
				return err
			}
			if ts == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return err
			}
			s.UpdatedAt = t
			continue
		}
		var cs ClassState
		if err := json.Unmarshal(raw, &cs); err != nil {
			return eris.Wrapf(err, "checkpoint: class %q", k)
		}
		s.Classes[contract.JobClass(k)] = &cs
	}
	return nil
}

// Store 抽象检查点持久化；测试可注入失败实现。
type Store interface {
	Load() (*State, error)
	Save(s *State) error
}

// FileStore 基于单个 JSON 文件的检查点。
type FileStore struct {
	Path string
	Now  func() time.Time
}

// NewFileStore 创建文件检查点。
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path, Now: time.Now}
}

// Load 读取检查点；文件不存在时返回空状态。
func (f *FileStore) Load() (*State, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewState(), nil
		}
		return nil, eris.Wrapf(err, "checkpoint: read %s", f.Path)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return NewState(), nil
	}
	s := NewState()
	if err := json.Unmarshal(b, s); err != nil {
		return nil, eris.Wrapf(err, "checkpoint: decode %s", f.Path)
	}
	return s, nil
}

// Save 刷新 updated_at 后原子写入。
func (f *FileStore) Save(s *State) error {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	s.UpdatedAt = now().UTC()
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return eris.Wrap(err, "checkpoint: encode")
	}
	if err := fsx.WriteFile(f.Path, append(b, '\n'), 0o644); err != nil {
		return eris.Wrapf(err, "checkpoint: save %s", f.Path)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
