package transcript

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"unicode/utf8"

	"chatbatch/pkg/contract"
)

// Options 为转录 Splitter 的可选配置。
type Options struct {
	// SkipRoles: 丢弃的消息角色（大小写不敏感）。默认 ["progress","summary","file-history-snapshot"]。
	SkipRoles []string `json:"skip_roles"`
	// IncludeThinking: 是否保留 thinking 块文本。
	IncludeThinking bool `json:"include_thinking"`
	// KeepEmpty: 是否保留无文本的消息。
	KeepEmpty bool `json:"keep_empty"`
	// UnitIDFromPath: 以去扩展名的完整路径作为单元标识；默认仅用文件基名。
	UnitIDFromPath bool `json:"unit_id_from_path"`
	// MaxLineBytes: JSONL 单行上限，默认 4MiB。
	MaxLineBytes int `json:"max_line_bytes"`
}

// Splitter 将 JSONL / JSON 数组 / {session_id, messages} 三种转录格式解析为单元。
type Splitter struct {
	skip     map[string]struct{}
	thinking bool
	keep     bool
	fullPath bool
	maxLine  int
}

// New 创建转录 Splitter。
func New(opts *Options) *Splitter {
	s := &Splitter{skip: map[string]struct{}{}, maxLine: 4 << 20}
	roles := []string{"progress", "summary", "file-history-snapshot"}
	if opts != nil {
		if opts.SkipRoles != nil {
			roles = opts.SkipRoles
		}
		s.thinking = opts.IncludeThinking
		s.keep = opts.KeepEmpty
		s.fullPath = opts.UnitIDFromPath
		if opts.MaxLineBytes > 0 {
			s.maxLine = opts.MaxLineBytes
		}
	}
	for _, r := range roles {
		s.skip[strings.ToLower(r)] = struct{}{}
	}
	return s
}

var _ contract.Splitter = (*Splitter)(nil)

// wireMessage 兼容多种字段命名：id|uuid、role|type、content|text|message。
type wireMessage struct {
	ID        json.RawMessage `json:"id"`
	UUID      string          `json:"uuid"`
	Role      string          `json:"role"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Text      json.RawMessage `json:"text"`
	Message   json.RawMessage `json:"message"`
	SessionID string          `json:"session_id"`
	Session   string          `json:"sessionId"`
}

type nested struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type block struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
}

type envelope struct {
	SessionID string            `json:"session_id"`
	Session   string            `json:"sessionId"`
	Messages  []json.RawMessage `json:"messages"`
}

// Split 解析单个转录文件。
// JSONL 中带 session 字段的行按会话分组（首次出现顺序）；无会话字段时整文件为一个单元。
// 非法 JSONL 行跳过；JSON 数组或对象整体非法时返回错误。
func (s *Splitter) Split(ctx context.Context, fileID contract.FileID, r io.Reader) ([]contract.Unit, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("transcript %s: invalid UTF-8: %w", fileID, contract.ErrInvalidInput)
	}
	fallback := s.unitID(fileID)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var msgs []json.RawMessage
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, fmt.Errorf("transcript %s: %v: %w", fileID, err, contract.ErrInvalidInput)
		}
		g := newGroup(fallback)
		for _, raw := range msgs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			s.add(g, raw)
		}
		return g.units(), nil
	}

	if env, ok := asEnvelope(trimmed); ok {
		id := fallback
		if sid := firstNonEmpty(env.SessionID, env.Session); sid != "" {
			id = contract.UnitID(sid)
		}
		g := newGroup(id)
		for _, raw := range env.Messages {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			s.add(g, raw)
		}
		return g.units(), nil
	}

	return s.splitLines(ctx, data, fallback)
}

func (s *Splitter) splitLines(ctx context.Context, data []byte, fallback contract.UnitID) ([]contract.Unit, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), s.maxLine)
	g := newGroup(fallback)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var probe wireMessage
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		if sid := firstNonEmpty(probe.SessionID, probe.Session); sid != "" {
			g.switchTo(contract.UnitID(sid))
		} else {
			g.switchTo(fallback)
		}
		s.add(g, append(json.RawMessage(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return g.units(), nil
}

// add 解析单条消息并追加到当前单元；位置序号在过滤前递增，保证回退 ID 稳定。
func (s *Splitter) add(g *group, raw json.RawMessage) {
	u := g.current()
	u.pos++
	var m wireMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	role := firstNonEmpty(m.Role, m.Type)
	content := firstRaw(m.Content, m.Text)
	if len(m.Message) > 0 {
		var n nested
		if json.Unmarshal(m.Message, &n) == nil && (n.Role != "" || len(n.Content) > 0) {
			if n.Role != "" {
				role = n.Role
			}
			if len(content) == 0 {
				content = n.Content
			}
		} else if len(content) == 0 {
			content = m.Message
		}
	}
	if _, skip := s.skip[strings.ToLower(role)]; skip {
		return
	}
	text := s.text(content)
	if text == "" && !s.keep {
		return
	}
	id := idString(m.ID)
	if id == "" {
		id = m.UUID
	}
	if id == "" {
		id = strconv.Itoa(u.pos)
	}
	sid := contract.SubItemID(id)
	if _, dup := u.seen[sid]; dup {
		return
	}
	u.seen[sid] = struct{}{}
	u.items = append(u.items, contract.SubItem{ID: sid, Role: role, Text: text})
}

// text 将 string 或 [{type,text}] 内容展平为纯文本。
func (s *Splitter) text(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var str string
	if json.Unmarshal(raw, &str) == nil {
		return strings.TrimSpace(str)
	}
	var blocks []block
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text", "":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "thinking":
			if s.thinking && b.Thinking != "" {
				parts = append(parts, b.Thinking)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func (s *Splitter) unitID(fileID contract.FileID) contract.UnitID {
	if s.fullPath {
		return contract.UnitIDFromFile(fileID)
	}
	return contract.UnitIDFromFile(contract.FileID(path.Base(string(fileID))))
}

func asEnvelope(b []byte) (envelope, bool) {
	var probe map[string]json.RawMessage
	if json.Unmarshal(b, &probe) != nil {
		return envelope{}, false
	}
	if _, ok := probe["messages"]; !ok {
		return envelope{}, false
	}
	var env envelope
	if json.Unmarshal(b, &env) != nil {
		return envelope{}, false
	}
	return env, true
}

func idString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

func firstRaw(rs ...json.RawMessage) json.RawMessage {
	for _, r := range rs {
		if len(r) > 0 && string(r) != "null" {
			return r
		}
	}
	return nil
}

// group 维护按首次出现排序的单元集合。
type group struct {
	order []contract.UnitID
	byID  map[contract.UnitID]*pending
	cur   contract.UnitID
}

type pending struct {
	items []contract.SubItem
	seen  map[contract.SubItemID]struct{}
	pos   int
}

func newGroup(first contract.UnitID) *group {
	g := &group{byID: map[contract.UnitID]*pending{}}
	g.switchTo(first)
	return g
}

func (g *group) switchTo(id contract.UnitID) {
	g.cur = id
	if _, ok := g.byID[id]; !ok {
		g.byID[id] = &pending{seen: map[contract.SubItemID]struct{}{}}
		g.order = append(g.order, id)
	}
}

func (g *group) current() *pending { return g.byID[g.cur] }

// units 返回非空单元。
func (g *group) units() []contract.Unit {
	var out []contract.Unit
	for _, id := range g.order {
		if p := g.byID[id]; len(p.items) > 0 {
			out = append(out, contract.Unit{UnitID: id, Payload: p.items})
		}
	}
	return out
}
