// Package jsonfix 对模型输出做容错 JSON 恢复。
//
// 依次尝试：直接解析 → 截取首个括号到匹配的最后一个括号 → 去除多余尾逗号 → 补齐截断的括号。
// 首个能通过 json.Valid 的候选即为结果。截断时不完整的末尾元素被丢弃而非补全。
package jsonfix

import (
	"encoding/json"
	"errors"
	"strings"
)

// Strategy 标识成功的恢复策略。
type Strategy int

const (
	StrategyNone           Strategy = -1
	StrategyDirect         Strategy = 0
	StrategyExtract        Strategy = 1
	StrategyTrailingComma  Strategy = 2
	StrategyCloseTruncated Strategy = 3
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyExtract:
		return "extract"
	case StrategyTrailingComma:
		return "trailing_comma"
	case StrategyCloseTruncated:
		return "close_truncated"
	default:
		return "none"
	}
}

// ErrUnrecoverable: 全部策略失败。
var ErrUnrecoverable = errors.New("jsonfix: unrecoverable")

// Recover 返回可解析的 JSON 文本及所用策略。
func Recover(text string) (json.RawMessage, Strategy, error) {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil, StrategyNone, ErrUnrecoverable
	}
	if json.Valid([]byte(t)) {
		return json.RawMessage(t), StrategyDirect, nil
	}
	cand, ok := Extract(t)
	if ok {
		if json.Valid([]byte(cand)) {
			return json.RawMessage(cand), StrategyExtract, nil
		}
		fixed := StripTrailingCommas(cand)
		if json.Valid([]byte(fixed)) {
			return json.RawMessage(fixed), StrategyTrailingComma, nil
		}
	}
	if closed, ok := CloseTruncated(t); ok && json.Valid([]byte(closed)) {
		return json.RawMessage(closed), StrategyCloseTruncated, nil
	}
	return nil, StrategyNone, ErrUnrecoverable
}

// firstOpener 返回首个 '{' 或 '[' 的位置。
func firstOpener(s string) int {
	return strings.IndexAny(s, "{[")
}

// Extract 截取首个 '{'/'[' 与同类最后一个闭合符之间的子串。
func Extract(s string) (string, bool) {
	i := firstOpener(s)
	if i < 0 {
		return "", false
	}
	closer := byte('}')
	if s[i] == '[' {
		closer = ']'
	}
	j := strings.LastIndexByte(s, closer)
	if j <= i {
		return "", false
	}
	return s[i : j+1], true
}

// StripTrailingCommas 删除字符串外紧邻 '}' 或 ']' 之前的逗号（允许中间空白）。
func StripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			b.WriteByte(c)
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		if c == '"' {
			inStr = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			k := i + 1
			for k < len(s) && isSpace(s[k]) {
				k++
			}
			if k < len(s) && (s[k] == '}' || s[k] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// 对象帧内的位置。
const (
	objKey = iota
	objColon
	objValue
)

type frame struct {
	open  byte
	state int
	// elem: 当前元素的起始偏移（开括号或本层最近一个逗号之后）。
	elem int
}

// CloseTruncated 将截断文本视为未写完的文档，按栈逆序补齐闭合符。
// 截断点落在字符串内或悬空键上时，末尾元素不完整：回退到最内层数组的当前元素之前
// （无数组时回退到最内层对象的当前成员之前）再闭合，使该元素视为缺失。
// 文档在中途已闭合或出现错配闭合符时返回 false。
func CloseTruncated(s string) (string, bool) {
	i := firstOpener(s)
	if i < 0 {
		return "", false
	}
	s = s[i:]
	var stack []frame
	inStr, esc := false, false
	for k := 0; k < len(s); k++ {
		c := s[k]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
				if n := len(stack); n > 0 && stack[n-1].open == '{' && stack[n-1].state == objKey {
					stack[n-1].state = objColon
				}
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{', '[':
			stack = append(stack, frame{open: c, elem: k + 1})
		case '}', ']':
			n := len(stack)
			if n == 0 {
				return "", false
			}
			want := byte('{')
			if c == ']' {
				want = '['
			}
			if stack[n-1].open != want {
				return "", false
			}
			stack = stack[:n-1]
			if len(stack) == 0 {
				// 已闭合却仍无效，非截断问题
				return "", false
			}
		case ':':
			if n := len(stack); n > 0 && stack[n-1].open == '{' {
				stack[n-1].state = objValue
			}
		case ',':
			if n := len(stack); n > 0 {
				stack[n-1].elem = k + 1
				if stack[n-1].open == '{' {
					stack[n-1].state = objKey
				}
			}
		}
	}
	if len(stack) == 0 {
		return "", false
	}
	body := strings.TrimRightFunc(s, func(r rune) bool { return r < 0x80 && isSpace(byte(r)) })
	top := stack[len(stack)-1]
	dangling := inStr || (top.open == '{' &&
		(top.state == objColon || (top.state == objValue && strings.HasSuffix(body, ":"))))
	if dangling {
		j := len(stack) - 1
		for k := len(stack) - 1; k >= 0; k-- {
			if stack[k].open == '[' {
				j = k
				break
			}
		}
		body = s[:stack[j].elem]
		stack = stack[:j+1]
	}
	body = strings.TrimRight(body, " \t\r\n,")
	var tail strings.Builder
	for k := len(stack) - 1; k >= 0; k-- {
		if stack[k].open == '{' {
			tail.WriteByte('}')
		} else {
			tail.WriteByte(']')
		}
	}
	return StripTrailingCommas(body + tail.String()), true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
