package items

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"chatbatch/internal/jsonfix"
	"chatbatch/pkg/contract"
)

// Options: 结果容器字段名。
type Options struct {
	// ListKeys: 顶层为对象时依次查找的数组字段；默认 ["items","results"]。
	ListKeys []string `json:"list_keys"`
}

type decoder struct {
	listKeys []string
}

// New 从原样 JSON Options 创建解码器。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("decoder options: %w", contract.ErrInvalidInput)
		}
	}
	keys := opts.ListKeys
	if len(keys) == 0 {
		keys = []string{"items", "results"}
	}
	return &decoder{listKeys: keys}, nil
}

var _ contract.Decoder = (*decoder)(nil)

// DefaultExtractID 读取 "id" 或 "sub_item_id"（字符串或数字）。
func DefaultExtractID(item json.RawMessage) (contract.SubItemID, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(item, &obj); err != nil {
		return "", false
	}
	for _, k := range []string{"id", "sub_item_id"} {
		if v, ok := obj[k]; ok {
			if id, ok := scalarID(v); ok {
				return id, true
			}
		}
	}
	return "", false
}

func scalarID(v json.RawMessage) (contract.SubItemID, bool) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil && s != "" {
		return contract.SubItemID(s), true
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return contract.SubItemID(strconv.FormatInt(i, 10)), true
		}
	}
	return "", false
}

// Decode 接受以下形状（先经 jsonfix 恢复）：
//   - 数组：[{"id":..., ...}, ...]
//   - 包装对象：{"items":[...]} / {"results":[...]}
//   - 单条对象：{"id":..., ...}
//   - 以 ID 为键的对象：{"<id>": result, ...}
func (d *decoder) Decode(ctx context.Context, text string, extract contract.IDExtractor) (contract.Decoded, error) {
	if err := ctx.Err(); err != nil {
		return contract.Decoded{}, err
	}
	if extract == nil {
		extract = DefaultExtractID
	}
	raw, strategy, err := jsonfix.Recover(text)
	if err != nil {
		return contract.Decoded{Strategy: int(jsonfix.StrategyNone)}, &contract.MalformedOutputError{Raw: text, Cause: err}
	}
	out := contract.Decoded{Items: map[contract.SubItemID]json.RawMessage{}, Strategy: int(strategy)}
	put := func(id contract.SubItemID, v json.RawMessage) {
		if _, ok := out.Items[id]; ok {
			out.Duplicates++
			return
		}
		out.Items[id] = v
		out.Order = append(out.Order, id)
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		d.fromList(arr, extract, put)
		return out, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		// 标量等非容器形状
		return contract.Decoded{Strategy: int(strategy)}, &contract.MalformedOutputError{Raw: text, Cause: fmt.Errorf("unexpected json shape")}
	}
	for _, k := range d.listKeys {
		if v, ok := obj[k]; ok {
			if err := json.Unmarshal(v, &arr); err == nil {
				d.fromList(arr, extract, put)
				return out, nil
			}
		}
	}
	if id, ok := extract(raw); ok {
		put(id, raw)
		return out, nil
	}
	// 以 ID 为键：按原文键序输出
	keys, err := objectKeys(raw)
	if err != nil {
		return contract.Decoded{Strategy: int(strategy)}, &contract.MalformedOutputError{Raw: text, Cause: err}
	}
	for _, k := range keys {
		put(contract.SubItemID(k), obj[k])
	}
	return out, nil
}

func (d *decoder) fromList(arr []json.RawMessage, extract contract.IDExtractor, put func(contract.SubItemID, json.RawMessage)) {
	for _, el := range arr {
		// 无法识别 ID 的元素忽略；缺失由续写补齐
		if id, ok := extract(el); ok {
			put(id, el)
		}
	}
}

// objectKeys 以流式 Token 读取顶层对象的键序。
func objectKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		k, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("non-string key")
		}
		keys = append(keys, k)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
