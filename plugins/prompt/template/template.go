package template

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	tt "text/template"

	"chatbatch/pkg/contract"
	"chatbatch/plugins/decoder/items"
)

// Options 为转录批处理 PromptBuilder 的配置。
// system 模板与参考资料均为二选一（inline 优先），构造期读取。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	// Task: 默认任务说明，渲染为模板中的 {{.Task}}。
	Task string `json:"task"`
	// 参考资料（可选）：以 <reference> 包裹追加到 system 尾部。
	InlineReference string `json:"inline_reference"`
	ReferencePath   string `json:"reference_path"`
	// Classes: 按作业类别覆盖 Task 与模板。
	Classes map[string]ClassOptions `json:"classes"`
}

// ClassOptions 为单个作业类别的覆盖项。
type ClassOptions struct {
	Task                 string `json:"task"`
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
}

type classPrompt struct {
	tpl  *tt.Template
	task string
}

// Builder 以块构造 system+user 提示词；运行期不做 I/O。
type Builder struct {
	def     classPrompt
	classes map[contract.JobClass]classPrompt
	ref     string
}

// New 解析模板并加载参考资料。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	task := o.Task
	if task == "" {
		task = defaultTask
	}
	tpl, err := loadTemplate("system", o.InlineSystemTemplate, o.SystemTemplatePath, defaultSystemTemplate)
	if err != nil {
		return nil, err
	}
	b := &Builder{def: classPrompt{tpl: tpl, task: task}, classes: map[contract.JobClass]classPrompt{}}
	for name, co := range o.Classes {
		cp := b.def
		if co.Task != "" {
			cp.task = co.Task
		}
		if co.InlineSystemTemplate != "" || co.SystemTemplatePath != "" {
			if cp.tpl, err = loadTemplate("system."+name, co.InlineSystemTemplate, co.SystemTemplatePath, ""); err != nil {
				return nil, err
			}
		}
		b.classes[contract.JobClass(name)] = cp
	}
	switch {
	case o.InlineReference != "":
		b.ref = o.InlineReference
	case o.ReferencePath != "":
		data, err := os.ReadFile(o.ReferencePath)
		if err != nil {
			return nil, fmt.Errorf("reference read: %w", err)
		}
		b.ref = string(data)
	}
	// 构造期试渲染，模板错误尽早暴露
	for _, cp := range b.all() {
		if _, err := b.system(cp, ""); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func loadTemplate(name, inline, path, fallback string) (*tt.Template, error) {
	src := fallback
	if inline != "" {
		src = inline
	} else if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(data)
	}
	tpl, err := tt.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	return tpl, nil
}

var _ contract.PromptBuilder = (*Builder)(nil)

func (b *Builder) pick(class contract.JobClass) classPrompt {
	if cp, ok := b.classes[class]; ok {
		return cp
	}
	return b.def
}

func (b *Builder) all() []classPrompt {
	out := []classPrompt{b.def}
	names := make([]string, 0, len(b.classes))
	for c := range b.classes {
		names = append(names, string(c))
	}
	sort.Strings(names)
	for _, n := range names {
		out = append(out, b.classes[contract.JobClass(n)])
	}
	return out
}

func (b *Builder) system(cp classPrompt, class contract.JobClass) (string, error) {
	var buf bytes.Buffer
	data := struct {
		JobClass string
		Task     string
	}{string(class), cp.task}
	if err := cp.tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("system render: %v: %w", err, contract.ErrInvalidInput)
	}
	if b.ref != "" {
		buf.WriteString("\n\n<reference>\n")
		buf.WriteString(b.ref)
		if !strings.HasSuffix(b.ref, "\n") {
			buf.WriteByte('\n')
		}
		buf.WriteString("</reference>")
	}
	return buf.String(), nil
}

// Build 构造一个块的提示词。续写轮次（Round>0）附加只补缺的说明。
func (b *Builder) Build(ctx context.Context, class contract.JobClass, c contract.Chunk) (contract.Prompt, error) {
	if err := ctx.Err(); err != nil {
		return contract.Prompt{}, err
	}
	if len(c.Items) == 0 {
		return contract.Prompt{}, fmt.Errorf("prompt: %w: empty chunk", contract.ErrInvalidInput)
	}
	sys, err := b.system(b.pick(class), class)
	if err != nil {
		return contract.Prompt{}, err
	}

	var uw bytes.Buffer
	uw.Grow(1024)
	uw.WriteString(itemsOpen)
	for _, it := range c.Items {
		writeItem(&uw, it)
	}
	uw.WriteString(itemsClose)
	if c.Round > 0 {
		uw.WriteString(continuationNote)
	}
	uw.WriteString(outputRules)
	uw.WriteString("ids: [")
	for i, it := range c.Items {
		if i > 0 {
			uw.WriteByte(',')
		}
		uw.WriteString(strconv.Quote(string(it.ID)))
	}
	uw.WriteString("]\n")

	return contract.Prompt{
		System:        sys,
		User:          uw.String(),
		ExpectedCount: len(c.Items),
		ExtractID:     items.DefaultExtractID,
	}, nil
}

// EstimateOverheadTokens 估算与块无关的固定开销：取各类别 system 中的最大者，
// 加上 user 的固定结构与续写说明。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	maxSys := 0
	for _, cp := range b.all() {
		sys, _ := b.system(cp, "")
		if n := estimate(sys); n > maxSys {
			maxSys = n
		}
	}
	return maxSys + estimate(itemsOpen+itemsClose+continuationNote+outputRules+"ids: []\n")
}

var attrEscaper = strings.NewReplacer(`&`, "&amp;", `"`, "&quot;", `<`, "&lt;", `>`, "&gt;")

// writeItem 输出 <item id="..." role="...">\n<text>\n</item>。
func writeItem(w *bytes.Buffer, it contract.SubItem) {
	w.WriteString(`<item id="`)
	w.WriteString(attrEscaper.Replace(string(it.ID)))
	w.WriteString(`" role="`)
	w.WriteString(attrEscaper.Replace(it.Role))
	w.WriteString("\">\n")
	w.WriteString(strings.ReplaceAll(it.Text, "</item>", "<\\/item>"))
	w.WriteString("\n</item>\n")
}

const (
	itemsOpen        = "### Items\n\n<items>\n"
	itemsClose       = "</items>\n"
	continuationNote = "\nNOTE: a previous response did not cover every item. Answer ONLY the items listed above.\n"
	outputRules      = "\nOUTPUT RULES:\n" +
		"1) Produce exactly one result object for EVERY item id listed in 'ids' below.\n" +
		"2) Return ONLY strict JSON (no markdown, no code fences, no commentary).\n" +
		"3) Schema: {\"items\": [{\"id\": string, ...result fields}]} in the same order as 'ids'.\n"
)

const defaultTask = "Summarize each message in one sentence and list up to three topical tags."

// 默认 system 模板。
const defaultSystemTemplate = `
## Role
You analyse messages from recorded conversations between a user and an assistant.
{{if .JobClass}}Job class: {{.JobClass}}
{{end}}
## Task
{{.Task}}

## I/O Protocol (Very Important)
- The user message contains an <items> container with <item id="..." role="..."> blocks.
- Treat every item independently, but use neighbouring items as context.
- Answer ONLY the ids listed in "ids". Never invent ids.
- Output ONLY strict JSON according to the schema; do not include markdown/code fences.

<example>
user: <items>
<item id="m1" role="user">
How do I reverse a slice in Go?
</item>
<item id="m2" role="assistant">
Use slices.Reverse from the standard library.
</item>
</items>
ids: ["m1","m2"]

assistant: {"items": [{"id": "m1", "summary": "Asks how to reverse a slice in Go.", "tags": ["go", "slices"]}, {"id": "m2", "summary": "Recommends slices.Reverse.", "tags": ["go", "stdlib"]}]}
</example>
`
