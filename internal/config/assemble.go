package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"chatbatch/internal/catalog"
	"chatbatch/internal/checkpoint"
	"chatbatch/internal/diag"
	"chatbatch/internal/executor"
	"chatbatch/internal/ledger"
	"chatbatch/internal/pipeline"
	"chatbatch/internal/prompt"
	"chatbatch/internal/rate"
	"chatbatch/pkg/contract"
	"chatbatch/pkg/registry"
)

// WriterNone 关闭结果写出。
const WriterNone = "none"

func invalid(format string, args ...any) error {
	return eris.Wrapf(contract.ErrInvalidInput, "config: "+format, args...)
}

// Validate 对静态边界做校验；提示词开销相关的预算校验在 Assemble 中完成。
func Validate(cfg Config) error {
	dash := false
	for _, r := range cfg.Inputs {
		switch strings.TrimSpace(r) {
		case "":
			return invalid("input path cannot be empty")
		case "-":
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return invalid("'-' cannot be mixed with other roots")
	}
	if strings.TrimSpace(cfg.Checkpoint) == "" || strings.TrimSpace(cfg.Ledger) == "" {
		return invalid("checkpoint and ledger paths are required")
	}
	switch pipeline.Granularity(cfg.CheckpointGranularity) {
	case "", pipeline.PerWave, pipeline.PerUnit:
	default:
		return invalid("checkpoint_granularity %q: want wave|unit", cfg.CheckpointGranularity)
	}
	if len(cfg.Classes) == 0 {
		return invalid("no job classes configured")
	}
	pricing := ledger.DefaultPricing().Merge(cfg.Pricing)
	for _, name := range sortedKeys(cfg.Classes) {
		if err := validateClass(cfg, name, cfg.Classes[name].WithDefaults(), pricing); err != nil {
			return err
		}
	}

	d := Defaults().Components
	checks := []struct {
		kind, name string
		ok         bool
	}{
		{"reader", effName(cfg.Components.Reader, d.Reader), registry.Reader[effName(cfg.Components.Reader, d.Reader)] != nil},
		{"splitter", effName(cfg.Components.Splitter, d.Splitter), registry.Splitter[effName(cfg.Components.Splitter, d.Splitter)] != nil},
		{"planner", effName(cfg.Components.Planner, d.Planner), registry.Planner[effName(cfg.Components.Planner, d.Planner)] != nil},
		{"prompt_builder", effName(cfg.Components.PromptBuilder, d.PromptBuilder), registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)] != nil},
		{"decoder", effName(cfg.Components.Decoder, d.Decoder), registry.Decoder[effName(cfg.Components.Decoder, d.Decoder)] != nil},
		{"merger", effName(cfg.Components.Merger, d.Merger), registry.Merger[effName(cfg.Components.Merger, d.Merger)] != nil},
	}
	for _, c := range checks {
		if !c.ok {
			return invalid("%s %q not registered", c.kind, c.name)
		}
	}
	if wn := effName(cfg.Components.Writer, d.Writer); wn != WriterNone && registry.Writer[wn] == nil {
		return invalid("writer %q not registered", wn)
	}
	return nil
}

func validateClass(cfg Config, name string, c Class, pricing ledger.Pricing) error {
	switch {
	case strings.TrimSpace(name) == "":
		return invalid("empty job class name")
	case name == checkpoint.UpdatedAtKey:
		return invalid("job class name %q is reserved", name)
	case c.MaxWorkers < 1:
		return invalid("class %q: max_workers must be >= 1", name)
	case c.ChunkTokens <= 0:
		return invalid("class %q: chunk_tokens must be > 0", name)
	case c.MaxOutputTokens < 0:
		return invalid("class %q: max_output_tokens must be >= 0", name)
	case *c.MaxRetries < 0 || *c.BaseBackoffMS < 0 || *c.CallTimeoutSeconds < 0 || *c.MaxContinuationRounds < 0 || c.WaveCooldownMS < 0:
		return invalid("class %q: retry/backoff/timeout/rounds/cooldown must be >= 0", name)
	case strings.TrimSpace(c.Model) == "":
		return invalid("class %q: model not set", name)
	}
	prov, ok := cfg.Provider[c.Provider]
	if !ok {
		return invalid("class %q: provider %q not found", name, c.Provider)
	}
	if registry.LLMInvoker[prov.Client] == nil {
		return invalid("provider %q: llm client %q not registered", c.Provider, prov.Client)
	}
	if lim := prov.Limits.MaxTokensPerReq; lim > 0 && c.ChunkTokens+c.MaxOutputTokens > lim {
		return invalid("class %q: chunk_tokens+max_output_tokens (%d) exceeds provider max_tokens_per_req (%d)",
			name, c.ChunkTokens+c.MaxOutputTokens, lim)
	}
	if _, ok := pricing[c.Model]; !ok && !cfg.AllowUnpriced {
		return invalid("class %q: no pricing for model %q (set pricing or allow_unpriced)", name, c.Model)
	}
	return nil
}

// Assembly 为装配产物；调用方负责 Close。
type Assembly struct {
	Engine     *pipeline.Engine
	Catalog    *catalog.Catalog
	Ledger     *ledger.Accountant
	Mirror     *ledger.SQLiteMirror
	Checkpoint checkpoint.Store
	Classes    []contract.JobClass
	// Overheads: 各类别的提示词固定开销（token）。
	Overheads map[contract.JobClass]int
}

// Close 释放镜像数据库。
func (a *Assembly) Close() error {
	if a == nil || a.Mirror == nil {
		return nil
	}
	return a.Mirror.Close()
}

// Assemble 通过注册表构造组件、执行器与限流闸门，并返回可运行的引擎。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config, lg *diag.Logger, term *diag.Terminal) (*Assembly, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if lg == nil {
		lg = diag.NewNop()
	}
	d := Defaults().Components
	wrap := func(kind string, err error) error {
		return eris.Wrapf(err, "config: build %s", kind)
	}

	cat, err := BuildCatalog(cfg, lg)
	if err != nil {
		return nil, err
	}
	pl, err := registry.Planner[effName(cfg.Components.Planner, d.Planner)](cfg.Options.Planner)
	if err != nil {
		return nil, wrap("planner", err)
	}
	pb, err := registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)](cfg.Options.PromptBuilder)
	if err != nil {
		return nil, wrap("prompt_builder", err)
	}
	dec, err := registry.Decoder[effName(cfg.Components.Decoder, d.Decoder)](cfg.Options.Decoder)
	if err != nil {
		return nil, wrap("decoder", err)
	}
	mg, err := registry.Merger[effName(cfg.Components.Merger, d.Merger)](cfg.Options.Merger)
	if err != nil {
		return nil, wrap("merger", err)
	}
	var wr contract.Writer
	if wn := effName(cfg.Components.Writer, d.Writer); wn != WriterNone {
		if wr, err = registry.Writer[wn](cfg.Options.Writer); err != nil {
			return nil, wrap("writer", err)
		}
	}

	// 每个被引用的 provider 构造一个客户端；分组键从 API Key 派生，使共用账号的 provider 共享限额。
	invokers := map[string]contract.LLMInvoker{}
	keys := map[string]rate.LimitKey{}
	limits := map[rate.LimitKey]rate.Limits{}
	for _, name := range sortedKeys(cfg.Classes) {
		pn := cfg.Classes[name].Provider
		if _, ok := invokers[pn]; ok {
			continue
		}
		prov := cfg.Provider[pn]
		inv, err := registry.LLMInvoker[prov.Client](prov.Options)
		if err != nil {
			return nil, wrap("provider "+pn, err)
		}
		invokers[pn] = inv
		key, derr := rate.DeriveKey(prov.Client, prov.Options)
		if derr != nil {
			key = rate.LimitKey(pn)
		}
		keys[pn] = key
		lim := limits[key]
		limits[key] = rate.Limits{
			RPM:             minPositive(lim.RPM, prov.Limits.RPM),
			TPM:             minPositive(lim.TPM, prov.Limits.TPM),
			MaxTokensPerReq: minPositive(lim.MaxTokensPerReq, prov.Limits.MaxTokensPerReq),
		}
	}
	gate := rate.NewGate(limits, nil)

	est := prompt.MakeEstimator(cfg.BytesPerToken)
	classes := make(map[contract.JobClass]*pipeline.ClassRuntime, len(cfg.Classes))
	overheads := make(map[contract.JobClass]int, len(cfg.Classes))
	for _, name := range sortedKeys(cfg.Classes) {
		c := cfg.Classes[name].WithDefaults()
		jc := contract.JobClass(name)
		eff, overhead, err := prompt.ChunkBudget(pb, est, c.ChunkTokens)
		if err != nil {
			return nil, eris.Wrapf(err, "config: class %q", name)
		}
		overheads[jc] = overhead
		ex := executor.New(jc, executor.Deps{
			Invoker:   invokers[c.Provider],
			Builder:   pb,
			Decoder:   dec,
			Estimator: est,
			Gate:      gate,
			GateKey:   keys[c.Provider],
			Logger:    lg,
		}, executor.Policy{
			Model:           c.Model,
			MaxRetries:      *c.MaxRetries,
			BaseBackoff:     time.Duration(*c.BaseBackoffMS) * time.Millisecond,
			CallTimeout:     time.Duration(*c.CallTimeoutSeconds) * time.Second,
			MaxOutputTokens: c.MaxOutputTokens,
		})
		classes[jc] = &pipeline.ClassRuntime{
			Runner:       ex,
			Estimator:    est,
			Limit:        contract.ChunkLimit{MaxTokens: eff, MaxItems: c.MaxItems},
			MaxRounds:    *c.MaxContinuationRounds,
			MaxWorkers:   c.MaxWorkers,
			WaveCooldown: time.Duration(c.WaveCooldownMS) * time.Millisecond,
		}
	}

	acct, err := ledger.Open(cfg.Ledger, ledger.DefaultPricing().Merge(cfg.Pricing), lg)
	if err != nil {
		return nil, err
	}
	asm := &Assembly{Ledger: acct, Overheads: overheads}
	if cfg.LedgerMirror != "" {
		m, err := ledger.OpenMirror(cfg.LedgerMirror)
		if err != nil {
			return nil, eris.Wrapf(err, "config: ledger mirror")
		}
		acct.AttachMirror(m)
		asm.Mirror = m
	}
	store := checkpoint.NewFileStore(cfg.Checkpoint)
	eng, err := pipeline.New(pipeline.Components{
		Planner:    pl,
		Merger:     mg,
		Writer:     wr,
		Checkpoint: store,
		Ledger:     acct,
	}, classes, pipeline.Options{
		Granularity: pipeline.Granularity(cfg.CheckpointGranularity),
		Logger:      lg,
		Terminal:    term,
	})
	if err != nil {
		_ = asm.Close()
		return nil, err
	}
	asm.Engine = eng
	asm.Checkpoint = store
	asm.Catalog = cat
	asm.Classes = cat.Classes
	return asm, nil
}

// BuildCatalog 仅构造 Reader/Splitter 与类别列表；不创建 LLM 客户端，供 status 等只读命令使用。
func BuildCatalog(cfg Config, lg *diag.Logger) (*catalog.Catalog, error) {
	d := Defaults().Components
	rd, err := registry.Reader[effName(cfg.Components.Reader, d.Reader)](cfg.Options.Reader)
	if err != nil {
		return nil, eris.Wrapf(err, "config: build reader")
	}
	sp, err := registry.Splitter[effName(cfg.Components.Splitter, d.Splitter)](cfg.Options.Splitter)
	if err != nil {
		return nil, eris.Wrapf(err, "config: build splitter")
	}
	names := make([]contract.JobClass, 0, len(cfg.Classes))
	for _, n := range sortedKeys(cfg.Classes) {
		names = append(names, contract.JobClass(n))
	}
	return &catalog.Catalog{Reader: rd, Splitter: sp, Classes: names, Logger: lg}, nil
}

// minPositive: 同一分组被多个 provider 共享时取更严格的非零限额。
func minPositive(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Describe 返回类别参数摘要，用于启动日志。
func Describe(c Class) map[string]string {
	c = c.WithDefaults()
	return map[string]string{
		"provider":    c.Provider,
		"model":       c.Model,
		"max_workers": fmt.Sprint(c.MaxWorkers),
		"chunk":       fmt.Sprint(c.ChunkTokens),
		"retries":     fmt.Sprint(*c.MaxRetries),
		"rounds":      fmt.Sprint(*c.MaxContinuationRounds),
	}
}
