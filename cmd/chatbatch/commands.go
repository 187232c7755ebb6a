package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"chatbatch/internal/catalog"
	"chatbatch/internal/checkpoint"
	cfgpkg "chatbatch/internal/config"
	"chatbatch/internal/diag"
	"chatbatch/internal/ledger"
	"chatbatch/internal/pipeline"
	"chatbatch/pkg/contract"
)

// runBatch 可在测试中替换。
var runBatch = func(ctx context.Context, e *pipeline.Engine, items []contract.WorkItem, classes []contract.JobClass, resume bool) (pipeline.BatchReport, error) {
	return e.RunBatch(ctx, items, classes, resume)
}

type runFlags struct {
	inputs   []string
	resume   bool
	output   string
	classes  []string
	progress bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [input...]",
		Short: "Process transcripts for every configured job class",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, g, f, args)
		},
	}
	fl := cmd.Flags()
	fl.StringArrayVar(&f.inputs, "input", nil, "input file or directory ('-' for stdin); repeatable")
	fl.BoolVar(&f.resume, "resume", false, "skip units already recorded in the checkpoint")
	fl.StringVar(&f.output, "output", "", "writer output directory (overrides options.writer.output_dir)")
	fl.StringSliceVar(&f.classes, "class", nil, "restrict the run to these job classes")
	fl.BoolVar(&f.progress, "progress", true, "terminal progress on stderr")
	return cmd
}

func runRun(cmd *cobra.Command, g *globalFlags, f *runFlags, args []string) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return configErr(err)
	}
	if in := append(append([]string(nil), f.inputs...), args...); len(in) > 0 {
		cfg.Inputs = in
	}
	if len(cfg.Inputs) == 0 {
		return configErr(errors.New("no inputs: pass --input or set inputs in config"))
	}
	if f.output != "" {
		if cfg.Options.Writer, err = cfgpkg.WithWriterOutput(cfg.Options.Writer, f.output); err != nil {
			return configErr(err)
		}
	}
	classes, err := selectClasses(cfg, f.classes)
	if err != nil {
		return configErr(err)
	}

	lg := diag.NewLogger(newCorrID(), cfg.Logging.Level, cfg.Logging.Dir)
	defer lg.Close()
	term := diag.NewTerminal(cmd.ErrOrStderr(), f.progress)

	asm, err := cfgpkg.Assemble(cfg, lg, term)
	if err != nil {
		lg.ErrorWith("cli", diag.Classify(err), "assemble failed", nil, "", "")
		return configErr(err)
	}
	defer asm.Close()
	for _, c := range asm.Classes {
		kv := cfgpkg.Describe(cfg.Classes[string(c)])
		kv["class"] = string(c)
		kv["chunk_overhead"] = fmt.Sprint(asm.Overheads[c])
		lg.Info("cli", "class", kv)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
	defer stop()

	items, err := asm.Catalog.Load(ctx, cfg.Inputs)
	if err != nil {
		return runErr(err)
	}
	report, err := runBatch(ctx, asm.Engine, items, classes, f.resume)
	ops, errs := diag.Snapshot()
	renderReport(cmd.OutOrStdout(), report, ops, errs)
	if err != nil {
		lg.ErrorWith("cli", diag.Classify(err), "run aborted", nil, "", "")
		return runErr(err)
	}
	if n := report.Totals().Failed; n > 0 {
		return &exitError{code: exitPartial, err: fmt.Errorf("%d unit(s) failed", n)}
	}
	return nil
}

// selectClasses 校验 --class；为空表示全部类别。
func selectClasses(cfg cfgpkg.Config, names []string) ([]contract.JobClass, error) {
	var out []contract.JobClass
	for _, n := range names {
		n = strings.TrimSpace(n)
		if _, ok := cfg.Classes[n]; !ok {
			return nil, fmt.Errorf("unknown job class %q: %w", n, contract.ErrInvalidInput)
		}
		out = append(out, contract.JobClass(n))
	}
	return out, nil
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	var inputs []string
	cmd := &cobra.Command{
		Use:   "status [input...]",
		Short: "Show done/pending counts per job class",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return configErr(err)
			}
			if in := append(append([]string(nil), inputs...), args...); len(in) > 0 {
				cfg.Inputs = in
			}
			if err := cfgpkg.Validate(cfg); err != nil {
				return configErr(err)
			}
			lg := diag.NewLogger(newCorrID(), cfg.Logging.Level, cfg.Logging.Dir)
			defer lg.Close()
			cat, err := cfgpkg.BuildCatalog(cfg, lg)
			if err != nil {
				return configErr(err)
			}
			items, err := cat.Load(cmd.Context(), cfg.Inputs)
			if err != nil {
				return runErr(err)
			}
			state, err := checkpoint.NewFileStore(cfg.Checkpoint).Load()
			if err != nil {
				return runErr(err)
			}
			renderStatus(cmd.OutOrStdout(), catalog.Summarize(items, state))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "input file or directory; repeatable")
	return cmd
}

// 账本数据源。
const (
	sourceAuto   = "auto"
	sourceJSON   = "json"
	sourceSQLite = "sqlite"
)

func newLedgerCmd(g *globalFlags) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show accumulated cost per job class",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return configErr(err)
			}
			sums, used, err := ledgerSums(cmd.Context(), cfg, source)
			if err != nil {
				if errors.Is(err, contract.ErrInvalidInput) {
					return configErr(err)
				}
				return runErr(err)
			}
			renderLedger(cmd.OutOrStdout(), used, sums)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", sourceAuto, "auto|json|sqlite")
	return cmd
}

// ledgerSums 选择数据源：auto 时镜像库已存在则用 SQLite，否则读 JSON 账本。
func ledgerSums(ctx context.Context, cfg cfgpkg.Config, source string) ([]ledger.ClassSum, string, error) {
	switch source {
	case sourceAuto:
		source = sourceJSON
		if cfg.LedgerMirror != "" {
			if _, err := os.Stat(cfg.LedgerMirror); err == nil {
				source = sourceSQLite
			}
		}
	case sourceJSON, sourceSQLite:
	default:
		return nil, "", fmt.Errorf("--source %q: want auto|json|sqlite: %w", source, contract.ErrInvalidInput)
	}
	if source == sourceSQLite {
		if cfg.LedgerMirror == "" {
			return nil, source, fmt.Errorf("ledger_mirror not configured: %w", contract.ErrInvalidInput)
		}
		m, err := ledger.OpenMirror(cfg.LedgerMirror)
		if err != nil {
			return nil, source, err
		}
		defer m.Close()
		sums, err := m.SumByClass(ctx)
		return sums, source, err
	}
	acct, err := ledger.Open(cfg.Ledger, ledger.DefaultPricing().Merge(cfg.Pricing), nil)
	if err != nil {
		return nil, source, err
	}
	return ledger.SumEntries(acct.Entries()), source, nil
}

func newInitConfigCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write a template config and .env (existing files are kept)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asYAML := false
			switch format {
			case "json":
			case "yaml", "yml":
				asYAML = true
			default:
				return configErr(fmt.Errorf("--format %q: want json|yaml", format))
			}
			b, err := cfgpkg.MarshalTemplate(cfgpkg.DefaultTemplateConfig(), asYAML)
			if err != nil {
				return configErr(err)
			}
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "-" {
				_, err = cmd.OutOrStdout().Write(append(b, '\n'))
				return err
			}
			name := "config.json"
			if asYAML {
				name = "config.yaml"
			}
			cfgPath := filepath.Join(dir, name)
			if err := writeNew(cfgPath, b); err != nil {
				return configErr(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
			envPath := filepath.Join(dir, ".env")
			switch err := writeNew(envPath, []byte(dotEnvTemplate())); {
			case err == nil:
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", envPath)
			case os.IsExist(err):
			default:
				fmt.Fprintf(cmd.ErrOrStderr(), "skip .env: %v\n", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "json|yaml")
	return cmd
}
