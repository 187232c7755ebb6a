// Command chatbatch 批量处理对话转录：按作业类别分波调用 LLM，合并结果并记账。
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cfgpkg "chatbatch/internal/config"
)

// 退出码：0 成功；1 运行失败；2 运行完成但有失败单元；3 配置错误。
const (
	exitOK      = 0
	exitRun     = 1
	exitPartial = 2
	exitConfig  = 3
)

// exitError 携带退出码；由 run 统一映射。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error { return &exitError{code: exitConfig, err: err} }
func runErr(err error) error    { return &exitError{code: exitRun, err: err} }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")

	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "chatbatch: %v\n", ee.err)
		}
		return ee.code
	}
	// cobra 自身的参数错误
	fmt.Fprintf(stderr, "chatbatch: %v\n", err)
	return exitConfig
}

// globalFlags 为所有子命令共享的参数。
type globalFlags struct {
	config   string
	logLevel string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "chatbatch",
		Short:         "Batch LLM processing over conversation transcripts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&g.config, "config", "", "config file (JSON or YAML); defaults to ./config.json or ./config.yaml")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug|info|warn|error")

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newStatusCmd(g))
	root.AddCommand(newLedgerCmd(g))
	root.AddCommand(newInitConfigCmd())
	return root
}

// loadConfig 按 Defaults → 文件/CONFIG_JSON → ENV → CLI 的顺序合并；CLI 部分由调用方追加。
func loadConfig(g *globalFlags) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()
	path := g.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		for _, p := range []string{"config.json", "config.yaml", "config.yml"} {
			if st, err := os.Stat(p); err == nil && !st.IsDir() {
				path = p
				break
			}
		}
	}
	switch {
	case path != "":
		fc, err := cfgpkg.LoadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = cfgpkg.Merge(cfg, fc)
	case os.Getenv(cfgpkg.EnvPrefix+"CONFIG_JSON") != "":
		jc, err := cfgpkg.LoadJSON([]byte(os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON")))
		if err != nil {
			return cfg, err
		}
		cfg = cfgpkg.Merge(cfg, jc)
	}
	over, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, err
	}
	cfg = cfgpkg.Merge(cfg, over)
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return cfg, nil
}

func newCorrID() string { return uuid.NewString() }

// writeNew 写入新文件；已存在时返回 os.ErrExist。
func writeNew(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return err
	}
	if !strings.HasSuffix(string(b), "\n") {
		_, err = f.Write([]byte("\n"))
	}
	return err
}
