package main

import (
	"bufio"
	"os"
	"strings"

	cfgpkg "chatbatch/internal/config"
)

// loadDotEnv 读取 KEY=VALUE 行；支持 export 前缀与成对引号，已存在的 ENV 不覆盖。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := unquote(strings.TrimSpace(line[eq+1:]))
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

func unquote(val string) string {
	if len(val) < 2 {
		return val
	}
	q := val[0]
	if (q != '\'' && q != '"') || val[len(val)-1] != q {
		return val
	}
	val = val[1 : len(val)-1]
	if q == '"' {
		val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
	}
	return val
}

// dotEnvTemplate 列出支持的覆盖项与各供应商密钥变量。
func dotEnvTemplate() string {
	p := cfgpkg.EnvPrefix
	var b strings.Builder
	b.WriteString("# chatbatch .env（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n\n")

	b.WriteString("# 配置来源（二选一）\n")
	b.WriteString(p + "CONFIG_FILE=\n")
	b.WriteString(p + "CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数\n")
	for _, k := range []string{"INPUTS", "CHECKPOINT", "LEDGER", "LEDGER_MIRROR", "CHECKPOINT_GRANULARITY", "BYTES_PER_TOKEN", "ALLOW_UNPRICED", "LOG_LEVEL", "LOG_DIR"} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# 作业类别覆盖（summary）\n")
	for _, k := range []string{"PROVIDER", "MODEL", "MAX_WORKERS", "CHUNK_TOKENS", "MAX_RETRIES"} {
		b.WriteString(p + "CLASS__summary__" + k + "=\n")
	}
	for _, prov := range []string{"openai", "anthropic", "gemini"} {
		b.WriteString("\n# Provider 覆盖（" + prov + "）\n")
		for _, k := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ", "OPTIONS_JSON"} {
			b.WriteString(p + "PROVIDER__" + prov + "__" + k + "=\n")
		}
	}
	b.WriteString("\n# 供应商 API Key（由客户端直接读取，不带前缀）\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("ANTHROPIC_API_KEY=\n")
	b.WriteString("GOOGLE_API_KEY=\n")
	return b.String()
}
