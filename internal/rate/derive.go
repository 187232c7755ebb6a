package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
)

// DeriveKey 从客户端标识与其原样 Options JSON 中提取 API Key，
// 返回 client+sha256(key) 形式的分组键，使共用同一账号的 provider 共享限额。
// 识别 "api_key" 与 "api_key_env"；mock/flaky 无 key 时使用固定调试键。
func DeriveKey(client string, raw json.RawMessage) (LimitKey, error) {
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)
	pick := func(k string) string {
		if s, ok := obj[k].(string); ok {
			return s
		}
		return ""
	}
	key := pick("api_key")
	if key == "" {
		if env := pick("api_key_env"); env != "" {
			key = os.Getenv(env)
		}
	}
	if key == "" {
		switch client {
		case "mock", "flaky":
			key = "MOCK_DEBUG_KEY"
		default:
			return "", fmt.Errorf("rate: missing api key for client %s", client)
		}
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:8])), nil
}
