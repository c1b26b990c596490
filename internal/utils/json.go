package utils

import (
	"bytes"
	"encoding/json"
)

// MarshalJSON 与 json.Marshal 相同，但不转义 <、>、&（api_calls 键中含 "->"）
// indent 非空时按该缩进格式化
func MarshalJSON(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
