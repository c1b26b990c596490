package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/apk-analysis/drebin-feature-go/internal/utils"
)

// FeatureVector 稀疏二值特征向量
// 出现的特征键值恒为 1，未出现的特征不写入
type FeatureVector struct {
	SHA256      string
	MD5         string
	SSDeep      string
	PackageName string
	SDKVersion  string
	APKName     string

	keys []string
	set  map[string]struct{}
}

// NewFeatureVector 创建空向量
func NewFeatureVector() *FeatureVector {
	return &FeatureVector{set: make(map[string]struct{})}
}

// Set 写入特征键，重复键忽略
func (v *FeatureVector) Set(key string) bool {
	if v.set == nil {
		v.set = make(map[string]struct{})
	}
	if _, ok := v.set[key]; ok {
		return false
	}
	v.set[key] = struct{}{}
	v.keys = append(v.keys, key)
	return true
}

// Has 判断特征是否存在
func (v *FeatureVector) Has(key string) bool {
	_, ok := v.set[key]
	return ok
}

// Keys 返回有序特征键
func (v *FeatureVector) Keys() []string {
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

func (v *FeatureVector) Len() int {
	return len(v.keys)
}

var scalarFields = []string{"sha256", "md5", "ssdeep", "package_name", "sdk_version", "apk_name"}

func (v *FeatureVector) scalars() []string {
	return []string{v.SHA256, v.MD5, v.SSDeep, v.PackageName, v.SDKVersion, v.APKName}
}

// MarshalJSON 先输出标量字段，再按插入顺序输出特征键
func (v *FeatureVector) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{\n")

	write := func(first bool, key string, value []byte) error {
		if !first {
			buf.WriteString(",\n")
		}
		k, err := utils.MarshalJSON(key, "")
		if err != nil {
			return err
		}
		buf.WriteString("    ")
		buf.Write(k)
		buf.WriteString(": ")
		buf.Write(value)
		return nil
	}

	first := true
	for i, name := range scalarFields {
		val, err := utils.MarshalJSON(v.scalars()[i], "")
		if err != nil {
			return nil, err
		}
		if err := write(first, name, val); err != nil {
			return nil, err
		}
		first = false
	}
	for _, key := range v.keys {
		if err := write(first, key, []byte("1")); err != nil {
			return nil, err
		}
	}

	buf.WriteString("\n}")
	return buf.Bytes(), nil
}

// UnmarshalJSON 从持久化报告恢复向量，保留文件中的键顺序
func (v *FeatureVector) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("feature vector: expected object")
	}

	*v = FeatureVector{set: make(map[string]struct{})}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("feature vector: unexpected token %v", tok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}

		if dst := v.scalarField(key); dst != nil {
			if err := json.Unmarshal(raw, dst); err != nil {
				return fmt.Errorf("feature vector: field %s: %w", key, err)
			}
			continue
		}
		v.Set(key)
	}

	_, err = dec.Token()
	return err
}

func (v *FeatureVector) scalarField(key string) *string {
	switch key {
	case "sha256":
		return &v.SHA256
	case "md5":
		return &v.MD5
	case "ssdeep":
		return &v.SSDeep
	case "package_name":
		return &v.PackageName
	case "sdk_version":
		return &v.SDKVersion
	case "apk_name":
		return &v.APKName
	}
	return nil
}
