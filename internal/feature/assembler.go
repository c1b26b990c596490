package feature

import (
	"strings"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
)

// KeySeparator 类别与值之间的分隔符
const KeySeparator = "::"

// encodedCategories 参与编码的类别及输出顺序
var encodedCategories = []domain.Category{
	domain.CategoryPermission,
	domain.CategoryAPIPermission,
	domain.CategoryAPICall,
	domain.CategoryFeature,
	domain.CategoryIntent,
	domain.CategoryActivity,
	domain.CategoryServiceOrReceiver,
	domain.CategoryBehavioralPattern,
	domain.CategoryURLOrIP,
	domain.CategoryNetworkReference,
	domain.CategoryProvider,
	domain.CategoryAdNetwork,
}

// EncodedCategories 参与编码的类别
func EncodedCategories() []domain.Category {
	out := make([]domain.Category, len(encodedCategories))
	copy(out, encodedCategories)
	return out
}

// Key 构造特征键 category::value，"." 替换为 "_"
func Key(c domain.Category, value string) string {
	return strings.ReplaceAll(c.Key()+KeySeparator+strings.TrimSpace(value), ".", "_")
}

// Assemble 把原始报告编码为特征向量，相同输入总是得到相同的键序列
func Assemble(r *domain.RawReport) *domain.FeatureVector {
	v := domain.NewFeatureVector()
	v.SHA256 = r.SHA256
	v.MD5 = r.MD5
	v.SSDeep = r.SSDeep
	v.PackageName = r.PackageName
	v.SDKVersion = r.SDKVersion
	v.APKName = r.APKName

	for _, c := range encodedCategories {
		for _, value := range r.Values(c) {
			value, ok := encodeValue(c, value)
			if !ok {
				continue
			}
			v.Set(Key(c, value))
		}
	}
	return v
}

// encodeValue 类别特定的值处理
// 行为模式中 HttpPost 只保留第一个空格前的部分，其余同时含 "(" 和 ";" 的标签不编码
func encodeValue(c domain.Category, value string) (string, bool) {
	if c == domain.CategoryBehavioralPattern {
		switch {
		case strings.Contains(value, "HttpPost"):
			value = strings.SplitN(value, " ", 2)[0]
		case strings.Contains(value, "(") && strings.Contains(value, ";"):
			return "", false
		}
	}
	if strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}
