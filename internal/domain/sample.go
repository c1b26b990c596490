package domain

import (
	"path/filepath"
	"strings"
)

const (
	// NoLabel 包名或 SDK 版本缺失时的占位值
	NoLabel = "NO_LABEL"
	// NotAvailable 模糊哈希不可用时的占位值
	NotAvailable = "N/A"
	// ReportPrefix 报告文件名前缀
	ReportPrefix = "drebin-"
)

// Sample 待分析样本，哈希计算完成后只读
type Sample struct {
	Path     string // 样本文件路径
	FileName string // 原始文件名（含扩展名），写入异常清单时使用
	Name     string // 展示名（不含扩展名）
	SHA256   string // 主标识，大写十六进制
	MD5      string // 次哈希，大写十六进制
	SSDeep   string // 模糊哈希，失败时为 N/A
}

// NewSample 根据路径创建样本（哈希由调用方填充）
func NewSample(path string) *Sample {
	base := filepath.Base(path)
	return &Sample{
		Path:     path,
		FileName: base,
		Name:     strings.TrimSuffix(base, filepath.Ext(base)),
	}
}

// ID 返回样本标识，哈希未计算时退回展示名
func (s *Sample) ID() string {
	if s.SHA256 != "" {
		return s.SHA256
	}
	return s.Name
}
