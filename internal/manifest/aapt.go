package manifest

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// iconErrorMarker badging 输出中可忽略的图标错误
const iconErrorMarker = "ERROR getting 'android:icon'"

// Tool 清单工具，读取样本的 manifest、badging 和条目列表
type Tool interface {
	DumpManifest(ctx context.Context, samplePath string) (string, error)
	DumpBadging(ctx context.Context, samplePath string) (string, error)
	ListEntries(ctx context.Context, samplePath string) ([]string, error)
}

// Aapt 基于 aapt 命令行的清单工具
type Aapt struct {
	path   string
	logger logrus.FieldLogger
}

// NewAapt 创建 aapt 工具，path 为空时从 PATH 查找
func NewAapt(path string, logger logrus.FieldLogger) *Aapt {
	if path == "" {
		path = "aapt"
	}
	return &Aapt{path: path, logger: logger}
}

// Check 检查 aapt 是否可用
func (a *Aapt) Check() error {
	if _, err := exec.LookPath(a.path); err != nil {
		return fmt.Errorf("%w: aapt not found: %v", domain.ErrManifestTool, err)
	}
	return nil
}

// DumpManifest aapt d xmltree <apk> AndroidManifest.xml
func (a *Aapt) DumpManifest(ctx context.Context, samplePath string) (string, error) {
	stdout, stderr, err := a.run(ctx, "d", "xmltree", samplePath, "AndroidManifest.xml")
	if err != nil {
		return "", a.toolError("xmltree", stderr, err)
	}
	return stdout, nil
}

// DumpBadging aapt d badging <apk>，缺少图标的错误可忽略
func (a *Aapt) DumpBadging(ctx context.Context, samplePath string) (string, error) {
	stdout, stderr, err := a.run(ctx, "d", "badging", samplePath)
	if err != nil {
		if strings.Contains(stderr, iconErrorMarker) {
			a.logger.WithField("sample", samplePath).Debug("Ignoring aapt icon error")
			return stdout, nil
		}
		return "", a.toolError("badging", stderr, err)
	}
	return stdout, nil
}

// ListEntries aapt list <apk>
func (a *Aapt) ListEntries(ctx context.Context, samplePath string) ([]string, error) {
	stdout, stderr, err := a.run(ctx, "list", samplePath)
	if err != nil {
		return nil, a.toolError("list", stderr, err)
	}
	return ParseEntries(stdout), nil
}

func (a *Aapt) run(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, a.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (a *Aapt) toolError(op, stderr string, err error) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = err.Error()
	}
	return fmt.Errorf("%w: aapt %s: %s", domain.ErrManifestTool, op, msg)
}
