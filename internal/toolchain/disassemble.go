package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
)

// Baksmali 通过 java -jar baksmali.jar disassemble 反汇编 dex
type Baksmali struct {
	javaPath string
	jarPath  string
	heap     string
}

// NewBaksmali 创建反汇编器
func NewBaksmali(javaPath, jarPath, heap string) *Baksmali {
	if javaPath == "" {
		javaPath = "java"
	}
	if heap == "" {
		heap = "256M"
	}
	return &Baksmali{javaPath: javaPath, jarPath: jarPath, heap: heap}
}

// Check 检查 java 和 baksmali.jar 是否可用
func (b *Baksmali) Check() error {
	if _, err := exec.LookPath(b.javaPath); err != nil {
		return fmt.Errorf("%w: java not found: %v", domain.ErrDisassemble, err)
	}
	if _, err := os.Stat(b.jarPath); err != nil {
		return fmt.Errorf("%w: baksmali not found at %s", domain.ErrDisassemble, b.jarPath)
	}
	return nil
}

// Disassemble 把 codeUnitPath 反汇编到 destDir，返回 smali 目录
func (b *Baksmali) Disassemble(ctx context.Context, codeUnitPath, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDisassemble, err)
	}

	cmd := exec.CommandContext(ctx, b.javaPath,
		"-Xmx"+b.heap, "-jar", b.jarPath,
		"disassemble", "-o", destDir, codeUnitPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%w: %s", domain.ErrDisassemble, msg)
	}

	return destDir, nil
}
