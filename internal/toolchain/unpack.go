package toolchain

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
)

// Unpack 把样本（zip 格式）解压到 destDir，返回解压目录
func Unpack(archivePath, destDir string) (string, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrInvalidArchive, filepath.Base(archivePath), err)
	}
	defer reader.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create unpack directory: %w", err)
	}

	root, err := filepath.Abs(destDir)
	if err != nil {
		return "", err
	}

	for _, file := range reader.File {
		if err := extractEntry(file, root); err != nil {
			return "", err
		}
	}

	return destDir, nil
}

// extractEntry 解压单个条目，拒绝逃逸出目标目录的路径
func extractEntry(file *zip.File, root string) error {
	target := filepath.Join(root, filepath.FromSlash(file.Name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return fmt.Errorf("%w: illegal entry path %q", domain.ErrInvalidArchive, file.Name)
	}

	if file.FileInfo().IsDir() || strings.HasSuffix(file.Name, "/") {
		return os.MkdirAll(target, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrInvalidArchive, file.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrInvalidArchive, file.Name, err)
	}
	return nil
}

// CodeUnits 解压目录顶层的 .dex 文件（排序）
func CodeUnits(unpackDir string) ([]string, error) {
	units, err := filepath.Glob(filepath.Join(unpackDir, "*.dex"))
	if err != nil {
		return nil, err
	}
	sort.Strings(units)
	return units, nil
}

// ZipUnpacker 基于 zip 的解包器
type ZipUnpacker struct{}

func (ZipUnpacker) Unpack(archivePath, destDir string) (string, error) {
	return Unpack(archivePath, destDir)
}

func (ZipUnpacker) CodeUnits(unpackDir string) ([]string, error) {
	return CodeUnits(unpackDir)
}
