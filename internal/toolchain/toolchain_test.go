package toolchain

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

// TestUnpack 测试正常解压
func TestUnpack(t *testing.T) {
	dir := t.TempDir()
	apk := filepath.Join(dir, "sample.apk")
	writeZip(t, apk, map[string]string{
		"AndroidManifest.xml": "binary",
		"classes.dex":         "dex\n035",
		"classes2.dex":        "dex\n035",
		"res/raw/config.txt":  "http://example.test",
	})

	dest := filepath.Join(dir, "work", "unpack")
	out, err := Unpack(apk, dest)
	require.NoError(t, err)
	assert.Equal(t, dest, out)
	assert.FileExists(t, filepath.Join(dest, "res", "raw", "config.txt"))

	units, err := CodeUnits(dest)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dest, "classes.dex"),
		filepath.Join(dest, "classes2.dex"),
	}, units)
}

// TestUnpackInvalidArchive 测试非 zip 文件
func TestUnpackInvalidArchive(t *testing.T) {
	dir := t.TempDir()
	apk := filepath.Join(dir, "broken.apk")
	require.NoError(t, os.WriteFile(apk, []byte("not a zip"), 0644))

	_, err := Unpack(apk, filepath.Join(dir, "unpack"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArchive)
}

// TestUnpackRejectsTraversal 测试拒绝路径穿越条目
func TestUnpackRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	apk := filepath.Join(dir, "evil.apk")
	writeZip(t, apk, map[string]string{"../../escape.txt": "x"})

	_, err := Unpack(apk, filepath.Join(dir, "a", "b", "unpack"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArchive)
	assert.NoFileExists(t, filepath.Join(dir, "a", "escape.txt"))
}

// TestHashContent 测试哈希为大写十六进制
func TestHashContent(t *testing.T) {
	primary, secondary, err := HashContent(strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, "BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD", primary)
	assert.Equal(t, "900150983CD24FB0D6963F7D28E17F72", secondary)
}

// TestHasher 测试文件哈希和小文件的模糊摘要
func TestHasher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.apk")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	primary, secondary, fuzzy, err := Hasher{}.Hash(path)
	require.NoError(t, err)
	assert.Len(t, primary, 64)
	assert.Len(t, secondary, 32)
	assert.Equal(t, domain.NotAvailable, fuzzy)

	_, _, fuzzy, err = Hasher{}.Hash(filepath.Join(t.TempDir(), "missing.apk"))
	assert.Error(t, err)
	assert.Equal(t, domain.NotAvailable, fuzzy)
}

// TestBaksmaliMissingJava 测试 java 不可用时返回反汇编错误
func TestBaksmaliMissingJava(t *testing.T) {
	b := NewBaksmali("/nonexistent/java", "/nonexistent/baksmali.jar", "")
	assert.ErrorIs(t, b.Check(), domain.ErrDisassemble)

	_, err := b.Disassemble(context.Background(), "classes.dex", filepath.Join(t.TempDir(), "smali"))
	assert.ErrorIs(t, err, domain.ErrDisassemble)
}
