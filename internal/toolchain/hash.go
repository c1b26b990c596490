package toolchain

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/glaslos/ssdeep"
)

// HashContent 同时计算 SHA256 和 MD5（大写十六进制）
func HashContent(r io.Reader) (primary, secondary string, err error) {
	md5Hash := md5.New()
	sha256Hash := sha256.New()
	multiWriter := io.MultiWriter(md5Hash, sha256Hash)

	if _, err := io.Copy(multiWriter, r); err != nil {
		return "", "", err
	}

	return strings.ToUpper(fmt.Sprintf("%x", sha256Hash.Sum(nil))),
		strings.ToUpper(fmt.Sprintf("%x", md5Hash.Sum(nil))), nil
}

// HashFile 计算文件哈希
func HashFile(path string) (primary, secondary string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer file.Close()
	return HashContent(file)
}

// FuzzyHash ssdeep 摘要，失败（包括文件过小）时返回 N/A
func FuzzyHash(path string) string {
	digest, err := ssdeep.FuzzyFilename(path)
	if err != nil || digest == "" {
		return domain.NotAvailable
	}
	return digest
}

// Hasher 默认的哈希实现
type Hasher struct{}

// Hash 计算样本的主、次哈希和模糊摘要
func (Hasher) Hash(path string) (primary, secondary, fuzzy string, err error) {
	primary, secondary, err = HashFile(path)
	if err != nil {
		return "", "", domain.NotAvailable, err
	}
	return primary, secondary, FuzzyHash(path), nil
}
