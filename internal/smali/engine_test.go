package smali

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func newTestEngine(t *testing.T) *Engine {
	ads, err := LoadAdTable("")
	require.NoError(t, err)
	apis, err := LoadAPITable("")
	require.NoError(t, err)
	return NewEngine(nil, ads, apis)
}

// TestScan_URL 测试 URL 提取
func TestScan_URL(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "com/evil/C2.smali", `const-string v0, "http://evil.test/c2"`)

	res, err := newTestEngine(t).Scan(context.Background(), dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"http://evil.test/c2"}, res.URLs)
}

// TestScan_URLAndIPOnSameLine 测试同一行同时产生 URL 和 IP
func TestScan_URLAndIPOnSameLine(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.smali", strings.Join([]string{
		`const-string v0, "https://10.0.0.1:8080/x" `,
		`const-string v1, "192.168.1.20"`,
		`const-string v2, "https://10.0.0.1:8080/x"`,
	}, "\n"))

	res, err := newTestEngine(t).Scan(context.Background(), dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://10.0.0.1:8080/x", "10.0.0.1", "192.168.1.20"}, res.URLs)
}

// TestScan_MultipleURLsAndIPsOnLine 测试同一行的全部 URL 和 IP 都被提取
func TestScan_MultipleURLsAndIPsOnLine(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.smali", strings.Join([]string{
		`const-string v0, "http://a.test/x http://b.test/y 1.2.3.4 5.6.7.8"`,
		`const-string v1, "http://b.test/y 9.9.9.9 1.2.3.4"`,
	}, "\n"))

	res, err := newTestEngine(t).Scan(context.Background(), dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://a.test/x",
		"http://b.test/y",
		"1.2.3.4",
		"5.6.7.8",
		"9.9.9.9",
	}, res.URLs)
}

// TestScan_CatalogueDedup 测试行为标签跨文件去重且保持首次出现顺序
func TestScan_CatalogueDedup(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a/A.smali", "invoke-virtual {v0, v1}, Ljava/lang/Runtime;->exec(Ljava/lang/String;)Ljava/lang/Process;\n")
	writeFile(t, dir, "b/B.smali", "invoke-virtual {v0}, Landroid/telephony/TelephonyManager;->getDeviceId()Ljava/lang/String;\ninvoke-virtual {v0, v1}, Ljava/lang/Runtime;->exec(Ljava/lang/String;)Ljava/lang/Process;\n")

	res, err := newTestEngine(t).Scan(context.Background(), dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"Execution of external commands", "getDeviceId"}, res.Calls)
	assert.Equal(t, 2, res.FilesScanned)
}

// TestScan_CipherContext 测试 Cipher 标签取自前两行的字面量
func TestScan_CipherContext(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Crypto.smali", strings.Join([]string{
		`.method public encrypt()V`,
		`const-string v0, "AES/CBC/PKCS5Padding"`,
		`move-object v1, v0`,
		`invoke-static {v0}, Ljavax/crypto/Cipher;->getInstance(Ljava/lang/String;)Ljavax/crypto/Cipher;`,
	}, "\n"))
	// 前两行没有字面量时跳过
	writeFile(t, dir, "NoLiteral.smali", strings.Join([]string{
		`move-object v1, v0`,
		`move-object v2, v0`,
		`invoke-static {v0}, Ljavax/crypto/Cipher;->getInstance(Ljava/lang/String;)Ljavax/crypto/Cipher;`,
	}, "\n"))
	// 文件开头的命中没有上下文
	writeFile(t, dir, "Top.smali", `invoke-static {v0}, Ljavax/crypto/Cipher;->getInstance(Ljava/lang/String;)Ljavax/crypto/Cipher;`)

	res, err := newTestEngine(t).Scan(context.Background(), dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"Cipher(AES/CBC/PKCS5Padding)"}, res.Calls)
}

// TestScan_HttpPostInline 测试 HttpPost 标签由同一行内容组成
func TestScan_HttpPostInline(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Net.smali", strings.Join([]string{
		`new-instance v0, Lorg/apache/http/client/methods/HttpPost;`,
		`invoke-direct {v0, v1}, Lorg/apache/http/client/methods/HttpPost;-><init>(Ljava/lang/String;)V`,
		`new-instance v2, Lorg/apache/http/client/methods/HttpPost;`,
	}, "\n"))

	res, err := newTestEngine(t).Scan(context.Background(), dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"HttpPost new-instance", "HttpPost invoke-direct"}, res.Calls)
}

// TestScan_AdNetworks 测试广告网络按参考表顺序去重
func TestScan_AdNetworks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "com/mopub/mobileads/MoPubView.smali", ".class public Lcom/mopub/mobileads/MoPubView;")
	writeFile(t, dir, "com/google/ads/AdView.smali", ".class public Lcom/google/ads/AdView;")
	writeFile(t, dir, "com/google/android/gms/ads/AdRequest.smali", ".class public Lcom/google/android/gms/ads/AdRequest;")
	// 非 smali 文件不参与广告检测
	writeFile(t, dir, "com/tapjoy/readme.txt", "tapjoy")

	res, err := newTestEngine(t).Scan(context.Background(), dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"AdMob", "MoPub"}, res.AdNetworks)
}

// TestScan_APIPermissions 测试 API 权限映射
func TestScan_APIPermissions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "A.smali", "invoke-virtual {v0}, Landroid/telephony/TelephonyManager;->getDeviceId()Ljava/lang/String;\n")
	writeFile(t, dir, "B.smali", "invoke-virtual {v0}, Landroid/telephony/TelephonyManager;->getSubscriberId()Ljava/lang/String;\ninvoke-virtual {v0}, Landroid/telephony/TelephonyManager;->getDeviceId()Ljava/lang/String;\n")

	res, err := newTestEngine(t).Scan(context.Background(), dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"android.permission.READ_PHONE_STATE"}, res.APIPermissions)
	assert.Equal(t, []domain.APICall{
		{API: "Landroid/telephony/TelephonyManager;->getDeviceId", Permission: "android.permission.READ_PHONE_STATE"},
		{API: "Landroid/telephony/TelephonyManager;->getDeviceId", Permission: "android.permission.READ_PHONE_STATE"},
		{API: "Landroid/telephony/TelephonyManager;->getSubscriberId", Permission: "android.permission.READ_PHONE_STATE"},
	}, res.APICalls)
}

// TestScan_MissingDir 测试目录不存在时返回 ErrScanIO 和空结果
func TestScan_MissingDir(t *testing.T) {
	res, err := newTestEngine(t).Scan(context.Background(), filepath.Join(t.TempDir(), "absent"), testLogger())
	assert.ErrorIs(t, err, domain.ErrScanIO)
	require.NotNil(t, res)
	assert.Empty(t, res.Calls)
}

// TestScan_Cancelled 测试上下文取消时停止扫描
func TestScan_Cancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "A.smali", "Base64")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestEngine(t).Scan(ctx, dir, testLogger())
	assert.ErrorIs(t, err, context.Canceled)
}

// TestLoadTables 测试参考表加载
func TestLoadTables(t *testing.T) {
	ads, err := LoadAdTable("")
	require.NoError(t, err)
	assert.NotEmpty(t, ads)
	assert.Equal(t, AdEntry{Name: "AdMob", Path: "com/google/ads"}, ads[0])

	apis, err := LoadAPITable("")
	require.NoError(t, err)
	assert.NotEmpty(t, apis)

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("no-separator-here\n"), 0644))
	_, err = LoadAPITable(bad)
	assert.Error(t, err)

	custom := filepath.Join(dir, "ads.csv")
	require.NoError(t, os.WriteFile(custom, []byte("Foo;com/foo\nBar;com/bar\n"), 0644))
	ads, err = LoadAdTable(custom)
	require.NoError(t, err)
	assert.Equal(t, AdTable{{Name: "Foo", Path: "com/foo"}, {Name: "Bar", Path: "com/bar"}}, ads)

	_, err = LoadAdTable(filepath.Join(dir, "absent.csv"))
	assert.Error(t, err)
}
