package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/apk-analysis/drebin-feature-go/internal/retry"
	"github.com/minio/minio-go/v7"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const sha = "9F86D081884C7D659A2FEAA0C55AD015A3BF4F1B2B0B822CD15D6C15B0F00A08"

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func vector(keys ...string) *domain.FeatureVector {
	v := domain.NewFeatureVector()
	v.SHA256 = sha
	v.MD5 = "098F6BCD4621D373CADE4E832627B4F6"
	v.SSDeep = domain.NotAvailable
	v.PackageName = "com.example"
	v.SDKVersion = "21"
	v.APKName = "sample"
	for _, k := range keys {
		v.Set(k)
	}
	return v
}

// TestPersistRoundTrip 测试持久化后读回内容一致
func TestPersistRoundTrip(t *testing.T) {
	s, err := NewReportStore(t.TempDir(), false)
	require.NoError(t, err)

	v := vector("app_permissions::INTERNET", "urls::http://evil_test/c2")
	path, written, err := s.Persist(v, nil, false, discardLogger())
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, filepath.Join(s.Dir(), "drebin-"+sha+".json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	expected, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, string(expected), string(data))

	loaded, err := s.Load(sha)
	require.NoError(t, err)
	assert.Equal(t, v.Keys(), loaded.Keys())
	assert.Equal(t, "21", loaded.SDKVersion)

	again, err := loaded.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

// TestPersistKeepsArrowUnescaped 测试报告文件中的 "->" 原样写出
func TestPersistKeepsArrowUnescaped(t *testing.T) {
	s, err := NewReportStore(t.TempDir(), true)
	require.NoError(t, err)

	const api = "Landroid/telephony/TelephonyManager;->getDeviceId"
	v := vector("api_calls::" + api)
	raw := domain.NewRawReport(&domain.Sample{SHA256: sha, Name: "sample"})
	raw.AddAPICall(api, "android.permission.READ_PHONE_STATE")

	path, written, err := s.Persist(v, raw, false, discardLogger())
	require.NoError(t, err)
	assert.True(t, written)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"api_calls::`+api+`": 1`)
	assert.NotContains(t, string(data), `\u003e`)

	rawData, err := os.ReadFile(s.RawPath(sha))
	require.NoError(t, err)
	assert.Contains(t, string(rawData), `"api": "`+api+`"`)
	assert.NotContains(t, string(rawData), `\u003e`)

	loaded, err := s.Load(sha)
	require.NoError(t, err)
	assert.True(t, loaded.Has("api_calls::"+api))
}

// TestPersistNoOverwrite 测试 overwrite=false 时保留第一次写入
func TestPersistNoOverwrite(t *testing.T) {
	s, err := NewReportStore(t.TempDir(), false)
	require.NoError(t, err)

	first := vector("features::a")
	path, _, err := s.Persist(first, nil, false, discardLogger())
	require.NoError(t, err)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	second := vector("features::b")
	path2, written, err := s.Persist(second, nil, false, discardLogger())
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, path, path2)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// TestPersistOverwriteIdempotent 测试 overwrite=true 时相同输入输出字节一致
func TestPersistOverwriteIdempotent(t *testing.T) {
	s, err := NewReportStore(t.TempDir(), true)
	require.NoError(t, err)

	raw := domain.NewRawReport(&domain.Sample{SHA256: sha, Name: "sample"})
	raw.Findings(domain.CategoryPermission).Add("INTERNET")

	v := vector("app_permissions::INTERNET")
	path, _, err := s.Persist(v, raw, true, discardLogger())
	require.NoError(t, err)
	a, _ := os.ReadFile(path)

	_, written, err := s.Persist(v, raw, true, discardLogger())
	require.NoError(t, err)
	assert.True(t, written)
	b, _ := os.ReadFile(path)
	assert.Equal(t, a, b)

	rawData, err := os.ReadFile(s.RawPath(sha))
	require.NoError(t, err)
	assert.Contains(t, string(rawData), `"app_permissions": [`)

	// 不残留临时文件
	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

// TestPersistWithoutHash 测试缺少哈希时返回持久化错误
func TestPersistWithoutHash(t *testing.T) {
	s, err := NewReportStore(t.TempDir(), false)
	require.NoError(t, err)
	_, _, err = s.Persist(domain.NewFeatureVector(), nil, false, discardLogger())
	assert.ErrorIs(t, err, domain.ErrPersist)
}

// TestLoadMissing 测试读取不存在的报告
func TestLoadMissing(t *testing.T) {
	s, err := NewReportStore(t.TempDir(), false)
	require.NoError(t, err)
	_, err = s.Load("ABC")
	assert.ErrorIs(t, err, ErrNotFound)
}

// MockUploader Mock 对象存储
type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	args := m.Called(ctx, bucketName, objectName, filePath, opts)
	return args.Get(0).(minio.UploadInfo), args.Error(1)
}

// TestArchiveSinkRetries 测试上传失败后重试
func TestArchiveSinkRetries(t *testing.T) {
	uploader := new(MockUploader)
	uploader.On("FPutObject", mock.Anything, "reports", "drebin/drebin-"+sha+".json", "/tmp/drebin-"+sha+".json", mock.Anything).
		Return(minio.UploadInfo{}, errors.New("connection reset")).Once()
	uploader.On("FPutObject", mock.Anything, "reports", "drebin/drebin-"+sha+".json", "/tmp/drebin-"+sha+".json", mock.Anything).
		Return(minio.UploadInfo{Key: "drebin/drebin-" + sha + ".json"}, nil).Once()

	sink := NewArchiveSinkWithClient(uploader, "reports", "drebin", discardLogger())
	p := retry.DefaultPolicy("archive upload", discardLogger())
	p.InitialInterval = time.Millisecond
	sink.SetPolicy(p)

	loc, err := sink.Archive(context.Background(), "/tmp/drebin-"+sha+".json")
	require.NoError(t, err)
	assert.Equal(t, "reports/drebin/drebin-"+sha+".json", loc)
	uploader.AssertExpectations(t)
}
