package anomaly

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apk-analysis/drebin-feature-go/internal/config"
	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cleanLog   = "2026-01-02 10:00:00 - drebin - INFO - Logger initialized\n2026-01-02 10:00:01 - drebin - INFO - Finished feature extraction\n"
	warningLog = cleanLog + "2026-01-02 10:00:02 - drebin - WARNING - No intents found in the manifest\n"
	errorLog   = cleanLog + "2026-01-02 10:00:02 - drebin - ERROR - Failed to disassemble classes.dex\n"
)

func writeLog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newDetector(warnings, missing bool) (*Detector, *test.Hook) {
	logger, hook := test.NewNullLogger()
	return NewDetector(config.AnomalyConfig{
		WarningsCount:       warnings,
		MissingLogIsAnomaly: missing,
		Parallelism:         2,
	}, logger), hook
}

// TestClassify 测试日志行分类
func TestClassify(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "a.log", errorLog+"2026-01-02 10:00:03 - drebin - WARNING - Mismatch\n")

	d, _ := newDetector(true, false)
	lines, err := d.Classify(path)
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	d, _ = newDetector(false, false)
	lines, err = d.Classify(path)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], " - ERROR - ")
}

// TestClassifyIgnoresMessageText 测试消息正文中的 ERROR 字样不被误判
func TestClassifyIgnoresMessageText(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "a.log", "2026-01-02 10:00:00 - drebin - INFO - aapt printed ERROR getting 'android:icon'\n")

	d, _ := newDetector(true, false)
	lines, err := d.Classify(path)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

// TestDetect 测试异常检测结果与输入顺序一致
func TestDetect(t *testing.T) {
	dir := t.TempDir()
	entries := []Entry{
		{SampleID: "clean.apk", LogPath: writeLog(t, dir, "clean.log", cleanLog)},
		{SampleID: "warn.apk", LogPath: writeLog(t, dir, "warn.log", warningLog)},
		{SampleID: "error.apk", LogPath: writeLog(t, dir, "error.log", errorLog)},
		{SampleID: "failed.apk", LogPath: writeLog(t, dir, "failed.log", cleanLog), Failed: true},
		{SampleID: "missing.apk", LogPath: filepath.Join(dir, "missing.log")},
	}

	d, hook := newDetector(true, false)
	records, err := d.Detect(context.Background(), entries)
	require.NoError(t, err)

	var ids []string
	for _, r := range records {
		ids = append(ids, r.SampleID)
	}
	assert.Equal(t, []string{"warn.apk", "error.apk", "failed.apk"}, ids)
	assert.Equal(t, ReasonLogMarkers, records[0].Reason)
	assert.Equal(t, ReasonTaskFailed, records[2].Reason)

	var missingWarned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "Log file not found") {
			missingWarned = true
		}
	}
	assert.True(t, missingWarned)
}

// TestDetectWarningsDisabled 测试关闭警告计数后只统计错误
func TestDetectWarningsDisabled(t *testing.T) {
	dir := t.TempDir()
	entries := []Entry{
		{SampleID: "warn.apk", LogPath: writeLog(t, dir, "warn.log", warningLog)},
		{SampleID: "error.apk", LogPath: writeLog(t, dir, "error.log", errorLog)},
	}

	d, _ := newDetector(false, false)
	records, err := d.Detect(context.Background(), entries)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "error.apk", records[0].SampleID)
}

// TestDetectMissingLogIsAnomaly 测试缺失日志可配置为异常
func TestDetectMissingLogIsAnomaly(t *testing.T) {
	d, _ := newDetector(true, true)
	records, err := d.Detect(context.Background(), []Entry{
		{SampleID: "missing.apk", LogPath: filepath.Join(t.TempDir(), "missing.log")},
		{SampleID: "nolog.apk"},
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ReasonLogMissing, records[0].Reason)
}

// TestDetectUnreadableLog 测试日志无法读取视为异常
func TestDetectUnreadableLog(t *testing.T) {
	dir := t.TempDir()
	d, _ := newDetector(true, false)
	records, err := d.Detect(context.Background(), []Entry{{SampleID: "dir.apk", LogPath: dir}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ReasonLogUnreadable, records[0].Reason)
}

// TestDetectCancelled 测试取消时返回错误
func TestDetectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, _ := newDetector(true, false)
	_, err := d.Detect(ctx, []Entry{{SampleID: "a.apk"}})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestWriteManifest 测试异常清单追加写入
func TestWriteManifest(t *testing.T) {
	reportDir := filepath.Join(t.TempDir(), "reports")
	path := ManifestPath(reportDir, "/data/samples/batch1/")
	assert.Equal(t, filepath.Join(reportDir, "batch1_anomaly_apks.lst"), path)

	require.NoError(t, WriteManifest(path, nil))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, WriteManifest(path, []*domain.AnomalyRecord{{SampleID: "a.apk"}}))
	require.NoError(t, WriteManifest(path, []*domain.AnomalyRecord{{SampleID: "b.apk"}, {SampleID: "c.apk"}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a.apk\nb.apk\nc.apk\n", string(data))
}
