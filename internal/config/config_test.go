package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad_Defaults 测试无配置文件时的默认值
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "reports", cfg.Paths.ReportDir)
	assert.Equal(t, "working", cfg.Paths.WorkingDir)
	assert.True(t, cfg.Anomaly.WarningsCount)
	assert.False(t, cfg.Anomaly.MissingLogIsAnomaly)
	assert.False(t, cfg.Report.Overwrite)
	assert.Greater(t, cfg.Worker.Concurrency, 0)
	assert.Equal(t, "drebin_samples", cfg.RabbitMQ.Queue)
}

// TestLoad_FileAndEnv 测试配置文件和环境变量覆盖
func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
paths:
  report_dir: /data/reports
worker:
  concurrency: 3
anomaly:
  warnings_count: false
tools:
  aapt_path: /opt/aapt
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("BAKSMALI_PATH", "/opt/baksmali.jar")
	t.Setenv("DREBIN_PATHS_LOG_DIR", "/var/log/drebin")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/data/reports", cfg.Paths.ReportDir)
	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.False(t, cfg.Anomaly.WarningsCount)
	assert.Equal(t, "/opt/aapt", cfg.Tools.AaptPath)
	assert.Equal(t, "/opt/baksmali.jar", cfg.Tools.BaksmaliPath)
	assert.Equal(t, "/var/log/drebin", cfg.Paths.LogDir)
}

// TestLoad_Flags 测试命令行参数优先级最高
func TestLoad_Flags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("report-dir", "reports", "")
	flags.Int("workers", 0, "")
	flags.Bool("overwrite", false, "")
	require.NoError(t, flags.Parse([]string{"--report-dir=/tmp/out", "--workers=7", "--overwrite"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/out", cfg.Paths.ReportDir)
	assert.Equal(t, 7, cfg.Worker.Concurrency)
	assert.True(t, cfg.Report.Overwrite)
}

// TestLoad_MissingFile 测试配置文件不存在时退回默认值
func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, "logs", cfg.Paths.LogDir)
}

// TestPhysicalCores 测试物理核数不小于 1
func TestPhysicalCores(t *testing.T) {
	assert.GreaterOrEqual(t, PhysicalCores(), 1)
}

// TestTaskLogger 测试任务日志格式和级别标记
func TestTaskLogger(t *testing.T) {
	dir := t.TempDir()
	tl, err := NewTaskLogger(dir, "my app/v1", false)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "my_app_v1.log"), tl.Path())

	tl.WithField("sample", "x").Warn("No intents found in the manifest")
	tl.Error("Error disassembling dex file")
	tl.Debug("details")
	require.NoError(t, tl.Close())

	// 关闭后的写入被丢弃
	tl.Error("after close")

	data, err := os.ReadFile(tl.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)

	assert.Contains(t, lines[0], " - drebin - INFO - Logger initialized")
	assert.Contains(t, lines[1], " - WARNING - No intents found in the manifest sample=x")
	assert.Contains(t, lines[2], " - ERROR - Error disassembling dex file")
	assert.Contains(t, lines[3], " - DEBUG - details")
}

// TestLevelName 测试级别名称映射
func TestLevelName(t *testing.T) {
	assert.Equal(t, "WARNING", LevelName(logrus.WarnLevel))
	assert.Equal(t, "ERROR", LevelName(logrus.ErrorLevel))
	assert.Equal(t, "CRITICAL", LevelName(logrus.FatalLevel))
	assert.Equal(t, "DEBUG", LevelName(logrus.TraceLevel))
}

// TestInitLogger 测试进程日志初始化
func TestInitLogger(t *testing.T) {
	logger := InitLogger(&LogConfig{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger = InitLogger(&LogConfig{Level: "bogus"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
