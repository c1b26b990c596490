package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoggerName 任务日志中的记录器名称
const LoggerName = "drebin"

func InitLogger(cfg *LogConfig) *logrus.Logger {
	logger := logrus.New()

	// 设置日志级别
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// 启用调用者信息（文件名和行号）
	logger.SetReportCaller(true)

	prettyfier := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  "2006-01-02 15:04:05",
			CallerPrettyfier: prettyfier,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  "2006/01/02 15:04:05",
			CallerPrettyfier: prettyfier,
		})
	}

	logger.SetOutput(os.Stdout)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err == nil {
			if f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
				logger.SetOutput(io.MultiWriter(os.Stdout, f))
			} else {
				logger.WithError(err).Warn("Failed to open log file, falling back to stdout")
			}
		}
	}

	return logger
}

// LineFormatter 任务日志格式：时间 - 名称 - 级别 - 消息 k=v
// 级别使用大写名称（ERROR、WARNING），供异常检测匹配
type LineFormatter struct {
	Name string
}

// LevelName 返回日志级别在任务日志中的名称
func LevelName(level logrus.Level) string {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return "CRITICAL"
	case logrus.ErrorLevel:
		return "ERROR"
	case logrus.WarnLevel:
		return "WARNING"
	case logrus.InfoLevel:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// Format 实现 logrus.Formatter
func (f *LineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	name := f.Name
	if name == "" {
		name = LoggerName
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s - %s - %s - %s",
		entry.Time.Format("2006-01-02 15:04:05"), name, LevelName(entry.Level), entry.Message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
		}
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// TaskLogger 单个样本任务的日志句柄，任务结束时关闭
type TaskLogger struct {
	*logrus.Logger
	path string
	file *os.File
}

// TaskLogPath 返回样本日志文件路径（空格和斜杠替换为下划线）
func TaskLogPath(logDir, sampleName string) string {
	name := strings.NewReplacer(" ", "_", "/", "_").Replace(sampleName)
	return filepath.Join(logDir, name+".log")
}

// NewTaskLogger 创建写入 <logDir>/<sampleName>.log 的任务日志
func NewTaskLogger(logDir, sampleName string, console bool) (*TaskLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	path := TaskLogPath(logDir, sampleName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open task log: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&LineFormatter{Name: LoggerName})
	if console {
		logger.SetOutput(io.MultiWriter(file, os.Stdout))
	} else {
		logger.SetOutput(file)
	}

	tl := &TaskLogger{Logger: logger, path: path, file: file}
	tl.WithField("log_file", path).Info("Logger initialized")
	return tl, nil
}

// NewDiscardTaskLogger 不落盘的任务日志（测试和单次运行时使用）
func NewDiscardTaskLogger() *TaskLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &TaskLogger{Logger: logger}
}

func (l *TaskLogger) Path() string {
	return l.path
}

// Close 关闭日志文件
func (l *TaskLogger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.Logger.SetOutput(io.Discard)
	return err
}
