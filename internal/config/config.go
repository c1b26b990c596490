package config

import (
	"errors"
	"os"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultConcurrency 无法识别物理核数时的并发数
const DefaultConcurrency = 4

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Report   ReportConfig   `mapstructure:"report"`
	Anomaly  AnomalyConfig  `mapstructure:"anomaly"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
	// APIToken 为空时接口不做认证
	APIToken string `mapstructure:"api_token"`
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Type     string `mapstructure:"type"` // mysql, sqlite
	Path     string `mapstructure:"path"` // sqlite 文件路径
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
}

type RabbitMQConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// ArchiveConfig 报告归档（MinIO）配置
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

// ToolsConfig 外部工具配置
type ToolsConfig struct {
	AaptPath     string `mapstructure:"aapt_path"`
	BaksmaliPath string `mapstructure:"baksmali_path"`
	JavaPath     string `mapstructure:"java_path"`
	JavaHeap     string `mapstructure:"java_heap"` // 如 256M
}

// PathsConfig 目录配置
type PathsConfig struct {
	ReportDir    string `mapstructure:"report_dir"`
	WorkingDir   string `mapstructure:"working_dir"`
	LogDir       string `mapstructure:"log_dir"`
	InboxDir     string `mapstructure:"inbox_dir"`      // watch 模式监听的目录
	APICallsFile string `mapstructure:"api_calls_file"` // 为空时使用内置表
	AdsFile      string `mapstructure:"ads_file"`       // 为空时使用内置表
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量，0 表示物理核数
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

// ReportConfig 报告持久化配置
type ReportConfig struct {
	Overwrite bool `mapstructure:"overwrite"`
	WriteRaw  bool `mapstructure:"write_raw"` // 同时保存未编码的原始报告
}

// AnomalyConfig 异常检测配置
type AnomalyConfig struct {
	WarningsCount       bool `mapstructure:"warnings_count"`
	MissingLogIsAnomaly bool `mapstructure:"missing_log_is_anomaly"`
	Parallelism         int  `mapstructure:"parallelism"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`   // debug, info, warn, error
	Format  string `mapstructure:"format"`  // json, text
	Console bool   `mapstructure:"console"` // 任务日志是否同时输出到控制台
	File    string `mapstructure:"file"`    // 进程日志文件，为空时只输出到标准输出
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./data/drebin.db")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "")
	v.SetDefault("rabbitmq.queue", "drebin_samples")
	v.SetDefault("archive.bucket", "drebin-reports")
	v.SetDefault("tools.aapt_path", "aapt")
	v.SetDefault("tools.baksmali_path", "baksmali.jar")
	v.SetDefault("tools.java_path", "java")
	v.SetDefault("tools.java_heap", "256M")
	v.SetDefault("paths.report_dir", "reports")
	v.SetDefault("paths.working_dir", "working")
	v.SetDefault("paths.log_dir", "logs")
	v.SetDefault("paths.inbox_dir", "inbound_apks")
	v.SetDefault("worker.concurrency", 0)
	v.SetDefault("worker.queue_size", 100)
	v.SetDefault("report.overwrite", false)
	v.SetDefault("report.write_raw", false)
	v.SetDefault("anomaly.warnings_count", true)
	v.SetDefault("anomaly.missing_log_is_anomaly", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.console", false)
}

// Load 加载配置：默认值 < 配置文件 < 环境变量 < 命令行参数
// path 为空时不读取配置文件
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvPrefix("DREBIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 兼容旧的环境变量名
	v.BindEnv("tools.aapt_path", "DREBIN_TOOLS_AAPT_PATH", "AAPT_PATH")
	v.BindEnv("tools.baksmali_path", "DREBIN_TOOLS_BAKSMALI_PATH", "BAKSMALI_PATH")
	v.BindEnv("log.console", "DREBIN_LOG_CONSOLE", "CONSOLE_LOGGING")
	v.BindEnv("server.api_token", "DREBIN_SERVER_API_TOKEN", "API_TOKEN")

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "DREBIN_RABBITMQ_HOST", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.user", "DREBIN_RABBITMQ_USER", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "DREBIN_RABBITMQ_PASSWORD", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "DREBIN_DATABASE_HOST", "MYSQL_HOST")
	v.BindEnv("database.user", "DREBIN_DATABASE_USER", "MYSQL_USER")
	v.BindEnv("database.password", "DREBIN_DATABASE_PASSWORD", "MYSQL_PASS")
	v.BindEnv("database.db_name", "DREBIN_DATABASE_DB_NAME", "MYSQL_DB")

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = PhysicalCores()
	}

	return &cfg, nil
}

// flagKeys 命令行参数到配置键的映射
var flagKeys = map[string]string{
	"report-dir":  "paths.report_dir",
	"working-dir": "paths.working_dir",
	"log-dir":     "paths.log_dir",
	"inbox":       "paths.inbox_dir",
	"workers":     "worker.concurrency",
	"overwrite":   "report.overwrite",
	"aapt":        "tools.aapt_path",
	"baksmali":    "tools.baksmali_path",
	"console-log": "log.console",
	"log-level":   "log.level",
	"port":        "server.port",
}

// bindFlags 绑定已定义的命令行参数，未定义的参数跳过
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// PhysicalCores 物理核数，识别失败时返回 DefaultConcurrency
func PhysicalCores() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return DefaultConcurrency
}
