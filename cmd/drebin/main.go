package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/apk-analysis/drebin-feature-go/internal/config"
	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码
const (
	exitOK        = 0
	exitFatal     = 1
	exitUsage     = 2
	exitCancelled = 130
)

type command struct {
	name  string
	usage string
	flags func(fs *pflag.FlagSet)
	run   func(ctx context.Context, a *app, fs *pflag.FlagSet) error
}

var commands = []command{
	{"run", "run [flags] <sample.apk>    提取单个样本的特征", nil, runSample},
	{"batch", "batch [flags] <sample_dir>  批量提取目录下的样本", batchFlags, runBatch},
	{"watch", "watch [flags]               监听收件目录，新样本到达时提取", watchFlags, runWatch},
	{"worker", "worker [flags]              从 RabbitMQ 消费样本", nil, runWorker},
	{"publish", "publish [flags] <sample_dir> 把目录下的样本发布到 RabbitMQ", batchFlags, runPublish},
	{"serve", "serve [flags]               启动报告查询 HTTP 服务", nil, runServe},
}

func usage() {
	fmt.Fprintf(os.Stderr, "Drebin feature extractor %s (build %s, commit %s)\n\n", Version, BuildTime, GitCommit)
	fmt.Fprintln(os.Stderr, "Usage: drebin <command> [flags]")
	fmt.Fprintln(os.Stderr, "\nCommands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %s\n", c.usage)
	}
	fmt.Fprintln(os.Stderr, "\nRun 'drebin <command> --help' for command flags.")
}

// commonFlags 所有命令共享的参数，名称与 config 中的 flagKeys 对应
func commonFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "配置文件路径 (yaml)")
	fs.String("report-dir", "", "报告输出目录")
	fs.String("working-dir", "", "临时工作目录")
	fs.String("log-dir", "", "任务日志目录")
	fs.Int("workers", 0, "并发 worker 数，0 表示物理核数")
	fs.Bool("overwrite", false, "覆盖已存在的报告")
	fs.String("aapt", "", "aapt 可执行文件路径")
	fs.String("baksmali", "", "baksmali.jar 路径")
	fs.Bool("console-log", false, "任务日志同时输出到控制台")
	fs.String("log-level", "", "日志级别 (debug, info, warn, error)")
	fs.Int("port", 0, "HTTP 端口 (serve, worker)")
}

func batchFlags(fs *pflag.FlagSet) {
	fs.String("apk-list", "", "样本列表文件，每行一个样本目录下的文件名")
}

func watchFlags(fs *pflag.FlagSet) {
	fs.String("inbox", "", "监听的收件目录")
	fs.Bool("scan-existing", false, "启动时处理目录中已有的样本")
}

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage()
		return exitUsage
	}
	if args[0] == "version" {
		fmt.Printf("Version: %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		return exitOK
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		return exitUsage
	}

	fs := pflag.NewFlagSet(cmd.name, pflag.ContinueOnError)
	commonFlags(fs)
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	configPath, _ := fs.GetString("config")
	cfg, err := config.Load(configPath, changedOnly(fs))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFatal
	}

	logger := config.InitLogger(&cfg.Log)
	logger.WithFields(logrus.Fields{
		"version": Version,
		"command": cmd.name,
	}).Info("Starting drebin feature extractor")

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Initialization failed")
		return exitFatal
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = cmd.run(ctx, a, fs)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, domain.ErrSchedulerCancelled) || errors.Is(err, context.Canceled):
		logger.Warn("Processing interrupted by user")
		return exitCancelled
	default:
		logger.WithError(err).Error("Command failed")
		return exitFatal
	}
}

// changedOnly 只把显式指定的参数交给 viper，未指定的参数不覆盖配置文件
func changedOnly(fs *pflag.FlagSet) *pflag.FlagSet {
	out := pflag.NewFlagSet(fs.Name(), pflag.ContinueOnError)
	fs.Visit(func(f *pflag.Flag) {
		out.AddFlag(f)
	})
	return out
}
