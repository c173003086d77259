package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/iabetor/oratio/internal/config"
	"github.com/iabetor/oratio/internal/logger"
	"github.com/iabetor/oratio/internal/service"
)

const defaultConfigPath = "configs/oratio.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "配置文件路径")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Quiet:      args[0] != "serve",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听系统信号，优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("[main] 收到信号 %v，正在关闭...", sig)
		cancel()
	}()

	svc, err := service.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化服务失败: %v\n", err)
		os.Exit(1)
	}

	err = run(ctx, cfg, svc, args[0], args[1:])
	svc.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		logger.Sync()
		os.Exit(1)
	}
}

// loadConfig 读取配置文件；使用默认路径且文件不存在时退回默认配置。
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg *config.Config, svc *service.Service, cmd string, args []string) error {
	switch cmd {
	case "serve":
		return cmdServe(ctx, cfg, svc)
	case "synth":
		return cmdSynth(ctx, svc, args)
	case "jobs":
		return cmdJobs(svc, args)
	case "history":
		return cmdHistory(svc, args)
	case "voices":
		return cmdVoices(svc)
	case "models":
		return cmdModels(svc)
	case "cleanup":
		return cmdCleanup(svc)
	case "export":
		return cmdExport(svc, args)
	case "stats":
		return cmdStats(svc, args)
	case "health":
		return printJSON(svc.Health())
	default:
		printUsage()
		return fmt.Errorf("未知命令: %s", cmd)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Oratio 语音合成任务服务")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "用法: oratio [-config <path>] <command> [args]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "命令:")
	fmt.Fprintln(os.Stderr, "  serve                         启动工作池、定时清理、模型监听与 NATS worker")
	fmt.Fprintln(os.Stderr, "  synth [flags] <文本>           同步合成一段文本（-play 直接播放）")
	fmt.Fprintln(os.Stderr, "  jobs list|get|delete          查看或删除任务")
	fmt.Fprintln(os.Stderr, "  history list|delete           查看或删除历史记录")
	fmt.Fprintln(os.Stderr, "  voices                        列出音色预设")
	fmt.Fprintln(os.Stderr, "  models                        查看本地模型状态")
	fmt.Fprintln(os.Stderr, "  cleanup                       执行一次保留策略清理")
	fmt.Fprintln(os.Stderr, "  export -o <file> <任务ID...>   将音频打包为 zip")
	fmt.Fprintln(os.Stderr, "  stats [-days n]               查看合成统计（需配置 database.path）")
	fmt.Fprintln(os.Stderr, "  health                        输出服务状态")
}
