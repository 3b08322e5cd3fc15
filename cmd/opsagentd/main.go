package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jessevdk/go-flags"

	"OpenOps-Agent/internal/api"
	"OpenOps-Agent/internal/auth"
	"OpenOps-Agent/internal/config"
	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/observability/metrics"
	"OpenOps-Agent/internal/orchestrator"
	"OpenOps-Agent/pkg/logger"
)

// Options 是 opsagentd 的命令行参数，由 go-flags 解析。
type Options struct {
	Config   string `short:"c" long:"config" env:"OPENOPS_CONFIG" description:"YAML/JSON 配置文件路径"`
	Listen   string `short:"l" long:"listen" description:"覆盖 server.address"`
	LogLevel string `long:"log-level" description:"覆盖 logging.level (debug|info|warn|error)"`
	Check    bool   `long:"check" description:"只校验配置后退出"`
	Exec     string `short:"e" long:"exec" description:"同步执行一条指令，打印结果后退出"`
}

// main 是 OpenOps Agent 守护进程的入口。
func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			return
		}
		log.Fatalf("参数解析失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("opsagentd 运行失败: %v", err)
	}
}

func loadConfig(opts Options) (*config.Config, error) {
	path := opts.Config
	if path == "" {
		path = filepath.Join("configs", "opsagent.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalConfiguration, err, "加载配置失败")
	}
	if opts.Listen != "" {
		cfg.Server.Address = opts.Listen
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalConfiguration, err, "配置校验失败")
	}
	return cfg, nil
}

func run(ctx context.Context, opts Options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if opts.Check {
		fmt.Println("configuration OK")
		return nil
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	appLog := logger.Named("opsagentd")

	var m *metrics.Metrics
	comp := orchestrator.Components{}
	if cfg.Metrics.Enabled {
		m = metrics.New(true)
		comp.AgentMetrics = m
		comp.TaskMetrics = m
	}

	engine, err := orchestrator.Build(ctx, cfg, comp)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			appLog.Error("关闭引擎失败", slog.Any("error", err))
		}
	}()

	if opts.Exec != "" {
		return execOnce(ctx, engine, opts.Exec)
	}

	go func() {
		if err := engine.Gate.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			appLog.Error("审批回流监听退出", slog.Any("error", err))
		}
	}()

	taskService, processor, err := buildTaskPipeline(ctx, cfg, engine)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskService.Close(); err != nil {
			appLog.Error("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			appLog.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	authSvc, err := buildAuth(cfg.Auth)
	if err != nil {
		return err
	}
	appLog.Info("api 认证模式", slog.String("mode", string(authSvc.Mode())))

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Runner:      engine.Orchestrator,
		AuditLog:    engine.AuditLog,
		Tasks:       taskService,
		Approvals:   engine.Gate,
		Tools:       engine.Registry,
		Metrics:     m,
		MetricsPath: cfg.Metrics.Path,
		Auth:        authSvc,
	})
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// execOnce 执行一条指令并把结果与日志摘要打印到标准输出。
func execOnce(ctx context.Context, engine *orchestrator.Engine, command string) error {
	go func() { _ = engine.Gate.Listen(ctx) }()
	res, err := engine.Orchestrator.RunTask(ctx, command, nil)
	if res != nil {
		fmt.Println(res.Output)
		fmt.Fprintf(os.Stderr, "task %s: %s after %d iterations, %d log entries\n",
			res.TaskID, res.Status, res.Iterations, len(res.Log))
	}
	return err
}

func buildAuth(cfg config.AuthConfig) (*auth.Service, error) {
	tokens := make([]auth.StaticToken, 0, len(cfg.Tokens))
	for _, tok := range cfg.Tokens {
		tokens = append(tokens, auth.StaticToken{
			Name:        tok.Name,
			Token:       tok.Token,
			Permissions: tok.Permissions,
			Disabled:    tok.Disabled,
		})
	}
	svc, err := auth.NewService(auth.Config{
		Mode:   auth.Mode(cfg.Mode),
		Tokens: tokens,
		JWT: auth.JWTOptions{
			Secret:   cfg.JWT.Secret,
			Issuer:   cfg.JWT.Issuer,
			Audience: cfg.JWT.Audience,
		},
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalConfiguration, err, "初始化认证失败")
	}
	return svc, nil
}
