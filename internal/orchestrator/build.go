package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"OpenOps-Agent/internal/agent"
	"OpenOps-Agent/internal/approval"
	"OpenOps-Agent/internal/auditlog"
	"OpenOps-Agent/internal/backend"
	"OpenOps-Agent/internal/config"
	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/llm"
	"OpenOps-Agent/internal/llm/gemini"
	"OpenOps-Agent/internal/llm/openai"
	"OpenOps-Agent/internal/schema"
	"OpenOps-Agent/internal/storage/sqldb"
	"OpenOps-Agent/internal/tool"
	"OpenOps-Agent/pkg/logger"
)

// Engine 持有按配置组装好的全部核心组件。
type Engine struct {
	Orchestrator *Orchestrator
	Agent        *agent.Agent
	Registry     *tool.Registry
	Gate         *approval.Gate
	AuditLog     *auditlog.Logger

	closers []func() error
}

// Components 允许调用方替换部分依赖，未设置的字段按配置创建。
type Components struct {
	Model           llm.Client
	Executor        agent.Executor
	ApprovalChannel approval.Channel
	AuditStore      auditlog.Store
	AgentMetrics    agent.Metrics
	TaskMetrics     Metrics
}

// Build 按配置创建 Engine。任何缺失或错误的配置都以 FATAL_CONFIGURATION 返回。
func Build(ctx context.Context, cfg *config.Config, comp Components) (*Engine, error) {
	if cfg == nil {
		return nil, xerrors.New(xerrors.CodeFatalConfiguration, "configuration is required")
	}
	log := logger.Named("orchestrator")
	eng := &Engine{}
	fail := func(err error) (*Engine, error) {
		_ = eng.Close()
		return nil, err
	}

	registry, err := buildRegistry(cfg.Tools)
	if err != nil {
		return fail(err)
	}
	eng.Registry = registry

	variant, err := schema.ParseVariant(cfg.LLM.Variant)
	if err != nil {
		return fail(err)
	}

	model := comp.Model
	if model == nil {
		model, err = buildModel(cfg.LLM)
		if err != nil {
			return fail(err)
		}
	}
	strategy, err := agent.NewStrategy(variant, model, agent.StrategyOptions{
		SystemPrompt: cfg.Agent.SystemPrompt,
		Temperature:  cfg.LLM.Temperature,
	})
	if err != nil {
		return fail(err)
	}

	executor := comp.Executor
	if executor == nil {
		executor, err = backend.NewClient(backend.Config{
			BaseURL: cfg.Backend.BaseURL,
			Token:   cfg.Backend.Token,
			Timeout: time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return fail(err)
		}
	}

	channel := comp.ApprovalChannel
	if channel == nil {
		channel, err = buildApprovalChannel(cfg.Approval)
		if err != nil {
			return fail(err)
		}
	}
	eng.Gate = approval.NewGate(channel, time.Duration(cfg.Approval.TTLMillis)*time.Millisecond)
	eng.closers = append(eng.closers, eng.Gate.Close)

	store := comp.AuditStore
	if store == nil {
		store, err = buildAuditStore(ctx, cfg.Storage.AuditLog)
		if err != nil {
			return fail(err)
		}
	}
	var auditOpts []auditlog.Option
	if cfg.Storage.ClickHouse.DSN != "" {
		sink, err := auditlog.NewClickHouseSink(ctx, auditlog.ClickHouseConfig{
			DSN:           cfg.Storage.ClickHouse.DSN,
			Table:         cfg.Storage.ClickHouse.Table,
			BatchSize:     cfg.Storage.ClickHouse.BatchSize,
			FlushInterval: time.Duration(cfg.Storage.ClickHouse.FlushIntervalSeconds) * time.Second,
		})
		if err != nil {
			_ = store.Close()
			return fail(err)
		}
		auditOpts = append(auditOpts, auditlog.WithSink(sink))
	}
	eng.AuditLog = auditlog.New(store, auditOpts...)
	eng.closers = append(eng.closers, eng.AuditLog.Close)

	eng.Agent, err = agent.New(strategy, registry, executor,
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithFormatRetries(cfg.Agent.FormatRetries),
		agent.WithRequestTimeout(time.Duration(cfg.Agent.RequestTimeoutSeconds)*time.Second),
		agent.WithRecorder(eng.AuditLog),
		agent.WithApprover(eng.Gate),
		agent.WithMetrics(comp.AgentMetrics),
	)
	if err != nil {
		return fail(err)
	}

	eng.Orchestrator, err = New(eng.Agent, eng.AuditLog, WithMetrics(comp.TaskMetrics))
	if err != nil {
		return fail(err)
	}

	log.Info("engine ready",
		slog.String("variant", string(variant)),
		slog.String("provider", cfg.LLM.Provider),
		slog.Int("tools", registry.Len()),
		slog.String("approval_channel", cfg.Approval.Channel),
		slog.String("audit_store", cfg.Storage.AuditLog.Driver))
	return eng, nil
}

// Close 按创建的逆序释放资源。
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func buildRegistry(cfg config.ToolsConfig) (*tool.Registry, error) {
	if cfg.CatalogPath == "" {
		return tool.NewDefaultRegistry()
	}
	return tool.LoadCatalog(cfg.CatalogPath)
}

func buildModel(cfg config.LLMConfig) (llm.Client, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return openai.NewClient(openai.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     timeout,
		})
	case config.ProviderGemini:
		return gemini.NewClient(gemini.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     timeout,
		})
	}
	return nil, xerrors.New(xerrors.CodeFatalConfiguration, "unsupported llm.provider "+cfg.Provider)
}

func buildApprovalChannel(cfg config.ApprovalConfig) (approval.Channel, error) {
	switch cfg.Channel {
	case "", "memory":
		return approval.NewMemoryChannel(), nil
	case "redis":
		return approval.NewRedisChannel(approval.RedisChannelConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
	case "rabbitmq":
		return approval.NewRabbitMQChannel(approval.RabbitMQChannelConfig{
			URL:           cfg.RabbitMQ.URL,
			Exchange:      cfg.RabbitMQ.Exchange,
			Queue:         cfg.RabbitMQ.Queue,
			ResponseQueue: cfg.RabbitMQ.ResponseQueue,
			Prefetch:      cfg.RabbitMQ.Prefetch,
		})
	}
	return nil, xerrors.New(xerrors.CodeFatalConfiguration, "unsupported approval.channel "+cfg.Channel)
}

func buildAuditStore(ctx context.Context, cfg config.AuditLogStoreConfig) (auditlog.Store, error) {
	if cfg.Driver == "" || cfg.Driver == "memory" {
		return auditlog.NewMemoryStore(), nil
	}
	dialect, err := sqldb.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalConfiguration, err, "storage.audit_log.driver")
	}
	return auditlog.OpenSQLStore(ctx, sqldb.Config{
		Dialect:         dialect,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
	}, cfg.AutoMigrate)
}
