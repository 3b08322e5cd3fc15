package main

import (
	"context"
	"time"

	"OpenOps-Agent/internal/config"
	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/observability/alerting"
	"OpenOps-Agent/internal/orchestrator"
	"OpenOps-Agent/internal/storage/sqldb"
	"OpenOps-Agent/internal/task"
	"OpenOps-Agent/pkg/logger"
)

// buildTaskPipeline 按配置创建异步任务的存储、队列、服务与处理器。
func buildTaskPipeline(ctx context.Context, cfg *config.Config, engine *orchestrator.Engine) (*task.Service, *task.Processor, error) {
	store, err := buildTaskStore(ctx, cfg.Storage.TaskStore)
	if err != nil {
		return nil, nil, err
	}
	queue, err := buildTaskQueue(cfg.TaskQueue)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	service := task.NewService(store, queue, cfg.TaskQueue.MaxRetries)
	processor := task.NewProcessor(engine.Orchestrator, store, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithProcessorLogger(logger.Named("task")),
		task.WithAlertDispatcher(alerting.FromConfig(cfg.Alerting)),
	)
	return service, processor, nil
}

func buildTaskStore(ctx context.Context, cfg config.TaskStoreConfig) (task.Store, error) {
	if cfg.Driver == "" || cfg.Driver == "memory" {
		return task.NewMemoryStore(), nil
	}
	dialect, err := sqldb.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalConfiguration, err, "storage.task_store.driver")
	}
	return task.OpenSQLStore(ctx, sqldb.Config{
		Dialect:      dialect,
		DSN:          cfg.DSN,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	}, cfg.AutoMigrate)
}

func buildTaskQueue(cfg config.TaskQueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Key,
			BlockWait: 5 * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  true,
		})
	}
	return nil, xerrors.New(xerrors.CodeFatalConfiguration, "未知的队列驱动: "+cfg.Driver)
}
