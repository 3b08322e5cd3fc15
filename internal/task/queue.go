package task

import (
	"context"
	"log/slog"

	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/pkg/logger"
)

// Handler 处理一次作业投递，参数是作业 ID 而不是完整的作业内容。
//
// 返回可重试错误表示这次投递应当放回队列，其余结果（包括不可重试错误）都视为已消费。
type Handler func(ctx context.Context, taskID string) error

// Producer 投递作业 ID。Service.Submit 在写入存储后调用。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以 workerCount 个并发协程消费作业，直到 ctx 取消。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 是内存、Redis 与 RabbitMQ 三种队列后端的共同接口。
type Queue interface {
	Producer
	Consumer
}

var (
	_ Queue = (*MemoryQueue)(nil)
	_ Queue = (*RedisQueue)(nil)
	_ Queue = (*RabbitMQQueue)(nil)
)

// deliver 执行一次投递并报告是否需要重新入队。
// 执行动作可能已经产生后端副作用，所以只有可重试错误才会重投。
func deliver(ctx context.Context, backend string, handler Handler, taskID string) (requeue bool) {
	err := handler(ctx, taskID)
	if err == nil {
		return false
	}
	requeue = xerrors.RetryableError(err)
	logger.L().Debug("作业投递未完成",
		slog.String("queue", backend),
		slog.String("task_id", taskID),
		slog.Bool("requeue", requeue),
		slog.Any("error", err),
	)
	return requeue
}
