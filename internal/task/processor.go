package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"OpenOps-Agent/internal/agent"
	"OpenOps-Agent/internal/auditlog"
	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/llm"
	"OpenOps-Agent/internal/observability/alerting"
	"OpenOps-Agent/internal/orchestrator"
	"OpenOps-Agent/pkg/logger"
)

// Runner 定义了处理器所需的编排能力。
type Runner interface {
	RunTaskWithID(ctx context.Context, taskID, command string, history []llm.Message) (*orchestrator.Result, error)
}

// Processor 负责从队列消费任务并交给编排器执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	runID := RunID(task.ID, task.Attempts)
	res, runErr := p.runner.RunTaskWithID(ctx, runID, task.Command, task.History)
	record := ExecutionResult{AuditID: runID}
	if res != nil {
		record.Output = res.Output
		record.Outcome = string(res.Status)
		record.Iterations = res.Iterations
	}
	if runErr != nil && res != nil && res.State == agent.StateFinal && res.Status == auditlog.StatusSuccess {
		// 模型已经给出最终回答，只是日志收尾失败，按成功记录而不是重试。
		logger.L().Error("任务已完成但执行日志收尾失败", slog.Any("error", runErr), slog.String("task_id", task.ID))
		p.emitAlert(context.WithoutCancel(ctx), task, xerrors.CodeOf(runErr), runErr, "finalize_log")
		runErr = nil
	}
	if runErr != nil {
		return p.handleExecutionFailure(ctx, task, record, runErr)
	}

	// 工具调用已经产生副作用，写回失败时不能重投，否则会重复执行。
	storeCtx := context.WithoutCancel(ctx)
	if err := p.store.MarkSucceeded(storeCtx, task.ID, record); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		p.emitAlert(storeCtx, task, CodeTaskProcessing, err, "mark_succeeded")
		return xerrors.Wrap(CodeTaskProcessing, err, "记录任务结果失败", xerrors.WithRetryable(false))
	}
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("action", "task.completed"),
		slog.String("status", string(StatusSucceeded)),
		slog.String("audit_id", runID),
		slog.Int("attempts", task.Attempts),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, record ExecutionResult, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	interrupted := ctx.Err() != nil
	retryable := xerrors.RetryableError(runErr) || interrupted
	terminal := !retryable || task.Attempts >= task.MaxRetries

	storeCtx := context.WithoutCancel(ctx)
	failure := Failure{Code: code, Message: runErr.Error(), Terminal: terminal, Result: &record}
	if storeErr := p.store.MarkFailed(storeCtx, task.ID, failure); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("action", "task.failed"),
		slog.String("status", string(failure.status())),
		slog.String("audit_id", record.AuditID),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	switch {
	case terminal && retryable:
		stage = "exhausted"
	case terminal:
		stage = "terminal"
	case interrupted:
		stage = "interrupted"
	}
	if terminal || xerrors.ShouldAlert(runErr) {
		p.emitAlert(storeCtx, task, code, runErr, stage)
	}

	if terminal {
		return nil
	}
	if pubErr := p.producer.Publish(storeCtx, task.ID); pubErr != nil {
		// 无法重投时直接终止，避免任务永远停留在 pending。
		failure.Terminal = true
		failure.Message = fmt.Sprintf("%s; 重投失败: %v", failure.Message, pubErr)
		_ = p.store.MarkFailed(storeCtx, task.ID, failure)
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID), xerrors.WithRetryable(false))
	}
	p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (f Failure) status() Status {
	if f.Terminal {
		return StatusFailed
	}
	return StatusPending
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		Command:    task.Command,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
