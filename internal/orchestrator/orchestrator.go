package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenOps-Agent/internal/agent"
	"OpenOps-Agent/internal/auditlog"
	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/llm"
	"OpenOps-Agent/pkg/logger"
)

// Result 是一次任务执行的对外结果。Output 总是非空。
type Result struct {
	TaskID     string           `json:"task_id"`
	Output     string           `json:"output"`
	Status     auditlog.Status  `json:"status"`
	State      agent.State      `json:"state"`
	Iterations int              `json:"iterations"`
	Log        []auditlog.Entry `json:"log"`
}

// Runner 是执行循环的最小接口，便于替换。
type Runner interface {
	Run(ctx context.Context, task *agent.Task) (*agent.Result, error)
}

// Metrics 接收任务级别的统计。
type Metrics interface {
	TaskFinished(status string, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) TaskFinished(string, time.Duration) {}

// Option 定义 Orchestrator 的可选配置。
type Option func(*Orchestrator)

// WithMetrics 设置任务统计。
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithIDGenerator 替换任务 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// Orchestrator 把执行循环与执行日志组合成单一入口。
type Orchestrator struct {
	runner  Runner
	audit   *auditlog.Logger
	metrics Metrics
	newID   func() string
	log     *slog.Logger
}

// New 创建 Orchestrator。
func New(runner Runner, audit *auditlog.Logger, opts ...Option) (*Orchestrator, error) {
	if runner == nil {
		return nil, xerrors.New(xerrors.CodeFatalConfiguration, "agent runner is not configured")
	}
	if audit == nil {
		return nil, xerrors.New(xerrors.CodeFatalConfiguration, "execution log is not configured")
	}
	o := &Orchestrator{
		runner:  runner,
		audit:   audit,
		metrics: noopMetrics{},
		newID:   uuid.NewString,
		log:     logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// AuditLog 返回执行日志，供审计读取接口使用。
func (o *Orchestrator) AuditLog() *auditlog.Logger {
	return o.audit
}

// RunTask 使用新生成的任务 ID 执行命令。
func (o *Orchestrator) RunTask(ctx context.Context, command string, history []llm.Message) (*Result, error) {
	return o.RunTaskWithID(ctx, o.newID(), command, history)
}

// RunTaskWithID 创建日志根节点、驱动执行循环、终结日志并返回最终回答与完整日志。
//
// 任务失败时返回的 error 携带内部原因，Result.Output 中只有面向操作员的简短说明。
func (o *Orchestrator) RunTaskWithID(ctx context.Context, taskID, command string, history []llm.Message) (*Result, error) {
	start := time.Now()
	if taskID == "" {
		taskID = o.newID()
	}
	res := &Result{TaskID: taskID, Status: auditlog.StatusFailed, State: agent.StateFailed}

	if _, err := o.audit.StartTask(ctx, taskID, command); err != nil {
		o.log.Error("failed to create task log", slog.String("task_id", taskID), slog.Any("error", err))
		res.Output = failureMessage(err)
		o.metrics.TaskFinished(string(res.Status), time.Since(start))
		return res, err
	}
	o.log.Info("task started", slog.String("task_id", taskID))

	out, runErr := o.runner.Run(ctx, &agent.Task{ID: taskID, Command: command, History: history})
	if out != nil {
		res.State = out.State
		res.Iterations = out.Iterations
	}
	if runErr == nil && out != nil {
		res.Status = auditlog.StatusSuccess
		res.Output = strings.TrimSpace(out.Final)
		if res.Output == "" {
			res.Output = emptyAnswerMessage
		}
	} else {
		res.Output = failureMessage(runErr)
	}

	// 即使调用方已取消，日志也必须被终结。
	finalCtx := context.WithoutCancel(ctx)
	if err := o.audit.Finalize(finalCtx, taskID, res.Status); err != nil {
		o.log.Error("failed to finalize task log", slog.String("task_id", taskID), slog.Any("error", err))
		if runErr == nil {
			// 动作已经执行完毕，重新执行会重复后端副作用。
			runErr = xerrors.Wrap(xerrors.CodeStorageFailure, err, "finalize task log",
				xerrors.WithRetryable(false), xerrors.WithAlert(true))
		}
	}
	entries, err := o.audit.Entries(finalCtx, taskID)
	if err != nil {
		o.log.Warn("failed to read task log", slog.String("task_id", taskID), slog.Any("error", err))
	}
	res.Log = entries

	attrs := []any{
		slog.String("task_id", taskID),
		slog.String("status", string(res.Status)),
		slog.String("state", string(res.State)),
		slog.Int("iterations", res.Iterations),
		slog.Duration("duration", time.Since(start)),
	}
	if runErr != nil {
		o.log.Warn("task failed", append(attrs, slog.Any("error", runErr))...)
	} else {
		o.log.Info("task completed", attrs...)
	}
	o.metrics.TaskFinished(string(res.Status), time.Since(start))
	return res, runErr
}
