package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenOps-Agent/internal/approval"
	"OpenOps-Agent/internal/auditlog"
	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/schema"
	"OpenOps-Agent/internal/tool"
	"OpenOps-Agent/pkg/logger"
)

const (
	defaultMaxIterations = 8
	defaultFormatRetries = 2
)

// Agent 驱动单个任务的执行循环：询问模型、校验并执行唯一的工具调用、回填观察结果，
// 直到得到最终回答、达到迭代上限或遇到致命错误。
type Agent struct {
	strategy Strategy
	registry *tool.Registry
	executor Executor
	approver Approver
	recorder Recorder
	metrics  Metrics
	specs    []schema.ProviderToolSpec

	maxIterations  int
	formatRetries  int
	requestTimeout time.Duration
	log            *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithMaxIterations 设置单个任务最多调用模型的次数。
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithFormatRetries 设置每一步允许的格式重试次数。
func WithFormatRetries(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.formatRetries = n
		}
	}
}

// WithRequestTimeout 设置单次模型或后端调用的超时时间。
func WithRequestTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.requestTimeout = d
		}
	}
}

// WithRecorder 设置执行日志。
func WithRecorder(r Recorder) Option {
	return func(a *Agent) {
		if r != nil {
			a.recorder = r
		}
	}
}

// WithApprover 设置审批网关。
func WithApprover(ap Approver) Option {
	return func(a *Agent) {
		if ap != nil {
			a.approver = ap
		}
	}
}

// WithMetrics 设置统计回调。
func WithMetrics(m Metrics) Option {
	return func(a *Agent) {
		if m != nil {
			a.metrics = m
		}
	}
}

// New 创建一个 Agent。
func New(strategy Strategy, registry *tool.Registry, executor Executor, opts ...Option) (*Agent, error) {
	// 验证必要的组件是否已配置。
	if strategy == nil {
		return nil, xerrors.New(xerrors.CodeFatalConfiguration, "strategy is not configured")
	}
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeFatalConfiguration, "tool registry is not configured")
	}
	if executor == nil {
		return nil, xerrors.New(xerrors.CodeFatalConfiguration, "tool executor is not configured")
	}

	ag := &Agent{
		strategy:      strategy,
		registry:      registry,
		executor:      executor,
		recorder:      noopRecorder{},
		metrics:       noopMetrics{},
		maxIterations: defaultMaxIterations,
		formatRetries: defaultFormatRetries,
		log:           logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}

	// 工具说明在启动时一次性翻译，之后所有任务共用。
	specs, err := schema.ToProviderFormat(registry.ListAll(), strategy.Variant())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalConfiguration, err, "translate tool catalog")
	}
	ag.specs = specs
	return ag, nil
}

// Specs 返回发送给模型的工具说明。
func (a *Agent) Specs() []schema.ProviderToolSpec {
	return a.specs
}

// Run 执行任务。Result 总是非空；只有任务失败时才返回错误。
func (a *Agent) Run(ctx context.Context, task *Task) (*Result, error) {
	if task == nil || strings.TrimSpace(task.Command) == "" {
		return &Result{State: StateFailed}, xerrors.New(xerrors.CodeInvalidArgument, "command is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	res := &Result{}
	finish := func(state State, final string, err error) (*Result, error) {
		task.State = state
		res.State = state
		res.Final = final
		res.Iterations = task.Iterations
		return res, err
	}

	transcript := a.strategy.Begin(task, a.specs)
	retries := 0
	for {
		// 迭代上限包含格式重试在内的每一次模型调用。
		if task.Iterations >= a.maxIterations {
			err := xerrors.New(xerrors.CodeIterationLimitExceeded,
				fmt.Sprintf("no final answer after %d model calls", task.Iterations))
			a.record(ctx, task, auditlog.Step{Action: ActionIterationLimit, Status: auditlog.StatusFailed, Error: err.Error()})
			return finish(StateFailed, "", err)
		}
		if err := ctx.Err(); err != nil {
			return a.abort(ctx, task, finish, err)
		}

		task.Iterations++
		task.State = StateAwaitingModel
		turn, err := a.next(ctx, transcript)
		if err != nil {
			if xerrors.CodeOf(err) == xerrors.CodeFormat {
				a.record(ctx, task, auditlog.Step{
					Action: ActionModelFormatError,
					Status: auditlog.StatusFailed,
					Data:   map[string]any{"raw": rawOf(turn), "iteration": task.Iterations},
					Error:  err.Error(),
				})
				if retries < a.formatRetries {
					retries++
					a.strategy.Reformulate(transcript, turn, err)
					a.record(ctx, task, auditlog.Step{
						Action: ActionModelReformulate,
						Data:   map[string]int{"retry": retries, "max": a.formatRetries},
					})
					continue
				}
				return finish(StateFailed, "", err)
			}

			a.record(ctx, task, auditlog.Step{
				Action: ActionModelError,
				Status: auditlog.StatusFailed,
				Data:   map[string]any{"iteration": task.Iterations, "code": string(xerrors.CodeOf(err))},
				Error:  err.Error(),
			})
			if ctxErr := ctx.Err(); ctxErr != nil {
				return a.abort(ctx, task, finish, ctxErr)
			}
			if !xerrors.RecoverableError(err) {
				return finish(StateFailed, "", err)
			}
			if task.Iterations == 1 {
				// 第一次调用就失败说明模型不可达，继续重试没有意义。
				return finish(StateFailed, "", xerrors.Wrap(xerrors.CodeFatalConfiguration, err, "model unreachable"))
			}
			continue
		}
		retries = 0

		a.record(ctx, task, auditlog.Step{Action: ActionModelResponse, Data: describeTurn(turn, task.Iterations)})
		if turn.IsFinal() {
			return finish(StateFinal, turn.Final, nil)
		}

		// 每一步只执行第一条调用，其余调用记录后丢弃。
		first := turn.Calls[0]
		for i, dropped := range turn.Calls[1:] {
			a.log.Warn("discarding extra tool call",
				slog.String("task_id", task.ID),
				slog.String("kept", first.ToolName),
				slog.String("discarded", dropped.ToolName))
			a.record(ctx, task, auditlog.Step{
				Action: ActionToolDiscarded,
				Data: map[string]any{
					"tool":      dropped.ToolName,
					"arguments": argumentText(dropped.RawArguments),
					"position":  i + 2,
					"kept":      first.ToolName,
				},
				Error: "only one tool call is executed per step",
			})
			a.metrics.ToolCall(dropped.ToolName, "discarded")
		}

		task.State = StateToolRequested
		result, obs, fatal := a.handleCall(ctx, task, first)
		res.Calls = append(res.Calls, result)
		if fatal != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return a.abort(ctx, task, finish, ctxErr)
			}
			return finish(StateFailed, "", fatal)
		}
		a.strategy.Observe(transcript, first, obs)
	}
}

func (a *Agent) next(ctx context.Context, t *Transcript) (*Turn, error) {
	callCtx, cancel := a.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	turn, err := a.strategy.Next(callCtx, t)
	outcome := "ok"
	switch {
	case err == nil:
	case xerrors.CodeOf(err) == xerrors.CodeFormat:
		outcome = "format_error"
	default:
		outcome = "error"
	}
	a.metrics.ModelCall(string(a.strategy.Variant()), outcome, time.Since(start))
	return turn, err
}

// handleCall 完成一次工具调用，返回调用结果、回馈给模型的观察，以及终止任务的错误。
func (a *Agent) handleCall(ctx context.Context, task *Task, call tool.CallRequest) (tool.CallResult, Observation, error) {
	result := tool.CallResult{ToolName: call.ToolName, Timestamp: time.Now().UTC()}
	stepID := a.record(ctx, task, auditlog.Step{
		Action: ActionToolRequested,
		Data: map[string]any{
			"tool":      call.ToolName,
			"arguments": argumentText(call.RawArguments),
			"call_id":   call.CallID,
		},
	})

	reject := func(code xerrors.Code, message string, obsText string) (tool.CallResult, Observation, error) {
		result.Outcome = tool.Outcome{Success: false, Error: &tool.OutcomeError{Code: string(code), Message: message}}
		a.metrics.ToolCall(call.ToolName, strings.ToLower(string(code)))
		return result, Observation{ToolName: call.ToolName, Content: obsText}, nil
	}

	// 解析并校验参数。
	def, err := a.registry.Resolve(call.ToolName)
	if err != nil {
		a.record(ctx, task, auditlog.Step{ParentID: stepID, Action: ActionToolInvalid, Status: auditlog.StatusFailed, Error: err.Error()})
		return reject(xerrors.CodeToolNotFound, err.Error(),
			fmt.Sprintf("error: unknown tool %q. Available tools: %s", call.ToolName, strings.Join(a.toolNames(), ", ")))
	}
	args, err := a.registry.Validate(def.Name, call.RawArguments)
	if err != nil {
		a.record(ctx, task, auditlog.Step{ParentID: stepID, Action: ActionToolInvalid, Status: auditlog.StatusFailed, Error: err.Error()})
		return reject(xerrors.CodeOf(err), err.Error(), "error: invalid arguments: "+validationText(err))
	}
	result.Arguments = args

	// 敏感操作必须先获得批准。
	if def.Sensitive() {
		task.State = StateApprovalPending
		resp, err := a.approve(ctx, task, stepID, def, args)
		if err != nil {
			return result, Observation{}, err
		}
		if !resp.Approved() {
			code := xerrors.CodeApprovalRejected
			if resp.Decision == approval.DecisionTimeout {
				code = xerrors.CodeApprovalTimeout
			}
			return reject(code, resp.Reason, "rejected: "+resp.Reason)
		}
	}

	task.State = StateToolExecuting
	execCtx, cancel := a.withTimeout(ctx)
	outcome, execErr := a.executor.Execute(execCtx, def, args)
	cancel()
	result.Outcome = outcome
	result.Timestamp = time.Now().UTC()

	if execErr != nil {
		a.record(ctx, task, auditlog.Step{
			ParentID: stepID,
			Action:   ActionToolExecuted,
			Status:   auditlog.StatusFailed,
			Data:     outcome,
			Error:    execErr.Error(),
		})
		a.metrics.ToolCall(def.Name, "failed")
		if !xerrors.RecoverableError(execErr) {
			return result, Observation{}, execErr
		}
		msg := "the action failed"
		if outcome.Error != nil && outcome.Error.Message != "" {
			msg = outcome.Error.Message
		}
		return result, Observation{ToolName: def.Name, Content: "error: " + msg}, nil
	}

	a.record(ctx, task, auditlog.Step{ParentID: stepID, Action: ActionToolExecuted, Data: outcome})
	a.metrics.ToolCall(def.Name, "success")
	return result, Observation{ToolName: def.Name, Success: true, Content: observationText(outcome)}, nil
}

func (a *Agent) approve(ctx context.Context, task *Task, stepID string, def tool.Definition, args tool.Arguments) (approval.Response, error) {
	if a.approver == nil {
		return approval.Response{}, xerrors.New(xerrors.CodeFatalConfiguration,
			fmt.Sprintf("tool %s requires approval but no approval gate is configured", def.Name))
	}
	req := approval.Request{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		ToolName:    def.Name,
		Description: describeCall(def, args),
		Payload:     args,
	}
	reqID := a.record(ctx, task, auditlog.Step{
		ParentID: stepID,
		Action:   ActionApprovalRequested,
		Status:   auditlog.StatusPending,
		Data:     map[string]any{"approval_id": req.ID, "tool": def.Name, "description": req.Description},
	})

	resp, err := a.approver.RequestApproval(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			a.record(ctx, task, auditlog.Step{ParentID: reqID, Action: ActionApprovalResolved, Status: auditlog.StatusFailed, Error: err.Error()})
			return approval.Response{}, err
		}
		// 渠道不可用时视为拒绝，由模型向操作员说明。
		resp = approval.Response{ID: req.ID, Decision: approval.DecisionRejected, Reason: "approval channel unavailable", ResolvedAt: time.Now().UTC()}
		a.log.Error("approval request failed", slog.String("task_id", task.ID), slog.Any("error", err))
	}

	status := auditlog.StatusSuccess
	errText := ""
	if !resp.Approved() {
		status = auditlog.StatusFailed
		errText = resp.Reason
	}
	a.record(ctx, task, auditlog.Step{
		ParentID: reqID,
		Action:   ActionApprovalResolved,
		Status:   status,
		Data:     map[string]any{"approval_id": resp.ID, "decision": string(resp.Decision)},
		Error:    errText,
	})
	a.metrics.Approval(string(resp.Decision))
	return resp, nil
}

func (a *Agent) abort(ctx context.Context, task *Task, finish func(State, string, error) (*Result, error), cause error) (*Result, error) {
	state := StateFailed
	if stdErrors.Is(cause, context.DeadlineExceeded) {
		state = StateTimeout
	}
	err := xerrors.Wrap(xerrors.CodeTimeout, cause, "task interrupted", xerrors.WithRecoverable(false))
	// ctx 已失效，日志写入使用独立的上下文。
	a.record(context.WithoutCancel(ctx), task, auditlog.Step{Action: ActionLoopAborted, Status: auditlog.StatusFailed, Error: cause.Error()})
	return finish(state, "", err)
}

// record 写入执行日志并同步输出审计日志。写入失败只记录告警，不影响执行。
func (a *Agent) record(ctx context.Context, task *Task, step auditlog.Step) string {
	if step.Status == "" {
		step.Status = auditlog.StatusSuccess
	}
	id, err := a.recorder.AppendStep(ctx, task.ID, step)
	if err != nil {
		a.log.Warn("failed to record step",
			slog.String("task_id", task.ID),
			slog.String("action", step.Action),
			slog.Any("error", err))
	}
	logger.Audit().Info("agent step",
		slog.String("task_id", task.ID),
		slog.String("action", step.Action),
		slog.String("status", string(step.Status)),
		slog.String("state", string(task.State)))
	return id
}

func (a *Agent) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.requestTimeout)
}

func (a *Agent) toolNames() []string {
	names := make([]string, 0, len(a.specs))
	for _, s := range a.specs {
		names = append(names, s.Name)
	}
	return names
}

func describeTurn(turn *Turn, iteration int) map[string]any {
	data := map[string]any{"iteration": iteration}
	if turn.Thought != "" {
		data["thought"] = turn.Thought
	}
	if turn.IsFinal() {
		data["final"] = turn.Final
		return data
	}
	calls := make([]string, 0, len(turn.Calls))
	for _, c := range turn.Calls {
		calls = append(calls, c.ToolName)
	}
	data["calls"] = calls
	return data
}

func describeCall(def tool.Definition, args tool.Arguments) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		return def.Description
	}
	return fmt.Sprintf("%s %s (%s)", def.Name, encoded, def.Description)
}

func observationText(outcome tool.Outcome) string {
	if outcome.Data == nil {
		return `{"success":true}`
	}
	encoded, err := json.Marshal(outcome.Data)
	if err != nil {
		return `{"success":true}`
	}
	return string(encoded)
}

func validationText(err error) string {
	var verr *tool.ValidationError
	if !stdErrors.As(err, &verr) {
		return err.Error()
	}
	parts := make([]string, 0, len(verr.Problems))
	for _, p := range verr.Problems {
		parts = append(parts, p.Field+": "+p.Reason)
	}
	return strings.Join(parts, "; ")
}

func rawOf(turn *Turn) string {
	if turn == nil {
		return ""
	}
	return turn.Raw
}
