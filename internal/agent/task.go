package agent

import (
	"context"
	"time"

	"OpenOps-Agent/internal/approval"
	"OpenOps-Agent/internal/auditlog"
	"OpenOps-Agent/internal/llm"
	"OpenOps-Agent/internal/schema"
	"OpenOps-Agent/internal/tool"
)

// State 是执行循环所处的阶段。
type State string

const (
	StateAwaitingModel   State = "AWAITING_MODEL"
	StateToolRequested   State = "TOOL_REQUESTED"
	StateApprovalPending State = "APPROVAL_PENDING"
	StateToolExecuting   State = "TOOL_EXECUTING"
	StateFinal           State = "FINAL"
	StateFailed          State = "FAILED"
	StateTimeout         State = "TIMEOUT"
)

// Terminal 判断状态是否已结束。
func (s State) Terminal() bool {
	return s == StateFinal || s == StateFailed || s == StateTimeout
}

// Task 是一次线性执行的上下文。
type Task struct {
	ID         string        `json:"id"`
	Command    string        `json:"command"`
	History    []llm.Message `json:"history,omitempty"`
	State      State         `json:"state"`
	Iterations int           `json:"iterations"`
}

// Observation 是工具调用结果回馈给模型的文本。
type Observation struct {
	ToolName string
	Success  bool
	Content  string
}

// Turn 是一次模型调用解析后的结果。Calls 为空表示最终回答。
type Turn struct {
	Thought string
	Calls   []tool.CallRequest
	Final   string
	Raw     string

	toolCalls []llm.ToolCall
}

// IsFinal 判断模型是否给出了最终回答。
func (t *Turn) IsFinal() bool {
	return t != nil && len(t.Calls) == 0
}

// Transcript 保存某个策略下累积的对话。
type Transcript struct {
	Task         *Task
	Messages     []llm.Message
	Functions    []schema.FunctionSpec
	Declarations []schema.FunctionDeclaration
	Stop         []string

	last *Turn
}

// Strategy 封装某一种工具调用协议。执行循环只依赖该接口。
type Strategy interface {
	Variant() schema.Variant
	Begin(task *Task, specs []schema.ProviderToolSpec) *Transcript
	// Next 调用一次模型并解析输出。格式错误时返回 FORMAT_ERROR，Turn 中保留原文。
	Next(ctx context.Context, t *Transcript) (*Turn, error)
	// Reformulate 要求模型按正确格式重新回答。
	Reformulate(t *Transcript, turn *Turn, err error)
	// Observe 把唯一被执行的调用及其结果写回对话。
	Observe(t *Transcript, call tool.CallRequest, obs Observation)
}

// Executor 执行已校验的工具调用。
type Executor interface {
	Execute(ctx context.Context, def tool.Definition, args tool.Arguments) (tool.Outcome, error)
}

// Approver 在敏感操作前获取人工审批。
type Approver interface {
	RequestApproval(ctx context.Context, req approval.Request) (approval.Response, error)
}

// Recorder 记录执行步骤。
type Recorder interface {
	AppendStep(ctx context.Context, rootID string, step auditlog.Step) (string, error)
}

// Metrics 接收执行循环的统计信息。
type Metrics interface {
	ModelCall(variant string, outcome string, latency time.Duration)
	ToolCall(tool string, outcome string)
	Approval(decision string)
}

type noopRecorder struct{}

func (noopRecorder) AppendStep(context.Context, string, auditlog.Step) (string, error) { return "", nil }

type noopMetrics struct{}

func (noopMetrics) ModelCall(string, string, time.Duration) {}
func (noopMetrics) ToolCall(string, string)                 {}
func (noopMetrics) Approval(string)                         {}

// Result 汇总一次执行。
type Result struct {
	Final      string            `json:"final"`
	State      State             `json:"state"`
	Iterations int               `json:"iterations"`
	Calls      []tool.CallResult `json:"calls"`
}

// 执行日志中的动作名。
const (
	ActionModelResponse     = "model.response"
	ActionModelError        = "model.error"
	ActionModelFormatError  = "model.format_error"
	ActionModelReformulate  = "model.reformulate"
	ActionToolRequested     = "tool.requested"
	ActionToolInvalid       = "tool.invalid"
	ActionToolDiscarded     = "tool.discarded"
	ActionApprovalRequested = "approval.requested"
	ActionApprovalResolved  = "approval.resolved"
	ActionToolExecuted      = "tool.executed"
	ActionIterationLimit    = "loop.iteration_limit"
	ActionLoopAborted       = "loop.aborted"
)
