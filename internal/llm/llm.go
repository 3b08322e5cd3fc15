package llm

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"

	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/schema"
)

// Role 表示对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall 是模型请求的一次函数调用，Arguments 保留模型输出的原始 JSON 文本。
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message 是与协议无关的对话消息。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// Name 在 tool 消息中表示产生该结果的工具名。
	Name string `json:"name,omitempty"`
}

// Request 描述发送给大模型的一次调用。
//
// Functions 仅在单轮 JSON 协议下填写，Declarations 仅在结构化协议下填写，
// 文本协议两者都为空，工具说明已写入系统提示词。
type Request struct {
	Messages     []Message
	Functions    []schema.FunctionSpec
	Declarations []schema.FunctionDeclaration
	Temperature  float32
	Stop         []string
}

// Response 是大模型的一次输出。
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// CodeModelUnavailable 表示模型接口暂时不可用，执行循环会在下一次迭代重试。
const CodeModelUnavailable xerrors.Code = "MODEL_UNAVAILABLE"

func init() {
	xerrors.Register(CodeModelUnavailable, xerrors.Attributes{
		Message:     "model endpoint unavailable",
		Severity:    xerrors.SeverityWarning,
		Retryable:   true,
		Alert:       true,
		Recoverable: true,
	})
}

// ClassifyStatus 把模型接口的 HTTP 状态映射为统一错误。
// 401/403 说明凭据无效，属于致命配置错误。
func ClassifyStatus(provider string, status int, body string) error {
	msg := fmt.Sprintf("%s 返回错误状态 %d: %s", provider, status, body)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return xerrors.New(xerrors.CodeFatalConfiguration, msg,
			xerrors.WithMetadata("provider", provider))
	}
	return xerrors.New(CodeModelUnavailable, msg,
		xerrors.WithMetadata("provider", provider),
		xerrors.WithRetryable(status == http.StatusTooManyRequests || status >= http.StatusInternalServerError))
}

// ClassifyTransport 把网络层错误映射为统一错误。
func ClassifyTransport(provider string, err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("请求 %s 超时", provider))
	}
	if stdErrors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("请求 %s 被取消", provider),
			xerrors.WithRecoverable(false))
	}
	return xerrors.Wrap(CodeModelUnavailable, err, fmt.Sprintf("请求 %s 失败", provider))
}
