package agent

import (
	"context"
	"fmt"
	"strings"

	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/llm"
	"OpenOps-Agent/internal/schema"
	"OpenOps-Agent/internal/tool"
)

const defaultSystemPrompt = "You are an operations assistant that carries out operator commands against the store backend " +
	"(orders, tickets, content and site settings) by calling tools. Call at most one tool per reply and wait for its result. " +
	"Sensitive tools need human approval; when a call is rejected or times out, do not retry it, tell the operator it was not performed. " +
	"Keep the final reply short and do not mention tool or API names."

// StrategyOptions 是各策略共享的参数。
type StrategyOptions struct {
	SystemPrompt string
	Temperature  float32
}

func (o StrategyOptions) systemPrompt() string {
	if p := strings.TrimSpace(o.SystemPrompt); p != "" {
		return p
	}
	return defaultSystemPrompt
}

// NewStrategy 根据协议变体创建策略。
func NewStrategy(variant schema.Variant, client llm.Client, opts StrategyOptions) (Strategy, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeFatalConfiguration, "model client is not configured")
	}
	switch variant {
	case schema.VariantTextual:
		return NewTextualStrategy(client, opts), nil
	case schema.VariantSingleTurnJSON, schema.VariantStructuredMultiTurn:
		return NewFunctionStrategy(variant, client, opts), nil
	}
	return nil, xerrors.New(xerrors.CodeFatalConfiguration, fmt.Sprintf("unsupported tool-call variant %q", variant))
}

// FunctionStrategy 实现原生函数调用协议。
// 单轮 JSON 变体发送 functions，结构化多轮变体发送 functionDeclarations，其余流程一致。
type FunctionStrategy struct {
	variant      schema.Variant
	client       llm.Client
	systemPrompt string
	temperature  float32
}

// NewFunctionStrategy 创建函数调用策略。
func NewFunctionStrategy(variant schema.Variant, client llm.Client, opts StrategyOptions) *FunctionStrategy {
	return &FunctionStrategy{
		variant:      variant,
		client:       client,
		systemPrompt: opts.systemPrompt(),
		temperature:  opts.Temperature,
	}
}

// Variant 实现 Strategy。
func (s *FunctionStrategy) Variant() schema.Variant { return s.variant }

// Begin 初始化对话与函数声明。
func (s *FunctionStrategy) Begin(task *Task, specs []schema.ProviderToolSpec) *Transcript {
	t := &Transcript{Task: task}
	if s.variant == schema.VariantStructuredMultiTurn {
		t.Declarations = schema.Declarations(specs)
	} else {
		t.Functions = schema.Functions(specs)
	}
	t.Messages = append(t.Messages, llm.Message{Role: llm.RoleSystem, Content: s.systemPrompt})
	t.Messages = append(t.Messages, task.History...)
	t.Messages = append(t.Messages, llm.Message{Role: llm.RoleUser, Content: task.Command})
	return t
}

// Next 调用模型。没有函数调用的回复即为最终回答。
func (s *FunctionStrategy) Next(ctx context.Context, t *Transcript) (*Turn, error) {
	resp, err := s.client.Generate(ctx, llm.Request{
		Messages:     t.Messages,
		Functions:    t.Functions,
		Declarations: t.Declarations,
		Temperature:  s.temperature,
	})
	if err != nil {
		return nil, err
	}
	turn := &Turn{Thought: strings.TrimSpace(resp.Content), Raw: resp.Content, toolCalls: resp.ToolCalls}
	for _, call := range resp.ToolCalls {
		turn.Calls = append(turn.Calls, tool.CallRequest{
			ToolName:     call.Name,
			RawArguments: call.Arguments,
			CallID:       call.ID,
		})
	}
	if len(turn.Calls) == 0 {
		turn.Final = turn.Thought
		turn.Thought = ""
	}
	t.last = turn
	return turn, nil
}

// Reformulate 在函数协议下只追加一条提醒。
func (s *FunctionStrategy) Reformulate(t *Transcript, _ *Turn, cause error) {
	msg := "Your previous reply could not be used."
	if e, ok := xerrors.From(cause); ok {
		msg += " " + e.Message()
	}
	t.Messages = append(t.Messages, llm.Message{Role: llm.RoleUser, Content: msg + " Call one tool or answer the operator."})
}

// Observe 只把被执行的那一次调用写回对话，丢弃的调用不会留下悬空的 tool_call。
func (s *FunctionStrategy) Observe(t *Transcript, call tool.CallRequest, obs Observation) {
	recorded := llm.ToolCall{ID: call.CallID, Name: call.ToolName, Arguments: argumentText(call.RawArguments)}
	if t.last != nil {
		for _, tc := range t.last.toolCalls {
			if tc.ID == call.CallID && tc.Name == call.ToolName {
				recorded = tc
				break
			}
		}
	}
	content := ""
	if t.last != nil {
		content = t.last.Thought
	}
	t.Messages = append(t.Messages,
		llm.Message{Role: llm.RoleAssistant, Content: content, ToolCalls: []llm.ToolCall{recorded}},
		llm.Message{Role: llm.RoleTool, Name: call.ToolName, ToolCallID: call.CallID, Content: obs.Content},
	)
}
