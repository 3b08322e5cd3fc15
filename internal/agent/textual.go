package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/llm"
	"OpenOps-Agent/internal/schema"
	"OpenOps-Agent/internal/tool"
)

const textualInstructions = `Use exactly this format:

Thought: your reasoning about what to do next
Action: the tool to use, one of [%s]
Action Input: the tool arguments as a single-line JSON object

You will then receive "Observation: <result>". Repeat Thought/Action/Action Input as often as needed, one action per reply.
When the command is complete, or cannot be completed, reply with:

Thought: your reasoning
Final Answer: a short reply for the operator`

// TextualStrategy 实现 ReAct 风格的纯文本协议。
type TextualStrategy struct {
	client       llm.Client
	systemPrompt string
	temperature  float32
}

// NewTextualStrategy 创建文本协议策略。
func NewTextualStrategy(client llm.Client, opts StrategyOptions) *TextualStrategy {
	return &TextualStrategy{client: client, systemPrompt: opts.systemPrompt(), temperature: opts.Temperature}
}

// Variant 实现 Strategy。
func (s *TextualStrategy) Variant() schema.Variant { return schema.VariantTextual }

// Begin 把工具清单和格式说明写入系统提示词。
func (s *TextualStrategy) Begin(task *Task, specs []schema.ProviderToolSpec) *Transcript {
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
	}
	var prompt strings.Builder
	prompt.WriteString(s.systemPrompt)
	prompt.WriteString("\n\nTools:\n")
	prompt.WriteString(schema.RenderListing(specs))
	prompt.WriteString("\n\n")
	prompt.WriteString(fmt.Sprintf(textualInstructions, strings.Join(names, ", ")))

	t := &Transcript{Task: task, Stop: []string{"\nObservation:"}}
	t.Messages = append(t.Messages, llm.Message{Role: llm.RoleSystem, Content: prompt.String()})
	t.Messages = append(t.Messages, task.History...)
	t.Messages = append(t.Messages, llm.Message{Role: llm.RoleUser, Content: task.Command})
	return t
}

// Next 调用模型并解析 ReAct 文本。
func (s *TextualStrategy) Next(ctx context.Context, t *Transcript) (*Turn, error) {
	resp, err := s.client.Generate(ctx, llm.Request{
		Messages:    t.Messages,
		Temperature: s.temperature,
		Stop:        t.Stop,
	})
	if err != nil {
		return nil, err
	}
	turn, err := ParseReAct(resp.Content)
	t.last = turn
	return turn, err
}

// Reformulate 把错误回显给模型并要求重新输出。
func (s *TextualStrategy) Reformulate(t *Transcript, turn *Turn, cause error) {
	raw := ""
	if turn != nil {
		raw = turn.Raw
	}
	reason := "the reply did not follow the required format"
	if e, ok := xerrors.From(cause); ok {
		reason = e.Message()
	}
	t.Messages = append(t.Messages,
		llm.Message{Role: llm.RoleAssistant, Content: raw},
		llm.Message{Role: llm.RoleUser, Content: "Observation: invalid format: " + reason +
			". Reply again using the Thought / Action / Action Input format; Action Input must be a single-line JSON object. Or give a Final Answer."},
	)
}

// Observe 只保留第一条动作，其余动作不会出现在后续对话中。
func (s *TextualStrategy) Observe(t *Transcript, call tool.CallRequest, obs Observation) {
	var b strings.Builder
	if t.last != nil && t.last.Thought != "" {
		b.WriteString("Thought: ")
		b.WriteString(t.last.Thought)
		b.WriteString("\n")
	}
	b.WriteString("Action: ")
	b.WriteString(call.ToolName)
	b.WriteString("\nAction Input: ")
	b.WriteString(argumentText(call.RawArguments))

	t.Messages = append(t.Messages,
		llm.Message{Role: llm.RoleAssistant, Content: b.String()},
		llm.Message{Role: llm.RoleUser, Content: "Observation: " + obs.Content},
	)
}

type reactAction struct {
	name     string
	input    []string
	hasInput bool
}

// ParseReAct 解析 Thought / Action / Action Input / Final Answer 文本。
//
// 同一回复中出现多个 Action 时全部返回，由执行循环决定丢弃哪些；
// 第一个 Action 的输入必须是 JSON 对象，否则返回 FORMAT_ERROR。
func ParseReAct(text string) (*Turn, error) {
	turn := &Turn{Raw: text}
	var (
		actions  []*reactAction
		current  *reactAction
		final    []string
		inFinal  bool
		thoughts []string
	)

scan:
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if inFinal {
			final = append(final, line)
			continue
		}
		switch {
		case hasKeyword(trimmed, "Observation"):
			// 模型自行编造的观察结果之后的内容一律忽略。
			break scan
		case hasKeyword(trimmed, "Final Answer"):
			if len(actions) > 0 {
				break scan
			}
			inFinal = true
			final = append(final, afterKeyword(trimmed, "Final Answer"))
			current = nil
		case hasKeyword(trimmed, "Action Input"):
			if current == nil {
				return turn, formatError("Action Input without a preceding Action")
			}
			current.hasInput = true
			current.input = append(current.input, afterKeyword(trimmed, "Action Input"))
		case hasKeyword(trimmed, "Action"):
			current = &reactAction{name: cleanToolName(afterKeyword(trimmed, "Action"))}
			actions = append(actions, current)
		case hasKeyword(trimmed, "Thought"):
			current = nil
			thoughts = append(thoughts, afterKeyword(trimmed, "Thought"))
		default:
			if current != nil && current.hasInput {
				current.input = append(current.input, trimmed)
			} else if current == nil && len(actions) == 0 && len(thoughts) > 0 && trimmed != "" {
				thoughts[len(thoughts)-1] += " " + trimmed
			}
		}
	}
	turn.Thought = strings.TrimSpace(strings.Join(thoughts, " "))

	if len(actions) == 0 {
		if inFinal {
			turn.Final = strings.TrimSpace(strings.Join(final, "\n"))
			return turn, nil
		}
		return turn, formatError("reply contains neither an Action nor a Final Answer")
	}

	for i, a := range actions {
		if a.name == "" {
			if i == 0 {
				return turn, formatError("Action is missing a tool name")
			}
			continue
		}
		input := strings.TrimSpace(stripFence(strings.Join(a.input, "\n")))
		if i == 0 {
			if !a.hasInput {
				return turn, formatError(fmt.Sprintf("Action %q has no Action Input", a.name))
			}
			if input == "" {
				input = "{}"
			}
			var obj map[string]any
			if err := json.Unmarshal([]byte(input), &obj); err != nil {
				return turn, formatError(fmt.Sprintf("Action Input for %q is not a JSON object", a.name))
			}
		}
		turn.Calls = append(turn.Calls, tool.CallRequest{ToolName: a.name, RawArguments: input})
	}
	return turn, nil
}

func hasKeyword(line, keyword string) bool {
	if !strings.HasPrefix(strings.ToLower(line), strings.ToLower(keyword)) {
		return false
	}
	rest := strings.TrimLeft(line[len(keyword):], " \t")
	return strings.HasPrefix(rest, ":")
}

func afterKeyword(line, keyword string) string {
	rest := strings.TrimLeft(line[len(keyword):], " \t")
	return strings.TrimSpace(strings.TrimPrefix(rest, ":"))
}

func cleanToolName(s string) string {
	return strings.Trim(strings.TrimSpace(s), "`*[]\"' ")
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

func formatError(msg string) error {
	return xerrors.New(xerrors.CodeFormat, msg)
}

func argumentText(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	case nil:
		return "{}"
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}
