package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/llm"
	"OpenOps-Agent/internal/schema"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
	providerName     = "OpenAI"
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容接口，支持纯文本对话与 functions 函数调用。
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float32
	httpClient  *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeFatalConfiguration, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		temperature: cfg.Temperature,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type message struct {
	Role         string        `json:"role"`
	Content      *string       `json:"content"`
	Name         string        `json:"name,omitempty"`
	FunctionCall *functionCall `json:"function_call,omitempty"`
}

type chatRequest struct {
	Model        string                `json:"model"`
	Messages     []message             `json:"messages"`
	Temperature  float32               `json:"temperature"`
	Functions    []schema.FunctionSpec `json:"functions,omitempty"`
	FunctionCall string                `json:"function_call,omitempty"`
	Stop         []string              `json:"stop,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content      *string       `json:"content"`
			FunctionCall *functionCall `json:"function_call"`
			ToolCalls    []toolCall    `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Generate 调用 Chat Completions 接口。
//
// 请求携带 functions 时使用 function_call=auto；响应中的 function_call
// 与 tool_calls 都会被解析为 ToolCall。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.ClassifyTransport(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, llm.ClassifyStatus(providerName, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(llm.CodeModelUnavailable, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(llm.CodeModelUnavailable, "OpenAI 响应中没有有效的 choices")
	}

	choice := decoded.Choices[0]
	out := &llm.Response{FinishReason: choice.FinishReason}
	if choice.Message.Content != nil {
		out.Content = strings.TrimSpace(*choice.Message.Content)
	}
	if fc := choice.Message.FunctionCall; fc != nil && fc.Name != "" {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{Name: fc.Name, Arguments: fc.Arguments})
	}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	body := chatRequest{
		Model:       c.model,
		Messages:    make([]message, 0, len(req.Messages)),
		Temperature: c.temperature,
		Stop:        req.Stop,
	}
	if req.Temperature > 0 {
		body.Temperature = req.Temperature
	}
	if len(req.Functions) > 0 {
		body.Functions = req.Functions
		body.FunctionCall = "auto"
	}

	for _, m := range req.Messages {
		content := m.Content
		switch m.Role {
		case llm.RoleTool:
			body.Messages = append(body.Messages, message{Role: "function", Name: m.Name, Content: &content})
		case llm.RoleAssistant:
			msg := message{Role: "assistant", Content: &content}
			if len(m.ToolCalls) > 0 {
				call := m.ToolCalls[0]
				msg.FunctionCall = &functionCall{Name: call.Name, Arguments: call.Arguments}
				if content == "" {
					msg.Content = nil
				}
			}
			body.Messages = append(body.Messages, msg)
		default:
			body.Messages = append(body.Messages, message{Role: string(m.Role), Content: &content})
		}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}
