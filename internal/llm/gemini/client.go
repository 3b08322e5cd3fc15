package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/llm"
)

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultModelName = "gemini-1.5-flash"
	defaultTimeout   = 60 * time.Second
	providerName     = "Gemini"
)

// Config 描述了调用 Gemini generateContent 接口所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// Client 调用 Gemini 兼容的结构化函数调用接口。
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float32
	httpClient  *http.Client
}

// NewClient 根据配置创建 Gemini 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeFatalConfiguration, "未提供 Gemini API Key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
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
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

// Generate 调用 models/{model}:generateContent。
// 一个候选中可以包含零个或多个 functionCall 片段，全部按顺序返回。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, url.PathEscape(c.model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 Gemini 请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.ClassifyTransport(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, llm.ClassifyStatus(providerName, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(llm.CodeModelUnavailable, err, "解析 Gemini 响应失败")
	}
	if len(decoded.Candidates) == 0 {
		reason := ""
		if decoded.PromptFeedback != nil {
			reason = decoded.PromptFeedback.BlockReason
		}
		return nil, xerrors.New(llm.CodeModelUnavailable, "Gemini 响应中没有候选结果 "+reason)
	}

	candidate := decoded.Candidates[0]
	out := &llm.Response{FinishReason: candidate.FinishReason}
	var text []string
	for i, p := range candidate.Content.Parts {
		if p.FunctionCall != nil && p.FunctionCall.Name != "" {
			args := p.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			encoded, err := json.Marshal(args)
			if err != nil {
				return nil, xerrors.Wrap(llm.CodeModelUnavailable, err, "编码 Gemini 函数参数失败")
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:        fmt.Sprintf("%s-%d", p.FunctionCall.Name, i),
				Name:      p.FunctionCall.Name,
				Arguments: string(encoded),
			})
			continue
		}
		if strings.TrimSpace(p.Text) != "" {
			text = append(text, p.Text)
		}
	}
	out.Content = strings.TrimSpace(strings.Join(text, ""))
	return out, nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	body := generateRequest{
		GenerationConfig: &generationConfig{Temperature: c.temperature, StopSequences: req.Stop},
	}
	if req.Temperature > 0 {
		body.GenerationConfig.Temperature = req.Temperature
	}
	if len(req.Declarations) > 0 {
		body.Tools = []toolSet{{FunctionDeclarations: req.Declarations}}
		body.ToolConfig = &toolConfig{FunctionCallingConfig: functionCallingConfig{Mode: "AUTO"}}
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
		case llm.RoleAssistant:
			parts := make([]part, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				parts = append(parts, part{Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				args := map[string]any{}
				if strings.TrimSpace(call.Arguments) != "" {
					if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
						return nil, fmt.Errorf("函数 %s 的参数不是 JSON 对象: %w", call.Name, err)
					}
				}
				parts = append(parts, part{FunctionCall: &functionCall{Name: call.Name, Args: args}})
			}
			if len(parts) == 0 {
				continue
			}
			body.Contents = append(body.Contents, content{Role: "model", Parts: parts})
		case llm.RoleTool:
			body.Contents = append(body.Contents, content{
				Role: "user",
				Parts: []part{{FunctionResponse: &functionResponse{
					Name:     m.Name,
					Response: map[string]any{"name": m.Name, "content": responseContent(m.Content)},
				}}},
			})
		default:
			body.Contents = append(body.Contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		body.SystemInstruction = &content{Parts: []part{{Text: strings.Join(system, "\n\n")}}}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 Gemini 请求失败: %w", err)
	}
	return encoded, nil
}

// responseContent 在结果本身是 JSON 时原样嵌入，否则作为字符串。
func responseContent(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
