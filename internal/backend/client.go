package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/tool"
	"OpenOps-Agent/pkg/logger"
)

// DefaultTimeout 是未配置时单次后端调用的超时时间。
const DefaultTimeout = 15 * time.Second

// Config 描述后端动作接口的连接信息。
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Envelope 是后端动作接口的统一响应格式。
type Envelope struct {
	Success bool               `json:"success"`
	Action  string             `json:"action"`
	Data    json.RawMessage    `json:"data,omitempty"`
	Error   *tool.OutcomeError `json:"error,omitempty"`
	LogID   string             `json:"logId,omitempty"`
}

// Client 把校验后的工具调用映射为 HTTP 请求。
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient 创建后端客户端。缺少地址属于致命配置错误。
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeFatalConfiguration, "backend base url is not configured")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, xerrors.New(xerrors.CodeFatalConfiguration, fmt.Sprintf("invalid backend base url %q", raw))
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    parsed,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		log:        logger.Named("backend"),
	}, nil
}

// Execute 调用工具对应的后端动作。
//
// 返回的 Outcome 总是有意义的；success:false、非 2xx 与网络错误同时返回可恢复的
// TOOL_EXECUTION_FAILED 或 TIMEOUT 错误，401/403 返回致命配置错误。
func (c *Client) Execute(ctx context.Context, def tool.Definition, args tool.Arguments) (tool.Outcome, error) {
	req, err := c.buildRequest(ctx, def, args)
	if err != nil {
		return failure("BAD_REQUEST", err.Error()), err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			e := xerrors.Wrap(xerrors.CodeTimeout, err, "backend call timed out", xerrors.WithMetadata("tool", def.Name))
			return failure(string(xerrors.CodeTimeout), "backend call timed out"), e
		}
		e := xerrors.Wrap(xerrors.CodeToolExecution, err, "backend unreachable", xerrors.WithMetadata("tool", def.Name))
		return failure("UNAVAILABLE", "backend unreachable"), e
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		e := xerrors.Wrap(xerrors.CodeToolExecution, err, "read backend response")
		return failure("BAD_RESPONSE", "unreadable backend response"), e
	}
	c.log.Debug("backend call finished",
		slog.String("tool", def.Name),
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		e := xerrors.New(xerrors.CodeFatalConfiguration,
			fmt.Sprintf("backend rejected credentials (%d)", resp.StatusCode),
			xerrors.WithMetadata("tool", def.Name))
		return failure("UNAUTHORIZED", "backend rejected credentials"), e
	}

	var env Envelope
	decodeErr := json.Unmarshal(body, &env)
	if resp.StatusCode >= http.StatusBadRequest || decodeErr != nil || !env.Success {
		outcome := tool.Outcome{Success: false, Error: env.Error}
		if outcome.Error == nil {
			outcome.Error = &tool.OutcomeError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: summarize(body)}
		}
		e := xerrors.New(xerrors.CodeToolExecution, outcome.Error.Message,
			xerrors.WithMetadata("tool", def.Name),
			xerrors.WithMetadata("backend_code", outcome.Error.Code),
			xerrors.WithMetadata("log_id", env.LogID))
		return outcome, e
	}

	outcome := tool.Outcome{Success: true}
	if len(env.Data) > 0 {
		var data any
		if err := json.Unmarshal(env.Data, &data); err == nil {
			outcome.Data = data
		}
	}
	return outcome, nil
}

func (c *Client) buildRequest(ctx context.Context, def tool.Definition, args tool.Arguments) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(def.Endpoint.Method))
	if method == "" {
		method = http.MethodPost
	}
	template := def.Endpoint.Path
	if template == "" {
		template = "/actions/" + def.Name
	}

	remaining := make(map[string]any, len(args))
	for k, v := range args {
		remaining[k] = v
	}
	resolved, err := expandPath(template, remaining)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "build backend path", xerrors.WithMetadata("tool", def.Name))
	}

	u, err := url.Parse(strings.TrimRight(c.baseURL.String(), "/") + "/" + strings.TrimLeft(resolved, "/"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "build backend url", xerrors.WithMetadata("tool", def.Name))
	}
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		q := u.Query()
		keys := make([]string, 0, len(remaining))
		for k := range remaining {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.Set(k, formatValue(remaining[k]))
		}
		u.RawQuery = q.Encode()
	} else {
		encoded, err := json.Marshal(remaining)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeValidation, err, "encode backend body")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolExecution, err, "create backend request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Action", def.Name)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// expandPath 用参数替换 {name} 占位符，并把已使用的参数从 args 中移除。
func expandPath(template string, args map[string]any) (string, error) {
	var b strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder in %q", template)
		}
		name := rest[open+1 : open+end]
		value, ok := args[name]
		if !ok || value == nil {
			return "", fmt.Errorf("missing path parameter %q", name)
		}
		b.WriteString(rest[:open])
		b.WriteString(url.PathEscape(formatValue(value)))
		delete(args, name)
		rest = rest[open+end+1:]
	}
	return b.String(), nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(encoded)
	}
}

func failure(code, message string) tool.Outcome {
	return tool.Outcome{Success: false, Error: &tool.OutcomeError{Code: code, Message: message}}
}

func summarize(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	if s == "" {
		return "empty backend response"
	}
	return s
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
