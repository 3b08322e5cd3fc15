// Package opsagent is a small Go client for the OpenOps Agent REST API.
package opsagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Synchronous task runs wait for the whole agent loop, so it is generous.
const DefaultHTTPTimeout = 2 * time.Minute

// Client wraps the HTTP interactions with the OpenOps Agent API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Message is one turn of prior conversation passed along with a command.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunRequest describes a command to execute.
type RunRequest struct {
	ID       string         `json:"id,omitempty"`
	Command  string         `json:"command"`
	History  []Message      `json:"history,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// LogEntry is a single hash-chained execution log record.
type LogEntry struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Seq       int64           `json:"seq"`
	Action    string          `json:"action"`
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	PrevHash  string          `json:"prev_hash,omitempty"`
	Hash      string          `json:"hash"`
}

// LogNode is a log entry with its child steps.
type LogNode struct {
	LogEntry
	Children []*LogNode `json:"children,omitempty"`
}

// TaskLog is the full tree of one execution.
type TaskLog struct {
	Root  LogEntry   `json:"root"`
	Steps []*LogNode `json:"steps"`
}

// RunResult is returned by a synchronous run.
type RunResult struct {
	TaskID     string     `json:"task_id"`
	Output     string     `json:"output"`
	Status     string     `json:"status"`
	State      string     `json:"state"`
	Iterations int        `json:"iterations"`
	Log        []LogEntry `json:"log"`
	ErrorCode  string     `json:"error_code,omitempty"`
}

// JobResult is the outcome recorded on a queued job.
type JobResult struct {
	Output     string `json:"output"`
	Outcome    string `json:"outcome"`
	AuditID    string `json:"audit_id"`
	Iterations int    `json:"iterations"`
}

// Job is a queued command and its retry state.
type Job struct {
	ID         string         `json:"id"`
	Command    string         `json:"command"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *JobResult     `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// TaskDetail combines the execution log and, for queued commands, the job.
type TaskDetail struct {
	ID  string   `json:"id"`
	Log *TaskLog `json:"log,omitempty"`
	Job *Job     `json:"job,omitempty"`
}

// Approval is a pending request for human sign-off.
type Approval struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	ToolName    string        `json:"tool_name"`
	Description string        `json:"description"`
	Payload     any           `json:"payload,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	TTL         time.Duration `json:"ttl"`
}

// Tool describes an action the agent may invoke.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	SideEffect  string `json:"side_effect"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("opsagent api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("opsagent api error (%d): %s", e.StatusCode, e.Message)
}

// RunError is returned by Run when the agent finished the task unsuccessfully.
// Result still carries the operator facing output and the execution log.
type RunError struct {
	StatusCode int
	Result     *RunResult
}

func (e *RunError) Error() string {
	return fmt.Sprintf("opsagent task %s failed (%d): %s", e.Result.TaskID, e.StatusCode, e.Result.ErrorCode)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored bearer token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every request.
// An empty token sends unauthenticated requests.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Run executes a command synchronously and waits for the final answer.
func (c *Client) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	var result RunResult
	status, err := c.send(ctx, http.MethodPost, "/api/v1/tasks", nil, req, &result, true)
	if err != nil {
		return nil, err
	}
	if result.ErrorCode != "" || status >= http.StatusBadRequest {
		return &result, &RunError{StatusCode: status, Result: &result}
	}
	return &result, nil
}

// Submit queues a command for asynchronous execution.
func (c *Client) Submit(ctx context.Context, req RunRequest) (*Job, error) {
	payload := struct {
		RunRequest
		Async bool `json:"async"`
	}{RunRequest: req, Async: true}
	var job Job
	if _, err := c.send(ctx, http.MethodPost, "/api/v1/tasks", nil, payload, &job, false); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetTask fetches the execution log and job state by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskDetail, error) {
	var detail TaskDetail
	if _, err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), nil, nil, &detail, false); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListTasks returns the most recent execution log roots.
func (c *Client) ListTasks(ctx context.Context, limit int) ([]LogEntry, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Tasks []LogEntry `json:"tasks"`
	}
	if _, err := c.send(ctx, http.MethodGet, "/api/v1/tasks", query, nil, &out, false); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// ListApprovals returns the approval requests awaiting a decision.
func (c *Client) ListApprovals(ctx context.Context) ([]Approval, error) {
	var out struct {
		Approvals []Approval `json:"approvals"`
	}
	if _, err := c.send(ctx, http.MethodGet, "/api/v1/approvals", nil, nil, &out, false); err != nil {
		return nil, err
	}
	return out.Approvals, nil
}

// ResolveApproval approves or rejects a pending request.
func (c *Client) ResolveApproval(ctx context.Context, id string, approved bool, reason string) error {
	body := map[string]any{
		"type":     "approval_response",
		"id":       id,
		"approved": approved,
		"reason":   reason,
	}
	_, err := c.send(ctx, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(id), nil, body, nil, false)
	return err
}

// ListTools returns the tool catalogue.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if _, err := c.send(ctx, http.MethodGet, "/api/v1/tools", nil, nil, &out, false); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// send performs the request. With decodeOnError the body of a 4xx/5xx reply
// is decoded into out as well, which the synchronous run endpoint relies on.
func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any, decodeOnError bool) (int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out, decodeOnError)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any, decodeOnError bool) (int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		if decodeOnError && out != nil && json.Unmarshal(data, out) == nil && !isErrorEnvelope(data) {
			return resp.StatusCode, nil
		}
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr}); err != nil {
				_ = json.Unmarshal(data, apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return resp.StatusCode, apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func isErrorEnvelope(data []byte) bool {
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	return json.Unmarshal(data, &probe) == nil && len(probe.Error) > 0
}

// IsNotFound reports whether err is an API 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
