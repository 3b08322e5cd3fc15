package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenOps-Agent/internal/approval"
	"OpenOps-Agent/internal/auditlog"
	"OpenOps-Agent/internal/auth"
	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/llm"
	"OpenOps-Agent/internal/observability/metrics"
	"OpenOps-Agent/internal/orchestrator"
	"OpenOps-Agent/internal/task"
	"OpenOps-Agent/internal/tool"
)

type runnerFunc func(ctx context.Context, command string, history []llm.Message) (*orchestrator.Result, error)

func (f runnerFunc) RunTask(ctx context.Context, command string, history []llm.Message) (*orchestrator.Result, error) {
	return f(ctx, command, history)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestCreateTaskSync(t *testing.T) {
	var gotCommand string
	runner := runnerFunc(func(_ context.Context, command string, _ []llm.Message) (*orchestrator.Result, error) {
		gotCommand = command
		return &orchestrator.Result{TaskID: "t1", Output: "Ticket 5 is now closed.", Status: auditlog.StatusSuccess}, nil
	})
	h := NewServer(":0", Dependencies{Runner: runner}).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/tasks", map[string]any{"command": "close ticket 5"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "close ticket 5", gotCommand)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "t1", body["task_id"])
	assert.Equal(t, "Ticket 5 is now closed.", body["output"])
	assert.NotContains(t, body, "error_code")
}

func TestCreateTaskSyncFailureKeepsFriendlyOutput(t *testing.T) {
	runner := runnerFunc(func(context.Context, string, []llm.Message) (*orchestrator.Result, error) {
		return &orchestrator.Result{TaskID: "t1", Output: "Please enter a command to run.", Status: auditlog.StatusFailed},
			xerrors.New(xerrors.CodeInvalidArgument, "command is empty")
	})
	h := NewServer(":0", Dependencies{Runner: runner}).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/tasks", map[string]any{"command": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "Please enter a command to run.", body["output"])
	assert.Equal(t, string(xerrors.CodeInvalidArgument), body["error_code"])
}

func TestCreateTaskAsync(t *testing.T) {
	store := task.NewMemoryStore()
	svc := task.NewService(store, task.NewMemoryQueue(8), 3)
	h := NewServer(":0", Dependencies{Tasks: svc}).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/tasks", map[string]any{"id": "job-1", "command": "close ticket 5", "async": true})
	require.Equal(t, http.StatusAccepted, rec.Code)
	job := decode[task.Task](t, rec)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, task.StatusPending, job.Status)

	rec = do(t, h, http.MethodGet, "/api/v1/jobs?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decode[struct {
		Jobs  []task.Task    `json:"jobs"`
		Stats task.TaskStats `json:"stats"`
	}](t, rec)
	require.Len(t, listing.Jobs, 1)
	assert.Equal(t, 1, listing.Stats.Pending)

	rec = do(t, h, http.MethodGet, "/api/v1/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobsFilters(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	svc := task.NewService(store, task.NewMemoryQueue(8), 3)
	h := NewServer(":0", Dependencies{Tasks: svc}).Handler()

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		_, err := svc.Submit(ctx, task.SubmitRequest{ID: id, Command: "close ticket 5"})
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkSucceeded(ctx, "job-1", task.ExecutionResult{Output: "closed", AuditID: "job-1"}))
	require.NoError(t, store.MarkFailed(ctx, "job-2", task.Failure{Code: xerrors.CodeApprovalRejected, Message: "rejected", Terminal: true}))

	type listing struct {
		Jobs  []task.Task    `json:"jobs"`
		Stats task.TaskStats `json:"stats"`
	}
	list := func(query string) listing {
		rec := do(t, h, http.MethodGet, "/api/v1/jobs?"+query, nil)
		require.Equal(t, http.StatusOK, rec.Code, query)
		return decode[listing](t, rec)
	}

	withResult := list("has_result=true")
	require.Len(t, withResult.Jobs, 1)
	assert.Equal(t, "job-1", withResult.Jobs[0].ID)

	withoutResult := list("has_result=false")
	assert.Len(t, withoutResult.Jobs, 2)
	assert.Equal(t, 1, withoutResult.Stats.Pending)
	assert.Equal(t, 1, withoutResult.Stats.ByErrorCode[string(xerrors.CodeApprovalRejected)])

	rejected := list("error_code=approval_rejected")
	require.Len(t, rejected.Jobs, 1)
	assert.Equal(t, "job-2", rejected.Jobs[0].ID)

	hourAgo := time.Now().Add(-time.Hour)
	assert.Len(t, list("updated_after="+hourAgo.Format(time.RFC3339)).Jobs, 3)
	assert.Empty(t, list("updated_before="+strconv.FormatInt(hourAgo.Unix(), 10)).Jobs)
	assert.Empty(t, list("updated_after="+strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)).Jobs)

	for _, bad := range []string{
		"has_result=maybe",
		"updated_after=yesterday",
		"updated_after=2030-01-02T00:00:00Z&updated_before=2030-01-01T00:00:00Z",
	} {
		rec := do(t, h, http.MethodGet, "/api/v1/jobs?"+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestCreateTaskAsyncRecordsOperator(t *testing.T) {
	authSvc, err := auth.NewService(auth.Config{Mode: auth.ModeToken, Tokens: []auth.StaticToken{
		{Name: "oncall", Token: "run", Permissions: []string{auth.PermTasksRun}},
	}})
	require.NoError(t, err)
	svc := task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(8), 3)
	h := NewServer(":0", Dependencies{Tasks: svc, Auth: authSvc}).Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"id":"job-9","command":"close ticket 9","async":true}`))
	req.Header.Set("Authorization", "Bearer run")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	job, err := svc.Get(context.Background(), "job-9")
	require.NoError(t, err)
	assert.Equal(t, "oncall", job.Metadata["submitted_by"])
}

func TestCreateTaskRequiresComponents(t *testing.T) {
	h := NewServer(":0", Dependencies{}).Handler()
	rec := do(t, h, http.MethodPost, "/api/v1/tasks", map[string]any{"command": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/v1/tasks", map[string]any{"command": "x", "async": true})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("{"))
	out := httptest.NewRecorder()
	h.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestAuditReadAPI(t *testing.T) {
	ctx := context.Background()
	audit := auditlog.New(auditlog.NewMemoryStore())
	_, err := audit.StartTask(ctx, "t1", "close ticket 5")
	require.NoError(t, err)
	_, err = audit.AppendStep(ctx, "t1", auditlog.Step{Action: "tool.close_ticket", Status: auditlog.StatusSuccess})
	require.NoError(t, err)
	require.NoError(t, audit.Finalize(ctx, "t1", auditlog.StatusSuccess))

	h := NewServer(":0", Dependencies{AuditLog: audit}).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/tasks?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decode[struct {
		Tasks []auditlog.Entry `json:"tasks"`
	}](t, rec)
	require.Len(t, listing.Tasks, 1)
	assert.Equal(t, auditlog.StatusSuccess, listing.Tasks[0].Status)

	rec = do(t, h, http.MethodGet, "/api/v1/tasks/t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[struct {
		ID  string            `json:"id"`
		Log *auditlog.TaskLog `json:"log"`
	}](t, rec)
	require.NotNil(t, detail.Log)
	assert.Equal(t, "t1", detail.Log.Root.ID)
	assert.NotEmpty(t, detail.Log.Steps)

	rec = do(t, h, http.MethodGet, "/api/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskDetailFollowsLatestAttempt(t *testing.T) {
	ctx := context.Background()
	audit := auditlog.New(auditlog.NewMemoryStore())
	_, err := audit.StartTask(ctx, task.RunID("job", 2), "close ticket 5")
	require.NoError(t, err)
	require.NoError(t, audit.Finalize(ctx, task.RunID("job", 2), auditlog.StatusSuccess))

	store := task.NewMemoryStore()
	require.NoError(t, store.Create(ctx, &task.Task{ID: "job", Command: "close ticket 5", MaxRetries: 3}))
	require.NoError(t, store.MarkSucceeded(ctx, "job", task.ExecutionResult{Output: "done", AuditID: "job#2"}))
	svc := task.NewService(store, task.NewMemoryQueue(1), 3)

	h := NewServer(":0", Dependencies{AuditLog: audit, Tasks: svc}).Handler()
	rec := do(t, h, http.MethodGet, "/api/v1/tasks/job", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[struct {
		Log *auditlog.TaskLog `json:"log"`
		Job *task.Task        `json:"job"`
	}](t, rec)
	require.NotNil(t, detail.Job)
	require.NotNil(t, detail.Log)
	assert.Equal(t, "job#2", detail.Log.Root.ID)
	assert.Equal(t, task.StatusSucceeded, detail.Job.Status)
}

func TestApprovalsAPI(t *testing.T) {
	gate := approval.NewGate(approval.NewMemoryChannel(), time.Minute)
	h := NewServer(":0", Dependencies{Approvals: gate}).Handler()

	type outcome struct {
		resp approval.Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := gate.RequestApproval(context.Background(), approval.Request{
			TaskID:      "t1",
			ToolName:    "process_refund",
			Description: "refund order 7",
		})
		done <- outcome{resp, err}
	}()

	var pending []approval.Request
	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/api/v1/approvals", nil)
		body := decode[struct {
			Approvals []approval.Request `json:"approvals"`
		}](t, rec)
		pending = body.Approvals
		return len(pending) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "process_refund", pending[0].ToolName)

	id := pending[0].ID
	rec := do(t, h, http.MethodPost, "/api/v1/approvals/"+id, map[string]any{"type": "approval_response", "approved": true})
	require.Equal(t, http.StatusOK, rec.Code)

	got := <-done
	require.NoError(t, got.err)
	assert.True(t, got.resp.Approved())

	rec = do(t, h, http.MethodPost, "/api/v1/approvals/"+id, map[string]any{"approved": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/approvals/x", map[string]any{"type": "approval_required"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToolsAndMetricsEndpoints(t *testing.T) {
	m := metrics.New(false)
	h := NewServer(":0", Dependencies{Tools: tool.MustDefaultRegistry(), Metrics: m}).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Tools []tool.Definition `json:"tools"`
	}](t, rec)
	names := make([]string, 0, len(body.Tools))
	for _, d := range body.Tools {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "close_ticket")
	assert.Contains(t, names, "process_refund")

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `openops_http_requests_total{code="200",handler="tools.list",method="GET"} 1`)
}

func TestRoutesRequirePermissions(t *testing.T) {
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeToken, Tokens: []auth.StaticToken{
		{Name: "viewer", Token: "view", Permissions: []string{auth.PermTasksRead, auth.PermApprovalsRead}},
		{Name: "approver", Token: "approve", Permissions: []string{auth.PermApprovalsResolve}},
	}})
	require.NoError(t, err)

	gate := approval.NewGate(approval.NewMemoryChannel(), time.Minute)
	defer gate.Close()
	h := NewServer(":0", Dependencies{Approvals: gate, AuditLog: auditlog.New(auditlog.NewMemoryStore()), Auth: svc}).Handler()

	call := func(method, path, token string) int {
		req := httptest.NewRequest(method, path, strings.NewReader(`{"approved":false}`))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/api/v1/tasks", ""))
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/api/v1/tasks", "view"))
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/api/v1/approvals", "view"))
	assert.Equal(t, http.StatusForbidden, call(http.MethodPost, "/api/v1/approvals/a1", "view"))
	// 认证通过后才会查找审批请求。
	assert.Equal(t, http.StatusNotFound, call(http.MethodPost, "/api/v1/approvals/a1", "approve"))
	assert.Equal(t, http.StatusForbidden, call(http.MethodGet, "/api/v1/tasks", "approve"))
}
