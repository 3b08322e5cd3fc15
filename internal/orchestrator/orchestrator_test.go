package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenOps-Agent/internal/agent"
	"OpenOps-Agent/internal/auditlog"
	"OpenOps-Agent/internal/config"
	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/llm"
	"OpenOps-Agent/internal/tool"
)

// modelFunc 让测试按请求内容决定模型回复。
type modelFunc func(req llm.Request) (*llm.Response, error)

func (f modelFunc) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	return f(req)
}

// closeThenAnswer 先请求关闭工单，收到工具结果后给出最终回答。
func closeThenAnswer(req llm.Request) (*llm.Response, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Role == llm.RoleTool {
		return &llm.Response{Content: "Ticket 5 is now closed."}, nil
	}
	return &llm.Response{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "close_ticket", Arguments: `{"id":5}`}}}, nil
}

type stubExecutor struct {
	calls atomic.Int32
}

func (s *stubExecutor) Execute(context.Context, tool.Definition, tool.Arguments) (tool.Outcome, error) {
	s.calls.Add(1)
	return tool.Outcome{Success: true, Data: map[string]any{"status": "closed"}}, nil
}

type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *recordingMetrics) TaskFinished(status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[status]++
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Backend.BaseURL = "http://backend.invalid"
	cfg.LLM.APIKey = "test"
	return cfg
}

func build(t *testing.T, cfg *config.Config, comp Components) *Engine {
	t.Helper()
	eng, err := Build(context.Background(), cfg, comp)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestRunTaskReturnsAnswerAndFinalizedLog(t *testing.T) {
	exec := &stubExecutor{}
	metrics := &recordingMetrics{}
	eng := build(t, testConfig(), Components{Model: modelFunc(closeThenAnswer), Executor: exec, TaskMetrics: metrics})

	res, err := eng.Orchestrator.RunTask(context.Background(), "close ticket 5", nil)
	require.NoError(t, err)
	assert.Equal(t, "Ticket 5 is now closed.", res.Output)
	assert.Equal(t, auditlog.StatusSuccess, res.Status)
	assert.Equal(t, agent.StateFinal, res.State)
	assert.EqualValues(t, 1, exec.calls.Load())

	require.NotEmpty(t, res.Log)
	root := res.Log[0]
	assert.True(t, root.IsRoot())
	assert.Equal(t, res.TaskID, root.ID)
	assert.Equal(t, auditlog.StatusSuccess, root.Status)
	assert.Equal(t, auditlog.ActionTaskFinalized, res.Log[len(res.Log)-1].Action)
	require.NoError(t, auditlog.Verify(res.Log))
	assert.Equal(t, 1, metrics.counts[string(auditlog.StatusSuccess)])

	// 日志根节点已终结，不能再次终结。
	err = eng.AuditLog.Finalize(context.Background(), res.TaskID, auditlog.StatusFailed)
	assert.ErrorIs(t, err, auditlog.ErrAlreadyFinalized)
}

func TestRunTaskFailureHasFriendlyOutput(t *testing.T) {
	looping := modelFunc(func(llm.Request) (*llm.Response, error) {
		return &llm.Response{ToolCalls: []llm.ToolCall{{ID: "c", Name: "get_ticket", Arguments: `{"id":1}`}}}, nil
	})
	cfg := testConfig()
	cfg.Agent.MaxIterations = 2
	eng := build(t, cfg, Components{Model: looping, Executor: &stubExecutor{}})

	res, err := eng.Orchestrator.RunTask(context.Background(), "look at ticket 1 forever", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeIterationLimitExceeded, xerrors.CodeOf(err))
	assert.Equal(t, failureMessages[xerrors.CodeIterationLimitExceeded], res.Output)
	assert.NotContains(t, res.Output, "get_ticket")
	assert.Equal(t, auditlog.StatusFailed, res.Status)
	assert.Equal(t, auditlog.StatusFailed, res.Log[0].Status)

	finalized := 0
	for _, e := range res.Log {
		if e.Action == auditlog.ActionTaskFinalized {
			finalized++
		}
	}
	assert.Equal(t, 1, finalized)
}

func TestRunTaskModelUnreachable(t *testing.T) {
	down := modelFunc(func(llm.Request) (*llm.Response, error) {
		return nil, xerrors.New(xerrors.CodeTimeout, "dial tcp: i/o timeout")
	})
	eng := build(t, testConfig(), Components{Model: down, Executor: &stubExecutor{}})

	res, err := eng.Orchestrator.RunTask(context.Background(), "close ticket 5", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeFatalConfiguration, xerrors.CodeOf(err))
	assert.Equal(t, failureMessages[xerrors.CodeFatalConfiguration], res.Output)
	assert.NotContains(t, res.Output, "dial tcp")
}

func TestRunTaskEmptyCommand(t *testing.T) {
	eng := build(t, testConfig(), Components{Model: modelFunc(closeThenAnswer), Executor: &stubExecutor{}})
	res, err := eng.Orchestrator.RunTask(context.Background(), "   ", nil)
	require.Error(t, err)
	assert.NotEmpty(t, res.Output)
	assert.Equal(t, auditlog.StatusFailed, res.Log[0].Status)
}

func TestRunTaskPassesHistory(t *testing.T) {
	var seen []llm.Message
	var mu sync.Mutex
	model := modelFunc(func(req llm.Request) (*llm.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append([]llm.Message(nil), req.Messages...)
		return &llm.Response{Content: "Ticket 5 was closed earlier today."}, nil
	})
	eng := build(t, testConfig(), Components{Model: model, Executor: &stubExecutor{}})
	history := []llm.Message{
		{Role: llm.RoleUser, Content: "close ticket 5"},
		{Role: llm.RoleAssistant, Content: "Ticket 5 is now closed."},
	}
	res, err := eng.Orchestrator.RunTask(context.Background(), "is ticket 5 closed?", history)
	require.NoError(t, err)
	assert.Equal(t, "Ticket 5 was closed earlier today.", res.Output)
	require.Len(t, seen, 4)
	assert.Equal(t, "close ticket 5", seen[1].Content)
	assert.Equal(t, "is ticket 5 closed?", seen[3].Content)
}

func TestRunTaskDuplicateID(t *testing.T) {
	eng := build(t, testConfig(), Components{Model: modelFunc(closeThenAnswer), Executor: &stubExecutor{}})
	_, err := eng.Orchestrator.RunTaskWithID(context.Background(), "fixed", "close ticket 5", nil)
	require.NoError(t, err)
	res, err := eng.Orchestrator.RunTaskWithID(context.Background(), "fixed", "close ticket 5", nil)
	assert.ErrorIs(t, err, auditlog.ErrDuplicateTask)
	assert.Equal(t, defaultFailureMessage, res.Output)
}

func TestConcurrentTasksKeepSeparateLogs(t *testing.T) {
	exec := &stubExecutor{}
	eng := build(t, testConfig(), Components{Model: modelFunc(closeThenAnswer), Executor: exec})

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := eng.Orchestrator.RunTaskWithID(context.Background(), fmt.Sprintf("task-%d", i), "close ticket 5", nil)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, n, exec.calls.Load())
	for i, res := range results {
		require.NotNil(t, res)
		assert.NoError(t, auditlog.Verify(res.Log))
		for _, e := range res.Log {
			assert.Equal(t, fmt.Sprintf("task-%d", i), e.TaskID)
		}
	}
	roots, err := eng.AuditLog.ListTasks(context.Background(), 50)
	require.NoError(t, err)
	assert.Len(t, roots, n)
}

func TestBuildWiresBackendClient(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.Method + " " + r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"action":  "close_ticket",
			"data":    map[string]any{"id": 5, "status": "closed"},
			"logId":   "log-1",
		})
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Backend.BaseURL = srv.URL
	cfg.Backend.Token = "secret"
	eng := build(t, cfg, Components{Model: modelFunc(closeThenAnswer)})

	res, err := eng.Orchestrator.RunTask(context.Background(), "close ticket 5", nil)
	require.NoError(t, err)
	assert.Equal(t, "Ticket 5 is now closed.", res.Output)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "POST /tickets/5/close", gotPath)
}

func TestBuildRejectsBadConfiguration(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.Variant = "carrier_pigeon"
	_, err := Build(context.Background(), cfg, Components{Model: modelFunc(closeThenAnswer), Executor: &stubExecutor{}})
	assert.Equal(t, xerrors.CodeFatalConfiguration, xerrors.CodeOf(err))

	cfg = testConfig()
	cfg.Backend.BaseURL = ""
	_, err = Build(context.Background(), cfg, Components{Model: modelFunc(closeThenAnswer)})
	assert.Equal(t, xerrors.CodeFatalConfiguration, xerrors.CodeOf(err))

	cfg = testConfig()
	cfg.Approval.Channel = "fax"
	_, err = Build(context.Background(), cfg, Components{Model: modelFunc(closeThenAnswer), Executor: &stubExecutor{}})
	assert.Equal(t, xerrors.CodeFatalConfiguration, xerrors.CodeOf(err))
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(nil, auditlog.New(auditlog.NewMemoryStore()))
	assert.Equal(t, xerrors.CodeFatalConfiguration, xerrors.CodeOf(err))
}

type statusFailingStore struct {
	*auditlog.MemoryStore
}

func (statusFailingStore) SetStatus(context.Context, string, auditlog.Status) error {
	return fmt.Errorf("connection reset by peer")
}

func TestRunTaskFinalizeFailureIsNotRetryable(t *testing.T) {
	exec := &stubExecutor{}
	eng := build(t, testConfig(), Components{
		Model:      modelFunc(closeThenAnswer),
		Executor:   exec,
		AuditStore: statusFailingStore{auditlog.NewMemoryStore()},
	})

	res, err := eng.Orchestrator.RunTask(context.Background(), "close ticket 5", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
	assert.False(t, xerrors.RetryableError(err))
	assert.Equal(t, agent.StateFinal, res.State)
	assert.Equal(t, "Ticket 5 is now closed.", res.Output)
	assert.EqualValues(t, 1, exec.calls.Load())
}
