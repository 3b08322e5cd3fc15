package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenOps-Agent/internal/approval"
	"OpenOps-Agent/internal/auditlog"
	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/llm"
	"OpenOps-Agent/internal/schema"
	"OpenOps-Agent/internal/tool"
)

type scriptedModel struct {
	mu        sync.Mutex
	responses []scripted
	repeat    *llm.Response
	requests  []llm.Request
}

type scripted struct {
	resp *llm.Response
	err  error
}

func (m *scriptedModel) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.Messages = append([]llm.Message(nil), req.Messages...)
	idx := len(m.requests)
	m.requests = append(m.requests, req)
	if idx < len(m.responses) {
		return m.responses[idx].resp, m.responses[idx].err
	}
	if m.repeat != nil {
		return m.repeat, nil
	}
	return &llm.Response{Content: "Final Answer: done"}, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) lastMessages() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1].Messages
}

type executed struct {
	tool string
	args tool.Arguments
	at   time.Time
}

type fakeExecutor struct {
	mu      sync.Mutex
	calls   []executed
	outcome tool.Outcome
	err     error
}

func (e *fakeExecutor) Execute(_ context.Context, def tool.Definition, args tool.Arguments) (tool.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, executed{tool: def.Name, args: args, at: time.Now()})
	if e.err != nil || !e.outcome.Success && e.outcome.Error != nil {
		return e.outcome, e.err
	}
	return tool.Outcome{Success: true, Data: map[string]any{"tool": def.Name, "ok": true}}, nil
}

type harness struct {
	agent    *Agent
	model    *scriptedModel
	executor *fakeExecutor
	log      *auditlog.Logger
}

func newHarness(t *testing.T, variant schema.Variant, model *scriptedModel, opts ...Option) *harness {
	t.Helper()
	strategy, err := NewStrategy(variant, model, StrategyOptions{})
	require.NoError(t, err)
	exec := &fakeExecutor{}
	log := auditlog.New(auditlog.NewMemoryStore())
	ag, err := New(strategy, tool.MustDefaultRegistry(), exec, append([]Option{WithRecorder(log)}, opts...)...)
	require.NoError(t, err)
	return &harness{agent: ag, model: model, executor: exec, log: log}
}

func (h *harness) run(t *testing.T, id, command string) (*Result, error, *auditlog.TaskLog) {
	t.Helper()
	ctx := context.Background()
	_, err := h.log.StartTask(ctx, id, command)
	require.NoError(t, err)
	res, runErr := h.agent.Run(ctx, &Task{ID: id, Command: command})
	status := auditlog.StatusSuccess
	if runErr != nil {
		status = auditlog.StatusFailed
	}
	require.NoError(t, h.log.Finalize(ctx, id, status))
	taskLog, err := h.log.GetTask(ctx, id)
	require.NoError(t, err)
	require.NoError(t, auditlog.Verify(taskLog.Entries))
	return res, runErr, taskLog
}

func countAction(log *auditlog.TaskLog, action string) int {
	n := 0
	for _, e := range log.Entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func call(name, args string) llm.ToolCall {
	return llm.ToolCall{ID: "call-" + name, Name: name, Arguments: args}
}

func TestScenarioCloseTicketRunsWithoutApproval(t *testing.T) {
	model := &scriptedModel{responses: []scripted{
		{resp: &llm.Response{ToolCalls: []llm.ToolCall{call("close_ticket", `{"id":5}`)}}},
		{resp: &llm.Response{Content: "Ticket 5 is now closed."}},
	}}
	h := newHarness(t, schema.VariantSingleTurnJSON, model)

	res, err, log := h.run(t, "scenario-1", "close ticket 5")
	require.NoError(t, err)
	assert.Equal(t, StateFinal, res.State)
	assert.Contains(t, res.Final, "closed")

	require.Len(t, h.executor.calls, 1)
	assert.Equal(t, "close_ticket", h.executor.calls[0].tool)
	assert.Equal(t, int64(5), h.executor.calls[0].args["id"])
	assert.Zero(t, countAction(log, ActionApprovalRequested))
	assert.Equal(t, 1, countAction(log, ActionToolExecuted))
	assert.Equal(t, auditlog.StatusSuccess, log.Root.Status)

	require.Len(t, res.Calls, 1)
	assert.True(t, res.Calls[0].Outcome.Success)

	// 第二次请求中只包含被执行的调用与其结果。
	msgs := model.lastMessages()
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, llm.RoleTool, msgs[len(msgs)-1].Role)
	assert.Equal(t, "call-close_ticket", msgs[len(msgs)-1].ToolCallID)
	assert.NotEmpty(t, model.requests[0].Functions)
	assert.Empty(t, model.requests[0].Declarations)
}

func autoResolve(t *testing.T, gate *approval.Gate, ch *approval.MemoryChannel, approved bool) (<-chan approval.RequiredEvent, func()) {
	t.Helper()
	events := ch.Subscribe(4)
	seen := make(chan approval.RequiredEvent, 4)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					return
				}
				seen <- evt
				if approved {
					assert.NoError(t, gate.Resolve(evt.ID, true, ""))
				}
			case <-done:
				return
			}
		}
	}()
	return seen, func() { close(done) }
}

func TestScenarioRefundApproved(t *testing.T) {
	model := &scriptedModel{responses: []scripted{
		{resp: &llm.Response{ToolCalls: []llm.ToolCall{call("process_refund", `{"id":6,"reason":"damaged on arrival"}`)}}},
		{resp: &llm.Response{Content: "The refund for order 6 has been issued."}},
	}}
	ch := approval.NewMemoryChannel()
	gate := approval.NewGate(ch, 300*time.Second)
	seen, stop := autoResolve(t, gate, ch, true)
	defer stop()

	h := newHarness(t, schema.VariantStructuredMultiTurn, model, WithApprover(gate))
	res, err, log := h.run(t, "scenario-2", "refund order 6")
	require.NoError(t, err)
	assert.Equal(t, StateFinal, res.State)
	assert.Contains(t, res.Final, "refund")

	evt := <-seen
	assert.Equal(t, "approval_required", evt.Type)
	assert.Equal(t, "process_refund", evt.Action)
	assert.Equal(t, int64(300000), evt.Timeout)
	assert.Equal(t, "scenario-2", evt.TaskID)

	require.Len(t, h.executor.calls, 1)
	assert.Equal(t, "6", h.executor.calls[0].args["id"])

	requested, ok := log.Find(ActionApprovalRequested)
	require.True(t, ok)
	resolved, ok := log.Find(ActionApprovalResolved)
	require.True(t, ok)
	executedEntry, ok := log.Find(ActionToolExecuted)
	require.True(t, ok)
	assert.Equal(t, requested.ID, resolved.ParentID)
	assert.Equal(t, auditlog.StatusSuccess, resolved.Status)
	assert.Less(t, resolved.Seq, executedEntry.Seq)
	assert.NotEmpty(t, model.requests[0].Declarations)
}

func TestScenarioRefundTimesOut(t *testing.T) {
	model := &scriptedModel{responses: []scripted{
		{resp: &llm.Response{ToolCalls: []llm.ToolCall{call("process_refund", `{"id":"6","reason":"late delivery"}`)}}},
		{resp: &llm.Response{Content: "The refund for order 6 was not completed because it was not approved in time."}},
	}}
	gate := approval.NewGate(approval.NewMemoryChannel(), 20*time.Millisecond)
	h := newHarness(t, schema.VariantStructuredMultiTurn, model, WithApprover(gate))

	res, err, log := h.run(t, "scenario-3", "refund order 6")
	require.NoError(t, err)
	assert.Equal(t, StateFinal, res.State)
	assert.Contains(t, res.Final, "not completed")

	assert.Empty(t, h.executor.calls)
	msgs := model.lastMessages()
	assert.Equal(t, "rejected: approval timed out", msgs[len(msgs)-1].Content)

	resolved, ok := log.Find(ActionApprovalResolved)
	require.True(t, ok)
	assert.Equal(t, auditlog.StatusFailed, resolved.Status)
	assert.Equal(t, approval.TimeoutReason, resolved.Error)
	assert.Zero(t, countAction(log, ActionToolExecuted))

	require.Len(t, res.Calls, 1)
	assert.Equal(t, string(xerrors.CodeApprovalTimeout), res.Calls[0].Outcome.Error.Code)
}

func TestRejectedApprovalIsFedBack(t *testing.T) {
	model := &scriptedModel{responses: []scripted{
		{resp: &llm.Response{ToolCalls: []llm.ToolCall{call("delete_post", `{"post_id":"p-1"}`)}}},
		{resp: &llm.Response{Content: "The post was not deleted."}},
	}}
	ch := approval.NewMemoryChannel()
	gate := approval.NewGate(ch, time.Minute)
	events := ch.Subscribe(1)
	go func() {
		evt := <-events
		assert.NoError(t, gate.Resolve(evt.ID, false, "keep it online"))
	}()

	h := newHarness(t, schema.VariantSingleTurnJSON, model, WithApprover(gate))
	res, err, _ := h.run(t, "rejected", "delete post p-1")
	require.NoError(t, err)
	assert.Equal(t, StateFinal, res.State)
	assert.Empty(t, h.executor.calls)
	msgs := model.lastMessages()
	assert.Equal(t, "rejected: keep it online", msgs[len(msgs)-1].Content)
}

func TestScenarioTextualFormatRetry(t *testing.T) {
	model := &scriptedModel{responses: []scripted{
		{resp: &llm.Response{Content: "Thought: I should close it\nAction: close_ticket\nAction Input: not valid json"}},
		{resp: &llm.Response{Content: "Thought: retry with JSON\nAction: close_ticket\nAction Input: {\"id\": 5}"}},
		{resp: &llm.Response{Content: "Thought: done\nFinal Answer: Ticket 5 is closed."}},
	}}
	h := newHarness(t, schema.VariantTextual, model)

	res, err, log := h.run(t, "scenario-4", "close ticket 5")
	require.NoError(t, err)
	assert.Equal(t, StateFinal, res.State)
	assert.Equal(t, "Ticket 5 is closed.", res.Final)
	assert.Equal(t, 3, res.Iterations)

	assert.Equal(t, 1, countAction(log, ActionModelFormatError))
	assert.Equal(t, 1, countAction(log, ActionModelReformulate))
	require.Len(t, h.executor.calls, 1)

	second := model.requests[1].Messages
	assert.Contains(t, second[len(second)-1].Content, "invalid format")
	assert.Equal(t, []string{"\nObservation:"}, model.requests[0].Stop)
	assert.Contains(t, model.requests[0].Messages[0].Content, "close_ticket: ")

	third := model.requests[2].Messages
	assert.True(t, strings.HasPrefix(third[len(third)-1].Content, "Observation: "))
}

func TestTextualFormatRetriesExhausted(t *testing.T) {
	bad := &llm.Response{Content: "I will just do it."}
	model := &scriptedModel{repeat: bad}
	h := newHarness(t, schema.VariantTextual, model, WithFormatRetries(2))

	res, err, log := h.run(t, "format-exhausted", "close ticket 5")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeFormat, xerrors.CodeOf(err))
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 3, model.calls())
	assert.Equal(t, auditlog.StatusFailed, log.Root.Status)
}

func TestScenarioTwoCallsOnlyFirstRuns(t *testing.T) {
	model := &scriptedModel{responses: []scripted{
		{resp: &llm.Response{ToolCalls: []llm.ToolCall{
			call("get_order", `{"order_id":"A-17"}`),
			call("update_order_status", `{"order_id":"A-17","status":"shipped"}`),
		}}},
		{resp: &llm.Response{Content: "Order A-17 is paid; I have not changed its status yet."}},
	}}
	h := newHarness(t, schema.VariantSingleTurnJSON, model)

	res, err, log := h.run(t, "scenario-5", "check order A-17 and mark it shipped")
	require.NoError(t, err)
	assert.Equal(t, StateFinal, res.State)

	require.Len(t, h.executor.calls, 1)
	assert.Equal(t, "get_order", h.executor.calls[0].tool)
	require.Len(t, res.Calls, 1)
	assert.Equal(t, "get_order", res.Calls[0].ToolName)

	discarded, ok := log.Find(ActionToolDiscarded)
	require.True(t, ok)
	assert.Contains(t, string(discarded.Data), "update_order_status")

	// 后续对话中不会出现被丢弃的调用。
	for _, m := range model.lastMessages() {
		for _, tc := range m.ToolCalls {
			assert.NotEqual(t, "update_order_status", tc.Name)
		}
	}
}

func TestTextualMultipleActionsOnlyFirstRuns(t *testing.T) {
	model := &scriptedModel{responses: []scripted{
		{resp: &llm.Response{Content: "Thought: both\nAction: get_order\nAction Input: {\"order_id\":\"A-1\"}\nAction: delete_post\nAction Input: {\"post_id\":\"x\"}"}},
		{resp: &llm.Response{Content: "Final Answer: Order A-1 looks fine."}},
	}}
	h := newHarness(t, schema.VariantTextual, model)
	_, err, log := h.run(t, "textual-two", "check order A-1")
	require.NoError(t, err)
	require.Len(t, h.executor.calls, 1)
	assert.Equal(t, "get_order", h.executor.calls[0].tool)
	assert.Equal(t, 1, countAction(log, ActionToolDiscarded))
}

func TestIterationLimit(t *testing.T) {
	model := &scriptedModel{repeat: &llm.Response{ToolCalls: []llm.ToolCall{call("get_ticket", `{"id":1}`)}}}
	h := newHarness(t, schema.VariantSingleTurnJSON, model, WithMaxIterations(3))

	res, err, log := h.run(t, "loop", "keep looking")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeIterationLimitExceeded, xerrors.CodeOf(err))
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 3, model.calls())
	assert.Len(t, h.executor.calls, 3)
	assert.Equal(t, 1, countAction(log, ActionIterationLimit))
	assert.Equal(t, auditlog.StatusFailed, log.Root.Status)
}

func TestUnknownToolAndInvalidArgumentsAreObservations(t *testing.T) {
	model := &scriptedModel{responses: []scripted{
		{resp: &llm.Response{ToolCalls: []llm.ToolCall{call("drop_database", `{}`)}}},
		{resp: &llm.Response{ToolCalls: []llm.ToolCall{call("close_ticket", `{"id":"five"}`)}}},
		{resp: &llm.Response{Content: "I could not close the ticket."}},
	}}
	h := newHarness(t, schema.VariantSingleTurnJSON, model)

	res, err, log := h.run(t, "recoverable", "close ticket five")
	require.NoError(t, err)
	assert.Equal(t, StateFinal, res.State)
	assert.Empty(t, h.executor.calls)
	assert.Equal(t, 2, countAction(log, ActionToolInvalid))

	second := model.requests[1].Messages
	assert.Contains(t, second[len(second)-1].Content, "unknown tool")
	third := model.requests[2].Messages
	assert.Contains(t, third[len(third)-1].Content, "invalid arguments")
	require.Len(t, res.Calls, 2)
}

func TestBackendFailureIsRecoverable(t *testing.T) {
	model := &scriptedModel{responses: []scripted{
		{resp: &llm.Response{ToolCalls: []llm.ToolCall{call("get_ticket", `{"id":404}`)}}},
		{resp: &llm.Response{Content: "Ticket 404 does not exist."}},
	}}
	h := newHarness(t, schema.VariantSingleTurnJSON, model)
	h.executor.outcome = tool.Outcome{Error: &tool.OutcomeError{Code: "NOT_FOUND", Message: "ticket 404 not found"}}
	h.executor.err = xerrors.New(xerrors.CodeToolExecution, "ticket 404 not found")

	res, err, _ := h.run(t, "backend-fail", "show ticket 404")
	require.NoError(t, err)
	assert.Equal(t, StateFinal, res.State)
	msgs := model.lastMessages()
	assert.Equal(t, "error: ticket 404 not found", msgs[len(msgs)-1].Content)
}

func TestBackendCredentialsAreFatal(t *testing.T) {
	model := &scriptedModel{responses: []scripted{
		{resp: &llm.Response{ToolCalls: []llm.ToolCall{call("get_ticket", `{"id":1}`)}}},
	}}
	h := newHarness(t, schema.VariantSingleTurnJSON, model)
	h.executor.err = xerrors.New(xerrors.CodeFatalConfiguration, "backend rejected credentials (401)")

	res, err, log := h.run(t, "backend-401", "show ticket 1")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeFatalConfiguration, xerrors.CodeOf(err))
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, model.calls())
	assert.Equal(t, auditlog.StatusFailed, log.Root.Status)
}

func TestFirstModelFailureIsFatal(t *testing.T) {
	model := &scriptedModel{responses: []scripted{
		{err: xerrors.New(xerrors.CodeTimeout, "model timed out")},
	}}
	h := newHarness(t, schema.VariantSingleTurnJSON, model)
	_, err, _ := h.run(t, "first-fail", "close ticket 5")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeFatalConfiguration, xerrors.CodeOf(err))
	assert.Equal(t, 1, model.calls())
}

func TestLaterModelFailureIsRetried(t *testing.T) {
	model := &scriptedModel{responses: []scripted{
		{resp: &llm.Response{ToolCalls: []llm.ToolCall{call("get_ticket", `{"id":1}`)}}},
		{err: xerrors.New(xerrors.CodeTimeout, "model timed out")},
		{resp: &llm.Response{Content: "Ticket 1 is open."}},
	}}
	h := newHarness(t, schema.VariantSingleTurnJSON, model)
	res, err, log := h.run(t, "later-fail", "show ticket 1")
	require.NoError(t, err)
	assert.Equal(t, StateFinal, res.State)
	assert.Equal(t, 3, model.calls())
	assert.Equal(t, 1, countAction(log, ActionModelError))
}

func TestSensitiveToolWithoutGateIsFatal(t *testing.T) {
	model := &scriptedModel{responses: []scripted{
		{resp: &llm.Response{ToolCalls: []llm.ToolCall{call("set_maintenance_mode", `{"enabled":true}`)}}},
	}}
	h := newHarness(t, schema.VariantSingleTurnJSON, model)
	_, err, _ := h.run(t, "no-gate", "enable maintenance")
	assert.Equal(t, xerrors.CodeFatalConfiguration, xerrors.CodeOf(err))
	assert.Empty(t, h.executor.calls)
}

func TestLogCompletenessParentsResolve(t *testing.T) {
	model := &scriptedModel{responses: []scripted{
		{resp: &llm.Response{ToolCalls: []llm.ToolCall{call("process_refund", `{"id":"9","reason":"x"}`)}}},
		{resp: &llm.Response{Content: "Not refunded."}},
	}}
	gate := approval.NewGate(approval.NewMemoryChannel(), 10*time.Millisecond)
	h := newHarness(t, schema.VariantSingleTurnJSON, model, WithApprover(gate))
	_, err, log := h.run(t, "complete", "refund order 9")
	require.NoError(t, err)

	seen := map[string]bool{log.Root.ID: true}
	for _, e := range log.Entries[1:] {
		assert.True(t, seen[e.ParentID], "entry %s has unresolved parent %s", e.Action, e.ParentID)
		seen[e.ID] = true
	}
	assert.True(t, log.Root.Status.Terminal())
}

func TestContextCancellationStopsLoop(t *testing.T) {
	model := &scriptedModel{repeat: &llm.Response{ToolCalls: []llm.ToolCall{call("get_ticket", `{"id":1}`)}}}
	strategy, err := NewStrategy(schema.VariantSingleTurnJSON, model, StrategyOptions{})
	require.NoError(t, err)
	ag, err := New(strategy, tool.MustDefaultRegistry(), &fakeExecutor{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := ag.Run(ctx, &Task{Command: "anything"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, model.calls())
}

func TestNewStrategyRejectsUnknownVariant(t *testing.T) {
	_, err := NewStrategy(schema.Variant("smoke_signals"), &scriptedModel{}, StrategyOptions{})
	assert.Equal(t, xerrors.CodeFatalConfiguration, xerrors.CodeOf(err))
	_, err = NewStrategy(schema.VariantTextual, nil, StrategyOptions{})
	assert.Equal(t, xerrors.CodeFatalConfiguration, xerrors.CodeOf(err))
}
