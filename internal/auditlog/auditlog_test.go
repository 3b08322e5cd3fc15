package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenOps-Agent/internal/errors"
)

func newTestLogger(t *testing.T, opts ...Option) (*Logger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	var n int64
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	defaults := []Option{
		WithIDGenerator(func() string { return fmt.Sprintf("e-%d", atomic.AddInt64(&n, 1)) }),
		WithClock(func() time.Time { return base.Add(time.Duration(atomic.LoadInt64(&n)) * time.Millisecond) }),
	}
	return New(store, append(defaults, opts...)...), store
}

func TestStartAppendFinalize(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLogger(t)

	root, err := l.StartTask(ctx, "task-1", "refund order 77")
	require.NoError(t, err)
	assert.Equal(t, "task-1", root)

	req, err := l.AppendStep(ctx, root, Step{Action: "approval.requested", Status: StatusPending, Data: map[string]string{"tool": "process_refund"}})
	require.NoError(t, err)
	_, err = l.AppendStep(ctx, root, Step{ParentID: req, Action: "approval.resolved", Status: StatusFailed, Error: "timeout"})
	require.NoError(t, err)
	_, err = l.AppendStep(ctx, root, Step{Action: "model.response"})
	require.NoError(t, err)

	require.NoError(t, l.Finalize(ctx, root, StatusFailed))

	log, err := l.GetTask(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, log.Root.Status)
	assert.Equal(t, ActionTaskStarted, log.Root.Action)
	require.Len(t, log.Steps, 3)
	assert.Equal(t, "approval.requested", log.Steps[0].Action)
	require.Len(t, log.Steps[0].Children, 1)
	assert.Equal(t, "timeout", log.Steps[0].Children[0].Error)
	assert.Equal(t, ActionTaskFinalized, log.Steps[2].Action)

	var data map[string]string
	require.NoError(t, json.Unmarshal(log.Steps[0].Data, &data))
	assert.Equal(t, "process_refund", data["tool"])

	require.NoError(t, Verify(log.Entries))
	assert.Len(t, log.Flatten(), 4)
	_, ok := log.Find("approval.resolved")
	assert.True(t, ok)
}

func TestFinalizeOnlyOnce(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLogger(t)
	root, err := l.StartTask(ctx, "task-2", "close ticket")
	require.NoError(t, err)

	require.NoError(t, l.Finalize(ctx, root, StatusSuccess))
	err = l.Finalize(ctx, root, StatusFailed)
	assert.True(t, errors.Is(err, ErrAlreadyFinalized))

	_, err = l.AppendStep(ctx, root, Step{Action: "late"})
	assert.True(t, errors.Is(err, ErrAlreadyFinalized))

	log, err := l.GetTask(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, log.Root.Status)
}

func TestFinalizeRejectsNonTerminalStatus(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLogger(t)
	root, err := l.StartTask(ctx, "task-3", "noop")
	require.NoError(t, err)
	err = l.Finalize(ctx, root, StatusPending)
	assert.Equal(t, CodeInvalidStatus, xerrors.CodeOf(err))
}

func TestAppendValidatesParentAndTask(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLogger(t)

	_, err := l.AppendStep(ctx, "missing", Step{Action: "x"})
	assert.True(t, errors.Is(err, ErrTaskNotFound))

	root, err := l.StartTask(ctx, "task-4", "noop")
	require.NoError(t, err)
	_, err = l.AppendStep(ctx, root, Step{ParentID: "ghost", Action: "x"})
	assert.Equal(t, CodeParentNotFound, xerrors.CodeOf(err))

	_, err = l.AppendStep(ctx, root, Step{Action: ""})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = l.StartTask(ctx, "task-4", "again")
	assert.True(t, errors.Is(err, ErrDuplicateTask))
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLogger(t)
	root, err := l.StartTask(ctx, "task-5", "publish post")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.AppendStep(ctx, root, Step{Action: "tool.executed", Data: map[string]int{"i": i}})
		require.NoError(t, err)
	}
	require.NoError(t, l.Finalize(ctx, root, StatusSuccess))

	entries, err := l.Entries(ctx, root)
	require.NoError(t, err)
	require.NoError(t, Verify(entries))

	tampered := append([]Entry(nil), entries...)
	tampered[2].Data = json.RawMessage(`{"i":42}`)
	assert.Equal(t, CodeChainBroken, xerrors.CodeOf(Verify(tampered)))

	dropped := append(append([]Entry(nil), entries[:2]...), entries[3:]...)
	assert.Equal(t, CodeChainBroken, xerrors.CodeOf(Verify(dropped)))
}

func TestRootStatusChangeKeepsChainValid(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLogger(t)
	root, err := l.StartTask(ctx, "task-6", "noop")
	require.NoError(t, err)
	require.NoError(t, l.Finalize(ctx, root, StatusSuccess))

	entries, err := store.Entries(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, entries[0].Status)
	assert.NoError(t, Verify(entries))
}

func TestConcurrentTasksKeepIndependentChains(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			root, err := l.StartTask(ctx, fmt.Sprintf("par-%d", i), "cmd")
			if !assert.NoError(t, err) {
				return
			}
			for j := 0; j < 5; j++ {
				_, err := l.AppendStep(ctx, root, Step{Action: "model.response"})
				assert.NoError(t, err)
			}
			assert.NoError(t, l.Finalize(ctx, root, StatusSuccess))
		}(i)
	}
	wg.Wait()

	roots, err := l.ListTasks(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, roots, 8)
	for _, r := range roots {
		entries, err := l.Entries(ctx, r.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 7)
		assert.NoError(t, Verify(entries))
	}
}

func TestListTasksNewestFirstAndLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLogger(t)
	for i := 0; i < 3; i++ {
		_, err := l.StartTask(ctx, fmt.Sprintf("t-%d", i), "cmd")
		require.NoError(t, err)
	}
	roots, err := l.ListTasks(ctx, 2)
	require.NoError(t, err)
	require.Len(t, roots, 2)
	assert.Equal(t, "t-2", roots[0].ID)
	assert.Equal(t, "t-1", roots[1].ID)

	_, err = l.GetTask(ctx, "nope")
	assert.True(t, errors.Is(err, ErrTaskNotFound))
}

func TestLoggerResumesFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	first := New(store)
	root, err := first.StartTask(ctx, "resume", "cmd")
	require.NoError(t, err)
	_, err = first.AppendStep(ctx, root, Step{Action: "model.response"})
	require.NoError(t, err)

	second := New(store)
	_, err = second.AppendStep(ctx, root, Step{Action: "tool.executed"})
	require.NoError(t, err)
	require.NoError(t, second.Finalize(ctx, root, StatusSuccess))

	entries, err := store.Entries(ctx, root)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.NoError(t, Verify(entries))
}

type recordingSink struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *recordingSink) Write(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func TestSinksReceiveEveryEntry(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	l, _ := newTestLogger(t, WithSink(sink))
	root, err := l.StartTask(ctx, "sinked", "cmd")
	require.NoError(t, err)
	_, err = l.AppendStep(ctx, root, Step{Action: "model.response"})
	require.NoError(t, err)
	require.NoError(t, l.Finalize(ctx, root, StatusSuccess))
	assert.Len(t, sink.entries, 3)
}

func TestClickHouseSinkBatchesAndDrains(t *testing.T) {
	s, err := newClickHouseSink(nil, ClickHouseConfig{BatchSize: 2, FlushInterval: time.Hour})
	require.NoError(t, err)

	var mu sync.Mutex
	var batches [][]Entry
	s.flushFn = func(entries []Entry) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, append([]Entry(nil), entries...))
	}
	go s.flushLoop()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Write(context.Background(), Entry{ID: fmt.Sprintf("c-%d", i), Seq: int64(i)}))
	}
	require.NoError(t, s.Close())

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for _, b := range batches {
		assert.LessOrEqual(t, len(b), 2)
		total += len(b)
	}
	assert.Equal(t, 5, total)
}

func TestClickHouseSinkRejectsBadTableName(t *testing.T) {
	_, err := newClickHouseSink(nil, ClickHouseConfig{Table: "logs; DROP TABLE x"})
	assert.Equal(t, xerrors.CodeFatalConfiguration, xerrors.CodeOf(err))
}

func TestLoggerReleasesFinishedAndUnknownTasks(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLogger(t)

	for i := 0; i < 200; i++ {
		root, err := l.StartTask(ctx, fmt.Sprintf("done-%d", i), "close ticket")
		require.NoError(t, err)
		_, err = l.AppendStep(ctx, root, Step{Action: "tool.executed"})
		require.NoError(t, err)
		require.NoError(t, l.Finalize(ctx, root, StatusSuccess))
	}
	for i := 0; i < 100; i++ {
		_, err := l.AppendStep(ctx, fmt.Sprintf("ghost-%d", i), Step{Action: "x"})
		require.ErrorIs(t, err, ErrTaskNotFound)
		require.ErrorIs(t, l.Finalize(ctx, fmt.Sprintf("ghost-%d", i), StatusFailed), ErrTaskNotFound)
	}

	open, err := l.StartTask(ctx, "running", "restart worker")
	require.NoError(t, err)

	l.mu.Lock()
	tracked := len(l.tasks)
	_, stillOpen := l.tasks[open]
	l.mu.Unlock()
	assert.Equal(t, 1, tracked)
	assert.True(t, stillOpen)

	// 回收后的任务从存储重建，仍然拒绝再次写入。
	_, err = l.AppendStep(ctx, "done-7", Step{Action: "late"})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.ErrorIs(t, l.Finalize(ctx, "done-7", StatusFailed), ErrAlreadyFinalized)
	_, err = l.StartTask(ctx, "done-7", "again")
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

type failingStatusStore struct {
	*MemoryStore
}

func (failingStatusStore) SetStatus(context.Context, string, Status) error {
	return errors.New("connection reset")
}

func TestFinalizeCountsOnceWhenStatusUpdateFails(t *testing.T) {
	ctx := context.Background()
	l := New(failingStatusStore{NewMemoryStore()})
	root, err := l.StartTask(ctx, "flaky", "close ticket")
	require.NoError(t, err)

	err = l.Finalize(ctx, root, StatusSuccess)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
	assert.ErrorIs(t, l.Finalize(ctx, root, StatusSuccess), ErrAlreadyFinalized)
}
