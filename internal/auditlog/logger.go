package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/pkg/logger"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Sink 接收已经落盘的条目副本，例如写入分析型数据库。Sink 的失败不会影响主流程。
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// Option 用于定制 Logger。
type Option func(*Logger)

// WithSink 追加一个旁路输出。
func WithSink(s Sink) Option {
	return func(l *Logger) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIDGenerator 替换子条目 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(l *Logger) {
		if gen != nil {
			l.newID = gen
		}
	}
}

// WithLogger 指定运行日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(l *Logger) {
		if log != nil {
			l.log = log
		}
	}
}

type taskState struct {
	mu sync.Mutex
	// refs 由 Logger.mu 保护，为零时可以回收。
	refs      int
	loaded    bool
	seq       int64
	lastHash  string
	ids       map[string]struct{}
	finalized bool
}

// Logger 维护按任务组织的层级执行日志。
// 同一任务的写入串行化以保证哈希链的顺序，不同任务之间互不阻塞。
type Logger struct {
	store Store
	sinks []Sink
	now   func() time.Time
	newID func() string
	log   *slog.Logger

	mu    sync.Mutex
	tasks map[string]*taskState
}

// New 创建 Logger。
func New(store Store, opts ...Option) *Logger {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Logger{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
		log:   logger.Named("auditlog"),
		tasks: make(map[string]*taskState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// StartTask 创建任务根节点，返回根节点 ID（与任务 ID 相同）。
func (l *Logger) StartTask(ctx context.Context, taskID, command string) (string, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		taskID = uuid.NewString()
	}
	state := l.acquire(taskID)
	defer l.release(taskID, state)
	state.mu.Lock()
	defer state.mu.Unlock()
	if err := l.load(ctx, taskID, state); err != nil {
		return "", err
	}
	if state.seq > 0 {
		return "", ErrDuplicateTask
	}

	entry, err := l.seal(state, Entry{
		ID:     taskID,
		TaskID: taskID,
		Action: ActionTaskStarted,
		Status: StatusPending,
	}, map[string]string{"command": command})
	if err != nil {
		return "", err
	}
	if err := l.store.Append(ctx, entry); err != nil {
		return "", wrapStore(err, "record task start")
	}
	l.commit(state, entry)
	l.publish(ctx, entry)
	return taskID, nil
}

// AppendStep 在任务下追加一条子记录，返回新条目 ID。
func (l *Logger) AppendStep(ctx context.Context, rootID string, step Step) (string, error) {
	if strings.TrimSpace(step.Action) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "step action is required")
	}
	status := step.Status
	if status == "" {
		status = StatusSuccess
	}
	if status != StatusPending && !status.Terminal() {
		return "", xerrors.New(CodeInvalidStatus, fmt.Sprintf("unknown status %q", status))
	}

	state := l.acquire(rootID)
	defer l.release(rootID, state)
	state.mu.Lock()
	defer state.mu.Unlock()
	if err := l.requireOpen(ctx, rootID, state); err != nil {
		return "", err
	}
	parent := step.ParentID
	if parent == "" {
		parent = rootID
	}
	if _, ok := state.ids[parent]; !ok {
		return "", xerrors.New(CodeParentNotFound, fmt.Sprintf("parent %s not found in task %s", parent, rootID))
	}

	entry, err := l.seal(state, Entry{
		ID:       l.newID(),
		TaskID:   rootID,
		ParentID: parent,
		Action:   step.Action,
		Status:   status,
		Error:    step.Error,
	}, step.Data)
	if err != nil {
		return "", err
	}
	if err := l.store.Append(ctx, entry); err != nil {
		return "", wrapStore(err, "append step")
	}
	l.commit(state, entry)
	l.publish(ctx, entry)
	return entry.ID, nil
}

// Finalize 将根节点置为终态。每个任务只能成功调用一次。
func (l *Logger) Finalize(ctx context.Context, rootID string, status Status) error {
	if !status.Terminal() {
		return xerrors.New(CodeInvalidStatus, fmt.Sprintf("finalize requires SUCCESS or FAILED, got %q", status))
	}
	state := l.acquire(rootID)
	defer l.release(rootID, state)
	state.mu.Lock()
	defer state.mu.Unlock()
	if err := l.requireOpen(ctx, rootID, state); err != nil {
		return err
	}

	entry, err := l.seal(state, Entry{
		ID:       l.newID(),
		TaskID:   rootID,
		ParentID: rootID,
		Action:   ActionTaskFinalized,
		Status:   status,
	}, map[string]Status{"status": status})
	if err != nil {
		return err
	}
	if err := l.store.Append(ctx, entry); err != nil {
		return wrapStore(err, "record finalization")
	}
	l.commit(state, entry)
	// task.finalized 条目已写入链中，即使根状态更新失败也不能再次终结。
	state.finalized = true
	if err := l.store.SetStatus(ctx, rootID, status); err != nil {
		return wrapStore(err, "update root status")
	}
	l.publish(ctx, entry)
	logger.Audit().Info("任务日志已结束",
		slog.String("task_id", rootID),
		slog.String("status", string(status)),
		slog.Int64("entries", state.seq),
		slog.String("hash", state.lastHash))
	return nil
}

// ListTasks 返回最近的任务根节点，limit 超出范围时被截断。
func (l *Logger) ListTasks(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	roots, err := l.store.ListRoots(ctx, limit)
	if err != nil {
		return nil, wrapStore(err, "list tasks")
	}
	return roots, nil
}

// GetTask 返回任务的树形日志。
func (l *Logger) GetTask(ctx context.Context, taskID string) (*TaskLog, error) {
	entries, err := l.Entries(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return BuildTree(entries)
}

// Entries 返回任务的扁平条目列表，按写入顺序排列。
func (l *Logger) Entries(ctx context.Context, taskID string) ([]Entry, error) {
	entries, err := l.store.Entries(ctx, taskID)
	if err != nil {
		return nil, wrapStore(err, "load entries")
	}
	if len(entries) == 0 {
		return nil, ErrTaskNotFound
	}
	return entries, nil
}

// Close 关闭底层存储与实现了 io.Closer 的旁路输出。
func (l *Logger) Close() error {
	var first error
	for _, s := range l.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	if err := l.store.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// acquire 返回任务的写入状态并增加引用计数，调用方必须配对调用 release。
func (l *Logger) acquire(taskID string) *taskState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.tasks[taskID]
	if !ok {
		st = &taskState{ids: make(map[string]struct{})}
		l.tasks[taskID] = st
	}
	st.refs++
	return st
}

// release 在最后一个引用释放时回收已终结或并不存在的任务状态。
// 之后的访问会通过 load 从存储重建，已终结的任务仍然拒绝追加。
func (l *Logger) release(taskID string, st *taskState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st.refs--
	if st.refs > 0 {
		return
	}
	if st.finalized || st.seq == 0 {
		delete(l.tasks, taskID)
	}
}

// load 在首次访问时从存储恢复链尾，使进程重启后仍能继续追加。
func (l *Logger) load(ctx context.Context, taskID string, st *taskState) error {
	if st.loaded {
		return nil
	}
	entries, err := l.store.Entries(ctx, taskID)
	if err != nil {
		return wrapStore(err, "load task state")
	}
	for _, e := range entries {
		st.ids[e.ID] = struct{}{}
		st.seq = e.Seq + 1
		st.lastHash = e.Hash
		if (e.IsRoot() && e.Status.Terminal()) || e.Action == ActionTaskFinalized {
			st.finalized = true
		}
	}
	st.loaded = true
	return nil
}

func (l *Logger) requireOpen(ctx context.Context, rootID string, st *taskState) error {
	if err := l.load(ctx, rootID, st); err != nil {
		return err
	}
	if st.seq == 0 {
		return ErrTaskNotFound
	}
	if st.finalized {
		return ErrAlreadyFinalized
	}
	return nil
}

func (l *Logger) seal(st *taskState, entry Entry, data any) (Entry, error) {
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return Entry{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode entry data")
		}
		entry.Data = encoded
	}
	entry.Seq = st.seq
	entry.PrevHash = st.lastHash
	entry.Timestamp = l.now().UTC().Truncate(time.Microsecond)
	hash, err := computeHash(entry)
	if err != nil {
		return Entry{}, err
	}
	entry.Hash = hash
	return entry, nil
}

func (l *Logger) commit(st *taskState, entry Entry) {
	st.ids[entry.ID] = struct{}{}
	st.seq = entry.Seq + 1
	st.lastHash = entry.Hash
}

func (l *Logger) publish(ctx context.Context, entry Entry) {
	l.log.Debug("audit entry recorded",
		slog.String("task_id", entry.TaskID),
		slog.String("action", entry.Action),
		slog.String("status", string(entry.Status)),
		slog.Int64("seq", entry.Seq))
	for _, s := range l.sinks {
		if err := s.Write(ctx, entry); err != nil {
			l.log.Warn("audit sink write failed", slog.String("task_id", entry.TaskID), slog.Any("error", err))
		}
	}
}

func wrapStore(err error, op string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, op)
}
