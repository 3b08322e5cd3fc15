package auditlog

import (
	"context"
	"sort"
	"sync"

	xerrors "OpenOps-Agent/internal/errors"
)

// Store 持久化日志条目。实现只需保证单条写入的原子性，任务内的顺序由 Logger 负责。
type Store interface {
	Append(ctx context.Context, entry Entry) error
	// SetStatus 只允许把处于 PENDING 的根节点改为终态，否则返回 ErrAlreadyFinalized。
	SetStatus(ctx context.Context, rootID string, status Status) error
	// Entries 按序号升序返回任务的全部条目，任务不存在时返回空切片。
	Entries(ctx context.Context, taskID string) ([]Entry, error)
	// ListRoots 按时间倒序返回最近的根节点。
	ListRoots(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// MemoryStore 是进程内的 Store 实现，适用于测试与单机部署。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string][]Entry
	ids   map[string]struct{}
	roots []string
}

// NewMemoryStore 创建一个空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string][]Entry),
		ids:   make(map[string]struct{}),
	}
}

// Append 追加一条记录。
func (m *MemoryStore) Append(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ids[entry.ID]; exists {
		if entry.IsRoot() {
			return ErrDuplicateTask
		}
		return xerrors.New(xerrors.CodeConflict, "entry "+entry.ID+" already exists")
	}
	m.ids[entry.ID] = struct{}{}
	m.tasks[entry.TaskID] = append(m.tasks[entry.TaskID], cloneEntry(entry))
	if entry.IsRoot() {
		m.roots = append(m.roots, entry.TaskID)
	}
	return nil
}

// SetStatus 修改根节点状态。
func (m *MemoryStore) SetStatus(_ context.Context, rootID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.tasks[rootID]
	for i := range entries {
		if entries[i].ID != rootID {
			continue
		}
		if entries[i].Status != StatusPending {
			return ErrAlreadyFinalized
		}
		entries[i].Status = status
		return nil
	}
	return ErrTaskNotFound
}

// Entries 返回任务的全部条目。
func (m *MemoryStore) Entries(_ context.Context, taskID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.tasks[taskID]
	out := make([]Entry, len(src))
	for i, e := range src {
		out[i] = cloneEntry(e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ListRoots 返回最近的根节点。
func (m *MemoryStore) ListRoots(_ context.Context, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, limit)
	for i := len(m.roots) - 1; i >= 0 && len(out) < limit; i-- {
		for _, e := range m.tasks[m.roots[i]] {
			if e.IsRoot() {
				out = append(out, cloneEntry(e))
				break
			}
		}
	}
	return out, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

func cloneEntry(e Entry) Entry {
	if e.Data != nil {
		e.Data = append([]byte(nil), e.Data...)
	}
	return e
}
