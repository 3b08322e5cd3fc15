package auditlog

import (
	"encoding/json"
	"time"

	xerrors "OpenOps-Agent/internal/errors"
)

// Status 表示日志条目的状态。根条目在任务结束时由 PENDING 变为终态，其余条目写入后不再变化。
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Entry 是执行日志中的一条记录。
type Entry struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Seq       int64           `json:"seq"`
	Action    string          `json:"action"`
	Status    Status          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	PrevHash  string          `json:"prev_hash,omitempty"`
	Hash      string          `json:"hash"`
}

// IsRoot 判断条目是否为任务根节点。
func (e Entry) IsRoot() bool {
	return e.ParentID == ""
}

// Step 是追加一条子记录时的输入。ParentID 为空时挂在根节点下。
type Step struct {
	ParentID string
	Action   string
	Status   Status
	Data     any
	Error    string
}

// Node 是树形视图中的一个节点。
type Node struct {
	Entry
	Children []*Node `json:"children,omitempty"`
}

// TaskLog 是单个任务的完整日志。
type TaskLog struct {
	Root    Entry   `json:"root"`
	Steps   []*Node `json:"steps"`
	Entries []Entry `json:"-"`
}

const (
	ActionTaskStarted   = "task.started"
	ActionTaskFinalized = "task.finalized"
)

const (
	CodeTaskNotFound     xerrors.Code = "AUDIT_TASK_NOT_FOUND"
	CodeParentNotFound   xerrors.Code = "AUDIT_PARENT_NOT_FOUND"
	CodeAlreadyFinalized xerrors.Code = "AUDIT_ALREADY_FINALIZED"
	CodeChainBroken      xerrors.Code = "AUDIT_CHAIN_BROKEN"
	CodeDuplicateTask    xerrors.Code = "AUDIT_DUPLICATE_TASK"
	CodeInvalidStatus    xerrors.Code = "AUDIT_INVALID_STATUS"
)

var (
	// ErrTaskNotFound 表示任务日志不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task log not found")
	// ErrAlreadyFinalized 表示根节点已经结束，不能再次结束或追加。
	ErrAlreadyFinalized = xerrors.New(CodeAlreadyFinalized, "task log already finalized")
	// ErrDuplicateTask 表示同一任务 ID 的日志已存在。
	ErrDuplicateTask = xerrors.New(CodeDuplicateTask, "task log already exists")
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task log not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeParentNotFound, xerrors.Attributes{
		Message:  "parent entry not found",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAlreadyFinalized, xerrors.Attributes{
		Message:  "task log already finalized",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeChainBroken, xerrors.Attributes{
		Message:  "audit hash chain broken",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeDuplicateTask, xerrors.Attributes{
		Message:  "task log already exists",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeInvalidStatus, xerrors.Attributes{
		Message:  "invalid entry status",
		Severity: xerrors.SeverityInfo,
	})
}
