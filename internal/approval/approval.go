package approval

import (
	"encoding/json"
	"time"

	xerrors "OpenOps-Agent/internal/errors"
)

// Decision 是审批的最终结论。
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
	// DecisionTimeout 只由 Gate 在 TTL 到期时合成，外部不会发送。
	DecisionTimeout Decision = "TIMEOUT"
)

const (
	// DefaultTTL 是未配置时的审批等待时间。
	DefaultTTL = 300 * time.Second
	// TimeoutReason 是超时时合成的拒绝原因。
	TimeoutReason = "approval timed out"

	EventApprovalRequired = "approval_required"
	EventApprovalResponse = "approval_response"
)

// Request 描述一次待审批的敏感操作。
type Request struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	ToolName    string        `json:"tool_name"`
	Description string        `json:"description"`
	Payload     any           `json:"payload,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	TTL         time.Duration `json:"ttl"`
}

// ExpiresAt 返回审批截止时间。
func (r Request) ExpiresAt() time.Time {
	return r.CreatedAt.Add(r.TTL)
}

// Response 是审批结果。
type Response struct {
	ID         string    `json:"id"`
	Decision   Decision  `json:"decision"`
	Reason     string    `json:"reason,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Approved 判断是否获批。
func (r Response) Approved() bool {
	return r.Decision == DecisionApproved
}

// Err 将非批准结论转换为可恢复错误，批准时返回 nil。
func (r Response) Err() error {
	switch r.Decision {
	case DecisionApproved:
		return nil
	case DecisionTimeout:
		return xerrors.New(xerrors.CodeApprovalTimeout, r.Reason, xerrors.WithMetadata("approval_id", r.ID))
	default:
		return xerrors.New(xerrors.CodeApprovalRejected, r.Reason, xerrors.WithMetadata("approval_id", r.ID))
	}
}

// RequiredEvent 是发往通知渠道的出站事件。Timeout 单位为毫秒。
type RequiredEvent struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	TaskID      string          `json:"taskId,omitempty"`
	Action      string          `json:"action"`
	Description string          `json:"description"`
	Timeout     int64           `json:"timeout"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ResponseEvent 是从通知渠道回流的入站事件。
type ResponseEvent struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// NewRequiredEvent 根据请求构造出站事件。
func NewRequiredEvent(req Request) (RequiredEvent, error) {
	evt := RequiredEvent{
		Type:        EventApprovalRequired,
		ID:          req.ID,
		TaskID:      req.TaskID,
		Action:      req.ToolName,
		Description: req.Description,
		Timeout:     req.TTL.Milliseconds(),
	}
	if req.Payload != nil {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			return RequiredEvent{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode approval payload")
		}
		evt.Payload = raw
	}
	return evt, nil
}

// DecodeResponseEvent 解析入站事件，类型不符或缺少 ID 时返回错误。
func DecodeResponseEvent(data []byte) (ResponseEvent, error) {
	var evt ResponseEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return ResponseEvent{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode approval response")
	}
	if evt.Type != "" && evt.Type != EventApprovalResponse {
		return ResponseEvent{}, xerrors.New(xerrors.CodeInvalidArgument, "unexpected event type "+evt.Type)
	}
	if evt.ID == "" {
		return ResponseEvent{}, xerrors.New(xerrors.CodeInvalidArgument, "approval response without id")
	}
	return evt, nil
}

const CodeRequestNotFound xerrors.Code = "APPROVAL_REQUEST_NOT_FOUND"

// ErrRequestNotFound 表示审批请求不存在或已经被处理。
var ErrRequestNotFound = xerrors.New(CodeRequestNotFound, "approval request not found or already resolved")

func init() {
	xerrors.Register(CodeRequestNotFound, xerrors.Attributes{
		Message:  "approval request not found",
		Severity: xerrors.SeverityInfo,
	})
}
