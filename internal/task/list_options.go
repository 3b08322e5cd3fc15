package task

import (
	"strings"
	"time"

	xerrors "OpenOps-Agent/internal/errors"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 是作业列表与统计共用的筛选条件，零值表示不过滤。
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []Status
	// ErrorCode 只匹配最近一次失败带有该错误码的作业。
	ErrorCode string
	// UpdatedAfter 与 UpdatedBefore 为 Unix 秒，均为闭区间，0 表示不限。
	UpdatedAfter  int64
	UpdatedBefore int64
	// HasResult 为 nil 时不关心作业是否已有执行结果。
	HasResult   *bool
	OldestFirst bool
	Query       string
}

func (opts *ListOptions) normalize() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultListLimit
	case opts.Limit > maxListLimit:
		opts.Limit = maxListLimit
	}
	opts.Offset = max(opts.Offset, 0)
	opts.Statuses = uniqueStatuses(opts.Statuses)
	opts.ErrorCode = strings.TrimSpace(opts.ErrorCode)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption 调整一次查询的筛选条件。
type ListOption func(*ListOptions)

// WithLimit 设置单页数量，超出上限时按上限截断。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 offset 个匹配的作业。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 只返回处于给定状态的作业，非法状态被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) { opts.Statuses = append([]Status(nil), statuses...) }
}

// WithErrorCode 只返回最近一次失败为该错误码的作业，例如 APPROVAL_REJECTED。
func WithErrorCode(code xerrors.Code) ListOption {
	return func(opts *ListOptions) { opts.ErrorCode = string(code) }
}

// WithUpdatedBetween 按最近更新时间筛选，零值一端不设限。
func WithUpdatedBetween(after, before time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedAfter, opts.UpdatedBefore = 0, 0
		if !after.IsZero() {
			opts.UpdatedAfter = after.Unix()
		}
		if !before.IsZero() {
			opts.UpdatedBefore = before.Unix()
		}
	}
}

// WithResult 按作业是否已写回执行结果筛选。
func WithResult(present bool) ListOption {
	return func(opts *ListOptions) { opts.HasResult = &present }
}

// OldestFirst 让最久未更新的作业排在前面，便于排查积压。
func OldestFirst() ListOption {
	return func(opts *ListOptions) { opts.OldestFirst = true }
}

// WithQuery 在 ID、指令、输出与错误信息中做不区分大小写的子串匹配。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

func newListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.normalize()
	return options
}

func uniqueStatuses(input []Status) []Status {
	var out []Status
	for _, status := range input {
		if IsValidStatus(status) && !containsStatus(out, status) {
			out = append(out, status)
		}
	}
	return out
}

func containsStatus(list []Status, status Status) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

// matches 判断单个作业是否满足筛选条件，供内存存储使用。
func (opts ListOptions) matches(task *Task) bool {
	if len(opts.Statuses) > 0 && !containsStatus(opts.Statuses, task.Status) {
		return false
	}
	if opts.ErrorCode != "" && task.ErrorCode != opts.ErrorCode {
		return false
	}
	if opts.UpdatedAfter > 0 && task.UpdatedAt < opts.UpdatedAfter {
		return false
	}
	if opts.UpdatedBefore > 0 && task.UpdatedAt > opts.UpdatedBefore {
		return false
	}
	if opts.HasResult != nil && (task.Result != nil) != *opts.HasResult {
		return false
	}
	if opts.Query == "" {
		return true
	}
	q := strings.ToLower(opts.Query)
	fields := []string{task.ID, task.Command, task.LastError}
	if task.Result != nil {
		fields = append(fields, task.Result.Output)
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}
