package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/llm"
	"OpenOps-Agent/internal/storage/sqldb"
)

const taskColumns = `id, command, history, metadata, status, attempts, max_retries, last_error, error_code,
        output, outcome, audit_id, iterations, created_at, updated_at`

// SQLStore 使用 MySQL 或 PostgreSQL 的 agent_tasks 表记录任务状态。
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
	owned   bool
}

// NewSQLStore 使用已有连接创建存储，调用方负责关闭连接。
func NewSQLStore(db *sql.DB, dialect sqldb.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLStore 建立连接池，并在 autoMigrate 为真时执行内置迁移。
func OpenSQLStore(ctx context.Context, cfg sqldb.Config, autoMigrate bool) (*SQLStore, error) {
	db, err := sqldb.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接任务数据库失败")
	}
	if autoMigrate {
		if err := sqldb.Migrate(ctx, db, cfg.Dialect); err != nil {
			_ = db.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 agent_tasks 表失败")
		}
	}
	return &SQLStore{db: db, dialect: cfg.Dialect, owned: true}, nil
}

func (s *SQLStore) rebind(q string) string {
	return sqldb.Rebind(s.dialect, q)
}

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}

	history, err := marshalJSON(task.History)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码对话历史失败")
	}
	metadata, err := marshalJSON(task.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO agent_tasks
        (id, command, history, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`),
		task.ID,
		task.Command,
		history,
		metadata,
		string(task.Status),
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		if sqldb.IsDuplicateKey(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE agent_tasks
        SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`),
		string(StatusRunning),
		time.Now().Unix(),
		id,
		string(StatusPending),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return task, nil
	}
	switch task.Status {
	case StatusSucceeded, StatusFailed:
		return task, ErrTaskCompleted
	case StatusRunning:
		return task, ErrTaskConflict
	}
	if task.Attempts >= task.MaxRetries {
		return task, ErrTaskExhausted
	}
	return task, ErrTaskConflict
}

// MarkSucceeded 将任务标记为成功。
func (s *SQLStore) MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE agent_tasks
        SET status = ?, output = ?, outcome = ?, audit_id = ?, iterations = ?, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ?`),
		string(StatusSucceeded),
		result.Output,
		result.Outcome,
		result.AuditID,
		result.Iterations,
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed 记录失败，非终止失败把任务放回 pending。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, failure Failure) error {
	status := StatusPending
	if failure.Terminal {
		status = StatusFailed
	}
	var result ExecutionResult
	if failure.Result != nil {
		result = *failure.Result
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE agent_tasks
        SET status = ?, last_error = ?, error_code = ?, output = ?, outcome = ?, audit_id = ?, iterations = ?, updated_at = ?
        WHERE id = ?`),
		string(status),
		failure.Message,
		string(failure.Code),
		result.Output,
		result.Outcome,
		result.AuditID,
		result.Iterations,
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()

	query := `SELECT ` + taskColumns + ` FROM agent_tasks`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.OldestFirst {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM agent_tasks`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Failed == 0 {
		return stats, nil
	}
	if err := s.countErrorCodes(ctx, clause, filterArgs, &stats); err != nil {
		return TaskStats{}, err
	}
	return stats, nil
}

func (s *SQLStore) countErrorCodes(ctx context.Context, clause string, filterArgs []any, stats *TaskStats) error {
	query := `SELECT error_code, COUNT(*) FROM agent_tasks WHERE status = ? AND error_code <> ''`
	if clause != "" {
		query += " AND " + clause
	}
	query += " GROUP BY error_code"
	args := append([]any{string(StatusFailed)}, filterArgs...)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计失败错误码失败")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			code  string
			count int
		)
		if err := rows.Scan(&code, &count); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析错误码统计失败")
		}
		stats.countErrorCode(code, count)
	}
	if err := rows.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历错误码统计失败")
	}
	return nil
}

// Close 关闭自己创建的数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil || !s.owned {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task              Task
		status            string
		history, metadata sql.NullString
		lastError, output sql.NullString
		result            ExecutionResult
	)
	if err := row.Scan(
		&task.ID,
		&task.Command,
		&history,
		&metadata,
		&status,
		&task.Attempts,
		&task.MaxRetries,
		&lastError,
		&task.ErrorCode,
		&output,
		&result.Outcome,
		&result.AuditID,
		&result.Iterations,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.LastError = lastError.String
	result.Output = output.String
	if result.Output != "" || result.AuditID != "" {
		task.Result = &result
	}
	if history.Valid && history.String != "" {
		var msgs []llm.Message
		if err := json.Unmarshal([]byte(history.String), &msgs); err != nil {
			return nil, fmt.Errorf("解析对话历史失败: %w", err)
		}
		task.History = msgs
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &task.Metadata); err != nil {
			return nil, fmt.Errorf("解析任务 metadata 失败: %w", err)
		}
	}
	return &task, nil
}

func marshalJSON[T any](v T) (sql.NullString, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(bytes) == "null" || string(bytes) == "{}" || string(bytes) == "[]" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.ErrorCode != "" {
		conditions = append(conditions, "error_code = ?")
		args = append(args, opts.ErrorCode)
	}
	if opts.UpdatedAfter > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedAfter)
	}
	if opts.UpdatedBefore > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedBefore)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(audit_id <> '' OR (output IS NOT NULL AND output <> ''))")
		} else {
			conditions = append(conditions, "(audit_id = '' AND (output IS NULL OR output = ''))")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR command LIKE ? OR output LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*SQLStore)(nil)
