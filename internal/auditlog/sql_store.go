package auditlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/storage/sqldb"
)

// SQLStore 将日志条目保存在 MySQL 或 PostgreSQL 的 audit_log_entries 表中。
// MySQL 的 DSN 需要包含 parseTime=true。
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
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "open audit log database")
	}
	if autoMigrate {
		if err := sqldb.Migrate(ctx, db, cfg.Dialect); err != nil {
			db.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "migrate audit log schema")
		}
	}
	return &SQLStore{db: db, dialect: cfg.Dialect, owned: true}, nil
}

func (s *SQLStore) rebind(q string) string {
	return sqldb.Rebind(s.dialect, q)
}

// Append 插入一条记录。
func (s *SQLStore) Append(ctx context.Context, entry Entry) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO audit_log_entries
        (id, task_id, parent_id, seq, action, status, ts, data, error, prev_hash, hash)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.TaskID, entry.ParentID, entry.Seq, entry.Action, string(entry.Status),
		entry.Timestamp.UTC(), nullableText(entry.Data), nullableString(entry.Error), entry.PrevHash, entry.Hash)
	if err != nil {
		if sqldb.IsDuplicateKey(err) {
			if entry.IsRoot() {
				return ErrDuplicateTask
			}
			return xerrors.Wrap(xerrors.CodeConflict, err, fmt.Sprintf("entry %s already exists", entry.ID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert audit entry")
	}
	return nil
}

// SetStatus 以条件更新的方式结束根节点，保证只会成功一次。
func (s *SQLStore) SetStatus(ctx context.Context, rootID string, status Status) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE audit_log_entries SET status = ?
        WHERE id = ? AND parent_id = '' AND status = ?`),
		string(status), rootID, string(StatusPending))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update root status")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update root status")
	}
	if affected == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM audit_log_entries WHERE id = ? AND parent_id = ''`), rootID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTaskNotFound
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "load root status")
	}
	return ErrAlreadyFinalized
}

// Entries 按序号返回任务的全部条目。
func (s *SQLStore) Entries(ctx context.Context, taskID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, task_id, parent_id, seq, action, status, ts, data, error, prev_hash, hash
        FROM audit_log_entries WHERE task_id = ? ORDER BY seq ASC`), taskID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query audit entries")
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListRoots 按开始时间倒序返回根节点。
func (s *SQLStore) ListRoots(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, task_id, parent_id, seq, action, status, ts, data, error, prev_hash, hash
        FROM audit_log_entries WHERE parent_id = '' ORDER BY ts DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query task roots")
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Close 关闭由 OpenSQLStore 创建的连接池。
func (s *SQLStore) Close() error {
	if s.owned && s.db != nil {
		return s.db.Close()
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			status  string
			ts      time.Time
			data    sql.NullString
			errText sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ParentID, &e.Seq, &e.Action, &status, &ts, &data, &errText, &e.PrevHash, &e.Hash); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan audit entry")
		}
		e.Status = Status(status)
		e.Timestamp = ts.UTC()
		if data.Valid && data.String != "" {
			e.Data = []byte(data.String)
		}
		e.Error = errText.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate audit entries")
	}
	return out, nil
}

func nullableText(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
