package auditlog

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/pkg/logger"
)

const (
	defaultClickHouseTable  = "audit_log_entries"
	defaultClickHouseBuffer = 4096
	defaultFlushBatch       = 500
	defaultFlushInterval    = time.Second
	clickHouseDrainTimeout  = 2 * time.Second
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// ClickHouseConfig 描述分析副本的写入参数。
type ClickHouseConfig struct {
	DSN           string
	Table         string
	BatchSize     int
	FlushInterval time.Duration
}

// ClickHouseSink 把日志条目异步批量写入 ClickHouse，用于跨任务检索与统计。
// Write 不会阻塞，缓冲区满时丢弃条目并记录告警；权威记录始终在 Store 中。
type ClickHouseSink struct {
	conn      driver.Conn
	table     string
	batchSize int
	interval  time.Duration
	buffer    chan Entry
	done      chan struct{}
	flushed   chan struct{}
	flushFn   func([]Entry)
	log       *slog.Logger
}

// NewClickHouseSink 建立连接、确保表存在并启动后台刷新。
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "parse clickhouse dsn")
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "open clickhouse")
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "ping clickhouse")
	}
	s, err := newClickHouseSink(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.EnsureTable(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	go s.flushLoop()
	return s, nil
}

func newClickHouseSink(conn driver.Conn, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	table := cfg.Table
	if table == "" {
		table = defaultClickHouseTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, xerrors.New(xerrors.CodeFatalConfiguration, fmt.Sprintf("invalid clickhouse table name %q", table))
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultFlushBatch
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	s := &ClickHouseSink{
		conn:      conn,
		table:     table,
		batchSize: batch,
		interval:  interval,
		buffer:    make(chan Entry, defaultClickHouseBuffer),
		done:      make(chan struct{}),
		flushed:   make(chan struct{}),
		log:       logger.Named("auditlog.clickhouse"),
	}
	s.flushFn = s.flush
	return s, nil
}

// EnsureTable 创建 MergeTree 表。
func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
        id String,
        task_id String,
        parent_id String,
        seq Int64,
        action LowCardinality(String),
        status LowCardinality(String),
        ts DateTime64(6, 'UTC'),
        data String,
        error String,
        prev_hash String,
        hash String
) ENGINE = MergeTree
ORDER BY (task_id, seq)`, s.table)
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "create clickhouse table")
	}
	return nil
}

// Write 将条目放入缓冲区。
func (s *ClickHouseSink) Write(_ context.Context, entry Entry) error {
	select {
	case s.buffer <- entry:
		return nil
	default:
		s.log.Warn("clickhouse buffer full, dropping entry",
			slog.String("task_id", entry.TaskID),
			slog.Int64("seq", entry.Seq))
		return xerrors.New(xerrors.CodeQueueFailure, "clickhouse buffer full")
	}
}

// Close 刷新剩余条目并关闭连接。
func (s *ClickHouseSink) Close() error {
	close(s.done)
	<-s.flushed
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *ClickHouseSink) flushLoop() {
	defer close(s.flushed)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	batch := make([]Entry, 0, s.batchSize)
	for {
		select {
		case e := <-s.buffer:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				s.flushFn(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flushFn(batch)
				batch = batch[:0]
			}
		case <-s.done:
			deadline := time.After(clickHouseDrainTimeout)
		drain:
			for {
				select {
				case e := <-s.buffer:
					batch = append(batch, e)
					if len(batch) >= s.batchSize {
						s.flushFn(batch)
						batch = batch[:0]
					}
				case <-deadline:
					break drain
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				s.flushFn(batch)
			}
			return
		}
	}
}

func (s *ClickHouseSink) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO %s
        (id, task_id, parent_id, seq, action, status, ts, data, error, prev_hash, hash)`, s.table))
	if err != nil {
		s.log.Error("clickhouse prepare batch failed", slog.Any("error", err))
		return
	}
	for _, e := range entries {
		if err := batch.Append(
			e.ID, e.TaskID, e.ParentID, e.Seq, e.Action, string(e.Status),
			e.Timestamp, string(e.Data), e.Error, e.PrevHash, e.Hash,
		); err != nil {
			s.log.Error("clickhouse append entry failed",
				slog.String("task_id", e.TaskID),
				slog.Any("error", err))
		}
	}
	if err := batch.Send(); err != nil {
		s.log.Error("clickhouse batch send failed",
			slog.Int("batch_size", len(entries)),
			slog.Any("error", err))
	}
}
