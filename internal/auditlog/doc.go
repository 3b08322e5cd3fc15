// Package auditlog records the hierarchical execution log of every agent
// task. Each task owns one root entry that starts PENDING and is finalized
// exactly once; every other entry is immutable once written. Entries of a
// task form a SHA-256 hash chain so that tampering can be detected with
// Verify. Durable storage is pluggable (memory, MySQL, PostgreSQL) and an
// optional ClickHouse sink mirrors entries for analytics.
package auditlog
