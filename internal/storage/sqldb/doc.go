// Package sqldb opens pooled database/sql handles for the MySQL and
// PostgreSQL dialects and applies the embedded schema migrations.
package sqldb
