package sqldb

import (
	"errors"
	"fmt"
	"testing"
	"testing/fstest"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenOps-Agent/deploy/migrations"
)

func TestRebind(t *testing.T) {
	q := `SELECT * FROM t WHERE a = ? AND b = '?' AND c = ?`
	assert.Equal(t, q, Rebind(DialectMySQL, q))
	assert.Equal(t, `SELECT * FROM t WHERE a = $1 AND b = '?' AND c = $2`, Rebind(DialectPostgres, q))
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, d)
	assert.Equal(t, "pgx", d.driverName())

	_, err = ParseDialect("sqlite")
	assert.Error(t, err)
}

func TestLoadMigrationFilesOrdersAndSplits(t *testing.T) {
	files := fstest.MapFS{
		"0002_indexes.sql": {Data: []byte("-- second\nCREATE INDEX a ON t (x);\n")},
		"0001_init.sql":    {Data: []byte("CREATE TABLE t (x INT);\n-- comment only\nCREATE TABLE u (y INT);")},
		"README.md":        {Data: []byte("ignored")},
	}
	out, err := loadMigrationFiles(files)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "0001", out[0].version)
	assert.Equal(t, []string{"CREATE TABLE t (x INT)", "CREATE TABLE u (y INT)"}, out[0].statements)
	assert.Equal(t, []string{"CREATE INDEX a ON t (x)"}, out[1].statements)
}

func TestEmbeddedMigrationsExistForBothDialects(t *testing.T) {
	for _, dir := range []string{"mysql", "postgres"} {
		entries, err := migrations.Files.ReadDir(dir)
		require.NoError(t, err, dir)
		assert.NotEmpty(t, entries, dir)
	}
}

func TestIsDuplicateKey(t *testing.T) {
	assert.True(t, IsDuplicateKey(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.True(t, IsDuplicateKey(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsDuplicateKey(&mysql.MySQLError{Number: 1146}))
	assert.False(t, IsDuplicateKey(errors.New("boom")))
}
