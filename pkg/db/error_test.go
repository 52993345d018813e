package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/smallbiznis/careledger/internal/config"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	require.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	require.True(t, IsDuplicateKeyErr(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	require.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: donations.external_tx_id")))
	require.False(t, IsDuplicateKeyErr(errors.New("connection refused")))
	require.False(t, IsDuplicateKeyErr(nil))
}

func TestDialectOnlyAcceptsPostgres(t *testing.T) {
	for _, dbType := range []string{"oracle", "mysql", "sqlite"} {
		_, err := Dialect(config.Config{DBType: dbType})
		require.Error(t, err, dbType)
		require.Contains(t, err.Error(), "requires postgres")
	}

	for _, dbType := range []string{"", "postgres", " Postgres "} {
		d, err := Dialect(config.Config{DBType: dbType, DBHost: "localhost", DBPort: "5432"})
		require.NoError(t, err, dbType)
		require.Equal(t, "postgres", d.Name())
	}
}

func TestNewTestOpensMemoryDB(t *testing.T) {
	conn, err := NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)").Error)
}
