package sales

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// newTestPostgres connects to POS_TEST_DATABASE_URL and empties the schema.
func newTestPostgres(t *testing.T) *PostgresStorage {
	t.Helper()
	url := os.Getenv("POS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("POS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	s, err := NewPostgresStorage(ctx, url)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Migrate(ctx))
	_, err = s.pool.Exec(ctx, `TRUNCATE sale_items, sales, products RESTART IDENTITY`)
	require.NoError(t, err)
	return s
}

func TestPostgresStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage { return newTestPostgres(t) })
}

func TestClassifyPgError(t *testing.T) {
	require.NoError(t, classifyPgError(nil))
	require.ErrorIs(t, classifyPgError(context.Canceled), context.Canceled)
	require.ErrorIs(t, classifyPgError(os.ErrDeadlineExceeded), ErrStoreUnavailable)

	serialization := fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	require.ErrorIs(t, classifyPgError(serialization), ErrConflict)
	require.ErrorIs(t, classifyPgError(&pgconn.PgError{Code: "40P01"}), ErrConflict)
	require.ErrorIs(t, classifyPgError(&pgconn.PgError{Code: "23514"}), ErrInsufficientStock)
	require.ErrorIs(t, classifyPgError(&pgconn.PgError{Code: "22003", Message: "integer out of range"}), ErrInvalidRequest)
	require.ErrorIs(t, classifyPgError(&pgconn.PgError{Code: "42P01"}), ErrStoreUnavailable)
}
