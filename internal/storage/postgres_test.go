//go:build integration

package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// setupPostgresStorage connects to the database in DOCRAG_TEST_POSTGRES_DSN.
// The database must be dedicated to tests since the chunk table is created
// with the test vector dimension.
func setupPostgresStorage(t *testing.T) Store {
	dsn := os.Getenv("DOCRAG_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DOCRAG_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	storage, err := NewPostgresStorage(ctx, dsn, testDimension)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	require.NoError(t, storage.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func TestPostgresStorageContract(t *testing.T) {
	runStoreContract(t, setupPostgresStorage)
}

func TestPostgresEnsureSchemaIdempotent(t *testing.T) {
	storage := setupPostgresStorage(t)
	require.NoError(t, storage.EnsureSchema(context.Background()))
}
