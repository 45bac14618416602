package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/verity/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgresIntegration runs the Store against a real Postgres container.
// It requires Docker to be running.
func TestPostgresIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("verity_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	backend, err := NewPostgres(ctx, connStr, "test.ns")
	require.NoError(t, err)
	s := New(backend)
	defer s.Close()

	// A second namespace in the same table must stay isolated.
	otherBackend, err := NewPostgres(ctx, connStr, "other.ns")
	require.NoError(t, err)
	other := New(otherBackend)
	defer other.Close()

	selfie := types.Embedding{0.1, 0.2, 0.3}
	require.NoError(t, s.Store(ctx, KeySelfie, selfie))
	require.NoError(t, other.Store(ctx, KeySelfie, types.Embedding{9, 9, 9}))

	got, ok, err := s.Retrieve(ctx, KeySelfie)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, selfie, got)

	// Overwrite is idempotent re-enrollment.
	selfie2 := types.Embedding{0.3, 0.2, 0.1}
	require.NoError(t, s.Store(ctx, KeySelfie, selfie2))
	got, _, err = s.Retrieve(ctx, KeySelfie)
	require.NoError(t, err)
	assert.Equal(t, selfie2, got)

	assert.False(t, s.ExistsBoth(ctx, KeySelfie, KeyIDProfile))
	require.NoError(t, s.Store(ctx, KeyIDProfile, types.Embedding{1, 1, 1}))
	assert.True(t, s.ExistsBoth(ctx, KeySelfie, KeyIDProfile))

	// A 512-d template is large enough to be TOASTed.
	require.NoError(t, s.Store(ctx, KeyIDProfile, make(types.Embedding, 512)))

	relfile := func() string {
		var path string
		require.NoError(t, backend.pool.QueryRow(ctx,
			"SELECT pg_relation_filepath('biometric_records')").Scan(&path))
		return path
	}
	before := relfile()
	require.NoError(t, s.DeleteAll(ctx))
	assert.NotEqual(t, before, relfile(), "DeleteAll must rewrite the table into a new file")

	_, ok, err = s.Retrieve(ctx, KeySelfie)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = other.Retrieve(ctx, KeySelfie)
	require.NoError(t, err)
	assert.True(t, ok, "DeleteAll must not touch other namespaces")

	require.NoError(t, s.Delete(ctx, "never-written"))
}
