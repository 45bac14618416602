package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/verity/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func openBadger(t *testing.T, dir string, key []byte) *Store {
	t.Helper()
	b, err := NewBadger(BadgerOptions{Dir: dir, Namespace: "test.ns", EncryptionKey: key})
	require.NoError(t, err)
	return New(b)
}

func TestBadgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openBadger(t, dir, testKey)

	e := types.Embedding{0.5, 0.25, -0.125}
	require.NoError(t, s.Store(ctx, KeySelfie, e))
	require.NoError(t, s.Close())

	// Survives a reopen.
	s = openBadger(t, dir, testKey)
	defer s.Close()
	got, ok, err := s.Retrieve(ctx, KeySelfie)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e, got)
}

func TestBadgerDirectoryIsPrivate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	s := openBadger(t, dir, testKey)
	defer s.Close()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestBadgerWrongKeyFails(t *testing.T) {
	dir := t.TempDir()
	s := openBadger(t, dir, testKey)
	require.NoError(t, s.Store(context.Background(), KeySelfie, types.Embedding{1}))
	require.NoError(t, s.Close())

	_, err := NewBadger(BadgerOptions{Dir: dir, EncryptionKey: []byte("fedcba9876543210fedcba9876543210")})
	assert.Error(t, err)
}

func TestBadgerRejectsBadKeyLength(t *testing.T) {
	_, err := NewBadger(BadgerOptions{Dir: t.TempDir(), EncryptionKey: []byte("short")})
	assert.Error(t, err)
}

func TestBadgerDeleteAll(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openBadger(t, dir, testKey)

	require.NoError(t, s.Store(ctx, KeySelfie, types.Embedding{1, 2}))
	require.NoError(t, s.Store(ctx, KeyIDProfile, types.Embedding{3, 4}))
	require.NoError(t, s.DeleteAll(ctx))
	assert.False(t, s.ExistsBoth(ctx, KeySelfie, KeyIDProfile))
	require.NoError(t, s.Close())

	// Nothing comes back after a reopen either.
	s = openBadger(t, dir, testKey)
	defer s.Close()
	for _, k := range []string{KeySelfie, KeyIDProfile} {
		_, ok, err := s.Retrieve(ctx, k)
		require.NoError(t, err)
		assert.False(t, ok, k)
	}
}

func TestBadgerDeleteMissing(t *testing.T) {
	s := openBadger(t, t.TempDir(), testKey)
	defer s.Close()
	assert.NoError(t, s.Delete(context.Background(), "never-written"))
}
