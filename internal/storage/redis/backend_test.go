package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/internal/storage"
)

func newTestBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewBackend(client, ""), mr
}

func TestBackendStoresJSONInHash(t *testing.T) {
	backend, mr := newTestBackend(t)
	ctx := context.Background()

	s := storage.Scope(backend, 42)
	require.NoError(t, s.Set(ctx, "state", "torn down"))

	assert.Equal(t, `"torn down"`, mr.HGet("plugins:storage:42", "state"))

	v, err := s.Get(ctx, "state", nil)
	require.NoError(t, err)
	assert.Equal(t, "torn down", v)

	v, err = s.Get(ctx, "missing", float64(5))
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)
}

func TestBackendUnreachableIsStorageFailure(t *testing.T) {
	backend, mr := newTestBackend(t)
	mr.Close()

	_, err := storage.Scope(backend, 1).Get(context.Background(), "k", nil)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))
}

func TestNewClientRequiresAddress(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	assert.Error(t, err)
}
