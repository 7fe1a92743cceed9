package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-racer/conductor/internal/store"
	"github.com/agent-racer/conductor/internal/store/storetest"
)

func openTempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestConformance(t *testing.T) {
	s, _ := openTempStore(t)
	storetest.Run(t, s)
}

func TestReopenKeepsDataAndSkipsMigrations(t *testing.T) {
	ctx := context.Background()
	s, path := openTempStore(t)
	require.NoError(t, s.Create(ctx, store.Key(store.KindSession, "e1"), []byte(`{"a":1}`)))
	require.NoError(t, s.Close())

	again, err := Open(path)
	require.NoError(t, err)
	defer again.Close()
	got, err := again.Get(ctx, store.Key(store.KindSession, "e1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}
