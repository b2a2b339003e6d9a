package sales

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadSeedFile(t *testing.T) {
	storage := NewLocalStorage()
	ctx := context.Background()

	n, err := LoadSeedFile(ctx, storage, filepath.Join("..", "..", "seed", "products.json"), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	out, err := storage.ListProducts(ctx, ProductFilter{Stock: "out"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Blueberry muffin", out[0].Name)

	// Loading again skips rows that already exist.
	n, err = LoadSeedFile(ctx, storage, filepath.Join("..", "..", "seed", "products.json"), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadSeedFile_Errors(t *testing.T) {
	storage := NewLocalStorage()
	logger := zaptest.NewLogger(t)

	_, err := LoadSeedFile(context.Background(), storage, filepath.Join(t.TempDir(), "missing.json"), logger)
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"not":"an array"}`), 0o600))
	_, err = LoadSeedFile(context.Background(), storage, bad, logger)
	assert.Error(t, err)
}
