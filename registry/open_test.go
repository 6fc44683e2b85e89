package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gigapi/gigapi-datasets/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	r, err := Open(ctx, Options{Root: root, Driver: "sqlite", MaxAttempts: 2})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 2, r.MaxAttempts)

	for _, layer := range core.Layers {
		info, err := os.Stat(filepath.Join(root, string(layer)))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	_, err = os.Stat(filepath.Join(root, "catalog.db"))
	assert.NoError(t, err)

	id, err := r.WriteDataset(ctx, sensorTable(t, 3, 0), "sensors", core.LayerRaw)
	require.NoError(t, err)
	rec, err := r.Describe(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "raw", "sensors_v1.parquet"), rec.FilePath)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Root: t.TempDir(), Driver: "postgres"})
	assert.Error(t, err)
}

func TestDefaultDSN(t *testing.T) {
	assert.Equal(t, filepath.Join("/d", "catalog.duckdb"), DefaultDSN("/d", ""))
	assert.Equal(t, filepath.Join("/d", "catalog.db"), DefaultDSN("/d", "sqlite3"))
}
