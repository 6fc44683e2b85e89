package store

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/gigapi/gigapi-datasets/core"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTable(t *testing.T, rows int) arrow.Table {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "topic", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "value", Type: arrow.PrimitiveTypes.Float64},
		{Name: "flag", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "ts", Type: &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	topics := []string{"ML", "NLP", "Robotics"}
	for i := 0; i < rows; i++ {
		b.Field(0).(*array.Int64Builder).Append(int64(i))
		if i%7 == 3 {
			b.Field(1).(*array.StringBuilder).AppendNull()
		} else {
			b.Field(1).(*array.StringBuilder).Append(topics[i%len(topics)])
		}
		b.Field(2).(*array.Float64Builder).Append(float64(i) * 1.5)
		b.Field(3).(*array.BooleanBuilder).Append(i%2 == 0)
		b.Field(4).(*array.TimestampBuilder).Append(arrow.Timestamp(base.Add(time.Duration(i) * time.Second).UnixMicro()))
	}
	rec := b.NewRecord()
	defer rec.Release()
	return array.NewTableFromRecords(schema, []arrow.Record{rec})
}

func assertTablesEqual(t *testing.T, want, got arrow.Table) {
	t.Helper()
	require.Equal(t, want.NumRows(), got.NumRows())
	require.Equal(t, want.NumCols(), got.NumCols())
	for i := 0; i < int(want.NumCols()); i++ {
		wf, gf := want.Schema().Field(i), got.Schema().Field(i)
		assert.Equal(t, wf.Name, gf.Name)
		assert.True(t, arrow.TypeEqual(wf.Type, gf.Type), "column %s: %s != %s", wf.Name, wf.Type, gf.Type)
		assert.True(t, array.ChunkedEqual(want.Column(i).Data(), got.Column(i).Data()), "column %s differs", wf.Name)
	}
}

func TestParquetStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, rows := range []int{0, 1, 100, 2500} {
		s := NewParquetStore(afero.NewMemMapFs(), "/data")
		s.RowGroupSize = 1000
		require.NoError(t, s.EnsureLayout())

		tbl := sampleTable(t, rows)
		path := s.Path("sensors", core.LayerRaw, 1)
		size, err := s.Write(ctx, tbl, path)
		require.NoError(t, err)
		assert.Greater(t, size, int64(0))

		info, err := s.Fs.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, info.Size(), size)

		got, err := s.Read(ctx, path)
		require.NoError(t, err)
		assertTablesEqual(t, tbl, got)
		got.Release()
		tbl.Release()
	}
}

func TestParquetStorePath(t *testing.T) {
	s := NewParquetStore(afero.NewMemMapFs(), "/data")
	assert.Equal(t, filepath.Join("/data", "curated", "sensors_v12.parquet"), s.Path("sensors", core.LayerCurated, 12))
}

func TestParquetStoreReadErrors(t *testing.T) {
	ctx := context.Background()
	s := NewParquetStore(afero.NewMemMapFs(), "/data")
	require.NoError(t, s.EnsureLayout())

	_, err := s.Read(ctx, s.Path("missing", core.LayerRaw, 1))
	assert.ErrorIs(t, err, core.ErrNotFound)

	garbage := s.Path("garbage", core.LayerRaw, 1)
	require.NoError(t, afero.WriteFile(s.Fs, garbage, []byte("definitely not parquet"), 0o644))
	_, err = s.Read(ctx, garbage)
	assert.ErrorIs(t, err, core.ErrCorruptFile)
}

func TestParquetStoreRefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	s := NewParquetStore(afero.NewMemMapFs(), "/data")
	tbl := sampleTable(t, 10)
	defer tbl.Release()

	path := s.Path("sensors", core.LayerRaw, 1)
	_, err := s.Write(ctx, tbl, path)
	require.NoError(t, err)

	_, err = s.Write(ctx, tbl, path)
	assert.ErrorIs(t, err, core.ErrWriteFailure)
	assert.True(t, errors.Is(err, fs.ErrExist))
}

func TestParquetStoreConcurrentWritersOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewParquetStore(afero.NewMemMapFs(), "/data")
	path := s.Path("sensors", core.LayerRaw, 1)
	const n = 6

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  []int
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tbl := sampleTable(t, 5*(i+1))
			defer tbl.Release()
			<-start
			_, err := s.Write(ctx, tbl, path)
			if err != nil {
				assert.True(t, errors.Is(err, fs.ErrExist), "unexpected error: %v", err)
				return
			}
			mu.Lock()
			wins = append(wins, i)
			mu.Unlock()
		}(i)
	}
	close(start)
	wg.Wait()
	require.Len(t, wins, 1)

	got, err := s.Read(ctx, path)
	require.NoError(t, err)
	defer got.Release()
	assert.Equal(t, int64(5*(wins[0]+1)), got.NumRows())

	entries, err := afero.ReadDir(s.Fs, "/data/raw")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestParquetStoreFailedWriteLeavesNothing(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	s := NewParquetStore(fsys, "/data")
	require.NoError(t, s.EnsureLayout())
	tbl := sampleTable(t, 10)
	defer tbl.Release()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := s.Write(cancelled, tbl, s.Path("sensors", core.LayerRaw, 1))
	assert.ErrorIs(t, err, core.ErrWriteFailure)

	// A read-only filesystem rejects the write.
	ro := NewParquetStore(afero.NewReadOnlyFs(fsys), "/data")
	_, err = ro.Write(ctx, tbl, ro.Path("sensors", core.LayerRaw, 1))
	assert.ErrorIs(t, err, core.ErrWriteFailure)

	entries, err := afero.ReadDir(fsys, "/data/raw")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParquetStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewParquetStore(afero.NewMemMapFs(), "/data")
	tbl := sampleTable(t, 3)
	defer tbl.Release()

	files, err := s.List(ctx, core.LayerRaw)
	require.NoError(t, err)
	assert.Empty(t, files)

	for v := int64(1); v <= 2; v++ {
		_, err := s.Write(ctx, tbl, s.Path("sensors", core.LayerRaw, v))
		require.NoError(t, err)
	}
	require.NoError(t, afero.WriteFile(s.Fs, "/data/raw/.sensors_v3.parquet.abc.tmp", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(s.Fs, "/data/raw/notes.txt", []byte("x"), 0o644))

	files, err = s.List(ctx, core.LayerRaw)
	require.NoError(t, err)
	assert.Equal(t, []string{
		s.Path("sensors", core.LayerRaw, 1),
		s.Path("sensors", core.LayerRaw, 2),
	}, files)
}

func TestSchemaOf(t *testing.T) {
	tbl := sampleTable(t, 1)
	defer tbl.Release()
	assert.Equal(t, map[string]string{
		"id":    "int64",
		"topic": "utf8",
		"value": "float64",
		"flag":  "bool",
		"ts":    "timestamp[us, tz=UTC]",
	}, SchemaOf(tbl.Schema()))
}
