package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/gigapi/gigapi-datasets/core"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Extension is appended to every dataset file name.
const Extension = ".parquet"

// DefaultRowGroupSize caps the number of rows per parquet row group.
const DefaultRowGroupSize = 64 * 1024

// Ensure ParquetStore implements core.ColumnarStore interface
var _ core.ColumnarStore = (*ParquetStore)(nil)

// ParquetStore keeps dataset snapshots as snappy-compressed parquet files,
// one directory per layer under Root.
type ParquetStore struct {
	Root         string
	Fs           afero.Fs
	RowGroupSize int64
	mem          memory.Allocator
}

// NewParquetStore creates a ParquetStore rooted at root on fsys.
func NewParquetStore(fsys afero.Fs, root string) *ParquetStore {
	return &ParquetStore{
		Root:         root,
		Fs:           fsys,
		RowGroupSize: DefaultRowGroupSize,
		mem:          memory.DefaultAllocator,
	}
}

// EnsureLayout creates the layer directories.
func (s *ParquetStore) EnsureLayout() error {
	for _, layer := range core.Layers {
		dir := filepath.Join(s.Root, string(layer))
		if err := s.Fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create layer directory %s: %w", dir, err)
		}
	}
	return nil
}

// Path returns <root>/<layer>/<name>_v<version>.parquet
func (s *ParquetStore) Path(name string, layer core.Layer, version int64) string {
	return filepath.Join(s.Root, string(layer), fmt.Sprintf("%s_v%d%s", name, version, Extension))
}

// Write serializes tbl into a temporary file next to path and renames it into
// place once the file is complete. path is claimed with an exclusive create
// before any data is written, so an existing file is never replaced, not even
// by a concurrent Write; that case fails with an error matching both
// core.ErrWriteFailure and fs.ErrExist. Until the rename the claimed path
// holds an empty file.
func (s *ParquetStore) Write(ctx context.Context, tbl arrow.Table, path string) (size int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, core.Wrap(core.ErrWriteFailure, err)
	}
	dir := filepath.Dir(path)
	if err := s.Fs.MkdirAll(dir, 0o755); err != nil {
		return 0, core.Wrap(core.ErrWriteFailure, fmt.Errorf("failed to create directory %s: %w", dir, err))
	}
	claim, err := s.Fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, core.Wrap(core.ErrWriteFailure, fmt.Errorf("%s: %w", path, fs.ErrExist))
		}
		return 0, core.Wrap(core.ErrWriteFailure, fmt.Errorf("failed to claim %s: %w", path, err))
	}
	claim.Close()
	renamed := false
	defer func() {
		if err == nil || renamed {
			return
		}
		if rmErr := s.Fs.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			core.Errorf(ctx, "Failed to release claimed file %s: %v", path, rmErr)
		}
	}()

	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))
	f, err := s.Fs.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, core.Wrap(core.ErrWriteFailure, fmt.Errorf("failed to create temporary file: %w", err))
	}
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			f.Close()
		}
		if rmErr := s.Fs.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			core.Errorf(ctx, "Failed to remove temporary file %s: %v", tmpPath, rmErr)
		}
	}()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithDictionaryDefault(true),
		parquet.WithAllocator(s.mem),
	)
	arrProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
		pqarrow.WithAllocator(s.mem),
	)
	// The parquet writer closes its sink when done; hide Close so the file
	// can still be synced before it is renamed.
	if err = pqarrow.WriteTable(tbl, struct{ io.Writer }{f}, s.rowGroupSize(tbl), props, arrProps); err != nil {
		return 0, core.Wrap(core.ErrWriteFailure, fmt.Errorf("failed to encode parquet: %w", err))
	}
	if err = f.Sync(); err != nil {
		return 0, core.Wrap(core.ErrWriteFailure, fmt.Errorf("failed to sync %s: %w", tmpPath, err))
	}
	closed = true
	if err = f.Close(); err != nil {
		return 0, core.Wrap(core.ErrWriteFailure, fmt.Errorf("failed to close %s: %w", tmpPath, err))
	}
	info, err := s.Fs.Stat(tmpPath)
	if err != nil {
		return 0, core.Wrap(core.ErrWriteFailure, err)
	}
	if err = s.Fs.Rename(tmpPath, path); err != nil {
		return 0, core.Wrap(core.ErrWriteFailure, fmt.Errorf("failed to rename into %s: %w", path, err))
	}
	renamed = true

	core.Debugf(ctx, "Wrote %d rows to %s (%d bytes)", tbl.NumRows(), path, info.Size())
	return info.Size(), nil
}

func (s *ParquetStore) rowGroupSize(tbl arrow.Table) int64 {
	size := s.RowGroupSize
	if size <= 0 {
		size = DefaultRowGroupSize
	}
	if n := tbl.NumRows(); n > 0 && n < size {
		return n
	}
	return size
}

// Read loads the table stored at path.
func (s *ParquetStore) Read(ctx context.Context, path string) (arrow.Table, error) {
	f, err := s.Fs.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, core.Wrap(core.ErrNotFound, fmt.Errorf("dataset file %s", path))
		}
		return nil, core.Wrap(core.ErrCorruptFile, fmt.Errorf("failed to open %s: %w", path, err))
	}
	defer f.Close()

	tbl, err := pqarrow.ReadTable(ctx, f, parquet.NewReaderProperties(s.mem), pqarrow.ArrowReadProperties{}, s.mem)
	if err != nil {
		return nil, core.Wrap(core.ErrCorruptFile, fmt.Errorf("failed to decode %s: %w", path, err))
	}
	return tbl, nil
}

// SchemaOf maps every column to its arrow type name.
func (s *ParquetStore) SchemaOf(schema *arrow.Schema) map[string]string {
	return SchemaOf(schema)
}

// SchemaOf maps every column to its arrow type name.
func SchemaOf(schema *arrow.Schema) map[string]string {
	res := make(map[string]string, schema.NumFields())
	for _, field := range schema.Fields() {
		res[field.Name] = field.Type.String()
	}
	return res
}

// List returns the parquet files of a layer sorted by name. Temporary files
// of in-flight writes are skipped.
func (s *ParquetStore) List(ctx context.Context, layer core.Layer) ([]string, error) {
	dir := filepath.Join(s.Root, string(layer))
	entries, err := afero.ReadDir(s.Fs, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read layer directory %s: %w", dir, err)
	}
	res := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, Extension) {
			continue
		}
		res = append(res, filepath.Join(dir, name))
	}
	sort.Strings(res)
	return res, nil
}
