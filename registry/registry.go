package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/gigapi/gigapi-datasets/core"
)

// DefaultMaxAttempts bounds version re-allocation after a duplicate version.
const DefaultMaxAttempts = 5

// Registry is the entry point for writing and reading versioned datasets.
// It allocates versions through the catalog, writes files through the store
// and registers every write after its file is in place.
type Registry struct {
	Store       core.ColumnarStore
	Catalog     core.Catalog
	MaxAttempts int
}

// New creates a Registry over store and catalog.
func New(store core.ColumnarStore, catalog core.Catalog) *Registry {
	return &Registry{
		Store:       store,
		Catalog:     catalog,
		MaxAttempts: DefaultMaxAttempts,
	}
}

type writeOptions struct {
	metadata map[string]any
	version  int64
}

// WriteOption customizes WriteDataset.
type WriteOption func(*writeOptions)

// WithMetadata attaches caller annotations to the catalog record.
func WithMetadata(metadata map[string]any) WriteOption {
	return func(o *writeOptions) {
		o.metadata = metadata
	}
}

// WithVersion writes an explicit version instead of allocating one. The
// version is reserved in the catalog before the file is written, so of two
// writers claiming it only one touches the file. A duplicate explicit version
// is reported, not retried.
func WithVersion(version int64) WriteOption {
	return func(o *writeOptions) {
		o.version = version
	}
}

// WriteDataset stores tbl as a new version of (name, layer) and returns the
// catalog id of the new record.
//
// When the file is written but registration fails, the file stays on disk
// unindexed. Readers never see it; Orphans reports it.
func (r *Registry) WriteDataset(ctx context.Context, tbl arrow.Table, name string, layer core.Layer, opts ...WriteOption) (int64, error) {
	if err := core.ValidateName(name); err != nil {
		return 0, err
	}
	if !layer.Valid() {
		return 0, fmt.Errorf("%w: unknown layer %q", core.ErrInvalidArgument, layer)
	}
	if tbl == nil {
		return 0, fmt.Errorf("%w: nil table", core.ErrInvalidArgument)
	}
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	explicit := o.version != 0
	if o.version < 0 {
		return 0, fmt.Errorf("%w: version must be positive, got %d", core.ErrInvalidArgument, o.version)
	}
	if explicit {
		if err := r.Catalog.ReserveVersion(ctx, name, layer, o.version); err != nil {
			return 0, err
		}
	}

	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 || explicit {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		version := o.version
		if !explicit {
			var err error
			if version, err = r.Catalog.NextVersion(ctx, name, layer); err != nil {
				return 0, err
			}
		}

		path := r.Store.Path(name, layer, version)
		size, err := r.Store.Write(ctx, tbl, path)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				// A file nobody indexed already sits at this version.
				if explicit {
					return 0, core.Wrap(core.ErrDuplicateVersion, err)
				}
				core.Warnf(ctx, "Skipping %s/%s v%d, file already exists", layer, name, version)
				lastErr = core.Wrap(core.ErrDuplicateVersion, err)
				continue
			}
			return 0, err
		}

		rec := &core.DatasetRecord{
			Name:      name,
			Version:   version,
			Layer:     layer,
			FilePath:  path,
			Schema:    r.Store.SchemaOf(tbl.Schema()),
			RowCount:  tbl.NumRows(),
			SizeBytes: size,
			Metadata:  o.metadata,
		}
		id, err := r.Catalog.Register(ctx, rec)
		if err == nil {
			core.Infof(ctx, "Dataset written: %s v%d (%s) - %d rows, %d bytes", name, version, layer, rec.RowCount, size)
			return id, nil
		}
		if errors.Is(err, core.ErrDuplicateVersion) && !explicit {
			core.Warnf(ctx, "Version %d of %s/%s taken concurrently, retrying (attempt %d/%d); %s is left unindexed",
				version, layer, name, attempt, maxAttempts, path)
			lastErr = err
			continue
		}
		core.Errorf(ctx, "Failed to register %s/%s v%d, %s is left unindexed: %v", layer, name, version, path, err)
		return 0, core.Wrap(core.ErrRegistrationFailure, err)
	}
	return 0, core.Wrap(core.ErrRegistrationFailure,
		fmt.Errorf("gave up on %s/%s after %d attempts: %w", layer, name, maxAttempts, lastErr))
}

type readOptions struct {
	version int64
}

// ReadOption customizes ReadDataset.
type ReadOption func(*readOptions)

// AtVersion reads an exact version instead of the latest one.
func AtVersion(version int64) ReadOption {
	return func(o *readOptions) {
		o.version = version
	}
}

// ReadDataset loads the latest version of (name, layer), or the version
// selected with AtVersion, together with its catalog record. The caller owns
// the returned table and must Release it.
func (r *Registry) ReadDataset(ctx context.Context, name string, layer core.Layer, opts ...ReadOption) (arrow.Table, *core.DatasetRecord, error) {
	if err := core.ValidateName(name); err != nil {
		return nil, nil, err
	}
	if !layer.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown layer %q", core.ErrInvalidArgument, layer)
	}
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}
	version := o.version
	if version == 0 {
		var err error
		if version, err = r.Catalog.LatestVersion(ctx, name, layer); err != nil {
			return nil, nil, err
		}
	}
	rec, err := r.Catalog.Resolve(ctx, name, layer, version)
	if err != nil {
		return nil, nil, err
	}

	path := r.Store.Path(name, layer, version)
	tbl, err := r.Store.Read(ctx, path)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			// Indexed but gone: the catalog and the file tree disagree.
			core.Errorf(ctx, "Dataset %s/%s v%d (id %d) is indexed but %s is missing", layer, name, version, rec.ID, path)
			return nil, nil, core.Wrap(core.ErrCorruptFile, fmt.Errorf("indexed file is missing: %w", err))
		}
		return nil, nil, err
	}
	return tbl, rec, nil
}

// Describe returns the catalog record with the given id.
func (r *Registry) Describe(ctx context.Context, id int64) (*core.DatasetRecord, error) {
	return r.Catalog.Get(ctx, id)
}

// ListDatasets returns catalog records, most recent first.
func (r *Registry) ListDatasets(ctx context.Context, filter core.ListFilter) ([]*core.DatasetRecord, error) {
	return r.Catalog.List(ctx, filter)
}

// Orphans returns dataset files present on disk without a catalog record.
// Nothing is deleted.
func (r *Registry) Orphans(ctx context.Context) ([]string, error) {
	var res []string
	for _, layer := range core.Layers {
		l := layer
		records, err := r.Catalog.List(ctx, core.ListFilter{Layer: &l})
		if err != nil {
			return nil, err
		}
		indexed := make(map[string]struct{}, len(records))
		for _, rec := range records {
			indexed[rec.FilePath] = struct{}{}
		}
		files, err := r.Store.List(ctx, layer)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			if _, ok := indexed[file]; !ok {
				res = append(res, file)
			}
		}
	}
	return res, nil
}

// Close releases the catalog.
func (r *Registry) Close() error {
	return r.Catalog.Close()
}
