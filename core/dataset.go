package core

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
)

// Layer is a storage tier partitioning dataset files and catalog rows.
type Layer string

const (
	LayerRaw       Layer = "raw"
	LayerProcessed Layer = "processed"
	LayerCurated   Layer = "curated"
)

// Layers lists every layer in pipeline order.
var Layers = []Layer{LayerRaw, LayerProcessed, LayerCurated}

// ParseLayer converts s into a Layer.
func ParseLayer(s string) (Layer, error) {
	for _, l := range Layers {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: unknown layer %q", ErrInvalidArgument, s)
}

func (l Layer) Valid() bool {
	_, err := ParseLayer(string(l))
	return err == nil
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateName checks that name is usable as a dataset name. Names become
// part of file names, so path separators and dots are rejected.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid dataset name %q", ErrInvalidArgument, name)
	}
	return nil
}

// DatasetRecord is one registered dataset snapshot.
type DatasetRecord struct {
	ID        int64             `json:"id"`
	Name      string            `json:"name"`
	Version   int64             `json:"version"`
	Layer     Layer             `json:"layer"`
	FilePath  string            `json:"file_path"`
	Schema    map[string]string `json:"schema"`
	RowCount  int64             `json:"row_count"`
	SizeBytes int64             `json:"size_bytes"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]any    `json:"metadata"`
}

// ListFilter restricts Catalog.List. Zero value lists everything.
type ListFilter struct {
	Layer *Layer
	Name  string
}

// ColumnarStore persists one table per file.
type ColumnarStore interface {
	// Write stores tbl at path atomically and returns the file size.
	Write(ctx context.Context, tbl arrow.Table, path string) (int64, error)

	// Read loads the whole table stored at path.
	Read(ctx context.Context, path string) (arrow.Table, error)

	// SchemaOf maps column names to type names.
	SchemaOf(schema *arrow.Schema) map[string]string

	// Path derives the file location of a dataset version.
	Path(name string, layer Layer, version int64) string

	// List returns the dataset files present in a layer.
	List(ctx context.Context, layer Layer) ([]string, error)
}

// Catalog is the metadata index and the only source of version numbers.
type Catalog interface {
	// NextVersion reserves a version for (name, layer). A value is never returned twice.
	NextVersion(ctx context.Context, name string, layer Layer) (int64, error)

	// ReserveVersion claims an explicit version before its file is written.
	// Fails with ErrDuplicateVersion when the version is registered or was
	// already handed out.
	ReserveVersion(ctx context.Context, name string, layer Layer, version int64) error

	// Register inserts rec and returns its id. Fails with ErrDuplicateVersion
	// when (name, layer, version) already exists.
	Register(ctx context.Context, rec *DatasetRecord) (int64, error)

	// LatestVersion returns the highest registered version for (name, layer).
	LatestVersion(ctx context.Context, name string, layer Layer) (int64, error)

	// Resolve returns the record of an exact version.
	Resolve(ctx context.Context, name string, layer Layer, version int64) (*DatasetRecord, error)

	// Get returns the record with the given catalog id.
	Get(ctx context.Context, id int64) (*DatasetRecord, error)

	// List returns records, most recent first.
	List(ctx context.Context, filter ListFilter) ([]*DatasetRecord, error)

	// Close releases resources
	Close() error
}
