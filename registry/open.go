package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gigapi/gigapi-datasets/catalog"
	"github.com/gigapi/gigapi-datasets/store"
	"github.com/spf13/afero"
)

// Options configures Open.
type Options struct {
	Root        string
	Driver      string
	DSN         string
	MaxAttempts int
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
}

// Open builds a Registry backed by a Parquet store under Root and an
// initialized SQL catalog. An empty DSN puts the catalog under Root.
func Open(ctx context.Context, opts Options) (*Registry, error) {
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	s := store.NewParquetStore(fsys, opts.Root)
	if err := s.EnsureLayout(); err != nil {
		return nil, err
	}

	dsn := opts.DSN
	if dsn == "" {
		dsn = DefaultDSN(opts.Root, opts.Driver)
	}
	c, err := catalog.NewSQLCatalog(opts.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := c.Initialize(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}

	r := New(s, c)
	if opts.MaxAttempts > 0 {
		r.MaxAttempts = opts.MaxAttempts
	}
	return r, nil
}

// DefaultDSN is the catalog database path under root for driver.
func DefaultDSN(root, driver string) string {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return filepath.Join(root, "catalog.db")
	}
	return filepath.Join(root, "catalog.duckdb")
}
