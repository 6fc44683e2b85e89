package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/marcboeker/go-duckdb/v2"
	"github.com/mattn/go-sqlite3"
)

// Dialect hides the differences between the relational backends the catalog
// can run on. Queries themselves are portable and use ? placeholders.
type Dialect interface {
	// DriverName is the database/sql driver to open.
	DriverName() string

	// SchemaSQL returns the statements creating the catalog tables.
	SchemaSQL() []string

	// Greatest is the scalar two-argument max function.
	Greatest() string

	// IsUniqueViolation reports whether err comes from a unique or primary key constraint.
	IsUniqueViolation(err error) bool

	// IsConflict reports whether err is a transient write conflict worth retrying.
	IsConflict(err error) bool
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "", "duckdb":
		return duckdbDialect{}, nil
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported catalog driver %q", name)
}

type duckdbDialect struct{}

func (duckdbDialect) DriverName() string { return "duckdb" }

func (duckdbDialect) SchemaSQL() []string {
	return []string{
		`CREATE SEQUENCE IF NOT EXISTS datasets_id_seq START 1`,
		`CREATE TABLE IF NOT EXISTS datasets (
			id          BIGINT PRIMARY KEY DEFAULT nextval('datasets_id_seq'),
			name        VARCHAR NOT NULL,
			version     BIGINT NOT NULL CHECK (version > 0),
			layer       VARCHAR NOT NULL CHECK (layer IN ('raw', 'processed', 'curated')),
			file_path   VARCHAR NOT NULL,
			schema_json VARCHAR NOT NULL,
			row_count   BIGINT NOT NULL,
			size_bytes  BIGINT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
			metadata    VARCHAR NOT NULL DEFAULT '{}',
			UNIQUE (name, layer, version)
		)`,
		`CREATE TABLE IF NOT EXISTS dataset_versions (
			name         VARCHAR NOT NULL,
			layer        VARCHAR NOT NULL,
			last_version BIGINT NOT NULL,
			PRIMARY KEY (name, layer)
		)`,
		`CREATE TABLE IF NOT EXISTS dataset_reservations (
			name    VARCHAR NOT NULL,
			layer   VARCHAR NOT NULL,
			version BIGINT NOT NULL,
			PRIMARY KEY (name, layer, version)
		)`,
	}
}

func (duckdbDialect) Greatest() string { return "greatest" }

func (duckdbDialect) IsUniqueViolation(err error) bool {
	var dErr *duckdb.Error
	if errors.As(err, &dErr) {
		return dErr.Type == duckdb.ErrorTypeConstraint
	}
	msg := err.Error()
	return strings.Contains(msg, "Constraint Error") || strings.Contains(msg, "Duplicate key")
}

func (duckdbDialect) IsConflict(err error) bool {
	var dErr *duckdb.Error
	if errors.As(err, &dErr) && dErr.Type == duckdb.ErrorTypeTransaction {
		return true
	}
	return strings.Contains(err.Error(), "Conflict")
}

type sqliteDialect struct{}

func (sqliteDialect) DriverName() string { return "sqlite3" }

func (sqliteDialect) SchemaSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS datasets (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			name        TEXT NOT NULL,
			version     INTEGER NOT NULL CHECK (version > 0),
			layer       TEXT NOT NULL CHECK (layer IN ('raw', 'processed', 'curated')),
			file_path   TEXT NOT NULL,
			schema_json TEXT NOT NULL,
			row_count   INTEGER NOT NULL,
			size_bytes  INTEGER NOT NULL,
			created_at  TIMESTAMP NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
			metadata    TEXT NOT NULL DEFAULT '{}',
			UNIQUE (name, layer, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_datasets_created ON datasets (created_at DESC, id DESC)`,
		`CREATE TABLE IF NOT EXISTS dataset_versions (
			name         TEXT NOT NULL,
			layer        TEXT NOT NULL,
			last_version INTEGER NOT NULL,
			PRIMARY KEY (name, layer)
		)`,
		`CREATE TABLE IF NOT EXISTS dataset_reservations (
			name    TEXT NOT NULL,
			layer   TEXT NOT NULL,
			version INTEGER NOT NULL,
			PRIMARY KEY (name, layer, version)
		)`,
	}
}

func (sqliteDialect) Greatest() string { return "max" }

func (sqliteDialect) IsUniqueViolation(err error) bool {
	var sErr sqlite3.Error
	if errors.As(err, &sErr) {
		return sErr.ExtendedCode == sqlite3.ErrConstraintUnique || sErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (sqliteDialect) IsConflict(err error) bool {
	var sErr sqlite3.Error
	if errors.As(err, &sErr) {
		return sErr.Code == sqlite3.ErrBusy || sErr.Code == sqlite3.ErrLocked
	}
	return false
}
