package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gigapi/gigapi-datasets/core"
)

// conflictRetries bounds how often a version allocation is retried after a
// transient write conflict reported by the backend.
const conflictRetries = 5

// Ensure SQLCatalog implements core.Catalog interface
var _ core.Catalog = (*SQLCatalog)(nil)

// SQLCatalog keeps dataset records in a relational database reached through
// database/sql. Version allocation is serialized per (name, layer) by an
// in-process lock, a persistent counter and the (name, layer, version)
// unique constraint.
type SQLCatalog struct {
	DSN     string
	DB      *sql.DB
	dialect Dialect
	locks   *keyLocks
}

// NewSQLCatalog creates a catalog for the given driver ("duckdb" or "sqlite").
// Call Initialize before use.
func NewSQLCatalog(driver, dsn string) (*SQLCatalog, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &SQLCatalog{
		DSN:     dsn,
		dialect: dialect,
		locks:   newKeyLocks(),
	}, nil
}

// Initialize opens the database and creates the catalog tables.
func (c *SQLCatalog) Initialize(ctx context.Context) error {
	dsn := c.DSN
	if _, ok := c.dialect.(sqliteDialect); ok && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open(c.dialect.DriverName(), dsn)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	if _, ok := c.dialect.(sqliteDialect); ok {
		// Single writer
		db.SetMaxOpenConns(1)
	}
	for _, stmt := range c.dialect.SchemaSQL() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return fmt.Errorf("failed to initialize catalog schema: %w", err)
		}
	}
	c.DB = db
	return nil
}

// Close releases resources
func (c *SQLCatalog) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

func lockKey(name string, layer core.Layer) string {
	return string(layer) + "/" + name
}

// withConn runs fn on a connection taken from the pool for this call only.
func (c *SQLCatalog) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	if c.DB == nil {
		return core.Wrap(core.ErrCatalogUnavailable, errors.New("catalog is not initialized"))
	}
	conn, err := c.DB.Conn(ctx)
	if err != nil {
		return core.Wrap(core.ErrCatalogUnavailable, fmt.Errorf("failed to acquire connection: %w", err))
	}
	defer conn.Close()
	return fn(conn)
}

func unavailable(err error) error {
	if err == nil || core.Kind(err) != nil {
		return err
	}
	return core.Wrap(core.ErrCatalogUnavailable, err)
}

func checkKey(name string, layer core.Layer) error {
	if err := core.ValidateName(name); err != nil {
		return err
	}
	if !layer.Valid() {
		return fmt.Errorf("%w: unknown layer %q", core.ErrInvalidArgument, layer)
	}
	return nil
}

// NextVersion reserves the next version of (name, layer). The counter row in
// dataset_versions is bumped even if the caller never registers the version,
// so a version is never handed out twice.
func (c *SQLCatalog) NextVersion(ctx context.Context, name string, layer core.Layer) (int64, error) {
	if err := checkKey(name, layer); err != nil {
		return 0, err
	}
	unlock := c.locks.Lock(lockKey(name, layer))
	defer unlock()

	var version int64
	err := c.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		for attempt := 1; ; attempt++ {
			version, err = c.allocate(ctx, conn, name, layer)
			if err == nil || !c.dialect.IsConflict(err) || attempt >= conflictRetries {
				return err
			}
			core.Debugf(ctx, "Version allocation conflict for %s/%s, attempt %d: %v", layer, name, attempt, err)
		}
	})
	if err != nil {
		return 0, unavailable(fmt.Errorf("failed to allocate version for %s/%s: %w", layer, name, err))
	}
	return version, nil
}

func (c *SQLCatalog) allocate(ctx context.Context, conn *sql.Conn, name string, layer core.Layer) (int64, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var maxVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM datasets WHERE name = ? AND layer = ?`,
		name, string(layer)).Scan(&maxVersion)
	if err != nil {
		return 0, err
	}

	var version int64
	query := fmt.Sprintf(`INSERT INTO dataset_versions (name, layer, last_version) VALUES (?, ?, ?)
		ON CONFLICT (name, layer) DO UPDATE SET last_version = %s(last_version + 1, excluded.last_version)
		RETURNING last_version`, c.dialect.Greatest())
	if err := tx.QueryRowContext(ctx, query, name, string(layer), maxVersion+1).Scan(&version); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dataset_reservations (name, layer, version) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		name, string(layer), version); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// ReserveVersion claims an explicit version of (name, layer) before its file
// is written. It fails with core.ErrDuplicateVersion when the version is
// registered or was already handed out by NextVersion or ReserveVersion.
// Allocation continues above the highest reserved version.
func (c *SQLCatalog) ReserveVersion(ctx context.Context, name string, layer core.Layer, version int64) error {
	if err := checkKey(name, layer); err != nil {
		return err
	}
	if version <= 0 {
		return fmt.Errorf("%w: version must be positive, got %d", core.ErrInvalidArgument, version)
	}
	unlock := c.locks.Lock(lockKey(name, layer))
	defer unlock()

	taken := false
	err := c.withConn(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var registered int64
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM datasets WHERE name = ? AND layer = ? AND version = ?`,
			name, string(layer), version).Scan(&registered)
		if err != nil {
			return err
		}
		if registered > 0 {
			taken = true
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dataset_reservations (name, layer, version) VALUES (?, ?, ?)`,
			name, string(layer), version); err != nil {
			if c.dialect.IsUniqueViolation(err) {
				taken = true
				return nil
			}
			return err
		}
		bump := fmt.Sprintf(`INSERT INTO dataset_versions (name, layer, last_version) VALUES (?, ?, ?)
			ON CONFLICT (name, layer) DO UPDATE SET last_version = %s(last_version, excluded.last_version)`,
			c.dialect.Greatest())
		if _, err := tx.ExecContext(ctx, bump, name, string(layer), version); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return unavailable(fmt.Errorf("failed to reserve %s/%s v%d: %w", layer, name, version, err))
	}
	if taken {
		return fmt.Errorf("%w: %s/%s v%d is already taken", core.ErrDuplicateVersion, layer, name, version)
	}
	return nil
}

// Register inserts rec, fills in its ID and CreatedAt and returns the ID.
func (c *SQLCatalog) Register(ctx context.Context, rec *core.DatasetRecord) (int64, error) {
	if err := checkKey(rec.Name, rec.Layer); err != nil {
		return 0, err
	}
	if rec.Version <= 0 {
		return 0, fmt.Errorf("%w: version must be positive, got %d", core.ErrInvalidArgument, rec.Version)
	}
	schemaJSON, err := encodeJSON(rec.Schema)
	if err != nil {
		return 0, fmt.Errorf("failed to encode schema: %w", err)
	}
	metadataJSON, err := encodeJSON(rec.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to encode metadata: %w", err)
	}

	unlock := c.locks.Lock(lockKey(rec.Name, rec.Layer))
	defer unlock()

	var (
		id        int64
		createdAt time.Time
	)
	err = c.withConn(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		err = tx.QueryRowContext(ctx,
			`INSERT INTO datasets (name, version, layer, file_path, schema_json, row_count, size_bytes, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			rec.Name, rec.Version, string(rec.Layer), rec.FilePath, schemaJSON,
			rec.RowCount, rec.SizeBytes, metadataJSON).Scan(&id)
		if err != nil {
			return err
		}
		bump := fmt.Sprintf(`INSERT INTO dataset_versions (name, layer, last_version) VALUES (?, ?, ?)
			ON CONFLICT (name, layer) DO UPDATE SET last_version = %s(last_version, excluded.last_version)`,
			c.dialect.Greatest())
		if _, err := tx.ExecContext(ctx, bump, rec.Name, string(rec.Layer), rec.Version); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT created_at FROM datasets WHERE id = ?`, id).Scan(&createdAt); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if c.dialect.IsUniqueViolation(err) || c.dialect.IsConflict(err) {
			return 0, core.Wrap(core.ErrDuplicateVersion,
				fmt.Errorf("%s/%s v%d: %w", rec.Layer, rec.Name, rec.Version, err))
		}
		return 0, fmt.Errorf("failed to register %s/%s v%d: %w", rec.Layer, rec.Name, rec.Version, err)
	}

	rec.ID = id
	rec.CreatedAt = createdAt
	return id, nil
}

// LatestVersion returns the highest registered version of (name, layer).
func (c *SQLCatalog) LatestVersion(ctx context.Context, name string, layer core.Layer) (int64, error) {
	if err := checkKey(name, layer); err != nil {
		return 0, err
	}
	var latest sql.NullInt64
	err := c.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx,
			`SELECT MAX(version) FROM datasets WHERE name = ? AND layer = ?`,
			name, string(layer)).Scan(&latest)
	})
	if err != nil {
		return 0, unavailable(fmt.Errorf("failed to look up latest version of %s/%s: %w", layer, name, err))
	}
	if !latest.Valid {
		return 0, fmt.Errorf("%w: no dataset %s/%s", core.ErrNotFound, layer, name)
	}
	return latest.Int64, nil
}

const recordColumns = `id, name, version, layer, file_path, schema_json, row_count, size_bytes, created_at, metadata`

// Resolve returns the record of an exact (name, layer, version).
func (c *SQLCatalog) Resolve(ctx context.Context, name string, layer core.Layer, version int64) (*core.DatasetRecord, error) {
	if err := checkKey(name, layer); err != nil {
		return nil, err
	}
	rec, err := c.queryOne(ctx,
		`SELECT `+recordColumns+` FROM datasets WHERE name = ? AND layer = ? AND version = ?`,
		name, string(layer), version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no dataset %s/%s v%d", core.ErrNotFound, layer, name, version)
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to resolve %s/%s v%d: %w", layer, name, version, err))
	}
	return rec, nil
}

// Get returns the record with the given id.
func (c *SQLCatalog) Get(ctx context.Context, id int64) (*core.DatasetRecord, error) {
	rec, err := c.queryOne(ctx, `SELECT `+recordColumns+` FROM datasets WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no dataset with id %d", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to get dataset %d: %w", id, err))
	}
	return rec, nil
}

// List returns the records matching filter, most recent first. Records
// created within the same clock tick are ordered by id, highest first.
func (c *SQLCatalog) List(ctx context.Context, filter core.ListFilter) ([]*core.DatasetRecord, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Layer != nil {
		if !filter.Layer.Valid() {
			return nil, fmt.Errorf("%w: unknown layer %q", core.ErrInvalidArgument, *filter.Layer)
		}
		conditions = append(conditions, "layer = ?")
		args = append(args, string(*filter.Layer))
	}
	if filter.Name != "" {
		conditions = append(conditions, "name = ?")
		args = append(args, filter.Name)
	}
	query := `SELECT ` + recordColumns + ` FROM datasets`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	res := make([]*core.DatasetRecord, 0)
	err := c.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			res = append(res, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to list datasets: %w", err))
	}
	return res, nil
}

func (c *SQLCatalog) queryOne(ctx context.Context, query string, args ...any) (*core.DatasetRecord, error) {
	var rec *core.DatasetRecord
	err := c.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		rec, err = scanRecord(conn.QueryRowContext(ctx, query, args...))
		return err
	})
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*core.DatasetRecord, error) {
	var (
		rec          core.DatasetRecord
		layer        string
		schemaJSON   string
		metadataJSON string
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.Version, &layer, &rec.FilePath, &schemaJSON,
		&rec.RowCount, &rec.SizeBytes, &rec.CreatedAt, &metadataJSON)
	if err != nil {
		return nil, err
	}
	rec.Layer = core.Layer(layer)
	if err = decodeJSON(schemaJSON, &rec.Schema); err != nil {
		return nil, fmt.Errorf("failed to decode schema of dataset %d: %w", rec.ID, err)
	}
	if err = decodeJSON(metadataJSON, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of dataset %d: %w", rec.ID, err)
	}
	return &rec, nil
}

func encodeJSON[V any](m map[string]V) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeJSON fills *m from s. Metadata numbers come back as float64.
func decodeJSON[V any](s string, m *map[string]V) error {
	*m = make(map[string]V)
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), m)
}
