// Package catalog persists index definitions and per-blob build state in
// PostgreSQL: the Indexes and Keys tables, plus a process-local snapshot
// cache keyed by a checksum over the Indexes table.
package catalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/lattice-genomics/bioindex/internal/logutil"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrationsFS exposes the embedded migration tree for test harnesses
// (e.g. fixgres.WithGooseUp) that need to provision a sandbox database
// with this package's schema ahead of using NewForTest.
var MigrationsFS = migrationFS

// ErrNotFound is returned when an index lookup matches no row.
var ErrNotFound = errors.New("catalog: no such index")

// Index is one row of the Indexes table: the definition of a buildable or
// built secondary index.
type Index struct {
	Name       string
	Table      string
	Prefix     string
	Schema     string
	Built      *time.Time
	Compressed bool
}

// Arity is the number of query arguments this index's schema expects,
// derived the same way the schema compiler derives it: one per
// comma-separated schema segment.
func (ix Index) Arity() int {
	return strings.Count(ix.Schema, ",") + 1
}

// Key is one row of the Keys table: the per-blob build state for an index.
type Key struct {
	ID      int64
	Index   string
	Path    string
	Version string
	Built   *time.Time
}

// Store is a handle onto the catalog's PostgreSQL connection pool.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mu       sync.RWMutex
	snapshot []Index
	checksum string
}

// NewForTest wraps an already-migrated *sql.DB (e.g. a fixgres sandbox) as
// a Store, bypassing Open's connection setup and migration run.
func NewForTest(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Open connects to dsn, applies pending migrations via goose, and returns a
// ready Store. The pool is configured with a ~1h connection lifetime,
// matching the catalog's long-lived, recycled-pool design.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetMaxOpenConns(16)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}

	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}

	logger.Info("catalog ready", logutil.Values(zap.String("dsn_host", hostOf(dsn))))
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the raw connection pool for components (indexer, planner)
// that issue their own parameterized SQL against index-owned tables.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// CreateIndex upserts an index definition by (name, arity), clearing its
// built flag, per spec.md §4.C.
func (s *Store) CreateIndex(ctx context.Context, name, tableName, prefix, schemaStr string) error {
	if !strings.HasSuffix(prefix, "/") {
		return fmt.Errorf("catalog: prefix must end with '/': %q", prefix)
	}

	const q = `
		INSERT INTO __indexes (name, table_name, prefix, schema, built)
		VALUES ($1, $2, $3, $4, NULL)
		ON CONFLICT (name, (length(schema) - length(replace(schema, ',', '')) + 1))
		DO UPDATE SET table_name = EXCLUDED.table_name,
		              prefix = EXCLUDED.prefix,
		              schema = EXCLUDED.schema,
		              built = NULL
	`
	if _, err := s.db.ExecContext(ctx, q, name, tableName, prefix, schemaStr); err != nil {
		return fmt.Errorf("catalog: create index %q: %w", name, err)
	}
	s.invalidate()
	return nil
}

// SetCompressed updates an index's compressed flag.
func (s *Store) SetCompressed(ctx context.Context, name, prefix string, compressed bool) error {
	const q = `UPDATE __indexes SET compressed = $1 WHERE name = $2 AND prefix = $3`
	_, err := s.db.ExecContext(ctx, q, compressed, name, prefix)
	if err != nil {
		return fmt.Errorf("catalog: set compressed %q: %w", name, err)
	}
	s.invalidate()
	return nil
}

const indexColumns = `name, table_name, prefix, schema, built, compressed`

func scanIndex(row interface{ Scan(...any) error }) (Index, error) {
	var ix Index
	if err := row.Scan(&ix.Name, &ix.Table, &ix.Prefix, &ix.Schema, &ix.Built, &ix.Compressed); err != nil {
		return Index{}, err
	}
	return ix, nil
}

// ListIndexes returns every index definition, optionally filtered to those
// that have completed a build.
func (s *Store) ListIndexes(ctx context.Context, filterBuilt bool) ([]Index, error) {
	q := `SELECT ` + indexColumns + ` FROM __indexes`
	if filterBuilt {
		q += ` WHERE built IS NOT NULL`
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("catalog: list indexes: %w", err)
	}
	defer rows.Close()

	var out []Index
	for rows.Next() {
		ix, err := scanIndex(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan index: %w", err)
		}
		out = append(out, ix)
	}
	return out, rows.Err()
}

// Lookup finds the index named name whose schema arity matches arity.
func (s *Store) Lookup(ctx context.Context, name string, arity int) (Index, error) {
	const q = `
		SELECT ` + indexColumns + `
		FROM __indexes
		WHERE name = $1 AND length(schema) - length(replace(schema, ',', '')) + 1 = $2
	`
	ix, err := scanIndex(s.db.QueryRowContext(ctx, q, name, arity))
	if errors.Is(err, sql.ErrNoRows) {
		return Index{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Index{}, fmt.Errorf("catalog: lookup %q: %w", name, err)
	}
	return ix, nil
}

// LookupAll finds every index definition registered under name, regardless
// of arity (a name may be reused across differently-shaped schemas).
func (s *Store) LookupAll(ctx context.Context, name string) ([]Index, error) {
	const q = `SELECT ` + indexColumns + ` FROM __indexes WHERE name = $1`
	rows, err := s.db.QueryContext(ctx, q, name)
	if err != nil {
		return nil, fmt.Errorf("catalog: lookup all %q: %w", name, err)
	}
	defer rows.Close()

	var out []Index
	for rows.Next() {
		ix, err := scanIndex(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan index: %w", err)
		}
		out = append(out, ix)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return out, nil
}

// SetBuilt sets or clears an index's built timestamp.
func (s *Store) SetBuilt(ctx context.Context, name string, built bool) error {
	var err error
	if built {
		_, err = s.db.ExecContext(ctx, `UPDATE __indexes SET built = now() WHERE name = $1`, name)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE __indexes SET built = NULL WHERE name = $1`, name)
	}
	if err != nil {
		return fmt.Errorf("catalog: set built %q: %w", name, err)
	}
	s.invalidate()
	return nil
}

// InsertKey adds (or reuses) a Keys row for a blob under an index. If the
// key already exists with the same content-hash version, its id is
// returned unchanged; if the version differs, the stale row (and its
// IndexRows, by caller) is replaced with a fresh one.
func (s *Store) InsertKey(ctx context.Context, index, key, version string) (int64, error) {
	var id int64
	var existingVersion sql.NullString

	row := s.db.QueryRowContext(ctx, `SELECT id, version FROM __keys WHERE index = $1 AND key = $2`, index, key)
	err := row.Scan(&id, &existingVersion)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	case err != nil:
		return 0, fmt.Errorf("catalog: lookup key %q/%q: %w", index, key, err)
	default:
		if existingVersion.Valid && existingVersion.String == version {
			return id, nil
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM __keys WHERE id = $1`, id); err != nil {
			return 0, fmt.Errorf("catalog: delete stale key %q/%q: %w", index, key, err)
		}
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO __keys (index, key, version) VALUES ($1, $2, $3) RETURNING id`,
		index, key, version,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("catalog: insert key %q/%q: %w", index, key, err)
	}
	return id, nil
}

// DeleteKey removes a single Keys row for an index.
func (s *Store) DeleteKey(ctx context.Context, index, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM __keys WHERE index = $1 AND key = $2`, index, key)
	if err != nil {
		return fmt.Errorf("catalog: delete key %q/%q: %w", index, key, err)
	}
	return nil
}

// DeleteKeys removes every Keys row for an index (used on full rebuild).
func (s *Store) DeleteKeys(ctx context.Context, index string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM __keys WHERE index = $1`, index)
	if err != nil {
		return fmt.Errorf("catalog: delete keys %q: %w", index, err)
	}
	return nil
}

// LookupKeys returns every Keys row for an index whose key has the given
// prefix, keyed by blob path. A nil Built field indicates the key exists
// but has not finished indexing (built=null sentinel).
func (s *Store) LookupKeys(ctx context.Context, index, prefix string) (map[string]Key, error) {
	const q = `SELECT id, key, version, built FROM __keys WHERE index = $1 AND key LIKE $2`
	rows, err := s.db.QueryContext(ctx, q, index, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("catalog: lookup keys %q: %w", index, err)
	}
	defer rows.Close()

	out := make(map[string]Key)
	for rows.Next() {
		var k Key
		var version sql.NullString
		k.Index = index
		if err := rows.Scan(&k.ID, &k.Path, &version, &k.Built); err != nil {
			return nil, fmt.Errorf("catalog: scan key: %w", err)
		}
		if k.Built != nil {
			k.Version = version.String
		}
		out[k.Path] = k
	}
	return out, rows.Err()
}

// SetKeyBuilt stamps a Keys row's built timestamp.
func (s *Store) SetKeyBuilt(ctx context.Context, index, key string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE __keys SET built = now() WHERE index = $1 AND key = $2`, index, key)
	if err != nil {
		return fmt.Errorf("catalog: set key built %q/%q: %w", index, key, err)
	}
	return nil
}

// LookupGene resolves a gene name to its region, via the __genes table.
func (s *Store) LookupGene(ctx context.Context, name string) (chrom string, start, stop int, err error) {
	const q = `SELECT chrom, start, stop FROM __genes WHERE name = $1`
	err = s.db.QueryRowContext(ctx, q, name).Scan(&chrom, &start, &stop)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, 0, fmt.Errorf("catalog: gene not found: %s", name)
	}
	if err != nil {
		return "", 0, 0, fmt.Errorf("catalog: lookup gene %q: %w", name, err)
	}
	return chrom, start, stop, nil
}

// Snapshot returns the list of built indexes. Every call reads the list
// from the database; the cached list is returned, and replaced, only when
// the checksum over that list has changed since the last refresh. This is the process-local INDEXES cache from
// spec.md §5, adapted from the checksum-plus-RWMutex pattern used for
// schema introspection caching elsewhere in this stack.
func (s *Store) Snapshot(ctx context.Context) ([]Index, error) {
	s.mu.RLock()
	cached := s.snapshot
	checksum := s.checksum
	s.mu.RUnlock()

	fresh, err := s.ListIndexes(ctx, true)
	if err != nil {
		return nil, err
	}
	sum := checksumIndexes(fresh)
	if sum == checksum && cached != nil {
		return cached, nil
	}

	s.mu.Lock()
	s.snapshot = fresh
	s.checksum = sum
	s.mu.Unlock()
	return fresh, nil
}

func (s *Store) invalidate() {
	s.mu.Lock()
	s.checksum = ""
	s.mu.Unlock()
}

func checksumIndexes(indexes []Index) string {
	names := make([]string, len(indexes))
	for i, ix := range indexes {
		built := ""
		if ix.Built != nil {
			built = ix.Built.Format(time.RFC3339Nano)
		}
		names[i] = fmt.Sprintf("%s|%d|%s|%s", ix.Name, ix.Arity(), ix.Schema, built)
	}
	sort.Strings(names)
	sum := sha256.Sum256([]byte(strings.Join(names, "\n")))
	return hex.EncodeToString(sum[:])
}

func hostOf(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		rest := dsn[i+1:]
		if j := strings.IndexAny(rest, "/:?"); j >= 0 {
			return rest[:j]
		}
		return rest
	}
	return "unknown"
}
