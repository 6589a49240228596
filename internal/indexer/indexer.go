// Package indexer builds a catalog index's record table from the NDJSON
// blobs under its S3 prefix: discovering new/stale/deleted blobs, coalescing
// consecutive identical key tuples into a single byte range, and bulk
// loading the result via COPY.
package indexer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lattice-genomics/bioindex/internal/blobstore"
	"github.com/lattice-genomics/bioindex/internal/catalog"
	"github.com/lattice-genomics/bioindex/internal/logutil"
	"github.com/lattice-genomics/bioindex/internal/schema"
)

// ErrMixedCompression is returned when a prefix contains both *.json and
// *.json.gz blobs, which cannot be indexed together.
var ErrMixedCompression = errors.New("indexer: prefix has both compressed and uncompressed blobs")

const (
	batchSize        = 5000
	deadlockAttempts = 5
	deadlockSQLState = "40P01"
)

// Indexer builds and rebuilds catalog indexes.
type Indexer struct {
	Catalog  *catalog.Store
	Pool     *pgxpool.Pool
	Blobs    blobstore.Store
	Bucket   string
	Logger   *zap.Logger
	Progress *ProgressRegistry
}

// BuildOptions controls one Build invocation.
type BuildOptions struct {
	// Workers bounds how many blobs are ingested concurrently.
	Workers int
	// Rebuild forces a full rebuild: existing Keys rows and the index
	// table are dropped before indexing.
	Rebuild bool
}

// Build executes the full per-index algorithm from discovery through
// finalize, per spec.md §4.D.
func (ix *Indexer) Build(ctx context.Context, index catalog.Index, opts BuildOptions) error {
	if opts.Workers <= 0 {
		opts.Workers = 3
	}

	compiled, err := schema.Compile(index.Schema)
	if err != nil {
		return fmt.Errorf("indexer: %w", err)
	}

	if opts.Rebuild {
		if err := ix.Catalog.DeleteKeys(ctx, index.Name); err != nil {
			return err
		}
		if _, err := ix.Pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, index.Table)); err != nil {
			return fmt.Errorf("indexer: drop table %q: %w", index.Table, err)
		}
	}

	if err := ix.prepareTable(ctx, index, compiled); err != nil {
		return err
	}

	jsonObjs, err := ix.Blobs.List(ctx, ix.Bucket, index.Prefix, "*.json")
	if err != nil {
		return fmt.Errorf("indexer: list json: %w", err)
	}
	gzObjs, err := ix.Blobs.List(ctx, ix.Bucket, index.Prefix, "*.json.gz")
	if err != nil {
		return fmt.Errorf("indexer: list json.gz: %w", err)
	}
	if len(jsonObjs) > 0 && len(gzObjs) > 0 {
		return fmt.Errorf("indexer: %s: %w", index.Prefix, ErrMixedCompression)
	}
	objects := append(jsonObjs, gzObjs...)

	toIndex, err := ix.deleteStaleKeys(ctx, index, objects)
	if err != nil {
		return err
	}

	var totalSize int64
	for _, o := range toIndex {
		totalSize += o.Size
	}

	if len(toIndex) > 0 {
		if _, err := ix.Pool.Exec(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS schema_idx`)); err != nil {
			return fmt.Errorf("indexer: drop schema_idx: %w", err)
		}

		if err := ix.Catalog.SetBuilt(ctx, index.Name, false); err != nil {
			return err
		}

		if err := ix.ingestAll(ctx, index, compiled, toIndex, opts.Workers); err != nil {
			return err
		}

		indexDDL, err := compiled.SchemaIndexDDL(index.Table)
		if err != nil {
			return err
		}
		if _, err := ix.Pool.Exec(ctx, indexDDL); err != nil {
			return fmt.Errorf("indexer: create schema_idx: %w", err)
		}
	}

	if err := ix.Catalog.SetBuilt(ctx, index.Name, true); err != nil {
		return err
	}
	ix.Logger.Info("index built", logutil.Values(zap.String("index", index.Name), zap.Int64("bytes", totalSize)))
	return nil
}

func (ix *Indexer) prepareTable(ctx context.Context, index catalog.Index, compiled *schema.Compiled) error {
	ddl, err := compiled.TableDDL(index.Table)
	if err != nil {
		return err
	}
	if _, err := ix.Pool.Exec(ctx, strings.Replace(ddl, "CREATE TABLE", "CREATE TABLE IF NOT EXISTS", 1)); err != nil {
		return fmt.Errorf("indexer: create table %q: %w", index.Table, err)
	}
	return nil
}

// deleteStaleKeys classifies every discovered blob against the Keys table
// (stale/deleted/new/in-progress) and deletes IndexRows and Keys rows for
// stale and deleted blobs, returning the blobs that still need indexing.
func (ix *Indexer) deleteStaleKeys(ctx context.Context, index catalog.Index, objects []blobstore.Object) ([]blobstore.Object, error) {
	dbKeys, err := ix.Catalog.LookupKeys(ctx, index.Name, index.Prefix)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(objects))
	var toIndex []blobstore.Object

	for _, obj := range objects {
		present[obj.Key] = true
		version := shortVersion(obj.ETag)

		k, known := dbKeys[obj.Key]
		switch {
		case !known:
			toIndex = append(toIndex, obj) // new
		case k.Built == nil:
			toIndex = append(toIndex, obj) // in-progress
		case k.Version != version:
			if err := ix.deleteIndexRows(ctx, index, k.ID); err != nil {
				return nil, err
			}
			if err := ix.Catalog.DeleteKey(ctx, index.Name, obj.Key); err != nil {
				return nil, err
			}
			toIndex = append(toIndex, obj) // stale
		}
	}

	for path, k := range dbKeys {
		if present[path] {
			continue
		}
		if err := ix.deleteIndexRows(ctx, index, k.ID); err != nil {
			return nil, err
		}
		if err := ix.Catalog.DeleteKey(ctx, index.Name, path); err != nil {
			return nil, err
		}
	}

	return toIndex, nil
}

func (ix *Indexer) deleteIndexRows(ctx context.Context, index catalog.Index, keyID int64) error {
	_, err := ix.Pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %q WHERE "key" = $1`, index.Table), keyID)
	if err != nil {
		return fmt.Errorf("indexer: delete index rows for key %d: %w", keyID, err)
	}
	return nil
}

func shortVersion(etag string) string {
	if len(etag) > 32 {
		return etag[:32]
	}
	return etag
}

// ingestAll indexes every blob in objects with bounded concurrency, then
// inserts its records serially so concurrent inserts don't contend on the
// index table.
func (ix *Indexer) ingestAll(ctx context.Context, index catalog.Index, compiled *schema.Compiled, objects []blobstore.Object, workers int) error {
	type result struct {
		keyID   int64
		keyPath string
		records []map[string]any
		err     error
	}

	sem := make(chan struct{}, workers)
	results := make(chan result, len(objects))
	var wg sync.WaitGroup

	for _, obj := range objects {
		wg.Add(1)
		go func(obj blobstore.Object) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			keyID, records, err := ix.indexObject(ctx, index, compiled, obj)
			results <- result{keyID: keyID, keyPath: obj.Key, records: records, err: err}
		}(obj)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		if r.err != nil {
			return r.err
		}
		if err := ix.insertRecordsBatched(ctx, index.Table, r.records); err != nil {
			return err
		}
		if err := ix.Catalog.SetKeyBuilt(ctx, index.Name, r.keyPath); err != nil {
			return err
		}
	}
	return nil
}

// indexObject reads one blob line by line, tracking byte offsets, and
// produces the coalesced IndexRow records for it.
func (ix *Indexer) indexObject(ctx context.Context, index catalog.Index, compiled *schema.Compiled, obj blobstore.Object) (int64, []map[string]any, error) {
	version := shortVersion(obj.ETag)
	keyID, err := ix.Catalog.InsertKey(ctx, index.Name, obj.Key, version)
	if err != nil {
		return 0, nil, err
	}

	body, err := ix.Blobs.ReadRange(ctx, ix.Bucket, obj.Key, 0, -1)
	if err != nil {
		return 0, nil, err
	}
	defer body.Close()

	type rowState struct {
		startOffset int64
		endOffset   int64
		values      map[string]any
	}
	rows := make(map[string]*rowState)
	var order []*rowState

	relKey := blobstore.RelativeKey(obj.Key, index.Prefix)
	var bytesDone int64
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	startOffset := int64(0)
	for scanner.Scan() {
		line := scanner.Bytes()
		endOffset := startOffset + int64(len(line)) + 1

		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			ix.Logger.Warn("skipping unparseable record", logutil.Values(zap.String("key", obj.Key), zap.Error(err)))
			startOffset = endOffset
			continue
		}

		tuples, err := compiled.BuildKeys(row)
		if err != nil {
			ix.Logger.Warn("skipping record", logutil.Values(zap.String("key", obj.Key), zap.Error(err)))
			startOffset = endOffset
			continue
		}

		for _, kt := range tuples {
			tupleKey := fmt.Sprint([]any(kt))
			if existing, ok := rows[tupleKey]; ok && existing.endOffset == startOffset {
				existing.endOffset = endOffset
				continue
			}
			values := compiled.ColumnValues(kt)
			state := &rowState{startOffset: startOffset, endOffset: endOffset, values: values}
			rows[tupleKey] = state
			order = append(order, state)
		}

		startOffset = endOffset
		bytesDone = endOffset
		if ix.Progress != nil {
			ix.Progress.Publish(index.Name, ProgressEvent{Blob: relKey, BytesDone: bytesDone, BytesTotal: obj.Size})
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, nil, fmt.Errorf("indexer: reading %q: %w", obj.Key, err)
	}

	records := make([]map[string]any, 0, len(order))
	for _, r := range order {
		rec := map[string]any{"key": keyID, "start_offset": r.startOffset, "end_offset": r.endOffset}
		for k, v := range r.values {
			rec[k] = v
		}
		records = append(records, rec)
	}
	return keyID, records, nil
}

// insertRecordsBatched bulk-loads records via pgx.CopyFrom in batches of at
// most batchSize rows, retrying on Postgres deadlock (SQLSTATE 40P01) up
// to deadlockAttempts times with a 1s backoff.
func (ix *Indexer) insertRecordsBatched(ctx context.Context, table string, records []map[string]any) error {
	if len(records) == 0 {
		return nil
	}

	columns := recordColumns(records[0])

	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := ix.copyBatch(ctx, table, columns, records[start:end]); err != nil {
			return err
		}
	}

	ix.Logger.Info("wrote records", logutil.Values(zap.String("table", table), zap.Int("count", len(records))))
	return nil
}

func (ix *Indexer) copyBatch(ctx context.Context, table string, columns []string, batch []map[string]any) error {
	rows := make([][]any, len(batch))
	for i, rec := range batch {
		row := make([]any, len(columns))
		for j, col := range columns {
			row[j] = rec[col]
		}
		rows[i] = row
	}

	var lastErr error
	for attempt := 0; attempt < deadlockAttempts; attempt++ {
		_, err := ix.Pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
		if err == nil {
			return nil
		}
		lastErr = err

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == deadlockSQLState {
			time.Sleep(time.Second)
			continue
		}
		return fmt.Errorf("indexer: copy into %q: %w", table, err)
	}
	return fmt.Errorf("indexer: copy into %q: deadlocked after %d attempts: %w", table, deadlockAttempts, lastErr)
}

func recordColumns(sample map[string]any) []string {
	cols := make([]string, 0, len(sample))
	for k := range sample {
		cols = append(cols, k)
	}
	return cols
}
