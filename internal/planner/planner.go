// Package planner turns a query against a built index into a Reader: it
// resolves the coalesced byte ranges a query touches, building whatever SQL
// shape the index's schema calls for, and validates every generated
// statement with pg_query_go before it ever reaches Postgres.
package planner

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"go.uber.org/zap"

	"github.com/lattice-genomics/bioindex/internal/blobstore"
	"github.com/lattice-genomics/bioindex/internal/catalog"
	"github.com/lattice-genomics/bioindex/internal/locus"
	"github.com/lattice-genomics/bioindex/internal/reader"
	"github.com/lattice-genomics/bioindex/internal/schema"
)

// ErrNotBuilt is returned when a query targets an index that hasn't
// finished a build yet.
var ErrNotBuilt = fmt.Errorf("planner: index is not built")

// ErrArity is returned when a query's argument count doesn't match the
// index schema's arity.
var ErrArity = fmt.Errorf("planner: argument count does not match index schema")

// Planner resolves queries against built indexes into Readers.
type Planner struct {
	DB     *sql.DB
	Blobs  blobstore.Store
	Bucket string
	Logger *zap.Logger

	// LookupGene resolves a bare gene name to its locus, used as the
	// fallback when a query argument isn't a parseable chr:pos token.
	LookupGene func(ctx context.Context, name string) (chrom string, start, stop int, err error)
}

func (p *Planner) logger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}

// Fetch runs a query against index, returning a Reader over the matching
// byte ranges. q must have exactly index.Schema's arity of arguments.
func (p *Planner) Fetch(ctx context.Context, index catalog.Index, compiled *schema.Compiled, q []string, restricted reader.RestrictionFilter) (*reader.Reader, error) {
	if len(q) != compiled.Arity() {
		return nil, fmt.Errorf("%w: index %q expects %d, got %d", ErrArity, index.Name, compiled.Arity(), len(q))
	}
	if index.Built == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotBuilt, index.Name)
	}

	filters, nargs := compiled.SQLFilters(0)
	stmt := fmt.Sprintf(
		`SELECT __keys.key, MIN(%[1]s.start_offset), MAX(%[1]s.end_offset) FROM %[1]s `+
			`JOIN __keys ON __keys.id = %[1]s."key" WHERE %[2]s GROUP BY __keys.id ORDER BY __keys.key ASC`,
		quoteIdent(index.Table), filters,
	)
	if err := validateSQL(stmt); err != nil {
		return nil, fmt.Errorf("planner: generated fetch query failed validation: %w", err)
	}

	args := make([]any, len(q))
	for i, v := range q {
		args[i] = v
	}

	var recordFilter reader.RecordFilter
	if compiled.HasLocus() {
		chrom, start, stop, err := p.resolveLocus(ctx, q[len(q)-1])
		if err != nil {
			return nil, err
		}
		stepStart := (start / locus.Step) * locus.Step
		stepStop := (stop / locus.Step) * locus.Step

		args = append(args[:len(args)-1], chrom, stepStart, stepStop)
		if nargs != len(args) {
			return nil, fmt.Errorf("planner: locus argument expansion produced %d args, expected %d", len(args), nargs)
		}

		recordFilter = func(rec reader.Record) bool {
			row := locusOfRow(compiled, rec)
			return row != nil && row.Overlaps(chrom, start, stop)
		}
	}

	rows, err := p.DB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("planner: fetch %q: %w", index.Name, err)
	}
	defer rows.Close()

	var sources []reader.Source
	for rows.Next() {
		var path string
		var start, end int64
		if err := rows.Scan(&path, &start, &end); err != nil {
			return nil, fmt.Errorf("planner: scanning fetch row: %w", err)
		}
		sources = append(sources, reader.Source{BlobPath: path, Start: start, End: end})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("planner: fetch %q: %w", index.Name, err)
	}

	return reader.New(p.Blobs, p.Bucket, index.Compressed, sources, recordFilter, restricted, p.logger()), nil
}

// FetchAll returns a Reader over every blob under prefix, ignoring the
// catalog entirely (used for un-indexed full scans).
func (p *Planner) FetchAll(ctx context.Context, prefix string, compressed bool, restricted reader.RestrictionFilter) (*reader.Reader, error) {
	objects, err := p.Blobs.List(ctx, p.Bucket, prefix, "")
	if err != nil {
		return nil, fmt.Errorf("planner: listing %q: %w", prefix, err)
	}
	sources := make([]reader.Source, len(objects))
	for i, obj := range objects {
		sources[i] = reader.Source{BlobPath: obj.Key, Start: 0, End: obj.Size}
	}
	return reader.New(p.Blobs, p.Bucket, compressed, sources, nil, restricted, p.logger()), nil
}

// Count estimates the number of records a query (or, for an empty query, a
// full prefix scan) will return: it reads up to 500 records and, if the
// reader isn't exhausted, extrapolates from the fraction of bytes read.
func (p *Planner) Count(ctx context.Context, index catalog.Index, compiled *schema.Compiled, prefix string, q []string) (int, error) {
	const sampleSize = 500

	var r *reader.Reader
	var err error
	if len(q) == 0 {
		r, err = p.FetchAll(ctx, prefix, index.Compressed, nil)
	} else {
		r, err = p.Fetch(ctx, index, compiled, q, nil)
	}
	if err != nil {
		return 0, err
	}

	read := 0
	for read < sampleSize {
		_, ok, err := r.Next(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		read++
	}

	if r.AtEnd() {
		return r.Count(), nil
	}
	if r.BytesRead() == 0 {
		return 0, nil
	}
	return int(int64(read) * r.BytesTotal() / r.BytesRead()), nil
}

// Match returns the distinct values of the index schema's (len(q))th key
// column whose preceding columns equal q and whose final column matches
// q's last element as a LIKE pattern ("_"/"*" act as a bare wildcard).
// It is an error to match past the key columns into a locus.
func (p *Planner) Match(ctx context.Context, index catalog.Index, compiled *schema.Compiled, q []string) ([]string, error) {
	if len(q) == 0 || len(q) > len(compiled.KeyColumns) {
		return nil, fmt.Errorf("planner: match expects 1..%d keys for index %q, got %d", len(compiled.KeyColumns), index.Name, len(q))
	}
	if index.Built == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotBuilt, index.Name)
	}

	distinctCol := compiled.KeyColumns[len(q)-1]

	var conds []string
	args := make([]any, 0, len(q))
	for i, col := range compiled.KeyColumns[:len(q)-1] {
		conds = append(conds, fmt.Sprintf("%s = $%d", quoteIdent(col.Name), i+1))
		args = append(args, q[i])
	}
	conds = append(conds, fmt.Sprintf("%s LIKE $%d", quoteIdent(distinctCol.Name), len(conds)+1))
	args = append(args, matchPattern(q[len(q)-1]))

	stmt := fmt.Sprintf(
		`SELECT DISTINCT %s FROM %s WHERE %s ORDER BY %s ASC`,
		quoteIdent(distinctCol.Name), quoteIdent(index.Table), strings.Join(conds, " AND "), quoteIdent(distinctCol.Name),
	)
	if err := validateSQL(stmt); err != nil {
		return nil, fmt.Errorf("planner: generated match query failed validation: %w", err)
	}

	rows, err := p.DB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("planner: match %q: %w", index.Name, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("planner: scanning match row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// matchPattern translates a bare key segment into a SQL LIKE pattern: "_"
// and "*" mean "match anything", otherwise the segment's own "_"/"%" are
// escaped before the trailing wildcard is appended.
func matchPattern(seg string) string {
	if seg == "_" || seg == "*" {
		return "%"
	}
	var b strings.Builder
	for _, r := range seg {
		if r == '_' || r == '%' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('%')
	return b.String()
}

// resolveLocus parses a query's final argument as a locus token, falling
// back to a gene-name lookup when it isn't a chr:pos/range literal.
func (p *Planner) resolveLocus(ctx context.Context, tok string) (chrom string, start, stop int, err error) {
	var lookup func(name string) (string, int, int, error)
	if p.LookupGene != nil {
		lookup = func(name string) (string, int, int, error) { return p.LookupGene(ctx, name) }
	}
	return locus.ParseRegionString(tok, lookup)
}

// locusOfRow reconstructs a fetched record's exact locus from its source
// fields (whatever the schema's locus columns name them — "chr"/"pos", a
// "chromosome"/"start"/"stop" triple, or a single template column), the
// same way schema.Compiled.BuildKeys does when indexing the record. This
// is what lets the post-filter reject bucket false positives against the
// record's real (unstepped) range rather than the coalesced index row's
// chromosome/position columns.
func locusOfRow(compiled *schema.Compiled, row reader.Record) locus.Locus {
	if !compiled.HasLocus() {
		return nil
	}
	values := make([]string, len(compiled.Locus.Columns))
	for i, col := range compiled.Locus.Columns {
		v, ok := row[col]
		if !ok {
			return nil
		}
		values[i] = fmt.Sprint(v)
	}
	l, err := compiled.Locus.Build(values)
	if err != nil {
		return nil
	}
	return l
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func quoteIdent(name string) string {
	if identPattern.MatchString(name) {
		return `"` + name + `"`
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func validateSQL(stmt string) error {
	_, err := pg_query.Parse(stmt)
	return err
}
