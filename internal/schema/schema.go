// Package schema compiles a schema string — a comma-separated list of
// column tokens describing a compound index, with an optional locus token
// that must appear last — into the column layout and key-generation logic
// an index table is built from.
package schema

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/lattice-genomics/bioindex/internal/locus"
)

// Column describes one column of an index table's compound key.
type Column struct {
	Name string
	// Width is the VARCHAR width for string columns (4 for the chromosome
	// column); zero for the position column, which is an INTEGER.
	Width int
}

// Compiled is a schema string compiled into its column layout and
// key-generation function.
type Compiled struct {
	raw string

	// KeyColumns holds the non-locus value columns, in schema order.
	KeyColumns []Column

	// KeyAlternatives holds, for each KeyColumns position, the set of
	// source-row columns that may satisfy it (from "a|b" alternation).
	KeyAlternatives [][]string

	// Locus is the parsed locus column spec, or nil if this schema has
	// no locus component.
	Locus *locus.ColumnSpec
}

// Compile parses a schema string such as "phenotype,chromosome:start-stop"
// or "varId=$chr:$pos" into a Compiled schema. It is an error for a locus
// token to appear anywhere but last, and for a schema to have neither key
// columns nor a locus.
func Compile(schemaStr string) (*Compiled, error) {
	tokens := strings.Split(schemaStr, ",")
	for i := range tokens {
		tokens[i] = strings.TrimSpace(tokens[i])
	}

	c := &Compiled{raw: schemaStr}

	for i, tok := range tokens {
		spec, isLocus, err := locus.ParseColumnSpec(tok)
		if err != nil {
			return nil, fmt.Errorf("schema: %q: %w", schemaStr, err)
		}
		if isLocus {
			if i != len(tokens)-1 {
				return nil, fmt.Errorf("schema: invalid schema (locus must be last): %q", schemaStr)
			}
			specCopy := spec
			c.Locus = &specCopy
			continue
		}
		if c.Locus != nil {
			return nil, fmt.Errorf("schema: invalid schema (locus must be last): %q", schemaStr)
		}

		alts := strings.Split(tok, "|")
		c.KeyColumns = append(c.KeyColumns, Column{Name: tok, Width: 200})
		c.KeyAlternatives = append(c.KeyAlternatives, alts)
	}

	if len(c.KeyColumns) == 0 && c.Locus == nil {
		return nil, fmt.Errorf("schema: invalid schema (no keys or locus specified): %q", schemaStr)
	}

	return c, nil
}

func (c *Compiled) String() string { return c.raw }

// HasLocus reports whether this schema indexes a locus.
func (c *Compiled) HasLocus() bool { return c.Locus != nil }

// Arity returns the number of query arguments a lookup against this
// schema's index expects: one per key column, plus one for the locus
// (chromosome + position/range collapse to a single logical argument).
func (c *Compiled) Arity() int {
	n := len(c.KeyColumns)
	if c.HasLocus() {
		n++
	}
	return n
}

// IndexColumns returns the full column layout of the index table: the key
// columns followed by the chromosome/position pair when this schema has a
// locus.
func (c *Compiled) IndexColumns() []Column {
	cols := make([]Column, 0, len(c.KeyColumns)+2)
	cols = append(cols, c.KeyColumns...)
	if c.HasLocus() {
		cols = append(cols, Column{Name: "chromosome", Width: 4}, Column{Name: "position"})
	}
	return cols
}

// KeyTuple is one combination of key-column values (plus, if this schema
// has a locus, the chromosome/stepped-position pair) generated for a row.
type KeyTuple []any

// BuildKeys generates every index key tuple for one source row. A row with
// alternate key columns ("varId|dbSNP") yields one tuple per populated
// alternative; a schema with a locus multiplies each key tuple by every
// step bucket the row's locus occupies. A schema with only a locus yields
// one tuple per step bucket and no leading key values.
func (c *Compiled) BuildKeys(row map[string]any) ([]KeyTuple, error) {
	keyTuples := c.keyTuples(row)

	if !c.HasLocus() {
		if len(keyTuples) == 0 {
			return nil, fmt.Errorf("schema: row failed to match schema %q", c.raw)
		}
		return keyTuples, nil
	}

	values := make([]string, len(c.Locus.Columns))
	for i, col := range c.Locus.Columns {
		v, _ := row[col]
		values[i] = fmt.Sprint(v)
	}
	l, err := c.Locus.Build(values)
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	buckets := l.Buckets()

	if len(c.KeyColumns) == 0 {
		out := make([]KeyTuple, len(buckets))
		for i, b := range buckets {
			out[i] = KeyTuple{b.Chrom, b.Position}
		}
		return out, nil
	}

	if len(keyTuples) == 0 {
		return nil, fmt.Errorf("schema: row failed to match schema %q", c.raw)
	}

	out := make([]KeyTuple, 0, len(keyTuples)*len(buckets))
	for _, kt := range keyTuples {
		for _, b := range buckets {
			full := make(KeyTuple, 0, len(kt)+2)
			full = append(full, kt...)
			full = append(full, b.Chrom, b.Position)
			out = append(out, full)
		}
	}
	return out, nil
}

// keyTuples enumerates every combination of populated key-column
// alternatives for a row, dropping combinations where any column is
// missing.
func (c *Compiled) keyTuples(row map[string]any) []KeyTuple {
	if len(c.KeyAlternatives) == 0 {
		return nil
	}

	var build func(i int) [][]any
	build = func(i int) [][]any {
		if i == len(c.KeyAlternatives) {
			return [][]any{{}}
		}
		rest := build(i + 1)
		var out [][]any
		for _, alt := range c.KeyAlternatives[i] {
			v, ok := row[alt]
			if !ok || v == nil {
				continue
			}
			for _, r := range rest {
				combined := append([]any{v}, r...)
				out = append(out, combined)
			}
		}
		return out
	}

	combos := build(0)
	out := make([]KeyTuple, len(combos))
	for i, combo := range combos {
		out[i] = KeyTuple(combo)
	}
	return out
}

// ColumnValues maps a KeyTuple back onto this schema's column names, in
// IndexColumns order.
func (c *Compiled) ColumnValues(kt KeyTuple) map[string]any {
	cols := c.IndexColumns()
	out := make(map[string]any, len(cols))
	for i, col := range cols {
		if i < len(kt) {
			out[col.Name] = kt[i]
		}
	}
	return out
}

// SQLFilters renders the parameterized WHERE-clause fragment for a lookup
// against this schema, using $1, $2, ... placeholders starting at
// argOffset+1. It returns the fragment and the number of placeholders
// used.
func (c *Compiled) SQLFilters(argOffset int) (string, int) {
	var parts []string
	n := argOffset
	for _, col := range c.KeyColumns {
		n++
		parts = append(parts, fmt.Sprintf("%s = $%d", quoteIdent(col.Name), n))
	}
	if c.HasLocus() {
		n++
		chromArg := n
		n++
		startArg := n
		n++
		stopArg := n
		parts = append(parts, fmt.Sprintf("chromosome = $%d AND position BETWEEN $%d AND $%d", chromArg, startArg, stopArg))
	}
	return strings.Join(parts, " AND "), n - argOffset
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// TableDDL renders the CREATE TABLE statement for this schema's index
// table, validating the rendered statement by parsing it with pg_query_go
// before returning it. This guards against schema strings whose column
// names would otherwise need hand-rolled escaping to embed safely in DDL.
func (c *Compiled) TableDDL(tableName string) (string, error) {
	var cols []string
	cols = append(cols, "id BIGSERIAL PRIMARY KEY", `"key" BIGINT NOT NULL`, "start_offset BIGINT NOT NULL", "end_offset BIGINT NOT NULL")
	for _, col := range c.IndexColumns() {
		if col.Width > 0 {
			cols = append(cols, fmt.Sprintf("%s VARCHAR(%d)", quoteIdent(col.Name), col.Width))
		} else {
			cols = append(cols, fmt.Sprintf("%s INTEGER", quoteIdent(col.Name)))
		}
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(tableName), strings.Join(cols, ", "))

	if err := validateSQL(stmt); err != nil {
		return "", fmt.Errorf("schema: generated DDL for %q failed validation: %w", c.raw, err)
	}
	return stmt, nil
}

// SchemaIndexDDL renders the compound "schema_idx" index for this
// schema's index table, used by the indexer to drop/recreate it around
// bulk loads.
func (c *Compiled) SchemaIndexDDL(tableName string) (string, error) {
	var names []string
	for _, col := range c.IndexColumns() {
		names = append(names, quoteIdent(col.Name))
	}
	stmt := fmt.Sprintf("CREATE INDEX schema_idx ON %s (%s)", quoteIdent(tableName), strings.Join(names, ", "))
	if err := validateSQL(stmt); err != nil {
		return "", fmt.Errorf("schema: generated index DDL for %q failed validation: %w", c.raw, err)
	}
	return stmt, nil
}

// validateSQL parses stmt with pg_query_go, rejecting anything that is not
// well-formed PostgreSQL before a caller executes it.
func validateSQL(stmt string) error {
	if _, err := pg_query.Parse(stmt); err != nil {
		return err
	}
	return nil
}
