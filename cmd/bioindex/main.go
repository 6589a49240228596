// Command bioindex is the operational entrypoint for the BioIndex
// secondary-index service: it serves the HTTP API and exposes the
// catalog/indexer operations as subcommands, per spec.md §6.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/lattice-genomics/bioindex/internal/bioapi"
	"github.com/lattice-genomics/bioindex/internal/blobstore"
	"github.com/lattice-genomics/bioindex/internal/catalog"
	"github.com/lattice-genomics/bioindex/internal/continuation"
	"github.com/lattice-genomics/bioindex/internal/indexer"
	"github.com/lattice-genomics/bioindex/internal/planner"
	"github.com/lattice-genomics/bioindex/internal/reader"
	"github.com/lattice-genomics/bioindex/internal/restrict"
	"github.com/lattice-genomics/bioindex/internal/schema"
	"github.com/lattice-genomics/bioindex/pkg/richcatalog"
)

// CLI is the top-level flag/subcommand set. Configuration is sourced from
// BIOINDEX_* environment variables via kong's env tags, matching spec.md
// §6's configuration table; there is intentionally no separate config
// file format.
type CLI struct {
	S3Bucket      string `env:"BIOINDEX_S3_BUCKET" required:"" help:"Blob-store bucket."`
	S3Endpoint    string `env:"BIOINDEX_S3_ENDPOINT" help:"Override S3 endpoint (S3-compatible backends)."`
	RDSInstance   string `env:"BIOINDEX_RDS_INSTANCE" required:"" help:"Catalog Postgres connection string."`
	PortalDSN     string `env:"BIOINDEX_PORTAL_DSN" help:"Optional restrictions-portal Postgres connection string."`
	ResponseLimit int64  `env:"BIOINDEX_RESPONSE_LIMIT" default:"1048576" help:"Soft per-page byte budget."`
	ResponseMax   int64  `env:"BIOINDEX_RESPONSE_LIMIT_MAX" default:"104857600" help:"Hard per-request byte cap (413 beyond this)."`
	MatchLimit    int    `env:"BIOINDEX_MATCH_LIMIT" default:"100" help:"Max /match page size."`

	Serve    ServeCmd    `cmd:"" help:"Run the HTTP API server."`
	Create   CreateCmd   `cmd:"" help:"Register a new index definition."`
	List     ListCmd     `cmd:"" help:"List registered indexes."`
	Index    IndexCmd    `cmd:"" help:"Build or rebuild an index."`
	Query    QueryCmd    `cmd:"" help:"Run a query against an index and print matching records."`
	Count    CountCmd    `cmd:"" help:"Approximate a query's record count."`
	Match    MatchCmd    `cmd:"" help:"List distinct key values matching a partial key."`
	All      AllCmd      `cmd:"" help:"Dump every record under an index's prefix."`
	Describe DescribeCmd `cmd:"" help:"Inspect the catalog database's actual Postgres table schemas."`
}

// deps bundles the components every subcommand needs, built once from the
// top-level CLI flags.
type deps struct {
	catalog *catalog.Store
	pool    *pgxpool.Pool
	blobs   blobstore.Store
	planner *planner.Planner
	indexer *indexer.Indexer
	logger  *zap.Logger
}

func (c *CLI) build(ctx context.Context) (*deps, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("bioindex: logger: %w", err)
	}

	store, err := catalog.Open(ctx, c.RDSInstance, logger)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, c.RDSInstance)
	if err != nil {
		return nil, fmt.Errorf("bioindex: pgxpool: %w", err)
	}

	blobs, err := blobstore.NewS3Store(ctx, c.S3Endpoint)
	if err != nil {
		return nil, err
	}

	p := &planner.Planner{
		DB:         store.DB(),
		Blobs:      blobs,
		Bucket:     c.S3Bucket,
		Logger:     logger,
		LookupGene: store.LookupGene,
	}

	ix := &indexer.Indexer{
		Catalog:  store,
		Pool:     pool,
		Blobs:    blobs,
		Bucket:   c.S3Bucket,
		Logger:   logger,
		Progress: indexer.NewProgressRegistry(),
	}

	return &deps{catalog: store, pool: pool, blobs: blobs, planner: p, indexer: ix, logger: logger}, nil
}

func (d *deps) close() {
	d.pool.Close()
	_ = d.catalog.Close()
	_ = d.logger.Sync()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("bioindex"),
		kong.Description("Secondary-index service over an NDJSON corpus in a blob store."),
		kong.UsageOnError(),
	)

	deps, err := cli.build(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer deps.close()

	if err := ctx.Run(&Context{CLI: &cli, deps: deps}); err != nil {
		fmt.Fprintln(os.Stderr, "bioindex:", err)
		os.Exit(1)
	}
}

// Context is kong's run-time receiver, carrying both the parsed flags and
// the constructed dependency graph into every subcommand's Run method.
type Context struct {
	CLI  *CLI
	deps *deps
}

// ServeCmd runs the HTTP API server.
type ServeCmd struct {
	Addr string `default:":8080" help:"Listen address."`
}

func (cmd *ServeCmd) Run(c *Context) error {
	var restrictStore *restrict.Store
	if c.CLI.PortalDSN != "" {
		portalDB, err := sql.Open("postgres", c.CLI.PortalDSN)
		if err != nil {
			return fmt.Errorf("bioindex: portal dsn: %w", err)
		}
		restrictStore = &restrict.Store{DB: portalDB, Logger: c.deps.logger}
	} else {
		restrictStore = &restrict.Store{}
	}

	reg := continuation.NewRegistry(continuation.DefaultTTL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.StartSweeper(ctx, time.Minute)

	srv := &bioapi.Server{
		Catalog:       c.deps.catalog,
		Planner:       c.deps.planner,
		Indexer:       c.deps.indexer,
		Continuations: reg,
		Restrictions:  restrictStore,
		Limits: bioapi.Limits{
			ResponseLimit:    c.CLI.ResponseLimit,
			ResponseLimitMax: c.CLI.ResponseMax,
			MatchLimit:       c.CLI.MatchLimit,
		},
		Logger: c.deps.logger,
	}

	c.deps.logger.Info("bioindex serving", zap.String("addr", cmd.Addr))
	return http.ListenAndServe(cmd.Addr, srv.Routes())
}

// CreateCmd registers a new index definition.
type CreateCmd struct {
	Name   string `arg:""`
	Table  string `arg:""`
	Prefix string `arg:""`
	Schema string `arg:""`
}

func (cmd *CreateCmd) Run(c *Context) error {
	if _, err := schema.Compile(cmd.Schema); err != nil {
		return err
	}
	ctx := context.Background()
	if err := c.deps.catalog.CreateIndex(ctx, cmd.Name, cmd.Table, cmd.Prefix, cmd.Schema); err != nil {
		return err
	}
	fmt.Printf("created index %q\n", cmd.Name)
	return nil
}

// ListCmd prints every registered index.
type ListCmd struct{}

func (cmd *ListCmd) Run(c *Context) error {
	indexes, err := c.deps.catalog.ListIndexes(context.Background(), false)
	if err != nil {
		return err
	}
	for _, ix := range indexes {
		built := "not built"
		if ix.Built != nil {
			built = ix.Built.Format(time.RFC3339)
		}
		fmt.Printf("%-24s %-24s %-32s %s\n", ix.Name, ix.Table, ix.Schema, built)
	}
	return nil
}

// IndexCmd builds or rebuilds an index.
type IndexCmd struct {
	Name    string `arg:""`
	Rebuild bool   `help:"Force a full rebuild, dropping existing rows first."`
	Workers int    `default:"3" help:"Bounded concurrency for blob ingestion."`
}

func (cmd *IndexCmd) Run(c *Context) error {
	ctx := context.Background()
	all, err := c.deps.catalog.LookupAll(ctx, cmd.Name)
	if err != nil {
		return err
	}
	if len(all) != 1 {
		return fmt.Errorf("bioindex: index %q is ambiguous across %d schemas", cmd.Name, len(all))
	}
	return c.deps.indexer.Build(ctx, all[0], indexer.BuildOptions{Workers: cmd.Workers, Rebuild: cmd.Rebuild})
}

// QueryCmd runs a query and prints matching records as NDJSON.
type QueryCmd struct {
	Name string   `arg:""`
	Q    []string `arg:"" optional:""`
}

func (cmd *QueryCmd) Run(c *Context) error {
	ctx := context.Background()
	index, compiled, err := lookupCompiled(ctx, c, cmd.Name, len(cmd.Q))
	if err != nil {
		return err
	}
	rd, err := c.deps.planner.Fetch(ctx, index, compiled, cmd.Q, nil)
	if err != nil {
		return err
	}
	return printRecords(ctx, rd)
}

// CountCmd estimates a query's record count.
type CountCmd struct {
	Name string   `arg:""`
	Q    []string `arg:"" optional:""`
}

func (cmd *CountCmd) Run(c *Context) error {
	ctx := context.Background()
	index, compiled, err := lookupCompiled(ctx, c, cmd.Name, len(cmd.Q))
	if err != nil {
		return err
	}
	n, err := c.deps.planner.Count(ctx, index, compiled, index.Prefix, cmd.Q)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

// MatchCmd lists distinct key values matching a partial key.
type MatchCmd struct {
	Name string   `arg:""`
	Q    []string `arg:""`
}

func (cmd *MatchCmd) Run(c *Context) error {
	ctx := context.Background()
	index, compiled, err := lookupCompiled(ctx, c, cmd.Name, -1)
	if err != nil {
		return err
	}
	values, err := c.deps.planner.Match(ctx, index, compiled, cmd.Q)
	if err != nil {
		return err
	}
	for _, v := range values {
		fmt.Println(v)
	}
	return nil
}

// AllCmd dumps every record under an index's prefix.
type AllCmd struct {
	Name string `arg:""`
}

func (cmd *AllCmd) Run(c *Context) error {
	ctx := context.Background()
	all, err := c.deps.catalog.LookupAll(ctx, cmd.Name)
	if err != nil {
		return err
	}
	if len(all) != 1 {
		return fmt.Errorf("bioindex: index %q is ambiguous across %d schemas", cmd.Name, len(all))
	}
	index := all[0]
	rd, err := c.deps.planner.FetchAll(ctx, index.Prefix, index.Compressed, nil)
	if err != nil {
		return err
	}
	return printRecords(ctx, rd)
}

// DescribeCmd introspects the catalog database's actual Postgres schema,
// which is useful for debugging what an index's underlying table looks
// like once CreateIndex and Build have run against it.
type DescribeCmd struct {
	Table string `arg:"" optional:"" help:"Qualified table name (schema.table); omit to list every table."`
}

func (cmd *DescribeCmd) Run(c *Context) error {
	ctx := context.Background()
	rc, err := richcatalog.New(c.deps.catalog.DB(), richcatalog.Options{
		Schemas:        []string{"public"},
		IncludeIndexes: true,
		IncludeFKs:     true,
	})
	if err != nil {
		return fmt.Errorf("bioindex: describe: %w", err)
	}
	if err := rc.Refresh(ctx); err != nil {
		return fmt.Errorf("bioindex: describe: %w", err)
	}

	if cmd.Table == "" {
		sum := rc.Summary()
		fmt.Printf("schemas: %s (checksum %s)\n", strings.Join(sum.Schemas, ", "), sum.Checksum)
		for _, s := range rc.Snapshot().Schemas {
			for _, t := range s.Tables {
				fmt.Printf("  %s.%s\n", t.Schema, t.Name)
			}
		}
		return nil
	}

	cols, ok := rc.Columns(cmd.Table)
	if !ok {
		return fmt.Errorf("bioindex: describe: table %q not found", cmd.Table)
	}
	pks, _ := rc.PrimaryKeys(cmd.Table)
	fmt.Printf("%s\n  columns: %s\n  primary key: %s\n", cmd.Table, strings.Join(cols, ", "), strings.Join(pks, ", "))
	return nil
}

// lookupCompiled resolves an index by name, disambiguating by argc when
// more than one schema shares the name, and compiles its schema.
func lookupCompiled(ctx context.Context, c *Context, name string, argc int) (catalog.Index, *schema.Compiled, error) {
	all, err := c.deps.catalog.LookupAll(ctx, name)
	if err != nil {
		return catalog.Index{}, nil, err
	}
	index := all[0]
	if len(all) > 1 {
		found := false
		for _, ix := range all {
			if argc >= 0 && ix.Arity() == argc {
				index, found = ix, true
				break
			}
		}
		if !found {
			return catalog.Index{}, nil, fmt.Errorf("bioindex: index %q is ambiguous across %d schemas", name, len(all))
		}
	}
	compiled, err := schema.Compile(index.Schema)
	if err != nil {
		return catalog.Index{}, nil, err
	}
	return index, compiled, nil
}

func printRecords(ctx context.Context, rd *reader.Reader) error {
	enc := json.NewEncoder(os.Stdout)
	for {
		rec, ok, err := rd.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}
