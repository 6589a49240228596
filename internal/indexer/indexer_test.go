package indexer

import (
	"context"
	"io/fs"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lattice-genomics/bioindex/internal/blobstore"
	"github.com/lattice-genomics/bioindex/internal/catalog"
	"github.com/lattice-genomics/bioindex/pkg/fixgres"
)

func TestMain(m *testing.M) {
	sub, err := fs.Sub(catalog.MigrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	fixgres.BootOnce(&testing.T{}, fixgres.WithDBName("bioindex"), fixgres.WithGooseUp(sub))
	os.Exit(m.Run())
}

func newIndexer(t *testing.T) (*Indexer, *catalog.Store) {
	t.Helper()
	ctx := context.Background()
	sbx := fixgres.NewSandbox(t)

	store := catalog.NewForTest(sbx.DB, zap.NewNop())

	pool, err := pgxpool.New(ctx, sbx.DSN)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	blobs := blobstore.NewMemStore()

	return &Indexer{
		Catalog:  store,
		Pool:     pool,
		Blobs:    blobs,
		Bucket:   "test-bucket",
		Logger:   zap.NewNop(),
		Progress: NewProgressRegistry(),
	}, store
}

func TestBuildIndexesNewRecords(t *testing.T) {
	ctx := context.Background()
	ix, store := newIndexer(t)
	blobs := ix.Blobs.(*blobstore.MemStore)

	blobs.Put("test-bucket", "clinvar/part-1.json", []byte(
		"{\"phenotype\":\"T2D\",\"chromosome\":\"chr1\",\"start\":1000,\"stop\":2000}\n"+
			"{\"phenotype\":\"T2D\",\"chromosome\":\"chr1\",\"start\":2500,\"stop\":3000}\n",
	))

	if err := store.CreateIndex(ctx, "clinvar", "clinvar_idx", "clinvar/", "phenotype,chromosome:start-stop"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	index, err := store.Lookup(ctx, "clinvar", 2)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	if err := ix.Build(ctx, index, BuildOptions{Workers: 2}); err != nil {
		t.Fatalf("Build: %v", err)
	}

	built, err := store.Lookup(ctx, "clinvar", 2)
	if err != nil {
		t.Fatal(err)
	}
	if built.Built == nil {
		t.Error("expected index to be marked built")
	}

	var count int
	if err := ix.Pool.QueryRow(ctx, `SELECT count(*) FROM clinvar_idx`).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count == 0 {
		t.Error("expected index rows to have been inserted")
	}
}

func TestBuildSkipsMixedCompression(t *testing.T) {
	ctx := context.Background()
	ix, store := newIndexer(t)
	blobs := ix.Blobs.(*blobstore.MemStore)

	blobs.Put("test-bucket", "mixed/part-1.json", []byte(`{"phenotype":"T2D"}`+"\n"))
	blobs.Put("test-bucket", "mixed/part-2.json.gz", []byte(`garbage`))

	if err := store.CreateIndex(ctx, "mixed", "mixed_idx", "mixed/", "phenotype"); err != nil {
		t.Fatal(err)
	}
	index, err := store.Lookup(ctx, "mixed", 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := ix.Build(ctx, index, BuildOptions{}); err == nil {
		t.Error("expected mixed-compression error")
	}
}

func TestBuildSetsKeyBuiltAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ix, store := newIndexer(t)
	blobs := ix.Blobs.(*blobstore.MemStore)

	blobs.Put("test-bucket", "clinvar/part-1.json", []byte(`{"phenotype":"T2D"}`+"\n"))

	if err := store.CreateIndex(ctx, "clinvar", "clinvar_idx", "clinvar/", "phenotype"); err != nil {
		t.Fatal(err)
	}
	index, err := store.Lookup(ctx, "clinvar", 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := ix.Build(ctx, index, BuildOptions{}); err != nil {
		t.Fatalf("first build: %v", err)
	}
	if err := ix.Build(ctx, index, BuildOptions{}); err != nil {
		t.Fatalf("second build (no new keys): %v", err)
	}

	keys, err := store.LookupKeys(ctx, "clinvar", "clinvar/")
	if err != nil {
		t.Fatal(err)
	}
	k, ok := keys["clinvar/part-1.json"]
	if !ok || k.Built == nil {
		t.Errorf("expected key to be built, got %+v ok=%v", k, ok)
	}
}
