package catalog

import (
	"context"
	"io/fs"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/lattice-genomics/bioindex/pkg/fixgres"
)

func TestMain(m *testing.M) {
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		panic(err)
	}
	fixgres.BootOnce(&testing.T{}, fixgres.WithDBName("bioindex"), fixgres.WithGooseUp(sub))
	os.Exit(m.Run())
}

func newStore(t *testing.T) *Store {
	t.Helper()
	sbx := fixgres.NewSandbox(t)
	return NewForTest(sbx.DB, zap.NewNop())
}

func TestCreateAndLookupIndex(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	if err := s.CreateIndex(ctx, "clinvar", "clinvar_idx", "clinvar/", "chromosome:start-stop"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	ix, err := s.Lookup(ctx, "clinvar", 1)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ix.Table != "clinvar_idx" || ix.Built != nil {
		t.Errorf("Lookup() = %+v, want fresh unbuilt index", ix)
	}
}

func TestCreateIndexUpsertClearsBuilt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	if err := s.CreateIndex(ctx, "clinvar", "clinvar_idx", "clinvar/", "phenotype"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := s.SetBuilt(ctx, "clinvar", true); err != nil {
		t.Fatalf("SetBuilt: %v", err)
	}

	if err := s.CreateIndex(ctx, "clinvar", "clinvar_idx_v2", "clinvar/", "phenotype"); err != nil {
		t.Fatalf("CreateIndex (re-upsert): %v", err)
	}

	ix, err := s.Lookup(ctx, "clinvar", 1)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ix.Built != nil {
		t.Error("expected built to be cleared on re-upsert")
	}
	if ix.Table != "clinvar_idx_v2" {
		t.Errorf("Table = %q, want clinvar_idx_v2", ix.Table)
	}
}

func TestLookupNotFound(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	if _, err := s.Lookup(ctx, "nope", 1); err == nil {
		t.Error("expected error for missing index")
	}
}

func TestInsertKeyReusesSameVersion(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	id1, err := s.InsertKey(ctx, "clinvar", "clinvar/part-1.json", "abc123")
	if err != nil {
		t.Fatalf("InsertKey: %v", err)
	}
	id2, err := s.InsertKey(ctx, "clinvar", "clinvar/part-1.json", "abc123")
	if err != nil {
		t.Fatalf("InsertKey (same version): %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected same key id for unchanged version, got %d and %d", id1, id2)
	}
}

func TestInsertKeyReplacesOnVersionChange(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	id1, err := s.InsertKey(ctx, "clinvar", "clinvar/part-1.json", "abc123")
	if err != nil {
		t.Fatalf("InsertKey: %v", err)
	}
	id2, err := s.InsertKey(ctx, "clinvar", "clinvar/part-1.json", "def456")
	if err != nil {
		t.Fatalf("InsertKey (new version): %v", err)
	}
	if id1 == id2 {
		t.Error("expected a new key id when version changes")
	}
}

func TestLookupKeysBuiltSentinel(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	if _, err := s.InsertKey(ctx, "clinvar", "clinvar/part-1.json", "abc123"); err != nil {
		t.Fatal(err)
	}

	keys, err := s.LookupKeys(ctx, "clinvar", "clinvar/")
	if err != nil {
		t.Fatal(err)
	}
	k, ok := keys["clinvar/part-1.json"]
	if !ok {
		t.Fatal("expected key to be present")
	}
	if k.Built != nil {
		t.Error("expected Built to be nil before SetKeyBuilt")
	}

	if err := s.SetKeyBuilt(ctx, "clinvar", "clinvar/part-1.json"); err != nil {
		t.Fatal(err)
	}
	keys, err = s.LookupKeys(ctx, "clinvar", "clinvar/")
	if err != nil {
		t.Fatal(err)
	}
	k = keys["clinvar/part-1.json"]
	if k.Built == nil {
		t.Error("expected Built to be set after SetKeyBuilt")
	}
}

func TestSnapshotCachesByChecksum(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	if err := s.CreateIndex(ctx, "clinvar", "clinvar_idx", "clinvar/", "phenotype"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBuilt(ctx, "clinvar", true); err != nil {
		t.Fatal(err)
	}

	snap1, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap1) != 1 {
		t.Fatalf("Snapshot() = %+v, want 1 entry", snap1)
	}

	if err := s.CreateIndex(ctx, "another", "another_idx", "another/", "gene"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBuilt(ctx, "another", true); err != nil {
		t.Fatal(err)
	}

	snap2, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap2) != 2 {
		t.Errorf("Snapshot() after a new built index = %+v, want 2 entries", snap2)
	}
}
