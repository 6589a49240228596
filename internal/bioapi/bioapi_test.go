package bioapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lattice-genomics/bioindex/internal/blobstore"
	"github.com/lattice-genomics/bioindex/internal/catalog"
	"github.com/lattice-genomics/bioindex/internal/continuation"
	"github.com/lattice-genomics/bioindex/internal/indexer"
	"github.com/lattice-genomics/bioindex/internal/planner"
	"github.com/lattice-genomics/bioindex/internal/restrict"
	"github.com/lattice-genomics/bioindex/pkg/fixgres"
)

func mustPgxPool(t *testing.T, dsn string) *pgxpool.Pool {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestMain(m *testing.M) {
	sub, err := fs.Sub(catalog.MigrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	fixgres.BootOnce(&testing.T{}, fixgres.WithDBName("bioindex"), fixgres.WithGooseUp(sub))
	os.Exit(m.Run())
}

// newTestServer builds a catalog, blob store, and a fully-indexed "clinvar"
// index, then wires up a *Server the way cmd/bioindex's ServeCmd does, with
// a one-record-per-page response budget so a single query produces more
// than one page, exercising the continuation round trip.
func newTestServer(t *testing.T) (*Server, *blobstore.MemStore) {
	t.Helper()
	ctx := context.Background()
	sbx := fixgres.NewSandbox(t)
	store := catalog.NewForTest(sbx.DB, zap.NewNop())

	blobs := blobstore.NewMemStore()
	blobs.Put("test-bucket", "clinvar/part-1.json", []byte(
		`{"phenotype":"T2D","chromosome":"chr1","start":1000,"stop":2000}`+"\n"+
			`{"phenotype":"T2D","chromosome":"chr1","start":5000,"stop":6000}`+"\n"+
			`{"phenotype":"CAD","chromosome":"chr1","start":9000,"stop":9500}`+"\n",
	))

	if err := store.CreateIndex(ctx, "clinvar", "clinvar_idx", "clinvar/", "phenotype"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	index, err := store.Lookup(ctx, "clinvar", 1)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	pgxPool := mustPgxPool(t, sbx.DSN)
	ix := &indexer.Indexer{
		Catalog:  store,
		Pool:     pgxPool,
		Blobs:    blobs,
		Bucket:   "test-bucket",
		Logger:   zap.NewNop(),
		Progress: indexer.NewProgressRegistry(),
	}
	if err := ix.Build(ctx, index, indexer.BuildOptions{Workers: 2}); err != nil {
		t.Fatalf("Build: %v", err)
	}

	pl := &planner.Planner{
		DB:     store.DB(),
		Blobs:  blobs,
		Bucket: "test-bucket",
		Logger: zap.NewNop(),
	}

	srv := &Server{
		Catalog:       store,
		Planner:       pl,
		Indexer:       ix,
		Continuations: continuation.NewRegistry(continuation.DefaultTTL),
		Restrictions:  &restrict.Store{},
		Limits:        Limits{ResponseLimit: 1, ResponseLimitMax: 1 << 20, MatchLimit: 100},
		Logger:        zap.NewNop(),
	}
	return srv, blobs
}

func doGet(t *testing.T, h http.Handler, url string) *pageResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s: status %d body %s", url, rec.Code, rec.Body.String())
	}
	var resp pageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("GET %s: decode: %v", url, err)
	}
	return &resp
}

// TestQueryPaginationCompleteness walks a query's continuation chain to
// exhaustion and checks every record is seen exactly once, covering
// spec.md §8's pagination-completeness property end to end through the
// HTTP surface.
func TestQueryPaginationCompleteness(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	seen := 0
	resp := doGet(t, h, "/api/bio/query/clinvar?q=T2D")
	for {
		seen += resp.Count
		if resp.Continuation == "" {
			break
		}
		resp = doGet(t, h, "/api/bio/cont?token="+resp.Continuation)
	}
	if seen != 2 {
		t.Fatalf("paginated query yielded %d records, want 2", seen)
	}
}

// TestContinuationTokenIsSingleUse confirms a resolved continuation cannot
// be replayed, matching internal/continuation's single-use contract as
// observed through the HTTP surface.
func TestContinuationTokenIsSingleUse(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	resp := doGet(t, h, "/api/bio/query/clinvar?q=T2D")
	if resp.Continuation == "" {
		t.Fatal("expected first page to carry a continuation token")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/bio/cont?token="+resp.Continuation, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first /cont: status %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/bio/cont?token="+resp.Continuation, nil)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusBadRequest {
		t.Fatalf("replayed /cont: status %d, want 400", rec2.Code)
	}
}

// TestRestrictionSuppressesMatchingRecords verifies the restriction
// invariant: a keyword a caller is restricted from seeing is counted as
// Restricted rather than returned in Data.
func TestRestrictionSuppressesMatchingRecords(t *testing.T) {
	ctx := context.Background()
	sbx := fixgres.NewSandbox(t)
	store := catalog.NewForTest(sbx.DB, zap.NewNop())
	blobs := blobstore.NewMemStore()
	blobs.Put("test-bucket", "clinvar/part-1.json", []byte(
		`{"phenotype":"T2D","cohort":"private-1"}`+"\n"+
			`{"phenotype":"T2D","cohort":"public"}`+"\n",
	))

	if err := store.CreateIndex(ctx, "clinvar", "clinvar_idx", "clinvar/", "phenotype"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	index, err := store.Lookup(ctx, "clinvar", 1)
	if err != nil {
		t.Fatal(err)
	}
	pgxPool := mustPgxPool(t, sbx.DSN)
	ix := &indexer.Indexer{Catalog: store, Pool: pgxPool, Blobs: blobs, Bucket: "test-bucket", Logger: zap.NewNop(), Progress: indexer.NewProgressRegistry()}
	if err := ix.Build(ctx, index, indexer.BuildOptions{}); err != nil {
		t.Fatal(err)
	}

	portalSbx := fixgres.NewSandbox(t)
	if _, err := portalSbx.DB.Exec(`CREATE TABLE restrictions (name text, keywords jsonb)`); err != nil {
		t.Fatal(err)
	}
	if _, err := portalSbx.DB.Exec(`CREATE TABLE users (email text, allowed_restrictions jsonb)`); err != nil {
		t.Fatal(err)
	}
	if _, err := portalSbx.DB.Exec(`INSERT INTO restrictions (name, keywords) VALUES ('clinvar', '{"cohort":["private-1"]}')`); err != nil {
		t.Fatal(err)
	}

	pl := &planner.Planner{DB: store.DB(), Blobs: blobs, Bucket: "test-bucket", Logger: zap.NewNop()}
	restrictStore := &restrict.Store{DB: portalSbx.DB, Logger: zap.NewNop()}

	srv := &Server{
		Catalog:       store,
		Planner:       pl,
		Indexer:       ix,
		Continuations: continuation.NewRegistry(continuation.DefaultTTL),
		Restrictions:  restrictStore,
		Limits:        DefaultLimits,
		Logger:        zap.NewNop(),
	}

	resp := doGet(t, srv.Routes(), "/api/bio/query/clinvar?q=T2D")
	if resp.Count != 1 {
		t.Errorf("Count = %d, want 1 (public record only)", resp.Count)
	}
	if resp.Restricted != 1 {
		t.Errorf("Restricted = %d, want 1 (private-1 record suppressed)", resp.Restricted)
	}
}

func TestHandleIndexesListsCreatedIndex(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/bio/indexes", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Indexes []catalog.Index `json:"indexes"`
		Nonce   string           `json:"nonce"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Indexes) != 1 || body.Indexes[0].Name != "clinvar" {
		t.Errorf("indexes = %+v", body.Indexes)
	}
	if body.Nonce == "" {
		t.Error("expected a non-empty nonce")
	}
}

func TestHandleAllHeadReportsContentLengthWithoutBody(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodHead, "/api/bio/all/clinvar", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Header().Get("Content-Length") == "" {
		t.Error("expected Content-Length header")
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body on HEAD, got %d bytes", rec.Body.Len())
	}
}

func TestHandleAllRejectsOversizedResponse(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Limits.ResponseLimitMax = 1

	req := httptest.NewRequest(http.MethodGet, "/api/bio/all/clinvar", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d, want 413", rec.Code)
	}
}

func TestHandleMatchPagesAndIsSorted(t *testing.T) {
	ctx := context.Background()
	sbx := fixgres.NewSandbox(t)
	store := catalog.NewForTest(sbx.DB, zap.NewNop())
	blobs := blobstore.NewMemStore()
	var content string
	for i := 0; i < 5; i++ {
		content += fmt.Sprintf(`{"gene":"GENE%d"}`+"\n", i)
	}
	blobs.Put("test-bucket", "genes/part-1.json", []byte(content))
	if err := store.CreateIndex(ctx, "genes", "genes_idx", "genes/", "gene"); err != nil {
		t.Fatal(err)
	}
	index, err := store.Lookup(ctx, "genes", 1)
	if err != nil {
		t.Fatal(err)
	}
	pgxPool := mustPgxPool(t, sbx.DSN)
	ix := &indexer.Indexer{Catalog: store, Pool: pgxPool, Blobs: blobs, Bucket: "test-bucket", Logger: zap.NewNop(), Progress: indexer.NewProgressRegistry()}
	if err := ix.Build(ctx, index, indexer.BuildOptions{}); err != nil {
		t.Fatal(err)
	}

	srv := &Server{
		Catalog:       store,
		Planner:       &planner.Planner{DB: store.DB(), Blobs: blobs, Bucket: "test-bucket", Logger: zap.NewNop()},
		Indexer:       ix,
		Continuations: continuation.NewRegistry(continuation.DefaultTTL),
		Restrictions:  &restrict.Store{},
		Limits:        Limits{ResponseLimit: 1 << 20, ResponseLimitMax: 1 << 20, MatchLimit: 2},
		Logger:        zap.NewNop(),
	}

	h := srv.Routes()
	var values []string
	resp := doGet(t, h, "/api/bio/match/genes?q=GENE")
	for {
		for _, v := range resp.Data.([]any) {
			values = append(values, v.(string))
		}
		if resp.Continuation == "" {
			break
		}
		resp = doGet(t, h, "/api/bio/cont?token="+resp.Continuation)
	}
	if len(values) != 5 {
		t.Fatalf("match pagination yielded %d values, want 5", len(values))
	}
	if !sort.StringsAreSorted(values) {
		t.Errorf("match values not sorted: %v", values)
	}
}
