package bioapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lattice-genomics/bioindex/internal/catalog"
	"github.com/lattice-genomics/bioindex/internal/continuation"
	"github.com/lattice-genomics/bioindex/internal/reader"
	"github.com/lattice-genomics/bioindex/internal/restrict"
	"github.com/lattice-genomics/bioindex/internal/schema"
)

// parseQ reads the "q" query parameter as a list: either repeated q=
// params, or a single comma-separated value.
func parseQ(r *http.Request) []string {
	vals := r.URL.Query()["q"]
	var out []string
	for _, v := range vals {
		if v == "" {
			continue
		}
		if strings.Contains(v, ",") {
			out = append(out, strings.Split(v, ",")...)
		} else {
			out = append(out, v)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// resolveIndex finds the index named name, disambiguating by an explicit
// arity path segment or, failing that, by argHint (the caller's query
// arity, or -1 when none is known).
func (s *Server) resolveIndex(ctx context.Context, name, arityParam string, argHint int) (catalog.Index, error) {
	if arityParam != "" {
		arity, err := strconv.Atoi(arityParam)
		if err != nil {
			return catalog.Index{}, badRequest("bad arity %q", arityParam)
		}
		return s.Catalog.Lookup(ctx, name, arity)
	}

	all, err := s.Catalog.LookupAll(ctx, name)
	if err != nil {
		return catalog.Index{}, err
	}
	if len(all) == 1 {
		return all[0], nil
	}
	if argHint >= 0 {
		for _, ix := range all {
			if ix.Arity() == argHint {
				return ix, nil
			}
		}
	}
	return catalog.Index{}, badRequest("index %q is ambiguous across %d schemas; specify an arity", name, len(all))
}

// handleIndexes lists every built index, forcing a catalog cache
// refresh in the process (spec.md §5's "refreshed explicitly via the
// /indexes listing endpoint").
func (s *Server) handleIndexes(w http.ResponseWriter, r *http.Request) {
	indexes, err := s.Catalog.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	nonce, err := continuation.NewToken()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"indexes": indexes, "nonce": nonce})
}

// handleMatch streams distinct key values for a partial key query,
// paginated MatchLimit at a time.
func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "index")
	q := parseQ(r)

	index, err := s.resolveIndex(ctx, name, "", -1)
	if err != nil {
		writeError(w, err)
		return
	}
	compiled, err := schema.Compile(index.Schema)
	if err != nil {
		writeError(w, err)
		return
	}

	values, err := s.Planner.Match(ctx, index, compiled, q)
	if err != nil {
		writeError(w, err)
		return
	}

	limit := s.Limits.MatchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	resp, err := s.matchPageResponse(ctx, index.Name, q, values, 0, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

// matchPageResponse slices values[offset:offset+limit] into one page and,
// if values extend past it, registers a continuation for the remainder.
func (s *Server) matchPageResponse(ctx context.Context, index string, q []string, values []string, offset, limit int) (*pageResponse, error) {
	end := offset + limit
	if end > len(values) {
		end = len(values)
	}
	page := values[offset:end]
	if page == nil {
		page = []string{}
	}

	nonce, err := continuation.NewToken()
	if err != nil {
		return nil, err
	}

	resp := &pageResponse{
		Profile: map[string]float64{},
		Index:   index,
		Q:       q,
		Count:   len(page),
		Page:    offset/limit + 1,
		Limit:   limit,
		Data:    page,
		Nonce:   nonce,
	}

	if end < len(values) {
		var cb continuation.Callback
		cb = func(ctx context.Context) (any, error) {
			return s.matchPageResponse(ctx, index, q, values, end, limit)
		}
		tok, err := s.Continuations.Make(cb)
		if err != nil {
			return nil, err
		}
		resp.Continuation = tok
	}

	return resp, nil
}

// handleCount estimates the number of records a query would return.
func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "index")
	q := parseQ(r)

	argHint := -1
	if len(q) > 0 {
		argHint = len(q)
	}
	index, err := s.resolveIndex(ctx, name, chi.URLParam(r, "arity"), argHint)
	if err != nil {
		writeError(w, err)
		return
	}
	compiled, err := schema.Compile(index.Schema)
	if err != nil {
		writeError(w, err)
		return
	}

	n, err := s.Planner.Count(ctx, index, compiled, index.Prefix, q)
	if err != nil {
		writeError(w, err)
		return
	}

	nonce, err := continuation.NewToken()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"index": index.Name, "q": q, "count": n, "nonce": nonce})
}

// restrictions resolves the caller's restriction set for the given index
// name, permissive by default when no portal store is configured.
func (s *Server) restrictions(ctx context.Context, r *http.Request, name string) (restrict.Restrictions, error) {
	return s.Restrictions.ForRequest(ctx, r, name)
}

// handleAll streams every record under an index's prefix.
func (s *Server) handleAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "index")

	index, err := s.resolveIndex(ctx, name, chi.URLParam(r, "arity"), -1)
	if err != nil {
		writeError(w, err)
		return
	}

	restricted, err := s.restrictions(ctx, r, index.Name)
	if err != nil {
		writeError(w, err)
		return
	}

	rd, err := s.Planner.FetchAll(ctx, index.Prefix, index.Compressed, restricted.Filter())
	if err != nil {
		writeError(w, err)
		return
	}
	if s.Limits.ResponseLimitMax > 0 && rd.BytesTotal() > s.Limits.ResponseLimitMax {
		writeError(w, payloadTooLarge("all %q would read %d bytes, exceeding the %d byte limit", index.Name, rd.BytesTotal(), s.Limits.ResponseLimitMax))
		return
	}

	fmtParam := r.URL.Query().Get("fmt")
	resp, err := buildResponse(ctx, s.Continuations, pageState{
		index:      index.Name,
		q:          nil,
		fmt:        fmtParam,
		page:       1,
		byteBudget: s.Limits.ResponseLimit,
		p:          rd,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

// handleAllHead reports the total byte span an /all request would read,
// without reading any of it.
func (s *Server) handleAllHead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "index")

	index, err := s.resolveIndex(ctx, name, chi.URLParam(r, "arity"), -1)
	if err != nil {
		writeError(w, err)
		return
	}
	rd, err := s.Planner.FetchAll(ctx, index.Prefix, index.Compressed, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(rd.BytesTotal(), 10))
	w.WriteHeader(http.StatusOK)
}

// handleQuery fetches the first page of a keyed/locus query.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "index")
	q := parseQ(r)

	argHint := -1
	if len(q) > 0 {
		argHint = len(q)
	}
	index, err := s.resolveIndex(ctx, name, chi.URLParam(r, "arity"), argHint)
	if err != nil {
		writeError(w, err)
		return
	}
	compiled, err := schema.Compile(index.Schema)
	if err != nil {
		writeError(w, err)
		return
	}

	restricted, err := s.restrictions(ctx, r, index.Name)
	if err != nil {
		writeError(w, err)
		return
	}

	rd, err := s.Planner.Fetch(ctx, index, compiled, q, restricted.Filter())
	if err != nil {
		writeError(w, err)
		return
	}
	if s.Limits.ResponseLimitMax > 0 && rd.BytesTotal() > s.Limits.ResponseLimitMax {
		writeError(w, payloadTooLarge("query %q would read %d bytes, exceeding the %d byte limit", index.Name, rd.BytesTotal(), s.Limits.ResponseLimitMax))
		return
	}

	recordLimit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			recordLimit = n
			rd.SetLimit(n)
		}
	}

	fmtParam := r.URL.Query().Get("fmt")
	resp, err := buildResponse(ctx, s.Continuations, pageState{
		index:      index.Name,
		q:          q,
		fmt:        fmtParam,
		page:       1,
		limit:      recordLimit,
		byteBudget: s.Limits.ResponseLimit,
		p:          rd,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

// handleQueryHead reports the total byte span a query would read, without
// reading any of it.
func (s *Server) handleQueryHead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "index")
	q := parseQ(r)

	argHint := -1
	if len(q) > 0 {
		argHint = len(q)
	}
	index, err := s.resolveIndex(ctx, name, chi.URLParam(r, "arity"), argHint)
	if err != nil {
		writeError(w, err)
		return
	}
	compiled, err := schema.Compile(index.Schema)
	if err != nil {
		writeError(w, err)
		return
	}
	rd, err := s.Planner.Fetch(ctx, index, compiled, q, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(rd.BytesTotal(), 10))
	w.WriteHeader(http.StatusOK)
}

// handleContinue resumes a previously-issued continuation token. Tokens
// are single-use: a second call with the same token fails BadRequest.
func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, badRequest("missing token"))
		return
	}
	resp, err := s.Continuations.Resolve(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}
