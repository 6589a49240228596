package bioapi

import (
	"context"
	"math"

	"github.com/lattice-genomics/bioindex/internal/continuation"
	"github.com/lattice-genomics/bioindex/internal/reader"
)

// pageResponse is the pagination response shape from spec.md §6.
type pageResponse struct {
	Profile      map[string]float64 `json:"profile"`
	Index        string             `json:"index"`
	Q            []string           `json:"q"`
	Count        int                `json:"count"`
	Restricted   int                `json:"restricted"`
	Progress     progress           `json:"progress"`
	Page         int                `json:"page"`
	Limit        int                `json:"limit"`
	Data         any                `json:"data"`
	Continuation string             `json:"continuation,omitempty"`
	Nonce        string             `json:"nonce"`
}

type progress struct {
	BytesRead  int64 `json:"bytes_read"`
	BytesTotal int64 `json:"bytes_total"`
}

// pager is the surface both *reader.Reader and *reader.MultiReader
// satisfy; bioapi only ever depends on this, never the concrete type.
type pager interface {
	Next(ctx context.Context) (reader.Record, bool, error)
	AtEnd() bool
	BytesTotal() int64
	BytesRead() int64
	Count() int
	RestrictedCount() int
	SetLimit(int)
}

// drainPage reads records from p until either budget bytes have been
// consumed by this call or p stops yielding (exhausted or limit hit). A
// non-positive budget reads until p stops yielding.
func drainPage(ctx context.Context, p pager, budget int64) ([]reader.Record, error) {
	if budget <= 0 {
		budget = math.MaxInt64
	}
	var out []reader.Record
	var consumed int64
	for consumed < budget {
		before := p.BytesRead()
		rec, ok, err := p.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, rec)
		consumed += p.BytesRead() - before
	}
	return out, nil
}

// formatData renders a page's records as either an ordered row sequence
// or a column-major map, per spec.md §6 and the "empty column page"
// Open Question resolution in DESIGN.md.
func formatData(records []reader.Record, fmtParam string) any {
	if fmtParam != "col" {
		if records == nil {
			return []reader.Record{}
		}
		return records
	}
	if len(records) == 0 {
		return map[string][]any{}
	}
	cols := make(map[string][]any)
	for key := range records[0] {
		cols[key] = make([]any, len(records))
	}
	for i, rec := range records {
		for key := range cols {
			cols[key][i] = rec[key]
		}
	}
	return cols
}

// pageState threads the information a resumed continuation needs to keep
// building the same kind of response as the page before it.
type pageState struct {
	index string
	q     []string
	fmt   string
	page  int
	// limit is the record-count limit already installed on p via
	// SetLimit (0 if none), echoed back in the response's "limit" field.
	limit int
	// byteBudget is the soft per-page byte budget (BIOINDEX_RESPONSE_
	// LIMIT); drainPage reads until it has consumed at least this many
	// bytes or p stops yielding.
	byteBudget int64
	p          pager
}

// buildResponse drains one page from st.p, wraps it in a pageResponse,
// and — if more data remains — registers a continuation that resumes
// from the next page.
func buildResponse(ctx context.Context, reg *continuation.Registry, st pageState) (*pageResponse, error) {
	records, err := drainPage(ctx, st.p, st.byteBudget)
	if err != nil {
		return nil, err
	}

	nonce, err := continuation.NewToken()
	if err != nil {
		return nil, err
	}

	resp := &pageResponse{
		Profile:    map[string]float64{},
		Index:      st.index,
		Q:          st.q,
		Count:      len(records),
		Restricted: st.p.RestrictedCount(),
		Progress:   progress{BytesRead: st.p.BytesRead(), BytesTotal: st.p.BytesTotal()},
		Page:       st.page,
		Limit:      st.limit,
		Data:       formatData(records, st.fmt),
		Nonce:      nonce,
	}

	if !st.p.AtEnd() {
		next := st
		next.page = st.page + 1
		var cb continuation.Callback
		cb = func(ctx context.Context) (any, error) {
			r, err := buildResponse(ctx, reg, next)
			if err != nil {
				return nil, err
			}
			return r, nil
		}
		tok, err := reg.Make(cb)
		if err != nil {
			return nil, err
		}
		resp.Continuation = tok
	}

	return resp, nil
}
