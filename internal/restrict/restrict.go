// Package restrict computes, per request, the set of (field, value) pairs
// that must be hidden from the current caller, and applies that set to
// records and plot-style keyword maps.
//
// The restriction schema is owned by an external portal service (reached
// through BIOINDEX_PORTAL_DSN); this package only reads it. When no portal store is
// configured, every check defaults to permissive — the absence of a portal
// connection means "no restrictions are in force", not "deny everything".
package restrict

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/lattice-genomics/bioindex/internal/logutil"
)

// TokenHeader and TokenParam are where an access token may arrive, per
// spec.md §4.H.
const (
	TokenHeader = "x-bioindex-access-token"
	TokenParam  = "access_token"
)

// Set is a restriction's forbidden-value set, keyed by the stringified
// record value it matches.
type Set map[string]struct{}

// Restrictions is the merged per-request restriction map: field name to
// the set of values that make a record invisible.
type Restrictions map[string]Set

// TokenVerifier resolves a bearer-style access token to the caller's email,
// returning ok=false for an invalid or unrecognized token. This is the
// "external call" spec.md §4.H delegates to; it is not this package's
// concern how the token is issued or checked.
type TokenVerifier func(ctx context.Context, token string) (email string, ok bool, err error)

// Store computes restriction sets from the portal schema's Restrictions
// and Users tables. A nil Store (or one with a nil DB) is permissive: it
// always returns an empty Restrictions set.
type Store struct {
	DB     *sql.DB
	Verify TokenVerifier
	Logger *zap.Logger
}

func (s *Store) logger() *zap.Logger {
	if s == nil || s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// ExtractToken pulls the access token from the header or query param a
// request carries it in, preferring the header.
func ExtractToken(r *http.Request) string {
	if t := r.Header.Get(TokenHeader); t != "" {
		return t
	}
	return r.URL.Query().Get(TokenParam)
}

// ForRequest resolves the caller's identity from r (if any) and returns
// the restriction set that applies to the named restricted resource (e.g.
// an index or plot name).
func (s *Store) ForRequest(ctx context.Context, r *http.Request, name string) (Restrictions, error) {
	if s == nil || s.DB == nil {
		return Restrictions{}, nil
	}

	email := ""
	if tok := ExtractToken(r); tok != "" && s.Verify != nil {
		e, ok, err := s.Verify(ctx, tok)
		if err != nil {
			s.logger().Warn("access token verification failed", logutil.Values(zap.Error(err)))
		} else if ok {
			email = e
		}
	}
	return s.lookup(ctx, name, email)
}

// lookup runs the Restrictions join Users query: every restriction row
// whose name the caller's allow-list does not cover (directly or via a
// "*" wildcard), or every row when email is empty (unauthenticated).
func (s *Store) lookup(ctx context.Context, name, email string) (Restrictions, error) {
	const q = `
		SELECT r.keywords
		FROM restrictions r
		WHERE r.name = $1
		  AND ($2 = '' OR NOT EXISTS (
		        SELECT 1 FROM users u
		        WHERE u.email = $2
		          AND (u.allowed_restrictions @> to_jsonb($1::text)
		               OR u.allowed_restrictions @> '"*"'::jsonb)
		      ))
	`
	rows, err := s.DB.QueryContext(ctx, q, name, email)
	if err != nil {
		return nil, fmt.Errorf("restrict: lookup %q: %w", name, err)
	}
	defer rows.Close()

	out := make(Restrictions)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("restrict: scan row: %w", err)
		}
		var keywords map[string]json.RawMessage
		if err := json.Unmarshal(raw, &keywords); err != nil {
			return nil, fmt.Errorf("restrict: decode keywords: %w", err)
		}
		mergeKeywords(out, keywords)
	}
	return out, rows.Err()
}

// mergeKeywords folds one restriction row's {field: value | [value,...]}
// object into the accumulated restriction map.
func mergeKeywords(into Restrictions, keywords map[string]json.RawMessage) {
	for field, raw := range keywords {
		var multi []any
		if err := json.Unmarshal(raw, &multi); err != nil {
			var single any
			if err := json.Unmarshal(raw, &single); err != nil {
				continue
			}
			multi = []any{single}
		}
		set, ok := into[field]
		if !ok {
			set = make(Set)
			into[field] = set
		}
		for _, v := range multi {
			set[fmt.Sprint(v)] = struct{}{}
		}
	}
}

// VerifyRecord reports whether rec is visible under restricted: false iff
// any field rec carries has a value present in restricted's set for that
// field.
func VerifyRecord(rec map[string]any, restricted Restrictions) bool {
	for field, set := range restricted {
		v, ok := rec[field]
		if !ok {
			continue
		}
		if _, forbidden := set[fmt.Sprint(v)]; forbidden {
			return false
		}
	}
	return true
}

// VerifyPermissions applies the same check as VerifyRecord over an
// explicit keyword map, used by plot and dataset access checks that never
// materialize a full record.
func VerifyPermissions(keywords map[string]string, restricted Restrictions) bool {
	for field, set := range restricted {
		v, ok := keywords[field]
		if !ok {
			continue
		}
		if _, forbidden := set[v]; forbidden {
			return false
		}
	}
	return true
}

// Filter adapts Restrictions into the reader.RestrictionFilter closure
// signature, so the planner/reader don't need to know about this package's
// types.
func (restricted Restrictions) Filter() func(map[string]any) bool {
	return func(rec map[string]any) bool { return VerifyRecord(rec, restricted) }
}
