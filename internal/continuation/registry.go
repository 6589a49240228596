// Package continuation holds the process-local, TTL-bounded handle store
// that lets a paginated HTTP response resume without the client carrying a
// cursor: a continuation is a 20-byte random token that maps to a closure
// over whatever reader or iterator produced the previous page.
//
// The registry shape (mutex-guarded map, a Cleanup/sweep pass that evicts
// orphaned entries) is the same one this module's teacher used for its
// live-query subscriber registry; here the "client disconnect" that
// orphans an entry is simply time, not a closed socket.
package continuation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoSuchToken is returned when a token is unknown, expired, or has
// already been resolved once (continuations are single-use).
var ErrNoSuchToken = errors.New("continuation: no such token")

// DefaultTTL is the lifetime of a continuation from the moment it is
// registered, per spec.md §4.G.
const DefaultTTL = 60 * time.Second

// Callback resumes a paginated read and returns whatever page payload the
// caller installed it to produce. It is invoked at most once: Resolve
// deletes the token before calling it, so a racing second Resolve call for
// the same token always fails with ErrNoSuchToken.
type Callback func(ctx context.Context) (any, error)

type entry struct {
	cb        Callback
	expiresAt time.Time
}

// Registry is a shared, mutex-guarded token -> Callback store.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
}

// NewRegistry returns an empty registry using ttl for every token it mints.
// A zero ttl defaults to DefaultTTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{entries: make(map[string]entry), ttl: ttl}
}

// Make registers cb under a fresh token and returns it.
func (r *Registry) Make(cb Callback) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.entries[token] = entry{cb: cb, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return token, nil
}

// Resolve looks up and removes token, then invokes its callback. A token
// that is unknown or has expired returns ErrNoSuchToken without invoking
// anything.
func (r *Registry) Resolve(ctx context.Context, token string) (any, error) {
	r.mu.Lock()
	e, ok := r.entries[token]
	if ok {
		delete(r.entries, token)
	}
	r.mu.Unlock()

	if !ok {
		return nil, ErrNoSuchToken
	}
	if time.Now().After(e.expiresAt) {
		return nil, ErrNoSuchToken
	}
	return e.cb(ctx)
}

// Sweep evicts every entry whose TTL has elapsed, returning how many it
// removed. Call it on a timer (see StartSweeper) or directly from tests.
func (r *Registry) Sweep() int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for tok, e := range r.entries {
		if now.After(e.expiresAt) {
			delete(r.entries, tok)
			n++
		}
	}
	return n
}

// Len reports how many live (possibly expired but not yet swept) tokens
// the registry currently holds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StartSweeper runs Sweep every interval until ctx is cancelled. A zero
// interval defaults to 60s, matching spec.md §4.G's background sweeper.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// newToken generates a 20-byte, URL-safe random token, grounded on the
// original implementation's secrets.token_urlsafe() nonce.
func newToken() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("continuation: generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewToken exposes the same token generator used for continuation handles,
// for callers (the HTTP surface's per-response "nonce") that want an
// unregistered random token.
func NewToken() (string, error) { return newToken() }
