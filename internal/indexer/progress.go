package indexer

import (
	"sync"

	"github.com/google/uuid"
)

// ProgressEvent is one per-blob progress update published during a build.
type ProgressEvent struct {
	Blob       string `json:"blob"`
	BytesDone  int64  `json:"bytesDone"`
	BytesTotal int64  `json:"bytesTotal"`
}

type subscriber struct {
	id string
	ch chan ProgressEvent
}

// ProgressRegistry fans build-progress events out to subscribers watching
// a given index's build, grounded on the teacher's live-query subscriber
// registry: a mutex-guarded map keyed by index name, each holding a set of
// per-client channels that are cleaned up when the client disconnects.
type ProgressRegistry struct {
	mu   sync.RWMutex
	subs map[string]map[string]*subscriber
}

// NewProgressRegistry returns an empty registry.
func NewProgressRegistry() *ProgressRegistry {
	return &ProgressRegistry{subs: make(map[string]map[string]*subscriber)}
}

// Subscribe registers a new subscriber for an index's build progress and
// returns its event channel and an unsubscribe function. The channel is
// closed by Unsubscribe.
func (r *ProgressRegistry) Subscribe(index string) (<-chan ProgressEvent, func()) {
	sub := &subscriber{id: uuid.NewString(), ch: make(chan ProgressEvent, 16)}

	r.mu.Lock()
	if r.subs[index] == nil {
		r.subs[index] = make(map[string]*subscriber)
	}
	r.subs[index][sub.id] = sub
	r.mu.Unlock()

	return sub.ch, func() { r.unsubscribe(index, sub.id) }
}

func (r *ProgressRegistry) unsubscribe(index, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.subs[index]; ok {
		if sub, ok := subs[id]; ok {
			close(sub.ch)
			delete(subs, id)
		}
		if len(subs) == 0 {
			delete(r.subs, index)
		}
	}
}

// Publish broadcasts an event to every subscriber of index, dropping it
// for any subscriber whose channel is full rather than blocking the
// indexing goroutine.
func (r *ProgressRegistry) Publish(index string, ev ProgressEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs[index] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many clients are watching an index's build,
// used by the cleanup sweeper to decide whether a registry entry is
// orphaned.
func (r *ProgressRegistry) SubscriberCount(index string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[index])
}
