// Package thread materializes quoted parent messages. A message referencing
// a thread root renders without its quote until the parent is in the store;
// the resolver backfills it from an inlined payload or an async fetch.
package thread

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"chatsync/internal/model"
	"chatsync/internal/store"
)

// Fetcher retrieves a single message by id, typically GET /messages/{id}.
type Fetcher interface {
	MessageByID(ctx context.Context, id int64) (model.Message, error)
}

// Resolver backfills missing thread parents. Resolution is one hop only: a
// fetched parent's own thread root is never resolved transitively, matching
// the one-level quoting the UI renders.
type Resolver struct {
	store *store.MessageStore
	fetch Fetcher
	post  func(func()) // schedules a closure onto the owning session loop
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[int64]struct{}
}

func New(st *store.MessageStore, fetch Fetcher, post func(func()), log zerolog.Logger) *Resolver {
	return &Resolver{
		store:   st,
		fetch:   fetch,
		post:    post,
		log:     log,
		pending: make(map[int64]struct{}),
	}
}

// Resolve ensures msg's thread root is materialized. If the push event
// carried the parent inline it is upserted directly; otherwise a fetch is
// issued and the result applied asynchronously through the session loop.
// A temporarily missing parent is expected transient state, not an error.
func (r *Resolver) Resolve(ctx context.Context, msg model.Message, inline *model.Message) {
	if msg.ThreadRootID == nil {
		return
	}
	rootID := *msg.ThreadRootID
	if r.store.Contains(rootID) || r.store.Removed(rootID) {
		return
	}

	if inline != nil && inline.ID == rootID {
		r.store.Upsert(*inline)
		return
	}

	r.mu.Lock()
	if _, inFlight := r.pending[rootID]; inFlight {
		r.mu.Unlock()
		return
	}
	r.pending[rootID] = struct{}{}
	r.mu.Unlock()

	go func() {
		parent, err := r.fetch.MessageByID(ctx, rootID)
		r.mu.Lock()
		delete(r.pending, rootID)
		r.mu.Unlock()
		if err != nil {
			// Quote stays absent; a later event for the same root retries.
			r.log.Debug().Err(err).Int64("parent", rootID).Msg("thread parent fetch failed")
			return
		}
		r.post(func() {
			r.store.Upsert(parent)
		})
	}()
}
