package invalidation

import (
	"context"
	"sync"

	"github.com/always-cache/pagecache/cache"
	cachetags "github.com/always-cache/pagecache/pkg/cache-tags"

	"github.com/rs/zerolog"
)

// Queue collects the flags of one logical invalidation, e.g. one request,
// and clears them with a single call into the index.
// A flag is in at most one of the two lists; delete wins over expire.
type Queue struct {
	index cache.FlagIndex
	ttl   int64
	log   zerolog.Logger

	// OnFlush is called with every non-empty batch handed to the index.
	OnFlush func(sets cache.Sets, err error)

	mu       sync.Mutex
	toExpire []string
	toDelete []string
}

// NewQueue creates a queue; expired entries are rewound by the default ttl.
func NewQueue(index cache.FlagIndex, ttl int64, logger zerolog.Logger) *Queue {
	return &Queue{
		index: index,
		ttl:   ttl,
		log:   logger.With().Str("component", "queue").Logger(),
	}
}

// AddToExpire queues flags whose entries should go stale.
func (q *Queue) AddToExpire(flags ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, flag := range flags {
		if flag == "" || contains(q.toDelete, flag) || contains(q.toExpire, flag) {
			continue
		}
		q.toExpire = append(q.toExpire, flag)
	}
}

// AddToDelete queues flags whose entries should be removed.
func (q *Queue) AddToDelete(flags ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, flag := range flags {
		if flag == "" || contains(q.toDelete, flag) {
			continue
		}
		q.toExpire = remove(q.toExpire, flag)
		q.toDelete = append(q.toDelete, flag)
	}
}

// Add queues flags in the given mode.
func (q *Queue) Add(mode cachetags.Mode, flags ...string) {
	if mode == cachetags.ModeDelete {
		q.AddToDelete(flags...)
	} else {
		q.AddToExpire(flags...)
	}
}

// Pending returns copies of the queued flags.
func (q *Queue) Pending() cache.Sets {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cache.Sets{
		Deleted: append([]string(nil), q.toDelete...),
		Expired: append([]string(nil), q.toExpire...),
	}
}

// Flush hands all queued flags to the index and empties the queue.
// The queue is emptied even if the index fails; invalidation is not retried.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	sets := cache.Sets{Deleted: q.toDelete, Expired: q.toExpire}
	q.toDelete, q.toExpire = nil, nil
	q.mu.Unlock()

	if len(sets.Deleted) == 0 && len(sets.Expired) == 0 {
		return nil
	}
	q.log.Debug().Strs("delete", sets.Deleted).Strs("expire", sets.Expired).Msg("Flushing invalidations")
	err := q.index.ClearCacheBySets(ctx, sets, q.ttl)
	if q.OnFlush != nil {
		q.OnFlush(sets, err)
	}
	return err
}

// Execute is an alias for Flush.
func (q *Queue) Execute(ctx context.Context) error {
	return q.Flush(ctx)
}

// FlushOnShutdown flushes whatever is still queued at the end of a request or process.
func (q *Queue) FlushOnShutdown(ctx context.Context) {
	if err := q.Flush(ctx); err != nil {
		q.log.Warn().Err(err).Msg("Invalidations lost on shutdown")
	}
}

type contextKey struct{}

// NewContext returns a context carrying the queue.
func NewContext(ctx context.Context, q *Queue) context.Context {
	return context.WithValue(ctx, contextKey{}, q)
}

// FromContext returns the queue of the request, if any.
func FromContext(ctx context.Context) (*Queue, bool) {
	q, ok := ctx.Value(contextKey{}).(*Queue)
	return q, ok
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}
