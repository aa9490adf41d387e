package pagecache

import (
	"context"
	"net/http"
	"time"

	"github.com/always-cache/pagecache/cache"
	cacheentry "github.com/always-cache/pagecache/pkg/cache-entry"
	cachestatus "github.com/always-cache/pagecache/pkg/cache-status"
	serializer "github.com/always-cache/pagecache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// State of a cache lookup.
type State int

const (
	// No entry, or the backend could not be read.
	StateMiss State = iota
	StateHitFresh
	// Stale, and another request is regenerating it.
	StateStaleLocked
	// Stale, served while this request regenerates it in the background.
	StateStaleBackground
	// Stale, this request holds the lock and must regenerate before responding.
	StateStaleNoBackground
	// Past TTL and grace, evicted.
	StateTooOld
)

func (s State) String() string {
	switch s {
	case StateHitFresh:
		return "hit"
	case StateStaleLocked:
		return "stale-locked"
	case StateStaleBackground:
		return "stale-background"
	case StateStaleNoBackground:
		return "stale-no-background"
	case StateTooOld:
		return "too-old"
	default:
		return "miss"
	}
}

// Lookup is the result of reading an entry.
type Lookup struct {
	Hash     string
	Record   *cache.Record
	Validity cacheentry.Validity
}

// Decision tells the caller what to do with a lookup.
type Decision struct {
	State State
	// Serve the stored entry.
	Serve bool
	// Regenerate the entry after serving. The caller holds the lock.
	Regenerate bool
}

type Reader struct {
	index      cache.FlagIndex
	policy     cacheentry.Policy
	background bool
	debug      bool
	metrics    *Metrics
	log        zerolog.Logger
	now        func() time.Time
}

// GetAndValidate reads the entry for the hash and decides whether to serve it.
func (r *Reader) GetAndValidate(ctx context.Context, hash string) (Lookup, Decision) {
	lookup := Lookup{Hash: hash}
	record, err := r.index.GetCache(ctx, hash)
	if err != nil {
		// already logged, degrade to a miss
		r.metrics.observeLookup(StateMiss)
		return lookup, Decision{State: StateMiss}
	}
	lookup.Record = record
	if record != nil {
		lookup.Validity = cacheentry.Validate(record.Entry, r.policy, r.now(), cacheentry.Overrides{})
	}
	decision := r.ShouldServe(ctx, lookup)
	r.metrics.observeLookup(decision.State)
	return lookup, decision
}

// ShouldServe decides on a lookup. It evicts entries that are too old and
// takes the regeneration lock for stale ones.
func (r *Reader) ShouldServe(ctx context.Context, lookup Lookup) Decision {
	log := r.log.With().Str("hash", lookup.Hash).Logger()
	if lookup.Record == nil {
		log.Trace().Msg("Cache miss")
		return Decision{State: StateMiss}
	}
	v := lookup.Validity
	if v.TooOld {
		log.Trace().Int64("ttl", v.TimeToExpiry).Msg("Evicting entry past grace")
		if err := r.index.DeleteCache(ctx, lookup.Hash); err != nil {
			log.Warn().Err(err).Msg("Could not evict entry, it expires on its own")
		}
		return Decision{State: StateTooOld}
	}
	if !v.Stale {
		return Decision{State: StateHitFresh, Serve: true}
	}
	if lookup.Record.Locked {
		log.Trace().Msg("Stale entry is being regenerated elsewhere")
		return Decision{State: StateStaleLocked}
	}
	locked, err := r.index.Lock(ctx, lookup.Hash)
	if err != nil || !locked {
		log.Trace().Msg("Lost the race for the regeneration lock")
		return Decision{State: StateStaleLocked}
	}
	if !r.background {
		// lock is kept, the writer releases it
		return Decision{State: StateStaleNoBackground}
	}
	log.Trace().Msg("Serving stale entry, regenerating in background")
	return Decision{State: StateStaleBackground, Serve: true, Regenerate: true}
}

// Decompress returns the body of the entry. It returns false if the body
// cannot be served, either because it is corrupt or gzip support is off.
func (r *Reader) Decompress(entry cacheentry.Entry) ([]byte, bool) {
	if !entry.Gzip {
		return entry.Output, true
	}
	if !r.policy.Gzip {
		return nil, false
	}
	body, err := cacheentry.Inflate(entry.Output)
	if err != nil {
		r.log.Warn().Err(err).Msg("Stored body is corrupt")
		return nil, false
	}
	return body, true
}

// Output writes a stored entry to the client. When the decision asks for
// regeneration the response is flushed, so the caller can carry on
// regenerating while the client already has its page.
func (r *Reader) Output(w http.ResponseWriter, lookup Lookup, body []byte, decision Decision) error {
	entry := lookup.Record.Entry
	cs := cachestatus.CacheStatus{}
	cs.Hit(lookup.Validity.TimeToExpiry)
	if r.debug {
		cs.SetDetail(cacheentry.FormatTimeRemaining(lookup.Validity.TimeToExpiry))
	}
	w.Header().Set(cachestatus.Header, cs.String())
	written, err := serializer.WriteResponse(w, entry.Status, entry.Headers, body)
	if err != nil {
		r.log.Error().Err(err).Msg("Could not write response body to client")
		return err
	}
	r.log.Trace().Str("hash", lookup.Hash).Msgf("Wrote body (%d bytes)", written)
	if decision.Regenerate && r.background {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
	return nil
}
