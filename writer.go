package pagecache

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/always-cache/pagecache/cache"
	"github.com/always-cache/pagecache/config"
	cacheentry "github.com/always-cache/pagecache/pkg/cache-entry"
	cachestatus "github.com/always-cache/pagecache/pkg/cache-status"
	cachetags "github.com/always-cache/pagecache/pkg/cache-tags"
	serializer "github.com/always-cache/pagecache/pkg/response-serializer"
	tee "github.com/always-cache/pagecache/pkg/response-writer-tee"

	"github.com/rs/zerolog"
)

// Headers that belong to the cache itself and are never stored.
var unstoredHeaders = append([]string{cachestatus.Header}, cachetags.Directives...)

// Outcome of trying to cache a response. Reason is empty if it was cached.
type Outcome struct {
	Cached bool
	Reason string
}

type Writer struct {
	index         cache.FlagIndex
	policy        cacheentry.Policy
	ignoreCookies config.Patterns
	debug         bool
	metrics       *Metrics
	log           zerolog.Logger
	now           func() time.Time
}

// ShouldCache rejects server errors and responses that are not the full page.
func (w *Writer) ShouldCache(status int) (bool, string) {
	if status == http.StatusNotModified || status == http.StatusPartialContent {
		return false, fmt.Sprintf("Incomplete response: %d", status)
	}
	if status >= http.StatusInternalServerError {
		return false, fmt.Sprintf("Server error: %d", status)
	}
	return true, ""
}

// ProcessHeaders returns the header lines to store. A Set-Cookie for a
// cookie not matching ignoreCookies makes the response uncacheable, in
// which case the reason names the cookie.
func (w *Writer) ProcessHeaders(h http.Header) ([]string, string) {
	for _, value := range h.Values("Set-Cookie") {
		name, _, _ := strings.Cut(value, "=")
		name = strings.TrimSpace(name)
		if !w.ignoreCookies.Match(name) {
			return nil, "Setting cookie: " + name
		}
	}
	return serializer.HeaderLines(h, unstoredHeaders...), ""
}

// CreateEntry builds an entry stamped with the current time.
func (w *Writer) CreateEntry(status int, lines []string, body []byte, o cacheentry.Overrides) cacheentry.Entry {
	entry := cacheentry.New(status, lines, body, w.now())
	entry.CustomTTL = o.TTL
	entry.CustomGrace = o.Grace
	return entry
}

// Compress deflates the body if gzip is enabled. On failure the entry is
// kept uncompressed.
func (w *Writer) Compress(entry cacheentry.Entry) cacheentry.Entry {
	if !w.policy.Gzip || entry.Gzip {
		return entry
	}
	compressed, err := cacheentry.Deflate(entry.Output)
	if err != nil {
		w.log.Warn().Err(err).Msg("Could not compress body, storing uncompressed")
		return entry
	}
	entry.Output = compressed
	entry.Gzip = true
	return entry
}

// Store writes the entry with its flags. The record lives for TTL plus grace.
func (w *Writer) Store(ctx context.Context, hash string, entry cacheentry.Entry, flags []string) error {
	ttl := cacheentry.EffectiveTTL(entry, w.policy, cacheentry.Overrides{})
	grace := cacheentry.EffectiveGrace(entry, w.policy, cacheentry.Overrides{})
	return w.index.SetCache(ctx, hash, entry, flags, time.Duration(ttl+grace)*time.Second)
}

// CacheOutput turns a captured response into a stored entry.
// The regeneration lock of the hash is released after a successful store.
func (w *Writer) CacheOutput(ctx context.Context, hash string, capture *tee.ResponseCapture, flags []string) Outcome {
	outcome := w.cacheOutput(ctx, hash, capture, flags)
	w.metrics.observeStore(outcome)
	log := w.log.With().Str("hash", hash).Logger()
	if !outcome.Cached {
		log.Debug().Str("reason", outcome.Reason).Msg("Not caching response")
		return outcome
	}
	if err := w.index.Unlock(ctx, hash); err != nil {
		log.Warn().Err(err).Msg("Could not release regeneration lock")
	}
	log.Trace().Strs("flags", flags).Msg("Cached response")
	return outcome
}

func (w *Writer) cacheOutput(ctx context.Context, hash string, capture *tee.ResponseCapture, flags []string) Outcome {
	status := capture.StatusCode()
	if ok, reason := w.ShouldCache(status); !ok {
		return Outcome{Reason: reason}
	}
	lines, reason := w.ProcessHeaders(capture.Header())
	if reason != "" {
		return Outcome{Reason: reason}
	}
	entry := w.CreateEntry(status, lines, capture.Body(), cachetags.Overrides(capture.Header()))
	if w.debug {
		entry.Debug = map[string]string{
			"generated": w.now().UTC().Format(time.RFC3339),
			"duration":  w.now().Sub(capture.CreatedAt).String(),
			"flags":     strings.Join(flags, ","),
		}
	}
	entry = w.Compress(entry)
	if err := w.Store(ctx, hash, entry, flags); err != nil {
		if cache.IsUnavailable(err) {
			return Outcome{Reason: "Storage unavailable"}
		}
		return Outcome{Reason: "Could not store entry"}
	}
	return Outcome{Cached: true}
}
