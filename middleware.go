package pagecache

import (
	"context"
	"net/http"
	"strings"

	cachekey "github.com/always-cache/pagecache/pkg/cache-key"
	cachestatus "github.com/always-cache/pagecache/pkg/cache-status"
	cachetags "github.com/always-cache/pagecache/pkg/cache-tags"
	"github.com/always-cache/pagecache/pkg/invalidation"
	requestfilter "github.com/always-cache/pagecache/pkg/request-filter"
	tee "github.com/always-cache/pagecache/pkg/response-writer-tee"

	"github.com/rs/zerolog"
)

// Middleware caches the responses of next.
//
// Requests handled by next may enqueue invalidations on the queue found
// with invalidation.FromContext; the queue is flushed when the request ends.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queue := e.NewQueue()
		r = r.WithContext(invalidation.NewContext(r.Context(), queue))
		defer queue.FlushOnShutdown(context.WithoutCancel(r.Context()))
		e.handle(w, r, next)
	})
}

// handle is the main entry point for the caching middleware.
func (e *Engine) handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	log := e.log.With().Str("method", r.Method).Str("path", r.URL.Path).Logger()
	log.Trace().Msg("Incoming request")

	var cs cachestatus.CacheStatus

	if bypass := e.filter.Check(r); bypass.Bypass {
		if bypass.Reason == requestfilter.ReasonMethod {
			cs.Forward(cachestatus.FwdMethod)
		} else {
			cs.Forward(cachestatus.FwdBypass)
			cs.SetDetail(bypass.Reason + ":" + bypass.Detail)
		}
		w.Header().Set(cachestatus.Header, cs.String())
		// not cached, so send straight through
		capture := tee.BeginResponse(w, cachetags.Directives...)
		next.ServeHTTP(capture, r)
		capture.FinishResponse()
		e.safely(log, "invalidate", func() {
			e.enqueueInvalidations(r, capture)
		})
		e.logRequest(r, cs)
		return
	}

	hash := e.keyer.Hash(r)
	log = log.With().Str("hash", hash).Logger()

	var lookup Lookup
	var decision Decision
	e.safely(log, "lookup", func() {
		lookup, decision = e.Reader.GetAndValidate(r.Context(), hash)
	})

	if decision.Serve {
		if body, ok := e.Reader.Decompress(lookup.Record.Entry); ok {
			if r.Method == http.MethodHead {
				body = nil
			}
			if err := e.Reader.Output(w, lookup, body, decision); err != nil {
				log.Debug().Err(err).Msg("Client went away while serving from cache")
			}
			cs.Hit(lookup.Validity.TimeToExpiry)
			e.logRequest(r, cs)
			if decision.Regenerate {
				e.regenerate(r, hash, next)
			}
			return
		}
		// undecodable, regenerate now; a lock taken for background
		// regeneration is released by the writer
		decision.Serve = false
	}

	switch decision.State {
	case StateMiss:
		cs.Forward(cachestatus.FwdUriMiss)
	case StateTooOld:
		cs.Forward(cachestatus.FwdMiss)
	default:
		cs.Forward(cachestatus.FwdStale)
	}

	capture := tee.BeginResponse(nil)
	next.ServeHTTP(capture, unconditional(r))
	capture.FinishResponse()

	if r.Method == http.MethodGet {
		e.safely(log, "store", func() {
			outcome := e.Writer.CacheOutput(r.Context(), hash, capture, e.flagsFor(r, capture))
			cs.Stored = outcome.Cached
			if !outcome.Cached {
				cs.SetDetail(outcome.Reason)
			}
		})
	}
	e.safely(log, "invalidate", func() {
		e.enqueueInvalidations(r, capture)
	})

	w.Header().Set(cachestatus.Header, cs.String())
	sendCaptured(w, capture)
	e.logRequest(r, cs)
}

// regenerate renders the request again after the client got a stale
// response, and stores the result.
func (e *Engine) regenerate(r *http.Request, hash string, next http.Handler) {
	queue := e.NewQueue()
	ctx := invalidation.NewContext(context.WithoutCancel(r.Context()), queue)
	bg := unconditional(r.Clone(ctx))
	// a HEAD response has no body worth storing
	bg.Method = http.MethodGet
	log := e.log.With().Str("hash", hash).Str("path", r.URL.Path).Logger()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer queue.FlushOnShutdown(ctx)
		var outcome Outcome
		e.safely(log, "regenerate", func() {
			capture := tee.BeginResponse(nil)
			next.ServeHTTP(capture, bg)
			capture.FinishResponse()
			outcome = e.Writer.CacheOutput(ctx, hash, capture, e.flagsFor(bg, capture))
			e.enqueueInvalidations(bg, capture)
		})
		log.Debug().Bool("stored", outcome.Cached).Str("reason", outcome.Reason).Msg("Regenerated in background")
	}()
}

// Request headers that would make the origin answer with something other
// than the full page.
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// unconditional returns the request without conditional and range headers,
// so the stored response is the complete page.
func unconditional(r *http.Request) *http.Request {
	strip := false
	for _, name := range conditionalHeaders {
		if _, ok := r.Header[name]; ok {
			strip = true
			break
		}
	}
	if !strip {
		return r
	}
	out := r.WithContext(r.Context())
	out.Header = r.Header.Clone()
	for _, name := range conditionalHeaders {
		out.Header.Del(name)
	}
	return out
}

// flagsFor returns the flags to store a response with: the URL flag, `home`
// for the front page and the flags the response asked for, all prefixed
// with the site's flag prefix.
func (e *Engine) flagsFor(r *http.Request, capture *tee.ResponseCapture) []string {
	flags := []string{invalidation.URLFlag(cachekey.RequestURL(r))}
	if r.URL.Path == "/" {
		flags = append(flags, invalidation.FlagHome)
	}
	flags = append(flags, cachetags.Flags(capture.Header())...)
	if prefix := e.sitePrefix(r); prefix != "" {
		for i := range flags {
			flags[i] = prefix + flags[i]
		}
	}
	return flags
}

// enqueueInvalidations queues the invalidations the response asked for.
func (e *Engine) enqueueInvalidations(r *http.Request, capture *tee.ResponseCapture) {
	invalidations := cachetags.Invalidations(r, capture.Header())
	if len(invalidations) == 0 {
		return
	}
	queue, ok := invalidation.FromContext(r.Context())
	if !ok {
		return
	}
	prefix := e.sitePrefix(r)
	for _, inv := range invalidations {
		flags, err := e.resolveTargets(r.Context(), prefix, []invalidation.Target{invalidation.Classify(inv.Target)})
		if err != nil {
			e.log.Warn().Err(err).Str("target", inv.Target).Msg("Could not resolve invalidation")
			continue
		}
		queue.Add(inv.Mode, flags...)
	}
}

// sitePrefix returns the flag prefix of the site serving the request,
// or an empty string for single site setups and unknown hosts.
func (e *Engine) sitePrefix(r *http.Request) string {
	prefix, _ := e.hostPrefix(r.Context(), r.Host)
	return prefix
}

// safely runs cache code, recovering from panics so the request can still
// be answered without the cache.
func (e *Engine) safely(log zerolog.Logger, step string, fn func()) {
	defer func() {
		if err := recover(); err != nil {
			log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("step", step).Msg("Panic in cache handler")
		}
	}()
	fn()
}

// sendCaptured writes a captured response to the client.
func sendCaptured(w http.ResponseWriter, capture *tee.ResponseCapture) {
	dst := w.Header()
	for name, values := range capture.Header() {
		if isDirective(name) {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	w.WriteHeader(capture.StatusCode())
	w.Write(capture.Body())
}

func isDirective(name string) bool {
	for _, d := range cachetags.Directives {
		if strings.EqualFold(d, name) {
			return true
		}
	}
	return false
}

func (e *Engine) logRequest(r *http.Request, cs cachestatus.CacheStatus) {
	isHit := 0
	if cs.Status == cachestatus.StatusHit {
		isHit = 1
	}
	e.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int64("ttl", cs.TimeToLive).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
