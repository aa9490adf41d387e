// Package cachetags reads the cache directives an origin attaches to its responses.
//
//	Cache-Flags: post:42, archive:post
//	Cache-Invalidate: /blog/; mode=delete, post:41
//	Cache-Control: s-maxage=600, stale-while-revalidate=3600
package cachetags

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	cacheentry "github.com/always-cache/pagecache/pkg/cache-entry"
	cachekey "github.com/always-cache/pagecache/pkg/cache-key"
)

const (
	HeaderFlags      = "Cache-Flags"
	HeaderInvalidate = "Cache-Invalidate"
)

// Directives are response headers that are consumed by the cache and never replayed.
var Directives = []string{HeaderFlags, HeaderInvalidate}

type Mode string

const (
	// ModeExpire makes entries stale, they are served while regenerated.
	ModeExpire Mode = "expire"
	// ModeDelete removes entries.
	ModeDelete Mode = "delete"
)

var modeDirective = regexp.MustCompile(`(?i)\bmode=(expire|delete)\b`)

// Invalidation represents a single `Cache-Invalidate` entry.
type Invalidation struct {
	// URL, content ID or flag. Relative paths are resolved to absolute URLs.
	Target string
	Mode   Mode
}

// Flags returns the flags the response asks to be stored with.
func Flags(h http.Header) []string {
	flags := make([]string, 0)
	for _, value := range h.Values(HeaderFlags) {
		for _, flag := range strings.Split(value, ",") {
			if flag = strings.TrimSpace(flag); flag != "" {
				flags = append(flags, flag)
			}
		}
	}
	return cachekey.SortedFlags(flags)
}

// Invalidations returns the invalidations requested by the response.
// Only responses to unsafe requests may invalidate.
func Invalidations(req *http.Request, h http.Header) []Invalidation {
	if !UnsafeRequest(req) {
		return nil
	}
	invalidations := make([]Invalidation, 0)
	for _, value := range h.Values(HeaderInvalidate) {
		for _, item := range strings.Split(value, ",") {
			// target is the first element
			target := strings.TrimSpace(strings.Split(item, ";")[0])
			if target == "" {
				continue
			}
			invalidations = append(invalidations, Invalidation{
				Target: resolveTarget(req, target),
				Mode:   getMode(item),
			})
		}
	}
	return invalidations
}

// UnsafeRequest reports whether the request method may change state on the origin.
func UnsafeRequest(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// resolveTarget turns a path relative to the request into an absolute URL.
// Anything else is returned as is.
func resolveTarget(req *http.Request, target string) string {
	if !strings.HasPrefix(target, "/") {
		return target
	}
	base, err := url.Parse(cachekey.RequestURL(req))
	if err != nil {
		return target
	}
	return base.ResolveReference(&url.URL{Path: target}).String()
}

// getMode returns the mode directive of an invalidation entry.
// If no mode directive is found, it returns ModeExpire.
func getMode(item string) Mode {
	if matches := modeDirective.FindStringSubmatch(item); matches != nil {
		return Mode(strings.ToLower(matches[1]))
	}
	return ModeExpire
}

// Overrides returns the per-entry TTL and grace requested via Cache-Control.
// `s-maxage` sets the TTL and `stale-while-revalidate` sets the grace period.
func Overrides(h http.Header) cacheentry.Overrides {
	cc := ParseCacheControl(h.Values("Cache-Control"))
	return cacheentry.Overrides{
		TTL:   cc.seconds("s-maxage"),
		Grace: cc.seconds("stale-while-revalidate"),
	}
}

// CacheControl implements parsing of the "Cache-Control" header.
type CacheControl struct {
	directives map[string]string
}

// Get returns the value of the specified directive,
// along with a boolean indicating whether this directive is present
func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

// ParseCacheControl takes Cache-Control headers as a slice of strings.
// If a directive is repeated, the last one wins.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			parts := strings.SplitN(directive, "=", 2)
			var arg string
			if len(parts) > 1 {
				arg = strings.Trim(parts[1], "\"")
			}
			// names are case-insensitive
			m[strings.ToLower(parts[0])] = arg
		}
	}
	return CacheControl{m}
}

// seconds returns a non-negative delta-seconds directive, or nil.
func (c CacheControl) seconds(directive string) *int64 {
	val, ok := c.Get(directive)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}
