// Package requestfilter decides which requests bypass the cache entirely.
package requestfilter

import (
	"net/http"

	"github.com/always-cache/pagecache/config"

	"github.com/rs/zerolog/log"
)

// Reasons a request bypasses the cache.
const (
	ReasonMethod = "method"
	ReasonPath   = "path"
	ReasonCookie = "cookie"
)

type Rules struct {
	NoCachePaths   config.Patterns
	NoCacheCookies config.Patterns
}

func New(settings config.Settings) Rules {
	return Rules{
		NoCachePaths:   settings.NoCachePaths,
		NoCacheCookies: settings.NoCacheCookies,
	}
}

// Decision explains why a request bypasses the cache.
type Decision struct {
	Bypass bool
	Reason string
	// What matched, e.g. the method or cookie name.
	Detail string
}

// Check returns whether the request must bypass the cache.
// Only GET and HEAD requests are cacheable.
func (r Rules) Check(req *http.Request) Decision {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return bypass(ReasonMethod, req.Method)
	}
	if r.NoCachePaths.Match(req.URL.Path) {
		return bypass(ReasonPath, req.URL.Path)
	}
	for _, cookie := range req.Cookies() {
		if r.NoCacheCookies.Match(cookie.Name) {
			return bypass(ReasonCookie, cookie.Name)
		}
	}
	return Decision{}
}

func bypass(reason, detail string) Decision {
	log.Trace().Str("reason", reason).Str("detail", detail).Msg("Bypassing cache")
	return Decision{
		Bypass: true,
		Reason: reason,
		Detail: detail,
	}
}
