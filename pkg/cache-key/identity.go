package cachekey

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/always-cache/pagecache/config"
)

// Keyer derives the cache hash for a request.
// Two requests get the same hash if they are for the same URL (ignoring
// query parameters matching IgnoreRequestKeys and parameter order) and carry
// the same values for the Unique cookies.
type Keyer struct {
	IgnoreRequestKeys config.Patterns
	Unique            []string
}

func NewKeyer(settings config.Settings) Keyer {
	return Keyer{
		IgnoreRequestKeys: settings.IgnoreRequestKeys,
		Unique:            settings.Unique,
	}
}

// Hash returns the cache hash for the request.
func (k Keyer) Hash(r *http.Request) string {
	var b strings.Builder
	b.WriteString(RequestURL(r))
	if query := k.query(r.URL.Query()); query != "" {
		b.WriteString("?" + query)
	}
	for _, name := range k.Unique {
		if c, err := r.Cookie(name); err == nil {
			b.WriteString("\n" + name + "=" + c.Value)
		}
	}
	return hash(b.String())
}

// URLHash returns the hash used for the `url:` flag of the request.
func (k Keyer) URLHash(r *http.Request) string {
	return hash(RequestURL(r))
}

// query returns the sorted query string without ignored keys.
func (k Keyer) query(values url.Values) string {
	for name := range values {
		if k.IgnoreRequestKeys.Match(name) {
			values.Del(name)
		}
	}
	// Encode sorts by key
	return values.Encode()
}

// RequestURL returns `scheme://host/path` for an incoming request.
func RequestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	return scheme + "://" + strings.ToLower(host) + r.URL.EscapedPath()
}

// URLHash hashes an absolute URL the same way Keyer.URLHash hashes a request
// for that URL. Query and fragment are not part of the hash.
// Strings that do not parse as URLs are hashed verbatim.
func URLHash(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return hash(rawURL)
	}
	return hash(u.Scheme + "://" + strings.ToLower(u.Host) + u.EscapedPath())
}

// SortedFlags returns a sorted copy without duplicates.
func SortedFlags(flags []string) []string {
	seen := make(map[string]struct{}, len(flags))
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if _, ok := seen[f]; ok || f == "" {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func hash(s string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(s)))
}
