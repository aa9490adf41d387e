// Package serializer converts between http.Header and the raw header lines
// stored with a cache entry, and replays stored responses.
package serializer

import (
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// HeaderLines returns `Name: value` lines for the header, one per value.
// Names are sorted so equal headers give equal lines; value order is kept.
// Headers named in skip are left out.
func HeaderLines(h http.Header, skip ...string) []string {
	names := make([]string, 0, len(h))
	for name := range h {
		if !contains(skip, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		for _, value := range h[name] {
			lines = append(lines, name+": "+value)
		}
	}
	return lines
}

// ParseHeaderLine splits a raw header line.
func ParseHeaderLine(line string) (name, value string, ok bool) {
	name, value, ok = strings.Cut(line, ":")
	if !ok || name == "" {
		return "", "", false
	}
	return strings.TrimSpace(name), strings.TrimSpace(value), true
}

// ApplyHeaderLines adds the stored lines to the header verbatim.
func ApplyHeaderLines(dst http.Header, lines []string) {
	for _, line := range lines {
		name, value, ok := ParseHeaderLine(line)
		if !ok {
			log.Warn().Str("line", line).Msg("Skipping malformed stored header")
			continue
		}
		// keep stored name spelling
		dst[name] = append(dst[name], value)
	}
}

// WriteResponse writes a stored response: headers, status code and body.
// Content-Length is recalculated since the stored body may have been
// inflated or transformed since it was captured.
func WriteResponse(w http.ResponseWriter, status int, lines []string, body []byte) (int, error) {
	ApplyHeaderLines(w.Header(), lines)
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	return w.Write(body)
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
