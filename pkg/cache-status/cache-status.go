// Package cachestatus builds the Cache-Status response header (RFC 9211).
package cachestatus

import (
	"fmt"
	"strconv"
	"strings"
)

// Name identifies this cache in the header.
const Name = "PageCache"

const Header = "Cache-Status"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdMiss FwdReason = "miss"

	// The cache was able to select a response for the request, but
	// it was stale.
	FwdStale FwdReason = "stale"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// Whether the response was stored.
	Stored bool
	// Seconds until the served response goes stale. Negative for stale content.
	TimeToLive int64
	Detail     string
}

func (cs *CacheStatus) Hit(ttl int64) {
	cs.Status = StatusHit
	cs.FwdReason = ""
	cs.TimeToLive = ttl
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) SetDetail(detail string) {
	cs.Detail = detail
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", Name, cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Status == StatusHit {
		status = fmt.Sprintf("%s; ttl=%d", status, cs.TimeToLive)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.Detail != "" {
		status = status + "; detail=" + formatDetail(cs.Detail)
	}
	return status
}

// formatDetail returns the detail as a token if possible, else as a quoted string.
func formatDetail(detail string) string {
	for _, c := range detail {
		if !isTokenChar(c) {
			return strconv.Quote(detail)
		}
	}
	return detail
}

func isTokenChar(c rune) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
		return true
	}
	return strings.ContainsRune("!#$%&'*+-.^_`|~:/", c)
}
