// Package invalidation turns invalidation targets into flags and feeds
// them to the flag index in batches.
package invalidation

import (
	"net/url"
	"strconv"
	"strings"
)

// Target is one of URLTarget, ContentTarget, FlagTarget, SiteTarget or NetworkTarget.
type Target interface {
	String() string
	target()
}

// URLTarget is an absolute URL.
type URLTarget string

// ContentTarget is the ID of a content item, e.g. a post.
type ContentTarget uint64

// FlagTarget is a flag used as is.
type FlagTarget string

// SiteTarget invalidates everything of one site.
type SiteTarget int64

// NetworkTarget invalidates everything of every site in a network.
type NetworkTarget int64

func (t URLTarget) String() string     { return string(t) }
func (t ContentTarget) String() string { return strconv.FormatUint(uint64(t), 10) }
func (t FlagTarget) String() string    { return string(t) }
func (t SiteTarget) String() string    { return "site:" + strconv.FormatInt(int64(t), 10) }
func (t NetworkTarget) String() string { return "network:" + strconv.FormatInt(int64(t), 10) }

func (URLTarget) target()     {}
func (ContentTarget) target() {}
func (FlagTarget) target()    {}
func (SiteTarget) target()    {}
func (NetworkTarget) target() {}

// Classify returns the target for a raw string. The first match wins:
// an absolute URL, then a positive integer content ID, else a flag.
func Classify(raw string) Target {
	raw = strings.TrimSpace(raw)
	if isURL(raw) {
		return URLTarget(raw)
	}
	if id, err := strconv.ParseUint(raw, 10, 64); err == nil && id > 0 {
		return ContentTarget(id)
	}
	return FlagTarget(raw)
}

// ClassifyAll classifies every non-empty string.
func ClassifyAll(raws []string) []Target {
	targets := make([]Target, 0, len(raws))
	for _, raw := range raws {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		targets = append(targets, Classify(raw))
	}
	return targets
}

func isURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}
