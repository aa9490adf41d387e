package cacheentry

import (
	"fmt"
	"time"
)

// Policy is the site-wide staleness model, in seconds.
type Policy struct {
	TTL   int64
	Grace int64
	Gzip  bool
}

// Overrides take precedence over both the entry and the policy.
type Overrides struct {
	TTL   *int64
	Grace *int64
}

// Validity is the staleness state of an entry at a point in time.
type Validity struct {
	Stale        bool
	TooOld       bool
	TimeToExpiry int64
}

func EffectiveTTL(e Entry, p Policy, o Overrides) int64 {
	if o.TTL != nil {
		return *o.TTL
	}
	if e.CustomTTL != nil {
		return *e.CustomTTL
	}
	return p.TTL
}

func EffectiveGrace(e Entry, p Policy, o Overrides) int64 {
	if o.Grace != nil {
		return *o.Grace
	}
	if e.CustomGrace != nil {
		return *e.CustomGrace
	}
	return p.Grace
}

// IsStale reports whether the entry is past its TTL.
func IsStale(e Entry, p Policy, now time.Time, o Overrides) bool {
	return e.Updated+EffectiveTTL(e, p, o) < now.Unix()
}

// IsTooOld reports whether the entry is past TTL and grace and must not be served.
func IsTooOld(e Entry, p Policy, now time.Time, o Overrides) bool {
	return e.Updated+EffectiveTTL(e, p, o)+EffectiveGrace(e, p, o) < now.Unix()
}

// TimeToExpiry is the number of seconds until the entry goes stale.
// It is negative for stale entries.
func TimeToExpiry(e Entry, p Policy, now time.Time, o Overrides) int64 {
	return e.Updated + EffectiveTTL(e, p, o) - now.Unix()
}

func Validate(e Entry, p Policy, now time.Time, o Overrides) Validity {
	return Validity{
		Stale:        IsStale(e, p, now, o),
		TooOld:       IsTooOld(e, p, now, o),
		TimeToExpiry: TimeToExpiry(e, p, now, o),
	}
}

// FormatTimeRemaining renders seconds as `1d 01h 01m 01s`.
// Negative values are prefixed with `-` and shown by magnitude.
func FormatTimeRemaining(seconds int64) string {
	sign := ""
	if seconds < 0 {
		sign = "-"
		seconds = -seconds
	}
	days := seconds / 86400
	hours := seconds % 86400 / 3600
	minutes := seconds % 3600 / 60
	secs := seconds % 60
	return fmt.Sprintf("%s%dd %02dh %02dm %02ds", sign, days, hours, minutes, secs)
}
