package cachekey

import (
	"strings"
)

// Key types stored under the prefix.
const (
	// TypeCache marks a cache entry hash record.
	TypeCache = "c"
	// TypeFlag marks a flag set (reverse index).
	TypeFlag = "f"
)

const (
	separator  = ":"
	lockSuffix = "-lock"
)

// Codec derives storage keys of the form `prefix:type:identifier`.
// Keys are reversible with Strip as long as the prefix and type are known.
type Codec struct {
	// Namespace for all keys of one site.
	Prefix string
}

func NewCodec(prefix string) Codec {
	return Codec{Prefix: prefix}
}

// TypePrefix returns the key prefix shared by all keys of the given type,
// e.g. `pagecache:f:` for flag sets.
func (c Codec) TypePrefix(typ string) string {
	return c.Prefix + separator + typ + separator
}

// Key builds the storage key for an identifier of the given type.
func (c Codec) Key(typ, id string) string {
	return c.TypePrefix(typ) + id
}

// CacheKey is the hash record key for a request hash.
func (c Codec) CacheKey(hash string) string {
	return c.Key(TypeCache, hash)
}

// FlagKey is the set key for a flag. It is also the name of the
// membership field on every hash record carrying the flag.
func (c Codec) FlagKey(flag string) string {
	return c.Key(TypeFlag, flag)
}

// LockKey is the regeneration lock key for a request hash.
func (c Codec) LockKey(hash string) string {
	return c.CacheKey(hash) + lockSuffix
}

// Strip recovers the identifier from a full key.
// It returns false if the key does not carry the expected prefix and type.
func (c Codec) Strip(key, typ string) (string, bool) {
	prefix := c.TypePrefix(typ)
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return strings.TrimPrefix(key, prefix), true
}

// IsLockKey reports whether the key is a regeneration lock.
func (c Codec) IsLockKey(key string) bool {
	return strings.HasPrefix(key, c.TypePrefix(TypeCache)) && strings.HasSuffix(key, lockSuffix)
}

// FlagPattern returns a SCAN match pattern for the flag sets matching a
// wildcard flag. Only `*` and `?` act as wildcards, everything else in the
// prefix and the flag is matched literally.
func (c Codec) FlagPattern(flag string) string {
	return escapeGlob(c.TypePrefix(TypeFlag)) + escapeGlob(flag, '*', '?')
}

// EntryPattern matches every record and lock key.
func (c Codec) EntryPattern() string {
	return escapeGlob(c.TypePrefix(TypeCache)) + "*"
}

// AllPattern matches every key under the prefix.
func (c Codec) AllPattern() string {
	return escapeGlob(c.Prefix+separator) + "*"
}

// HasWildcard reports whether the flag is a lookup pattern rather than a
// literal flag.
func HasWildcard(flag string) bool {
	return strings.ContainsAny(flag, "*?")
}

// escapeGlob escapes redis glob metacharacters, leaving the given runes untouched.
func escapeGlob(s string, keep ...rune) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			if !containsRune(keep, r) {
				b.WriteRune('\\')
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

func containsRune(rs []rune, r rune) bool {
	for _, k := range rs {
		if k == r {
			return true
		}
	}
	return false
}
