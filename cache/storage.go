package cache

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	cacheentry "github.com/always-cache/pagecache/pkg/cache-entry"
	cachekey "github.com/always-cache/pagecache/pkg/cache-key"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// FlagIndex stores cache entries together with the flags used to invalidate them.
//
// Every entry is a hash record (`P:c:<hash>`) with the fields `data` and `size`
// plus one `P:f:<flag>` field per flag. Every flag is also a set (`P:f:<flag>`)
// of the cache keys carrying it. A cache key is a member of a flag set iff
// the record has the flag field; all methods keep both sides in step.
//
// Methods never panic on backend failures. They log and return a *StorageError,
// which callers should treat as a cache miss.
//
// Implementations must be thread-safe!
type FlagIndex interface {
	// GetCache returns the record for the hash, or nil if there is none.
	// The lock status is read in the same transaction.
	GetCache(ctx context.Context, hash string) (*Record, error)
	// SetCache stores the entry with the given flags and sets the record to
	// expire after the given duration.
	SetCache(ctx context.Context, hash string, entry cacheentry.Entry, flags []string, expire time.Duration) error
	// DeleteCache removes the record and its flag set memberships.
	DeleteCache(ctx context.Context, hash string) error
	// Lock acquires the regeneration lock for the hash.
	// It returns false if the lock is already held.
	Lock(ctx context.Context, hash string) (bool, error)
	// Unlock releases the regeneration lock unconditionally.
	Unlock(ctx context.Context, hash string) error
	// CacheKeysByFlag returns the cache keys carrying the flag.
	// Flags containing `*` or `?` are matched against all flag sets.
	CacheKeysByFlag(ctx context.Context, flag string) ([]string, error)
	// ClearCacheBySets deletes the entries of the deleted flags and makes the
	// entries of the expired flags stale.
	ClearCacheBySets(ctx context.Context, sets Sets, ttl int64) error
	// CleanupExpiredFlags removes flag set members whose record is gone.
	// It returns the number of members removed.
	CleanupExpiredFlags(ctx context.Context) (int, error)
	// CacheSize sums up the stored size of the entries matching a flag pattern.
	// An empty pattern means all entries.
	CacheSize(ctx context.Context, pattern string) (Size, error)
	// Purge deletes every key under the prefix and returns how many were deleted.
	Purge(ctx context.Context) (int, error)
}

const (
	fieldData    = "data"
	fieldSize    = "size"
	flagSentinel = "1"
	scanCount    = 100
)

// LockTTL bounds how long a crashed regeneration can block others.
const LockTTL = 30 * time.Second

// Record is a stored entry as read from the index.
type Record struct {
	Key    string
	Entry  cacheentry.Entry
	Flags  []string
	Size   int64
	Locked bool
}

// Sets groups flags for one clearing call.
type Sets struct {
	Deleted []string
	Expired []string
}

// Size of a group of entries.
type Size struct {
	Count int
	Bytes int64
}

type RedisIndex struct {
	client redis.UniversalClient
	codec  cachekey.Codec
	log    zerolog.Logger
	now    func() time.Time
}

// Verify interface implementation
var _ FlagIndex = (*RedisIndex)(nil)

// NewRedisIndex creates an index on the given client.
// A nil client yields an index on which every operation fails as unavailable.
func NewRedisIndex(client redis.UniversalClient, codec cachekey.Codec, logger zerolog.Logger) *RedisIndex {
	return &RedisIndex{
		client: client,
		codec:  codec,
		log:    logger.With().Str("component", "index").Str("prefix", codec.Prefix).Logger(),
		now:    time.Now,
	}
}

// WithClock replaces the clock used when rewinding expired entries.
func (s *RedisIndex) WithClock(now func() time.Time) *RedisIndex {
	s.now = now
	return s
}

// Ping checks that the backend is reachable.
func (s *RedisIndex) Ping(ctx context.Context) error {
	if s.client == nil {
		return s.fail("ping", "", ErrUnavailable)
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.fail("ping", "", err)
	}
	return nil
}

func (s *RedisIndex) GetCache(ctx context.Context, hash string) (*Record, error) {
	key := s.codec.CacheKey(hash)
	if s.client == nil {
		return nil, s.fail("get", key, ErrUnavailable)
	}
	var fields *redis.MapStringStringCmd
	var locked *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, key)
		locked = pipe.Exists(ctx, s.codec.LockKey(hash))
		return nil
	})
	if err != nil {
		return nil, s.fail("get", key, err)
	}
	if len(fields.Val()) == 0 {
		s.log.Trace().Str("key", key).Msg("No cached record")
		return nil, nil
	}
	record, err := s.record(key, fields.Val())
	if err != nil {
		return nil, s.fail("get", key, err)
	}
	record.Locked = locked.Val() > 0
	return record, nil
}

// record parses the fields of a hash record.
func (s *RedisIndex) record(key string, fields map[string]string) (*Record, error) {
	data, ok := fields[fieldData]
	if !ok {
		return nil, &malformedError{errors.New("Record has no data field")}
	}
	entry, err := cacheentry.FromStorage([]byte(data))
	if err != nil {
		return nil, &malformedError{err}
	}
	record := &Record{
		Key:   key,
		Entry: entry,
	}
	record.Size, _ = strconv.ParseInt(fields[fieldSize], 10, 64)
	for name := range fields {
		if flag, ok := s.codec.Strip(name, cachekey.TypeFlag); ok {
			record.Flags = append(record.Flags, flag)
		}
	}
	sort.Strings(record.Flags)
	return record, nil
}

func (s *RedisIndex) SetCache(ctx context.Context, hash string, entry cacheentry.Entry, flags []string, expire time.Duration) error {
	key := s.codec.CacheKey(hash)
	if s.client == nil {
		return s.fail("set", key, ErrUnavailable)
	}
	payload, err := entry.ToStorage()
	if err != nil {
		return s.fail("set", key, err)
	}
	previous, err := s.flagFields(ctx, key)
	if err != nil {
		return s.fail("set", key, err)
	}

	fields := map[string]interface{}{
		fieldData: payload,
		fieldSize: len(payload),
	}
	current := make([]string, 0, len(flags))
	for _, flag := range cachekey.SortedFlags(flags) {
		if cachekey.HasWildcard(flag) {
			s.log.Warn().Str("key", key).Str("flag", flag).Msg("Not storing wildcard flag")
			continue
		}
		flagKey := s.codec.FlagKey(flag)
		fields[flagKey] = flagSentinel
		current = append(current, flagKey)
	}
	dropped := difference(previous, current)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, flagKey := range dropped {
			pipe.HDel(ctx, key, flagKey)
			pipe.SRem(ctx, flagKey, key)
		}
		pipe.HSet(ctx, key, fields)
		for _, flagKey := range current {
			pipe.SAdd(ctx, flagKey, key)
		}
		if expire > 0 {
			pipe.Expire(ctx, key, expire)
		}
		return nil
	})
	if err != nil {
		return s.fail("set", key, err)
	}
	s.log.Trace().Str("key", key).Strs("flags", current).Dur("expire", expire).Msg("Cache write")
	return nil
}

func (s *RedisIndex) DeleteCache(ctx context.Context, hash string) error {
	key := s.codec.CacheKey(hash)
	if s.client == nil {
		return s.fail("delete", key, ErrUnavailable)
	}
	if err := s.deleteKey(ctx, key); err != nil {
		return s.fail("delete", key, err)
	}
	return nil
}

// deleteKey removes a record by its full key.
// Redis drops a set once its last member is removed, so emptied flag sets
// disappear with the SREM.
func (s *RedisIndex) deleteKey(ctx context.Context, key string) error {
	flagKeys, err := s.flagFields(ctx, key)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, flagKey := range flagKeys {
			pipe.SRem(ctx, flagKey, key)
		}
		pipe.Del(ctx, key)
		return nil
	})
	if err == nil {
		s.log.Trace().Str("key", key).Int("flags", len(flagKeys)).Msg("Cache delete")
	}
	return err
}

// flagFields returns the flag field names (i.e. flag set keys) of a record.
func (s *RedisIndex) flagFields(ctx context.Context, key string) ([]string, error) {
	names, err := s.client.HKeys(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	flagKeys := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := s.codec.Strip(name, cachekey.TypeFlag); ok {
			flagKeys = append(flagKeys, name)
		}
	}
	return flagKeys, nil
}

func (s *RedisIndex) Lock(ctx context.Context, hash string) (bool, error) {
	key := s.codec.LockKey(hash)
	if s.client == nil {
		return false, s.fail("lock", key, ErrUnavailable)
	}
	ok, err := s.client.SetNX(ctx, key, 1, LockTTL).Result()
	if err != nil {
		return false, s.fail("lock", key, err)
	}
	s.log.Trace().Str("key", key).Bool("acquired", ok).Msg("Lock")
	return ok, nil
}

func (s *RedisIndex) Unlock(ctx context.Context, hash string) error {
	key := s.codec.LockKey(hash)
	if s.client == nil {
		return s.fail("unlock", key, ErrUnavailable)
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return s.fail("unlock", key, err)
	}
	return nil
}

func (s *RedisIndex) CacheKeysByFlag(ctx context.Context, flag string) ([]string, error) {
	if s.client == nil {
		return nil, s.fail("keys", flag, ErrUnavailable)
	}
	keys, err := s.keysByFlag(ctx, flag)
	if err != nil {
		return nil, s.fail("keys", flag, err)
	}
	return keys, nil
}

func (s *RedisIndex) keysByFlag(ctx context.Context, flag string) ([]string, error) {
	if !cachekey.HasWildcard(flag) {
		keys, err := s.client.SMembers(ctx, s.codec.FlagKey(flag)).Result()
		sort.Strings(keys)
		return keys, err
	}
	flagKeys, err := s.scan(ctx, s.codec.FlagPattern(flag))
	if err != nil || len(flagKeys) == 0 {
		return nil, err
	}
	cmds := make([]*redis.StringSliceCmd, 0, len(flagKeys))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, flagKey := range flagKeys {
			cmds = append(cmds, pipe.SMembers(ctx, flagKey))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, cmd := range cmds {
		keys = append(keys, cmd.Val()...)
	}
	return cachekey.SortedFlags(keys), nil
}

// scan collects all keys matching the pattern.
func (s *RedisIndex) scan(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (s *RedisIndex) ClearCacheBySets(ctx context.Context, sets Sets, ttl int64) error {
	if s.client == nil {
		return s.fail("clear", "", ErrUnavailable)
	}
	var firstErr error
	remember := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}
	for _, flag := range sets.Deleted {
		keys, err := s.keysByFlag(ctx, flag)
		if err != nil {
			remember(err)
			continue
		}
		for _, key := range keys {
			if err := s.deleteKey(ctx, key); err != nil {
				remember(err)
			}
		}
		s.log.Debug().Str("flag", flag).Int("entries", len(keys)).Msg("Deleted by flag")
	}
	for _, flag := range sets.Expired {
		keys, err := s.keysByFlag(ctx, flag)
		if err != nil {
			remember(err)
			continue
		}
		for _, key := range keys {
			if err := s.expireKey(ctx, key, ttl); err != nil {
				remember(err)
			}
		}
		s.log.Debug().Str("flag", flag).Int("entries", len(keys)).Msg("Expired by flag")
	}
	if firstErr != nil {
		return s.fail("clear", "", firstErr)
	}
	return nil
}

// expireKey rewinds the updated timestamp of an unlocked record so it is
// stale from now on, keeping its content as fallback during regeneration.
func (s *RedisIndex) expireKey(ctx context.Context, key string, ttl int64) error {
	hash, ok := s.codec.Strip(key, cachekey.TypeCache)
	if !ok {
		return nil
	}
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		locked, err := tx.Exists(ctx, s.codec.LockKey(hash)).Result()
		if err != nil {
			return err
		}
		if locked > 0 {
			s.log.Trace().Str("key", key).Msg("Not expiring locked entry")
			return nil
		}
		data, err := tx.HGet(ctx, key, fieldData).Bytes()
		if err == redis.Nil {
			return nil
		} else if err != nil {
			return err
		}
		entry, err := cacheentry.FromStorage(data)
		if err != nil {
			return &malformedError{err}
		}
		rewind := ttl
		if entry.CustomTTL != nil {
			rewind = *entry.CustomTTL
		}
		// one second past the ttl, staleness is strict
		entry.Updated = s.now().Unix() - rewind - 1
		payload, err := entry.ToStorage()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldData, payload, fieldSize, len(payload))
			return nil
		})
		return err
	}, key, s.codec.LockKey(hash))
	if errors.Is(err, redis.TxFailedErr) {
		// the record changed or got locked under us, a fresh write wins
		s.log.Trace().Str("key", key).Msg("Record changed while expiring")
		return nil
	}
	return err
}

func (s *RedisIndex) CleanupExpiredFlags(ctx context.Context) (int, error) {
	if s.client == nil {
		return 0, s.fail("cleanup", "", ErrUnavailable)
	}
	flagKeys, err := s.scan(ctx, s.codec.FlagPattern("*"))
	if err != nil {
		return 0, s.fail("cleanup", "", err)
	}
	removed := 0
	for _, flagKey := range flagKeys {
		members, err := s.client.SMembers(ctx, flagKey).Result()
		if err != nil {
			return removed, s.fail("cleanup", flagKey, err)
		}
		exists := make([]*redis.IntCmd, len(members))
		_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, member := range members {
				exists[i] = pipe.Exists(ctx, member)
			}
			return nil
		})
		if err != nil {
			return removed, s.fail("cleanup", flagKey, err)
		}
		dangling := make([]interface{}, 0)
		for i, cmd := range exists {
			if cmd.Val() == 0 {
				dangling = append(dangling, members[i])
			}
		}
		if len(dangling) == 0 {
			continue
		}
		n, err := s.client.SRem(ctx, flagKey, dangling...).Result()
		if err != nil {
			return removed, s.fail("cleanup", flagKey, err)
		}
		removed += int(n)
	}
	s.log.Debug().Int("flags", len(flagKeys)).Int("removed", removed).Msg("Flag cleanup done")
	return removed, nil
}

func (s *RedisIndex) CacheSize(ctx context.Context, pattern string) (Size, error) {
	var size Size
	if s.client == nil {
		return size, s.fail("size", pattern, ErrUnavailable)
	}
	var keys []string
	var err error
	if pattern == "" {
		keys, err = s.entryKeys(ctx)
	} else {
		keys, err = s.keysByFlag(ctx, pattern)
	}
	if err != nil {
		return size, s.fail("size", pattern, err)
	}
	cmds := make([]*redis.StringCmd, len(keys))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGet(ctx, key, fieldSize)
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return size, s.fail("size", pattern, err)
	}
	size.Count = len(keys)
	for _, cmd := range cmds {
		if n, err := strconv.ParseInt(cmd.Val(), 10, 64); err == nil {
			size.Bytes += n
		}
	}
	return size, nil
}

// entryKeys returns all record keys, without locks.
func (s *RedisIndex) entryKeys(ctx context.Context) ([]string, error) {
	all, err := s.scan(ctx, s.codec.EntryPattern())
	if err != nil {
		return nil, err
	}
	keys := all[:0]
	for _, key := range all {
		if !s.codec.IsLockKey(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *RedisIndex) Purge(ctx context.Context) (int, error) {
	if s.client == nil {
		return 0, s.fail("purge", "", ErrUnavailable)
	}
	keys, err := s.scan(ctx, s.codec.AllPattern())
	if err != nil {
		return 0, s.fail("purge", "", err)
	}
	for start := 0; start < len(keys); start += scanCount {
		end := start + scanCount
		if end > len(keys) {
			end = len(keys)
		}
		if err := s.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return start, s.fail("purge", "", err)
		}
	}
	s.log.Info().Int("keys", len(keys)).Msg("Purged cache")
	return len(keys), nil
}

// fail wraps and logs a backend error.
func (s *RedisIndex) fail(op, key string, err error) error {
	se := newStorageError(op, key, err)
	s.log.Error().Err(err).Str("op", op).Str("key", key).Str("kind", se.Kind.String()).Msg("Cache backend error")
	return se
}

// difference returns the elements of a not in b.
func difference(a, b []string) []string {
	in := make(map[string]struct{}, len(b))
	for _, s := range b {
		in[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := in[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
