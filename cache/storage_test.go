package cache

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	cacheentry "github.com/always-cache/pagecache/pkg/cache-entry"
	cachekey "github.com/always-cache/pagecache/pkg/cache-key"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.InfoLevel)

func newTestIndex(t *testing.T) (*RedisIndex, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisIndex(client, cachekey.NewCodec("test"), logger), mr
}

func testEntry(updated int64) cacheentry.Entry {
	return cacheentry.Entry{
		Output:  []byte("Hello world"),
		Headers: []string{"Content-Type: text/plain"},
		Status:  200,
		Updated: updated,
	}
}

func TestSetAndGet(t *testing.T) {
	idx, mr := newTestIndex(t)
	ctx := context.Background()
	entry := testEntry(100)

	if err := idx.SetCache(ctx, "h1", entry, []string{"post:1", "feed", "post:1"}, time.Hour); err != nil {
		t.Fatal(err)
	}
	record, err := idx.GetCache(ctx, "h1")
	if err != nil || record == nil {
		t.Fatalf("Record %v, error %v", record, err)
	}
	if !reflect.DeepEqual(record.Entry, entry) {
		t.Fatalf("Entry is %+v", record.Entry)
	}
	if !reflect.DeepEqual(record.Flags, []string{"feed", "post:1"}) {
		t.Fatalf("Flags are %v", record.Flags)
	}
	if record.Locked || record.Size == 0 || record.Key != "test:c:h1" {
		t.Fatalf("Record is %+v", record)
	}
	if ttl := mr.TTL("test:c:h1"); ttl != time.Hour {
		t.Fatalf("TTL is %s", ttl)
	}
	if v := mr.HGet("test:c:h1", "test:f:post:1"); v != "1" {
		t.Fatalf("Flag field is %q", v)
	}
}

func TestGetMiss(t *testing.T) {
	idx, _ := newTestIndex(t)
	record, err := idx.GetCache(context.Background(), "nope")
	if record != nil || err != nil {
		t.Fatalf("Record %v, error %v", record, err)
	}
}

func TestGetMalformed(t *testing.T) {
	idx, mr := newTestIndex(t)
	mr.HSet("test:c:bad", "data", "garbage")
	_, err := idx.GetCache(context.Background(), "bad")
	var se *StorageError
	if !errors.As(err, &se) || se.Kind != KindMalformed {
		t.Fatalf("Error is %v", err)
	}
}

func TestFlagsIndexBothWays(t *testing.T) {
	idx, mr := newTestIndex(t)
	ctx := context.Background()
	flags := []string{"post:1", "archive:post"}
	idx.SetCache(ctx, "h1", testEntry(1), flags, time.Hour)
	idx.SetCache(ctx, "h2", testEntry(1), []string{"post:1"}, time.Hour)

	for _, flag := range flags {
		keys, err := idx.CacheKeysByFlag(ctx, flag)
		if err != nil {
			t.Fatal(err)
		}
		if !contains(keys, "test:c:h1") {
			t.Fatalf("Keys for %s are %v", flag, keys)
		}
	}

	if err := idx.DeleteCache(ctx, "h1"); err != nil {
		t.Fatal(err)
	}
	if mr.Exists("test:c:h1") {
		t.Fatal("Record still exists")
	}
	keys, _ := idx.CacheKeysByFlag(ctx, "post:1")
	if !reflect.DeepEqual(keys, []string{"test:c:h2"}) {
		t.Fatalf("Keys are %v", keys)
	}
	if mr.Exists("test:f:archive:post") {
		t.Fatal("Empty flag set still exists")
	}
	if keys, _ := idx.CacheKeysByFlag(ctx, "archive:*"); len(keys) != 0 {
		t.Fatalf("Pattern found %v", keys)
	}
}

func TestReplaceDropsOldFlags(t *testing.T) {
	idx, mr := newTestIndex(t)
	ctx := context.Background()
	idx.SetCache(ctx, "h1", testEntry(1), []string{"post:1", "feed"}, time.Hour)
	idx.SetCache(ctx, "h1", testEntry(2), []string{"post:2", "feed"}, time.Hour)

	record, _ := idx.GetCache(ctx, "h1")
	if !reflect.DeepEqual(record.Flags, []string{"feed", "post:2"}) {
		t.Fatalf("Flags are %v", record.Flags)
	}
	if mr.Exists("test:f:post:1") {
		t.Fatal("Old flag set still exists")
	}
}

func TestWildcardFlagsAreNotStored(t *testing.T) {
	idx, mr := newTestIndex(t)
	idx.SetCache(context.Background(), "h1", testEntry(1), []string{"1:*", "post:1"}, time.Hour)
	if mr.Exists("test:f:1:*") {
		t.Fatal("Wildcard flag stored")
	}
}

func TestWildcardLookupUnion(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	idx.SetCache(ctx, "h1", testEntry(1), []string{"1:post:1", "1:feed"}, time.Hour)
	idx.SetCache(ctx, "h2", testEntry(1), []string{"1:post:2"}, time.Hour)
	idx.SetCache(ctx, "h3", testEntry(1), []string{"2:post:1"}, time.Hour)

	keys, err := idx.CacheKeysByFlag(ctx, "1:*")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(keys, []string{"test:c:h1", "test:c:h2"}) {
		t.Fatalf("Keys are %v", keys)
	}
	keys, _ = idx.CacheKeysByFlag(ctx, "?:post:1")
	if !reflect.DeepEqual(keys, []string{"test:c:h1", "test:c:h3"}) {
		t.Fatalf("Keys are %v", keys)
	}
}

func TestLock(t *testing.T) {
	idx, mr := newTestIndex(t)
	ctx := context.Background()
	if ok, err := idx.Lock(ctx, "h1"); !ok || err != nil {
		t.Fatalf("First lock %v %v", ok, err)
	}
	if ok, err := idx.Lock(ctx, "h1"); ok || err != nil {
		t.Fatalf("Second lock %v %v", ok, err)
	}
	if ttl := mr.TTL("test:c:h1-lock"); ttl != LockTTL {
		t.Fatalf("Lock TTL is %s", ttl)
	}
	idx.SetCache(ctx, "h1", testEntry(1), nil, time.Hour)
	if record, _ := idx.GetCache(ctx, "h1"); !record.Locked {
		t.Fatal("Record not reported locked")
	}
	if err := idx.Unlock(ctx, "h1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := idx.Lock(ctx, "h1"); !ok {
		t.Fatal("Could not lock after unlock")
	}
	mr.FastForward(LockTTL + time.Second)
	if ok, _ := idx.Lock(ctx, "h1"); !ok {
		t.Fatal("Lock did not expire")
	}
}

func TestClearBySets(t *testing.T) {
	idx, mr := newTestIndex(t)
	now := time.Unix(1700000000, 0)
	idx.WithClock(func() time.Time { return now })
	ctx := context.Background()
	idx.SetCache(ctx, "fresh", testEntry(now.Unix()), []string{"post:1"}, time.Hour)
	idx.SetCache(ctx, "locked", testEntry(now.Unix()), []string{"post:1"}, time.Hour)
	idx.SetCache(ctx, "gone", testEntry(now.Unix()), []string{"post:2"}, time.Hour)
	idx.Lock(ctx, "locked")

	err := idx.ClearCacheBySets(ctx, Sets{
		Expired: []string{"post:1"},
		Deleted: []string{"post:2"},
	}, 3600)
	if err != nil {
		t.Fatal(err)
	}

	record, _ := idx.GetCache(ctx, "fresh")
	if record.Entry.Updated != now.Unix()-3601 {
		t.Fatalf("Updated is %d", record.Entry.Updated)
	}
	if !reflect.DeepEqual(record.Entry.Output, []byte("Hello world")) {
		t.Fatal("Expire changed content")
	}
	record, _ = idx.GetCache(ctx, "locked")
	if record.Entry.Updated != now.Unix() {
		t.Fatal("Locked entry was expired")
	}
	if mr.Exists("test:c:gone") || mr.Exists("test:f:post:2") {
		t.Fatal("Deleted entry still exists")
	}
}

// lockAfterRead takes the lock of a record right after the record data is read.
type lockAfterRead struct {
	mr   *miniredis.Miniredis
	key  string
	lock string
}

func (h lockAfterRead) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h lockAfterRead) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (h lockAfterRead) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if args := cmd.Args(); cmd.Name() == "hget" && len(args) > 1 && args[1] == h.key {
			h.mr.Set(h.lock, "1")
		}
		return err
	}
}

func TestExpireSkipsEntryLockedDuringRead(t *testing.T) {
	idx, mr := newTestIndex(t)
	now := time.Unix(1700000000, 0)
	idx.WithClock(func() time.Time { return now })
	ctx := context.Background()
	idx.SetCache(ctx, "h1", testEntry(now.Unix()), []string{"post:1"}, time.Hour)
	idx.client.AddHook(lockAfterRead{mr: mr, key: "test:c:h1", lock: "test:c:h1-lock"})

	if err := idx.ClearCacheBySets(ctx, Sets{Expired: []string{"post:1"}}, 3600); err != nil {
		t.Fatal(err)
	}
	record, _ := idx.GetCache(ctx, "h1")
	if record == nil || !record.Locked {
		t.Fatalf("Record is %+v", record)
	}
	if record.Entry.Updated != now.Unix() {
		t.Fatal("Entry locked while expiring was rewound")
	}
}

func TestCleanupExpiredFlags(t *testing.T) {
	idx, mr := newTestIndex(t)
	ctx := context.Background()
	idx.SetCache(ctx, "short", testEntry(1), []string{"post:1", "feed"}, 10*time.Second)
	idx.SetCache(ctx, "long", testEntry(1), []string{"feed"}, time.Hour)
	mr.FastForward(11 * time.Second)

	removed, err := idx.CleanupExpiredFlags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("Removed %d", removed)
	}
	if mr.Exists("test:f:post:1") {
		t.Fatal("Empty flag set still exists")
	}
	keys, _ := idx.CacheKeysByFlag(ctx, "feed")
	if !reflect.DeepEqual(keys, []string{"test:c:long"}) {
		t.Fatalf("Keys are %v", keys)
	}
}

func TestCacheSize(t *testing.T) {
	idx, mr := newTestIndex(t)
	ctx := context.Background()
	idx.SetCache(ctx, "h1", testEntry(1), []string{"post:1"}, time.Hour)
	idx.SetCache(ctx, "h2", testEntry(1), []string{"post:2"}, time.Hour)
	idx.Lock(ctx, "h1")
	single := mr.HGet("test:c:h1", "size")

	size, err := idx.CacheSize(ctx, "post:1")
	if err != nil || size.Count != 1 || single == "" {
		t.Fatalf("Size %+v, error %v", size, err)
	}
	all, err := idx.CacheSize(ctx, "")
	if err != nil || all.Count != 2 || all.Bytes != 2*size.Bytes {
		t.Fatalf("Size %+v, error %v", all, err)
	}

	mr.HSet("test:c:h2", "size", "not a number")
	all, _ = idx.CacheSize(ctx, "post:*")
	if all.Count != 2 || all.Bytes != size.Bytes {
		t.Fatalf("Size %+v", all)
	}
}

func TestPurge(t *testing.T) {
	idx, mr := newTestIndex(t)
	ctx := context.Background()
	idx.SetCache(ctx, "h1", testEntry(1), []string{"post:1"}, time.Hour)
	idx.Lock(ctx, "h1")
	mr.Set("other:key", "keep")

	n, err := idx.Purge(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Purged %d, error %v", n, err)
	}
	if !mr.Exists("other:key") {
		t.Fatal("Purged key outside prefix")
	}
}

func TestUnavailable(t *testing.T) {
	idx := NewRedisIndex(nil, cachekey.NewCodec("test"), logger)
	ctx := context.Background()
	if _, err := idx.GetCache(ctx, "h1"); !IsUnavailable(err) {
		t.Fatalf("Error is %v", err)
	}
	if ok, err := idx.Lock(ctx, "h1"); ok || !IsUnavailable(err) {
		t.Fatalf("Lock %v, error %v", ok, err)
	}
	if err := idx.SetCache(ctx, "h1", testEntry(1), nil, time.Hour); !IsUnavailable(err) {
		t.Fatalf("Error is %v", err)
	}
}

func TestClosedClientIsUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	idx := NewRedisIndex(client, cachekey.NewCodec("test"), logger)
	client.Close()
	if _, err := idx.GetCache(context.Background(), "h1"); !IsUnavailable(err) {
		t.Fatalf("Error is %v", err)
	}
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
