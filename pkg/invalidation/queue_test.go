package invalidation

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/always-cache/pagecache/cache"
	cachetags "github.com/always-cache/pagecache/pkg/cache-tags"
)

// recordingIndex records clearing calls, other methods are not used.
type recordingIndex struct {
	cache.FlagIndex
	calls []cache.Sets
	ttls  []int64
	err   error
}

func (r *recordingIndex) ClearCacheBySets(ctx context.Context, sets cache.Sets, ttl int64) error {
	r.calls = append(r.calls, sets)
	r.ttls = append(r.ttls, ttl)
	return r.err
}

func TestQueueFlushesOnce(t *testing.T) {
	idx := &recordingIndex{}
	q := NewQueue(idx, 3600, logger)
	q.AddToExpire("post:1", "feed")
	q.AddToExpire("post:2", "feed")
	q.AddToDelete("url:abc")

	if err := q.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(idx.calls) != 1 || idx.ttls[0] != 3600 {
		t.Fatalf("Calls are %+v", idx.calls)
	}
	expected := cache.Sets{Deleted: []string{"url:abc"}, Expired: []string{"post:1", "feed", "post:2"}}
	if !reflect.DeepEqual(idx.calls[0], expected) {
		t.Fatalf("Sets are %+v", idx.calls[0])
	}

	// empty queue does not call the index
	if err := q.Flush(context.Background()); err != nil || len(idx.calls) != 1 {
		t.Fatalf("Second flush called index: %d calls, %v", len(idx.calls), err)
	}
}

func TestQueueDeleteWins(t *testing.T) {
	q := NewQueue(&recordingIndex{}, 3600, logger)
	q.AddToExpire("post:1", "feed")
	q.AddToDelete("post:1")
	q.Add(cachetags.ModeExpire, "post:1")

	pending := q.Pending()
	if !reflect.DeepEqual(pending.Deleted, []string{"post:1"}) || !reflect.DeepEqual(pending.Expired, []string{"feed"}) {
		t.Fatalf("Pending is %+v", pending)
	}
}

func TestQueueClearedOnFailure(t *testing.T) {
	idx := &recordingIndex{err: errors.New("down")}
	q := NewQueue(idx, 3600, logger)
	var observed error
	q.OnFlush = func(sets cache.Sets, err error) { observed = err }
	q.Add(cachetags.ModeDelete, "post:1")

	if err := q.Execute(context.Background()); err == nil || observed == nil {
		t.Fatal("Backend error not reported")
	}
	if pending := q.Pending(); len(pending.Deleted) != 0 || len(pending.Expired) != 0 {
		t.Fatalf("Queue not cleared: %+v", pending)
	}
	q.FlushOnShutdown(context.Background())
	if len(idx.calls) != 1 {
		t.Fatalf("Index called %d times", len(idx.calls))
	}
}

func TestQueueContext(t *testing.T) {
	q := NewQueue(&recordingIndex{}, 60, logger)
	ctx := NewContext(context.Background(), q)
	if got, ok := FromContext(ctx); !ok || got != q {
		t.Fatal("Queue not in context")
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("Queue in empty context")
	}
}
