package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
)

func recv(t *testing.T, sub Subscription) Snapshot {
	t.Helper()
	select {
	case s, ok := <-sub.Updates():
		require.True(t, ok, "subscription closed")
		return s
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
	return Snapshot{}
}

func TestMemoryGetPutDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "users", "u1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, m.Put(ctx, "users", "u1", Document{"username": "ann"}))
	doc, err := m.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "ann", doc["username"])
	assert.Equal(t, "u1", doc.ID())

	// returned documents are copies
	doc["username"] = "mutated"
	again, _ := m.Get(ctx, "users", "u1")
	assert.Equal(t, "ann", again["username"])

	require.NoError(t, m.Delete(ctx, "users", "u1"))
	_, err = m.Get(ctx, "users", "u1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	require.NoError(t, m.Delete(ctx, "users", "u1"))
}

func TestMemoryCreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	created, err := m.Create(ctx, "chats", "c1", Document{"n": 1})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = m.Create(ctx, "chats", "c1", Document{"n": 2})
	require.NoError(t, err)
	assert.False(t, created)

	doc, _ := m.Get(ctx, "chats", "c1")
	assert.Equal(t, 1, doc["n"])
}

func TestMemoryTargetedUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "userchats", "u1", Document{
		"chats": map[string]any{
			"c1": map[string]any{"last_message": "a", "is_seen": true},
			"c2": map[string]any{"last_message": "b", "is_seen": true},
		},
	}))

	require.NoError(t, m.Update(ctx, "userchats", "u1", Update{
		Path("chats", "c1", "last_message"): "hello",
		Path("chats", "c1", "is_seen"):      false,
		Path("chats", "c3", "is_seen"):      true,
	}))
	doc, _ := m.Get(ctx, "userchats", "u1")
	chats := doc["chats"].(map[string]any)
	assert.Equal(t, map[string]any{"last_message": "hello", "is_seen": false}, chats["c1"])
	assert.Equal(t, map[string]any{"last_message": "b", "is_seen": true}, chats["c2"])
	assert.Equal(t, map[string]any{"is_seen": true}, chats["c3"])

	require.NoError(t, m.Update(ctx, "userchats", "u1", Update{Path("chats", "c2"): Remove}))
	doc, _ = m.Get(ctx, "userchats", "u1")
	assert.NotContains(t, doc["chats"].(map[string]any), "c2")

	err := m.Update(ctx, "userchats", "missing", Update{"x": 1})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	err = m.Update(ctx, "userchats", "u1", Update{"a..b": 1})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	err = m.Update(ctx, "userchats", "u1", Update{"_id": "x"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestMemoryConcurrentTargetedUpdatesDoNotClobber(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "userchats", "u1", Document{"chats": map[string]any{}}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cid := fmt.Sprintf("c%d", i)
			assert.NoError(t, m.Update(ctx, "userchats", "u1", Update{Path("chats", cid, "n"): i}))
		}(i)
	}
	wg.Wait()

	doc, _ := m.Get(ctx, "userchats", "u1")
	assert.Len(t, doc["chats"].(map[string]any), 50)
}

func TestMemoryQueryOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i, ts := range []int64{30, 10, 20} {
		require.NoError(t, m.Put(ctx, "messages", fmt.Sprintf("m%d", i), Document{"conversation_id": "c1", "created_at": ts}))
	}
	require.NoError(t, m.Put(ctx, "messages", "other", Document{"conversation_id": "c2", "created_at": int64(5)}))

	docs, err := m.Query(ctx, Query{Collection: "messages", Field: "conversation_id", Value: "c1", OrderBy: "created_at"})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, []any{int64(10), int64(20), int64(30)}, []any{docs[0]["created_at"], docs[1]["created_at"], docs[2]["created_at"]})

	docs, _ = m.Query(ctx, Query{Collection: "messages", Field: "conversation_id", Value: "c1", OrderBy: "created_at", Desc: true})
	assert.Equal(t, int64(30), docs[0]["created_at"])

	n, err := m.DeleteWhere(ctx, Query{Collection: "messages", Field: "conversation_id", Value: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	docs, _ = m.Query(ctx, Query{Collection: "messages"})
	assert.Len(t, docs, 1)
}

func TestMemoryWatchDoc(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	sub, err := m.WatchDoc(ctx, "groups", "g1")
	require.NoError(t, err)
	defer sub.Close()

	assert.Empty(t, recv(t, sub).Docs)

	require.NoError(t, m.Put(ctx, "groups", "g1", Document{"name": "go"}))
	snap := recv(t, sub)
	require.Len(t, snap.Docs, 1)
	assert.Equal(t, "go", snap.Docs[0]["name"])

	require.NoError(t, m.Delete(ctx, "groups", "g1"))
	assert.Empty(t, recv(t, sub).Docs)
}

func TestMemoryWatchQueryKeepsLatest(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	q := Query{Collection: "messages", Field: "conversation_id", Value: "c1", OrderBy: "created_at"}

	sub, err := m.WatchQuery(ctx, q)
	require.NoError(t, err)
	defer sub.Close()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, m.Put(ctx, "messages", fmt.Sprint(i), Document{"conversation_id": "c1", "created_at": i}))
	}
	// the mailbox holds only the newest full snapshot
	assert.Len(t, recv(t, sub).Docs, 5)
}

func TestMemoryWatchCloseAndFail(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory()

	sub, err := m.WatchQuery(ctx, Query{Collection: "messages"})
	require.NoError(t, err)
	recv(t, sub)
	assert.Equal(t, 1, m.Watchers())

	m.Fail("messages", apperr.ErrPermission)
	assert.ErrorIs(t, recv(t, sub).Err, apperr.ErrPermission)

	sub.Close()
	sub.Close()
	_, open := <-sub.Updates()
	assert.False(t, open)
	assert.Equal(t, 0, m.Watchers())

	sub2, err := m.WatchDoc(ctx, "users", "u1")
	require.NoError(t, err)
	recv(t, sub2)
	cancel()
	assert.Eventually(t, func() bool { return m.Watchers() == 0 }, time.Second, 5*time.Millisecond)
}

type flaky struct {
	*Memory
	failures int
	calls    int
	err      error
}

func (f *flaky) Update(ctx context.Context, collection, id string, u Update) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return f.Memory.Update(ctx, collection, id, u)
}

func TestRetryingRetriesNetworkErrors(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	require.NoError(t, mem.Put(ctx, "users", "u1", Document{}))

	f := &flaky{Memory: mem, failures: 2, err: fmt.Errorf("write: %w", apperr.ErrNetwork)}
	r := WithRetry(f, RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)

	require.NoError(t, r.Update(ctx, "users", "u1", Update{"status": "online"}))
	assert.Equal(t, 3, f.calls)
}

func TestRetryingGivesUp(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	require.NoError(t, mem.Put(ctx, "users", "u1", Document{}))

	f := &flaky{Memory: mem, failures: 100, err: apperr.ErrNetwork}
	r := WithRetry(f, RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)
	err := r.Update(ctx, "users", "u1", Update{"status": "online"})
	assert.ErrorIs(t, err, apperr.ErrNetwork)
	assert.Equal(t, 3, f.calls)
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	ctx := context.Background()
	f := &flaky{Memory: NewMemory(), failures: 100, err: apperr.ErrPermission}
	r := WithRetry(f, RetryPolicy{MaxRetries: 5, InitialInterval: time.Millisecond}, nil)
	err := r.Update(ctx, "users", "u1", Update{"status": "online"})
	assert.True(t, errors.Is(err, apperr.ErrPermission))
	assert.Equal(t, 1, f.calls)
}

func TestNormalizeDriverTypes(t *testing.T) {
	doc := fromBSON(map[string]any{
		"n":    int32(4),
		"list": []any{int32(1), "x"},
	})
	assert.Equal(t, int64(4), doc["n"])
	assert.Equal(t, []any{int64(1), "x"}, doc["list"])
}

func TestWatchPipelineFiltersByQueryField(t *testing.T) {
	assert.Empty(t, watchPipeline(Query{Collection: "messages"}))

	p := watchPipeline(Query{Collection: "messages", Field: "conversation_id", Value: "c1"})
	require.Len(t, p, 1)
	assert.Equal(t, "$match", p[0][0].Key)

	match, ok := p[0][0].Value.(bson.D)
	require.True(t, ok)
	require.Len(t, match, 1)
	assert.Equal(t, "$or", match[0].Key)
	assert.Equal(t, bson.A{
		bson.D{{Key: "fullDocument.conversation_id", Value: "c1"}},
		bson.D{{Key: "operationType", Value: "delete"}},
		bson.D{{Key: "fullDocument", Value: nil}},
	}, match[0].Value)
}
