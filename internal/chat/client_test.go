package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/groups"
	"github.com/fathima-sithara/chat-sync/internal/roster"
	"github.com/fathima-sithara/chat-sync/internal/session"
	"github.com/fathima-sithara/chat-sync/internal/store"
	"github.com/fathima-sithara/chat-sync/internal/users"
)

const wait = 2 * time.Second

type recordingView struct {
	mu      sync.Mutex
	feed    *FeedView
	state   StateView
	peer    *ProfileView
	notices []string
}

func (v *recordingView) Feed(f FeedView) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.feed = &f
}

func (v *recordingView) State(s StateView) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = s
}

func (v *recordingView) Counterpart(p ProfileView) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.peer = &p
}

// waitCounterpart blocks until the shown counterpart satisfies ok.
func (v *recordingView) waitCounterpart(t *testing.T, ok func(ProfileView) bool) ProfileView {
	t.Helper()
	var got ProfileView
	require.Eventually(t, func() bool {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.peer == nil || !ok(*v.peer) {
			return false
		}
		got = *v.peer
		return true
	}, wait, 5*time.Millisecond)
	return got
}

func (v *recordingView) Notice(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notices = append(v.notices, text)
}

func (v *recordingView) lastFeed() (FeedView, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.feed == nil {
		return FeedView{}, false
	}
	return *v.feed, true
}

func (v *recordingView) lastNotice() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.notices) == 0 {
		return ""
	}
	return v.notices[len(v.notices)-1]
}

// waitFeed blocks until the view shows conversationID with n messages.
func (v *recordingView) waitFeed(t *testing.T, conversationID string, n int) FeedView {
	t.Helper()
	var got FeedView
	require.Eventually(t, func() bool {
		f, ok := v.lastFeed()
		if !ok || f.ConversationID != conversationID || len(f.Messages) != n {
			return false
		}
		got = f
		return true
	}, wait, 5*time.Millisecond)
	return got
}

// failingUsers fails writes to the users collection while armed.
type failingUsers struct {
	store.Store
	armed atomic.Bool
}

func (f *failingUsers) Update(ctx context.Context, collection, id string, u store.Update) error {
	if collection == domain.Users && f.armed.Load() {
		return apperr.ErrNetwork
	}
	return f.Store.Update(ctx, collection, id, u)
}

type harness struct {
	store  store.Store
	mem    *store.Memory
	deps   Deps
	groups *groups.Manager
	roster *roster.Manager
}

func newHarness(t *testing.T, s store.Store, mem *store.Memory, ids ...string) *harness {
	t.Helper()
	dir := users.NewDirectory(s, nil)
	for _, id := range ids {
		_, err := dir.Register(context.Background(), domain.User{ID: id, Username: id})
		require.NoError(t, err)
	}
	r := roster.NewManager(s, dir)
	g := groups.NewManager(s)
	return &harness{
		store:  s,
		mem:    mem,
		groups: g,
		roster: r,
		deps: Deps{
			Store:    s,
			Users:    dir,
			Roster:   r,
			Groups:   g,
			Composer: NewComposer(s, r),
		},
	}
}

func memHarness(t *testing.T, ids ...string) *harness {
	mem := store.NewMemory()
	return newHarness(t, mem, mem, ids...)
}

func (h *harness) client(t *testing.T, id string) (*Client, *recordingView) {
	v := &recordingView{}
	c := NewClient(id, h.deps, v)
	t.Cleanup(c.Close)
	return c, v
}

func (h *harness) messageCount(t *testing.T, cid string) int {
	docs, err := h.store.Query(context.Background(), store.Query{Collection: domain.Messages, Field: "conversation_id", Value: cid})
	require.NoError(t, err)
	return len(docs)
}

func TestClientConversation(t *testing.T) {
	ctx := context.Background()
	h := memHarness(t, "A", "B")
	a, av := h.client(t, "A")
	b, bv := h.client(t, "B")

	cid, err := a.StartConversation(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, session.Active, a.Session().State())
	av.waitFeed(t, cid, 0)

	_, err = a.Send(ctx, "hi", nil)
	require.NoError(t, err)
	f := av.waitFeed(t, cid, 1)
	assert.Equal(t, "hi", f.Messages[0].Text)
	assert.True(t, f.Messages[0].Mine)

	r, err := h.roster.Get(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "hi", r.Chats[cid].LastMessage)
	assert.False(t, r.Chats[cid].IsSeen)

	require.NoError(t, b.SelectConversation(ctx, "A"))
	f = bv.waitFeed(t, cid, 1)
	assert.Equal(t, "hi", f.Messages[0].Text)
	assert.False(t, f.Messages[0].Mine)

	r, err = h.roster.Get(ctx, "B")
	require.NoError(t, err)
	assert.True(t, r.Chats[cid].IsSeen)

	_, err = b.Send(ctx, "hello back", nil)
	require.NoError(t, err)
	f = av.waitFeed(t, cid, 2)
	assert.Equal(t, "hello back", f.Messages[1].Text)
}

func TestClientSelfConversation(t *testing.T) {
	h := memHarness(t, "A")
	a, av := h.client(t, "A")
	_, err := a.StartConversation(context.Background(), "A")
	assert.ErrorIs(t, err, apperr.ErrSelfConversation)
	assert.Equal(t, "you can't start a conversation with yourself", av.lastNotice())
}

func TestClientBlockGating(t *testing.T) {
	ctx := context.Background()
	h := memHarness(t, "A", "B")
	a, av := h.client(t, "A")
	b, bv := h.client(t, "B")

	cid, err := a.StartConversation(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, a.ToggleBlock(ctx))
	assert.Equal(t, session.BlockedBySelf, a.Session().State())

	_, err = a.Send(ctx, "hi", nil)
	assert.ErrorIs(t, err, apperr.ErrSendNotAllowed)
	assert.Equal(t, "sending is disabled for this conversation", av.lastNotice())
	assert.Zero(t, h.messageCount(t, cid))

	require.NoError(t, b.SelectConversation(ctx, "A"))
	assert.Equal(t, session.BlockedByOther, b.Session().State())
	_, err = b.Send(ctx, "anyone?", nil)
	assert.ErrorIs(t, err, apperr.ErrSendNotAllowed)
	assert.Zero(t, h.messageCount(t, cid))
	assert.Equal(t, "sending is disabled for this conversation", bv.lastNotice())

	// B may not toggle out of a block placed by A
	assert.ErrorIs(t, b.ToggleBlock(ctx), apperr.ErrInvalidState)

	require.NoError(t, a.ToggleBlock(ctx))
	assert.Equal(t, session.Active, a.Session().State())
	_, err = a.Send(ctx, "sorry", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, h.messageCount(t, cid))
}

func TestClientToggleBlockRevert(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	fs := &failingUsers{Store: mem}
	h := newHarness(t, fs, mem, "A", "B")
	a, av := h.client(t, "A")

	_, err := a.StartConversation(ctx, "B")
	require.NoError(t, err)

	fs.armed.Store(true)
	err = a.ToggleBlock(ctx)
	assert.ErrorIs(t, err, apperr.ErrNetwork)
	assert.Equal(t, session.Active, a.Session().State())
	assert.Equal(t, "network problem, try again", av.lastNotice())

	bySelf, _, err := h.deps.Users.BlockRelation(ctx, "A", "B")
	require.NoError(t, err)
	assert.False(t, bySelf)
}

func TestClientDecryptFailure(t *testing.T) {
	ctx := context.Background()
	h := memHarness(t, "A", "B")
	a, av := h.client(t, "A")

	cid, err := a.StartConversation(ctx, "B")
	require.NoError(t, err)
	_, err = a.Send(ctx, "first", nil)
	require.NoError(t, err)

	bad := domain.Message{ConversationID: cid, SenderID: "B", Ciphertext: "bm90IGEgcmVhbCBjaXBoZXJ0ZXh0", CreatedAt: time.Now().Add(time.Hour).UnixMilli()}
	require.NoError(t, h.store.Put(ctx, domain.Messages, "bad", bad.Document()))

	f := av.waitFeed(t, cid, 2)
	assert.Equal(t, "first", f.Messages[0].Text)
	assert.False(t, f.Messages[0].Unavailable)
	assert.True(t, f.Messages[1].Unavailable)
	assert.Equal(t, Unavailable, f.Messages[1].Text)
}

func TestClientSwitchesFeed(t *testing.T) {
	ctx := context.Background()
	h := memHarness(t, "A", "B", "C")
	a, av := h.client(t, "A")

	ab, err := a.StartConversation(ctx, "B")
	require.NoError(t, err)
	ac, err := a.StartConversation(ctx, "C")
	require.NoError(t, err)
	av.waitFeed(t, ac, 0)
	// one feed plus one counterpart profile
	assert.Equal(t, 2, h.mem.Watchers())

	require.NoError(t, a.SelectConversation(ctx, "B"))
	av.waitFeed(t, ab, 0)
	assert.Equal(t, 2, h.mem.Watchers())

	// a send into the old conversation never reaches this view
	other := NewComposer(h.store, h.roster)
	_, err = other.Send(ctx, "C", directTarget("C", "A"), "psst", nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	f, _ := av.lastFeed()
	assert.Equal(t, ab, f.ConversationID)

	require.NoError(t, a.SelectConversation(ctx, ""))
	assert.Equal(t, session.Idle, a.Session().State())
	assert.Zero(t, h.mem.Watchers())
}

func TestClientFeedError(t *testing.T) {
	ctx := context.Background()
	h := memHarness(t, "A", "B")
	a, av := h.client(t, "A")

	cid, err := a.StartConversation(ctx, "B")
	require.NoError(t, err)
	_, err = a.Send(ctx, "hi", nil)
	require.NoError(t, err)
	av.waitFeed(t, cid, 1)

	h.mem.Fail(domain.Messages, errors.Join(apperr.ErrPermission, errors.New("revoked")))
	require.Eventually(t, func() bool {
		f, ok := av.lastFeed()
		return ok && f.Error != "" && len(f.Messages) == 0
	}, wait, 5*time.Millisecond)
	// only the counterpart profile watch is left
	require.Eventually(t, func() bool { return h.mem.Watchers() == 1 }, wait, 5*time.Millisecond)
}

func TestClientGroup(t *testing.T) {
	ctx := context.Background()
	h := memHarness(t, "A", "B")
	a, av := h.client(t, "A")
	b, bv := h.client(t, "B")

	g, err := h.groups.Create(ctx, "friends", "A", "Alice")
	require.NoError(t, err)

	err = b.SelectGroup(ctx, g.ID)
	assert.ErrorIs(t, err, apperr.ErrNotMember)
	assert.Equal(t, "you are not a member of this group", bv.lastNotice())
	assert.Equal(t, session.Idle, b.Session().State())

	require.NoError(t, a.SelectGroup(ctx, g.ID))
	_, err = a.Send(ctx, "welcome", nil)
	require.NoError(t, err)

	require.NoError(t, h.groups.Join(ctx, g.ID, "B", "Bob"))
	require.NoError(t, b.SelectGroup(ctx, g.ID))
	f := bv.waitFeed(t, g.ID, 1)
	assert.Equal(t, "welcome", f.Messages[0].Text)

	_, err = h.groups.Leave(ctx, g.ID, "B")
	require.NoError(t, err)
	_, err = b.Send(ctx, "bye", nil)
	assert.ErrorIs(t, err, apperr.ErrNotMember)
	av.waitFeed(t, g.ID, 1)
}

func TestClientClearConversation(t *testing.T) {
	ctx := context.Background()
	h := memHarness(t, "A", "B")
	a, av := h.client(t, "A")

	cid, err := a.StartConversation(ctx, "B")
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		_, err = a.Send(ctx, text, nil)
		require.NoError(t, err)
	}
	av.waitFeed(t, cid, 3)

	n, err := a.ClearConversation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	av.waitFeed(t, cid, 0)

	r, err := h.roster.Get(ctx, "B")
	require.NoError(t, err)
	assert.Contains(t, r.Chats, cid)
}

func TestClientClearNeedsDirect(t *testing.T) {
	h := memHarness(t, "A")
	a, _ := h.client(t, "A")
	_, err := a.ClearConversation(context.Background())
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestClientCounterpartPresence(t *testing.T) {
	ctx := context.Background()
	h := memHarness(t, "A", "B")
	a, av := h.client(t, "A")

	_, err := a.StartConversation(ctx, "B")
	require.NoError(t, err)
	p := av.waitCounterpart(t, func(p ProfileView) bool { return p.UserID == "B" })
	assert.Equal(t, "B", p.Username)
	assert.NotEqual(t, domain.StatusOnline, p.Status)

	require.NoError(t, h.deps.Users.SetStatus(ctx, "B", domain.StatusOnline, time.Now()))
	av.waitCounterpart(t, func(p ProfileView) bool { return p.Status == domain.StatusOnline })

	require.NoError(t, h.deps.Users.SetStatus(ctx, "B", domain.StatusOffline, time.UnixMilli(4242)))
	p = av.waitCounterpart(t, func(p ProfileView) bool { return p.Status == domain.StatusOffline })
	assert.Equal(t, int64(4242), p.LastSeen)

	require.NoError(t, a.SelectConversation(ctx, ""))
	assert.Zero(t, h.mem.Watchers())
}

func TestClientCounterpartMaskedWhenBlockedByThem(t *testing.T) {
	ctx := context.Background()
	h := memHarness(t, "A", "B")
	a, _ := h.client(t, "A")
	b, bv := h.client(t, "B")

	_, err := a.StartConversation(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, h.deps.Users.SetStatus(ctx, "A", domain.StatusOnline, time.Now()))
	require.NoError(t, a.ToggleBlock(ctx))

	require.NoError(t, b.SelectConversation(ctx, "A"))
	p := bv.waitCounterpart(t, func(p ProfileView) bool { return p.UserID == "A" })
	assert.Equal(t, MaskedName, p.Username)
	assert.True(t, p.BlockedYou)
	assert.Empty(t, p.Status)

	// presence changes stay hidden while the block holds
	require.NoError(t, h.deps.Users.SetStatus(ctx, "A", domain.StatusOffline, time.Now()))
	time.Sleep(20 * time.Millisecond)
	p = bv.waitCounterpart(t, func(ProfileView) bool { return true })
	assert.Equal(t, MaskedName, p.Username)
	assert.Empty(t, p.Status)
}
