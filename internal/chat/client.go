// Package chat ties the sync core together for one UI context: selection
// and block gating, the live feed and its decryption, and the send
// pipeline.
package chat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/events"
	"github.com/fathima-sithara/chat-sync/internal/feed"
	"github.com/fathima-sithara/chat-sync/internal/groups"
	"github.com/fathima-sithara/chat-sync/internal/metrics"
	"github.com/fathima-sithara/chat-sync/internal/roster"
	"github.com/fathima-sithara/chat-sync/internal/session"
	"github.com/fathima-sithara/chat-sync/internal/store"
	"github.com/fathima-sithara/chat-sync/internal/users"
)

// View receives everything a UI context displays. Calls may come from
// feed goroutines.
type View interface {
	Feed(FeedView)
	State(StateView)
	Counterpart(ProfileView)
	Notice(text string)
}

type FeedView struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []RenderedMessage `json:"messages"`
	Error          string            `json:"error,omitempty"`
}

type StateView struct {
	State          string `json:"state"`
	Kind           string `json:"kind,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	CounterpartID  string `json:"counterpart_id,omitempty"`
}

// Deps are the shared collaborators a Client is built from.
type Deps struct {
	Store    store.Store
	Users    *users.Directory
	Roster   *roster.Manager
	Groups   *groups.Manager
	Composer *Composer
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

// Client is the orchestrator of one UI context. It owns the session state
// and the single live feed of that context.
type Client struct {
	selfID string
	d      Deps
	view   View
	log    *zap.Logger
	sess   *session.Context
	feeds  *feed.Manager

	// stops the counterpart profile watch of the selected direct conversation
	stopPeer func()
}

func NewClient(selfID string, d Deps, view View) *Client {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	c := &Client{
		selfID: selfID,
		d:      d,
		view:   view,
		log:    d.Log.With(zap.String("user_id", selfID)),
		sess:   session.NewContext(selfID),
	}
	c.feeds = feed.NewManager(d.Store, c.onFeed, feed.WithLogger(c.log), feed.WithMetrics(d.Metrics))
	return c
}

// Session exposes the selection state.
func (c *Client) Session() *session.Context { return c.sess }

func (c *Client) onFeed(u feed.Update) {
	t, ok := c.sess.Target()
	if !ok || t.ConversationID != u.ConversationID {
		return
	}
	if u.Err != nil {
		c.view.Feed(FeedView{ConversationID: u.ConversationID, Messages: []RenderedMessage{}, Error: apperr.Notice(u.Err)})
		return
	}
	kr, err := Keyring(c.selfID, t)
	if err != nil {
		return
	}
	msgs := Render(c.selfID, u.Messages, kr, func(m domain.Message, err error) {
		c.d.Metrics.DecryptFailed()
		c.log.Debug("message not decryptable", zap.String("message_id", m.ID), zap.Error(err))
	})
	c.view.Feed(FeedView{ConversationID: u.ConversationID, Messages: msgs})
}

// fail logs err, shows its notice and returns it.
func (c *Client) fail(op string, err error) error {
	c.log.Warn(op+" failed", zap.Error(err))
	c.view.Notice(apperr.Notice(err))
	return err
}

func (c *Client) emitState() {
	st := StateView{State: c.sess.State().String()}
	if t, ok := c.sess.Target(); ok {
		st.ConversationID = t.ConversationID
		st.CounterpartID = t.CounterpartID
		st.Kind = "direct"
		if t.Kind == session.Group {
			st.Kind = "group"
		}
	}
	c.view.State(st)
}

// deselect releases the feed before the session forgets the target.
func (c *Client) deselect(ctx context.Context) {
	c.unwatchCounterpart()
	if err := c.feeds.Select(ctx, ""); err != nil {
		c.log.Warn("release feed", zap.Error(err))
	}
	c.sess.Deselect()
}

// StartConversation creates the conversation with otherID if needed and
// selects it.
func (c *Client) StartConversation(ctx context.Context, otherID string) (string, error) {
	cid, err := c.d.Roster.CreateConversation(ctx, c.selfID, otherID)
	if err != nil {
		return "", c.fail("start conversation", err)
	}
	c.publish(ctx, events.Event{Type: events.ConversationCreated, ConversationID: cid, ActorID: c.selfID, TargetID: otherID})
	return cid, c.SelectConversation(ctx, otherID)
}

// SelectConversation makes the conversation with counterpartID active. The
// block relation is read once here. An empty id returns to Idle.
func (c *Client) SelectConversation(ctx context.Context, counterpartID string) error {
	c.deselect(ctx)
	defer c.emitState()
	if counterpartID == "" {
		return nil
	}

	cid := domain.ConversationID(c.selfID, counterpartID)
	if _, err := c.d.Roster.Conversation(ctx, cid); err != nil {
		return c.fail("select conversation", err)
	}
	bySelf, byOther, err := c.d.Users.BlockRelation(ctx, c.selfID, counterpartID)
	if err != nil {
		return c.fail("select conversation", err)
	}
	c.sess.SelectDirect(cid, counterpartID, bySelf, byOther)
	if err := c.feeds.Select(ctx, cid); err != nil {
		c.sess.Deselect()
		return c.fail("select conversation", err)
	}
	c.watchCounterpart(counterpartID)
	if err := c.d.Roster.MarkSeen(ctx, cid, c.selfID); err != nil {
		c.log.Warn("mark seen on select", zap.String("conversation_id", cid), zap.Error(err))
	}
	return nil
}

// watchCounterpart pushes the counterpart's profile and presence to the
// view until the selection changes. It never touches the block state of
// the session, which stays as read at selection time.
func (c *Client) watchCounterpart(id string) {
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := c.d.Store.WatchDoc(ctx, domain.Users, id)
	if err != nil {
		cancel()
		c.log.Warn("watch counterpart", zap.String("counterpart_id", id), zap.Error(err))
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-sub.Updates():
				if !ok || ctx.Err() != nil {
					return
				}
				if snap.Err != nil {
					c.log.Warn("counterpart watch failed", zap.String("counterpart_id", id), zap.Error(snap.Err))
					return
				}
				if len(snap.Docs) == 0 {
					continue
				}
				var u domain.User
				if err := domain.Decode(snap.Docs[0], &u); err != nil {
					c.log.Warn("decode counterpart", zap.String("counterpart_id", id), zap.Error(err))
					continue
				}
				c.showCounterpart(ctx, u)
			}
		}
	}()
	c.stopPeer = func() {
		cancel()
		sub.Close()
		<-done
	}
}

func (c *Client) showCounterpart(ctx context.Context, u domain.User) {
	self, err := c.d.Users.Get(ctx, c.selfID)
	if err != nil {
		self = domain.User{ID: c.selfID}
	}
	if t, ok := c.sess.Target(); !ok || t.CounterpartID != u.ID {
		return
	}
	c.view.Counterpart(Profile(self, u))
}

func (c *Client) unwatchCounterpart() {
	if c.stopPeer != nil {
		c.stopPeer()
		c.stopPeer = nil
	}
}

// SelectGroup makes a group the active conversation. Only members may
// open it.
func (c *Client) SelectGroup(ctx context.Context, groupID string) error {
	c.deselect(ctx)
	defer c.emitState()
	if groupID == "" {
		return nil
	}

	g, err := c.d.Groups.Get(ctx, groupID)
	if err != nil {
		return c.fail("select group", err)
	}
	if !g.IsMember(c.selfID) {
		return c.fail("select group", apperr.ErrNotMember)
	}
	c.sess.SelectGroup(g.ID, g.CreatedAt)
	if err := c.feeds.Select(ctx, g.ID); err != nil {
		c.sess.Deselect()
		return c.fail("select group", err)
	}
	return nil
}

// Send posts text (and an optional attachment) to the active conversation.
// Outside the Active state it writes nothing.
func (c *Client) Send(ctx context.Context, text string, att *Attachment) (domain.Message, error) {
	t, err := c.sess.CanSend()
	if err != nil {
		return domain.Message{}, c.fail("send", err)
	}
	if t.Kind == session.Group {
		ok, err := c.d.Groups.IsMember(ctx, t.ConversationID, c.selfID)
		if err != nil {
			return domain.Message{}, c.fail("send", err)
		}
		if !ok {
			return domain.Message{}, c.fail("send", apperr.ErrNotMember)
		}
	}
	msg, err := c.d.Composer.Send(ctx, c.selfID, t, text, att)
	if err != nil {
		return msg, c.fail("send", err)
	}
	return msg, nil
}

// ToggleBlock blocks or unblocks the counterpart of the active direct
// conversation and persists the change on the local user's profile.
func (c *Client) ToggleBlock(ctx context.Context) error {
	defer c.emitState()
	t, ok := c.sess.Target()
	prev := c.sess.State()
	_, block, err := c.sess.ToggleBlock()
	if err != nil {
		return c.fail("toggle block", err)
	}
	if err := c.d.Users.SetBlocked(ctx, c.selfID, t.CounterpartID, block); err != nil {
		if ok {
			c.sess.Revert(t.ConversationID, prev)
		}
		return c.fail("toggle block", err)
	}
	typ := events.UserUnblocked
	if block {
		typ = events.UserBlocked
	}
	c.publish(ctx, events.Event{Type: typ, ActorID: c.selfID, TargetID: t.CounterpartID})
	if u, err := c.d.Users.Get(ctx, t.CounterpartID); err == nil {
		c.showCounterpart(ctx, u)
	}
	return nil
}

// MarkSeen flags the active direct conversation as seen by the local user.
func (c *Client) MarkSeen(ctx context.Context) error {
	t, ok := c.sess.Target()
	if !ok || t.Kind != session.Direct {
		return nil
	}
	if err := c.d.Roster.MarkSeen(ctx, t.ConversationID, c.selfID); err != nil {
		return c.fail("mark seen", err)
	}
	return nil
}

// ClearConversation deletes every message of the active direct
// conversation. The conversation and both roster entries remain.
func (c *Client) ClearConversation(ctx context.Context) (int, error) {
	t, ok := c.sess.Target()
	if !ok || t.Kind != session.Direct {
		return 0, c.fail("clear conversation", fmt.Errorf("clear: %w", apperr.ErrInvalidState))
	}
	n, err := c.d.Store.DeleteWhere(ctx, feed.MessagesQuery(t.ConversationID))
	if err != nil {
		return 0, c.fail("clear conversation", err)
	}
	c.log.Info("conversation cleared", zap.String("conversation_id", t.ConversationID), zap.Int("messages", n))
	return n, nil
}

// Close releases the feed and counterpart watch of this context.
func (c *Client) Close() {
	c.unwatchCounterpart()
	c.feeds.Close()
	c.sess.Deselect()
}

func (c *Client) publish(ctx context.Context, e events.Event) {
	if e.At == 0 {
		e.At = time.Now().UnixMilli()
	}
	if err := c.d.Events.Publish(ctx, e); err != nil {
		c.log.Warn("publish event", zap.String("type", e.Type), zap.Error(err))
	}
}
