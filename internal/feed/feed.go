// Package feed binds the selected conversation of a UI context to one live
// message subscription.
package feed

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/metrics"
	"github.com/fathima-sithara/chat-sync/internal/store"
)

// Update is delivered on every change of the active feed. Messages is the
// full ordered sequence and replaces whatever was shown before. When Err is
// set Messages is empty and the feed has been released.
type Update struct {
	ConversationID string
	Messages       []domain.Message
	Err            error
}

// Manager keeps at most one feed open. The callback runs on the feed's own
// goroutine and must not call Select or Close.
type Manager struct {
	store    store.Store
	onUpdate func(Update)
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu  sync.Mutex
	cur *subscription
}

type subscription struct {
	conversationID string
	sub            store.Subscription
	cancel         context.CancelFunc
	done           chan struct{}
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func NewManager(s store.Store, onUpdate func(Update), opts ...Option) *Manager {
	m := &Manager{store: s, onUpdate: onUpdate, log: zap.NewNop()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// MessagesQuery is the feed of one conversation in createdAt order.
func MessagesQuery(conversationID string) store.Query {
	return store.Query{
		Collection: domain.Messages,
		Field:      "conversation_id",
		Value:      conversationID,
		OrderBy:    "created_at",
	}
}

// Select releases the current feed, waiting until its callback can no
// longer fire, and then opens one for conversationID. An empty id only
// releases.
func (m *Manager) Select(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardown()
	if conversationID == "" {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	// the feed outlives ctx; it ends on teardown
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := m.store.WatchQuery(fctx, MessagesQuery(conversationID))
	if err != nil {
		cancel()
		return fmt.Errorf("open feed %s: %w", conversationID, err)
	}
	s := &subscription{
		conversationID: conversationID,
		sub:            sub,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	m.cur = s
	m.metrics.FeedOpened()
	m.log.Debug("feed opened", zap.String("conversation_id", conversationID))
	go func() {
		if m.pump(fctx, s) {
			m.release(s)
		}
	}()
	return nil
}

// Active returns the id of the open feed, or "".
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return ""
	}
	return m.cur.conversationID
}

// Close releases every open feed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardown()
}

// teardown must be called with m.mu held.
func (m *Manager) teardown() {
	s := m.cur
	if s == nil {
		return
	}
	m.cur = nil
	s.cancel()
	s.sub.Close()
	<-s.done
	m.metrics.FeedClosed()
	m.log.Debug("feed closed", zap.String("conversation_id", s.conversationID))
}

// release forgets s after its pump stopped on an error. It runs once s.done
// is closed, so a teardown waiting on s cannot be holding m.mu forever.
func (m *Manager) release(s *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != s {
		return
	}
	m.cur = nil
	s.cancel()
	m.metrics.FeedClosed()
	m.log.Debug("feed released after error", zap.String("conversation_id", s.conversationID))
}

// pump forwards snapshots until the feed is released. It reports whether it
// stopped because the subscription failed.
func (m *Manager) pump(ctx context.Context, s *subscription) (failed bool) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return false
		case snap, ok := <-s.sub.Updates():
			if !ok || ctx.Err() != nil {
				return false
			}
			if snap.Err != nil {
				m.log.Warn("feed failed", zap.String("conversation_id", s.conversationID), zap.Error(snap.Err))
				m.onUpdate(Update{ConversationID: s.conversationID, Messages: []domain.Message{}, Err: snap.Err})
				s.sub.Close()
				return true
			}
			m.onUpdate(Update{ConversationID: s.conversationID, Messages: domain.DecodeMessages(snap.Docs)})
		}
	}
}
