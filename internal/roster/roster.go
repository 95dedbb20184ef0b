// Package roster keeps each user's denormalized conversation list in step
// with the conversations and messages it summarises.
//
// Roster documents are shared by many writers. Every write here addresses
// a single entry (chats.<conversationID>.<field>) and never replaces the
// chats map, so concurrent updates to different entries cannot lose each
// other.
package roster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/metrics"
	"github.com/fathima-sithara/chat-sync/internal/store"
)

// UserLookup reads user profiles.
type UserLookup interface {
	Get(ctx context.Context, id string) (domain.User, error)
}

type Manager struct {
	store   store.Store
	users   UserLookup
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option        { return func(m *Manager) { m.log = l } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }
func WithClock(now func() time.Time) Option  { return func(m *Manager) { m.now = now } }

func NewManager(s store.Store, users UserLookup, opts ...Option) *Manager {
	m := &Manager{store: s, users: users, log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

func entryPath(conversationID string, field ...string) string {
	return store.Path(append([]string{"chats", conversationID}, field...)...)
}

// CreateConversation returns the conversation between selfID and otherID,
// creating it and both roster entries when missing. The writes happen in a
// fixed order: conversation, self's entry, other's entry. If a roster write
// fails, whatever this call added is removed again. Repeating the call
// after any failure converges on the same state.
func (m *Manager) CreateConversation(ctx context.Context, selfID, otherID string) (string, error) {
	if selfID == otherID {
		return "", apperr.ErrSelfConversation
	}
	if !store.ValidKey(selfID) || !store.ValidKey(otherID) {
		return "", fmt.Errorf("%w: user ids %q, %q", apperr.ErrInvalidArgument, selfID, otherID)
	}
	other, err := m.users.Get(ctx, otherID)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", otherID, err)
	}
	if other.HasBlocked(selfID) {
		return "", apperr.ErrBlocked
	}

	cid := domain.ConversationID(selfID, otherID)
	now := m.now().UnixMilli()
	conv := domain.Conversation{ID: cid, Participants: []string{selfID, otherID}, CreatedAt: now, CreateToken: uuid.NewString()}
	created, err := m.store.Create(ctx, domain.Conversations, cid, conv.Document())
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	if !created {
		// a retried create may have committed on an earlier attempt
		if created, err = m.wroteConversation(ctx, conv); err != nil {
			return "", fmt.Errorf("create conversation: %w", err)
		}
	}

	var added []string
	for _, p := range [][2]string{{selfID, otherID}, {otherID, selfID}} {
		entry := domain.RosterEntry{ConversationID: cid, CounterpartID: p[1], UpdatedAt: now, IsSeen: true}
		ok, err := m.ensureEntry(ctx, p[0], entry)
		if err != nil {
			m.compensate(ctx, cid, created, added)
			return "", fmt.Errorf("roster entry for %s: %w", p[0], err)
		}
		if ok {
			added = append(added, p[0])
		}
	}
	if created {
		m.log.Info("conversation created", zap.String("conversation_id", cid),
			zap.String("user_id", selfID), zap.String("other_id", otherID))
	}
	return cid, nil
}

func (m *Manager) wroteConversation(ctx context.Context, conv domain.Conversation) (bool, error) {
	got, err := m.conversation(ctx, conv.ID)
	if err != nil {
		return false, err
	}
	return got.CreateToken == conv.CreateToken, nil
}

// ensureEntry adds entry to owner's roster unless one exists. It reports
// whether it wrote anything.
func (m *Manager) ensureEntry(ctx context.Context, ownerID string, e domain.RosterEntry) (bool, error) {
	r, err := m.Get(ctx, ownerID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		created, err := m.store.Create(ctx, domain.Rosters, ownerID, store.Document{
			"chats": map[string]any{e.ConversationID: e.Fields()},
		})
		if err != nil || created {
			return created, err
		}
		// lost a race with another creator; fall through to a targeted write
	case err != nil:
		return false, err
	default:
		if _, ok := r.Chats[e.ConversationID]; ok {
			return false, nil
		}
	}
	if err := m.store.Update(ctx, domain.Rosters, ownerID, store.Update{entryPath(e.ConversationID): e.Fields()}); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) compensate(ctx context.Context, cid string, conversationCreated bool, added []string) {
	ctx = context.WithoutCancel(ctx)
	m.metrics.Compensated()
	for _, owner := range added {
		if err := m.store.Update(ctx, domain.Rosters, owner, store.Update{entryPath(cid): store.Remove}); err != nil {
			m.log.Error("compensation: remove roster entry", zap.String("user_id", owner),
				zap.String("conversation_id", cid), zap.Error(err))
		}
	}
	if conversationCreated {
		if err := m.store.Delete(ctx, domain.Conversations, cid); err != nil {
			m.log.Error("compensation: delete conversation", zap.String("conversation_id", cid), zap.Error(err))
		}
	}
	m.log.Warn("conversation creation rolled back", zap.String("conversation_id", cid), zap.Strings("entries_removed", added))
}

// RecordSend updates both participants' entries after a message was
// appended, stamping them with the current time.
func (m *Manager) RecordSend(ctx context.Context, conversationID, senderID, preview string) error {
	return m.RecordSendAt(ctx, conversationID, senderID, preview, m.now())
}

// RecordSendAt is RecordSend with an explicit timestamp. Every field of
// each entry is written individually, so an entry that went missing is
// recreated whole by the same write.
func (m *Manager) RecordSendAt(ctx context.Context, conversationID, senderID, preview string, at time.Time) error {
	conv, err := m.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	var errs []error
	for _, owner := range conv.Participants {
		e := domain.RosterEntry{
			ConversationID: conversationID,
			CounterpartID:  conv.Counterpart(owner),
			LastMessage:    preview,
			IsSeen:         owner == senderID,
			UpdatedAt:      at.UnixMilli(),
		}
		if err := m.writeEntry(ctx, owner, e); err != nil {
			errs = append(errs, fmt.Errorf("roster %s: %w", owner, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) writeEntry(ctx context.Context, owner string, e domain.RosterEntry) error {
	u := store.Update{}
	for k, v := range e.Fields() {
		u[entryPath(e.ConversationID, k)] = v
	}
	err := m.store.Update(ctx, domain.Rosters, owner, u)
	if !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	m.heal(owner, e.ConversationID, "roster document missing")
	created, err := m.store.Create(ctx, domain.Rosters, owner, store.Document{
		"chats": map[string]any{e.ConversationID: e.Fields()},
	})
	if err != nil || created {
		return err
	}
	return m.store.Update(ctx, domain.Rosters, owner, u)
}

// MarkSeen sets isSeen on the viewer's own entry only. A missing entry is
// rebuilt from the conversation instead of failing.
func (m *Manager) MarkSeen(ctx context.Context, conversationID, viewerID string) error {
	r, err := m.Get(ctx, viewerID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	if _, ok := r.Chats[conversationID]; ok {
		return m.store.Update(ctx, domain.Rosters, viewerID, store.Update{entryPath(conversationID, "is_seen"): true})
	}

	m.heal(viewerID, conversationID, "entry missing on mark seen")
	conv, err := m.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !contains(conv.Participants, viewerID) {
		return fmt.Errorf("%s is not in %s: %w", viewerID, conversationID, apperr.ErrPermission)
	}
	return m.writeEntry(ctx, viewerID, domain.RosterEntry{
		ConversationID: conversationID,
		CounterpartID:  conv.Counterpart(viewerID),
		IsSeen:         true,
		UpdatedAt:      m.now().UnixMilli(),
	})
}

func (m *Manager) heal(owner, cid, reason string) {
	m.metrics.RosterHealed()
	m.log.Warn("roster inconsistency, recreating entry",
		zap.String("user_id", owner), zap.String("conversation_id", cid),
		zap.String("reason", reason), zap.Error(apperr.ErrConsistency))
}

// Get returns userID's roster.
func (m *Manager) Get(ctx context.Context, userID string) (domain.Roster, error) {
	doc, err := m.store.Get(ctx, domain.Rosters, userID)
	if err != nil {
		return domain.Roster{}, err
	}
	return decodeRoster(doc)
}

// Entries returns userID's entries, newest first. A user without a roster
// has no entries.
func (m *Manager) Entries(ctx context.Context, userID string) ([]domain.RosterEntry, error) {
	r, err := m.Get(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return []domain.RosterEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	return r.Sorted(), nil
}

// Watch calls fn with userID's sorted entries on every roster change until
// the returned stop function is called or ctx ends.
func (m *Manager) Watch(ctx context.Context, userID string, fn func([]domain.RosterEntry, error)) (stop func(), err error) {
	sub, err := m.store.WatchDoc(ctx, domain.Rosters, userID)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for snap := range sub.Updates() {
			if snap.Err != nil {
				fn(nil, snap.Err)
				sub.Close()
				return
			}
			if len(snap.Docs) == 0 {
				fn([]domain.RosterEntry{}, nil)
				continue
			}
			r, err := decodeRoster(snap.Docs[0])
			if err != nil {
				fn(nil, err)
				continue
			}
			fn(r.Sorted(), nil)
		}
	}()
	return func() {
		sub.Close()
		<-done
	}, nil
}

func (m *Manager) conversation(ctx context.Context, cid string) (domain.Conversation, error) {
	doc, err := m.store.Get(ctx, domain.Conversations, cid)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("conversation %s: %w", cid, err)
	}
	var c domain.Conversation
	if err := domain.Decode(doc, &c); err != nil {
		return domain.Conversation{}, err
	}
	return c, nil
}

// Conversation returns the conversation document for cid.
func (m *Manager) Conversation(ctx context.Context, cid string) (domain.Conversation, error) {
	return m.conversation(ctx, cid)
}

func decodeRoster(doc store.Document) (domain.Roster, error) {
	var r domain.Roster
	if err := domain.Decode(doc, &r); err != nil {
		return domain.Roster{}, fmt.Errorf("decode roster: %w", err)
	}
	return r, nil
}

func contains(xs []string, x string) bool {
	for _, s := range xs {
		if s == x {
			return true
		}
	}
	return false
}
