// Package groups manages multi-member conversations: creation, membership
// and avatar. Members are stored as a single map from user id to display
// name.
package groups

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/store"
)

type Manager struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
	newID func() string
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option       { return func(m *Manager) { m.log = l } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
func WithIDs(f func() string) Option        { return func(m *Manager) { m.newID = f } }

func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{store: s, log: zap.NewNop(), now: time.Now, newID: uuid.NewString}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create makes a group whose only member is its creator.
func (m *Manager) Create(ctx context.Context, name, creatorID, creatorName string) (domain.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Group{}, fmt.Errorf("%w: group name required", apperr.ErrInvalidArgument)
	}
	if !store.ValidKey(creatorID) {
		return domain.Group{}, fmt.Errorf("%w: user id %q", apperr.ErrInvalidArgument, creatorID)
	}
	g := domain.Group{
		ID:        m.newID(),
		Name:      name,
		CreatorID: creatorID,
		CreatedAt: m.now().UnixMilli(),
		Members:   map[string]string{creatorID: creatorName},
	}
	created, err := m.store.Create(ctx, domain.Groups, g.ID, g.Document())
	if err != nil {
		return domain.Group{}, fmt.Errorf("create group: %w", err)
	}
	if !created {
		return domain.Group{}, fmt.Errorf("%w: group id %s taken", apperr.ErrConsistency, g.ID)
	}
	m.log.Info("group created", zap.String("group_id", g.ID), zap.String("user_id", creatorID))
	return g, nil
}

func (m *Manager) Get(ctx context.Context, groupID string) (domain.Group, error) {
	doc, err := m.store.Get(ctx, domain.Groups, groupID)
	if err != nil {
		return domain.Group{}, err
	}
	return decode(doc)
}

// List returns every group, ordered by name.
func (m *Manager) List(ctx context.Context) ([]domain.Group, error) {
	docs, err := m.store.Query(ctx, store.Query{Collection: domain.Groups, OrderBy: "name"})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Group, 0, len(docs))
	for _, d := range docs {
		g, err := decode(d)
		if err != nil {
			m.log.Warn("skipping undecodable group", zap.String("group_id", d.ID()), zap.Error(err))
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// Join adds userID with its display name. Joining twice only refreshes the
// name.
func (m *Manager) Join(ctx context.Context, groupID, userID, displayName string) error {
	if !store.ValidKey(userID) {
		return fmt.Errorf("%w: user id %q", apperr.ErrInvalidArgument, userID)
	}
	err := m.store.Update(ctx, domain.Groups, groupID, store.Update{store.Path("members", userID): displayName})
	if err != nil {
		return fmt.Errorf("join %s: %w", groupID, err)
	}
	m.log.Info("group joined", zap.String("group_id", groupID), zap.String("user_id", userID))
	return nil
}

// Leave removes userID. When nobody is left the group and its messages are
// deleted. Reading the member set and deleting are separate steps, so a
// join racing with the last leave can be lost together with the group.
func (m *Manager) Leave(ctx context.Context, groupID, userID string) (deleted bool, err error) {
	g, err := m.Get(ctx, groupID)
	if err != nil {
		return false, fmt.Errorf("leave %s: %w", groupID, err)
	}
	if !g.IsMember(userID) {
		return false, fmt.Errorf("leave %s: %w", groupID, apperr.ErrNotMember)
	}
	if err := m.store.Update(ctx, domain.Groups, groupID, store.Update{store.Path("members", userID): store.Remove}); err != nil {
		return false, fmt.Errorf("leave %s: %w", groupID, err)
	}
	m.log.Info("group left", zap.String("group_id", groupID), zap.String("user_id", userID))

	g, err = m.Get(ctx, groupID)
	if errors.Is(err, apperr.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if len(g.Members) > 0 {
		return false, nil
	}
	if err := m.store.Delete(ctx, domain.Groups, groupID); err != nil {
		return false, fmt.Errorf("delete empty group %s: %w", groupID, err)
	}
	n, err := m.store.DeleteWhere(ctx, store.Query{Collection: domain.Messages, Field: "conversation_id", Value: groupID})
	if err != nil {
		m.log.Warn("group messages not removed", zap.String("group_id", groupID), zap.Error(err))
	}
	m.log.Info("empty group deleted", zap.String("group_id", groupID), zap.Int("messages", n))
	return true, nil
}

func (m *Manager) UpdateAvatar(ctx context.Context, groupID, url string) error {
	if err := m.store.Update(ctx, domain.Groups, groupID, store.Update{"avatar": url}); err != nil {
		return fmt.Errorf("update avatar %s: %w", groupID, err)
	}
	return nil
}

// IsMember reports whether userID belongs to groupID. A missing group
// yields apperr.ErrNotFound.
func (m *Manager) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	g, err := m.Get(ctx, groupID)
	if err != nil {
		return false, err
	}
	return g.IsMember(userID), nil
}

func decode(doc store.Document) (domain.Group, error) {
	var g domain.Group
	if err := domain.Decode(doc, &g); err != nil {
		return domain.Group{}, fmt.Errorf("decode group: %w", err)
	}
	return g, nil
}
