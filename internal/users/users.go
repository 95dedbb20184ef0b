// Package users reads user profiles and applies the targeted writes that
// block, unblock and presence need.
package users

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/store"
)

type Directory struct {
	store store.Store
	log   *zap.Logger
}

func NewDirectory(s store.Store, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{store: s, log: log}
}

func (d *Directory) Get(ctx context.Context, id string) (domain.User, error) {
	doc, err := d.store.Get(ctx, domain.Users, id)
	if err != nil {
		return domain.User{}, err
	}
	var u domain.User
	if err := domain.Decode(doc, &u); err != nil {
		return domain.User{}, fmt.Errorf("decode user %s: %w", id, err)
	}
	return u, nil
}

// Register writes a new profile. It does nothing when id already exists.
func (d *Directory) Register(ctx context.Context, u domain.User) (bool, error) {
	if !store.ValidKey(u.ID) {
		return false, fmt.Errorf("%w: user id %q", apperr.ErrInvalidArgument, u.ID)
	}
	if u.Status == "" {
		u.Status = domain.StatusOffline
	}
	return d.store.Create(ctx, domain.Users, u.ID, u.Document())
}

// FindByUsername returns the first user with an exact username match.
func (d *Directory) FindByUsername(ctx context.Context, username string) (domain.User, error) {
	docs, err := d.store.Query(ctx, store.Query{Collection: domain.Users, Field: "username", Value: username})
	if err != nil {
		return domain.User{}, err
	}
	if len(docs) == 0 {
		return domain.User{}, fmt.Errorf("username %q: %w", username, apperr.ErrNotFound)
	}
	var u domain.User
	if err := domain.Decode(docs[0], &u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// SetBlocked adds or removes other in self's blocked set. Only self's own
// document is written.
func (d *Directory) SetBlocked(ctx context.Context, selfID, otherID string, blocked bool) error {
	if !store.ValidKey(otherID) {
		return fmt.Errorf("%w: user id %q", apperr.ErrInvalidArgument, otherID)
	}
	var v any = true
	if !blocked {
		v = store.Remove
	}
	if err := d.store.Update(ctx, domain.Users, selfID, store.Update{store.Path("blocked", otherID): v}); err != nil {
		return fmt.Errorf("set blocked %s -> %s: %w", selfID, otherID, err)
	}
	d.log.Info("block updated", zap.String("user_id", selfID), zap.String("other_id", otherID), zap.Bool("blocked", blocked))
	return nil
}

func (d *Directory) Block(ctx context.Context, selfID, otherID string) error {
	return d.SetBlocked(ctx, selfID, otherID, true)
}

func (d *Directory) Unblock(ctx context.Context, selfID, otherID string) error {
	return d.SetBlocked(ctx, selfID, otherID, false)
}

// BlockRelation reads both profiles and reports each block direction.
func (d *Directory) BlockRelation(ctx context.Context, selfID, otherID string) (blockedBySelf, blockedByOther bool, err error) {
	self, err := d.Get(ctx, selfID)
	if err != nil {
		return false, false, err
	}
	other, err := d.Get(ctx, otherID)
	if err != nil {
		return false, false, err
	}
	return self.HasBlocked(otherID), other.HasBlocked(selfID), nil
}

// SetStatus writes presence fields. lastSeen is cleared when going online.
func (d *Directory) SetStatus(ctx context.Context, id, status string, at time.Time) error {
	u := store.Update{"status": status}
	if status == domain.StatusOffline {
		u["last_seen"] = at.UnixMilli()
	} else {
		u["last_seen"] = int64(0)
	}
	return d.store.Update(ctx, domain.Users, id, u)
}
