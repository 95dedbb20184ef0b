// Package presence flips a user's status between online and offline as
// the identity provider signs users in and out.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/domain"
)

// StatusWriter persists the status field of a user document.
type StatusWriter interface {
	SetStatus(ctx context.Context, id, status string, at time.Time) error
}

// Mirror is an optional secondary presence view.
type Mirror interface {
	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string, at time.Time) error
}

type Tracker struct {
	users  StatusWriter
	mirror Mirror
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	current string
}

func NewTracker(users StatusWriter, mirror Mirror, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{users: users, mirror: mirror, log: log, now: time.Now}
}

// HandleAuthChange is an identity callback. userID is "" on sign-out.
func (t *Tracker) HandleAuthChange(userID string) {
	t.mu.Lock()
	prev := t.current
	t.current = userID
	t.mu.Unlock()

	if prev == userID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if prev != "" {
		t.Offline(ctx, prev)
	}
	if userID != "" {
		t.Online(ctx, userID)
	}
}

func (t *Tracker) Online(ctx context.Context, userID string) {
	if err := t.users.SetStatus(ctx, userID, domain.StatusOnline, t.now()); err != nil {
		t.log.Warn("set online", zap.String("user_id", userID), zap.Error(err))
	}
	if t.mirror != nil {
		if err := t.mirror.MarkOnline(ctx, userID); err != nil {
			t.log.Warn("mirror online", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

func (t *Tracker) Offline(ctx context.Context, userID string) {
	at := t.now()
	if err := t.users.SetStatus(ctx, userID, domain.StatusOffline, at); err != nil {
		t.log.Warn("set offline", zap.String("user_id", userID), zap.Error(err))
	}
	if t.mirror != nil {
		if err := t.mirror.MarkOffline(ctx, userID, at); err != nil {
			t.log.Warn("mirror offline", zap.String("user_id", userID), zap.Error(err))
		}
	}
}
