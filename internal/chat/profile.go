package chat

import (
	"context"

	"github.com/fathima-sithara/chat-sync/internal/domain"
)

// MaskedName stands in for the name of a user who has blocked the viewer.
const MaskedName = "Blocked User"

// ProfileView is what a viewer may see of another user.
type ProfileView struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	Avatar     string `json:"avatar,omitempty"`
	Bio        string `json:"bio,omitempty"`
	Status     string `json:"status,omitempty"`
	LastSeen   int64  `json:"last_seen,omitempty"`
	BlockedYou bool   `json:"blocked_you,omitempty"`
	Blocked    bool   `json:"blocked,omitempty"`
}

// Profile renders u for viewer. A user who blocked the viewer shows only
// the masked name.
func Profile(viewer domain.User, u domain.User) ProfileView {
	p := ProfileView{UserID: u.ID, Blocked: viewer.HasBlocked(u.ID)}
	if u.HasBlocked(viewer.ID) {
		p.Username = MaskedName
		p.BlockedYou = true
		return p
	}
	p.Username = u.Username
	p.Avatar = u.Avatar
	p.Bio = u.Bio
	p.Status = u.Status
	p.LastSeen = u.LastSeen
	return p
}

// RosterItem is a roster entry with its counterpart resolved.
type RosterItem struct {
	domain.RosterEntry
	Counterpart ProfileView `json:"counterpart"`
}

// UserLookup reads user profiles.
type UserLookup interface {
	Get(ctx context.Context, id string) (domain.User, error)
}

// DescribeRoster resolves the counterpart of every entry as seen by
// viewerID. An unreadable profile leaves only the counterpart id.
func DescribeRoster(ctx context.Context, users UserLookup, viewerID string, entries []domain.RosterEntry) ([]RosterItem, error) {
	viewer, err := users.Get(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	out := make([]RosterItem, 0, len(entries))
	for _, e := range entries {
		item := RosterItem{RosterEntry: e, Counterpart: ProfileView{UserID: e.CounterpartID}}
		if u, err := users.Get(ctx, e.CounterpartID); err == nil {
			item.Counterpart = Profile(viewer, u)
		}
		out = append(out, item)
	}
	return out, nil
}
