package chat

import (
	"github.com/fathima-sithara/chat-sync/internal/crypto"
	"github.com/fathima-sithara/chat-sync/internal/domain"
)

// Unavailable replaces the text of a message that cannot be decrypted.
const Unavailable = "message unavailable"

type RenderedMessage struct {
	ID          string `json:"id"`
	SenderID    string `json:"sender_id"`
	Text        string `json:"text"`
	MediaRef    string `json:"media_ref,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	Mine        bool   `json:"mine"`
	Unavailable bool   `json:"unavailable,omitempty"`
}

// Render decrypts a feed snapshot. Each message is opened with the key of
// its sender; one that fails is shown as unavailable without affecting the
// rest. Messages repeating an earlier createdAt are dropped.
func Render(selfID string, msgs []domain.Message, kr crypto.Keyring, onFail func(domain.Message, error)) []RenderedMessage {
	out := make([]RenderedMessage, 0, len(msgs))
	seen := make(map[int64]struct{}, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.CreatedAt]; dup {
			continue
		}
		seen[m.CreatedAt] = struct{}{}

		r := RenderedMessage{
			ID:        m.ID,
			SenderID:  m.SenderID,
			MediaRef:  m.MediaRef,
			CreatedAt: m.CreatedAt,
			Mine:      m.SenderID == selfID,
		}
		text, err := crypto.OpenText(kr.KeyFor(m.SenderID), m.Ciphertext, crypto.MessageAAD(m.ConversationID, m.SenderID))
		if err != nil {
			r.Text, r.Unavailable = Unavailable, true
			if onFail != nil {
				onFail(m, err)
			}
		} else {
			r.Text = text
		}
		out = append(out, r)
	}
	return out
}
