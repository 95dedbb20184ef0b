// Package domain holds the chat data model and its document encoding.
package domain

import (
	"sort"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"

	"github.com/fathima-sithara/chat-sync/internal/store"
)

// Collection names.
const (
	Users         = "users"
	Rosters       = "userchats"
	Conversations = "chats"
	Messages      = "messages"
	Groups        = "groups"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type User struct {
	ID       string          `mapstructure:"_id"`
	Username string          `mapstructure:"username"`
	Avatar   string          `mapstructure:"avatar"`
	Bio      string          `mapstructure:"bio"`
	Blocked  map[string]bool `mapstructure:"blocked"`
	Status   string          `mapstructure:"status"`
	LastSeen int64           `mapstructure:"last_seen"`
}

// HasBlocked reports whether u has blocked id.
func (u User) HasBlocked(id string) bool { return u.Blocked[id] }

func (u User) Document() store.Document {
	blocked := map[string]any{}
	for id, b := range u.Blocked {
		if b {
			blocked[id] = true
		}
	}
	return store.Document{
		"username":  u.Username,
		"avatar":    u.Avatar,
		"bio":       u.Bio,
		"blocked":   blocked,
		"status":    u.Status,
		"last_seen": u.LastSeen,
	}
}

// Conversation is a pairwise thread. Its id is derived from the two
// participants so creating it twice converges on one document.
type Conversation struct {
	ID           string   `mapstructure:"_id"`
	Participants []string `mapstructure:"participants"`
	CreatedAt    int64    `mapstructure:"created_at"`
	// CreateToken is unique per creating call. It lets that call tell its
	// own committed write from one made by someone else.
	CreateToken string `mapstructure:"create_token"`
}

func (c Conversation) Document() store.Document {
	ps := make([]any, len(c.Participants))
	for i, p := range c.Participants {
		ps[i] = p
	}
	d := store.Document{"participants": ps, "created_at": c.CreatedAt}
	if c.CreateToken != "" {
		d["create_token"] = c.CreateToken
	}
	return d
}

// Counterpart returns the participant that is not self.
func (c Conversation) Counterpart(self string) string {
	for _, p := range c.Participants {
		if p != self {
			return p
		}
	}
	return ""
}

var conversationNS = uuid.MustParse("6f1c2b9e-3a4d-5e8f-9a0b-1c2d3e4f5a6b")

// ConversationID returns the id of the conversation between a and b. It
// does not depend on argument order.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return uuid.NewSHA1(conversationNS, []byte(a+"\x00"+b)).String()
}

// Message is one immutable entry of a conversation feed. CreatedAt is in
// milliseconds and unique within the conversation.
type Message struct {
	ID             string `mapstructure:"_id"`
	ConversationID string `mapstructure:"conversation_id"`
	SenderID       string `mapstructure:"sender_id"`
	Ciphertext     string `mapstructure:"ciphertext"`
	CreatedAt      int64  `mapstructure:"created_at"`
	MediaRef       string `mapstructure:"media_ref"`
}

func (m Message) Document() store.Document {
	d := store.Document{
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"ciphertext":      m.Ciphertext,
		"created_at":      m.CreatedAt,
	}
	if m.MediaRef != "" {
		d["media_ref"] = m.MediaRef
	}
	return d
}

// RosterEntry summarises one conversation inside its owner's roster.
type RosterEntry struct {
	ConversationID string `mapstructure:"conversation_id" json:"conversation_id"`
	CounterpartID  string `mapstructure:"counterpart_id" json:"counterpart_id"`
	LastMessage    string `mapstructure:"last_message" json:"last_message"`
	IsSeen         bool   `mapstructure:"is_seen" json:"is_seen"`
	UpdatedAt      int64  `mapstructure:"updated_at" json:"updated_at"`
}

func (e RosterEntry) Fields() map[string]any {
	return map[string]any{
		"conversation_id": e.ConversationID,
		"counterpart_id":  e.CounterpartID,
		"last_message":    e.LastMessage,
		"is_seen":         e.IsSeen,
		"updated_at":      e.UpdatedAt,
	}
}

// Roster is a user's roster document. Entries are keyed by conversation id
// so each one can be written on its own.
type Roster struct {
	UserID string                 `mapstructure:"_id"`
	Chats  map[string]RosterEntry `mapstructure:"chats"`
}

// Sorted returns the entries, most recently updated first.
func (r Roster) Sorted() []RosterEntry {
	out := make([]RosterEntry, 0, len(r.Chats))
	for _, e := range r.Chats {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out
}

// Group is a multi-member conversation. CreatedAt never changes and feeds
// the group key.
type Group struct {
	ID        string            `mapstructure:"_id" json:"id"`
	Name      string            `mapstructure:"name" json:"name"`
	CreatorID string            `mapstructure:"creator_id" json:"creator_id"`
	CreatedAt int64             `mapstructure:"created_at" json:"created_at"`
	Avatar    string            `mapstructure:"avatar" json:"avatar"`
	Members   map[string]string `mapstructure:"members" json:"members"` // id -> display name
}

func (g Group) Document() store.Document {
	members := map[string]any{}
	for id, name := range g.Members {
		members[id] = name
	}
	return store.Document{
		"name":       g.Name,
		"creator_id": g.CreatorID,
		"created_at": g.CreatedAt,
		"avatar":     g.Avatar,
		"members":    members,
	}
}

// IsMember reports whether id is in the member set.
func (g Group) IsMember(id string) bool {
	_, ok := g.Members[id]
	return ok
}

// Decode fills out from a store document.
func Decode(doc store.Document, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(doc))
}

// DecodeMessages decodes a feed snapshot, skipping documents that do not
// decode.
func DecodeMessages(docs []store.Document) []Message {
	out := make([]Message, 0, len(docs))
	for _, d := range docs {
		var m Message
		if err := Decode(d, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}
