// Package events publishes change notifications for other services.
// Payloads carry ids and timestamps only, never message text.
package events

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	MessageSent         = "message.sent"
	ConversationCreated = "conversation.created"
	GroupCreated        = "group.created"
	GroupDeleted        = "group.deleted"
	UserBlocked         = "user.blocked"
	UserUnblocked       = "user.unblocked"
)

type Event struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	ActorID        string `json:"actor_id"`
	TargetID       string `json:"target_id,omitempty"`
	At             int64  `json:"at"`
}

func (e Event) Encode() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("event without type")
	}
	return json.Marshal(e)
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
