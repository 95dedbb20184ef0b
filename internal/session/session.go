// Package session tracks the selected conversation of one UI context and
// the block relationship that gates sending in it.
package session

import (
	"fmt"
	"sync"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
)

type State int

const (
	Idle State = iota
	Active
	BlockedBySelf
	BlockedByOther
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case BlockedBySelf:
		return "blocked_by_self"
	case BlockedByOther:
		return "blocked_by_other"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Kind int

const (
	Direct Kind = iota + 1
	Group
)

// Target is the selected conversation.
type Target struct {
	Kind           Kind
	ConversationID string
	CounterpartID  string // direct only
	GroupCreatedAt int64  // group only
}

// Context is the per-UI-context selection state. It is owned by one
// orchestrator and safe for concurrent use.
type Context struct {
	selfID string

	mu     sync.Mutex
	state  State
	target *Target
}

func NewContext(selfID string) *Context {
	return &Context{selfID: selfID}
}

func (c *Context) SelfID() string { return c.selfID }

// SelectDirect enters the state decided by the block relation observed at
// selection time. Being blocked by the counterpart wins over having
// blocked them.
func (c *Context) SelectDirect(conversationID, counterpartID string, blockedBySelf, blockedByOther bool) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = &Target{Kind: Direct, ConversationID: conversationID, CounterpartID: counterpartID}
	switch {
	case blockedByOther:
		c.state = BlockedByOther
	case blockedBySelf:
		c.state = BlockedBySelf
	default:
		c.state = Active
	}
	return c.state
}

// SelectGroup makes a group the active conversation. Groups carry no block
// relation.
func (c *Context) SelectGroup(groupID string, createdAt int64) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = &Target{Kind: Group, ConversationID: groupID, GroupCreatedAt: createdAt}
	c.state = Active
	return c.state
}

// Deselect returns to Idle.
func (c *Context) Deselect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = nil
	c.state = Idle
}

func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Target returns a copy of the current target; ok is false when Idle.
func (c *Context) Target() (Target, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target == nil {
		return Target{}, false
	}
	return *c.target, true
}

// ToggleBlock flips Active and BlockedBySelf and returns the new state
// with the block value the caller must persist. BlockedByOther only
// changes when the counterpart acts.
func (c *Context) ToggleBlock() (next State, block bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target == nil || c.target.Kind != Direct {
		return c.state, false, fmt.Errorf("toggle block in %s: %w", c.state, apperr.ErrInvalidState)
	}
	switch c.state {
	case Active:
		c.state = BlockedBySelf
		return c.state, true, nil
	case BlockedBySelf:
		c.state = Active
		return c.state, false, nil
	default:
		return c.state, false, fmt.Errorf("toggle block in %s: %w", c.state, apperr.ErrInvalidState)
	}
}

// Revert restores prev after a failed persist of a toggle, provided the
// target has not changed in the meantime.
func (c *Context) Revert(conversationID string, prev State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target != nil && c.target.ConversationID == conversationID {
		c.state = prev
	}
}

// CanSend returns the target if sending is permitted.
func (c *Context) CanSend() (Target, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active || c.target == nil {
		return Target{}, fmt.Errorf("send in %s: %w", c.state, apperr.ErrSendNotAllowed)
	}
	return *c.target, nil
}
