// Package apperr holds the error taxonomy shared by every layer and the
// mapping from those errors to short user-facing notices.
package apperr

import (
	"context"
	"errors"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrPermission  = errors.New("permission denied")
	ErrCipher      = errors.New("cipher failure")
	ErrConsistency = errors.New("inconsistent state")
	ErrNetwork     = errors.New("network failure")

	ErrBlocked          = errors.New("blocked by user")
	ErrSendNotAllowed   = errors.New("sending not allowed")
	ErrSelfConversation = errors.New("conversation with self")
	ErrEmptyMessage     = errors.New("empty message")
	ErrNotMember        = errors.New("not a member")
	ErrRateLimited      = errors.New("rate limited")
	ErrInvalidState     = errors.New("invalid state for operation")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Retryable reports whether a failed write may succeed when attempted again.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// Notice converts an operation error into the transient text shown to the
// user. Permission causes are never exposed.
func Notice(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "no longer available"
	case errors.Is(err, ErrCipher):
		return "message unavailable"
	case errors.Is(err, ErrBlocked):
		return "you can't message this user"
	case errors.Is(err, ErrSendNotAllowed):
		return "sending is disabled for this conversation"
	case errors.Is(err, ErrSelfConversation):
		return "you can't start a conversation with yourself"
	case errors.Is(err, ErrEmptyMessage):
		return "message is empty"
	case errors.Is(err, ErrNotMember):
		return "you are not a member of this group"
	case errors.Is(err, ErrRateLimited):
		return "slow down"
	case errors.Is(err, ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return "network problem, try again"
	default:
		return "action failed"
	}
}
