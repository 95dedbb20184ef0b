package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
	"github.com/fathima-sithara/chat-sync/internal/blob"
	"github.com/fathima-sithara/chat-sync/internal/crypto"
	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/events"
	"github.com/fathima-sithara/chat-sync/internal/metrics"
	"github.com/fathima-sithara/chat-sync/internal/ratelimit"
	"github.com/fathima-sithara/chat-sync/internal/session"
	"github.com/fathima-sithara/chat-sync/internal/store"
)

// PreviewRunes is how much plaintext a roster entry shows.
const PreviewRunes = 30

// maxSlotTries bounds how many later timestamps are tried when a
// createdAt is already taken in the conversation.
const maxSlotTries = 16

var errNoKeyring = fmt.Errorf("%w: no keyring for target", apperr.ErrInvalidState)

// Attachment is media sent along with a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

type Uploader interface {
	Upload(ctx context.Context, ownerID, filename, contentType string, data []byte) (blob.Stored, error)
}

// RosterRecorder updates conversation summaries after a send.
type RosterRecorder interface {
	RecordSendAt(ctx context.Context, conversationID, senderID, preview string, at time.Time) error
}

// Composer runs the send pipeline: encrypt, attach media, append to the
// feed, update rosters.
type Composer struct {
	store    store.Store
	roster   RosterRecorder
	uploader Uploader
	limiter  ratelimit.Limiter
	events   events.Publisher
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	last map[string]int64 // conversation -> last createdAt handed out
}

type ComposerOption func(*Composer)

func WithUploader(u Uploader) ComposerOption         { return func(c *Composer) { c.uploader = u } }
func WithLimiter(l ratelimit.Limiter) ComposerOption { return func(c *Composer) { c.limiter = l } }
func WithEvents(p events.Publisher) ComposerOption   { return func(c *Composer) { c.events = p } }
func WithMetrics(m *metrics.Metrics) ComposerOption  { return func(c *Composer) { c.metrics = m } }
func WithLogger(l *zap.Logger) ComposerOption        { return func(c *Composer) { c.log = l } }
func WithClock(now func() time.Time) ComposerOption  { return func(c *Composer) { c.now = now } }

func NewComposer(s store.Store, r RosterRecorder, opts ...ComposerOption) *Composer {
	c := &Composer{
		store:  s,
		roster: r,
		events: events.Nop{},
		log:    zap.NewNop(),
		now:    time.Now,
		last:   make(map[string]int64),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Keyring returns the keyring that reads target as seen by selfID.
func Keyring(selfID string, t session.Target) (crypto.Keyring, error) {
	switch t.Kind {
	case session.Direct:
		return crypto.PairKeyring{Self: selfID, Other: t.CounterpartID}, nil
	case session.Group:
		return crypto.NewGroupKeyring(t.ConversationID, t.GroupCreatedAt), nil
	}
	return nil, errNoKeyring
}

// Preview is the roster text for a message.
func Preview(text string, att *Attachment) string {
	text = strings.TrimSpace(text)
	if text == "" && att != nil {
		if strings.HasPrefix(att.ContentType, "image/") {
			return "[image]"
		}
		return "[file]"
	}
	if utf8.RuneCountInString(text) <= PreviewRunes {
		return text
	}
	return string([]rune(text)[:PreviewRunes])
}

// Send appends one message from senderID to target. The message is
// returned whenever it was appended, even if the roster update that
// follows fails; the error then reports the roster failure.
func (c *Composer) Send(ctx context.Context, senderID string, t session.Target, text string, att *Attachment) (domain.Message, error) {
	if strings.TrimSpace(text) == "" && (att == nil || len(att.Data) == 0) {
		return domain.Message{}, apperr.ErrEmptyMessage
	}
	if c.limiter != nil {
		ok, err := c.limiter.Allow(ctx, senderID)
		if err != nil {
			c.log.Warn("rate limiter unavailable", zap.String("user_id", senderID), zap.Error(err))
		} else if !ok {
			return domain.Message{}, apperr.ErrRateLimited
		}
	}
	kr, err := Keyring(senderID, t)
	if err != nil {
		return domain.Message{}, err
	}

	msg := domain.Message{ConversationID: t.ConversationID, SenderID: senderID}
	if att != nil && len(att.Data) > 0 {
		if c.uploader == nil {
			return domain.Message{}, fmt.Errorf("%w: attachments not supported", apperr.ErrInvalidArgument)
		}
		stored, err := c.uploader.Upload(ctx, senderID, att.Filename, att.ContentType, att.Data)
		if err != nil {
			return domain.Message{}, fmt.Errorf("upload attachment: %w", err)
		}
		msg.MediaRef = stored.URL
	}
	if msg.Ciphertext, err = crypto.SealText(kr.KeyFor(senderID), text, crypto.MessageAAD(msg.ConversationID, senderID)); err != nil {
		return domain.Message{}, fmt.Errorf("encrypt: %w", err)
	}
	if err := c.append(ctx, &msg); err != nil {
		return domain.Message{}, err
	}

	kind := "group"
	if t.Kind == session.Direct {
		kind = "direct"
	}
	c.metrics.MessageSent(kind)
	c.publish(ctx, events.Event{Type: events.MessageSent, ConversationID: msg.ConversationID, ActorID: senderID, At: msg.CreatedAt})

	if t.Kind == session.Direct {
		if err := c.roster.RecordSendAt(ctx, t.ConversationID, senderID, Preview(text, att), time.UnixMilli(msg.CreatedAt)); err != nil {
			return msg, fmt.Errorf("update rosters: %w", err)
		}
	}
	return msg, nil
}

// append writes msg with a createdAt that no other message of the
// conversation has. The document id embeds createdAt, so create-if-absent
// on the id enforces uniqueness across writers.
func (c *Composer) append(ctx context.Context, msg *domain.Message) error {
	at := c.nextSlot(msg.ConversationID)
	for i := 0; i < maxSlotTries; i++ {
		msg.CreatedAt = at
		msg.ID = fmt.Sprintf("%s:%d", msg.ConversationID, at)
		created, err := c.store.Create(ctx, domain.Messages, msg.ID, msg.Document())
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		if created {
			return nil
		}
		mine, err := c.ownsSlot(ctx, msg)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		if mine {
			return nil
		}
		at++
		c.claim(msg.ConversationID, at)
	}
	return errors.Join(apperr.ErrConsistency, fmt.Errorf("no free timestamp in %s", msg.ConversationID))
}

// ownsSlot reports whether the document at msg.ID is msg itself. A retried
// create whose first attempt committed before its reply was lost finds its
// own write there. Ciphertexts carry a random nonce, so equality identifies
// the writer.
func (c *Composer) ownsSlot(ctx context.Context, msg *domain.Message) (bool, error) {
	doc, err := c.store.Get(ctx, domain.Messages, msg.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ct, _ := doc["ciphertext"].(string)
	sender, _ := doc["sender_id"].(string)
	return ct == msg.Ciphertext && sender == msg.SenderID, nil
}

// nextSlot returns max(now, last+1) for the conversation.
func (c *Composer) nextSlot(cid string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	at := c.now().UnixMilli()
	if last, ok := c.last[cid]; ok && at <= last {
		at = last + 1
	}
	c.last[cid] = at
	return at
}

func (c *Composer) claim(cid string, at int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at > c.last[cid] {
		c.last[cid] = at
	}
}

func (c *Composer) publish(ctx context.Context, e events.Event) {
	if err := c.events.Publish(ctx, e); err != nil {
		c.log.Warn("publish event", zap.String("type", e.Type), zap.Error(err))
	}
}
