package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
	"github.com/fathima-sithara/chat-sync/internal/chat"
	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/identity"
)

const (
	maxFrame     = 1 << 20
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 64
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type selectPayload struct {
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id"`
}

type attachmentPayload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"` // base64 in JSON
}

type sendPayload struct {
	Text       string             `json:"text"`
	Attachment *attachmentPayload `json:"attachment,omitempty"`
}

// wsUpgrade authenticates the ?token= query parameter before upgrading.
func (s *Server) wsUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	tok := c.Query("token")
	if _, err := s.opts.Verifier.Verify(tok); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
	}
	c.Locals(localToken, tok)
	return c.Next()
}

// wsConn is one UI context. It is the View of its chat client and pushes
// the owner's roster alongside the feed.
type wsConn struct {
	ws      *websocket.Conn
	userID  string
	log     *zap.Logger
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

func (w *wsConn) push(typ string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		w.log.Error("encode frame", zap.String("type", typ), zap.Error(err))
		return
	}
	frame, _ := json.Marshal(Envelope{Type: typ, Payload: b})
	select {
	case w.send <- frame:
	case <-w.done:
	}
}

func (w *wsConn) Feed(f chat.FeedView)           { w.push("feed", f) }
func (w *wsConn) State(st chat.StateView)        { w.push("session", st) }
func (w *wsConn) Counterpart(p chat.ProfileView) { w.push("counterpart", p) }
func (w *wsConn) Notice(text string)             { w.push("notice", fiber.Map{"text": text}) }

func (w *wsConn) close() {
	w.once.Do(func() { close(w.done) })
}

func (s *Server) serveWS(c *websocket.Conn) {
	sess := identity.NewSession(s.opts.Verifier)
	unsubscribe := sess.OnAuthChange(s.authListener())
	defer unsubscribe()

	tok, _ := c.Locals(localToken).(string)
	claims, err := sess.SignIn(tok)
	if err != nil {
		// expired between upgrade and here
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"notice","payload":{"text":"invalid token"}}`))
		_ = c.Close()
		return
	}
	defer sess.SignOut()
	uid := claims.Principal()

	w := &wsConn{
		ws:      c,
		userID:  uid,
		log:     s.log.With(zap.String("user_id", uid)),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(s.opts.WSMessagesPerSecond), s.opts.WSMessagesPerSecond),
	}
	s.opts.Metrics.ConnOpened()
	defer s.opts.Metrics.ConnClosed()

	client := chat.NewClient(uid, s.opts.Chat, w)
	stopRoster, err := s.opts.Chat.Roster.Watch(context.Background(), uid, func(entries []domain.RosterEntry, err error) {
		if err != nil {
			w.Notice(apperr.Notice(err))
			return
		}
		s.pushRoster(w, entries)
	})
	if err != nil {
		w.log.Warn("roster watch", zap.Error(err))
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		w.writePump()
	}()

	w.readPump(func(env Envelope) { s.dispatch(client, w, env) })

	w.close()
	if stopRoster != nil {
		stopRoster()
	}
	client.Close()
	<-writerDone
	_ = c.Close()
}

// pushRoster sends the roster with each counterpart's profile and presence
// as the owner may see them.
func (s *Server) pushRoster(w *wsConn, entries []domain.RosterEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
	defer cancel()
	items, err := chat.DescribeRoster(ctx, s.opts.Chat.Users, w.userID, entries)
	if err != nil {
		w.log.Warn("describe roster", zap.Error(err))
		w.Notice(apperr.Notice(err))
		return
	}
	w.push("roster", items)
}

func (w *wsConn) readPump(handle func(Envelope)) {
	w.ws.SetReadLimit(maxFrame)
	_ = w.ws.SetReadDeadline(time.Now().Add(pongWait))
	w.ws.SetPongHandler(func(string) error {
		return w.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, data, err := w.ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if !w.limiter.Allow() {
			w.Notice(apperr.Notice(apperr.ErrRateLimited))
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// malformed frames are ignored, not fatal
			continue
		}
		handle(env)
	}
}

func (w *wsConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			_ = w.ws.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
			return
		case b := <-w.send:
			_ = w.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				w.close()
				_ = w.ws.Close() // unblocks readPump
				return
			}
		case <-ticker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				w.close()
				_ = w.ws.Close()
				return
			}
		}
	}
}

// dispatch runs one inbound command. Failures already reach the socket as
// notices through the client's view.
func (s *Server) dispatch(client *chat.Client, w *wsConn, env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
	defer cancel()

	switch env.Type {
	case "select":
		var p selectPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			w.Notice(apperr.Notice(apperr.ErrInvalidArgument))
			return
		}
		_ = client.SelectConversation(ctx, p.UserID)
	case "select_group":
		var p selectPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			w.Notice(apperr.Notice(apperr.ErrInvalidArgument))
			return
		}
		_ = client.SelectGroup(ctx, p.GroupID)
	case "send":
		var p sendPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			w.Notice(apperr.Notice(apperr.ErrInvalidArgument))
			return
		}
		var att *chat.Attachment
		if p.Attachment != nil {
			att = &chat.Attachment{Filename: p.Attachment.Filename, ContentType: p.Attachment.ContentType, Data: p.Attachment.Data}
		}
		_, _ = client.Send(ctx, p.Text, att)
	case "toggle_block":
		_ = client.ToggleBlock(ctx)
	case "mark_seen":
		_ = client.MarkSeen(ctx)
	case "clear":
		_, _ = client.ClearConversation(ctx)
	default:
		w.log.Debug("unknown frame", zap.String("type", env.Type))
	}
}
