// Package api exposes the chat core over HTTP: REST endpoints for the
// operations that do not need a live feed and one websocket per UI
// context for everything that does.
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
	"github.com/fathima-sithara/chat-sync/internal/blob"
	"github.com/fathima-sithara/chat-sync/internal/chat"
	"github.com/fathima-sithara/chat-sync/internal/identity"
	"github.com/fathima-sithara/chat-sync/internal/metrics"
	"github.com/fathima-sithara/chat-sync/internal/presence"
)

const (
	localUserID = "user_id"
	localToken  = "ws_token"
)

type Options struct {
	Chat     chat.Deps
	Verifier *identity.Verifier
	Statuses presence.StatusWriter
	Mirror   presence.Mirror // optional
	Media    *blob.Service
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Log      *zap.Logger

	RequestTimeout      time.Duration
	WSMessagesPerSecond int
	AccessLog           bool
}

type Server struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	online map[string]*userPresence
}

// userPresence tracks one user across all of their sockets.
type userPresence struct {
	conns   int
	tracker *presence.Tracker
}

// NewServer builds the fiber app with every route registered.
func NewServer(opts Options) *fiber.App {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.WSMessagesPerSecond <= 0 {
		opts.WSMessagesPerSecond = 10
	}
	s := &Server{opts: opts, log: opts.Log, online: make(map[string]*userPresence)}

	app := fiber.New(fiber.Config{
		AppName:               "chat-sync",
		BodyLimit:             12 << 20,
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	if opts.AccessLog {
		app.Use(fiberlogger.New(fiberlogger.Config{Output: zap.NewStdLog(opts.Log.Named("access")).Writer()}))
	}

	app.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })
	if opts.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler(opts.Gatherer)))
	}

	v1 := app.Group("/v1")
	v1.Get("/ws", s.wsUpgrade, websocket.New(s.serveWS))

	v1.Use(s.auth)
	v1.Get("/users", s.findUser)
	v1.Post("/conversations", s.createConversation)
	v1.Get("/roster", s.listRoster)
	v1.Post("/groups", s.createGroup)
	v1.Get("/groups", s.listGroups)
	v1.Post("/groups/:id/join", s.joinGroup)
	v1.Post("/groups/:id/leave", s.leaveGroup)
	v1.Post("/groups/:id/avatar", s.groupAvatar)
	v1.Post("/media", s.uploadMedia)

	return app
}

// auth resolves the bearer token into the caller's user id.
func (s *Server) auth(c *fiber.Ctx) error {
	tok, err := identity.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing auth"})
	}
	claims, err := s.opts.Verifier.Verify(tok)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
	}
	c.Locals(localUserID, claims.Principal())
	return c.Next()
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals(localUserID).(string)
	return id
}

func (s *Server) ctx(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), s.opts.RequestTimeout)
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, apperr.ErrPermission), errors.Is(err, apperr.ErrNotMember), errors.Is(err, apperr.ErrBlocked):
		return fiber.StatusForbidden
	case errors.Is(err, apperr.ErrSelfConversation), errors.Is(err, apperr.ErrEmptyMessage), errors.Is(err, apperr.ErrInvalidArgument):
		return fiber.StatusBadRequest
	case errors.Is(err, apperr.ErrRateLimited):
		return fiber.StatusTooManyRequests
	case errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrSendNotAllowed):
		return fiber.StatusConflict
	case errors.Is(err, apperr.ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func (s *Server) fail(c *fiber.Ctx, op string, err error) error {
	code := statusOf(err)
	if code >= fiber.StatusInternalServerError {
		s.log.Error(op, zap.String("user_id", userID(c)), zap.Error(err))
	} else {
		s.log.Debug(op, zap.String("user_id", userID(c)), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": apperr.Notice(err)})
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	return s.fail(c, "request failed", err)
}

// authListener follows one socket's identity session. The user turns
// online with their first socket and offline when the last one closes.
func (s *Server) authListener() func(userID string) {
	var prev string
	return func(userID string) {
		if prev != "" {
			s.detach(prev)
		}
		if userID != "" {
			s.attach(userID)
		}
		prev = userID
	}
}

func (s *Server) attach(userID string) {
	s.mu.Lock()
	p, ok := s.online[userID]
	if !ok {
		p = &userPresence{}
		if s.opts.Statuses != nil {
			p.tracker = presence.NewTracker(s.opts.Statuses, s.opts.Mirror, s.log.Named("presence"))
		}
		s.online[userID] = p
	}
	p.conns++
	first := p.conns == 1
	s.mu.Unlock()

	if first && p.tracker != nil {
		p.tracker.HandleAuthChange(userID)
	}
}

func (s *Server) detach(userID string) {
	s.mu.Lock()
	p, ok := s.online[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	p.conns--
	last := p.conns <= 0
	if last {
		delete(s.online, userID)
	}
	s.mu.Unlock()

	if last && p.tracker != nil {
		p.tracker.HandleAuthChange("")
	}
}

// connections reports how many sockets userID has open.
func (s *Server) connections(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.online[userID]; ok {
		return p.conns
	}
	return 0
}
