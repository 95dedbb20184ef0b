package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
	"github.com/fathima-sithara/chat-sync/internal/events"
)

type createConversationReq struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

func (s *Server) createConversation(c *fiber.Ctx) error {
	var req createConversationReq
	if ok, err := bind(c, &req); !ok {
		return err
	}
	ctx, cancel := s.ctx(c)
	defer cancel()

	self := userID(c)
	cid, err := s.opts.Chat.Roster.CreateConversation(ctx, self, req.UserID)
	if err != nil {
		return s.fail(c, "create conversation", err)
	}
	s.publish(c, events.Event{Type: events.ConversationCreated, ConversationID: cid, ActorID: self, TargetID: req.UserID})
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"conversation_id": cid})
}

type userView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Bio      string `json:"bio,omitempty"`
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen,omitempty"`
}

// findUser looks a user up by exact username. The blocked set is never
// returned.
func (s *Server) findUser(c *fiber.Ctx) error {
	name := c.Query("username")
	if name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "username required")
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	u, err := s.opts.Chat.Users.FindByUsername(ctx, name)
	if err != nil {
		return s.fail(c, "find user", err)
	}
	return c.JSON(userView{ID: u.ID, Username: u.Username, Avatar: u.Avatar, Bio: u.Bio, Status: u.Status, LastSeen: u.LastSeen})
}

func (s *Server) listRoster(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	entries, err := s.opts.Chat.Roster.Entries(ctx, userID(c))
	if err != nil {
		return s.fail(c, "list roster", err)
	}
	return c.JSON(entries)
}

type createGroupReq struct {
	Name string `json:"name" validate:"required,max=64"`
}

func (s *Server) createGroup(c *fiber.Ctx) error {
	var req createGroupReq
	if ok, err := bind(c, &req); !ok {
		return err
	}
	ctx, cancel := s.ctx(c)
	defer cancel()

	self := userID(c)
	u, err := s.opts.Chat.Users.Get(ctx, self)
	if err != nil {
		return s.fail(c, "create group", err)
	}
	g, err := s.opts.Chat.Groups.Create(ctx, req.Name, self, u.Username)
	if err != nil {
		return s.fail(c, "create group", err)
	}
	s.publish(c, events.Event{Type: events.GroupCreated, ConversationID: g.ID, ActorID: self, At: g.CreatedAt})
	return c.Status(fiber.StatusCreated).JSON(g)
}

func (s *Server) listGroups(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	gs, err := s.opts.Chat.Groups.List(ctx)
	if err != nil {
		return s.fail(c, "list groups", err)
	}
	return c.JSON(gs)
}

func (s *Server) joinGroup(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()

	self := userID(c)
	u, err := s.opts.Chat.Users.Get(ctx, self)
	if err != nil {
		return s.fail(c, "join group", err)
	}
	if err := s.opts.Chat.Groups.Join(ctx, c.Params("id"), self, u.Username); err != nil {
		return s.fail(c, "join group", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) leaveGroup(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()

	gid := c.Params("id")
	deleted, err := s.opts.Chat.Groups.Leave(ctx, gid, userID(c))
	if err != nil {
		return s.fail(c, "leave group", err)
	}
	if deleted {
		s.publish(c, events.Event{Type: events.GroupDeleted, ConversationID: gid, ActorID: userID(c)})
	}
	return c.JSON(fiber.Map{"deleted": deleted})
}

func (s *Server) groupAvatar(c *fiber.Ctx) error {
	if s.opts.Media == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "media storage not configured")
	}
	ctx, cancel := s.ctx(c)
	defer cancel()

	gid, self := c.Params("id"), userID(c)
	ok, err := s.opts.Chat.Groups.IsMember(ctx, gid, self)
	if err != nil {
		return s.fail(c, "group avatar", err)
	}
	if !ok {
		return s.fail(c, "group avatar", apperr.ErrNotMember)
	}
	fh, data, err := formFile(c)
	if err != nil {
		return err
	}
	stored, err := s.opts.Media.Upload(ctx, "groups/"+gid, fh.Filename, fh.Header.Get(fiber.HeaderContentType), data)
	if err != nil {
		return s.fail(c, "group avatar", err)
	}
	if err := s.opts.Chat.Groups.UpdateAvatar(ctx, gid, stored.URL); err != nil {
		return s.fail(c, "group avatar", err)
	}
	return c.JSON(fiber.Map{"url": stored.URL, "thumbnail_url": stored.ThumbnailURL})
}

func (s *Server) uploadMedia(c *fiber.Ctx) error {
	if s.opts.Media == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "media storage not configured")
	}
	ctx, cancel := s.ctx(c)
	defer cancel()

	fh, data, err := formFile(c)
	if err != nil {
		return err
	}
	stored, err := s.opts.Media.Upload(ctx, userID(c), fh.Filename, fh.Header.Get(fiber.HeaderContentType), data)
	if err != nil {
		return s.fail(c, "upload media", err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"url": stored.URL, "thumbnail_url": stored.ThumbnailURL})
}

func formFile(c *fiber.Ctx) (*multipart.FileHeader, []byte, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, nil, fiber.NewError(fiber.StatusBadRequest, "file required")
	}
	f, err := fh.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("read upload: %w", err)
	}
	return fh, data, nil
}

func (s *Server) publish(c *fiber.Ctx, e events.Event) {
	if s.opts.Chat.Events == nil {
		return
	}
	if e.At == 0 {
		e.At = time.Now().UnixMilli()
	}
	if err := s.opts.Chat.Events.Publish(c.UserContext(), e); err != nil {
		s.log.Warn("publish event", zap.String("type", e.Type), zap.Error(err))
	}
}
