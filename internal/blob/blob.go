// Package blob uploads media attachments and returns stable URLs for them.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
)

// Backend stores bytes under a key.
type Backend interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Stored describes an uploaded attachment.
type Stored struct {
	URL          string
	ThumbnailURL string
}

const maxUpload = 10 << 20

// Service names uploads, makes thumbnails for images and trips a breaker
// when the backend keeps failing.
type Service struct {
	backend Backend
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
	newID   func() string
}

func NewService(b Backend, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "blob-upload",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", zap.String("name", name),
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Service{backend: b, breaker: cb, log: log, newID: uuid.NewString}
}

// Upload stores data for ownerID and returns its URL. Images also get a
// 320px wide JPEG thumbnail; a thumbnail failure does not fail the upload.
func (s *Service) Upload(ctx context.Context, ownerID, filename, contentType string, data []byte) (Stored, error) {
	if len(data) == 0 {
		return Stored{}, fmt.Errorf("%w: empty upload", apperr.ErrInvalidArgument)
	}
	if len(data) > maxUpload {
		return Stored{}, fmt.Errorf("%w: upload exceeds %d bytes", apperr.ErrInvalidArgument, maxUpload)
	}
	key := path.Join(ownerID, s.newID()+"_"+sanitize(filename))
	url, err := s.put(ctx, key, contentType, data)
	if err != nil {
		return Stored{}, err
	}
	out := Stored{URL: url}

	if strings.HasPrefix(contentType, "image/") {
		thumb, err := Thumbnail(data)
		if err != nil {
			s.log.Debug("thumbnail skipped", zap.String("key", key), zap.Error(err))
			return out, nil
		}
		if out.ThumbnailURL, err = s.put(ctx, key+"_thumb.jpg", "image/jpeg", thumb); err != nil {
			s.log.Warn("thumbnail upload failed", zap.String("key", key), zap.Error(err))
		}
	}
	return out, nil
}

func (s *Service) put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	res, err := s.breaker.Execute(func() (any, error) {
		return s.backend.Put(ctx, key, contentType, data)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("upload %s: %w: %v", key, apperr.ErrNetwork, err)
	}
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return res.(string), nil
}

// Thumbnail resizes an image to 320px wide and encodes it as JPEG.
func Thumbnail(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	thumb := imaging.Resize(img, 320, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sanitize(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '?' || r == '#' || r == '%' {
			return '_'
		}
		return r
	}, name)
}

// Memory is an in-process Backend for development and tests.
type Memory struct {
	mu      sync.Mutex
	BaseURL string
	Objects map[string][]byte
}

func NewMemory(baseURL string) *Memory {
	return &Memory{BaseURL: strings.TrimRight(baseURL, "/"), Objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Objects[key] = append([]byte(nil), data...)
	return m.BaseURL + "/" + key, nil
}
