package acme

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/model"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

const (
	headerReplayNonce = "Replay-Nonce"
	nonceBytes        = 16
)

// NonceService issues and redeems single-use replay nonces.
type NonceService struct {
	store    storage.Storage
	lifetime time.Duration
	now      func() time.Time
}

func NewNonceService(store storage.Storage, lifetime time.Duration) *NonceService {
	return &NonceService{store: store, lifetime: lifetime, now: time.Now}
}

// CreateNonce persists a fresh nonce and returns its value.
func (s *NonceService) CreateNonce(ctx context.Context) (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("acme: failed to generate nonce: %w", err)
	}
	now := s.now().UTC()
	nonce := &model.Nonce{
		Value:     base64.RawURLEncoding.EncodeToString(buf),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.lifetime),
	}
	if err := s.store.SaveNonce(ctx, nonce); err != nil {
		return "", fmt.Errorf("acme: failed to save nonce: %w", err)
	}
	return nonce.Value, nil
}

// ConsumeNonce redeems value. Only one caller ever gets true for a nonce.
func (s *NonceService) ConsumeNonce(ctx context.Context, value string) (bool, error) {
	if value == "" {
		return false, nil
	}
	if _, err := base64.RawURLEncoding.DecodeString(value); err != nil {
		return false, nil
	}
	nonce, err := s.store.ConsumeNonce(ctx, value)
	if err != nil {
		return false, fmt.Errorf("acme: failed to consume nonce: %w", err)
	}
	return nonce != nil, nil
}

// HandleNewNonce serves the newNonce resource. The nonce itself is attached
// by Middleware.
func HandleNewNonce(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	if c.Request().Method == http.MethodGet {
		return c.NoContent(http.StatusNoContent)
	}
	return c.NoContent(http.StatusOK)
}

// Middleware attaches a fresh Replay-Nonce and the directory Link to every
// ACME response and renders returned errors as problem documents.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cfg := configFrom(c)
			header := c.Response().Header()
			header.Add("Link", link(directoryURL(cfg), "index"))

			nonce, err := noncesFrom(c).CreateNonce(c.Request().Context())
			if err != nil {
				loggerFrom(c, "middleware").Error("Failed to issue nonce", zap.Error(err))
			} else {
				header.Set(headerReplayNonce, nonce)
			}

			if err := next(c); err != nil {
				return writeProblem(c, err)
			}
			return nil
		}
	}
}
