// Package auth authenticates callers of the management and EST surfaces,
// either by API key or by a TLS client certificate issued by this CA.
package auth

import (
	"context"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/ca"
	"github.com/blockadesystems/pkifoundry/internal/config"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "auth"))
}

const (
	// HeaderAPIKey carries the API key; "Authorization: Bearer <key>" is accepted too.
	HeaderAPIKey = "X-API-Key"
	// RoleAdmin satisfies every role check.
	RoleAdmin = "admin"
	// ContextKeyRoles holds the authenticated roles on the echo context.
	ContextKeyRoles = "roles"
)

var (
	ErrNoClientCertificate = errors.New("auth: a TLS client certificate is required")
	ErrUntrustedIssuer     = errors.New("auth: client certificate was not issued by this CA")
	ErrCertificateRevoked  = errors.New("auth: client certificate is unknown or revoked")
)

// APIKeyMiddleware admits requests whose API key carries role (or admin).
// Keys come from the configuration first and from storage second.
func APIKeyMiddleware(cfg *config.Config, store storage.Storage, role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := apiKeyFrom(c.Request())
			if key == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing API key")
			}
			roles, err := lookupRoles(c.Request().Context(), cfg, store, key)
			if err != nil {
				logger.Error("API key lookup failed", zap.Error(err))
				return echo.NewHTTPError(http.StatusInternalServerError, "failed to verify API key")
			}
			if roles == nil {
				logger.Warn("Rejected unknown API key", zap.String("path", c.Path()))
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
			}
			if !HasRole(roles, role) {
				return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("API key lacks the %q role", role))
			}
			c.Set(ContextKeyRoles, roles)
			return next(c)
		}
	}
}

func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return key
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get(echo.HeaderAuthorization), "Bearer "); ok {
		return strings.TrimSpace(bearer)
	}
	return ""
}

func lookupRoles(ctx context.Context, cfg *config.Config, store storage.Storage, key string) ([]string, error) {
	for candidate, apiKey := range cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return apiKey.Roles, nil
		}
	}
	if store == nil {
		return nil, nil
	}
	return store.GetAPIKey(ctx, key)
}

// HasRole reports whether roles grants role.
func HasRole(roles []string, role string) bool {
	return slices.Contains(roles, role) || slices.Contains(roles, RoleAdmin)
}

// ClientCertificate returns the TLS client certificate of r after checking
// that one of roots signed it and that the ledger does not list it as revoked.
func ClientCertificate(ctx context.Context, r *http.Request, roots *ca.Roots, store storage.Storage) (*x509.Certificate, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, ErrNoClientCertificate
	}
	cert := r.TLS.PeerCertificates[0]
	root := roots.ForIssuer(cert)
	if root == nil || cert.CheckSignatureFrom(root.Certificate) != nil {
		return nil, ErrUntrustedIssuer
	}
	item, err := store.GetCertificate(ctx, ca.SerialHex(cert.SerialNumber))
	if err != nil {
		return nil, fmt.Errorf("auth: looking up client certificate: %w", err)
	}
	if item == nil || item.IsRevoked() {
		return nil, ErrCertificateRevoked
	}
	return cert, nil
}

// IsAuthError reports whether err is one of the client certificate failures.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrNoClientCertificate) || errors.Is(err, ErrUntrustedIssuer) || errors.Is(err, ErrCertificateRevoked)
}
