// Package server assembles the HTTPS and plain HTTP echo instances.
package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/blockadesystems/pkifoundry/internal/acme"
	"github.com/blockadesystems/pkifoundry/internal/auth"
	"github.com/blockadesystems/pkifoundry/internal/ca"
	"github.com/blockadesystems/pkifoundry/internal/config"
	"github.com/blockadesystems/pkifoundry/internal/est"
	"github.com/blockadesystems/pkifoundry/internal/management"
	"github.com/blockadesystems/pkifoundry/internal/metrics"
	"github.com/blockadesystems/pkifoundry/internal/ocsp"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

// ApplyCommonMiddleware applies essential middleware to an Echo instance.
// It injects dependencies into the context.
func ApplyCommonMiddleware(e *echo.Echo, store storage.Storage, cfg *config.Config, caService *ca.Service, baseLogger *zap.Logger) {
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))
	if cfg.MetricsEnabled {
		e.Use(metrics.Middleware())
	}

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			reqLogger := baseLogger.With(zap.String("request_id", reqID))

			c.Set(acme.ContextKeyCAService, caService)
			c.Set(acme.ContextKeyConfig, cfg)
			c.Set(acme.ContextKeyStore, store)
			c.Set(acme.ContextKeyLogger, reqLogger)
			return next(c)
		}
	})
}

// SetupRouter defines all HTTP and HTTPS routes for the application.
// The HTTPS instance carries every surface; the HTTP instance carries only
// what relying parties fetch without TLS (OCSP, CRL, CA certificates).
func SetupRouter(httpInstance, httpsInstance *echo.Echo, store storage.Storage, cfg *config.Config, caService *ca.Service) {
	responder := ocsp.NewResponder(caService, caService.Roots(), time.Duration(cfg.CRLValidityHours)*time.Hour)

	// --- HTTP ---
	httpInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "PKI Foundry is running (HTTP)")
	})
	ocsp.RegisterRoutes(httpInstance.Group("/ocsp"), responder)
	httpInstance.GET("/ca/crl", management.HandleCRL)
	httpInstance.GET("/.well-known/est/cacerts", est.HandleCACerts)

	// --- HTTPS ---
	httpsInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "PKI Foundry is running (HTTPS)")
	})
	acme.RegisterRoutes(httpsInstance.Group("/acme"), newRateLimiter(cfg))
	est.RegisterRoutes(httpsInstance.Group("/.well-known/est"))
	management.RegisterCARoutes(httpsInstance.Group("/ca"))
	ocsp.RegisterRoutes(httpsInstance.Group("/ocsp"), responder)

	apiGroup := httpsInstance.Group("/api/v1")
	apiGroup.Use(auth.APIKeyMiddleware(cfg, store, auth.RoleAdmin))
	management.RegisterAdminRoutes(apiGroup)

	if cfg.MetricsEnabled {
		httpsInstance.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}
}

// newRateLimiter limits unauthenticated ACME endpoints per client IP.
// A zero rate disables limiting.
func newRateLimiter(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.RateLimit <= 0 {
		return nil
	}
	burst := int(cfg.RateLimit)
	if burst < 1 {
		burst = 1
	}
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RateLimit),
		Burst:     burst,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return acme.RateLimitedError("too many requests from %s", identifier)
		},
	})
}
