package acme

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/ca"
	"github.com/blockadesystems/pkifoundry/internal/config"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "acme"))
}

// Context keys set by the server middleware.
const (
	ContextKeyStore     = "store"
	ContextKeyConfig    = "cfg"
	ContextKeyCAService = "caService"
	ContextKeyLogger    = "logger"
)

func storeFrom(c echo.Context) storage.Storage {
	return c.Get(ContextKeyStore).(storage.Storage)
}

func configFrom(c echo.Context) *config.Config {
	return c.Get(ContextKeyConfig).(*config.Config)
}

func caServiceFrom(c echo.Context) *ca.Service {
	return c.Get(ContextKeyCAService).(*ca.Service)
}

func loggerFrom(c echo.Context, handler string) *zap.Logger {
	if l, ok := c.Get(ContextKeyLogger).(*zap.Logger); ok {
		return l.With(zap.String("handler", handler))
	}
	return logger.With(zap.String("handler", handler))
}

func noncesFrom(c echo.Context) *NonceService {
	return NewNonceService(storeFrom(c), configFrom(c).NonceLifetime)
}

// RegisterRoutes mounts the ACME resources on g, which is expected to be
// the "/acme" group.
func RegisterRoutes(g *echo.Group, newNonceLimiter echo.MiddlewareFunc) {
	g.Use(Middleware())

	limited := []echo.MiddlewareFunc{}
	if newNonceLimiter != nil {
		limited = append(limited, newNonceLimiter)
	}

	g.GET("/directory", HandleDirectory)
	g.HEAD("/new-nonce", HandleNewNonce, limited...)
	g.GET("/new-nonce", HandleNewNonce, limited...)
	g.POST("/new-account", HandleNewAccount, limited...)
	g.POST("/account/:accountID", HandleAccount)
	g.POST("/account/:accountID/orders", HandleAccountOrders)
	g.POST("/new-order", HandleNewOrder)
	g.POST("/order/:orderID", HandleGetOrder)
	g.POST("/order/:orderID/finalize", HandleFinalize)
	g.POST("/authz/:orderID/:authzID", HandleAuthorization)
	g.POST("/chall/:orderID/:authzID/:challengeID", HandleChallenge)
	g.POST("/cert/:orderID", HandleCertificate)
	g.POST("/revoke-cert", HandleRevokeCertificate)
}
