package ocsp

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	requestContentType  = "application/ocsp-request"
	responseContentType = "application/ocsp-response"
	maxRequestSize      = 64 << 10
)

// RegisterRoutes mounts POST /ocsp and GET /ocsp/{base64 request} on g.
func RegisterRoutes(g *echo.Group, r *Responder) {
	g.POST("", r.HandlePost)
	g.GET("/*", r.HandleGet)
}

// HandlePost answers a DER request carried in the body.
func (r *Responder) HandlePost(c echo.Context) error {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if ct != "" && !strings.HasPrefix(ct, requestContentType) {
		logger.Debug("OCSP request with unexpected content type", zap.String("content_type", ct))
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestSize+1))
	if err != nil || len(body) > maxRequestSize {
		return c.Blob(http.StatusOK, responseContentType, statusOnly(MalformedRequest))
	}
	return c.Blob(http.StatusOK, responseContentType, r.Respond(c.Request().Context(), body))
}

// HandleGet answers a request encoded as base64 in the URL path (RFC 6960 A.1).
func (r *Responder) HandleGet(c echo.Context) error {
	raw := c.Param("*")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return c.Blob(http.StatusOK, responseContentType, statusOnly(MalformedRequest))
	}
	reqDER, err := base64.StdEncoding.DecodeString(decoded)
	if err != nil {
		return c.Blob(http.StatusOK, responseContentType, statusOnly(MalformedRequest))
	}
	c.Response().Header().Set("Cache-Control", "max-age=0, public, no-transform, must-revalidate")
	return c.Blob(http.StatusOK, responseContentType, r.Respond(c.Request().Context(), reqDER))
}
