// Package management serves the CA inventory and revocation endpoints and the
// API-key guarded policy administration API.
package management

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/auth"
	"github.com/blockadesystems/pkifoundry/internal/ca"
	"github.com/blockadesystems/pkifoundry/internal/config"
	"github.com/blockadesystems/pkifoundry/internal/model"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "management"))
}

const (
	mimeTypePKIXCRL  = "application/pkix-crl"
	mimeTypePEMChain = "application/pem-certificate-chain"
	defaultPageSize  = 50
	maxInventoryPage = 1 << 20
)

// RegisterCARoutes mounts the CA surface on g (the "/ca" group).
func RegisterCARoutes(g *echo.Group) {
	g.GET("/inventory", HandleInventory)
	g.DELETE("/revoke", HandleRevoke)
	g.GET("/crl", HandleCRL)
	g.GET("/certificate", HandleCertificate)
}

// RegisterAdminRoutes mounts the policy and key API on g (the "/api/v1"
// group). Callers are expected to guard g with auth.APIKeyMiddleware.
func RegisterAdminRoutes(g *echo.Group) {
	g.POST("/policy/domains", HandleAddDomain)
	g.GET("/policy/domains", HandleListDomains)
	g.DELETE("/policy/domains/:domain", HandleDeleteDomain)
	g.POST("/policy/suffixes", HandleAddSuffix)
	g.GET("/policy/suffixes", HandleListSuffixes)
	g.DELETE("/policy/suffixes/:suffix", HandleDeleteSuffix)
	g.PUT("/keys", HandleSaveAPIKey)
}

func storeFrom(c echo.Context) storage.Storage {
	return c.Get("store").(storage.Storage)
}

func caServiceFrom(c echo.Context) *ca.Service {
	return c.Get("caService").(*ca.Service)
}

func loggerFrom(c echo.Context, handler string) *zap.Logger {
	if l, ok := c.Get("logger").(*zap.Logger); ok {
		return l.With(zap.String("handler", handler))
	}
	return logger.With(zap.String("handler", handler))
}

// InventoryPage is the body of GET /ca/inventory.
type InventoryPage struct {
	Page     int                      `json:"page"`
	PageSize int                      `json:"pageSize"`
	Total    int                      `json:"total"`
	Items    []*model.CertificateItem `json:"items"`
}

// HandleInventory handles GET /ca/inventory?page=N. Pages start at 1.
func HandleInventory(c echo.Context) error {
	reqLogger := loggerFrom(c, "HandleInventory")

	page := 1
	if raw := c.QueryParam("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxInventoryPage {
			return echo.NewHTTPError(http.StatusBadRequest, "page must be a positive integer")
		}
		page = n
	}
	size := defaultPageSize
	if cfg, ok := c.Get("cfg").(*config.Config); ok && cfg.InventoryPageSize > 0 {
		size = cfg.InventoryPageSize
	}

	items, total, err := storeFrom(c).ListCertificates(c.Request().Context(), page, size)
	if err != nil {
		reqLogger.Error("Failed to list certificates", zap.Int("page", page), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to list certificates")
	}
	if items == nil {
		items = []*model.CertificateItem{}
	}
	return c.JSON(http.StatusOK, InventoryPage{Page: page, PageSize: size, Total: total, Items: items})
}

// HandleRevoke handles DELETE /ca/revoke?sn=..&reason=..&signature=..
// The caller presents a client certificate issued by this CA and signs
// sn+reason with its key; the signature is base64 (standard or URL alphabet).
func HandleRevoke(c echo.Context) error {
	reqLogger := loggerFrom(c, "HandleRevoke")
	ctx := c.Request().Context()

	serial := strings.TrimSpace(c.QueryParam("sn"))
	reasonParam := strings.TrimSpace(c.QueryParam("reason"))
	sigParam := c.QueryParam("signature")
	if serial == "" || reasonParam == "" || sigParam == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sn, reason and signature are required")
	}
	reason, err := strconv.Atoi(reasonParam)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reason must be an integer")
	}
	sig, err := decodeSignature(sigParam)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "signature is not valid base64")
	}

	svc := caServiceFrom(c)
	client, err := auth.ClientCertificate(ctx, c.Request(), svc.Roots(), storeFrom(c))
	if err != nil {
		reqLogger.Warn("Revocation client authentication failed", zap.Error(err))
		if auth.IsAuthError(err) {
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to authenticate client")
	}
	if err := verifyRevocationSignature(client, serial+reasonParam, sig); err != nil {
		reqLogger.Warn("Revocation signature rejected", zap.String("serial", serial), zap.Error(err))
		return echo.NewHTTPError(http.StatusUnauthorized, "signature could not be verified")
	}

	found, err := svc.RevokeCertificate(ctx, serial, reason)
	switch {
	case errors.Is(err, ca.ErrInvalidReason):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		reqLogger.Error("Revocation failed", zap.String("serial", serial), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to revoke certificate")
	case !found:
		return echo.NewHTTPError(http.StatusNotFound, "certificate not found")
	}
	reqLogger.Info("Certificate revoked",
		zap.String("serial", ca.NormalizeSerial(serial)),
		zap.Int("reason", reason),
		zap.String("requestedBy", ca.SerialHex(client.SerialNumber)))
	return c.NoContent(http.StatusOK)
}

func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func verifyRevocationSignature(cert *x509.Certificate, message string, sig []byte) error {
	var alg x509.SignatureAlgorithm
	switch cert.PublicKey.(type) {
	case *rsa.PublicKey:
		alg = x509.SHA256WithRSA
	case *ecdsa.PublicKey:
		alg = x509.ECDSAWithSHA256
	default:
		return errors.New("unsupported client key type")
	}
	return cert.CheckSignature(alg, []byte(message), sig)
}

// HandleCRL handles GET /ca/crl.
func HandleCRL(c echo.Context) error {
	crl, err := caServiceFrom(c).LatestRevocationList(c.Request().Context())
	if err != nil {
		loggerFrom(c, "HandleCRL").Error("Failed to load CRL", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load CRL")
	}
	return c.Blob(http.StatusOK, mimeTypePKIXCRL, crl)
}

// HandleCertificate handles GET /ca/certificate?thumbprint=..&id=..
// id is a serial number; thumbprint takes precedence when both are given.
func HandleCertificate(c echo.Context) error {
	reqLogger := loggerFrom(c, "HandleCertificate")
	ctx := c.Request().Context()
	store := storeFrom(c)

	thumbprint := strings.ToUpper(strings.TrimSpace(c.QueryParam("thumbprint")))
	id := strings.TrimSpace(c.QueryParam("id"))

	var (
		item *model.CertificateItem
		err  error
	)
	switch {
	case thumbprint != "":
		item, err = store.GetCertificateByThumbprint(ctx, thumbprint)
	case id != "":
		item, err = store.GetCertificate(ctx, ca.NormalizeSerial(id))
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "thumbprint or id is required")
	}
	if err != nil {
		reqLogger.Error("Failed to look up certificate", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to look up certificate")
	}
	if item == nil {
		return echo.NewHTTPError(http.StatusNotFound, "certificate not found")
	}
	return c.Blob(http.StatusOK, mimeTypePEMChain, []byte(item.CertificatePEM+item.ChainPEM))
}
