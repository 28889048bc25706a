// Package est serves the Enrollment over Secure Transport operations of
// RFC 7030 on top of the CA engine.
package est

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.mozilla.org/pkcs7"
	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/auth"
	"github.com/blockadesystems/pkifoundry/internal/ca"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "est"))
}

const (
	mimeTypePKCS7CertsOnly = "application/pkcs7-mime; smime-type=certs-only"
	mimeTypePKCS10         = "application/pkcs10"
	encodingTypeBase64     = "base64"
	transferEncodingHeader = "Content-Transfer-Encoding"
	maxRequestSize         = 64 << 10
	sourceEST              = "est"
)

// RegisterRoutes mounts the EST operations on g, which is expected to be
// the "/.well-known/est" group.
func RegisterRoutes(g *echo.Group) {
	g.GET("/cacerts", HandleCACerts)
	g.POST("/simpleenroll", HandleSimpleEnroll)
	g.POST("/simplereenroll", HandleSimpleReenroll)
	g.GET("/csrattrs", HandleCSRAttrs)
}

func caServiceFrom(c echo.Context) *ca.Service {
	return c.Get("caService").(*ca.Service)
}

func storeFrom(c echo.Context) storage.Storage {
	return c.Get("store").(storage.Storage)
}

func loggerFrom(c echo.Context, handler string) *zap.Logger {
	if l, ok := c.Get("logger").(*zap.Logger); ok {
		return l.With(zap.String("handler", handler))
	}
	return logger.With(zap.String("handler", handler))
}

// HandleCACerts returns the root certificates as a certs-only PKCS#7 (RFC 7030 4.1).
func HandleCACerts(c echo.Context) error {
	reqLogger := loggerFrom(c, "HandleCACerts")
	body, err := certsOnly(caServiceFrom(c).GetRootCertificates())
	if err != nil {
		reqLogger.Error("Failed to build CA certificates response", zap.Error(err))
		return writeError(c, err)
	}
	return writeCertsOnly(c, body)
}

// HandleCSRAttrs reports that no particular CSR attributes are required (RFC 7030 4.5).
func HandleCSRAttrs(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

// HandleSimpleEnroll signs a PKCS#10 request (RFC 7030 4.2.1).
func HandleSimpleEnroll(c echo.Context) error {
	reqLogger := loggerFrom(c, "HandleSimpleEnroll")
	csr, err := readCSR(c)
	if err != nil {
		return writeError(c, err)
	}
	return enroll(c, reqLogger, ca.Request{CSR: csr, Source: sourceEST})
}

// HandleSimpleReenroll renews the certificate the client authenticated with
// (RFC 7030 4.2.2). The CSR subject must equal the current certificate's.
func HandleSimpleReenroll(c echo.Context) error {
	reqLogger := loggerFrom(c, "HandleSimpleReenroll")
	ctx := c.Request().Context()

	current, err := auth.ClientCertificate(ctx, c.Request(), caServiceFrom(c).Roots(), storeFrom(c))
	if err != nil {
		reqLogger.Warn("Reenroll client authentication failed", zap.Error(err))
		if auth.IsAuthError(err) {
			return writeError(c, errUnauthorized(err.Error()))
		}
		return writeError(c, err)
	}
	csr, err := readCSR(c)
	if err != nil {
		return writeError(c, err)
	}
	if csr.Subject.String() != current.Subject.String() {
		return writeError(c, errBadRequest("certificate request subject does not match the current certificate"))
	}
	reqLogger = reqLogger.With(zap.String("renewing", ca.SerialHex(current.SerialNumber)))
	return enroll(c, reqLogger, ca.Request{CSR: csr, ReenrollingFrom: current, Source: sourceEST})
}

func enroll(c echo.Context, reqLogger *zap.Logger, req ca.Request) error {
	issued, err := caServiceFrom(c).SignCertificateRequest(c.Request().Context(), req)
	if err != nil {
		var reqErr *ca.RequestError
		if errors.As(err, &reqErr) {
			reqLogger.Info("EST enrollment rejected", zap.Strings("reasons", reqErr.Reasons))
			return writeError(c, errBadRequest(strings.Join(reqErr.Reasons, "; ")))
		}
		reqLogger.Error("EST enrollment failed", zap.Error(err))
		return writeError(c, err)
	}
	body, err := certsOnly(append([]*x509.Certificate{issued.Certificate}, issued.Chain...))
	if err != nil {
		reqLogger.Error("Failed to build enrollment response", zap.Error(err))
		return writeError(c, err)
	}
	reqLogger.Info("EST certificate issued", zap.String("serial", issued.Item.SerialNumber), zap.String("subject", issued.Item.Subject))
	return writeCertsOnly(c, body)
}

// readCSR decodes the request body. RFC 7030 mandates base64 transfer
// encoding; raw DER is accepted as well.
func readCSR(c echo.Context) (*x509.CertificateRequest, error) {
	req := c.Request()
	if ct := req.Header.Get(echo.HeaderContentType); ct != "" && !strings.HasPrefix(ct, mimeTypePKCS10) {
		return nil, &estError{status: http.StatusUnsupportedMediaType, desc: fmt.Sprintf("content type must be %s", mimeTypePKCS10)}
	}
	raw, err := io.ReadAll(io.LimitReader(req.Body, maxRequestSize+1))
	if err != nil {
		return nil, errBadRequest("failed to read request body")
	}
	if len(raw) > maxRequestSize {
		return nil, &estError{status: http.StatusRequestEntityTooLarge, desc: "request body too large"}
	}
	der, err := decodeBase64(raw)
	if err != nil {
		der = raw
	}
	csr, err := ca.ParseCertificateRequest(der)
	if err != nil {
		return nil, errBadRequest(fmt.Sprintf("invalid certificate request: %v", err))
	}
	return csr, nil
}

func decodeBase64(b []byte) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, string(b))
	return base64.StdEncoding.DecodeString(clean)
}

func certsOnly(certs []*x509.Certificate) ([]byte, error) {
	var raw []byte
	for _, cert := range certs {
		raw = append(raw, cert.Raw...)
	}
	p7, err := pkcs7.DegenerateCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("est: failed to build PKCS#7: %w", err)
	}
	return p7, nil
}

// writeCertsOnly writes the PKCS#7 as base64 broken into 64-character lines.
func writeCertsOnly(c echo.Context, p7 []byte) error {
	encoded := base64.StdEncoding.EncodeToString(p7)
	var b strings.Builder
	for len(encoded) > 64 {
		b.WriteString(encoded[:64])
		b.WriteString("\r\n")
		encoded = encoded[64:]
	}
	b.WriteString(encoded)
	c.Response().Header().Set(transferEncodingHeader, encodingTypeBase64)
	return c.Blob(http.StatusOK, mimeTypePKCS7CertsOnly, []byte(b.String()))
}

// Error is implemented by errors that carry their own HTTP status and,
// optionally, a Retry-After delay.
type Error interface {
	StatusCode() int
	Error() string
	RetryAfter() int
}

type estError struct {
	status     int
	desc       string
	retryAfter int
}

func (e *estError) StatusCode() int { return e.status }
func (e *estError) Error() string   { return e.desc }
func (e *estError) RetryAfter() int { return e.retryAfter }

func errBadRequest(desc string) *estError {
	return &estError{status: http.StatusBadRequest, desc: desc}
}

func errUnauthorized(desc string) *estError {
	return &estError{status: http.StatusUnauthorized, desc: desc}
}

// writeError renders err as plain text. Errors without a status are
// reported as internal server errors without detail.
func writeError(c echo.Context, err error) error {
	var estErr Error
	if !errors.As(err, &estErr) {
		return c.String(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)+"\n")
	}
	if estErr.RetryAfter() > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(estErr.RetryAfter()))
	}
	return c.String(estErr.StatusCode(), estErr.Error()+"\n")
}
