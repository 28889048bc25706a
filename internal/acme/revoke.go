package acme

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/ca"
)

// HandleRevokeCertificate revokes a certificate. The request is authorized
// either by the account that ordered it (kid) or by the certificate's own
// key (jwk).
func HandleRevokeCertificate(c echo.Context) error {
	reqLogger := loggerFrom(c, "HandleRevokeCertificate")
	ctx := c.Request().Context()

	req, err := validatePOST(c)
	if err != nil {
		return err
	}
	var payload RevokeCertPayload
	if err := decodePayload(req.Payload, &payload); err != nil {
		return err
	}
	certDER, err := base64.RawURLEncoding.DecodeString(payload.Certificate)
	if err != nil {
		return MalformedError("certificate is not base64url: %v", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return MalformedError("failed to parse certificate: %v", err)
	}
	reason := 0
	if payload.Reason != nil {
		reason = *payload.Reason
	}

	serial := ca.SerialHex(cert.SerialNumber)
	item, err := storeFrom(c).GetCertificate(ctx, serial)
	if err != nil {
		return err
	}
	if item == nil || item.Thumbprint != ca.Thumbprint(certDER) {
		return NotFoundError("certificate %s was not issued by this server", serial)
	}

	if req.Account != nil {
		if item.AccountID != req.Account.ID {
			return UnauthorizedError("account %s did not order certificate %s", req.Account.ID, serial)
		}
	} else if !samePublicKey(req.Key, cert.PublicKey) {
		return UnauthorizedError("JWS key does not match the certificate key")
	}
	if item.IsRevoked() {
		return AlreadyRevokedError("certificate %s is already revoked", serial)
	}

	if _, err := caServiceFrom(c).RevokeCertificate(ctx, serial, reason); err != nil {
		if errors.Is(err, ca.ErrInvalidReason) {
			return BadRevocationReasonError("revocation reason %d is not allowed", reason)
		}
		return err
	}
	reqLogger.Info("Certificate revoked via ACME", zap.String("serial", serial), zap.Int("reason", reason))
	return c.NoContent(http.StatusOK)
}
