package acme

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/ca"
	"github.com/blockadesystems/pkifoundry/internal/config"
	"github.com/blockadesystems/pkifoundry/internal/model"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

const (
	tokenBytes       = 32
	maxIdentifiers   = 100
	pemChainMimeType = "application/pem-certificate-chain"
)

// HandleNewOrder creates an order with one pending authorization per identifier.
func HandleNewOrder(c echo.Context) error {
	reqLogger := loggerFrom(c, "HandleNewOrder")
	ctx := c.Request().Context()
	store := storeFrom(c)
	cfg := configFrom(c)

	req, err := validateAccountPOST(c)
	if err != nil {
		return err
	}
	var payload NewOrderPayload
	if err := decodePayload(req.Payload, &payload); err != nil {
		return err
	}
	identifiers, err := normalizeIdentifiers(payload.Identifiers)
	if err != nil {
		return err
	}
	if err := checkDomainPolicy(ctx, store, cfg, identifiers); err != nil {
		return err
	}
	if payload.NotBefore != nil && payload.NotAfter != nil && !payload.NotAfter.After(*payload.NotBefore) {
		return MalformedError("notAfter must be after notBefore")
	}

	now := time.Now().UTC()
	order := &model.Order{
		ID:             uuid.NewString(),
		AccountID:      req.Account.ID,
		Status:         model.StatusPending,
		Expires:        now.Add(cfg.OrderLifetime),
		Identifiers:    identifiers,
		NotBefore:      payload.NotBefore,
		NotAfter:       payload.NotAfter,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	for _, ident := range identifiers {
		authz, err := newAuthorization(cfg, order.ID, ident, now)
		if err != nil {
			return err
		}
		order.Authorizations = append(order.Authorizations, authz)
	}
	if err := store.CreateOrder(ctx, order); err != nil {
		return err
	}

	reqLogger.Info("Created ACME order",
		zap.String("order_id", order.ID),
		zap.String("account_id", order.AccountID),
		zap.Int("identifiers", len(identifiers)))
	c.Response().Header().Set(echo.HeaderLocation, orderURL(cfg, order.ID))
	return c.JSON(http.StatusCreated, orderResponse(cfg, order, now))
}

// normalizeIdentifiers lowercases, validates and de-duplicates the requested
// identifiers, keeping the client's order.
func normalizeIdentifiers(in []model.Identifier) ([]model.Identifier, error) {
	if len(in) == 0 {
		return nil, MalformedError("order must contain at least one identifier")
	}
	if len(in) > maxIdentifiers {
		return nil, RejectedIdentifierError("order contains more than %d identifiers", maxIdentifiers)
	}
	seen := make(map[string]bool, len(in))
	out := make([]model.Identifier, 0, len(in))
	for _, ident := range in {
		if ident.Type != model.IdentifierDNS {
			return nil, UnsupportedIdentifierError("identifier type %q is not supported", ident.Type)
		}
		value := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(ident.Value)), ".")
		if err := validateDNSName(value); err != nil {
			return nil, err
		}
		if seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, model.Identifier{Type: model.IdentifierDNS, Value: value})
	}
	return out, nil
}

func validateDNSName(name string) error {
	base := strings.TrimPrefix(name, "*.")
	if strings.Contains(base, "*") {
		return RejectedIdentifierError("%q: wildcards are only allowed as the leftmost label", name)
	}
	if net.ParseIP(base) != nil {
		return RejectedIdentifierError("%q: IP address identifiers must use the ip type", name)
	}
	if len(base) == 0 || len(base) > 253 {
		return RejectedIdentifierError("%q is not a valid DNS name", name)
	}
	labels := strings.Split(base, ".")
	if len(labels) < 2 {
		return RejectedIdentifierError("%q must have at least two labels", name)
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return RejectedIdentifierError("%q is not a valid DNS name", name)
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return RejectedIdentifierError("%q contains an invalid character", name)
			}
		}
	}
	return nil
}

func checkDomainPolicy(ctx context.Context, store storage.Storage, cfg *config.Config, identifiers []model.Identifier) error {
	if !cfg.CertificatePolicies.EnforceDomainPolicy {
		return nil
	}
	for _, ident := range identifiers {
		allowed, err := store.IsDomainAllowed(ctx, strings.TrimPrefix(ident.Value, "*."))
		if err != nil {
			return err
		}
		if !allowed {
			return RejectedIdentifierError("%s is not allowed by the issuance policy", ident.Value)
		}
	}
	return nil
}

func newAuthorization(cfg *config.Config, orderID string, ident model.Identifier, now time.Time) (*model.Authorization, error) {
	wildcard := strings.HasPrefix(ident.Value, "*.")
	authz := &model.Authorization{
		ID:         uuid.NewString(),
		Identifier: model.Identifier{Type: ident.Type, Value: strings.TrimPrefix(ident.Value, "*.")},
		Status:     model.StatusPending,
		Expires:    now.Add(cfg.AuthorizationLifetime),
		Wildcard:   wildcard,
	}
	types := []string{model.ChallengeHTTP01, model.ChallengeDNS01, model.ChallengeTLSALPN01}
	if wildcard {
		types = []string{model.ChallengeDNS01}
	}
	for _, typ := range types {
		token, err := newToken()
		if err != nil {
			return nil, err
		}
		id := uuid.NewString()
		authz.Challenges = append(authz.Challenges, &model.Challenge{
			ID:     id,
			Type:   typ,
			URL:    challengeURL(cfg, orderID, authz.ID, id),
			Status: model.StatusPending,
			Token:  token,
		})
	}
	return authz, nil
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("acme: failed to generate challenge token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HandleGetOrder is POST-as-GET on an order.
func HandleGetOrder(c echo.Context) error {
	req, err := validateAccountPOST(c)
	if err != nil {
		return err
	}
	if !req.IsPostAsGet() {
		return MalformedError("order resources only accept POST-as-GET")
	}
	order, err := loadOwnedOrder(c.Request().Context(), storeFrom(c), c.Param("orderID"), req.Account)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, orderResponse(configFrom(c), order, time.Now()))
}

// HandleFinalize accepts the CSR of a ready order and hands the order to the
// issuance worker.
func HandleFinalize(c echo.Context) error {
	reqLogger := loggerFrom(c, "HandleFinalize")
	cfg := configFrom(c)
	id := c.Param("orderID")

	req, err := validateAccountPOST(c)
	if err != nil {
		return err
	}
	var payload FinalizePayload
	if err := decodePayload(req.Payload, &payload); err != nil {
		return err
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(payload.CSR)
	if err != nil {
		return BadCSRError("csr is not base64url: %v", err)
	}
	csr, err := ca.ParseCertificateRequest(csrDER)
	if err != nil {
		return BadCSRError("failed to parse CSR: %v", err)
	}
	if samePublicKey(req.Key, csr.PublicKey) {
		return BadCSRError("certificate public key must differ from the account key")
	}

	now := time.Now().UTC()
	order, err := updateOrder(c.Request().Context(), storeFrom(c), id, req.Account, func(o *model.Order) error {
		o.Refresh(now)
		if o.Status != model.StatusReady {
			return ConflictError("order %s is %s, not ready", o.ID, o.Status)
		}
		if err := matchCSRIdentifiers(csr.Subject.CommonName, csr.DNSNames, o.Identifiers); err != nil {
			return err
		}
		o.CSR = payload.CSR
		o.Status = model.StatusProcessing
		o.LastModifiedAt = now
		return nil
	})
	if err != nil {
		return err
	}

	reqLogger.Info("Order finalized, awaiting issuance", zap.String("order_id", order.ID))
	c.Response().Header().Set(echo.HeaderLocation, orderURL(cfg, order.ID))
	c.Response().Header().Set("Retry-After", "1")
	return c.JSON(http.StatusOK, orderResponse(cfg, order, now))
}

// matchCSRIdentifiers requires the CSR's CN and DNS SANs to name exactly the
// order's identifiers.
func matchCSRIdentifiers(commonName string, dnsNames []string, identifiers []model.Identifier) error {
	requested := make(map[string]bool)
	for _, name := range dnsNames {
		requested[strings.ToLower(name)] = true
	}
	if commonName != "" {
		requested[strings.ToLower(commonName)] = true
	}
	ordered := make(map[string]bool, len(identifiers))
	for _, ident := range identifiers {
		ordered[ident.Value] = true
	}
	var missing, extra []string
	for name := range ordered {
		if !requested[name] {
			missing = append(missing, name)
		}
	}
	for name := range requested {
		if !ordered[name] {
			extra = append(extra, name)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return BadCSRError("CSR identifiers do not match the order (missing: %v, unexpected: %v)", missing, extra)
}

// HandleCertificate downloads the PEM chain of a valid order.
func HandleCertificate(c echo.Context) error {
	req, err := validateAccountPOST(c)
	if err != nil {
		return err
	}
	order, err := loadOwnedOrder(c.Request().Context(), storeFrom(c), c.Param("orderID"), req.Account)
	if err != nil {
		return err
	}
	if order.Status != model.StatusValid || order.CertificatePEM == "" {
		return NotFoundError("order %s has no certificate", order.ID)
	}
	return c.Blob(http.StatusOK, pemChainMimeType, []byte(order.CertificatePEM))
}
