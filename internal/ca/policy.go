package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/blockadesystems/pkifoundry/internal/config"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

// RequestValidator inspects a signing request and returns the reasons it must
// be rejected. An empty result accepts the request.
type RequestValidator interface {
	Validate(ctx context.Context, req *Request) ([]string, error)
}

// RequestValidatorFunc adapts a function to RequestValidator.
type RequestValidatorFunc func(ctx context.Context, req *Request) ([]string, error)

func (f RequestValidatorFunc) Validate(ctx context.Context, req *Request) ([]string, error) {
	return f(ctx, req)
}

// KeyPolicyValidator enforces the allowed key algorithms, minimum RSA size and
// allowed ECDSA curves.
type KeyPolicyValidator struct {
	Policy config.CertificatePolicies
}

func (v KeyPolicyValidator) Validate(_ context.Context, req *Request) ([]string, error) {
	pub := req.CSR.PublicKey
	keyType := KeyType(pub)
	if keyType == "" {
		return []string{fmt.Sprintf("unsupported public key type %T", pub)}, nil
	}
	if !isTypeAllowed(keyType, v.Policy.AllowedKeyTypes) {
		return []string{fmt.Sprintf("key type %s is not allowed by CA policy", keyType)}, nil
	}

	switch k := pub.(type) {
	case *rsa.PublicKey:
		if size := k.N.BitLen(); size < v.Policy.MinRSASize {
			return []string{fmt.Sprintf("RSA key size (%d bits) is less than the minimum allowed (%d bits)", size, v.Policy.MinRSASize)}, nil
		}
	case *ecdsa.PublicKey:
		curveName := k.Curve.Params().Name
		allowed := false
		for _, c := range v.Policy.AllowedECDSACurves {
			if strings.EqualFold(curveName, c) {
				allowed = true
				break
			}
		}
		if !allowed {
			return []string{fmt.Sprintf("ECDSA curve '%s' is not allowed by CA policy", curveName)}, nil
		}
	default:
		// Keys without an issuing root cannot be signed even if policy lists them.
		return []string{fmt.Sprintf("no issuing root for key type %s", keyType)}, nil
	}
	return nil, nil
}

// isTypeAllowed is a case-insensitive membership check.
func isTypeAllowed(keyType string, allowedTypes []string) bool {
	for _, allowed := range allowedTypes {
		if strings.EqualFold(keyType, allowed) {
			return true
		}
	}
	return false
}

// IdentifierValidator requires at least one identity to certify, either in
// the request itself or carried forward from the certificate being renewed.
type IdentifierValidator struct{}

func (IdentifierValidator) Validate(_ context.Context, req *Request) ([]string, error) {
	if len(req.dnsNames()) > 0 || len(req.CSR.IPAddresses) > 0 || req.CSR.Subject.CommonName != "" {
		return nil, nil
	}
	if req.ReenrollingFrom != nil && (len(req.ReenrollingFrom.DNSNames) > 0 || req.ReenrollingFrom.Subject.CommonName != "") {
		return nil, nil
	}
	return []string{"request must contain a subject common name or at least one DNSName or IPAddress SAN"}, nil
}

// DomainPolicyValidator checks every requested DNS name and IP address against
// the allow-list kept in storage.
type DomainPolicyValidator struct {
	Store storage.Storage
}

func (v DomainPolicyValidator) Validate(ctx context.Context, req *Request) ([]string, error) {
	var reasons []string
	for _, name := range req.dnsNames() {
		normName := strings.ToLower(strings.TrimSpace(name))
		allowed, err := v.Store.IsDomainAllowed(ctx, normName)
		if err != nil {
			return nil, fmt.Errorf("policy check failed for %s: %w", normName, err)
		}
		if !allowed {
			reasons = append(reasons, fmt.Sprintf("domain name %s is not allowed by CA policy", normName))
		}
	}
	for _, ip := range req.CSR.IPAddresses {
		allowed, err := v.Store.IsDomainAllowed(ctx, ip.String())
		if err != nil {
			return nil, fmt.Errorf("policy check failed for %s: %w", ip, err)
		}
		if !allowed {
			reasons = append(reasons, fmt.Sprintf("IP address %s is not allowed by CA policy", ip))
		}
	}
	return reasons, nil
}

// ValidateValidityPeriod checks that the window does not exceed validityDays
// and lies inside the issuer's own validity.
func ValidateValidityPeriod(notBefore, notAfter time.Time, validityDays int, issuerNotAfter time.Time) error {
	if !notAfter.After(notBefore) {
		return fmt.Errorf("ca: validity period is empty")
	}
	if notAfter.After(notBefore.AddDate(0, 0, validityDays)) {
		return fmt.Errorf("ca: requested validity period exceeds the allowed maximum")
	}
	if notAfter.After(issuerNotAfter) {
		return fmt.Errorf("ca: validity period extends beyond the issuing root")
	}
	return nil
}
