// Package ca is the certificate authority engine. It validates and signs
// certificate requests, keeps the certificate ledger, revokes certificates and
// produces CRLs.
package ca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/audit"
	"github.com/blockadesystems/pkifoundry/internal/config"
	"github.com/blockadesystems/pkifoundry/internal/der"
	"github.com/blockadesystems/pkifoundry/internal/metrics"
	"github.com/blockadesystems/pkifoundry/internal/model"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "ca"))
}

// SetLogger replaces the package logger.
func SetLogger(l *zap.Logger) {
	logger = l.With(zap.String("package", "ca"))
}

var (
	// ErrCANotInitialized indicates the roots could not be loaded or generated.
	ErrCANotInitialized = errors.New("ca: CA certificate or private key is not initialized")
	// ErrInvalidReason is returned for revocation reasons outside RFC 5280 CRLReason.
	ErrInvalidReason = errors.New("ca: invalid revocation reason")
)

// RequestError carries the human readable reasons a request was refused.
type RequestError struct {
	Reasons []string
}

func (e *RequestError) Error() string {
	return "ca: certificate request rejected: " + strings.Join(e.Reasons, "; ")
}

// Request is a certificate signing request plus its provenance.
type Request struct {
	CSR *x509.CertificateRequest
	// ReenrollingFrom is the certificate being renewed. Its SANs are carried
	// forward when the CSR names none.
	ReenrollingFrom *x509.Certificate
	Source          string // "acme", "est", ...
	AccountID       string
	OrderID         string
}

func (r *Request) dnsNames() []string {
	return r.CSR.DNSNames
}

// Issued is the result of a successful signing operation.
type Issued struct {
	Certificate *x509.Certificate
	// Chain is ordered from the leaf's issuer up to the root, leaf excluded.
	Chain []*x509.Certificate
	Item  *model.CertificateItem
}

// ChainPEM returns the leaf followed by its chain.
func (i *Issued) ChainPEM() []byte {
	return append(EncodeCertificate(i.Certificate), EncodeCertificates(i.Chain)...)
}

// Service implements the CA logic.
type Service struct {
	cfg        *config.Config
	store      storage.Storage
	roots      *Roots
	recorder   audit.Recorder
	validators []RequestValidator

	crlMutex      sync.Mutex
	lastCRLNumber *big.Int
}

// New creates the CA service. The key policy and identifier checks always
// run; the domain allow-list runs when the configuration enforces it. Extra
// validators run after those.
func New(cfg *config.Config, store storage.Storage, roots *Roots, recorder audit.Recorder, extra ...RequestValidator) (*Service, error) {
	if roots == nil || roots.RSA == nil || roots.ECDSA == nil {
		return nil, ErrCANotInitialized
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	validators := []RequestValidator{
		KeyPolicyValidator{Policy: cfg.CertificatePolicies},
		IdentifierValidator{},
	}
	if cfg.CertificatePolicies.EnforceDomainPolicy {
		validators = append(validators, DomainPolicyValidator{Store: store})
	}
	validators = append(validators, extra...)

	logger.Info("CA service initialized",
		zap.String("rsa_root", roots.RSA.Certificate.Subject.String()),
		zap.String("ecdsa_root", roots.ECDSA.Certificate.Subject.String()),
		zap.Int("validators", len(validators)))

	return &Service{
		cfg:        cfg,
		store:      store,
		roots:      roots,
		recorder:   recorder,
		validators: validators,
	}, nil
}

// GetRootCertificates returns the trusted root set, RSA first.
func (s *Service) GetRootCertificates() []*x509.Certificate {
	return s.roots.Certificates()
}

// Roots exposes the loaded trust anchors.
func (s *Service) Roots() *Roots {
	return s.roots
}

// ParseCertificateRequest checks the DER structure of a PKCS#10 request, then
// parses it and verifies its self-signature.
func ParseCertificateRequest(csrDER []byte) (*x509.CertificateRequest, error) {
	if _, err := der.ParseCertificationRequest(csrDER); err != nil {
		return nil, fmt.Errorf("ca: malformed certificate request: %w", err)
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to parse certificate request: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("ca: invalid CSR signature: %w", err)
	}
	return csr, nil
}

// SignCertificateRequestPem parses a PEM encoded PKCS#10 request and signs it.
func (s *Service) SignCertificateRequestPem(ctx context.Context, csrPEM string, source string) (*Issued, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || (block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST") {
		return nil, &RequestError{Reasons: []string{"request is not a PEM encoded certificate request"}}
	}
	csr, err := ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, &RequestError{Reasons: []string{err.Error()}}
	}
	return s.SignCertificateRequest(ctx, Request{CSR: csr, Source: source})
}

// SignCertificateRequest validates req against policy and, when accepted,
// signs it with the root matching the requested key algorithm. Policy
// failures are returned as *RequestError.
func (s *Service) SignCertificateRequest(ctx context.Context, req Request) (*Issued, error) {
	if req.CSR == nil {
		return nil, &RequestError{Reasons: []string{"missing certificate request"}}
	}
	l := logger.With(zap.Strings("dns_names", req.CSR.DNSNames), zap.String("source", req.Source), zap.String("order_id", req.OrderID))
	l.Info("Received CSR for signing")

	if err := req.CSR.CheckSignature(); err != nil {
		l.Warn("CSR signature validation failed", zap.Error(err))
		return nil, &RequestError{Reasons: []string{fmt.Sprintf("invalid CSR signature: %v", err)}}
	}

	var reasons []string
	for _, v := range s.validators {
		found, err := v.Validate(ctx, &req)
		if err != nil {
			l.Error("CSR validator failed", zap.Error(err))
			return nil, fmt.Errorf("ca: %w", err)
		}
		reasons = append(reasons, found...)
	}
	if len(reasons) > 0 {
		l.Warn("CSR rejected by policy", zap.Strings("reasons", reasons))
		return nil, &RequestError{Reasons: reasons}
	}

	root, err := s.roots.ForKey(req.CSR.PublicKey)
	if err != nil {
		return nil, &RequestError{Reasons: []string{err.Error()}}
	}
	l = l.With(zap.String("root", root.Name))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	template, err := s.leafTemplate(&req, root)
	if err != nil {
		return nil, err
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, root.Certificate, req.CSR.PublicKey, root.Signer)
	if err != nil {
		l.Error("Failed to create/sign certificate", zap.Error(err))
		return nil, fmt.Errorf("ca: failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to parse created certificate: %w", err)
	}

	chain := []*x509.Certificate{root.Certificate}
	item := &model.CertificateItem{
		SerialNumber:   SerialHex(cert.SerialNumber),
		Subject:        cert.Subject.String(),
		Issuer:         cert.Issuer.String(),
		NotBefore:      cert.NotBefore.UTC(),
		NotAfter:       cert.NotAfter.UTC(),
		Thumbprint:     Thumbprint(cert.Raw),
		CertificatePEM: string(EncodeCertificate(cert)),
		ChainPEM:       string(EncodeCertificates(chain)),
		AccountID:      req.AccountID,
		OrderID:        req.OrderID,
	}
	if err := s.store.SaveCertificate(ctx, item); err != nil {
		l.Error("Failed to record issued certificate", zap.Error(err))
		return nil, fmt.Errorf("ca: failed to record certificate: %w", err)
	}

	metrics.CertificatesIssued.WithLabelValues(req.Source, KeyType(req.CSR.PublicKey)).Inc()
	kind := audit.KindIssued
	if req.ReenrollingFrom != nil {
		kind = audit.KindReenrolled
	} else if req.Source == "est" {
		kind = audit.KindEnrolled
	}
	s.record(ctx, audit.Event{
		Kind:         kind,
		SerialNumber: item.SerialNumber,
		Subject:      item.Subject,
		Issuer:       item.Issuer,
		Source:       req.Source,
		AccountID:    req.AccountID,
		OrderID:      req.OrderID,
	})

	l.Info("Successfully signed certificate", zap.String("serial", item.SerialNumber), zap.Time("expiry", cert.NotAfter))
	return &Issued{Certificate: cert, Chain: chain, Item: item}, nil
}

// leafTemplate builds the end-entity template for req.
func (s *Service) leafTemplate(req *Request, root *Root) (*x509.Certificate, error) {
	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, fmt.Errorf("ca: %w", err)
	}
	ski, err := computeSubjectKeyID(req.CSR.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to compute subject key identifier: %w", err)
	}

	csr := req.CSR
	subject := csr.Subject
	dnsNames, ips, emails, uris := csr.DNSNames, csr.IPAddresses, csr.EmailAddresses, csr.URIs
	if prev := req.ReenrollingFrom; prev != nil && len(dnsNames) == 0 && len(ips) == 0 && len(emails) == 0 && len(uris) == 0 {
		dnsNames, ips, emails, uris = prev.DNSNames, prev.IPAddresses, prev.EmailAddresses, prev.URIs
	}
	if subject.CommonName == "" && len(dnsNames) > 0 {
		subject.CommonName = dnsNames[0]
	}

	keyUsage := x509.KeyUsageDigitalSignature
	if _, ok := csr.PublicKey.(*rsa.PublicKey); ok {
		keyUsage |= x509.KeyUsageKeyEncipherment
	}

	notBefore := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	notAfter := notBefore.AddDate(0, 0, s.cfg.DefaultCertValidityDays)
	if notAfter.After(root.Certificate.NotAfter) {
		notAfter = root.Certificate.NotAfter
	}
	if err := ValidateValidityPeriod(notBefore, notAfter, s.cfg.DefaultCertValidityDays, root.Certificate.NotAfter); err != nil {
		return nil, err
	}

	return &x509.Certificate{
		SerialNumber:   serialNumber,
		Subject:        subject,
		DNSNames:       dnsNames,
		IPAddresses:    ips,
		EmailAddresses: emails,
		URIs:           uris,

		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage:              keyUsage,
		ExtKeyUsage:           s.cfg.CertificatePolicies.AllowedExtKeyUsages,
		BasicConstraintsValid: true,
		IsCA:                  false,

		SubjectKeyId:          ski,
		AuthorityKeyId:        root.Certificate.SubjectKeyId,
		OCSPServer:            s.cfg.CertificatePolicies.OCSPServer,
		CRLDistributionPoints: s.cfg.CertificatePolicies.CRLDistributionPoint,
	}, nil
}

// RevokeCertificate marks the certificate revoked. It returns false when the
// serial is unknown; revoking again overwrites the reason and date.
// removeFromCRL (8) is refused since only full CRLs are issued.
func (s *Service) RevokeCertificate(ctx context.Context, serialNumber string, reason int) (bool, error) {
	if reason < 0 || reason > 10 || reason == 7 || reason == 8 {
		return false, ErrInvalidReason
	}
	serial := NormalizeSerial(serialNumber)
	l := logger.With(zap.String("serial", serial), zap.Int("reasonCode", reason))
	l.Info("Revoking certificate")

	found, err := s.store.RevokeCertificate(ctx, serial, reason, time.Now().UTC())
	if err != nil {
		l.Error("Failed to update certificate revocation status in storage", zap.Error(err))
		return false, fmt.Errorf("ca: failed to update storage for revocation: %w", err)
	}
	if !found {
		l.Info("Certificate to revoke not found")
		return false, nil
	}

	metrics.CertificatesRevoked.Inc()
	r := reason
	s.record(ctx, audit.Event{Kind: audit.KindRevoked, SerialNumber: serial, Source: "ca", Reason: &r})
	l.Info("Certificate marked as revoked")
	return true, nil
}

// GetRevocationList builds and signs a CRL over all revoked certificates that
// have not yet expired. The CRL is always signed by the ECDSA root.
func (s *Service) GetRevocationList(ctx context.Context) ([]byte, error) {
	s.crlMutex.Lock()
	defer s.crlMutex.Unlock()

	revoked, err := s.store.ListRevokedCertificates(ctx)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to list revoked certificates: %w", err)
	}

	now := time.Now().UTC()
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, item := range revoked {
		if !item.NotAfter.After(now) || !item.IsRevoked() {
			continue
		}
		serialInt, ok := new(big.Int).SetString(item.SerialNumber, 16)
		if !ok {
			logger.Warn("Skipping ledger entry with unparsable serial", zap.String("serial", item.SerialNumber))
			continue
		}
		entry := x509.RevocationListEntry{
			SerialNumber: serialInt,
			ReasonCode:   *item.RevocationReason,
		}
		if item.RevocationDate != nil {
			entry.RevocationTime = *item.RevocationDate
		}
		entries = append(entries, entry)
	}

	number := big.NewInt(now.UnixNano())
	if s.lastCRLNumber != nil && number.Cmp(s.lastCRLNumber) <= 0 {
		number = new(big.Int).Add(s.lastCRLNumber, big.NewInt(1))
	}

	signer := s.roots.ECDSA
	template := &x509.RevocationList{
		RevokedCertificateEntries: entries,
		Number:                    number,
		ThisUpdate:                now,
		NextUpdate:                now.Add(time.Duration(s.cfg.CRLValidityHours) * time.Hour),
	}
	crlBytes, err := x509.CreateRevocationList(rand.Reader, template, signer.Certificate, signer.Signer)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to create CRL: %w", err)
	}
	s.lastCRLNumber = number

	logger.Debug("Generated CRL", zap.Int("entries", len(entries)), zap.String("number", number.String()))
	return crlBytes, nil
}

// PublishRevocationList regenerates the CRL and stores it as the latest one.
func (s *Service) PublishRevocationList(ctx context.Context) ([]byte, error) {
	crlBytes, err := s.GetRevocationList(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveCRL(ctx, crlBytes); err != nil {
		return nil, fmt.Errorf("ca: failed to save CRL: %w", err)
	}
	logger.Info("Published CRL")
	return crlBytes, nil
}

// LatestRevocationList returns the stored CRL, publishing one when none exists.
func (s *Service) LatestRevocationList(ctx context.Context) ([]byte, error) {
	crlBytes, err := s.store.GetLatestCRL(ctx)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to load CRL: %w", err)
	}
	if crlBytes != nil {
		return crlBytes, nil
	}
	return s.PublishRevocationList(ctx)
}

// CertStatus is the revocation state of a ledger entry.
type CertStatus int

const (
	StatusUnknown CertStatus = iota
	StatusGood
	StatusRevoked
)

// Status reports the revocation state of a serial number.
type Status struct {
	Status    CertStatus
	RevokedAt time.Time
	Reason    int
	Item      *model.CertificateItem
}

// CertificateStatus looks up serialNumber in the ledger.
func (s *Service) CertificateStatus(ctx context.Context, serialNumber string) (Status, error) {
	item, err := s.store.GetCertificate(ctx, NormalizeSerial(serialNumber))
	if err != nil {
		return Status{}, fmt.Errorf("ca: failed to look up certificate: %w", err)
	}
	if item == nil {
		return Status{Status: StatusUnknown}, nil
	}
	if item.IsRevoked() {
		st := Status{Status: StatusRevoked, Reason: *item.RevocationReason, Item: item}
		if item.RevocationDate != nil {
			st.RevokedAt = *item.RevocationDate
		}
		return st, nil
	}
	return Status{Status: StatusGood, Item: item}, nil
}

func (s *Service) record(ctx context.Context, event audit.Event) {
	if err := s.recorder.Record(ctx, event); err != nil {
		logger.Warn("Failed to append audit event", zap.String("kind", event.Kind), zap.Error(err))
	}
}
