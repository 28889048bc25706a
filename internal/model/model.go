package model

import (
	"encoding/json"
	"time"
)

// Resource statuses shared by accounts, orders, authorizations and challenges.
const (
	StatusPending     = "pending"
	StatusReady       = "ready"
	StatusProcessing  = "processing"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusExpired     = "expired"
	StatusDeactivated = "deactivated"
	StatusRevoked     = "revoked"
)

// Challenge types.
const (
	ChallengeHTTP01    = "http-01"
	ChallengeDNS01     = "dns-01"
	ChallengeTLSALPN01 = "tls-alpn-01"
)

// IdentifierDNS is the only identifier type accepted in orders.
const IdentifierDNS = "dns"

// Account represents an ACME account on the server.
type Account struct {
	ID                   string     `json:"id"`                             // Unique account identifier (UUID)
	Status               string     `json:"status"`                         // "valid", "deactivated", "revoked"
	Contact              []string   `json:"contact,omitempty"`              // Contact URLs (e.g., "mailto:...")
	TermsOfServiceAgreed bool       `json:"termsOfServiceAgreed,omitempty"` // Client agreed to terms
	TermsAgreedAt        *time.Time `json:"termsAgreedAt,omitempty"`        // When the client agreed
	KeyThumbprint        string     `json:"keyThumbprint"`                  // RFC 7638 SHA-256 thumbprint, base64url
	PublicKeyJWK         string     `json:"publicKeyJwk"`                   // Account key as JWK JSON, fixed at creation
	Version              uint64     `json:"version"`                        // Optimistic concurrency stamp
	CreatedAt            time.Time  `json:"createdAt"`
	LastModifiedAt       time.Time  `json:"lastModifiedAt"`
}

// Order represents a certificate order together with its authorizations.
type Order struct {
	ID                string           `json:"id"`
	AccountID         string           `json:"accountId"`
	Status            string           `json:"status"` // "pending", "ready", "processing", "valid", "invalid"
	Expires           time.Time        `json:"expires"`
	Identifiers       []Identifier     `json:"identifiers"`
	NotBefore         *time.Time       `json:"notBefore,omitempty"`
	NotAfter          *time.Time       `json:"notAfter,omitempty"`
	Authorizations    []*Authorization `json:"authorizations"`
	CSR               string           `json:"csr,omitempty"`               // base64url DER PKCS#10, set by finalize
	CertificatePEM    string           `json:"certificatePem,omitempty"`    // leaf followed by issuer chain
	CertificateSerial string           `json:"certificateSerial,omitempty"` // link into the certificate ledger
	Error             *ProblemDetails  `json:"error,omitempty"`
	Version           uint64           `json:"version"`
	CreatedAt         time.Time        `json:"createdAt"`
	LastModifiedAt    time.Time        `json:"lastModifiedAt"`
}

// Identifier represents a domain or other identifier in an order.
type Identifier struct {
	Type  string `json:"type"`  // e.g., "dns"
	Value string `json:"value"` // e.g., "example.com"
}

// Authorization is the proof requirement for one identifier of an order.
type Authorization struct {
	ID         string          `json:"id"`
	Identifier Identifier      `json:"identifier"`
	Status     string          `json:"status"`
	Expires    time.Time       `json:"expires"`
	Wildcard   bool            `json:"wildcard,omitempty"`
	Challenges []*Challenge    `json:"challenges"`
	Error      *ProblemDetails `json:"error,omitempty"`
}

// Challenge represents an ACME challenge to prove control over an identifier.
type Challenge struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"` // "http-01", "dns-01", "tls-alpn-01"
	URL       string          `json:"url"`
	Status    string          `json:"status"`
	Token     string          `json:"token"`
	Validated *time.Time      `json:"validated,omitempty"`
	Error     *ProblemDetails `json:"error,omitempty"`
}

// Nonce is a single-use replay protection token.
type Nonce struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// CertificateItem is the CA ledger record of an issued certificate.
// Records are never deleted; only the revocation fields change.
type CertificateItem struct {
	SerialNumber     string     `json:"serialNumber"` // upper-case hex
	Subject          string     `json:"subject"`
	Issuer           string     `json:"issuer"` // issuer DN
	NotBefore        time.Time  `json:"notBefore"`
	NotAfter         time.Time  `json:"notAfter"`
	Thumbprint       string     `json:"thumbprint"` // upper-case hex SHA-1 of the DER
	CertificatePEM   string     `json:"certificatePem"`
	ChainPEM         string     `json:"chainPem,omitempty"`
	AccountID        string     `json:"accountId,omitempty"`
	OrderID          string     `json:"orderId,omitempty"`
	RevocationReason *int       `json:"revocationReason,omitempty"`
	RevocationDate   *time.Time `json:"revocationDate,omitempty"`
}

// IsRevoked reports whether a revocation reason has been recorded.
func (c *CertificateItem) IsRevoked() bool {
	return c.RevocationReason != nil
}

// Revoke records the revocation reason and date, overwriting earlier values.
func (c *CertificateItem) Revoke(reason int, at time.Time) {
	r := reason
	t := at.UTC()
	c.RevocationReason = &r
	c.RevocationDate = &t
}

// ProblemDetails represents an ACME error object (RFC 7807 / RFC 8555 Section 6.7).
type ProblemDetails struct {
	Type        string          `json:"type"`
	Detail      string          `json:"detail"`
	Status      int             `json:"status,omitempty"`
	Instance    string          `json:"instance,omitempty"`
	Subproblems json.RawMessage `json:"subproblems,omitempty"`
}

// ACME error type prefix (RFC 8555 Section 6.7).
const ErrorNamespace = "urn:ietf:params:acme:error:"

// NewProblem builds a problem document of the given ACME error kind.
func NewProblem(kind, detail string, status int) *ProblemDetails {
	return &ProblemDetails{Type: ErrorNamespace + kind, Detail: detail, Status: status}
}
