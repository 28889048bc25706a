// Package validation implements the ACME challenge validators (RFC 8555
// Section 8, RFC 8737).
package validation

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/config"
	"github.com/blockadesystems/pkifoundry/internal/model"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "validation"))
}

// Problem kinds recorded on failed challenges.
const (
	KindConnection        = "connection"
	KindDNS               = "dns"
	KindIncorrectResponse = "incorrectResponse"
	KindTLS               = "tls"
	KindUnauthorized      = "unauthorized"
)

// Error explains why a challenge did not validate. It is an expected
// outcome, not a fault.
type Error struct {
	Kind   string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Kind, e.Detail)
}

// Problem converts the error into the problem document stored on the challenge.
func (e *Error) Problem() *model.ProblemDetails {
	return model.NewProblem(e.Kind, e.Detail, 403)
}

func failure(kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Input is what a validator needs to check one challenge.
type Input struct {
	// Domain is the identifier value without any wildcard prefix.
	Domain    string
	Challenge *model.Challenge
	Account   *model.Account
}

// Validator checks a single challenge type. It returns false together with
// an *Error for negative outcomes.
type Validator interface {
	Validate(ctx context.Context, in Input) (bool, error)
}

// Factory resolves validators by challenge type.
type Factory struct {
	validators map[string]Validator
}

// NewFactory builds the validators for the configured ports and resolver.
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{validators: map[string]Validator{
		model.ChallengeHTTP01:    &HTTP01Validator{Port: cfg.HTTP01Port, Timeout: cfg.ValidationTimeout},
		model.ChallengeDNS01:     &DNS01Validator{Resolver: cfg.DNSResolver, Timeout: cfg.ValidationTimeout},
		model.ChallengeTLSALPN01: &TLSALPN01Validator{Port: cfg.TLSALPN01Port, Timeout: cfg.ValidationTimeout},
	}}
}

// NewFactoryWith builds a factory over an explicit validator set.
func NewFactoryWith(validators map[string]Validator) *Factory {
	return &Factory{validators: validators}
}

// Get returns the validator for challengeType.
func (f *Factory) Get(challengeType string) (Validator, error) {
	v, ok := f.validators[challengeType]
	if !ok {
		return nil, fmt.Errorf("validation: unsupported challenge type %q", challengeType)
	}
	return v, nil
}

// KeyAuthorization returns token || '.' || base64url(JWK thumbprint).
func KeyAuthorization(token string, acct *model.Account) (string, error) {
	var key jose.JSONWebKey
	if err := key.UnmarshalJSON([]byte(acct.PublicKeyJWK)); err != nil {
		return "", fmt.Errorf("validation: account %s has an invalid key: %w", acct.ID, err)
	}
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("validation: thumbprint of account %s: %w", acct.ID, err)
	}
	return token + "." + base64.RawURLEncoding.EncodeToString(tp), nil
}

// DNS01Value is the TXT record content expected for keyAuthorization.
func DNS01Value(keyAuthorization string) string {
	sum := sha256.Sum256([]byte(keyAuthorization))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
