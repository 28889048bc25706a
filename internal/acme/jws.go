package acme

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// AllowedAlgorithms are the JWS algorithms accepted on ACME requests.
var AllowedAlgorithms = []jose.SignatureAlgorithm{jose.RS256, jose.ES256}

// ProtectedHeader is the subset of the JWS protected header ACME uses.
type ProtectedHeader struct {
	Algorithm string           `json:"alg"`
	Nonce     string           `json:"nonce"`
	URL       string           `json:"url"`
	KeyID     string           `json:"kid,omitempty"`
	JWK       *jose.JSONWebKey `json:"jwk,omitempty"`
}

// JWS is a request body in flattened JSON serialization.
type JWS struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`

	Header ProtectedHeader `json:"-"`
	raw    []byte
}

// ParseJWS decodes a flattened JWS and its protected header. It does not
// verify anything.
func ParseJWS(body []byte) (*JWS, error) {
	var jws JWS
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&jws); err != nil {
		return nil, MalformedError("request body is not a JWS: %v", err)
	}
	if jws.Protected == "" || jws.Signature == "" {
		return nil, MalformedError("JWS must use the flattened JSON serialization with a protected header")
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(jws.Protected)
	if err != nil {
		return nil, MalformedError("protected header is not base64url: %v", err)
	}
	if err := json.Unmarshal(headerJSON, &jws.Header); err != nil {
		return nil, MalformedError("protected header is not valid JSON: %v", err)
	}
	jws.raw = body
	return &jws, nil
}

func isAllowedAlgorithm(alg string) bool {
	for _, a := range AllowedAlgorithms {
		if string(a) == alg {
			return true
		}
	}
	return false
}

// verify checks the signature with key and returns the payload.
func (j *JWS) verify(key *jose.JSONWebKey) ([]byte, error) {
	sig, err := jose.ParseSigned(string(j.raw), AllowedAlgorithms)
	if err != nil {
		return nil, err
	}
	if len(sig.Signatures) != 1 {
		return nil, fmt.Errorf("expected one signature, got %d", len(sig.Signatures))
	}
	if sig.Signatures[0].Protected.Algorithm != j.Header.Algorithm {
		return nil, fmt.Errorf("algorithm mismatch")
	}
	return sig.Verify(key)
}

// Thumbprint returns the base64url RFC 7638 SHA-256 thumbprint of key.
func Thumbprint(key *jose.JSONWebKey) (string, error) {
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("acme: failed to compute JWK thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// ParseAccountKey decodes a stored account JWK.
func ParseAccountKey(jwkJSON string) (*jose.JSONWebKey, error) {
	var key jose.JSONWebKey
	if err := key.UnmarshalJSON([]byte(jwkJSON)); err != nil {
		return nil, fmt.Errorf("acme: stored account key is invalid: %w", err)
	}
	return &key, nil
}

// samePublicKey reports whether key and pub encode the same public key.
func samePublicKey(key *jose.JSONWebKey, pub crypto.PublicKey) bool {
	a, err := x509.MarshalPKIXPublicKey(key.Key)
	if err != nil {
		return false
	}
	b, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}
