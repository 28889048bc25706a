package acme

import (
	"context"
	"net/url"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/model"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

// ValidatedRequest is a JWS that passed every check of ValidateRequest.
type ValidatedRequest struct {
	Header  ProtectedHeader
	Payload []byte
	// Key is the key that verified the signature.
	Key *jose.JSONWebKey
	// Account is set when the request was signed with a kid.
	Account *model.Account
}

// IsPostAsGet reports whether the payload is empty (RFC 8555 Section 6.3).
func (r *ValidatedRequest) IsPostAsGet() bool {
	return len(r.Payload) == 0
}

// RequestValidator authenticates ACME POST requests.
type RequestValidator struct {
	Store  storage.Storage
	Nonces *NonceService
	// AccountURLPrefix is the account URL with the trailing id removed.
	AccountURLPrefix string
}

// ValidateRequest runs the checks in a fixed order and stops at the first
// failure: url header, algorithm, jwk/kid exclusivity, nonce, signature.
func (v *RequestValidator) ValidateRequest(ctx context.Context, jws *JWS, requestURL string) (*ValidatedRequest, error) {
	h := jws.Header

	u, err := url.Parse(h.URL)
	if err != nil || !u.IsAbs() || h.URL != requestURL {
		return nil, UnauthorizedError("JWS url header %q does not match the request URL", h.URL)
	}

	if !isAllowedAlgorithm(h.Algorithm) {
		return nil, BadSignatureAlgorithmError("algorithm %q is not supported, use one of %v", h.Algorithm, AllowedAlgorithms)
	}

	if (h.JWK == nil) == (h.KeyID == "") {
		return nil, MalformedError("JWS must carry exactly one of jwk or kid")
	}

	ok, err := v.Nonces.ConsumeNonce(ctx, h.Nonce)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, BadNonceError("JWS has an invalid anti-replay nonce: %q", h.Nonce)
	}

	out := &ValidatedRequest{Header: h}
	if h.JWK != nil {
		if !h.JWK.Valid() || !h.JWK.IsPublic() {
			return nil, MalformedError("embedded jwk is not a valid public key")
		}
		out.Key = h.JWK
	} else {
		acct, err := v.lookupAccount(ctx, h.KeyID)
		if err != nil {
			return nil, err
		}
		key, err := ParseAccountKey(acct.PublicKeyJWK)
		if err != nil {
			return nil, err
		}
		out.Key = key
		out.Account = acct
	}

	payload, err := jws.verify(out.Key)
	if err != nil {
		logger.Debug("JWS signature verification failed", zap.Error(err))
		return nil, MalformedError("signature could not be verified")
	}
	out.Payload = payload
	return out, nil
}

func (v *RequestValidator) lookupAccount(ctx context.Context, kid string) (*model.Account, error) {
	id := strings.TrimPrefix(kid, v.AccountURLPrefix)
	if id == kid || id == "" || strings.Contains(id, "/") {
		return nil, MalformedError("kid %q is not an account URL of this server", kid)
	}
	acct, err := v.Store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, AccountDoesNotExistError("account %s does not exist", id)
	}
	if acct.Status != model.StatusValid {
		return nil, UnauthorizedError("account %s is %s", id, acct.Status)
	}
	return acct, nil
}
