package acme

import (
	"fmt"
	"time"

	"github.com/blockadesystems/pkifoundry/internal/config"
	"github.com/blockadesystems/pkifoundry/internal/model"
)

// Directory is the ACME directory object (RFC 8555 Section 7.1.1).
type Directory struct {
	NewNonce   string         `json:"newNonce"`
	NewAccount string         `json:"newAccount"`
	NewOrder   string         `json:"newOrder"`
	RevokeCert string         `json:"revokeCert"`
	Meta       *DirectoryMeta `json:"meta,omitempty"`
}

type DirectoryMeta struct {
	TermsOfService          string `json:"termsOfService,omitempty"`
	Website                 string `json:"website,omitempty"`
	ExternalAccountRequired bool   `json:"externalAccountRequired"`
}

// NewAccountPayload is the body of a new-account request.
type NewAccountPayload struct {
	Contact              []string `json:"contact,omitempty"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed,omitempty"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting,omitempty"`
}

// AccountUpdatePayload is the body of a request to the account URL.
type AccountUpdatePayload struct {
	Contact *[]string `json:"contact,omitempty"`
	Status  string    `json:"status,omitempty"`
}

type AccountResponse struct {
	Status               string    `json:"status"`
	Contact              []string  `json:"contact,omitempty"`
	TermsOfServiceAgreed bool      `json:"termsOfServiceAgreed,omitempty"`
	Orders               string    `json:"orders"`
	CreatedAt            time.Time `json:"createdAt"`
}

type OrdersListResponse struct {
	Orders []string `json:"orders"`
}

// NewOrderPayload is the body of a new-order request.
type NewOrderPayload struct {
	Identifiers []model.Identifier `json:"identifiers"`
	NotBefore   *time.Time         `json:"notBefore,omitempty"`
	NotAfter    *time.Time         `json:"notAfter,omitempty"`
}

type OrderResponse struct {
	Status         string                `json:"status"`
	Expires        time.Time             `json:"expires"`
	Identifiers    []model.Identifier    `json:"identifiers"`
	NotBefore      *time.Time            `json:"notBefore,omitempty"`
	NotAfter       *time.Time            `json:"notAfter,omitempty"`
	Error          *model.ProblemDetails `json:"error,omitempty"`
	Authorizations []string              `json:"authorizations"`
	Finalize       string                `json:"finalize"`
	Certificate    string                `json:"certificate,omitempty"`
}

// FinalizePayload carries the base64url DER CSR.
type FinalizePayload struct {
	CSR string `json:"csr"`
}

// AuthorizationUpdatePayload deactivates an authorization.
type AuthorizationUpdatePayload struct {
	Status string `json:"status"`
}

type AuthorizationResponse struct {
	Identifier model.Identifier      `json:"identifier"`
	Status     string                `json:"status"`
	Expires    time.Time             `json:"expires"`
	Challenges []ChallengeResponse   `json:"challenges"`
	Wildcard   bool                  `json:"wildcard,omitempty"`
	Error      *model.ProblemDetails `json:"error,omitempty"`
}

type ChallengeResponse struct {
	Type      string                `json:"type"`
	URL       string                `json:"url"`
	Status    string                `json:"status"`
	Token     string                `json:"token"`
	Validated *time.Time            `json:"validated,omitempty"`
	Error     *model.ProblemDetails `json:"error,omitempty"`
}

// RevokeCertPayload is the body of a revoke-cert request.
type RevokeCertPayload struct {
	Certificate string `json:"certificate"`
	Reason      *int   `json:"reason,omitempty"`
}

func directoryURL(cfg *config.Config) string { return cfg.ExternalURL + "/acme/directory" }
func baseURL(cfg *config.Config) string      { return cfg.ExternalURL + "/acme" }

func accountURL(cfg *config.Config, id string) string {
	return baseURL(cfg) + "/account/" + id
}

func orderURL(cfg *config.Config, id string) string {
	return baseURL(cfg) + "/order/" + id
}

func authzURL(cfg *config.Config, orderID, authzID string) string {
	return fmt.Sprintf("%s/authz/%s/%s", baseURL(cfg), orderID, authzID)
}

func challengeURL(cfg *config.Config, orderID, authzID, challengeID string) string {
	return fmt.Sprintf("%s/chall/%s/%s/%s", baseURL(cfg), orderID, authzID, challengeID)
}

func certificateURL(cfg *config.Config, orderID string) string {
	return baseURL(cfg) + "/cert/" + orderID
}

func link(url, relation string) string {
	return fmt.Sprintf("<%s>;rel=%q", url, relation)
}

func accountResponse(cfg *config.Config, acct *model.Account) AccountResponse {
	return AccountResponse{
		Status:               acct.Status,
		Contact:              acct.Contact,
		TermsOfServiceAgreed: acct.TermsOfServiceAgreed,
		Orders:               accountURL(cfg, acct.ID) + "/orders",
		CreatedAt:            acct.CreatedAt,
	}
}

func orderResponse(cfg *config.Config, o *model.Order, now time.Time) OrderResponse {
	resp := OrderResponse{
		Status:         model.DeriveOrderStatus(o, now),
		Expires:        o.Expires,
		Identifiers:    o.Identifiers,
		NotBefore:      o.NotBefore,
		NotAfter:       o.NotAfter,
		Error:          o.Error,
		Authorizations: make([]string, 0, len(o.Authorizations)),
		Finalize:       orderURL(cfg, o.ID) + "/finalize",
	}
	for _, a := range o.Authorizations {
		resp.Authorizations = append(resp.Authorizations, authzURL(cfg, o.ID, a.ID))
	}
	if o.Status == model.StatusValid && o.CertificatePEM != "" {
		resp.Certificate = certificateURL(cfg, o.ID)
	}
	return resp
}

func authorizationResponse(cfg *config.Config, orderID string, a *model.Authorization) AuthorizationResponse {
	resp := AuthorizationResponse{
		Identifier: a.Identifier,
		Status:     a.Status,
		Expires:    a.Expires,
		Wildcard:   a.Wildcard,
		Error:      a.Error,
		Challenges: make([]ChallengeResponse, 0, len(a.Challenges)),
	}
	for _, ch := range a.Challenges {
		resp.Challenges = append(resp.Challenges, challengeResponse(cfg, orderID, a.ID, ch))
	}
	return resp
}

func challengeResponse(cfg *config.Config, orderID, authzID string, ch *model.Challenge) ChallengeResponse {
	return ChallengeResponse{
		Type:      ch.Type,
		URL:       challengeURL(cfg, orderID, authzID, ch.ID),
		Status:    ch.Status,
		Token:     ch.Token,
		Validated: ch.Validated,
		Error:     ch.Error,
	}
}
