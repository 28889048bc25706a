package acme_test

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/pkifoundry/internal/acme"
	"github.com/blockadesystems/pkifoundry/internal/ca"
	"github.com/blockadesystems/pkifoundry/internal/model"
	"github.com/blockadesystems/pkifoundry/internal/testutils"
	"github.com/blockadesystems/pkifoundry/internal/validation"
	"github.com/blockadesystems/pkifoundry/internal/worker"
)

// issueViaACME runs an order for name through validation and issuance and
// returns the leaf certificate.
func issueViaACME(t *testing.T, srv *testutils.TestServer, c *client, name string) *x509.Certificate {
	t.Helper()
	ctx := context.Background()
	orderURL, order := newOrder(t, c, name)
	rec := c.postURL(order.Authorizations[0], nil)
	var authz acme.AuthorizationResponse
	decode(t, rec, &authz)
	c.postURL(authz.Challenges[0].URL, map[string]interface{}{})

	factory := validation.NewFactoryWith(map[string]validation.Validator{model.ChallengeHTTP01: &acceptAll{}})
	require.NoError(t, worker.NewValidationWorker(srv.Store, factory, 1).Run(ctx))
	rec = c.postURL(order.Finalize, acme.FinalizePayload{CSR: csrFor(t, name)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, worker.NewIssuanceWorker(srv.Store, srv.CA, 1).Run(ctx))

	decode(t, c.postURL(orderURL, nil), &order)
	require.Equal(t, model.StatusValid, order.Status)
	block, _ := pem.Decode(c.postURL(order.Certificate, nil).Body.Bytes())
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func revokePayload(cert *x509.Certificate, reason int) acme.RevokeCertPayload {
	return acme.RevokeCertPayload{
		Certificate: base64.RawURLEncoding.EncodeToString(cert.Raw),
		Reason:      &reason,
	}
}

func TestRevokeCert_ByAccount(t *testing.T) {
	srv := testutils.SetupTestServer(t)
	c := newClient(t, srv)
	c.register()
	cert := issueViaACME(t, srv, c, "revoke.example.com")

	other := newClient(t, srv)
	other.register()
	requireProblem(t, other.post("/acme/revoke-cert", revokePayload(cert, 1)), http.StatusUnauthorized, acme.KindUnauthorized)

	requireProblem(t, c.post("/acme/revoke-cert", revokePayload(cert, 7)), http.StatusBadRequest, acme.KindBadRevocationReason)

	rec := c.post("/acme/revoke-cert", revokePayload(cert, 1))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	st, err := srv.CA.CertificateStatus(context.Background(), ca.SerialHex(cert.SerialNumber))
	require.NoError(t, err)
	assert.Equal(t, ca.StatusRevoked, st.Status)
	assert.Equal(t, 1, st.Reason)

	requireProblem(t, c.post("/acme/revoke-cert", revokePayload(cert, 1)), http.StatusBadRequest, acme.KindAlreadyRevoked)

	crlDER, err := srv.CA.GetRevocationList(context.Background())
	require.NoError(t, err)
	crl, err := x509.ParseRevocationList(crlDER)
	require.NoError(t, err)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, 0, crl.RevokedCertificateEntries[0].SerialNumber.Cmp(cert.SerialNumber))
}

func TestRevokeCert_UnknownCertificate(t *testing.T) {
	srv := testutils.SetupTestServer(t)
	c := newClient(t, srv)
	c.register()
	cert := issueViaACME(t, srv, c, "known.example.com")

	// The same certificate presented to a server with an empty ledger.
	fresh := testutils.SetupTestServer(t)
	fc := newClient(t, fresh)
	fc.register()
	requireProblem(t, fc.post("/acme/revoke-cert", revokePayload(cert, 0)), http.StatusNotFound, acme.KindMalformed)
}
