package ocsp_test

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xocsp "golang.org/x/crypto/ocsp"

	"github.com/blockadesystems/pkifoundry/internal/audit"
	"github.com/blockadesystems/pkifoundry/internal/ca"
	"github.com/blockadesystems/pkifoundry/internal/config"
	"github.com/blockadesystems/pkifoundry/internal/der"
	"github.com/blockadesystems/pkifoundry/internal/ocsp"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Organization:            "OCSP Test",
		RSARootCommonName:       "OCSP Test RSA Root",
		ECDSARootCommonName:     "OCSP Test ECDSA Root",
		RSARootKeySize:          2048,
		CACertValidityYears:     2,
		DefaultCertValidityDays: 90,
		CRLValidityHours:        24,
		KeySource:               "storage",
		CertificatePolicies: config.CertificatePolicies{
			AllowedKeyTypes:    []string{"RSA", "ECDSA"},
			MinRSASize:         2048,
			AllowedECDSACurves: []string{"P-256", "P-384"},
		},
	}
}

var (
	rootsOnce sync.Once
	roots     *ca.Roots
	rootsErr  error
)

type fixture struct {
	svc       *ca.Service
	responder *ocsp.Responder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewFileStorage(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	rootsOnce.Do(func() {
		roots, rootsErr = ca.LoadRoots(context.Background(), testConfig(), store)
	})
	require.NoError(t, rootsErr)

	svc, err := ca.New(testConfig(), store, roots, audit.Nop{})
	require.NoError(t, err)
	return &fixture{svc: svc, responder: ocsp.NewResponder(svc, roots, 24*time.Hour)}
}

func (f *fixture) issue(t *testing.T, key crypto.Signer) *x509.Certificate {
	t.Helper()
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "ocsp.example.com"},
		DNSNames: []string{"ocsp.example.com"},
	}, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(csrDER)
	require.NoError(t, err)
	issued, err := f.svc.SignCertificateRequest(context.Background(), ca.Request{CSR: csr, Source: "test"})
	require.NoError(t, err)
	return issued.Certificate
}

func ecKey(t *testing.T) *ecdsa.PrivateKey {
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return k
}

func TestRespond_UnknownSerial(t *testing.T) {
	f := newFixture(t)
	issuer := roots.ECDSA.Certificate

	reqDER, err := xocsp.CreateRequest(&x509.Certificate{SerialNumber: big.NewInt(0xABC123)}, issuer, nil)
	require.NoError(t, err)

	resp, err := xocsp.ParseResponse(f.responder.Respond(context.Background(), reqDER), issuer)
	require.NoError(t, err)
	assert.Equal(t, xocsp.Unknown, resp.Status)
	assert.Zero(t, resp.SerialNumber.Cmp(big.NewInt(0xABC123)))
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), resp.NextUpdate, time.Minute)
}

func TestRespond_GoodThenRevoked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	leaf := f.issue(t, ecKey(t))
	issuer := roots.ECDSA.Certificate

	reqDER, err := xocsp.CreateRequest(leaf, issuer, nil)
	require.NoError(t, err)

	resp, err := xocsp.ParseResponseForCert(f.responder.Respond(ctx, reqDER), leaf, issuer)
	require.NoError(t, err)
	assert.Equal(t, xocsp.Good, resp.Status)

	found, err := f.svc.RevokeCertificate(ctx, ca.SerialHex(leaf.SerialNumber), xocsp.KeyCompromise)
	require.NoError(t, err)
	require.True(t, found)

	resp, err = xocsp.ParseResponseForCert(f.responder.Respond(ctx, reqDER), leaf, issuer)
	require.NoError(t, err)
	assert.Equal(t, xocsp.Revoked, resp.Status)
	assert.Equal(t, xocsp.KeyCompromise, resp.RevocationReason)
	assert.WithinDuration(t, time.Now(), resp.RevokedAt, time.Minute)
}

func TestRespond_RSALeafWithSHA256CertID(t *testing.T) {
	f := newFixture(t)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	leaf := f.issue(t, key)
	issuer := roots.RSA.Certificate

	reqDER, err := xocsp.CreateRequest(leaf, issuer, &xocsp.RequestOptions{Hash: crypto.SHA256})
	require.NoError(t, err)

	resp, err := xocsp.ParseResponseForCert(f.responder.Respond(context.Background(), reqDER), leaf, issuer)
	require.NoError(t, err)
	assert.Equal(t, xocsp.Good, resp.Status)
	assert.Equal(t, x509.SHA256WithRSA, resp.SignatureAlgorithm)
}

func TestRespond_ForeignIssuerIsUnknown(t *testing.T) {
	f := newFixture(t)
	leaf := f.issue(t, ecKey(t))

	foreignKey := ecKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Foreign Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	foreignDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, foreignKey.Public(), foreignKey)
	require.NoError(t, err)
	foreign, err := x509.ParseCertificate(foreignDER)
	require.NoError(t, err)

	reqDER, err := xocsp.CreateRequest(leaf, foreign, nil)
	require.NoError(t, err)

	// Unmatched issuers are answered by the ECDSA root.
	resp, err := xocsp.ParseResponse(f.responder.Respond(context.Background(), reqDER), roots.ECDSA.Certificate)
	require.NoError(t, err)
	assert.Equal(t, xocsp.Unknown, resp.Status)
}

func TestRespond_EchoesNonce(t *testing.T) {
	f := newFixture(t)
	issuer := roots.ECDSA.Certificate
	leaf := f.issue(t, ecKey(t))

	xreqDER, err := xocsp.CreateRequest(leaf, issuer, nil)
	require.NoError(t, err)
	parsed, err := ocsp.ParseRequest(xreqDER)
	require.NoError(t, err)
	nonce := der.Extension{ID: ocsp.OIDNonce, Value: []byte{0x04, 0x08, 1, 2, 3, 4, 5, 6, 7, 8}}
	parsed.TBSRequest.Extensions = []der.Extension{nonce}
	reqDER, err := der.Marshal(parsed)
	require.NoError(t, err)

	raw := f.responder.Respond(context.Background(), reqDER)
	resp, err := xocsp.ParseResponse(raw, issuer)
	require.NoError(t, err)
	assert.Equal(t, xocsp.Good, resp.Status)

	ours, err := ocsp.ParseResponse(raw)
	require.NoError(t, err)
	require.NotNil(t, ours.Basic)
	assert.Equal(t, []der.Extension{nonce}, ours.Basic.TBSResponseData.Extensions)
	keyHash := ours.Basic.TBSResponseData.ResponderID.ByKey
	assert.Len(t, keyHash, 20)
	assert.Equal(t, keyHash, resp.ResponderKeyHash)
}

func TestRespond_Malformed(t *testing.T) {
	f := newFixture(t)

	raw := f.responder.Respond(context.Background(), []byte("definitely not DER"))
	_, err := xocsp.ParseResponse(raw, nil)
	var respErr xocsp.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, xocsp.Malformed, respErr.Status)
}

type failingSource struct{ panics bool }

func (s failingSource) CertificateStatus(context.Context, string) (ca.Status, error) {
	if s.panics {
		panic("ledger exploded")
	}
	return ca.Status{}, errors.New("ledger unavailable")
}

func TestRespond_InternalFaults(t *testing.T) {
	newFixture(t)
	issuer := roots.ECDSA.Certificate
	reqDER, err := xocsp.CreateRequest(&x509.Certificate{SerialNumber: big.NewInt(7)}, issuer, nil)
	require.NoError(t, err)

	for _, src := range []failingSource{{panics: false}, {panics: true}} {
		r := ocsp.NewResponder(src, roots, time.Hour)
		_, err := xocsp.ParseResponse(r.Respond(context.Background(), reqDER), issuer)
		var respErr xocsp.ResponseError
		require.ErrorAs(t, err, &respErr)
		assert.Equal(t, xocsp.InternalError, respErr.Status)
	}
}

func TestHandler_PostAndGet(t *testing.T) {
	f := newFixture(t)
	e := echo.New()
	ocsp.RegisterRoutes(e.Group("/ocsp"), f.responder)

	issuer := roots.ECDSA.Certificate
	leaf := f.issue(t, ecKey(t))
	reqDER, err := xocsp.CreateRequest(leaf, issuer, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/ocsp", bytes.NewReader(reqDER))
	req.Header.Set(echo.HeaderContentType, "application/ocsp-request")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/ocsp-response", rec.Header().Get(echo.HeaderContentType))
	resp, err := xocsp.ParseResponseForCert(rec.Body.Bytes(), leaf, issuer)
	require.NoError(t, err)
	assert.Equal(t, xocsp.Good, resp.Status)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ocsp/"+base64.StdEncoding.EncodeToString(reqDER), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	resp, err = xocsp.ParseResponseForCert(rec.Body.Bytes(), leaf, issuer)
	require.NoError(t, err)
	assert.Equal(t, xocsp.Good, resp.Status)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ocsp/not-base64!", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	_, err = xocsp.ParseResponse(rec.Body.Bytes(), nil)
	assert.Error(t, err)
}
