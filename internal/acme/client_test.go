package acme_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/pkifoundry/internal/model"
	"github.com/blockadesystems/pkifoundry/internal/testutils"
)

const errorNamespace = "urn:ietf:params:acme:error:"

// client speaks ACME to the in-process HTTPS router.
type client struct {
	t   *testing.T
	srv *testutils.TestServer
	key *ecdsa.PrivateKey
	kid string
}

func newClient(t *testing.T, srv *testutils.TestServer) *client {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &client{t: t, srv: srv, key: key}
}

func (c *client) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	c.srv.HTTPS.ServeHTTP(rec, req)
	return rec
}

func (c *client) nonce() string {
	c.t.Helper()
	rec := c.do(httptest.NewRequest(http.MethodHead, "/acme/new-nonce", nil))
	require.Equal(c.t, http.StatusOK, rec.Code)
	nonce := rec.Header().Get("Replay-Nonce")
	require.NotEmpty(c.t, nonce)
	return nonce
}

// sign builds a flattened JWS. A nil payload produces POST-as-GET.
func (c *client) sign(url, nonce string, payload interface{}) string {
	c.t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(c.t, err)
	}
	opts := &jose.SignerOptions{EmbedJWK: c.kid == ""}
	opts.WithHeader("nonce", nonce).WithHeader("url", url)
	key := jose.SigningKey{Algorithm: jose.ES256, Key: c.key}
	if c.kid != "" {
		key.Key = jose.JSONWebKey{Key: c.key, KeyID: c.kid, Algorithm: string(jose.ES256)}
	}
	signer, err := jose.NewSigner(key, opts)
	require.NoError(c.t, err)
	obj, err := signer.Sign(body)
	require.NoError(c.t, err)
	return obj.FullSerialize()
}

func joseRequest(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "application/jose+json")
	return req
}

func (c *client) post(path string, payload interface{}) *httptest.ResponseRecorder {
	c.t.Helper()
	return c.do(joseRequest(path, c.sign(testutils.ExternalURL+path, c.nonce(), payload)))
}

// postURL posts to an absolute resource URL returned by the server.
func (c *client) postURL(url string, payload interface{}) *httptest.ResponseRecorder {
	c.t.Helper()
	require.True(c.t, strings.HasPrefix(url, testutils.ExternalURL), url)
	return c.post(strings.TrimPrefix(url, testutils.ExternalURL), payload)
}

// register creates an account and switches the client to kid signing.
func (c *client) register(contact ...string) string {
	c.t.Helper()
	rec := c.post("/acme/new-account", map[string]interface{}{"contact": contact, "termsOfServiceAgreed": true})
	require.Equal(c.t, http.StatusCreated, rec.Code, rec.Body.String())
	c.kid = rec.Header().Get(echo.HeaderLocation)
	require.NotEmpty(c.t, c.kid)
	return c.kid
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func requireProblem(t *testing.T, rec *httptest.ResponseRecorder, status int, kind string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	require.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	var p model.ProblemDetails
	decode(t, rec, &p)
	require.Equal(t, errorNamespace+kind, p.Type, p.Detail)
}
