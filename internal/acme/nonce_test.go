package acme_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/pkifoundry/internal/acme"
	"github.com/blockadesystems/pkifoundry/internal/testutils"
)

func TestNewNonce(t *testing.T) {
	srv := testutils.SetupTestServer(t)
	c := newClient(t, srv)

	head := c.do(httptest.NewRequest(http.MethodHead, "/acme/new-nonce", nil))
	assert.Equal(t, http.StatusOK, head.Code)
	assert.Equal(t, "no-store", head.Header().Get("Cache-Control"))

	get := c.do(httptest.NewRequest(http.MethodGet, "/acme/new-nonce", nil))
	assert.Equal(t, http.StatusNoContent, get.Code)

	first, second := head.Header().Get("Replay-Nonce"), get.Header().Get("Replay-Nonce")
	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}

func TestNonceService_SingleUse(t *testing.T) {
	srv := testutils.SetupTestServer(t)
	ctx := context.Background()
	nonces := acme.NewNonceService(srv.Store, time.Minute)

	value, err := nonces.CreateNonce(ctx)
	require.NoError(t, err)

	ok, err := nonces.ConsumeNonce(ctx, value)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = nonces.ConsumeNonce(ctx, value)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, bogus := range []string{"", "not base64!", "AAAA"} {
		ok, err = nonces.ConsumeNonce(ctx, bogus)
		require.NoError(t, err)
		assert.False(t, ok, bogus)
	}
}

func TestNonceService_Expired(t *testing.T) {
	srv := testutils.SetupTestServer(t)
	ctx := context.Background()
	nonces := acme.NewNonceService(srv.Store, -time.Second)

	value, err := nonces.CreateNonce(ctx)
	require.NoError(t, err)
	ok, err := nonces.ConsumeNonce(ctx, value)
	require.NoError(t, err)
	assert.False(t, ok)
}
