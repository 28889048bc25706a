package storage_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blockadesystems/pkifoundry/internal/model"
	"github.com/blockadesystems/pkifoundry/internal/storage"
	"github.com/blockadesystems/pkifoundry/internal/testutils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileStore(t *testing.T) (*storage.FileStorage, string) {
	t.Helper()
	base := t.TempDir()
	store, err := storage.NewFileStorage(base)
	require.NoError(t, err)
	return store, base
}

func TestFileStorageContract(t *testing.T) {
	store, _ := newFileStore(t)
	runContract(t, store)
}

func TestPostgreSQLStorageContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	dsn, cleanup := testutils.SetupTestDB(t)
	defer cleanup()

	store, err := storage.OpenPostgreSQLStorage(dsn)
	require.NoError(t, err)
	defer store.Close()
	runContract(t, store)
}

func runContract(t *testing.T, store storage.Storage) {
	t.Run("accounts", func(t *testing.T) { testAccounts(t, store) })
	t.Run("orders", func(t *testing.T) { testOrders(t, store) })
	t.Run("nonces", func(t *testing.T) { testNonces(t, store) })
	t.Run("certificates", func(t *testing.T) { testCertificates(t, store) })
	t.Run("ca material", func(t *testing.T) { testCAMaterial(t, store) })
	t.Run("policy", func(t *testing.T) { testPolicy(t, store) })
	t.Run("api keys", func(t *testing.T) { testAPIKeys(t, store) })
}

func newAccount() *model.Account {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.Account{
		ID:            uuid.NewString(),
		Status:        model.StatusValid,
		Contact:       []string{"mailto:a@b.com"},
		KeyThumbprint: "tp-" + uuid.NewString(),
		PublicKeyJWK:  `{"kty":"EC"}`,
		CreatedAt:     now,
	}
}

func testAccounts(t *testing.T, store storage.Storage) {
	ctx := context.Background()
	acc := newAccount()
	require.NoError(t, store.CreateAccount(ctx, acc))
	assert.Equal(t, uint64(1), acc.Version)

	dup := newAccount()
	dup.KeyThumbprint = acc.KeyThumbprint
	assert.ErrorIs(t, store.CreateAccount(ctx, dup), storage.ErrAlreadyExists, "same key must not register twice")
	assert.ErrorIs(t, store.CreateAccount(ctx, acc), storage.ErrAlreadyExists)

	byKey, err := store.GetAccountByThumbprint(ctx, acc.KeyThumbprint)
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, acc.ID, byKey.ID)

	missing, err := store.GetAccount(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)

	// two writers load the same version; the second save must be refused
	first, err := store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	second, err := store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)

	first.Contact = []string{"mailto:first@b.com"}
	require.NoError(t, store.SaveAccount(ctx, first))
	assert.Equal(t, uint64(2), first.Version)

	second.Contact = []string{"mailto:second@b.com"}
	err = store.SaveAccount(ctx, second)
	assert.ErrorIs(t, err, storage.ErrConcurrency)
	assert.Equal(t, uint64(1), second.Version)

	stored, err := store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"mailto:first@b.com"}, stored.Contact)
	assert.Equal(t, uint64(2), stored.Version)

	ghost := newAccount()
	ghost.Version = 1
	assert.ErrorIs(t, store.SaveAccount(ctx, ghost), storage.ErrNotFound)
}

func newOrder(accountID string, challengeStatus string) *model.Order {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.Order{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Status:      model.StatusPending,
		Expires:     now.Add(time.Hour),
		Identifiers: []model.Identifier{{Type: model.IdentifierDNS, Value: "example.com"}},
		Authorizations: []*model.Authorization{{
			ID:         uuid.NewString(),
			Identifier: model.Identifier{Type: model.IdentifierDNS, Value: "example.com"},
			Status:     model.StatusPending,
			Expires:    now.Add(time.Hour),
			Challenges: []*model.Challenge{{ID: uuid.NewString(), Type: model.ChallengeHTTP01, Status: challengeStatus, Token: "token"}},
		}},
		CreatedAt: now,
	}
}

func containsOrder(orders []*model.Order, id string) bool {
	for _, o := range orders {
		if o.ID == id {
			return true
		}
	}
	return false
}

func testOrders(t *testing.T, store storage.Storage) {
	ctx := context.Background()
	acc := newAccount()
	require.NoError(t, store.CreateAccount(ctx, acc))

	idle := newOrder(acc.ID, model.StatusPending)
	busy := newOrder(acc.ID, model.StatusProcessing)
	require.NoError(t, store.CreateOrder(ctx, idle))
	require.NoError(t, store.CreateOrder(ctx, busy))
	assert.ErrorIs(t, store.CreateOrder(ctx, idle), storage.ErrAlreadyExists)

	got, err := store.GetOrder(ctx, busy.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, busy.Authorizations[0].Challenges[0].ID, got.Authorizations[0].Challenges[0].ID)

	mine, err := store.ListOrdersByAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	validatable, err := store.ListValidatableOrders(ctx)
	require.NoError(t, err)
	assert.True(t, containsOrder(validatable, busy.ID))
	assert.False(t, containsOrder(validatable, idle.ID))

	stale := *got
	got.Status = model.StatusReady
	got.Authorizations[0].Status = model.StatusValid
	got.Authorizations[0].Challenges[0].Status = model.StatusValid
	got.CSR = "MIIB"
	require.NoError(t, store.SaveOrder(ctx, got))

	finalizable, err := store.ListFinalizableOrders(ctx)
	require.NoError(t, err)
	assert.True(t, containsOrder(finalizable, busy.ID))

	validatable, err = store.ListValidatableOrders(ctx)
	require.NoError(t, err)
	assert.False(t, containsOrder(validatable, busy.ID))

	stale.Status = model.StatusInvalid
	assert.ErrorIs(t, store.SaveOrder(ctx, &stale), storage.ErrConcurrency)
	reloaded, err := store.GetOrder(ctx, busy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, reloaded.Status)
}

func testNonces(t *testing.T, store storage.Storage) {
	ctx := context.Background()
	now := time.Now()
	value := "nonce" + fmt.Sprint(now.UnixNano())
	require.NoError(t, store.SaveNonce(ctx, &model.Nonce{Value: value, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))

	const racers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := store.ConsumeNonce(ctx, value)
			assert.NoError(t, err)
			if n != nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load(), "exactly one consumer wins")

	expired := "expired" + fmt.Sprint(now.UnixNano())
	require.NoError(t, store.SaveNonce(ctx, &model.Nonce{Value: expired, IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}))
	n, err := store.ConsumeNonce(ctx, expired)
	require.NoError(t, err)
	assert.Nil(t, n, "expired nonce is not accepted")

	stale := "stale" + fmt.Sprint(now.UnixNano())
	require.NoError(t, store.SaveNonce(ctx, &model.Nonce{Value: stale, IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}))
	deleted, err := store.DeleteExpiredNonces(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))
	n, err = store.ConsumeNonce(ctx, stale)
	require.NoError(t, err)
	assert.Nil(t, n)
}

func newCertificate(serial string, notBefore time.Time) *model.CertificateItem {
	return &model.CertificateItem{
		SerialNumber:   serial,
		Subject:        "CN=" + serial,
		Issuer:         "CN=Test Root",
		NotBefore:      notBefore,
		NotAfter:       notBefore.Add(90 * 24 * time.Hour),
		Thumbprint:     "TP" + serial,
		CertificatePEM: "-----BEGIN CERTIFICATE-----\n-----END CERTIFICATE-----\n",
	}
}

func testCertificates(t *testing.T, store storage.Storage) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveCertificate(ctx, newCertificate(fmt.Sprintf("AB%02d", i), base.Add(time.Duration(i)*time.Minute))))
	}
	assert.ErrorIs(t, store.SaveCertificate(ctx, newCertificate("AB00", base)), storage.ErrAlreadyExists)

	item, err := store.GetCertificate(ctx, "AB02")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "CN=AB02", item.Subject)
	assert.False(t, item.IsRevoked())

	byTP, err := store.GetCertificateByThumbprint(ctx, "TPAB03")
	require.NoError(t, err)
	require.NotNil(t, byTP)
	assert.Equal(t, "AB03", byTP.SerialNumber)

	page, total, err := store.ListCertificates(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "AB02", page[0].SerialNumber)
	assert.Equal(t, "AB03", page[1].SerialNumber)

	last, _, err := store.ListCertificates(ctx, 3, 2)
	require.NoError(t, err)
	assert.Len(t, last, 1)

	ok, err := store.RevokeCertificate(ctx, "ABC123", 1, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "unknown serial")

	ok, err = store.RevokeCertificate(ctx, "AB01", 4, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	revoked, err := store.ListRevokedCertificates(ctx)
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, "AB01", revoked[0].SerialNumber)
	require.NotNil(t, revoked[0].RevocationReason)
	assert.Equal(t, 4, *revoked[0].RevocationReason)
	assert.NotNil(t, revoked[0].RevocationDate)
}

func testCAMaterial(t *testing.T, store storage.Storage) {
	ctx := context.Background()
	key, err := store.GetCAKey(ctx, "ecdsa-root")
	require.NoError(t, err)
	assert.Nil(t, key)

	require.NoError(t, store.SaveCAKey(ctx, "ecdsa-root", []byte("key-pem")))
	require.NoError(t, store.SaveCACertificate(ctx, "ecdsa-root", []byte("cert-pem")))
	key, err = store.GetCAKey(ctx, "ecdsa-root")
	require.NoError(t, err)
	assert.Equal(t, []byte("key-pem"), key)
	cert, err := store.GetCACertificate(ctx, "ecdsa-root")
	require.NoError(t, err)
	assert.Equal(t, []byte("cert-pem"), cert)

	crl, err := store.GetLatestCRL(ctx)
	require.NoError(t, err)
	assert.Nil(t, crl)
	require.NoError(t, store.SaveCRL(ctx, []byte{1}))
	require.NoError(t, store.SaveCRL(ctx, []byte{2}))
	crl, err = store.GetLatestCRL(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, crl)
}

func testPolicy(t *testing.T, store storage.Storage) {
	ctx := context.Background()
	require.NoError(t, store.AddAllowedDomain(ctx, " Exact.Example.org "))
	require.NoError(t, store.AddAllowedSuffix(ctx, ".corp.example"))

	domains, err := store.ListAllowedDomains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"exact.example.org"}, domains)
	suffixes, err := store.ListAllowedSuffixes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"corp.example"}, suffixes)

	for domain, want := range map[string]bool{
		"exact.example.org":     true,
		"sub.exact.example.org": false,
		"corp.example":          true,
		"host.corp.example":     true,
		"evilcorp.example":      false,
	} {
		got, err := store.IsDomainAllowed(ctx, domain)
		require.NoError(t, err)
		assert.Equal(t, want, got, domain)
	}

	require.NoError(t, store.DeleteAllowedSuffix(ctx, "corp.example"))
	allowed, err := store.IsDomainAllowed(ctx, "host.corp.example")
	require.NoError(t, err)
	assert.False(t, allowed)
	require.NoError(t, store.DeleteAllowedDomain(ctx, "exact.example.org"))

	_, err = store.IsDomainAllowed(ctx, " ")
	assert.Error(t, err)
}

func testAPIKeys(t *testing.T, store storage.Storage) {
	ctx := context.Background()
	require.NoError(t, store.SaveAPIKey(ctx, "k1", []string{"admin"}))
	require.NoError(t, store.SaveAPIKey(ctx, "k1", []string{"admin", "revoker"}))
	roles, err := store.GetAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "revoker"}, roles)
	roles, err = store.GetAPIKey(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, roles)
}

func TestFileStorage_Layout(t *testing.T) {
	store, base := newFileStore(t)
	ctx := context.Background()

	acc := newAccount()
	require.NoError(t, store.CreateAccount(ctx, acc))
	order := newOrder(acc.ID, model.StatusPending)
	require.NoError(t, store.CreateOrder(ctx, order))
	now := time.Now()
	require.NoError(t, store.SaveNonce(ctx, &model.Nonce{Value: "abc_DEF-1", IssuedAt: now, ExpiresAt: now.Add(time.Minute)}))

	assert.FileExists(t, filepath.Join(base, "Accounts", acc.ID, "account.json"))
	assert.FileExists(t, filepath.Join(base, "Orders", order.ID, "order.json"))
	assert.FileExists(t, filepath.Join(base, "Nonces", "abc_DEF-1"))
}

func TestFileStorage_CancelledSaveKeepsRecord(t *testing.T) {
	store, base := newFileStore(t)
	acc := newAccount()
	require.NoError(t, store.CreateAccount(context.Background(), acc))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	changed := *acc
	changed.Contact = []string{"mailto:changed@b.com"}
	assert.ErrorIs(t, store.SaveAccount(ctx, &changed), context.Canceled)

	stored, err := store.GetAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, acc.Contact, stored.Contact)
	assert.Equal(t, uint64(1), stored.Version)

	entries, err := os.ReadDir(filepath.Join(base, "Accounts", acc.ID))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileStorage_RejectsPathTraversal(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()

	acc := newAccount()
	acc.ID = "../escape"
	assert.Error(t, store.CreateAccount(ctx, acc))

	got, err := store.GetOrder(ctx, "../../etc")
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := store.ConsumeNonce(ctx, "../x")
	require.NoError(t, err)
	assert.Nil(t, n)
}
