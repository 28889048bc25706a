package worker_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/pkifoundry/internal/audit"
	"github.com/blockadesystems/pkifoundry/internal/ca"
	"github.com/blockadesystems/pkifoundry/internal/config"
	"github.com/blockadesystems/pkifoundry/internal/model"
	"github.com/blockadesystems/pkifoundry/internal/storage"
	"github.com/blockadesystems/pkifoundry/internal/validation"
	"github.com/blockadesystems/pkifoundry/internal/worker"
)

func newStore(t *testing.T) *storage.FileStorage {
	t.Helper()
	store, err := storage.NewFileStorage(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	return store
}

func createAccount(t *testing.T, store storage.Storage, id string) *model.Account {
	t.Helper()
	acct := &model.Account{ID: id, Status: model.StatusValid, KeyThumbprint: "tp-" + id, PublicKeyJWK: "{}", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateAccount(context.Background(), acct))
	return acct
}

func challenge(id, typ, status string) *model.Challenge {
	return &model.Challenge{ID: id, Type: typ, Status: status, Token: "token-" + id}
}

func createOrder(t *testing.T, store storage.Storage, id, accountID string, authzs ...*model.Authorization) *model.Order {
	t.Helper()
	now := time.Now().UTC()
	order := &model.Order{
		ID:             id,
		AccountID:      accountID,
		Status:         model.StatusPending,
		Expires:        now.Add(time.Hour),
		Authorizations: authzs,
		CreatedAt:      now,
	}
	for _, a := range authzs {
		order.Identifiers = append(order.Identifiers, a.Identifier)
	}
	require.NoError(t, store.CreateOrder(context.Background(), order))
	return order
}

func authorization(id, domain string, expires time.Time, challenges ...*model.Challenge) *model.Authorization {
	return &model.Authorization{
		ID:         id,
		Identifier: model.Identifier{Type: model.IdentifierDNS, Value: domain},
		Status:     model.StatusPending,
		Expires:    expires,
		Challenges: challenges,
	}
}

type stubValidator struct {
	mu     sync.Mutex
	calls  []string
	result bool
	err    error
}

func (s *stubValidator) Validate(ctx context.Context, in validation.Input) (bool, error) {
	s.mu.Lock()
	s.calls = append(s.calls, in.Challenge.ID)
	s.mu.Unlock()
	return s.result, s.err
}

func factoryWith(v validation.Validator) *validation.Factory {
	return validation.NewFactoryWith(map[string]validation.Validator{
		model.ChallengeHTTP01:    v,
		model.ChallengeDNS01:     v,
		model.ChallengeTLSALPN01: v,
	})
}

func TestValidationWorker_ValidChallengeMakesOrderReady(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	createAccount(t, store, "acct1")
	exp := time.Now().Add(time.Hour)
	createOrder(t, store, "order1", "acct1",
		authorization("authz1", "a.example.com", exp, challenge("ch1", model.ChallengeHTTP01, model.StatusProcessing)),
		authorization("authz2", "b.example.com", exp, challenge("ch2", model.ChallengeDNS01, model.StatusProcessing)),
	)

	v := &stubValidator{result: true}
	w := worker.NewValidationWorker(store, factoryWith(v), 0)
	require.NoError(t, w.Run(ctx))

	order, err := store.GetOrder(ctx, "order1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, order.Status)
	for _, a := range order.Authorizations {
		assert.Equal(t, model.StatusValid, a.Status)
		assert.Equal(t, model.StatusValid, a.Challenges[0].Status)
		assert.NotNil(t, a.Challenges[0].Validated)
	}
	assert.ElementsMatch(t, []string{"ch1", "ch2"}, v.calls)

	// Nothing left to validate.
	orders, err := store.ListValidatableOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestValidationWorker_FailedChallengeInvalidatesOrder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	createAccount(t, store, "acct1")
	createOrder(t, store, "order1", "acct1",
		authorization("authz1", "a.example.com", time.Now().Add(time.Hour), challenge("ch1", model.ChallengeHTTP01, model.StatusProcessing)),
	)

	v := &stubValidator{err: &validation.Error{Kind: validation.KindIncorrectResponse, Detail: "wrong token"}}
	require.NoError(t, worker.NewValidationWorker(store, factoryWith(v), 0).Run(ctx))

	order, err := store.GetOrder(ctx, "order1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, order.Status)
	require.NotNil(t, order.Error)
	assert.Equal(t, model.ErrorNamespace+validation.KindIncorrectResponse, order.Error.Type)

	authz := order.Authorizations[0]
	assert.Equal(t, model.StatusInvalid, authz.Status)
	assert.Equal(t, model.StatusInvalid, authz.Challenges[0].Status)
	require.NotNil(t, authz.Challenges[0].Error)
	assert.Equal(t, "wrong token", authz.Challenges[0].Error.Detail)
}

func TestValidationWorker_OnlyFirstProcessingChallengeIsAttempted(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	createAccount(t, store, "acct1")
	createOrder(t, store, "order1", "acct1",
		authorization("authz1", "a.example.com", time.Now().Add(time.Hour),
			challenge("http", model.ChallengeHTTP01, model.StatusPending),
			challenge("dns", model.ChallengeDNS01, model.StatusProcessing),
			challenge("alpn", model.ChallengeTLSALPN01, model.StatusProcessing),
		),
	)

	v := &stubValidator{result: true}
	require.NoError(t, worker.NewValidationWorker(store, factoryWith(v), 0).Run(ctx))
	assert.Equal(t, []string{"dns"}, v.calls)

	order, err := store.GetOrder(ctx, "order1")
	require.NoError(t, err)
	authz := order.Authorizations[0]
	assert.Equal(t, model.StatusValid, authz.Status)
	assert.Equal(t, model.StatusPending, authz.Challenge("http").Status)
	assert.Equal(t, model.StatusValid, authz.Challenge("dns").Status)
	assert.Equal(t, model.StatusProcessing, authz.Challenge("alpn").Status)
}

func TestValidationWorker_MissingAccountInvalidatesOrder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	createOrder(t, store, "order1", "ghost",
		authorization("authz1", "a.example.com", time.Now().Add(time.Hour), challenge("ch1", model.ChallengeHTTP01, model.StatusProcessing)),
	)

	v := &stubValidator{result: true}
	require.NoError(t, worker.NewValidationWorker(store, factoryWith(v), 0).Run(ctx))
	assert.Empty(t, v.calls)

	order, err := store.GetOrder(ctx, "order1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, order.Status)
	require.NotNil(t, order.Error)
	assert.Equal(t, model.ErrorNamespace+"accountDoesNotExist", order.Error.Type)
}

func TestValidationWorker_ExpiresStaleAuthorization(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	createAccount(t, store, "acct1")
	createOrder(t, store, "order1", "acct1",
		authorization("authz1", "a.example.com", time.Now().Add(-time.Minute),
			challenge("ch1", model.ChallengeHTTP01, model.StatusProcessing),
			challenge("ch2", model.ChallengeDNS01, model.StatusPending),
		),
	)

	v := &stubValidator{result: true}
	require.NoError(t, worker.NewValidationWorker(store, factoryWith(v), 0).Run(ctx))
	assert.Empty(t, v.calls)

	order, err := store.GetOrder(ctx, "order1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, order.Status)
	assert.Equal(t, model.StatusExpired, order.Authorizations[0].Status)
	assert.Empty(t, order.Authorizations[0].Challenges)
}

func TestValidationWorker_CancelledContextPersistsNothing(t *testing.T) {
	store := newStore(t)
	createAccount(t, store, "acct1")
	createOrder(t, store, "order1", "acct1",
		authorization("authz1", "a.example.com", time.Now().Add(time.Hour), challenge("ch1", model.ChallengeHTTP01, model.StatusProcessing)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := worker.NewValidationWorker(store, factoryWith(&stubValidator{result: true}), 0)
	assert.Error(t, w.Run(ctx))

	order, err := store.GetOrder(context.Background(), "order1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), order.Version)
	assert.Equal(t, model.StatusProcessing, order.Authorizations[0].Challenges[0].Status)
}

var (
	rootsOnce sync.Once
	roots     *ca.Roots
	rootsErr  error
)

func testConfig() *config.Config {
	return &config.Config{
		Organization:            "Worker Test",
		RSARootCommonName:       "Worker Test RSA Root",
		ECDSARootCommonName:     "Worker Test ECDSA Root",
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

func newCA(t *testing.T, store storage.Storage) *ca.Service {
	t.Helper()
	rootsOnce.Do(func() {
		roots, rootsErr = ca.LoadRoots(context.Background(), testConfig(), newStore(t))
	})
	require.NoError(t, rootsErr)
	svc, err := ca.New(testConfig(), store, roots, audit.Nop{})
	require.NoError(t, err)
	return svc
}

func finalizedOrder(t *testing.T, store storage.Storage, id string, key interface{}) {
	t.Helper()
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "issue.example.com"},
		DNSNames: []string{"issue.example.com"},
	}, key)
	require.NoError(t, err)

	authz := authorization("authz-"+id, "issue.example.com", time.Now().Add(time.Hour), challenge("ch-"+id, model.ChallengeHTTP01, model.StatusValid))
	authz.Status = model.StatusValid
	order := createOrder(t, store, id, "acct1", authz)
	order.Status = model.StatusProcessing
	order.CSR = base64.RawURLEncoding.EncodeToString(csrDER)
	require.NoError(t, store.SaveOrder(context.Background(), order))
}

func TestIssuanceWorker_IssuesCertificate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := newCA(t, store)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	finalizedOrder(t, store, "order1", key)

	require.NoError(t, worker.NewIssuanceWorker(store, svc, 0).Run(ctx))

	order, err := store.GetOrder(ctx, "order1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, order.Status)
	assert.Nil(t, order.Error)
	require.NotEmpty(t, order.CertificateSerial)

	var certs []*x509.Certificate
	rest := []byte(order.CertificatePEM)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		require.NoError(t, err)
		certs = append(certs, cert)
	}
	require.Len(t, certs, 2)
	assert.Equal(t, []string{"issue.example.com"}, certs[0].DNSNames)
	assert.Equal(t, roots.ECDSA.Certificate.Subject.String(), certs[0].Issuer.String())

	item, err := store.GetCertificate(ctx, order.CertificateSerial)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "acct1", item.AccountID)
	assert.Equal(t, "order1", item.OrderID)

	finalizable, err := store.ListFinalizableOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, finalizable)
}

func TestIssuanceWorker_RejectedCSRInvalidatesOrder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := newCA(t, store)
	weak, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	finalizedOrder(t, store, "order1", weak)

	require.NoError(t, worker.NewIssuanceWorker(store, svc, 0).Run(ctx))

	order, err := store.GetOrder(ctx, "order1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, order.Status)
	require.NotNil(t, order.Error)
	assert.Equal(t, model.ErrorNamespace+"badCSR", order.Error.Type)
	assert.Empty(t, order.CertificatePEM)
}

type failingIssuer struct{}

func (failingIssuer) SignCertificateRequest(context.Context, ca.Request) (*ca.Issued, error) {
	return nil, errors.New("hsm unavailable")
}

func TestIssuanceWorker_InternalFailure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	finalizedOrder(t, store, "order1", key)

	require.NoError(t, worker.NewIssuanceWorker(store, failingIssuer{}, 0).Run(ctx))

	order, err := store.GetOrder(ctx, "order1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, order.Status)
	assert.Equal(t, model.ErrorNamespace+"serverInternal", order.Error.Type)
}

func TestNonceJanitor(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.SaveNonce(ctx, &model.Nonce{Value: "expired", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, store.SaveNonce(ctx, &model.Nonce{Value: "live", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))

	require.NoError(t, worker.NewNonceJanitor(store).Run(ctx))

	n, err := store.DeleteExpiredNonces(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	live, err := store.ConsumeNonce(ctx, "live")
	require.NoError(t, err)
	assert.NotNil(t, live)
}

func TestCRLPublisher(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := newCA(t, store)

	require.NoError(t, worker.NewCRLPublisher(svc).Run(ctx))

	stored, err := store.GetLatestCRL(ctx)
	require.NoError(t, err)
	crl, err := x509.ParseRevocationList(stored)
	require.NoError(t, err)
	assert.NoError(t, crl.CheckSignatureFrom(roots.ECDSA.Certificate))
}

type countingTask struct {
	runs    atomic.Int32
	active  atomic.Int32
	overlap atomic.Bool
	delay   time.Duration
}

func (c *countingTask) Name() string { return "counting" }

func (c *countingTask) Run(ctx context.Context) error {
	if c.active.Add(1) > 1 {
		c.overlap.Store(true)
	}
	defer c.active.Add(-1)
	c.runs.Add(1)
	time.Sleep(c.delay)
	return nil
}

func TestScheduler_RunsWithoutOverlap(t *testing.T) {
	task := &countingTask{delay: 25 * time.Millisecond}
	s := worker.NewScheduler()
	s.Add(task, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return task.runs.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, task.overlap.Load())
}

func TestScheduler_RejectsNonPositiveInterval(t *testing.T) {
	s := worker.NewScheduler()
	s.Add(&countingTask{}, 0)
	assert.Error(t, s.Run(context.Background()))
}

type panickingTask struct{}

func (panickingTask) Name() string { return "panicking" }

func (panickingTask) Run(ctx context.Context) error { panic("boom") }

func TestRunOnce_RecoversPanic(t *testing.T) {
	err := worker.RunOnce(context.Background(), panickingTask{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
