package testutils

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/pkifoundry/internal/audit"
	"github.com/blockadesystems/pkifoundry/internal/ca"
	"github.com/blockadesystems/pkifoundry/internal/config"
	"github.com/blockadesystems/pkifoundry/internal/server"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

// ExternalURL is the base URL test servers build resource URLs from.
const ExternalURL = "https://test-ca.example.com"

// TestServer bundles the wired echo instances with the components behind them.
type TestServer struct {
	HTTPS  *echo.Echo
	HTTP   *echo.Echo
	Store  storage.Storage
	CA     *ca.Service
	Config *config.Config
}

var (
	rootsOnce sync.Once
	roots     *ca.Roots
	rootsErr  error
)

// SetupTestServer wires the full router over file storage in a temporary
// directory. Root keys are generated once per test binary and shared.
// mutate, when given, adjusts the configuration before anything is built.
func SetupTestServer(t *testing.T, mutate ...func(*config.Config)) *TestServer {
	t.Helper()
	testLogger := zaptest.NewLogger(t)

	dataDir := t.TempDir()
	t.Setenv("PKIFOUNDRY_EXTERNAL_URL", ExternalURL)
	t.Setenv("PKIFOUNDRY_DATA_DIR", dataDir)
	t.Setenv("PKIFOUNDRY_STORAGE_TYPE", "file")
	t.Setenv("PKIFOUNDRY_AUDIT_TYPE", "none")
	t.Setenv("PKIFOUNDRY_KEY_SOURCE", "storage")

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load base config for test: %v", err)
	}
	cfg.RateLimit = 0
	for _, m := range mutate {
		m(cfg)
	}

	store, err := storage.NewStorage(cfg.StorageType, dataDir, storage.PostgresOptions{})
	if err != nil {
		t.Fatalf("Failed to initialize storage for test: %v", err)
	}

	rootsOnce.Do(func() {
		rootStore, err := storage.NewFileStorage(filepath.Join(t.TempDir(), "roots"))
		if err != nil {
			rootsErr = err
			return
		}
		roots, rootsErr = ca.LoadRoots(context.Background(), cfg, rootStore)
	})
	if rootsErr != nil {
		t.Fatalf("Failed to load CA roots for test: %v", rootsErr)
	}

	caService, err := ca.New(cfg, store, roots, audit.Nop{})
	if err != nil {
		t.Fatalf("Failed to initialize CA service for test: %v", err)
	}

	httpInstance := echo.New()
	httpsInstance := echo.New()
	server.ApplyCommonMiddleware(httpInstance, store, cfg, caService, testLogger)
	server.ApplyCommonMiddleware(httpsInstance, store, cfg, caService, testLogger)
	server.SetupRouter(httpInstance, httpsInstance, store, cfg, caService)

	return &TestServer{HTTPS: httpsInstance, HTTP: httpInstance, Store: store, CA: caService, Config: cfg}
}
