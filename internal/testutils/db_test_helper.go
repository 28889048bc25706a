// Package testutils holds helpers shared by package tests.
package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupTestDB starts a PostgreSQL container and returns its DSN together with
// a cleanup function that terminates the container. The test is skipped when
// no container provider is available.
func SetupTestDB(t *testing.T) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	const dbPort = "5432/tcp"

	waitStrategy := wait.ForAll(
		wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
		wait.ForListeningPort(nat.Port(dbPort)).
			WithStartupTimeout(time.Minute),
	).WithDeadline(2 * time.Minute)

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("pkifoundry"),
		postgres.WithUsername("pkifoundry"),
		postgres.WithPassword("pkifoundry"),
		testcontainers.WithWaitStrategy(waitStrategy),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %s", err)
	}

	cleanup := func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := container.Terminate(terminateCtx); err != nil {
			t.Logf("WARN: Failed to terminate postgres container: %s", err)
		}
	}

	connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	dsn, err := container.ConnectionString(connCtx, "sslmode=disable")
	if err != nil {
		cleanup()
		t.Fatalf("Failed to get connection string: %s", err)
	}
	t.Log("Postgres container started")
	return dsn, cleanup
}
