// Package pgtest starts throwaway PostgreSQL containers for integration tests.
package pgtest

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/loykin/pgfixture/internal/conn"
)

// Image is the server image used by integration tests.
const Image = "postgres:16-alpine"

// Start runs a PostgreSQL container and returns superuser connection
// parameters for its maintenance database. The test is skipped when Docker
// is unavailable; the container is terminated on cleanup.
func Start(t testing.TB) conn.Config {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, Image,
		postgres.WithDatabase(conn.MaintenanceDB),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return conn.Config{}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("Failed to get host info: %v", err)
		return conn.Config{}
	}
	mapped, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Skipf("Failed to get mapped port: %v", err)
		return conn.Config{}
	}
	p, _ := strconv.Atoi(mapped.Port())
	c := conn.Config{Host: host, Port: p, User: "test", Password: "test", DBName: conn.MaintenanceDB}

	// the container can report ready before the server accepts connections
	wait := backoff.WithContext(backoff.NewConstantBackOff(500*time.Millisecond), ctx)
	if err := backoff.Retry(func() error { return c.Ping(ctx) }, wait); err != nil {
		t.Fatalf("postgres not ready in time: %v", err)
	}
	return c
}
