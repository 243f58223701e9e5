// Package util provides shared helpers for tests that need a real
// PostgreSQL backend.
package util

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/amelia-dev/amelia/pkg/store"
)

var (
	// One container serves every test in the package; each caller gets its
	// own store over the same database.
	sharedDSN     string
	containerOnce sync.Once
	containerErr  error
)

// PostgresStore opens a store against a real PostgreSQL instance. CI points
// AMELIA_TEST_DATABASE_URL at a service container; local runs start a
// testcontainer once per package. Tests skip unless AMELIA_E2E_POSTGRES=1
// or a database URL is provided.
func PostgresStore(t *testing.T) *store.Store {
	t.Helper()

	dsn := os.Getenv("AMELIA_TEST_DATABASE_URL")
	if dsn == "" {
		if os.Getenv("AMELIA_E2E_POSTGRES") != "1" {
			t.Skip("set AMELIA_E2E_POSTGRES=1 or AMELIA_TEST_DATABASE_URL to run postgres tests")
		}
		dsn = sharedContainerDSN(t)
	}

	st, err := store.Open(context.Background(), store.Config{
		Backend: store.BackendPostgres,
		DSN:     dsn,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sharedContainerDSN(t *testing.T) string {
	t.Helper()
	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("amelia"),
			tcpostgres.WithUsername("amelia"),
			tcpostgres.WithPassword("amelia"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(time.Minute)),
		)
		if err != nil {
			containerErr = err
			return
		}
		sharedDSN, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr)
	return sharedDSN
}
