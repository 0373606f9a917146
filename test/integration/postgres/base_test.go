package postgres

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/RealZimboGuy/outboundflow/internal/migrations"
)

var portBase int32 = 9098 // starting port number (can be anything safe)

func nextPort() int {
	return int(atomic.AddInt32(&portBase, 1))
}

func runTestWithSetup(t *testing.T, testFunc func(t *testing.T, port int)) {
	port := nextPort()
	container, _ := SetupPostgresTestInstance(t)
	// registered first so it runs after the service has shut down
	t.Cleanup(func() { container.Terminate(context.Background()) })
	testFunc(t, port)
}

func SetupPostgresTestInstance(t *testing.T) (testcontainers.Container, string) {
	ctx := t.Context()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_USER":     "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("error starting postgres container: %v", err)
	}

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")

	dsn := "postgres://test:test@" + host + ":" + port.Port() + "/testdb?sslmode=disable"
	t.Setenv("OFLOW_DATABASE_TYPE", "POSTGRES")
	t.Setenv("OFLOW_DATABASE_URL", dsn)
	return container, dsn
}

// migratedDB returns a pooled connection to a freshly migrated database.
func migratedDB(t *testing.T, dsn string) *sql.DB {
	if err := migrations.Up("postgres", dsn); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("error connecting to postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Ping(); err != nil {
		t.Fatalf("error pinging postgres: %v", err)
	}
	return db
}
