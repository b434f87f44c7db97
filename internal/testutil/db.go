// Package testutil opens migrated databases for tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"rulegate/internal/db"
	"rulegate/internal/migrate"
)

// PostgresEnv enables the container-backed Postgres tests.
const PostgresEnv = "RULEGATE_PG_TESTS"

// Backend is one database a mirror test can run against.
type Backend struct {
	Name string
	Open func(t *testing.T) *sqlx.DB
}

// Backends lists SQLite always and Postgres when PostgresEnv is set.
func Backends() []Backend {
	out := []Backend{{Name: "sqlite", Open: SQLite}}
	if os.Getenv(PostgresEnv) == "1" {
		out = append(out, Backend{Name: "postgres", Open: Postgres})
	}
	return out
}

// SQLite opens a migrated database in a fresh temp workspace.
func SQLite(t *testing.T) *sqlx.DB {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Backend: db.BackendSQLite, Workspace: workspace})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		t.Fatalf("migrate sqlite: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// Postgres starts a throwaway postgres:15 container and returns a migrated
// connection. The test is skipped unless PostgresEnv is "1".
func Postgres(t *testing.T) *sqlx.DB {
	t.Helper()
	if os.Getenv(PostgresEnv) != "1" {
		t.Skipf("set %s=1 to run Postgres tests", PostgresEnv)
	}
	ctx := context.Background()
	const (
		user     = "rulegate"
		password = "rulegate"
		name     = "rulegate"
	)
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     user,
			"POSTGRES_PASSWORD": password,
			"POSTGRES_DB":       name,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatal(err)
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), name)

	conn, err := db.Open(db.Config{Backend: db.BackendPostgres, DSN: dsn})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// The port can accept connections before postgres is ready.
	for i := 0; ; i++ {
		if err = conn.PingContext(ctx); err == nil {
			break
		}
		if i == 20 {
			t.Fatalf("ping postgres: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate postgres: %v", err)
	}
	return conn
}
