package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"dedupd/internal/domain"
	"dedupd/internal/storage"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "dedupd",
			"POSTGRES_PASSWORD": "dedupd",
			"POSTGRES_DB":       "dedupd",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "5432")
	return fmt.Sprintf("postgres://dedupd:dedupd@%s:%s/dedupd?sslmode=disable", host, port.Port())
}

func TestPostgresContainerIntegration(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgres(t)

	s, err := NewStore(ctx, dsn, "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := domain.NewPersistedRecord(domain.StreamRecord{IdentityKey: "u1", EventID: "shardId-0:1", RawPayload: "u1,a"}, now, time.Hour)

	res, err := s.TryInsert(ctx, rec)
	if err != nil || res != storage.Inserted {
		t.Fatalf("first insert = %v, %v", res, err)
	}
	res, err = s.TryInsert(ctx, rec)
	if err != nil || res != storage.AlreadyExists {
		t.Fatalf("duplicate insert = %v, %v", res, err)
	}

	if err := s.DeleteByKey(ctx, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := s.Get(ctx, "u1"); err != nil || ok {
		t.Fatalf("expected row gone, ok=%t err=%v", ok, err)
	}

	res, err = s.TryInsert(ctx, rec)
	if err != nil || res != storage.Inserted {
		t.Fatalf("reinsert = %v, %v", res, err)
	}
	later := domain.NewPersistedRecord(domain.StreamRecord{IdentityKey: "u1", EventID: "shardId-0:2", RawPayload: "u1,b"}, now.Add(2*time.Hour), time.Hour)
	res, err = s.TryInsert(ctx, later)
	if err != nil || res != storage.Inserted {
		t.Fatalf("takeover of expired row = %v, %v", res, err)
	}

	n, err := s.PurgeExpired(ctx, now.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}
}
