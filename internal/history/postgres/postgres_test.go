package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pyhost/pyhost/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	events := []history.Event{
		{Type: history.EventEnvCreated, OccurredAt: time.Now().UTC(), Subject: "myprovider", Status: "ready"},
		{Type: history.EventPackageInstall, OccurredAt: time.Now().UTC(), Subject: "myprovider", Status: "installed", Detail: "pandas>=2.0"},
		{Type: history.EventEnvDeleted, OccurredAt: time.Now().UTC(), Subject: "myprovider", Status: "deleted"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	var count int
	row := sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM provisioning_history;`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != len(events) {
		t.Fatalf("expected %d rows, got %d", len(events), count)
	}
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
