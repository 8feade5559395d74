package store

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"channelscope/channel-service/internal/db"
)

// setupTestDB starts a PostgreSQL container, applies migrations and returns
// its connection string. Skipped unless TEST_INTEGRATION is set.
func setupTestDB(t *testing.T) string {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("channels_test"),
		postgres.WithUsername("channels"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if err := db.Migrate(url, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return url
}

func TestPostgresStore(t *testing.T) {
	url := setupTestDB(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	runStoreContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		pool, err := db.NewPostgresPool(ctx, url, logger)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(pool.Close)

		_, err = pool.Exec(ctx, `TRUNCATE channel_lifecycle_events, channels, scrape_sessions`)
		if err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return NewPostgres(pool)
	})
}
