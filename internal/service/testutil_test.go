package service

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tradevision/platform/internal/domain"
)

// Monday, 10:00 UTC, inside trading hours.
var testNow = time.Date(2026, 8, 17, 10, 0, 0, 0, time.UTC)

var testBand = domain.ProfitBand{
	Min: decimal.RequireFromString("1.50"),
	Max: decimal.RequireFromString("3.50"),
}

// setupTestDB starts a PostgreSQL container and applies the schema.
// Returns a cleanup function that must be called after tests complete.
func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "failed to create pool")

	runMigrations(t, ctx, pool)

	cleanup := func() {
		pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
	return pool, cleanup
}

// runMigrations applies all SQL files from sql/postgres/ in name order.
func runMigrations(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()

	migrationsDir := filepath.Join(findProjectRoot(t), "sql", "postgres")
	entries, err := os.ReadDir(migrationsDir)
	require.NoError(t, err, "failed to read migrations directory")

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".sql" {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		sql, err := os.ReadFile(filepath.Join(migrationsDir, file))
		require.NoError(t, err, "failed to read migration file: %s", file)
		_, err = pool.Exec(ctx, string(sql))
		require.NoError(t, err, "failed to execute migration: %s", file)
	}
}

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err, "failed to get working directory")
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root (go.mod)")
		}
		dir = parent
	}
}

func seedWallet(t *testing.T, pool *pgxpool.Pool, userID int64, balance string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO wallets (user_id, balance, currency) VALUES ($1, $2, 'USDT') RETURNING id`,
		userID, balance,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func walletBalances(t *testing.T, pool *pgxpool.Pool, userID int64) (balance, profit, locked decimal.Decimal) {
	t.Helper()
	var b, p, l string
	err := pool.QueryRow(context.Background(),
		`SELECT balance, profit_balance, locked_balance FROM wallets WHERE user_id = $1`, userID,
	).Scan(&b, &p, &l)
	require.NoError(t, err)
	return decimal.RequireFromString(b), decimal.RequireFromString(p), decimal.RequireFromString(l)
}

func countRows(t *testing.T, pool *pgxpool.Pool, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}

func seedPackage(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO trading_packages (id, name, display_name, min_stake, profit_min, profit_max, welcome_bonus, duration_days)
		 VALUES ($1, $2, 'Standard', '100.00', '1.50', '3.50', '7.50', 60)`,
		id, "standard-"+id.String()[:8])
	require.NoError(t, err)
	return id
}

func seedInvestment(t *testing.T, pool *pgxpool.Pool, userID int64, pkgID uuid.UUID, principal, bonus string, maturity time.Time) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO investments (id, user_id, package_id, principal, welcome_bonus, status, start_date, maturity_date)
		 VALUES ($1, $2, $3, $4, $5, 'active', $6, $7)`,
		id, userID, pkgID, principal, bonus, maturity.AddDate(0, 0, -60), maturity)
	require.NoError(t, err)
	return id
}
