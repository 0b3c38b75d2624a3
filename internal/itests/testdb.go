package itests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"YrestData/internal"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testDBName = "yrestdata_test"

// StartPostgres: при ITEST_POSTGRES_DSN создаёт отдельную БД на локальном
// сервере, иначе поднимает контейнер postgres:16-alpine.
func StartPostgres(ctx context.Context) (dsn string, teardown func() error, err error) {
	if os.Getenv("APP_ENV") == "production" {
		return "", nil, errors.New("APP_ENV=production, aborting tests")
	}
	if base := os.Getenv("ITEST_POSTGRES_DSN"); base != "" {
		testDSN, adminDSN, err := DeriveTestDSN(base)
		if err != nil {
			return "", nil, err
		}
		if err := CreateTestDatabase(ctx, adminDSN, testDBName); err != nil {
			return "", nil, fmt.Errorf("create DB %q: %w (ITEST_POSTGRES_DSN -> %s)", testDBName, err, redactDSN(base))
		}
		log.Printf("test DB %q created", testDBName)
		return testDSN, func() error { return DropTestDatabase(context.Background(), adminDSN, testDBName) }, nil
	}

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(testDBName),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres container: %w", err)
	}
	dsn, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return "", nil, fmt.Errorf("postgres connection string: %w", err)
	}
	log.Printf("postgres container ready: %s", redactDSN(dsn))
	return dsn, func() error { return container.Terminate(context.Background()) }, nil
}

// DeriveTestDSN: меняем имя БД на тестовое и готовим admin-DSN к "postgres".
func DeriveTestDSN(baseDSN string) (testDSN, adminDSN string, err error) {
	u, e := url.Parse(baseDSN)
	if e != nil {
		return "", "", fmt.Errorf("parse DSN: %w", e)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", "", errors.New("only URL DSN supported: postgres://...")
	}
	// не позволяем удалённые хосты для тестов
	if host := u.Hostname(); host != "localhost" && host != "127.0.0.1" {
		return "", "", fmt.Errorf("refuse non-local host for tests: %s", host)
	}
	u.Path = "/" + testDBName
	testDSN = u.String()
	u.Path = "/postgres"
	return testDSN, u.String(), nil
}

// CreateTestDatabase пересоздаёт БД, чтобы сид применялся к пустой схеме.
func CreateTestDatabase(ctx context.Context, adminDSN, dbName string) error {
	if err := DropTestDatabase(ctx, adminDSN, dbName); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", adminDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, `CREATE DATABASE `+pq.QuoteIdentifier(dbName))
	return err
}

func DropTestDatabase(ctx context.Context, adminDSN, dbName string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", adminDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	// убиваем активные коннекты к тестовой БД
	_, _ = db.ExecContext(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()
	`, dbName)

	_, err = db.ExecContext(ctx, `DROP DATABASE IF EXISTS `+pq.QuoteIdentifier(dbName))
	return err
}

// applySeed накатывает testdata/migrations поверх схемы, созданной движком.
func applySeed(dsn string) error {
	root, err := internal.FindRepoRoot()
	if err != nil {
		return fmt.Errorf("repo root not found: %w", err)
	}
	abs, err := filepath.Abs(filepath.Join(root, "internal", "itests", "testdata", "migrations"))
	if err != nil {
		return fmt.Errorf("abs migrations: %w", err)
	}
	// golang-migrate с file:// требует абсолютный путь и прямые слэши
	m, err := migrate.New("file://"+filepath.ToSlash(abs), dsn)
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	username := u.User.Username()
	if username == "" {
		return dsn
	}
	u.User = url.UserPassword(username, "******")
	return u.String()
}
