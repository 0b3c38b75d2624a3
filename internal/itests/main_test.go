package itests

import (
	"context"
	"flag"
	"log"
	"os"
	"testing"

	"YrestData/internal/config"
	"YrestData/internal/db"
	"YrestData/internal/model"
	"YrestData/internal/orm"
	"YrestData/internal/testutil"
)

var (
	dc         *orm.DataContext
	pg         *db.Postgres
	skipReason string
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		skipReason = "integration tests skipped in -short mode"
		os.Exit(m.Run())
	}
	ctx := context.Background()

	dsn, teardown, err := StartPostgres(ctx)
	if err != nil {
		// без докера и без ITEST_POSTGRES_DSN тесты пакета пропускаются
		skipReason = "postgres unavailable: " + err.Error()
		os.Exit(m.Run())
	}
	code, err := run(ctx, m, dsn)
	if err != nil {
		println("setup failed:", err.Error())
		code = 1
	}
	if err := teardown(); err != nil {
		println("teardown failed:", err.Error())
	}
	os.Exit(code)
}

func run(ctx context.Context, m *testing.M, dsn string) (int, error) {
	reg := model.NewRegistry()
	for _, def := range testutil.Models() {
		if err := reg.Set(def); err != nil {
			return 1, err
		}
	}
	if err := reg.Link(); err != nil {
		return 1, err
	}

	var err error
	if pg, err = db.OpenPostgres(ctx, dsn, reg); err != nil {
		return 1, err
	}
	defer pg.Close()

	dc = orm.NewDataContext(config.Default(), reg, pg)
	if err := dc.Migrate(ctx); err != nil {
		return 1, err
	}
	log.Printf("schema migrated")
	if err := applySeed(dsn); err != nil {
		return 1, err
	}
	log.Printf("seed applied")
	return m.Run(), nil
}

// requireDB пропускает тест, если база не поднялась.
func requireDB(t *testing.T) {
	t.Helper()
	if skipReason != "" {
		t.Skip(skipReason)
	}
}
