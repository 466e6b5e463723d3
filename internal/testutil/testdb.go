package testutil

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"duoplay/internal/config"
	"duoplay/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// OpenJournal returns a ledger journal backed by its own Postgres schema with
// the init migration applied. The schema is dropped when the test ends. The
// test is skipped when TEST_POSTGRES_DSN is unset.
func OpenJournal(t *testing.T) *store.Store {
	t.Helper()
	cfg, err := config.LoadJournalTest()
	if err != nil {
		t.Skipf("no journal database: %v", err)
	}
	ctx := context.Background()
	schema := fmt.Sprintf("%s_%d", cfg.SchemaPrefix, time.Now().UnixNano())
	if err := execSchema(ctx, cfg.DSN, "CREATE SCHEMA %s", schema); err != nil {
		t.Fatalf("create journal schema: %v", err)
	}
	t.Cleanup(func() {
		if err := execSchema(context.Background(), cfg.DSN, "DROP SCHEMA %s CASCADE", schema); err != nil {
			t.Logf("drop journal schema %s: %v", schema, err)
		}
	})

	st, err := store.New(inSchema(cfg.DSN, schema))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(st.Close)
	ddl, err := readMigration("000001_init.up.sql")
	if err != nil {
		t.Fatalf("read journal migration: %v", err)
	}
	if _, err := st.Pool.Exec(ctx, ddl); err != nil {
		t.Fatalf("apply journal migration: %v", err)
	}
	return st
}

// execSchema runs one schema statement on a short-lived pool.
func execSchema(ctx context.Context, dsn, format, schema string) error {
	if !schemaName.MatchString(schema) {
		return fmt.Errorf("schema %q is not a plain identifier", schema)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()
	_, err = pool.Exec(ctx, fmt.Sprintf(format, pgx.Identifier{schema}.Sanitize()))
	return err
}

// readMigration finds migrations/<name> from the working directory or one
// of its parents, so tests in any package can load it.
func readMigration(name string) (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		b, err := os.ReadFile(filepath.Join(dir, "migrations", name))
		if err == nil {
			return string(b), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("migrations/%s not found", name)
		}
		dir = parent
	}
}

func inSchema(dsn, schema string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "search_path=" + url.QueryEscape(schema)
}
