package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestPostgresIntegrationStoreRoundTrip(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("MECHSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set MECHSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	store.tableName = fmt.Sprintf("mechsync_runs_it_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = store.Close()
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			t.Fatalf("open postgres for cleanup failed: %v", err)
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(store.tableName)); err != nil {
			t.Fatalf("drop cleanup table %q failed: %v", store.tableName, err)
		}
	})
	exerciseStore(t, store)
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	cases := map[string]string{
		"mechsync_runs": `"mechsync_runs"`,
		`we"ird`:        `"we""ird"`,
		"  ":            `""`,
	}
	for in, want := range cases {
		if got := postgresQuoteIdentifier(in); got != want {
			t.Fatalf("postgresQuoteIdentifier(%q) = %s, want %s", in, got, want)
		}
	}
}
