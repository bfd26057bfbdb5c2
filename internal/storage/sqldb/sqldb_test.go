package sqldb

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{
		Driver: DriverSQLite,
		DSN:    "file:" + filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000",
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateEmbeddedSchemaIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ran, err := db.Migrate(ctx)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(ran) != 3 || ran[0] != "0001_tasks.sql" {
		t.Fatalf("unexpected migrations %v", ran)
	}
	again, err := db.Migrate(ctx)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no pending migrations, got %v", again)
	}

	for _, table := range []string{"tasks", "task_results", "approval_requests", "magic_links", "users", "wallet_bindings"} {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestMigrateRollsBackFailingFile(t *testing.T) {
	db := openTestDB(t)
	files := fstest.MapFS{
		"0001_ok.sql":     {Data: []byte("CREATE TABLE a (id INT);")},
		"0002_broken.sql": {Data: []byte("-- comment\nCREATE TABLE b (id INT);\nNOT SQL;")},
	}
	ran, err := db.migrate(context.Background(), files)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if len(ran) != 1 {
		t.Fatalf("expected first migration recorded, got %v", ran)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil || count != 1 {
		t.Fatalf("expected one recorded version, got %d (%v)", count, err)
	}
}

func TestIsDuplicateKey(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec(`CREATE TABLE k (id VARCHAR(8) PRIMARY KEY)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO k (id) VALUES ('a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := db.Exec(`INSERT INTO k (id) VALUES ('a')`)
	if !IsDuplicateKey(err) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
}

func TestSplitSQLStatements(t *testing.T) {
	got := splitSQLStatements("-- header\nCREATE TABLE a (id INT);\n\n;CREATE INDEX i ON a (id);")
	if len(got) != 2 || got[1] != "CREATE INDEX i ON a (id)" {
		t.Fatalf("unexpected statements %q", got)
	}
	if v := parseMigrationVersion("0007_add_column.sql"); v != "0007" {
		t.Fatalf("unexpected version %s", v)
	}
}

func TestMillisRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if got := FromMillis(Millis(now)); !got.Equal(now) {
		t.Fatalf("expected %v, got %v", now, got)
	}
	if FromNullMillis(NullMillis(nil)) != nil {
		t.Fatalf("expected nil")
	}
	if !FromMillis(0).IsZero() {
		t.Fatalf("expected zero time")
	}
}
