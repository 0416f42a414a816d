package db

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/quailyquaily/airlock/db/models"
	"github.com/quailyquaily/airlock/internal/pathutil"
)

func TestSQLitePragmas(t *testing.T) {
	cases := []struct {
		name string
		cfg  SQLiteConfig
		want []string
	}{
		{name: "none", cfg: SQLiteConfig{}, want: nil},
		{
			name: "file defaults",
			cfg:  DefaultConfig().SQLite,
			want: []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=NORMAL;", "PRAGMA busy_timeout=5000;", "PRAGMA foreign_keys=ON;"},
		},
		{
			name: "in memory skips wal",
			cfg:  SQLiteConfig{WAL: true, InMemory: true, BusyTimeoutMs: 100},
			want: []string{"PRAGMA busy_timeout=100;"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sqlitePragmas(tc.cfg); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("sqlitePragmas = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResolveSQLiteDSN(t *testing.T) {
	home := t.TempDir()
	t.Setenv(pathutil.StateDirEnv, home)

	got, err := ResolveSQLiteDSN("")
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if want := filepath.Join(home, "airlock.sqlite"); got != want {
		t.Fatalf("default = %q, want %q", got, want)
	}

	for _, dsn := range []string{":memory:", "file::memory:?cache=shared", "file:x?mode=memory"} {
		if got, err := ResolveSQLiteDSN(dsn); err != nil || got != dsn {
			t.Fatalf("memory dsn %q = %q, %v", dsn, got, err)
		}
	}

	nested := filepath.Join(home, "a", "b", "state.db")
	got, err = ResolveSQLiteDSN("file:" + nested + "?_pragma=busy_timeout(100)")
	if err != nil {
		t.Fatalf("file dsn: %v", err)
	}
	if got != nested+"?_pragma=busy_timeout(100)" {
		t.Fatalf("file dsn = %q", got)
	}
	if st, err := os.Stat(filepath.Dir(nested)); err != nil || !st.IsDir() {
		t.Fatalf("parent dir not created: %v", err)
	}
}

func TestOpen_MigratesTables(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "airlock.sqlite")
	gdb, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sqlDB, _ := gdb.DB()
	defer sqlDB.Close()

	for _, m := range []any{&models.PolicyState{}, &models.AuditEvent{}} {
		if !gdb.Migrator().HasTable(m) {
			t.Fatalf("table for %T was not created", m)
		}
	}
	var mode string
	if err := gdb.Raw("PRAGMA journal_mode;").Scan(&mode).Error; err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "postgres"}); err == nil {
		t.Fatalf("expected error for postgres driver")
	}
}
