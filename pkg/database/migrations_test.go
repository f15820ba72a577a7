package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"
)

func TestMigrations(t *testing.T) {
	db := newTestDB(t)

	var version int
	var name string
	err := db.conn.QueryRow("SELECT version, name FROM schema_migrations WHERE version=1").Scan(&version, &name)
	if err != nil {
		t.Fatalf("migration 001 not recorded: %v", err)
	}
	if name != "initial" {
		t.Errorf("expected name 'initial', got %q", name)
	}

	for _, table := range []string{"users", "channels", "channel_members", "remote_memberships", "messages"} {
		var count int
		err := db.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to check for table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestMigrationIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := Open(dbPath, Options{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if _, err := db1.Register("alice", "alice@example.com", "pw"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath, Options{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer db2.Close()

	var count int
	if err := db2.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	migrations, _ := loadMigrations()
	if count != len(migrations) {
		t.Errorf("expected %d recorded migrations, got %d", len(migrations), count)
	}
	if _, err := db2.FindByUsername("alice"); err != nil {
		t.Errorf("data lost across reopen: %v", err)
	}
}

func TestBackupDatabase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	if _, err := conn.Exec("CREATE TABLE legacy (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	conn.Close()

	backup, err := backupDatabase(dbPath, 3)
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(backup), "test.db.backup-v3-") {
		t.Errorf("unexpected backup name %q", backup)
	}
	if _, err := os.Stat(backup); err != nil {
		t.Errorf("backup file missing: %v", err)
	}

	missing, err := backupDatabase(filepath.Join(dir, "absent.db"), 1)
	if err != nil || missing != "" {
		t.Errorf("expected no backup for a missing file, got %q, %v", missing, err)
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("failed to load migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatalf("no migrations found")
	}
	for i := 0; i < len(migrations)-1; i++ {
		if migrations[i].Version >= migrations[i+1].Version {
			t.Errorf("migrations not sorted: %d >= %d", migrations[i].Version, migrations[i+1].Version)
		}
	}
	if migrations[0].Version != 1 || migrations[0].Name != "initial" || migrations[0].SQL == "" {
		t.Errorf("unexpected first migration: %+v", migrations[0].Name)
	}
}
