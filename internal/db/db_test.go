package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPathDefaultsToCurrentDir(t *testing.T) {
	if got, want := Path(""), filepath.Join(".", ".pledgeline", "pledgeline.db"); got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestDSNAppliesDefaults(t *testing.T) {
	source, err := dsn(Config{Workspace: "/ws"})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"busy_timeout%285000%29", "journal_mode%28wal%29", "foreign_keys%281%29", "_txlock=immediate"} {
		if !strings.Contains(source, want) {
			t.Fatalf("dsn %s missing %s", source, want)
		}
	}
	if _, err := dsn(Config{JournalMode: "off"}); err == nil {
		t.Fatal("expected journal mode error")
	}
}

func TestOpenAppliesPragmas(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir, BusyTimeout: 1500 * time.Millisecond})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if _, err := os.Stat(Path(dir)); err != nil {
		t.Fatalf("database file: %v", err)
	}

	var fk, timeout int
	var mode string
	if err := conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if err := conn.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout); err != nil {
		t.Fatal(err)
	}
	if err := conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if fk != 1 || timeout != 1500 || mode != "wal" {
		t.Fatalf("pragmas: foreign_keys=%d busy_timeout=%d journal_mode=%s", fk, timeout, mode)
	}
}
