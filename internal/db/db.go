// Package db opens the workspace SQLite database that holds contracts,
// wallets and the event log.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".pledgeline"
	defaultDBName = "pledgeline.db"

	DefaultBusyTimeout = 5 * time.Second
	DefaultJournalMode = "wal"
)

// Config selects the database file and how connections are tuned. Zero
// values fall back to the defaults above.
type Config struct {
	Workspace string
	// BusyTimeout is how long a writer waits on a locked database before
	// giving up with SQLITE_BUSY.
	BusyTimeout time.Duration
	JournalMode string
}

var journalModes = map[string]bool{
	"wal": true, "delete": true, "truncate": true, "persist": true, "memory": true,
}

// ValidJournalMode reports whether mode is a journal mode Open accepts.
func ValidJournalMode(mode string) bool {
	return journalModes[strings.ToLower(mode)]
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// dsn builds the modernc connection string. Transactions take the write lock
// up front so two engines never deadlock upgrading a read lock.
func dsn(cfg Config) (string, error) {
	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = DefaultBusyTimeout
	}
	mode := strings.ToLower(cfg.JournalMode)
	if mode == "" {
		mode = DefaultJournalMode
	}
	if !journalModes[mode] {
		return "", fmt.Errorf("unsupported journal mode %q", cfg.JournalMode)
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", timeout.Milliseconds()))
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", mode))
	q.Set("_txlock", "immediate")
	return "file:" + dbPath(cfg.Workspace) + "?" + q.Encode(), nil
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the workspace database and pings it, so a bad path or pragma
// fails here rather than on the first query.
func Open(cfg Config) (*sql.DB, error) {
	source, err := dsn(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", source)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", dbPath(cfg.Workspace), err)
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
