package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"pledgeline/internal/config"
	"pledgeline/internal/db"
	"pledgeline/internal/engine"
	"pledgeline/internal/migrate"
)

// Workspace is an opened workspace: its database, policy config and an
// engine wired to both.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

// Open opens the workspace database, applies migrations and loads
// pledgeline.yml, falling back to defaults when the file is absent.
func Open(ctx context.Context, dir string, logger *slog.Logger) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(cfg.DB(dir))
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Workspace{
		Dir:    dir,
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg, logger),
	}, nil
}

// Init creates the workspace directory and writes a default pledgeline.yml
// unless one exists. It reports whether the config file was written.
func Init(ctx context.Context, dir string) (bool, error) {
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return false, err
	}
	path := config.Path(dir)
	written := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
			return false, fmt.Errorf("write %s: %w", path, err)
		}
		written = true
	} else if err != nil {
		return false, err
	}
	w, err := Open(ctx, dir, nil)
	if err != nil {
		return written, err
	}
	return written, w.Close()
}
