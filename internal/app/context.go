// Package app wires workspace state together for the CLI and server.
package app

import (
	"database/sql"
	"fmt"
	"os"

	"quotaline/internal/config"
	"quotaline/internal/db"
	"quotaline/internal/engine"
	"quotaline/internal/migrate"
)

// Env is an opened workspace: database, config and engine.
type Env struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

func (e *Env) Close() error {
	return e.DB.Close()
}

// Open prepares the workspace: ensures the state directory, opens and
// migrates the database, loads quotaline.yaml (defaults when absent) and
// builds the engine with the configured thresholds.
func Open(workspace string) (*Env, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Env{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg),
	}, nil
}

// Init seeds a fresh workspace with the default config file and an empty
// migrated database. An existing config file is left alone.
func Init(workspace string) (*Env, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	if _, err := os.Stat(config.Path(workspace)); os.IsNotExist(err) {
		if err := config.Default().Save(workspace); err != nil {
			return nil, fmt.Errorf("write config: %w", err)
		}
	}
	return Open(workspace)
}
