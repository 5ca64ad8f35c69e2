// Package store provides the SQLite-backed checkpoint archive. The
// in-memory checkpoint tables owned by drivers stay authoritative; the
// archive is write-through so checkpoints survive process restarts.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/flywheelhq/flywheel/internal/driver"
	"github.com/flywheelhq/flywheel/internal/logging"
)

// DB wraps a SQLite database holding archived checkpoints.
type DB struct {
	sql *sql.DB
	log *logging.Logger
}

// Open opens (or creates) the archive at the given path and runs
// migrations. Use ":memory:" for tests.
func Open(path string, log *logging.Logger) (*DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// WAL mode for better concurrent read performance
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	db := &DB{sql: sqlDB, log: log.Sub("store")}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	db.log.Info().Str("path", path).Msg("checkpoint archive opened")
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.sql.Close()
}

func (db *DB) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	tool_state   TEXT NOT NULL DEFAULT '',
	history      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_agent ON checkpoints(agent_id);
`
	if _, err := db.sql.Exec(schema); err != nil {
		return fmt.Errorf("creating checkpoints schema: %w", err)
	}
	return nil
}

// Save archives one checkpoint. Checkpoints are immutable, so conflicts on
// id are ignored.
func (db *DB) Save(cp *driver.Checkpoint) error {
	history, err := json.Marshal(cp.History)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	_, err = db.sql.Exec(`
		INSERT OR IGNORE INTO checkpoints
			(id, agent_id, created_at, input_tokens, output_tokens, tool_state, history)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.AgentID, cp.CreatedAt.UnixMilli(),
		cp.TokenUsage.InputTokens, cp.TokenUsage.OutputTokens,
		cp.ToolState, string(history),
	)
	if err != nil {
		return fmt.Errorf("inserting checkpoint: %w", err)
	}
	return nil
}

// ListByAgent returns an agent's archived checkpoints in creation order.
func (db *DB) ListByAgent(agentID string) ([]*driver.Checkpoint, error) {
	rows, err := db.sql.Query(`
		SELECT id, agent_id, created_at, input_tokens, output_tokens, tool_state, history
		FROM checkpoints WHERE agent_id = ? ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*driver.Checkpoint
	for rows.Next() {
		var (
			cp        driver.Checkpoint
			createdAt int64
			history   string
		)
		if err := rows.Scan(&cp.ID, &cp.AgentID, &createdAt,
			&cp.TokenUsage.InputTokens, &cp.TokenUsage.OutputTokens,
			&cp.ToolState, &history); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		cp.CreatedAt = time.UnixMilli(createdAt)
		if err := json.Unmarshal([]byte(history), &cp.History); err != nil {
			return nil, fmt.Errorf("decoding history for checkpoint %s: %w", cp.ID, err)
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// DeleteByAgent discards an agent's archived checkpoints. Called on agent
// termination.
func (db *DB) DeleteByAgent(agentID string) error {
	_, err := db.sql.Exec(`DELETE FROM checkpoints WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("deleting checkpoints: %w", err)
	}
	return nil
}
