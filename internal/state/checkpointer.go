package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Checkpointer persists per-thread conversation state in a local SQLite
// file. One instance is shared process-wide; SQLite serializes writers, so
// access goes through a single mutex.
type Checkpointer struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenCheckpointer opens (creating if needed) the checkpoint database.
func OpenCheckpointer(path string) (*Checkpointer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: open checkpointer: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			messages TEXT NOT NULL,
			token_count INTEGER NOT NULL,
			summary TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: init schema: %w", err)
	}
	return &Checkpointer{db: db}, nil
}

// Close releases the database handle.
func (c *Checkpointer) Close() error { return c.db.Close() }

// Load returns the state for threadID, or a fresh zero state if the thread
// has never been checkpointed.
func (c *Checkpointer) Load(ctx context.Context, threadID string) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rawMessages string
	st := &State{}
	err := c.db.QueryRowContext(ctx, `
		SELECT messages, token_count, summary FROM checkpoints WHERE thread_id = ?`,
		threadID).Scan(&rawMessages, &st.TokenCount, &st.Summary)
	if errors.Is(err, sql.ErrNoRows) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(rawMessages), &st.Messages); err != nil {
		return nil, fmt.Errorf("state: decode checkpoint: %w", err)
	}
	return st, nil
}

// Save upserts the state for threadID.
func (c *Checkpointer) Save(ctx context.Context, threadID string, st *State) error {
	messages, err := json.Marshal(st.Messages)
	if err != nil {
		return fmt.Errorf("state: encode checkpoint: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, messages, token_count, summary, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT (thread_id) DO UPDATE SET
			messages = excluded.messages,
			token_count = excluded.token_count,
			summary = excluded.summary,
			updated_at = excluded.updated_at`,
		threadID, string(messages), st.TokenCount, st.Summary)
	if err != nil {
		return fmt.Errorf("state: save checkpoint: %w", err)
	}
	return nil
}

// Delete drops the checkpoint for threadID. Missing rows are not an error.
func (c *Checkpointer) Delete(ctx context.Context, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("state: delete checkpoint: %w", err)
	}
	return nil
}
