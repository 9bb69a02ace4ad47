package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Artifact is one reference to a stored blob. Several rows may share a
// sha256 (the blob is stored once); each row records who produced the
// reference and under what name.
type Artifact struct {
	ID         uuid.UUID
	ThreadID   uuid.UUID
	SHA256     string
	Filename   string
	Mime       string
	Size       int64
	SessionID  *string
	RunID      *string
	ToolCallID *string
	Meta       map[string]any
	CreatedAt  time.Time
}

const artifactCols = "id, thread_id, sha256, filename, mime, size, session_id, run_id, tool_call_id, meta, created_at"

// InsertArtifacts writes a batch of artifact rows in one transaction, so a
// multi-file ingest commits or rolls back as a unit.
func (s *Store) InsertArtifacts(ctx context.Context, rows []*Artifact) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	for _, a := range rows {
		meta, err := jsonb(a.Meta)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO artifacts (id, thread_id, sha256, filename, mime, size, session_id, run_id, tool_call_id, meta)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			a.ID, a.ThreadID, a.SHA256, a.Filename, a.Mime, a.Size,
			nilStr(a.SessionID), nilStr(a.RunID), nilStr(a.ToolCallID), meta)
		if err != nil {
			return fmt.Errorf("store: insert artifact: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// GetArtifact loads one artifact row by id.
func (s *Store) GetArtifact(ctx context.Context, id uuid.UUID) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactCols+` FROM artifacts WHERE id = $1`, id)
	return scanArtifact(row)
}

// FindBySHA256 returns every artifact row referencing a blob, oldest first.
// The row count is the blob's reference count; an empty result means the
// blob is unreferenced and safe to prune.
func (s *Store) FindBySHA256(ctx context.Context, sha256 string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactCols+` FROM artifacts
		WHERE sha256 = $1
		ORDER BY created_at ASC`, sha256)
	if err != nil {
		return nil, fmt.Errorf("store: find by sha256: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ArtifactsByToolCall returns the rows a given tool invocation produced, in
// creation order. Used to attach descriptors when replaying a timeline.
func (s *Store) ArtifactsByToolCall(ctx context.Context, threadID uuid.UUID, toolCallID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactCols+` FROM artifacts
		WHERE thread_id = $1 AND tool_call_id = $2
		ORDER BY created_at ASC`, threadID, toolCallID)
	if err != nil {
		return nil, fmt.Errorf("store: artifacts by tool call: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var (
		a                          Artifact
		sessionID, runID, toolCall sql.NullString
		rawMeta                    []byte
	)
	err := row.Scan(&a.ID, &a.ThreadID, &a.SHA256, &a.Filename, &a.Mime, &a.Size,
		&sessionID, &runID, &toolCall, &rawMeta, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan artifact: %w", err)
	}
	if sessionID.Valid {
		a.SessionID = &sessionID.String
	}
	if runID.Valid {
		a.RunID = &runID.String
	}
	if toolCall.Valid {
		a.ToolCallID = &toolCall.String
	}
	if a.Meta, err = scanJSON(rawMeta); err != nil {
		return nil, err
	}
	return &a, nil
}
