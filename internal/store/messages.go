package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one transcript row. Assistant rows hold finalized content only,
// never partial stream tokens. MessageID is the client-supplied (or derived)
// idempotency key, unique within a thread.
type Message struct {
	ID         uuid.UUID
	ThreadID   uuid.UUID
	MessageID  string
	Role       string
	Content    map[string]any
	ToolName   *string
	ToolInput  map[string]any
	ToolOutput map[string]any
	Meta       map[string]any
	CreatedAt  time.Time
}

// ToolRecord is one tool invocation captured during a run, persisted as a
// tool-role message.
type ToolRecord struct {
	Name   string
	Input  map[string]any
	Output map[string]any
	Meta   map[string]any
}

const messageCols = "id, thread_id, message_id, role, content, tool_name, tool_input, tool_output, meta, created_at"

// InsertUserMessage inserts the user turn. A retry with the same messageID
// returns ErrDuplicateMessage and writes nothing.
func (s *Store) InsertUserMessage(ctx context.Context, threadID uuid.UUID, messageID, text string) (*Message, error) {
	content, err := jsonb(map[string]any{"text": text})
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, thread_id, message_id, role, content)
		VALUES ($1, $2, $3, 'user', $4)
		RETURNING `+messageCols,
		uuid.Must(uuid.NewV7()), threadID, messageID, content)
	m, err := scanMessage(row)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateMessage
	}
	return m, err
}

// RecordRunOutput persists the outcome of one completed run in a single
// transaction: one tool row per invocation keyed "tool:{userMessageID}:{idx}"
// and the final assistant row keyed "assistant:{userMessageID}". Ordering
// inserts the tool rows first so the assistant row always lands last in the
// timeline. A duplicate key (a concurrent retry won the race) maps to
// ErrDuplicateMessage and rolls everything back.
func (s *Store) RecordRunOutput(ctx context.Context, threadID uuid.UUID, userMessageID string, tools []ToolRecord, assistantText string, meta map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	for i, t := range tools {
		input, err := jsonb(t.Input)
		if err != nil {
			return err
		}
		output, err := jsonb(t.Output)
		if err != nil {
			return err
		}
		toolMeta, err := jsonb(t.Meta)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, thread_id, message_id, role, tool_name, tool_input, tool_output, meta)
			VALUES ($1, $2, $3, 'tool', $4, $5, $6, $7)`,
			uuid.Must(uuid.NewV7()), threadID,
			fmt.Sprintf("tool:%s:%d", userMessageID, i),
			t.Name, input, output, toolMeta)
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		if err != nil {
			return fmt.Errorf("store: insert tool row: %w", err)
		}
	}

	content, err := jsonb(map[string]any{"text": assistantText})
	if err != nil {
		return err
	}
	metaJSON, err := jsonb(meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, message_id, role, content, meta)
		VALUES ($1, $2, $3, 'assistant', $4, $5)`,
		uuid.Must(uuid.NewV7()), threadID, "assistant:"+userMessageID, content, metaJSON)
	if isUniqueViolation(err) {
		return ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("store: insert assistant row: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET updated_at = NOW() WHERE id = $1`, threadID); err != nil {
		return fmt.Errorf("store: touch thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// ListMessages returns the thread timeline in insertion order.
func (s *Store) ListMessages(ctx context.Context, threadID uuid.UUID, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE thread_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m        Message
		toolName sql.NullString

		rawContent, rawIn, rawOut, rawMeta []byte
	)
	err := row.Scan(&m.ID, &m.ThreadID, &m.MessageID, &m.Role,
		&rawContent, &toolName, &rawIn, &rawOut, &rawMeta, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan message: %w", err)
	}
	if toolName.Valid {
		m.ToolName = &toolName.String
	}
	if m.Content, err = scanJSON(rawContent); err != nil {
		return nil, err
	}
	if m.ToolInput, err = scanJSON(rawIn); err != nil {
		return nil, err
	}
	if m.ToolOutput, err = scanJSON(rawOut); err != nil {
		return nil, err
	}
	if m.Meta, err = scanJSON(rawMeta); err != nil {
		return nil, err
	}
	return &m, nil
}
