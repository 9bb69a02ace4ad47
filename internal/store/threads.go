package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Thread is one conversation, scoped to a user.
type Thread struct {
	ID         uuid.UUID
	UserID     string
	Title      *string
	Meta       map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ArchivedAt *time.Time
}

const threadCols = "id, user_id, title, meta, created_at, updated_at, archived_at"

// CreateThread inserts a new thread for userID and returns it.
func (s *Store) CreateThread(ctx context.Context, userID string, title *string, meta map[string]any) (*Thread, error) {
	id := uuid.Must(uuid.NewV7())
	metaJSON, err := jsonb(meta)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO threads (id, user_id, title, meta)
		VALUES ($1, $2, $3, $4)
		RETURNING `+threadCols,
		id, userID, nilStr(title), metaJSON)
	return scanThread(row)
}

// GetThread loads one thread by id.
func (s *Store) GetThread(ctx context.Context, id uuid.UUID) (*Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+threadCols+` FROM threads WHERE id = $1`, id)
	return scanThread(row)
}

// ListThreads returns the user's threads, most recently updated first.
// Archived threads are excluded unless includeArchived is set.
func (s *Store) ListThreads(ctx context.Context, userID string, limit int, includeArchived bool) ([]*Thread, error) {
	q := `SELECT ` + threadCols + ` FROM threads WHERE user_id = $1`
	if !includeArchived {
		q += ` AND archived_at IS NULL`
	}
	q += ` ORDER BY updated_at DESC LIMIT $2`

	rows, err := s.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list threads: %w", err)
	}
	defer rows.Close()

	var out []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateThreadTitle sets the thread title.
func (s *Store) UpdateThreadTitle(ctx context.Context, id uuid.UUID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET title = $2, updated_at = NOW() WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("store: update title: %w", err)
	}
	return requireRow(res)
}

// TouchThread bumps updated_at so the thread sorts to the top of listings.
func (s *Store) TouchThread(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE threads SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: touch thread: %w", err)
	}
	return nil
}

// SetThreadArchived archives or unarchives a thread.
func (s *Store) SetThreadArchived(ctx context.Context, id uuid.UUID, archived bool) error {
	var q string
	if archived {
		q = `UPDATE threads SET archived_at = NOW(), updated_at = NOW() WHERE id = $1`
	} else {
		q = `UPDATE threads SET archived_at = NULL, updated_at = NOW() WHERE id = $1`
	}
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("store: set archived: %w", err)
	}
	return requireRow(res)
}

// DeleteThread removes a thread; messages, config, and artifact rows cascade.
// Deleting a missing thread is not an error.
func (s *Store) DeleteThread(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete thread: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*Thread, error) {
	var (
		t       Thread
		title   sql.NullString
		rawMeta []byte
	)
	err := row.Scan(&t.ID, &t.UserID, &title, &rawMeta, &t.CreatedAt, &t.UpdatedAt, &t.ArchivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan thread: %w", err)
	}
	if title.Valid {
		t.Title = &title.String
	}
	if t.Meta, err = scanJSON(rawMeta); err != nil {
		return nil, err
	}
	return &t, nil
}
