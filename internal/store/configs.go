package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ThreadConfig holds per-thread generation overrides. Nil fields mean
// "use the process default".
type ThreadConfig struct {
	ThreadID      uuid.UUID
	Model         *string
	Temperature   *float64
	SystemPrompt  *string
	ContextWindow *int
	Settings      map[string]any
}

// GetConfig loads the thread's overrides. A thread with no config row
// returns ErrNotFound; callers fall back to defaults.
func (s *Store) GetConfig(ctx context.Context, threadID uuid.UUID) (*ThreadConfig, error) {
	var (
		c           ThreadConfig
		model       sql.NullString
		temp        sql.NullFloat64
		prompt      sql.NullString
		window      sql.NullInt64
		rawSettings []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, model, temperature, system_prompt, context_window, settings
		FROM configs WHERE thread_id = $1`, threadID).
		Scan(&c.ThreadID, &model, &temp, &prompt, &window, &rawSettings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get config: %w", err)
	}
	if model.Valid {
		c.Model = &model.String
	}
	if temp.Valid {
		c.Temperature = &temp.Float64
	}
	if prompt.Valid {
		c.SystemPrompt = &prompt.String
	}
	if window.Valid {
		w := int(window.Int64)
		c.ContextWindow = &w
	}
	if c.Settings, err = scanJSON(rawSettings); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertConfig writes the thread's overrides, replacing any existing row.
func (s *Store) UpsertConfig(ctx context.Context, c *ThreadConfig) error {
	settings, err := jsonb(c.Settings)
	if err != nil {
		return err
	}
	var temp any
	if c.Temperature != nil {
		temp = *c.Temperature
	}
	var window any
	if c.ContextWindow != nil {
		window = *c.ContextWindow
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO configs (thread_id, model, temperature, system_prompt, context_window, settings)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (thread_id) DO UPDATE SET
			model = EXCLUDED.model,
			temperature = EXCLUDED.temperature,
			system_prompt = EXCLUDED.system_prompt,
			context_window = EXCLUDED.context_window,
			settings = EXCLUDED.settings`,
		c.ThreadID, nilStr(c.Model), temp, nilStr(c.SystemPrompt), window, settings)
	if err != nil {
		return fmt.Errorf("store: upsert config: %w", err)
	}
	return nil
}
