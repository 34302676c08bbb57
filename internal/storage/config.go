package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tosin2013/bugtriage/internal/models"
)

// Get implements notify.ConfigStore: reads a SystemConfig value.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM system_config WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set implements both breaker.AlertSink and notify.ConfigStore: it
// upserts a SystemConfig row, last-writer-wins on key (spec §3).
func (s *Store) Set(ctx context.Context, key, value, description string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_config (key, value, description, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    description = EXCLUDED.description,
		    updated_at = now()`,
		key, value, description)
	return err
}

// PendingNotifications returns the persisted fallback messages queued
// by notify.Dispatcher on total chat outage (key prefix
// "notification_fallback_"), oldest first, for replay by the CLI.
func (s *Store) PendingNotifications(ctx context.Context) ([]models.SystemConfig, error) {
	var rows []models.SystemConfig
	err := s.db.SelectContext(ctx, &rows, `
		SELECT key, value, description, updated_at
		FROM system_config
		WHERE key LIKE 'notification_fallback_%'
		ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteConfig removes a SystemConfig row, used once a replayed
// fallback notification has been redelivered.
func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM system_config WHERE key = $1`, key)
	return err
}
