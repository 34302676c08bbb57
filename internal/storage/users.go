package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tosin2013/bugtriage/internal/models"
)

// ChatIDForEmail implements notify.UserLookup: resolves an active
// developer's chat id via UserMapping.
func (s *Store) ChatIDForEmail(ctx context.Context, email string) (string, bool, error) {
	var chatID string
	err := s.db.GetContext(ctx, &chatID,
		`SELECT chat_id FROM users WHERE git_email = $1 AND is_active = true`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return chatID, true, nil
}

// IsActive implements expertise.ActiveLookup. A developer with no
// UserMapping row is treated as active (fail-open, per spec §4.4).
func (s *Store) IsActive(ctx context.Context, email string) (bool, error) {
	var active bool
	err := s.db.GetContext(ctx, &active, `SELECT is_active FROM users WHERE git_email = $1`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	return active, nil
}

// GetUserByEmail returns the full UserMapping row for email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.UserMapping, error) {
	var u models.UserMapping
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE git_email = $1`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUser inserts or updates a UserMapping row, keyed on git_email.
func (s *Store) UpsertUser(ctx context.Context, u models.UserMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (git_email, chat_id, display_name, is_active, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (git_email) DO UPDATE
		SET chat_id = EXCLUDED.chat_id,
		    display_name = EXCLUDED.display_name,
		    is_active = EXCLUDED.is_active,
		    updated_at = now()`,
		u.GitEmail, u.ChatID, u.DisplayName, u.IsActive)
	return err
}
