package storage

import (
	"context"
	"fmt"

	"github.com/tosin2013/bugtriage/internal/models"
)

// Get implements expertise.CacheStore: returns the cached
// ExpertiseCache rows for a file, regardless of freshness (the
// expertise engine checks CacheTTL itself).
func (s *Store) Get(ctx context.Context, filePath string) ([]models.ExpertiseCache, error) {
	var rows []models.ExpertiseCache
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM expertise_cache WHERE file_path = $1`, filePath)
	return rows, err
}

// ReplaceAll implements expertise.CacheStore: evicts every existing
// ExpertiseCache row for filePath and inserts rows, atomically (spec
// §4.4's "delete-then-insert must be atomic per file").
func (s *Store) ReplaceAll(ctx context.Context, filePath string, rows []models.ExpertiseCache) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin replace: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM expertise_cache WHERE file_path = $1`, filePath); err != nil {
		return fmt.Errorf("storage: evict expertise cache: %w", err)
	}

	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO expertise_cache
				(file_path, developer_email, score, commit_count, last_commit_date, lines_owned, calculated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (file_path, developer_email) DO UPDATE
			SET score = EXCLUDED.score,
			    commit_count = EXCLUDED.commit_count,
			    last_commit_date = EXCLUDED.last_commit_date,
			    lines_owned = EXCLUDED.lines_owned,
			    calculated_at = now()`,
			r.FilePath, r.DeveloperEmail, r.Score, r.CommitCount, r.LastCommitDate, r.LinesOwned); err != nil {
			return fmt.Errorf("storage: insert expertise cache row: %w", err)
		}
	}

	return tx.Commit()
}
