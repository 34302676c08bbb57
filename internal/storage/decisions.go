package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tosin2013/bugtriage/internal/models"
)

// InsertTriageDecision implements audit.DecisionStore. TriageDecision
// rows are append-only: this is always an INSERT, never an UPDATE.
func (s *Store) InsertTriageDecision(ctx context.Context, d models.TriageDecision) error {
	affected, err := json.Marshal(d.AffectedFiles)
	if err != nil {
		return fmt.Errorf("storage: marshal affected_files: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO triage_decisions
			(issue_id, stack_trace, affected_files, root_cause, confidence, draft_pr_url, processing_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.IssueID, d.StackTrace, affected, d.RootCause, d.Confidence, d.DraftPRURL, d.ProcessingTimeMS, d.CreatedAt)
	return err
}

// HasDecisionForIssue reports whether a TriageDecision already exists
// for issueID, used by C8's dedup source-of-truth check.
func (s *Store) HasDecisionForIssue(ctx context.Context, issueID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM triage_decisions WHERE issue_id = $1)`, issueID)
	return exists, err
}

// DecisionForIssue returns the most recent decision recorded for
// issueID, used by the CLI's "triage" command to poll for completion
// of an asynchronously enqueued re-run.
func (s *Store) DecisionForIssue(ctx context.Context, issueID string) (*models.TriageDecision, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, issue_id, stack_trace, affected_files, root_cause, confidence, draft_pr_url, processing_time_ms, created_at
		FROM triage_decisions WHERE issue_id = $1 ORDER BY created_at DESC LIMIT 1`, issueID)

	var d models.TriageDecision
	var affected []byte
	if err := row.Scan(&d.ID, &d.IssueID, &d.StackTrace, &affected, &d.RootCause,
		&d.Confidence, &d.DraftPRURL, &d.ProcessingTimeMS, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(affected) > 0 {
		if err := json.Unmarshal(affected, &d.AffectedFiles); err != nil {
			return nil, false, fmt.Errorf("storage: unmarshal affected_files: %w", err)
		}
	}
	return &d, true, nil
}

// RecentDecisions returns the most recent decisions, newest first,
// at most limit of them.
func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]models.TriageDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, stack_trace, affected_files, root_cause, confidence, draft_pr_url, processing_time_ms, created_at
		FROM triage_decisions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TriageDecision
	for rows.Next() {
		var d models.TriageDecision
		var affected []byte
		if err := rows.Scan(&d.ID, &d.IssueID, &d.StackTrace, &affected, &d.RootCause,
			&d.Confidence, &d.DraftPRURL, &d.ProcessingTimeMS, &d.CreatedAt); err != nil {
			return nil, err
		}
		if len(affected) > 0 {
			if err := json.Unmarshal(affected, &d.AffectedFiles); err != nil {
				return nil, fmt.Errorf("storage: unmarshal affected_files: %w", err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
