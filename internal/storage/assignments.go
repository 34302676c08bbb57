package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tosin2013/bugtriage/internal/models"
)

// ActiveAssignmentCount implements assignment.WorkloadLookup.
func (s *Store) ActiveAssignmentCount(ctx context.Context, email string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM assignments WHERE assignee_email = $1 AND status = $2`,
		email, models.AssignmentStatusAssigned)
	return n, err
}

// AlreadyAssigned implements assignment.LoopGuard: reports whether
// (issue_id, email) already has an Assignment row, regardless of
// status, to prevent reassignment loops (spec §4.5).
func (s *Store) AlreadyAssigned(ctx context.Context, issueID, email string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM assignments WHERE issue_id = $1 AND assignee_email = $2)`,
		issueID, email)
	return exists, err
}

// InsertAssignment persists a new Assignment row.
func (s *Store) InsertAssignment(ctx context.Context, a models.Assignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (issue_id, issue_url, assignee_email, confidence, reasoning, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.IssueID, a.IssueURL, a.AssigneeEmail, models.ClampConfidence(a.Confidence), a.Reasoning, a.Status)
	return err
}

// GetAssignmentByIssue returns the most recent Assignment for an
// issue.
func (s *Store) GetAssignmentByIssue(ctx context.Context, issueID string) (*models.Assignment, error) {
	var a models.Assignment
	err := s.db.GetContext(ctx, &a,
		`SELECT * FROM assignments WHERE issue_id = $1 ORDER BY created_at DESC LIMIT 1`, issueID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// MarkAssignmentStatus updates an Assignment's lifecycle status
// (assigned -> completed | reassigned).
func (s *Store) MarkAssignmentStatus(ctx context.Context, id int64, status models.AssignmentStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	return err
}
