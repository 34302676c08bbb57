package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/tosin2013/bugtriage/internal/models"
)

func testStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewFromDB(db), mock
}

func TestChatIDForEmail_Found(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectQuery(`SELECT chat_id FROM users`).
		WithArgs("dev@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"chat_id"}).AddRow("U123"))

	chatID, ok, err := s.ChatIDForEmail(context.Background(), "dev@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "U123", chatID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChatIDForEmail_NotFound(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectQuery(`SELECT chat_id FROM users`).
		WithArgs("ghost@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"chat_id"}))

	_, ok, err := s.ChatIDForEmail(context.Background(), "ghost@example.com")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsActive_FailsOpenWhenNoRow(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectQuery(`SELECT is_active FROM users`).
		WithArgs("unknown@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}))

	active, err := s.IsActive(context.Background(), "unknown@example.com")
	require.NoError(t, err)
	require.True(t, active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlreadyAssigned(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("issue-1", "dev@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	got, err := s.AlreadyAssigned(context.Background(), "issue-1", "dev@example.com")
	require.NoError(t, err)
	require.True(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAssignment_ClampsConfidence(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectExec(`INSERT INTO assignments`).
		WithArgs("issue-1", "", "dev@example.com", 100.0, "strong match", models.AssignmentStatusAssigned).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.InsertAssignment(context.Background(), models.Assignment{
		IssueID:       "issue-1",
		AssigneeEmail: "dev@example.com",
		Confidence:    142,
		Reasoning:     "strong match",
		Status:        models.AssignmentStatusAssigned,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpertiseReplaceAll_EvictsThenInsertsAtomically(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM expertise_cache`).WithArgs("pkg/foo.go").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO expertise_cache`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.ReplaceAll(context.Background(), "pkg/foo.go", []models.ExpertiseCache{
		{FilePath: "pkg/foo.go", DeveloperEmail: "dev@example.com", Score: 42, CommitCount: 3, LinesOwned: 10, LastCommitDate: time.Now()},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpertiseReplaceAll_RollsBackOnInsertFailure(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM expertise_cache`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO expertise_cache`).WillReturnError(errors.New("duplicate key value violates unique constraint"))
	mock.ExpectRollback()

	err := s.ReplaceAll(context.Background(), "pkg/foo.go", []models.ExpertiseCache{
		{FilePath: "pkg/foo.go", DeveloperEmail: "dev@example.com"},
	})
	require.Error(t, err)
}

func TestInsertTriageDecision_MarshalsAffectedFiles(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectExec(`INSERT INTO triage_decisions`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.InsertTriageDecision(context.Background(), models.TriageDecision{
		IssueID:       "issue-1",
		AffectedFiles: []string{"a.go", "b.go"},
		Confidence:    0.9,
		CreatedAt:     time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSystemConfig_SetThenGet(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectExec(`INSERT INTO system_config`).
		WithArgs("on_call_chat_id", "U999", "current on-call").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT value FROM system_config`).
		WithArgs("on_call_chat_id").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("U999"))

	require.NoError(t, s.Set(context.Background(), "on_call_chat_id", "U999", "current on-call"))

	value, ok, err := s.Get(context.Background(), "on_call_chat_id")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "U999", value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingNotifications_ReturnsFallbackRowsOldestFirst(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectQuery(`SELECT key, value, description, updated_at FROM system_config WHERE key LIKE`).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value", "description", "updated_at"}).
			AddRow("notification_fallback_issue-1_1700000000", "you're assigned issue-1", "undelivered chat notification, queued for replay", time.Now()))

	rows, err := s.PendingNotifications(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "notification_fallback_issue-1_1700000000", rows[0].Key)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteConfig(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectExec(`DELETE FROM system_config WHERE key = \$1`).
		WithArgs("notification_fallback_issue-1_1700000000").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.DeleteConfig(context.Background(), "notification_fallback_issue-1_1700000000")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecisionForIssue_Found(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectQuery(`SELECT id, issue_id, stack_trace, affected_files, root_cause, confidence, draft_pr_url, processing_time_ms, created_at FROM triage_decisions`).
		WithArgs("issue-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "issue_id", "stack_trace", "affected_files", "root_cause", "confidence", "draft_pr_url", "processing_time_ms", "created_at"}).
			AddRow(1, "issue-1", nil, []byte(`["a.go"]`), "nil pointer", 91.5, nil, 1200, time.Now()))

	d, ok, err := s.DecisionForIssue(context.Background(), "issue-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"a.go"}, d.AffectedFiles)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecisionForIssue_NotFound(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectQuery(`SELECT id, issue_id, stack_trace, affected_files, root_cause, confidence, draft_pr_url, processing_time_ms, created_at FROM triage_decisions`).
		WithArgs("issue-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "issue_id", "stack_trace", "affected_files", "root_cause", "confidence", "draft_pr_url", "processing_time_ms", "created_at"}))

	_, ok, err := s.DecisionForIssue(context.Background(), "issue-missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
