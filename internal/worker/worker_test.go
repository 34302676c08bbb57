package worker

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tosin2013/bugtriage/internal/fixgen"
	"github.com/tosin2013/bugtriage/internal/models"
)

type fakeAnalyzer struct {
	result *models.BugAnalysis
}

func (f *fakeAnalyzer) AnalyzeFailure(ctx context.Context, issueText string, trace *models.StackTrace, extraContext string) *models.BugAnalysis {
	return f.result
}

type fakeAssigner struct {
	result models.AssignmentResult
}

func (f *fakeAssigner) Decide(ctx context.Context, issueID, repoPath string, analysis *models.BugAnalysis, threshold float64) models.AssignmentResult {
	return f.result
}

type fakeDrafts struct {
	draft   *fixgen.Draft
	openURL string
	openErr error
	opened  bool
}

func (f *fakeDrafts) Generate(ctx context.Context, analysis *models.BugAnalysis, trace *models.StackTrace) *fixgen.Draft {
	return f.draft
}

func (f *fakeDrafts) Open(ctx context.Context, draft *fixgen.Draft, issueID string) (string, error) {
	f.opened = true
	return f.openURL, f.openErr
}

type fakeNotifier struct {
	called bool
}

func (f *fakeNotifier) Dispatch(ctx context.Context, onCallChatID string, assignment models.AssignmentResult, issueID, issueURL, file, draftURL string) error {
	f.called = true
	return nil
}

type fakeRecorder struct {
	done     chan models.TriageDecision
	assigned bool
	draft    bool
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{done: make(chan models.TriageDecision, 1)}
}

func (f *fakeRecorder) RecordDecision(ctx context.Context, issueID string, decision models.TriageDecision, assigned bool, draftOpened bool) error {
	f.assigned = assigned
	f.draft = draftOpened
	f.done <- decision
	return nil
}

type fakeAssignmentStore struct {
	rows []models.Assignment
}

func (f *fakeAssignmentStore) InsertAssignment(ctx context.Context, a models.Assignment) error {
	f.rows = append(f.rows, a)
	return nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func waitForDecision(t *testing.T, ch chan models.TriageDecision) models.TriageDecision {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decision to be recorded")
		return models.TriageDecision{}
	}
}

func TestPool_ProcessesJobAndPersistsAssignment(t *testing.T) {
	analyzer := &fakeAnalyzer{result: &models.BugAnalysis{
		AffectedFiles:       []string{"pkg/foo.go"},
		RootCauseHypothesis: "nil deref",
		Confidence:          0.9,
	}}
	assigner := &fakeAssigner{result: models.AssignmentResult{
		AssigneeEmail: "dev@example.com",
		Confidence:    90,
		RouteToHuman:  false,
	}}
	drafts := &fakeDrafts{}
	notifier := &fakeNotifier{}
	recorder := newFakeRecorder()
	assigns := &fakeAssignmentStore{}

	pool := New(Config{ConfidenceThreshold: 60, DraftPREnabled: true, Workers: 1}, analyzer, assigner, drafts, notifier, recorder, assigns, testLogger())
	pool.Start(context.Background())
	defer pool.Shutdown()

	require.NoError(t, pool.Enqueue(models.NormalizedEvent{IssueID: "issue-1", URL: "https://example.com/1", Title: "crash"}))

	decision := waitForDecision(t, recorder.done)
	assert.Equal(t, "issue-1", decision.IssueID)
	assert.True(t, recorder.assigned)
	assert.True(t, notifier.called)
	require.Len(t, assigns.rows, 1)
	assert.Equal(t, "dev@example.com", assigns.rows[0].AssigneeEmail)
}

func TestPool_RouteToHumanSkipsAssignmentPersistence(t *testing.T) {
	analyzer := &fakeAnalyzer{result: &models.BugAnalysis{AffectedFiles: []string{"pkg/foo.go"}}}
	assigner := &fakeAssigner{result: models.AssignmentResult{RouteToHuman: true, Confidence: 20}}
	drafts := &fakeDrafts{}
	notifier := &fakeNotifier{}
	recorder := newFakeRecorder()
	assigns := &fakeAssignmentStore{}

	pool := New(Config{ConfidenceThreshold: 60, Workers: 1}, analyzer, assigner, drafts, notifier, recorder, assigns, testLogger())
	pool.Start(context.Background())
	defer pool.Shutdown()

	require.NoError(t, pool.Enqueue(models.NormalizedEvent{IssueID: "issue-2"}))

	waitForDecision(t, recorder.done)
	assert.False(t, recorder.assigned)
	assert.Empty(t, assigns.rows)
}

func TestPool_LowConfidenceSkipsDraftGeneration(t *testing.T) {
	analyzer := &fakeAnalyzer{result: &models.BugAnalysis{AffectedFiles: []string{"pkg/foo.go"}}}
	assigner := &fakeAssigner{result: models.AssignmentResult{Confidence: 70, AssigneeEmail: "dev@example.com"}}
	drafts := &fakeDrafts{draft: &fixgen.Draft{FilePath: "pkg/foo.go"}, openURL: "https://example.com/pr/1"}
	notifier := &fakeNotifier{}
	recorder := newFakeRecorder()
	assigns := &fakeAssignmentStore{}

	pool := New(Config{ConfidenceThreshold: 60, DraftPREnabled: true, Workers: 1}, analyzer, assigner, drafts, notifier, recorder, assigns, testLogger())
	pool.Start(context.Background())
	defer pool.Shutdown()

	require.NoError(t, pool.Enqueue(models.NormalizedEvent{IssueID: "issue-3"}))

	waitForDecision(t, recorder.done)
	assert.False(t, drafts.opened)
	assert.False(t, recorder.draft)
}

func TestPool_HighConfidenceOpensDraft(t *testing.T) {
	analyzer := &fakeAnalyzer{result: &models.BugAnalysis{AffectedFiles: []string{"pkg/foo.go"}}}
	assigner := &fakeAssigner{result: models.AssignmentResult{Confidence: 90, AssigneeEmail: "dev@example.com"}}
	drafts := &fakeDrafts{draft: &fixgen.Draft{FilePath: "pkg/foo.go"}, openURL: "https://example.com/pr/1"}
	notifier := &fakeNotifier{}
	recorder := newFakeRecorder()
	assigns := &fakeAssignmentStore{}

	pool := New(Config{ConfidenceThreshold: 60, DraftPREnabled: true, Workers: 1}, analyzer, assigner, drafts, notifier, recorder, assigns, testLogger())
	pool.Start(context.Background())
	defer pool.Shutdown()

	require.NoError(t, pool.Enqueue(models.NormalizedEvent{IssueID: "issue-4"}))

	decision := waitForDecision(t, recorder.done)
	assert.True(t, drafts.opened)
	assert.True(t, recorder.draft)
	require.NotNil(t, decision.DraftPRURL)
	assert.Equal(t, "https://example.com/pr/1", *decision.DraftPRURL)
}

func TestEnqueue_FullQueueReturnsError(t *testing.T) {
	pool := New(Config{QueueDepth: 1, Workers: 0}, &fakeAnalyzer{}, &fakeAssigner{}, &fakeDrafts{}, &fakeNotifier{}, newFakeRecorder(), &fakeAssignmentStore{}, testLogger())

	require.NoError(t, pool.Enqueue(models.NormalizedEvent{IssueID: "a"}))
	err := pool.Enqueue(models.NormalizedEvent{IssueID: "b"})
	assert.Error(t, err)
}
