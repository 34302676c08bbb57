package assignment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tosin2013/bugtriage/internal/models"
)

type fakeExpertise struct {
	byFile map[string][]models.ExpertiseScore
}

func (f *fakeExpertise) GetActiveContributors(ctx context.Context, repoPath, filePath string, useCache bool) []models.ExpertiseScore {
	return f.byFile[filePath]
}

type fakeWorkload struct {
	counts map[string]int
}

func (f *fakeWorkload) ActiveAssignmentCount(ctx context.Context, email string) (int, error) {
	return f.counts[email], nil
}

type fakeGuard struct {
	assigned map[string]bool // "issue|email"
	failFor  string
}

func (f *fakeGuard) AlreadyAssigned(ctx context.Context, issueID, email string) (bool, error) {
	if f.failFor != "" && email == f.failFor {
		return false, assertErr{}
	}
	return f.assigned[issueID+"|"+email], nil
}

type assertErr struct{}

func (assertErr) Error() string { return "lookup failed" }

func TestDecide_HighConfidenceAssigns(t *testing.T) {
	expertise := &fakeExpertise{byFile: map[string][]models.ExpertiseScore{
		"backend/x.py": {
			{DeveloperEmail: "alice@example.com", DeveloperName: "Alice", Score: 400, LastCommitDate: time.Now().Add(-3 * 24 * time.Hour)},
		},
	}}
	workload := &fakeWorkload{counts: map[string]int{"alice@example.com": 1}}
	guard := &fakeGuard{assigned: map[string]bool{}}

	e := New(expertise, workload, guard)
	analysis := &models.BugAnalysis{
		AffectedFiles: []string{"backend/x.py"},
		Confidence:    0.9,
		FixComplexity: models.FixSimple,
	}

	result := e.Decide(context.Background(), "issue-1", "/repo", analysis, 60)
	assert.False(t, result.RouteToHuman)
	assert.Equal(t, "alice@example.com", result.AssigneeEmail)
	assert.GreaterOrEqual(t, result.Confidence, 60.0)
}

func TestDecide_LowConfidenceRoutesToHuman(t *testing.T) {
	expertise := &fakeExpertise{byFile: map[string][]models.ExpertiseScore{}}
	workload := &fakeWorkload{counts: map[string]int{}}
	guard := &fakeGuard{assigned: map[string]bool{}}

	e := New(expertise, workload, guard)
	analysis := &models.BugAnalysis{
		AffectedFiles: []string{"backend/x.py"},
		Confidence:    0.2,
		FixComplexity: models.FixModerate,
	}

	result := e.Decide(context.Background(), "issue-2", "/repo", analysis, 60)
	assert.True(t, result.RouteToHuman)
	assert.Empty(t, result.AssigneeEmail)
}

func TestDecide_LoopPreventionSkipsAlreadyAssigned(t *testing.T) {
	expertise := &fakeExpertise{byFile: map[string][]models.ExpertiseScore{
		"f.py": {{DeveloperEmail: "alice@example.com", DeveloperName: "Alice", Score: 500}},
	}}
	workload := &fakeWorkload{counts: map[string]int{}}
	guard := &fakeGuard{assigned: map[string]bool{"issue-3|alice@example.com": true}}

	e := New(expertise, workload, guard)
	analysis := &models.BugAnalysis{AffectedFiles: []string{"f.py"}, Confidence: 0.9, FixComplexity: models.FixSimple}

	result := e.Decide(context.Background(), "issue-3", "/repo", analysis, 60)
	require.True(t, result.RouteToHuman)
	assert.NotEmpty(t, result.Fallbacks, "pre-filter ranked list should be attached as fallbacks")
}

func TestDecide_GuardFailureSkipsConservatively(t *testing.T) {
	expertise := &fakeExpertise{byFile: map[string][]models.ExpertiseScore{
		"f.py": {{DeveloperEmail: "bob@example.com", DeveloperName: "Bob", Score: 500}},
	}}
	workload := &fakeWorkload{counts: map[string]int{}}
	guard := &fakeGuard{failFor: "bob@example.com"}

	e := New(expertise, workload, guard)
	analysis := &models.BugAnalysis{AffectedFiles: []string{"f.py"}, Confidence: 0.9, FixComplexity: models.FixSimple}

	result := e.Decide(context.Background(), "issue-4", "/repo", analysis, 60)
	assert.True(t, result.RouteToHuman)
}

func TestDecide_PriorityBands(t *testing.T) {
	assert.Equal(t, models.PriorityHigh, priorityFor(85))
	assert.Equal(t, models.PriorityMedium, priorityFor(65))
	assert.Equal(t, models.PriorityLow, priorityFor(10))
}

func TestEffortFor(t *testing.T) {
	assert.Equal(t, "1-2 hours", effortFor(models.FixSimple))
	assert.Equal(t, "half day", effortFor(models.FixModerate))
	assert.Equal(t, "1-2 days", effortFor(models.FixComplex))
	assert.Equal(t, "unknown", effortFor(models.FixComplexity("")))
}
