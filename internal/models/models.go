// Package models holds the data-model types shared across the triage
// pipeline: the persisted entities of §3 and the in-memory value types
// that flow between pipeline stages.
package models

import (
	"sort"
	"time"
)

// UserMapping links a git author identity to a chat platform identity.
type UserMapping struct {
	ID          int64     `db:"id" json:"id"`
	GitEmail    string    `db:"git_email" json:"git_email"`
	ChatID      string    `db:"chat_id" json:"chat_id"`
	DisplayName string    `db:"display_name" json:"display_name"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// AssignmentStatus enumerates the lifecycle of an Assignment row.
type AssignmentStatus string

const (
	AssignmentStatusAssigned   AssignmentStatus = "assigned"
	AssignmentStatusCompleted  AssignmentStatus = "completed"
	AssignmentStatusReassigned AssignmentStatus = "reassigned"
)

// Assignment records an auto-assignment decision for an issue.
type Assignment struct {
	ID            int64            `db:"id" json:"id"`
	IssueID       string           `db:"issue_id" json:"issue_id"`
	IssueURL      string           `db:"issue_url" json:"issue_url"`
	AssigneeEmail string           `db:"assignee_email" json:"assignee_email"`
	Confidence    float64          `db:"confidence" json:"confidence"`
	Reasoning     string           `db:"reasoning" json:"reasoning"`
	Status        AssignmentStatus `db:"status" json:"status"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at" json:"updated_at"`
}

// ClampConfidence bounds an Assignment's confidence to [0,100].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// ExpertiseCache is a per-file, per-developer cached ownership score.
type ExpertiseCache struct {
	ID             int64     `db:"id" json:"id"`
	FilePath       string    `db:"file_path" json:"file_path"`
	DeveloperEmail string    `db:"developer_email" json:"developer_email"`
	Score          float64   `db:"score" json:"score"`
	CommitCount    int       `db:"commit_count" json:"commit_count"`
	LastCommitDate time.Time `db:"last_commit_date" json:"last_commit_date"`
	LinesOwned     int       `db:"lines_owned" json:"lines_owned"`
	CalculatedAt   time.Time `db:"calculated_at" json:"calculated_at"`
}

// CacheTTL is the freshness window for an ExpertiseCache row (§4.4).
const CacheTTL = 24 * time.Hour

// TriageDecision is the append-only audit row for a triage run.
type TriageDecision struct {
	ID               int64     `db:"id" json:"id"`
	IssueID          string    `db:"issue_id" json:"issue_id"`
	StackTrace       *string   `db:"stack_trace" json:"stack_trace,omitempty"`
	AffectedFiles    []string  `db:"-" json:"affected_files"`
	RootCause        string    `db:"root_cause" json:"root_cause"`
	Confidence       float64   `db:"confidence" json:"confidence"`
	DraftPRURL       *string   `db:"draft_pr_url" json:"draft_pr_url,omitempty"`
	ProcessingTimeMS int64     `db:"processing_time_ms" json:"processing_time_ms"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// SystemConfig is a string key/value tunable, with optional description.
type SystemConfig struct {
	Key         string    `db:"key" json:"key"`
	Value       string    `db:"value" json:"value"`
	Description string    `db:"description" json:"description,omitempty"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Language is a stack-trace source language as detected by C1.
type Language string

const (
	LanguagePython  Language = "py"
	LanguageJS      Language = "js"
	LanguageJava    Language = "java"
	LanguageUnknown Language = "unknown"
)

// StackFrame is one frame of a parsed stack trace.
type StackFrame struct {
	FilePath     string  `json:"file_path"`
	LineNumber   int     `json:"line_number"`
	FunctionName string  `json:"function_name"`
	CodeSnippet  string  `json:"code_snippet"`
	Relevance    float64 `json:"relevance"`
}

// StackTrace is the complete parse result of C1.
type StackTrace struct {
	Language     Language     `json:"language"`
	ErrorType    string       `json:"error_type"`
	ErrorMessage string       `json:"error_message"`
	Frames       []StackFrame `json:"frames"`
}

// FilePaths returns the distinct file paths referenced by the trace's
// frames, in frame order, used by C9 as a fallback for
// BugAnalysis.AffectedFiles.
func (t *StackTrace) FilePaths() []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]bool, len(t.Frames))
	var out []string
	for _, f := range t.Frames {
		if f.FilePath == "" || seen[f.FilePath] {
			continue
		}
		seen[f.FilePath] = true
		out = append(out, f.FilePath)
	}
	return out
}

// MostRelevantFrames returns up to n frames sorted by Relevance
// descending, used by C3 to build the "top-n-most-relevant frames"
// section of the analysis prompt (spec §4.3). The receiver's Frames
// slice is left untouched.
func (t *StackTrace) MostRelevantFrames(n int) []StackFrame {
	if t == nil || len(t.Frames) == 0 {
		return nil
	}
	sorted := make([]StackFrame, len(t.Frames))
	copy(sorted, t.Frames)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Relevance > sorted[j].Relevance })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// FixComplexity enumerates the effort classes a BugAnalysis may report.
type FixComplexity string

const (
	FixSimple   FixComplexity = "simple"
	FixModerate FixComplexity = "moderate"
	FixComplex  FixComplexity = "complex"
)

// ValidFixComplexity reports whether c is one of the known enum values.
func ValidFixComplexity(c FixComplexity) bool {
	switch c {
	case FixSimple, FixModerate, FixComplex:
		return true
	}
	return false
}

// BugAnalysis is the structured result of C3's LLM analysis.
type BugAnalysis struct {
	AffectedFiles           []string               `json:"affected_files"`
	RootCauseHypothesis     string                 `json:"root_cause_hypothesis"`
	PlainEnglishExplanation string                 `json:"plain_english_explanation"`
	FixComplexity           FixComplexity          `json:"fix_complexity"`
	Confidence              float64                `json:"confidence"`
	ErrorTranslation        string                 `json:"error_translation"`
	ExtraContext            map[string]interface{} `json:"additional_context"`
	Timestamp               time.Time              `json:"timestamp"`
}

// ClampUnit bounds a [0,1] confidence value.
func ClampUnit(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Priority enumerates the priority levels C5 assigns.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "med"
	PriorityLow    Priority = "low"
)

// AssignmentResult is the in-memory decision produced by C5.
type AssignmentResult struct {
	AssigneeEmail  string          `json:"assignee_email,omitempty"`
	AssigneeName   string          `json:"assignee_name,omitempty"`
	Confidence     float64         `json:"confidence"`
	Reasoning      string          `json:"reasoning"`
	EstimatedEffort string         `json:"estimated_effort"`
	Priority       Priority        `json:"priority"`
	RouteToHuman   bool            `json:"route_to_human"`
	Fallbacks      []CandidateRank `json:"fallbacks"`
}

// CandidateRank is one ranked developer candidate considered by C5.
type CandidateRank struct {
	Email          string  `json:"email"`
	Name           string  `json:"name"`
	ExpertiseScore float64 `json:"expertise_score"`
	WorkloadScore  float64 `json:"workload_score"`
	CombinedScore  float64 `json:"combined_score"`
}

// ExpertiseScore is one developer's computed ownership score for a file.
type ExpertiseScore struct {
	DeveloperEmail string    `json:"developer_email"`
	DeveloperName  string    `json:"developer_name"`
	Score          float64   `json:"score"`
	CommitCount    int       `json:"commit_count"`
	LinesOwned     int       `json:"lines_owned"`
	LastCommitDate time.Time `json:"last_commit_date"`
	Active         bool      `json:"active"`
}

// NormalizedEvent is the webhook-ingress-normalized record handed to
// the triage queue.
type NormalizedEvent struct {
	Type        string    `json:"type"` // "issue" | "pull_request"
	IssueID     string    `json:"issue_id"`
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	URL         string    `json:"url"`
	Repository  string    `json:"repository"`
	CreatedAt   time.Time `json:"created_at"`
	User        string    `json:"user"`
	Draft       bool      `json:"draft,omitempty"`
}
