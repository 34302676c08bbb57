// Package fixgen implements C6: single-file draft fix generation and
// draft review request creation. It is gated on assignment confidence
// and reuses C3's transport for the patch-generation completion,
// following the teacher's PullRequestEngine content/label templates.
package fixgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tosin2013/bugtriage/internal/githubapi"
	"github.com/tosin2013/bugtriage/internal/models"
)

var titleCaser = cases.Title(language.English)

// Completer runs a single LLM completion and returns the raw text
// content. C3's Client satisfies this via a thin method (see
// internal/ai.Client.Complete, wired at the call site).
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// FileReader fetches a file's current content from the source host.
type FileReader interface {
	GetFileContent(ctx context.Context, path string) (string, error)
}

// ReviewOpener opens the draft branch/commit/review request.
type ReviewOpener interface {
	OpenDraftFix(ctx context.Context, branchPrefix, issueID string, change githubapi.FileChange, title, body string, labels []string) (*githubapi.DraftReview, error)
}

const confidenceGate = 85
const maxLineChanges = 20
const branchPrefix = "autofix"

var draftLabels = []string{"DRAFT - Review Required", "auto-generated", "bug-fix"}

// rawFix is the fixed JSON response shape named in spec §4.6.
type rawFix struct {
	FixedContent string  `json:"fixed_content"`
	Explanation  string  `json:"explanation"`
	LineChanges  int     `json:"line_changes"`
	Confidence   float64 `json:"confidence"`
}

// Draft is a validated, ready-to-open fix.
type Draft struct {
	FilePath     string
	OriginalText string
	FixedContent string
	Explanation  string
	LineChanges  int
	Confidence   float64
}

// Generator is C6.
type Generator struct {
	completer Completer
	files     FileReader
	opener    ReviewOpener
}

// New builds a Generator.
func New(completer Completer, files FileReader, opener ReviewOpener) *Generator {
	return &Generator{completer: completer, files: files, opener: opener}
}

// Enabled reports whether spec §4.6's gate is satisfied:
// "confidence > 85 and bug_analysis.affected_files is non-empty".
func Enabled(assignmentConfidence float64, affectedFiles []string) bool {
	return assignmentConfidence > confidenceGate && len(affectedFiles) > 0
}

// Generate fetches the target file, prompts the LLM for a patch, and
// validates the response. Returns nil (not an error) on any validation
// failure, per spec §4.6's "returns nil on any validation/API failure".
func (g *Generator) Generate(ctx context.Context, analysis *models.BugAnalysis, trace *models.StackTrace) *Draft {
	if len(analysis.AffectedFiles) == 0 {
		return nil
	}
	target := analysis.AffectedFiles[0]

	original, err := g.files.GetFileContent(ctx, target)
	if err != nil {
		return nil
	}

	prompt := buildFixPrompt(target, original, analysis, trace)
	content, err := g.completer.Complete(ctx, prompt)
	if err != nil {
		return nil
	}

	fix, err := parseFixResponse(content)
	if err != nil {
		return nil
	}

	if !validate(original, fix) {
		return nil
	}

	return &Draft{
		FilePath:     target,
		OriginalText: original,
		FixedContent: fix.FixedContent,
		Explanation:  fix.Explanation,
		LineChanges:  fix.LineChanges,
		Confidence:   fix.Confidence,
	}
}

// Open creates the branch, commits the replacement, and opens the
// draft review request with spec §4.6's title/description template and
// fixed label set.
func (g *Generator) Open(ctx context.Context, draft *Draft, issueID string) (string, error) {
	title := fmt.Sprintf("[Draft] %s for issue %s", titleCaser.String("automated fix"), issueID)
	body := buildReviewBody(draft, issueID)

	review, err := g.opener.OpenDraftFix(ctx, branchPrefix, issueID, githubapi.FileChange{
		FilePath:    draft.FilePath,
		NewContent:  draft.FixedContent,
		Explanation: draft.Explanation,
	}, title, body, draftLabels)
	if err != nil {
		return "", err
	}
	return review.URL, nil
}

func buildFixPrompt(path, original string, analysis *models.BugAnalysis, trace *models.StackTrace) string {
	var b strings.Builder
	b.WriteString("You are generating a single-file bug fix. Respond ONLY with a JSON object ")
	b.WriteString("matching the schema {fixed_content, explanation, line_changes, confidence}.\n\n")

	fmt.Fprintf(&b, "## Analysis Summary\n\nRoot cause: %s\nExplanation: %s\nFix complexity: %s\n\n",
		analysis.RootCauseHypothesis, analysis.PlainEnglishExplanation, analysis.FixComplexity)

	fmt.Fprintf(&b, "## Target File: %s\n\n```\n%s\n```\n\n", path, original)

	if trace != nil {
		b.WriteString("## Relevant Frames\n\n")
		for _, f := range trace.Frames {
			if f.FilePath != path {
				continue
			}
			fmt.Fprintf(&b, "- line %d in %s: %s\n", f.LineNumber, f.FunctionName, f.CodeSnippet)
		}
		b.WriteString("\n")
	}

	b.WriteString("Make the smallest change that fixes the root cause. ")
	b.WriteString("Respond with JSON only.\n")
	return b.String()
}

func parseFixResponse(content string) (*rawFix, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object found in fix response")
	}
	var fix rawFix
	if err := json.Unmarshal([]byte(content[start:end+1]), &fix); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fix response: %w", err)
	}
	return &fix, nil
}

// validate implements spec §4.6's "Validation (all must hold)":
// single file (enforced by caller passing one target), line_changes <
// 20, non-empty fixed_content, explanation >= 10 chars, content
// differs from original after whitespace normalization.
func validate(original string, fix *rawFix) bool {
	if fix.LineChanges >= maxLineChanges {
		return false
	}
	if strings.TrimSpace(fix.FixedContent) == "" {
		return false
	}
	if len(strings.TrimSpace(fix.Explanation)) < 10 {
		return false
	}
	if normalizeWhitespace(fix.FixedContent) == normalizeWhitespace(original) {
		return false
	}
	return true
}

func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func buildReviewBody(draft *Draft, issueID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Automated Draft Fix for %s\n\n", issueID)
	b.WriteString("### Checklist\n\n")
	b.WriteString("- [ ] Review the proposed change for correctness\n")
	b.WriteString("- [ ] Run the test suite locally\n")
	b.WriteString("- [ ] Confirm no unintended side effects\n\n")
	b.WriteString("### Caveats\n\n")
	b.WriteString("This fix was generated automatically and has not been tested. Treat it as a starting point, not a finished patch.\n\n")
	fmt.Fprintf(&b, "**Confidence**: %.0f%%\n", draft.Confidence*100)
	fmt.Fprintf(&b, "**Lines changed**: %d\n\n", draft.LineChanges)
	fmt.Fprintf(&b, "### Explanation\n\n%s\n\n", draft.Explanation)
	fmt.Fprintf(&b, "_Generated %s_\n", time.Now().Format(time.RFC3339))
	return b.String()
}
