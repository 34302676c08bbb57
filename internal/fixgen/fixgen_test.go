package fixgen

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tosin2013/bugtriage/internal/githubapi"
	"github.com/tosin2013/bugtriage/internal/models"
)

type fakeCompleter struct {
	response string
	err      error
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return f.response, f.err
}

type fakeFiles struct {
	content string
	err     error
}

func (f *fakeFiles) GetFileContent(ctx context.Context, path string) (string, error) {
	return f.content, f.err
}

type fakeOpener struct {
	review *githubapi.DraftReview
	err    error
	called bool
	prefix string
	labels []string
}

func (f *fakeOpener) OpenDraftFix(ctx context.Context, branchPrefix, issueID string, change githubapi.FileChange, title, body string, labels []string) (*githubapi.DraftReview, error) {
	f.called = true
	f.prefix = branchPrefix
	f.labels = labels
	return f.review, f.err
}

func TestEnabled_GateLogic(t *testing.T) {
	assert.True(t, Enabled(86, []string{"a.py"}))
	assert.False(t, Enabled(85, []string{"a.py"}), "exactly 85 does not satisfy > 85")
	assert.False(t, Enabled(90, nil))
}

func TestGenerate_HappyPath(t *testing.T) {
	completer := &fakeCompleter{response: `{
		"fixed_content": "def f():\n    return 1\n",
		"explanation": "returns a constant now instead of raising",
		"line_changes": 2,
		"confidence": 0.8
	}`}
	files := &fakeFiles{content: "def f():\n    raise ValueError()\n"}
	g := New(completer, files, nil)

	analysis := &models.BugAnalysis{AffectedFiles: []string{"a.py"}, RootCauseHypothesis: "x", PlainEnglishExplanation: "y", FixComplexity: models.FixSimple}
	draft := g.Generate(context.Background(), analysis, nil)
	require.NotNil(t, draft)
	assert.Equal(t, "a.py", draft.FilePath)
}

func TestGenerate_RejectsTooManyLineChanges(t *testing.T) {
	completer := &fakeCompleter{response: `{"fixed_content": "x", "explanation": "a fine explanation", "line_changes": 25, "confidence": 0.9}`}
	files := &fakeFiles{content: "original"}
	g := New(completer, files, nil)

	analysis := &models.BugAnalysis{AffectedFiles: []string{"a.py"}}
	assert.Nil(t, g.Generate(context.Background(), analysis, nil))
}

func TestGenerate_RejectsUnchangedContent(t *testing.T) {
	completer := &fakeCompleter{response: `{"fixed_content": "same   text", "explanation": "a fine explanation", "line_changes": 1, "confidence": 0.9}`}
	files := &fakeFiles{content: "same text"}
	g := New(completer, files, nil)

	analysis := &models.BugAnalysis{AffectedFiles: []string{"a.py"}}
	assert.Nil(t, g.Generate(context.Background(), analysis, nil), "whitespace-normalized content is identical")
}

func TestGenerate_RejectsShortExplanation(t *testing.T) {
	completer := &fakeCompleter{response: `{"fixed_content": "x", "explanation": "short", "line_changes": 1, "confidence": 0.9}`}
	files := &fakeFiles{content: "y"}
	g := New(completer, files, nil)

	analysis := &models.BugAnalysis{AffectedFiles: []string{"a.py"}}
	assert.Nil(t, g.Generate(context.Background(), analysis, nil))
}

func TestGenerate_NoAffectedFilesReturnsNil(t *testing.T) {
	g := New(&fakeCompleter{}, &fakeFiles{}, nil)
	assert.Nil(t, g.Generate(context.Background(), &models.BugAnalysis{}, nil))
}

func TestOpen_UsesDraftLabelsAndBranchPrefix(t *testing.T) {
	opener := &fakeOpener{review: &githubapi.DraftReview{Number: 1, URL: "https://example.com/pr/1"}}
	g := New(&fakeCompleter{}, &fakeFiles{}, opener)

	draft := &Draft{FilePath: "a.py", FixedContent: "x", Explanation: "fixes it properly", LineChanges: 2, Confidence: 0.9}
	url, err := g.Open(context.Background(), draft, "issue-1")
	require.NoError(t, err)
	assert.True(t, opener.called)
	assert.Equal(t, "autofix", opener.prefix)
	assert.Equal(t, draftLabels, opener.labels)
	assert.Equal(t, "https://example.com/pr/1", url)
}
