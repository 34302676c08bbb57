package expertise

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tosin2013/bugtriage/internal/models"
)

type fakeRunner struct {
	blame       []byte
	blameErr    error
	subjects    map[string]string
}

func (f *fakeRunner) Blame(ctx context.Context, repoPath, filePath string) ([]byte, error) {
	return f.blame, f.blameErr
}

func (f *fakeRunner) CommitSubject(ctx context.Context, repoPath, commit string) (string, error) {
	return f.subjects[commit], nil
}

type alwaysActive struct{}

func (alwaysActive) IsActive(ctx context.Context, email string) (bool, error) { return true, nil }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func porcelainLine(commit, email, name string, ts int64, text string) string {
	return commit + " 1 1 1\n" +
		"author " + name + "\n" +
		"author-mail <" + email + ">\n" +
		"author-time " + itoa(ts) + "\n" +
		"author-tz +0000\n" +
		"summary irrelevant\n" +
		"\t" + text + "\n"
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestGetFileExpertise_BasicScoring(t *testing.T) {
	now := time.Now().Unix()
	raw := porcelainLine("abc1234", "alice@example.com", "Alice", now, "x := 1") +
		porcelainLine("abc1234", "alice@example.com", "Alice", now, "y := 2") +
		porcelainLine("def5678", "bob@example.com", "Bob", now-3600, "z := 3")

	runner := &fakeRunner{blame: []byte(raw), subjects: map[string]string{"abc1234": "fix bug", "def5678": "add feature"}}
	e := New(runner, alwaysActive{}, nil, time.Second, testLogger())

	scores := e.GetFileExpertise(context.Background(), "/repo", "f.go", false)
	require.Len(t, scores, 2)
	assert.Equal(t, "alice@example.com", scores[0].DeveloperEmail, "alice has more lines and should rank first")
	assert.Equal(t, 2, scores[0].LinesOwned)
	assert.Equal(t, 1, scores[0].CommitCount)
}

func TestGetFileExpertise_DropsBotAuthors(t *testing.T) {
	now := time.Now().Unix()
	raw := porcelainLine("abc1234", "dependabot[bot]@users.noreply.github.com", "dependabot[bot]", now, "x := 1") +
		porcelainLine("def5678", "alice@example.com", "Alice", now, "y := 2")

	runner := &fakeRunner{blame: []byte(raw), subjects: map[string]string{"abc1234": "bump dep", "def5678": "fix"}}
	e := New(runner, alwaysActive{}, nil, time.Second, testLogger())

	scores := e.GetFileExpertise(context.Background(), "/repo", "f.go", false)
	require.Len(t, scores, 1)
	assert.Equal(t, "alice@example.com", scores[0].DeveloperEmail)
}

func TestGetFileExpertise_DropsMergeCommits(t *testing.T) {
	now := time.Now().Unix()
	raw := porcelainLine("abc1234", "alice@example.com", "Alice", now, "x := 1") +
		porcelainLine("def5678", "bob@example.com", "Bob", now, "y := 2")

	runner := &fakeRunner{blame: []byte(raw), subjects: map[string]string{
		"abc1234": "Merge pull request #42 from foo/bar",
		"def5678": "fix the thing",
	}}
	e := New(runner, alwaysActive{}, nil, time.Second, testLogger())

	scores := e.GetFileExpertise(context.Background(), "/repo", "f.go", false)
	require.Len(t, scores, 1)
	assert.Equal(t, "bob@example.com", scores[0].DeveloperEmail)
}

func TestGetFileExpertise_BlameFailureReturnsEmpty(t *testing.T) {
	runner := &fakeRunner{blameErr: assert.AnError}
	e := New(runner, alwaysActive{}, nil, time.Second, testLogger())

	scores := e.GetFileExpertise(context.Background(), "/repo", "f.go", false)
	assert.Empty(t, scores)
}

func TestGetPrimaryAndFallbacks_LimitsToFour(t *testing.T) {
	now := time.Now().Unix()
	var raw string
	subjects := map[string]string{}
	names := []string{"a", "b", "c", "d", "e", "f"}
	for i, n := range names {
		commit := n + "111111"
		raw += porcelainLine(commit, n+"@example.com", n, now-int64(i*1000), "line")
		subjects[commit] = "normal commit"
	}
	runner := &fakeRunner{blame: []byte(raw), subjects: subjects}
	e := New(runner, alwaysActive{}, nil, time.Second, testLogger())

	primary, fallbacks := e.GetPrimaryAndFallbacks(context.Background(), "/repo", "f.go", false)
	require.NotNil(t, primary)
	assert.LessOrEqual(t, len(fallbacks), 4)
}
