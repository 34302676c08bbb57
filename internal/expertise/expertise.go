// Package expertise implements C4: git-blame-derived developer
// ownership scoring per file, with bot/merge-commit filtering, a
// recency-weighted score, and a 24h TTL cache. The blame/log
// subprocess invocation follows the teacher's os/exec usage pattern
// (no git library is imported anywhere in the retrieved pack; a raw
// VCS CLI shell-out is the pack's own idiom for this concern).
package expertise

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/tosin2013/bugtriage/internal/models"
)

// blameRecord is one line attributed by git blame --line-porcelain.
type blameRecord struct {
	Commit string
	Email  string
	Name   string
	When   time.Time
}

// Runner abstracts subprocess execution so tests can substitute fixture
// output without a real git repository.
type Runner interface {
	Blame(ctx context.Context, repoPath, filePath string) ([]byte, error)
	CommitSubject(ctx context.Context, repoPath, commit string) (string, error)
}

// ExecRunner shells out to the system git binary.
type ExecRunner struct{}

func (ExecRunner) Blame(ctx context.Context, repoPath, filePath string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", "blame",
		"--line-porcelain",
		"-w", // ignore whitespace
		"-C", "-C", // copy detection across files
		"-M", // rename detection
		"--", filePath,
	)
	cmd.Dir = repoPath
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git blame failed: %w: %s", err, stderr.String())
	}
	return out.Bytes(), nil
}

func (ExecRunner) CommitSubject(ctx context.Context, repoPath, commit string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "log", "-1", "--format=%s", commit)
	cmd.Dir = repoPath
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git log failed: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}

// ActiveLookup resolves whether a developer is active, per
// UserMapping.is_active. Implementations must fail-open.
type ActiveLookup interface {
	IsActive(ctx context.Context, email string) (bool, error)
}

// CacheStore persists ExpertiseCache rows (spec §4.4 caching rules).
type CacheStore interface {
	Get(ctx context.Context, filePath string) ([]models.ExpertiseCache, error)
	ReplaceAll(ctx context.Context, filePath string, rows []models.ExpertiseCache) error
}

var botEmailSubstrings = []string{"bot", "noreply", "dependabot", "renovate", "automation"}
var botEmailLocalPartSubstrings = []string{"github", "ci", "deploy"} // "*github*@*", "*ci*@*", "*deploy*@*"

var botNameKeywords = []string{"bot", "automation", "ci", "deploy", "github", "dependabot", "renovate"}

var mergeCommitPrefixes = []string{
	"merge pull request #",
	"merge branch",
	"merge remote-tracking branch",
	"auto-merge",
	"automatic merge",
}

// Engine is C4, the git-blame expertise engine.
type Engine struct {
	runner  Runner
	active  ActiveLookup
	cache   CacheStore
	timeout time.Duration
	logger  *logrus.Logger
}

// New builds an Engine. timeout is the per-file blame subprocess
// timeout (default 5s per spec §4.4).
func New(runner Runner, active ActiveLookup, cache CacheStore, timeout time.Duration, logger *logrus.Logger) *Engine {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Engine{runner: runner, active: active, cache: cache, timeout: timeout, logger: logger}
}

// GetFileExpertise implements get_file_expertise(path, use_cache).
// Returns scores sorted descending. On blame failure/timeout it
// returns an empty list (spec §4.4 failure policy), never an error,
// so callers fall through to human triage.
func (e *Engine) GetFileExpertise(ctx context.Context, repoPath, filePath string, useCache bool) []models.ExpertiseScore {
	if useCache && e.cache != nil {
		if rows, err := e.cache.Get(ctx, filePath); err == nil && len(rows) > 0 && cacheFresh(rows) {
			return e.fromCacheRows(ctx, rows)
		}
	}

	scores, err := e.computeFresh(ctx, repoPath, filePath)
	if err != nil {
		e.logger.WithError(err).WithField("file", filePath).Warn("git blame failed, returning no expertise")
		return nil
	}

	if e.cache != nil {
		rows := toCacheRows(filePath, scores)
		if err := e.cache.ReplaceAll(ctx, filePath, rows); err != nil {
			e.logger.WithError(err).Warn("failed to persist expertise cache")
		}
	}
	return e.withActiveFlags(ctx, scores)
}

// cacheFresh reports whether all rows were calculated within the last
// 24h (spec §4.4: "A cache hit requires calculated_at within 24h").
func cacheFresh(rows []models.ExpertiseCache) bool {
	now := time.Now()
	for _, r := range rows {
		if now.Sub(r.CalculatedAt) > models.CacheTTL {
			return false
		}
	}
	return true
}

// fromCacheRows recomputes recency_weight/score against the current
// clock on a cache hit, per spec §4.4: "recency_weight is recomputed
// ... the stored raw counts remain authoritative."
func (e *Engine) fromCacheRows(ctx context.Context, rows []models.ExpertiseCache) []models.ExpertiseScore {
	scores := make([]models.ExpertiseScore, 0, len(rows))
	for _, r := range rows {
		ageDays := time.Since(r.LastCommitDate).Hours() / 24
		weight := recencyWeight(ageDays)
		scores = append(scores, models.ExpertiseScore{
			DeveloperEmail: r.DeveloperEmail,
			Score:          float64(r.LinesOwned) * float64(r.CommitCount) * weight,
			CommitCount:    r.CommitCount,
			LinesOwned:     r.LinesOwned,
			LastCommitDate: r.LastCommitDate,
		})
	}
	sortDescending(scores)
	return e.withActiveFlags(ctx, scores)
}

func recencyWeight(ageDays float64) float64 {
	w := math.Exp(-ageDays / 365)
	if w < 0.1 {
		return 0.1
	}
	return w
}

// computeFresh invokes git blame, parses, filters, and scores.
func (e *Engine) computeFresh(ctx context.Context, repoPath, filePath string) ([]models.ExpertiseScore, error) {
	blameCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.runner.Blame(blameCtx, repoPath, filePath)
	if err != nil {
		return nil, err
	}

	records := parsePorcelain(raw)
	records = e.dropMergeCommits(ctx, repoPath, records)
	records = dropBotAuthors(records)

	grouped := groupByAuthor(records)
	scores := make([]models.ExpertiseScore, 0, len(grouped))
	for email, recs := range grouped {
		lines := len(recs)
		commits := distinctCommits(recs)
		last := latestTimestamp(recs)
		ageDays := time.Since(last).Hours() / 24
		weight := recencyWeight(ageDays)
		scores = append(scores, models.ExpertiseScore{
			DeveloperEmail: email,
			DeveloperName:  recs[0].Name,
			Score:          float64(lines) * float64(commits) * weight,
			CommitCount:    commits,
			LinesOwned:     lines,
			LastCommitDate: last,
		})
	}
	sortDescending(scores)
	return scores, nil
}

func sortDescending(scores []models.ExpertiseScore) {
	sort.Slice(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
}

// withActiveFlags resolves UserMapping.is_active per spec §4.4's
// active filter, failing open on lookup errors or absent rows.
func (e *Engine) withActiveFlags(ctx context.Context, scores []models.ExpertiseScore) []models.ExpertiseScore {
	if e.active == nil {
		for i := range scores {
			scores[i].Active = true
		}
		return scores
	}
	for i := range scores {
		active, err := e.active.IsActive(ctx, scores[i].DeveloperEmail)
		if err != nil {
			active = true
		}
		scores[i].Active = active
	}
	return scores
}

// GetActiveContributors implements get_active_contributors(path).
func (e *Engine) GetActiveContributors(ctx context.Context, repoPath, filePath string, useCache bool) []models.ExpertiseScore {
	all := e.GetFileExpertise(ctx, repoPath, filePath, useCache)
	out := make([]models.ExpertiseScore, 0, len(all))
	for _, s := range all {
		if s.Active {
			out = append(out, s)
		}
	}
	return out
}

// GetPrimaryAndFallbacks implements get_primary_and_fallbacks(path):
// returns the top scorer (if any) and up to 4 fallbacks.
func (e *Engine) GetPrimaryAndFallbacks(ctx context.Context, repoPath, filePath string, useCache bool) (*models.ExpertiseScore, []models.ExpertiseScore) {
	all := e.GetActiveContributors(ctx, repoPath, filePath, useCache)
	if len(all) == 0 {
		return nil, nil
	}
	primary := all[0]
	rest := all[1:]
	if len(rest) > 4 {
		rest = rest[:4]
	}
	return &primary, rest
}

func dropBotAuthors(records []blameRecord) []blameRecord {
	out := records[:0:0]
	for _, r := range records {
		if isBotEmail(r.Email) || isBotName(r.Name) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func isBotEmail(email string) bool {
	lower := strings.ToLower(email)
	for _, s := range botEmailSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	at := strings.Index(lower, "@")
	if at < 0 {
		return false
	}
	// Matches the original's ".*github.*@.*"-style patterns: the
	// keyword must appear in the local part, before the "@". A domain
	// that merely starts with one of these substrings (cisco.com,
	// ciena.com) is not a bot signal.
	local := lower[:at]
	for _, p := range botEmailLocalPartSubstrings {
		if strings.Contains(local, p) {
			return true
		}
	}
	return false
}

func isBotName(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range botNameKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// dropMergeCommits drops records whose commit subject matches one of
// spec §4.4's merge-commit prefixes.
func (e *Engine) dropMergeCommits(ctx context.Context, repoPath string, records []blameRecord) []blameRecord {
	subjects := make(map[string]string)
	out := records[:0:0]
	for _, r := range records {
		subj, ok := subjects[r.Commit]
		if !ok {
			s, err := e.runner.CommitSubject(ctx, repoPath, r.Commit)
			if err != nil {
				s = ""
			}
			subjects[r.Commit] = s
			subj = s
		}
		if isMergeCommit(subj) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func isMergeCommit(subject string) bool {
	lower := strings.ToLower(subject)
	for _, p := range mergeCommitPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func groupByAuthor(records []blameRecord) map[string][]blameRecord {
	out := make(map[string][]blameRecord)
	for _, r := range records {
		out[r.Email] = append(out[r.Email], r)
	}
	return out
}

func distinctCommits(records []blameRecord) int {
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		seen[r.Commit] = true
	}
	return len(seen)
}

func latestTimestamp(records []blameRecord) time.Time {
	var latest time.Time
	for _, r := range records {
		if r.When.After(latest) {
			latest = r.When
		}
	}
	return latest
}

// parsePorcelain parses git blame --line-porcelain output into one
// record per attributed line. Invalid UTF-8 bytes are replaced rather
// than failing, per spec §4.4.
func parsePorcelain(raw []byte) []blameRecord {
	text := toValidUTF8(raw)
	lines := strings.Split(text, "\n")

	var records []blameRecord
	var commit, email, name string
	var when time.Time

	for _, line := range lines {
		switch {
		case isHexCommitLine(line):
			fields := strings.Fields(line)
			commit = fields[0]
		case strings.HasPrefix(line, "author-mail "):
			email = strings.Trim(strings.TrimPrefix(line, "author-mail "), "<>")
		case strings.HasPrefix(line, "author "):
			name = strings.TrimPrefix(line, "author ")
		case strings.HasPrefix(line, "author-time "):
			if ts, err := strconv.ParseInt(strings.TrimPrefix(line, "author-time "), 10, 64); err == nil {
				when = time.Unix(ts, 0)
			}
		case strings.HasPrefix(line, "\t"):
			if commit != "" && email != "" {
				records = append(records, blameRecord{Commit: commit, Email: email, Name: name, When: when})
			}
		}
	}
	return records
}

func isHexCommitLine(line string) bool {
	head := line
	if idx := strings.IndexByte(line, ' '); idx > 0 {
		head = line[:idx]
	}
	if len(head) < 7 || len(head) > 40 {
		return false
	}
	for _, r := range head {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

func toValidUTF8(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	return strings.ToValidUTF8(string(raw), "�")
}

func toCacheRows(filePath string, scores []models.ExpertiseScore) []models.ExpertiseCache {
	now := time.Now()
	rows := make([]models.ExpertiseCache, 0, len(scores))
	for _, s := range scores {
		rows = append(rows, models.ExpertiseCache{
			FilePath:       filePath,
			DeveloperEmail: s.DeveloperEmail,
			Score:          s.Score,
			CommitCount:    s.CommitCount,
			LastCommitDate: s.LastCommitDate,
			LinesOwned:     s.LinesOwned,
			CalculatedAt:   now,
		})
	}
	return rows
}
