// Package githubapi is the source-hosting adapter named as a
// collaborator in spec §6: read file contents, create a branch, commit
// a file update, and open a draft review request with labels. It
// adapts the teacher's GitHubIntegration/PullRequestEngine (which drove
// a CI-fix workflow) onto the bug-triage domain: one file per draft,
// review requests instead of merge-ready PRs.
package githubapi

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v45/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// FileChange describes the single-file replacement C6 wants committed.
type FileChange struct {
	FilePath    string
	NewContent  string
	Explanation string
}

// DraftReview is the result of opening a draft review request.
type DraftReview struct {
	Number int
	URL    string
	Branch string
}

// Client is the concrete source-hosting collaborator implementation,
// grounded on the teacher's GitHubIntegration field layout
// (repoOwner/repoName/client) and PullRequestEngine's branch/PR flow.
type Client struct {
	gh          *github.Client
	repoOwner   string
	repoName    string
	baseBranch  string
	logger      *logrus.Logger
}

// New builds a Client authenticated with a personal access token, per
// spec §6's GITHUB_TOKEN environment variable.
func New(ctx context.Context, token, repoOwner, repoName, baseBranch string, logger *logrus.Logger) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &Client{
		gh:         github.NewClient(tc),
		repoOwner:  repoOwner,
		repoName:   repoName,
		baseBranch: baseBranch,
		logger:     logger,
	}
}

// GetFileContent fetches a file's decoded content from the base branch.
func (c *Client) GetFileContent(ctx context.Context, path string) (string, error) {
	content, _, _, err := c.gh.Repositories.GetContents(ctx, c.repoOwner, c.repoName, path, &github.RepositoryContentGetOptions{
		Ref: c.baseBranch,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get file content: %w", err)
	}
	return content.GetContent()
}

// Issue is the minimal subset of a GitHub issue the CLI's manual
// re-triage command needs.
type Issue struct {
	ID     int64
	Number int
	Title  string
	Body   string
	URL    string
}

// GetIssue fetches an issue by number, used by the operational CLI's
// "triage" command to re-run the pipeline for an issue that was missed
// or needs a second pass.
func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	issue, _, err := c.gh.Issues.Get(ctx, c.repoOwner, c.repoName, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}
	return &Issue{
		ID:     issue.GetID(),
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
		URL:    issue.GetHTMLURL(),
	}, nil
}

// branchName builds the spec §4.6 branch name:
// <prefix>-fix-<issue_id>-<YYYYMMDD-HHMMSS>.
func branchName(prefix, issueID string) string {
	timestamp := time.Now().Format("20060102-150405")
	return fmt.Sprintf("%s-fix-%s-%s", prefix, issueID, timestamp)
}

// OpenDraftFix creates a branch from the base branch, commits change,
// and opens a draft review request with the given title/body/labels
// (spec §4.6: "Draft review creation"). Label failures are logged but
// non-fatal.
func (c *Client) OpenDraftFix(ctx context.Context, branchPrefix, issueID string, change FileChange, title, body string, labels []string) (*DraftReview, error) {
	branch := branchName(branchPrefix, issueID)

	if err := c.createBranch(ctx, branch); err != nil {
		return nil, fmt.Errorf("failed to create branch: %w", err)
	}

	if err := c.updateFile(ctx, branch, change, issueID); err != nil {
		return nil, fmt.Errorf("failed to commit fix: %w", err)
	}

	pr, _, err := c.gh.PullRequests.Create(ctx, c.repoOwner, c.repoName, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(branch),
		Base:  github.String(c.baseBranch),
		Body:  github.String(body),
		Draft: github.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open draft review request: %w", err)
	}

	if len(labels) > 0 {
		if _, _, err := c.gh.Issues.AddLabelsToIssue(ctx, c.repoOwner, c.repoName, pr.GetNumber(), labels); err != nil {
			c.logger.WithError(err).Warn("failed to add labels to draft review request")
		}
	}

	return &DraftReview{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), Branch: branch}, nil
}

func (c *Client) createBranch(ctx context.Context, branch string) error {
	baseRef, _, err := c.gh.Git.GetRef(ctx, c.repoOwner, c.repoName, "heads/"+c.baseBranch)
	if err != nil {
		return fmt.Errorf("failed to get base branch ref: %w", err)
	}

	newRef := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	}
	_, _, err = c.gh.Git.CreateRef(ctx, c.repoOwner, c.repoName, newRef)
	return err
}

func (c *Client) updateFile(ctx context.Context, branch string, change FileChange, issueID string) error {
	existing, _, _, err := c.gh.Repositories.GetContents(ctx, c.repoOwner, c.repoName, change.FilePath, &github.RepositoryContentGetOptions{
		Ref: branch,
	})
	if err != nil {
		return fmt.Errorf("failed to read existing file on branch: %w", err)
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(fmt.Sprintf("Fix for issue %s: %s", issueID, change.Explanation)),
		Content: []byte(change.NewContent),
		SHA:     existing.SHA,
		Branch:  github.String(branch),
	}
	_, _, err = c.gh.Repositories.UpdateFile(ctx, c.repoOwner, c.repoName, change.FilePath, opts)
	return err
}
