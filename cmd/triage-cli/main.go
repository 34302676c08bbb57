// Command triage-cli is the operational sidecar for the triage
// engine: database migrations, undelivered-notification replay,
// manual re-triage of a single issue, and config/health inspection.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tosin2013/bugtriage/internal/ai"
	"github.com/tosin2013/bugtriage/internal/assignment"
	"github.com/tosin2013/bugtriage/internal/audit"
	"github.com/tosin2013/bugtriage/internal/breaker"
	"github.com/tosin2013/bugtriage/internal/config"
	"github.com/tosin2013/bugtriage/internal/expertise"
	"github.com/tosin2013/bugtriage/internal/fixgen"
	"github.com/tosin2013/bugtriage/internal/githubapi"
	"github.com/tosin2013/bugtriage/internal/logging"
	"github.com/tosin2013/bugtriage/internal/models"
	"github.com/tosin2013/bugtriage/internal/notify"
	"github.com/tosin2013/bugtriage/internal/storage"
	"github.com/tosin2013/bugtriage/internal/worker"
)

// CLI wraps the cobra root command and the lazily-loaded config/logger
// shared by every subcommand, mirroring the teacher's cli.go CLI type.
type CLI struct {
	logger  *logrus.Logger
	rootCmd *cobra.Command
	cfg     *config.Config
}

// NewCLI builds the command tree.
func NewCLI() *CLI {
	c := &CLI{}
	c.setupRootCommand()
	c.setupCommands()
	return c
}

// Execute runs the CLI.
func (c *CLI) Execute() error {
	return c.rootCmd.Execute()
}

func (c *CLI) setupRootCommand() {
	c.rootCmd = &cobra.Command{
		Use:   "triage-cli",
		Short: "Operational CLI for the bug-triage engine",
		Long:  "Database migrations, notification replay, manual re-triage, and config/health inspection for the bug-triage engine.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			c.cfg = cfg
			c.logger = logging.New(cfg.LogLevel)
			return nil
		},
	}
}

func (c *CLI) setupCommands() {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations",
		RunE:  c.runMigrate,
	}

	replayCmd := &cobra.Command{
		Use:   "replay-notifications",
		Short: "Redeliver undelivered chat notifications to the on-call engineer",
		RunE:  c.runReplayNotifications,
	}

	triageCmd := &cobra.Command{
		Use:   "triage [issue-number]",
		Short: "Manually re-run the triage pipeline for a single issue",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runTriage,
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check database connectivity and circuit-breaker state",
		RunE:  c.runHealth,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration inspection",
	}
	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the loaded configuration (secrets masked)",
		RunE:  c.runConfigShow,
	}
	configValidateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the loaded configuration",
		RunE:  c.runConfigValidate,
	}
	configCmd.AddCommand(configShowCmd, configValidateCmd)

	c.rootCmd.AddCommand(migrateCmd, replayCmd, triageCmd, healthCmd, configCmd)
}

func (c *CLI) runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := storage.Open(c.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	c.logger.Info("migrations applied")
	return nil
}

func (c *CLI) runReplayNotifications(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := storage.Open(c.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	if c.cfg.OnCallEngineerChatID == "" {
		return fmt.Errorf("ON_CALL_ENGINEER_CHAT_ID is not configured, nowhere to replay to")
	}

	pending, err := store.PendingNotifications(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending notifications: %w", err)
	}
	if len(pending) == 0 {
		c.logger.Info("no undelivered notifications to replay")
		return nil
	}

	sender := notify.NewSlackSender(c.cfg.SlackBotToken)
	replayed := 0
	for _, row := range pending {
		text := fmt.Sprintf("[replay] %s", row.Value)
		if err := sender.PostMessage(ctx, c.cfg.OnCallEngineerChatID, text); err != nil {
			c.logger.WithError(err).WithField("key", row.Key).Warn("replay delivery failed, leaving queued")
			continue
		}
		if err := store.DeleteConfig(ctx, row.Key); err != nil {
			c.logger.WithError(err).WithField("key", row.Key).Warn("failed to clear replayed notification")
			continue
		}
		replayed++
	}

	c.logger.WithFields(logrus.Fields{"total": len(pending), "replayed": replayed}).Info("notification replay complete")
	return nil
}

func (c *CLI) runTriage(cmd *cobra.Command, args []string) error {
	var issueNumber int
	if _, err := fmt.Sscanf(args[0], "%d", &issueNumber); err != nil {
		return fmt.Errorf("invalid issue number %q: %w", args[0], err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store, err := storage.Open(c.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	ghClient := githubapi.New(ctx, c.cfg.GitHubToken, c.cfg.GitHubRepoOwner, c.cfg.GitHubRepoName, c.cfg.GitHubBaseBranch, c.logger)

	issue, err := ghClient.GetIssue(ctx, issueNumber)
	if err != nil {
		return fmt.Errorf("failed to fetch issue: %w", err)
	}

	pool := c.buildPool(store, ghClient)
	pool.Start(ctx)
	defer pool.Shutdown()

	event := models.NormalizedEvent{
		Type:       "issue",
		IssueID:    fmt.Sprintf("%d", issue.ID),
		Number:     issue.Number,
		Title:      issue.Title,
		Body:       issue.Body,
		URL:        issue.URL,
		Repository: fmt.Sprintf("%s/%s", c.cfg.GitHubRepoOwner, c.cfg.GitHubRepoName),
		CreatedAt:  time.Now(),
	}
	if err := pool.Enqueue(event); err != nil {
		return fmt.Errorf("failed to enqueue issue: %w", err)
	}

	c.logger.WithField("issue_number", issueNumber).Info("submitted for triage, waiting for a decision")

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for a triage decision")
		case <-ticker.C:
			decision, ok, err := store.DecisionForIssue(ctx, event.IssueID)
			if err != nil {
				return fmt.Errorf("failed to poll for decision: %w", err)
			}
			if ok {
				c.printDecision(decision)
				return nil
			}
		}
	}
}

// buildPool wires the same pipeline cmd/triage-server uses, scoped to
// a single-worker pool suitable for a one-off CLI invocation.
func (c *CLI) buildPool(store *storage.Store, ghClient *githubapi.Client) *worker.Pool {
	breakerMgr := breaker.NewManager(c.logger, store, breaker.DefaultConfig())
	aiClient := ai.New(c.cfg.LLMAPIKey, ai.DefaultConfig(), c.logger, breakerMgr)
	expertiseEngine := expertise.New(expertise.ExecRunner{}, store, store, c.cfg.GitBlameTimeout(), c.logger)
	assignmentEngine := assignment.New(expertiseEngine, store, store)
	fixGenerator := fixgen.New(aiClient, ghClient, ghClient)
	slackSender := notify.NewSlackSender(c.cfg.SlackBotToken)
	notifier := notify.New(slackSender, store, store, breakerMgr, c.logger)
	auditor := audit.New(store, c.logger)

	return worker.New(worker.Config{
		ConfidenceThreshold: c.cfg.ConfidenceThreshold,
		DraftPREnabled:      c.cfg.DraftPREnabled,
		OnCallChatID:        c.cfg.OnCallEngineerChatID,
		Workers:             1,
	}, aiClient, assignmentEngine, fixGenerator, notifier, auditor, store, c.logger)
}

func (c *CLI) runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := storage.Open(c.cfg.DatabaseURL)
	if err != nil {
		fmt.Println("database: unreachable:", err)
		return err
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		fmt.Println("database: down:", err)
		return err
	}
	fmt.Println("database: ok")

	breakerMgr := breaker.NewManager(c.logger, store, breaker.DefaultConfig())
	fmt.Println("circuit breakers:", breakerMgr.SystemDegradationLevel().String())
	return nil
}

func (c *CLI) runConfigShow(cmd *cobra.Command, args []string) error {
	fmt.Printf("Database URL: %s\n", maskDSN(c.cfg.DatabaseURL))
	fmt.Printf("GitHub Token: %s\n", maskSecret(c.cfg.GitHubToken))
	fmt.Printf("GitHub Repository: %s/%s (base %s)\n", c.cfg.GitHubRepoOwner, c.cfg.GitHubRepoName, c.cfg.GitHubBaseBranch)
	fmt.Printf("Slack Bot Token: %s\n", maskSecret(c.cfg.SlackBotToken))
	fmt.Printf("LLM API Key: %s\n", maskSecret(c.cfg.LLMAPIKey))
	fmt.Printf("Redis Addr: %s\n", c.cfg.RedisAddr)
	fmt.Printf("Confidence Threshold: %.1f\n", c.cfg.ConfidenceThreshold)
	fmt.Printf("Draft PR Enabled: %t\n", c.cfg.DraftPREnabled)
	fmt.Printf("Duplicate Detection Window: %d minutes\n", c.cfg.DuplicateDetectionWindowMinutes)
	fmt.Printf("On-Call Chat ID: %s\n", c.cfg.OnCallEngineerChatID)
	fmt.Printf("HTTP Addr: %s\n", c.cfg.HTTPAddr)
	fmt.Printf("Log Level: %s\n", c.cfg.LogLevel)
	return nil
}

func (c *CLI) runConfigValidate(cmd *cobra.Command, args []string) error {
	// PersistentPreRunE already ran config.Load(), which validates.
	// Reaching here means it succeeded.
	c.logger.Info("configuration is valid")
	return nil
}

func (c *CLI) printDecision(d *models.TriageDecision) {
	fmt.Println("\n=== Triage Decision ===")
	fmt.Printf("Issue: %s\n", d.IssueID)
	fmt.Printf("Root Cause: %s\n", d.RootCause)
	fmt.Printf("Confidence: %.1f%%\n", d.Confidence)
	if len(d.AffectedFiles) > 0 {
		fmt.Println("Affected Files:")
		for _, f := range d.AffectedFiles {
			fmt.Printf("  - %s\n", f)
		}
	}
	if d.DraftPRURL != nil {
		fmt.Printf("Draft PR: %s\n", *d.DraftPRURL)
	}
	fmt.Printf("Processing Time: %dms\n", d.ProcessingTimeMS)
	fmt.Println()
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

func maskDSN(dsn string) string {
	if len(dsn) <= 12 {
		return "***"
	}
	return dsn[:8] + "***"
}

func main() {
	cli := NewCLI()
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
