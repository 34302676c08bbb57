// Command triage-server runs the HTTP-triggered autonomous bug-triage
// engine: webhook ingress, health surface, and the background worker
// pool that executes the triage pipeline.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tosin2013/bugtriage/internal/ai"
	"github.com/tosin2013/bugtriage/internal/assignment"
	"github.com/tosin2013/bugtriage/internal/breaker"
	"github.com/tosin2013/bugtriage/internal/cache"
	"github.com/tosin2013/bugtriage/internal/config"
	"github.com/tosin2013/bugtriage/internal/expertise"
	"github.com/tosin2013/bugtriage/internal/fixgen"
	"github.com/tosin2013/bugtriage/internal/githubapi"
	"github.com/tosin2013/bugtriage/internal/health"
	"github.com/tosin2013/bugtriage/internal/logging"
	"github.com/tosin2013/bugtriage/internal/notify"
	"github.com/tosin2013/bugtriage/internal/storage"
	"github.com/tosin2013/bugtriage/internal/webhook"
	"github.com/tosin2013/bugtriage/internal/worker"

	"github.com/tosin2013/bugtriage/internal/audit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to open database")
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.WithError(err).Fatal("failed to run migrations")
	}

	breakerMgr := breaker.NewManager(logger, store, breaker.DefaultConfig())

	aiClient := ai.New(cfg.LLMAPIKey, ai.DefaultConfig(), logger, breakerMgr)

	expertiseEngine := expertise.New(expertise.ExecRunner{}, store, store, cfg.GitBlameTimeout(), logger)

	assignmentEngine := assignment.New(expertiseEngine, store, store)

	ghClient := githubapi.New(ctx, cfg.GitHubToken, cfg.GitHubRepoOwner, cfg.GitHubRepoName, cfg.GitHubBaseBranch, logger)

	fixGenerator := fixgen.New(aiClient, ghClient, ghClient)

	slackSender := notify.NewSlackSender(cfg.SlackBotToken)
	notifier := notify.New(slackSender, store, store, breakerMgr, logger)

	auditor := audit.New(store, logger)

	redisCache := cache.New(cfg.RedisAddr)

	workerPool := worker.New(worker.Config{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		DraftPREnabled:      cfg.DraftPREnabled,
		OnCallChatID:        cfg.OnCallEngineerChatID,
		Workers:             4,
	}, aiClient, assignmentEngine, fixGenerator, notifier, auditor, store, logger)
	workerPool.Start(ctx)
	defer workerPool.Shutdown()

	webhookHandler := webhook.New(cfg.GitHubWebhookSecret, cfg.DuplicateWindow(), dedupAdapter{redisCache, store}, workerPool, logger)
	healthHandler := health.New(store, breakerMgr, auditor)

	r := chi.NewRouter()
	r.Get("/", healthHandler.Liveness)
	r.Get("/health", healthHandler.Health)
	r.Get("/health/detailed", healthHandler.Detailed)
	r.Post("/webhook/github", webhookHandler.HandleGitHub)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  cfg.WebhookTimeout(),
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("triage-server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// decisionChecker is satisfied by *storage.Store; kept narrow so
// dedupAdapter doesn't need to know about the rest of Store.
type decisionChecker interface {
	HasDecisionForIssue(ctx context.Context, issueID string) (bool, error)
}

// dedupAdapter bridges the Redis fast path and the database source of
// truth into the single webhook.Dedup interface.
type dedupAdapter struct {
	*cache.Client
	decisions decisionChecker
}

func (d dedupAdapter) HasDecisionForIssue(ctx context.Context, issueID string) (bool, error) {
	return d.decisions.HasDecisionForIssue(ctx, issueID)
}
