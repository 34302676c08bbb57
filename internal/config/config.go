// Package config loads process configuration from the environment
// (optionally via a .env file, matching the teacher's cli.go use of
// godotenv.Load), validates it, and exposes the tunables. SystemConfig
// rows are not consulted for these values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/go-playground/validator/v10"
)

// Config holds the environment-sourced settings named in spec §6.
type Config struct {
	DatabaseURL           string `validate:"required"`
	GitHubToken           string `validate:"required"`
	GitHubWebhookSecret   string
	GitHubRepoOwner       string `validate:"required"`
	GitHubRepoName        string `validate:"required"`
	GitHubBaseBranch      string
	SlackBotToken         string `validate:"required"`
	LLMAPIKey             string `validate:"required"`
	RedisAddr             string

	ConfidenceThreshold             float64 `validate:"gte=0,lte=100"`
	DraftPREnabled                  bool
	DuplicateDetectionWindowMinutes int           `validate:"gte=1"`
	WebhookTimeoutSeconds           int           `validate:"gte=1"`
	GitBlameTimeoutSeconds          int           `validate:"gte=1"`
	AIAnalysisTimeoutSeconds        int           `validate:"gte=1"`
	OnCallEngineerChatID            string
	HTTPAddr                        string
	LogLevel                        string
}

// Defaults matching spec §4.2/§4.3/§4.4/§4.5/§4.8.
const (
	DefaultConfidenceThreshold             = 60.0
	DefaultDuplicateDetectionWindowMinutes = 10
	DefaultWebhookTimeoutSeconds           = 30
	DefaultGitBlameTimeoutSeconds          = 5
	DefaultAIAnalysisTimeoutSeconds        = 30
)

// Load reads configuration from the process environment. If a .env
// file is present in the working directory it is loaded first (missing
// file is not an error, mirroring cli.go's best-effort godotenv.Load).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		GitHubToken:         os.Getenv("GITHUB_TOKEN"),
		GitHubWebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),
		GitHubRepoOwner:     os.Getenv("GITHUB_REPO_OWNER"),
		GitHubRepoName:      os.Getenv("GITHUB_REPO_NAME"),
		GitHubBaseBranch:    envOr("GITHUB_BASE_BRANCH", "main"),
		SlackBotToken:       os.Getenv("SLACK_BOT_TOKEN"),
		LLMAPIKey:           os.Getenv("GEMINI_API_KEY"),
		RedisAddr:           envOr("REDIS_ADDR", "localhost:6379"),

		ConfidenceThreshold:             envFloat("CONFIDENCE_THRESHOLD", DefaultConfidenceThreshold),
		DraftPREnabled:                  envBool("DRAFT_PR_ENABLED", true),
		DuplicateDetectionWindowMinutes: envInt("DUPLICATE_DETECTION_WINDOW_MINUTES", DefaultDuplicateDetectionWindowMinutes),
		WebhookTimeoutSeconds:           envInt("WEBHOOK_TIMEOUT_SECONDS", DefaultWebhookTimeoutSeconds),
		GitBlameTimeoutSeconds:          envInt("GIT_BLAME_TIMEOUT_SECONDS", DefaultGitBlameTimeoutSeconds),
		AIAnalysisTimeoutSeconds:        envInt("AI_ANALYSIS_TIMEOUT_SECONDS", DefaultAIAnalysisTimeoutSeconds),
		OnCallEngineerChatID:            os.Getenv("ON_CALL_ENGINEER_CHAT_ID"),
		HTTPAddr:                        envOr("HTTP_ADDR", ":8080"),
		LogLevel:                        envOr("LOG_LEVEL", "info"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// GitBlameTimeout returns the configured blame timeout as a Duration.
func (c *Config) GitBlameTimeout() time.Duration {
	return time.Duration(c.GitBlameTimeoutSeconds) * time.Second
}

// AIAnalysisTimeout returns the configured LLM request timeout.
func (c *Config) AIAnalysisTimeout() time.Duration {
	return time.Duration(c.AIAnalysisTimeoutSeconds) * time.Second
}

// DuplicateWindow returns the dedup window as a Duration.
func (c *Config) DuplicateWindow() time.Duration {
	return time.Duration(c.DuplicateDetectionWindowMinutes) * time.Minute
}

// WebhookTimeout returns the configured webhook-request read timeout.
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
