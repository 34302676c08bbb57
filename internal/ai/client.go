// Package ai implements C3: prompt construction, a retrying
// circuit-broken LLM transport, schema-validated response parsing, and
// a heuristic fallback for the bug-analysis call. The client is
// configured through a Config struct and talks to a single provider,
// Anthropic, via anthropic-sdk-go; there is no per-provider dispatch.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"

	"github.com/tosin2013/bugtriage/internal/breaker"
	"github.com/tosin2013/bugtriage/internal/models"
)

const serviceName = "llm"

// responseSchema is the fixed JSON schema named in spec §4.3: six
// required fields plus an open additional_context object.
const responseSchema = `{
  "type": "object",
  "required": ["affected_files", "root_cause_hypothesis", "plain_english_explanation", "fix_complexity", "confidence", "error_translation"],
  "properties": {
    "affected_files": {"type": "array", "items": {"type": "string"}},
    "root_cause_hypothesis": {"type": "string"},
    "plain_english_explanation": {"type": "string"},
    "fix_complexity": {"type": "string"},
    "confidence": {"type": "number"},
    "error_translation": {"type": "string"},
    "additional_context": {"type": "object"}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(responseSchema)

// keywordPairs drives the heuristic fallback of spec §4.3; keywords
// are checked in this order and the first one found sets the
// hypothesis and translation.
var keywordPairs = []struct {
	keyword string
	meaning string
}{
	{"null", "a value expected to be present was null or missing"},
	{"undefined", "a variable or property was referenced before being defined"},
	{"timeout", "an operation exceeded its allotted time and was aborted"},
	{"connection", "a network or service connection could not be established or was dropped"},
	{"permission", "the process lacked authorization to perform the operation"},
	{"syntax", "the source contains a syntax error preventing parsing"},
}

// Config mirrors the teacher's LLMConfig: model/temperature/token/
// timeout/retry tunables, now scoped to the single wired provider.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	RetryCount  int
}

// DefaultConfig matches spec §4.3's retry-with-backoff defaults.
func DefaultConfig() Config {
	return Config{
		Model:       "claude-3-5-sonnet-20241022",
		Temperature: 0.1,
		MaxTokens:   4000,
		Timeout:     30 * time.Second,
		RetryCount:  3,
	}
}

// Client is C3, the AI analysis adapter.
type Client struct {
	sdk     anthropic.Client
	cfg     Config
	logger  *logrus.Logger
	breaker *breaker.Manager
}

// New builds a Client. apiKey must be non-empty; breakerMgr guards the
// transport under the "llm" service name (spec §4.2: "C2 wraps every
// external call in C3").
func New(apiKey string, cfg Config, logger *logrus.Logger, breakerMgr *breaker.Manager) *Client {
	return &Client{
		sdk:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		cfg:     cfg,
		logger:  logger,
		breaker: breakerMgr,
	}
}

// AnalyzeFailure runs the full C3 flow for a bug report: prompt
// construction, breaker-guarded retrying request, schema validation,
// and field clamping. On breaker-open or exhausted retries it returns
// the heuristic fallback instead of an error, matching spec §4.3's
// "Fallback" behavior.
func (c *Client) AnalyzeFailure(ctx context.Context, issueText string, trace *models.StackTrace, extraContext string) *models.BugAnalysis {
	prompt := c.buildAnalysisPrompt(issueText, trace, extraContext)

	res, err := breaker.Execute(ctx, c.breaker, serviceName, func(ctx context.Context) (string, error) {
		return c.completeWithRetry(ctx, prompt)
	})
	if err != nil {
		c.logger.WithError(err).Warn("llm analysis unavailable, using heuristic fallback")
		return c.heuristicFallback(issueText, trace)
	}

	analysis, perr := parseAnalysisResponse(res.Value)
	if perr != nil {
		c.logger.WithError(perr).Warn("llm response failed validation, using heuristic fallback")
		return c.heuristicFallback(issueText, trace)
	}
	return analysis
}

// Complete runs an arbitrary prompt through the breaker-guarded,
// retrying transport and returns the raw completion text. C6 uses this
// for patch generation, reusing C3's transport per spec §4.6.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	res, err := breaker.Execute(ctx, c.breaker, serviceName, func(ctx context.Context) (string, error) {
		return c.completeWithRetry(ctx, prompt)
	})
	if err != nil {
		return "", err
	}
	return res.Value, nil
}

// buildAnalysisPrompt concatenates, in the fixed order named in spec
// §4.3: role preamble, raw issue text, trace metadata and top-5
// frames, extra context, JSON schema, guideline bullets.
func (c *Client) buildAnalysisPrompt(issueText string, trace *models.StackTrace, extraContext string) string {
	var b strings.Builder

	b.WriteString("You are an automated bug-triage assistant. Analyze the following issue ")
	b.WriteString("and respond ONLY with a single JSON object matching the schema below.\n\n")

	b.WriteString("## Issue\n\n")
	b.WriteString(issueText)
	b.WriteString("\n\n")

	if trace != nil {
		b.WriteString("## Stack Trace\n\n")
		fmt.Fprintf(&b, "Language: %s\nError: %s\n\n", trace.Language, trace.ErrorType)
		for i, f := range trace.MostRelevantFrames(5) {
			fmt.Fprintf(&b, "%d. %s:%d in %s (relevance %.2f)\n", i+1, f.FilePath, f.LineNumber, f.FunctionName, f.Relevance)
			if f.CodeSnippet != "" {
				fmt.Fprintf(&b, "   %s\n", f.CodeSnippet)
			}
		}
		b.WriteString("\n")
	}

	if extraContext != "" {
		b.WriteString("## Additional Context\n\n")
		b.WriteString(extraContext)
		b.WriteString("\n\n")
	}

	b.WriteString("## Required Response Schema\n\n")
	b.WriteString(responseSchema)
	b.WriteString("\n\n")

	b.WriteString("## Guidelines\n\n")
	b.WriteString("- affected_files must list real paths mentioned in the issue or trace.\n")
	b.WriteString("- fix_complexity must be one of simple, moderate, complex.\n")
	b.WriteString("- confidence is a float between 0 and 1.\n")
	b.WriteString("- plain_english_explanation must be understandable to a non-expert.\n")
	b.WriteString("- Respond with JSON only, no surrounding prose.\n")

	return b.String()
}

// completeWithRetry sends prompt to the model, retrying transient
// failures with exponential backoff capped at c.cfg.RetryCount
// attempts (spec §4.3: "timed request with retry").
func (c *Client) completeWithRetry(ctx context.Context, prompt string) (string, error) {
	var content string

	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		msg, err := c.sdk.Messages.New(reqCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.cfg.Model),
			MaxTokens: int64(c.cfg.MaxTokens),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return err
		}
		if len(msg.Content) == 0 {
			return fmt.Errorf("empty response content")
		}
		content = msg.Content[0].Text
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	retryable := backoff.WithMaxRetries(bo, uint64(c.cfg.RetryCount-1))

	if err := backoff.Retry(op, backoff.WithContext(retryable, ctx)); err != nil {
		return "", err
	}
	return content, nil
}

// parseAnalysisResponse implements spec §4.3's "Response parsing":
// extract the JSON substring, validate against the fixed schema,
// reject on missing required fields, then clamp/normalize.
func parseAnalysisResponse(content string) (*models.BugAnalysis, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	jsonStr := content[start : end+1]

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewStringLoader(jsonStr))
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("response does not satisfy schema: %v", result.Errors())
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	analysis := &models.BugAnalysis{
		RootCauseHypothesis:     stringField(raw, "root_cause_hypothesis"),
		PlainEnglishExplanation: stringField(raw, "plain_english_explanation"),
		ErrorTranslation:        stringField(raw, "error_translation"),
		Confidence:              models.ClampUnit(floatField(raw, "confidence")),
		FixComplexity:           normalizeComplexity(stringField(raw, "fix_complexity")),
		AffectedFiles:           stringArrayField(raw, "affected_files"),
		Timestamp:               time.Now(),
	}
	if ac, ok := raw["additional_context"].(map[string]interface{}); ok {
		analysis.ExtraContext = ac
	} else {
		analysis.ExtraContext = map[string]interface{}{}
	}
	return analysis, nil
}

func normalizeComplexity(v string) models.FixComplexity {
	lc := models.FixComplexity(strings.ToLower(v))
	if models.ValidFixComplexity(lc) {
		return lc
	}
	return models.FixModerate
}

// heuristicFallback implements spec §4.3's keyword-based fallback,
// used when the breaker is open or retries are exhausted.
func (c *Client) heuristicFallback(issueText string, trace *models.StackTrace) *models.BugAnalysis {
	lower := strings.ToLower(issueText)
	matched := false
	var hypothesis, translation string

	for _, kp := range keywordPairs {
		if strings.Contains(lower, kp.keyword) {
			matched = true
			hypothesis = fmt.Sprintf("likely related to %q condition", kp.keyword)
			translation = kp.meaning
			break
		}
	}
	if !matched {
		hypothesis = "unable to determine root cause without AI analysis"
		translation = "the automated analyzer was unavailable; manual review is required"
	}

	confidence := 0.3
	if matched {
		confidence = 0.4
	}

	var affected []string
	if trace != nil {
		paths := trace.FilePaths()
		if len(paths) > 3 {
			paths = paths[:3]
		}
		affected = paths
	}

	return &models.BugAnalysis{
		AffectedFiles:           affected,
		RootCauseHypothesis:     hypothesis,
		PlainEnglishExplanation: "The system could not reach the AI analysis service and produced this best-effort guess from keyword matching.",
		FixComplexity:           models.FixModerate,
		Confidence:              confidence,
		ErrorTranslation:        translation,
		ExtraContext: map[string]interface{}{
			"fallback": true,
			"method":   "keyword",
		},
		Timestamp: time.Now(),
	}
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func floatField(m map[string]interface{}, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func stringArrayField(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
