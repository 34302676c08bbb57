// Package webhook is C8: the HTTP ingress that authenticates,
// filters, deduplicates, and enqueues incoming source-hosting events
// for the triage worker (C9) to pick up.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/tosin2013/bugtriage/internal/models"
)

// Dedup is the duplicate-suppression collaborator: a Redis fast path
// backed by the database as the source of truth.
type Dedup interface {
	SeenRecently(ctx context.Context, key string) (bool, error)
	MarkSeen(ctx context.Context, key string, window time.Duration) error
	HasDecisionForIssue(ctx context.Context, issueID string) (bool, error)
}

// Enqueuer accepts a normalized event for asynchronous processing.
type Enqueuer interface {
	Enqueue(event models.NormalizedEvent) error
}

// Handler is C8.
type Handler struct {
	secret        string
	dedupWindow   time.Duration
	dedup         Dedup
	queue         Enqueuer
	logger        *logrus.Logger
}

// New builds a Handler. An empty secret disables signature
// verification (development mode, per spec §4.8).
func New(secret string, dedupWindow time.Duration, dedup Dedup, queue Enqueuer, logger *logrus.Logger) *Handler {
	return &Handler{secret: secret, dedupWindow: dedupWindow, dedup: dedup, queue: queue, logger: logger}
}

// Router builds the chi router for the webhook surface. Health
// endpoints are mounted by the caller (cmd/triage-server), so this
// only owns /webhook/github.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST"},
		AllowedHeaders: []string{"Content-Type", "X-Hub-Signature-256", "X-GitHub-Event", "X-GitHub-Delivery"},
	}))
	r.Post("/webhook/github", h.HandleGitHub)
	return r
}

// HandleGitHub is the exported handler, usable standalone by callers
// that mount their own router rather than using Router().
func (h *Handler) HandleGitHub(w http.ResponseWriter, r *http.Request) {
	h.handleGitHub(w, r)
}

type response struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) handleGitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 5<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "ignored", Reason: "unreadable body"})
		return
	}

	if !h.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
		writeJSON(w, http.StatusUnauthorized, response{Status: "ignored", Reason: "invalid signature"})
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	event, ok, err := parsePayload(eventType, body)
	if err != nil {
		h.logger.WithError(err).Warn("webhook: malformed payload")
		writeJSON(w, http.StatusBadRequest, response{Status: "ignored", Reason: "malformed json"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusAccepted, response{Status: "ignored", Reason: "unhandled event/action"})
		return
	}

	ctx := r.Context()
	dedupKey := "webhook:dedup:" + event.IssueID

	if h.dedup != nil {
		seen, err := h.dedup.SeenRecently(ctx, dedupKey)
		if err != nil {
			h.logger.WithError(err).Warn("webhook: dedup fast-path check failed")
		} else if seen {
			writeJSON(w, http.StatusAccepted, response{Status: "duplicate"})
			return
		}

		exists, err := h.dedup.HasDecisionForIssue(ctx, event.IssueID)
		if err != nil {
			h.logger.WithError(err).Error("webhook: dedup source-of-truth check failed")
			writeJSON(w, http.StatusInternalServerError, response{Status: "ignored", Reason: "dedup check failed"})
			return
		}
		if exists {
			writeJSON(w, http.StatusAccepted, response{Status: "duplicate"})
			return
		}
		if err := h.dedup.MarkSeen(ctx, dedupKey, h.dedupWindow); err != nil {
			h.logger.WithError(err).Warn("webhook: failed to mark dedup key")
		}
	}

	if err := h.queue.Enqueue(event); err != nil {
		h.logger.WithError(err).Error("webhook: enqueue failed")
		writeJSON(w, http.StatusInternalServerError, response{Status: "ignored", Reason: "enqueue failed"})
		return
	}

	writeJSON(w, http.StatusAccepted, response{Status: "accepted"})
}

// verifySignature checks header against hmac_sha256(body, secret). If
// no secret is configured, verification is skipped (dev mode).
func (h *Handler) verifySignature(header string, body []byte) bool {
	if h.secret == "" {
		h.logger.Warn("webhook: no secret configured, skipping signature verification")
		return true
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	want := mac.Sum(nil)
	return hmac.Equal(got, want)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// githubIssuePayload and githubPRPayload cover the minimal subset of
// the GitHub webhook schema this engine needs.
type githubIssuePayload struct {
	Action string `json:"action"`
	Issue  struct {
		ID        int64     `json:"id"`
		Number    int       `json:"number"`
		Title     string    `json:"title"`
		Body      string    `json:"body"`
		HTMLURL   string    `json:"html_url"`
		CreatedAt time.Time `json:"created_at"`
		User      struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"issue"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type githubPRPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		ID        int64     `json:"id"`
		Number    int       `json:"number"`
		Title     string    `json:"title"`
		Body      string    `json:"body"`
		HTMLURL   string    `json:"html_url"`
		Draft     bool      `json:"draft"`
		CreatedAt time.Time `json:"created_at"`
		User      struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// parsePayload extracts a NormalizedEvent from an issues or
// pull_request webhook body. ok is false for any other event type or
// for an action other than "opened" (spec §4.8's event filtering).
func parsePayload(eventType string, body []byte) (models.NormalizedEvent, bool, error) {
	switch eventType {
	case "issues":
		var p githubIssuePayload
		if err := json.Unmarshal(body, &p); err != nil {
			return models.NormalizedEvent{}, false, err
		}
		if p.Action != "opened" {
			return models.NormalizedEvent{}, false, nil
		}
		return models.NormalizedEvent{
			Type:       "issue",
			IssueID:    fmt.Sprintf("%d", p.Issue.ID),
			Number:     p.Issue.Number,
			Title:      p.Issue.Title,
			Body:       p.Issue.Body,
			URL:        p.Issue.HTMLURL,
			Repository: p.Repository.FullName,
			CreatedAt:  p.Issue.CreatedAt,
			User:       p.Issue.User.Login,
		}, true, nil
	case "pull_request":
		var p githubPRPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return models.NormalizedEvent{}, false, err
		}
		if p.Action != "opened" {
			return models.NormalizedEvent{}, false, nil
		}
		return models.NormalizedEvent{
			Type:       "pull_request",
			IssueID:    fmt.Sprintf("%d", p.PullRequest.ID),
			Number:     p.PullRequest.Number,
			Title:      p.PullRequest.Title,
			Body:       p.PullRequest.Body,
			URL:        p.PullRequest.HTMLURL,
			Repository: p.Repository.FullName,
			CreatedAt:  p.PullRequest.CreatedAt,
			User:       p.PullRequest.User.Login,
			Draft:      p.PullRequest.Draft,
		}, true, nil
	default:
		return models.NormalizedEvent{}, false, nil
	}
}

// KeywordOverlap is the advisory content-similarity check (spec
// §4.8): the fraction of extracted keywords from newBody that also
// appear in priorText, used to flag (not block) likely-duplicate
// decisions sharing no issue_id match.
func KeywordOverlap(priorText, newBody string) float64 {
	prior := keywordSet(priorText)
	if len(prior) == 0 {
		return 0
	}
	current := keywordSet(newBody)
	if len(current) == 0 {
		return 0
	}
	shared := 0
	for kw := range current {
		if prior[kw] {
			shared++
		}
	}
	return float64(shared) / float64(len(current))
}

func keywordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(text)) {
		f = strings.Trim(f, ".,:;!?()[]{}\"'")
		if len(f) >= 4 {
			set[f] = true
		}
	}
	return set
}
