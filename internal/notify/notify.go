// Package notify implements C7: routing an assignment decision to the
// assignee's DM or an on-call escalation, delivered via Slack with
// retry/backoff and a persisted fallback message on total outage.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"github.com/tosin2013/bugtriage/internal/breaker"
	"github.com/tosin2013/bugtriage/internal/models"
)

const serviceName = "chat"
const maxAttempts = 5

// UserLookup resolves an active developer's chat id (spec §4.7: "via
// UserMapping (active only)").
type UserLookup interface {
	ChatIDForEmail(ctx context.Context, email string) (chatID string, ok bool, err error)
}

// ConfigStore persists the fallback replay message as a SystemConfig
// row (spec §4.7/§3). The Dispatcher only calls Set; the on-call chat
// id is passed to Dispatch by the caller.
type ConfigStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value, description string) error
}

// Sender abstracts the chat transport for tests.
type Sender interface {
	PostMessage(ctx context.Context, chatID, text string) error
}

// SlackSender is the concrete Sender backed by slack-go/slack.
type SlackSender struct {
	client *slack.Client
}

// NewSlackSender builds a SlackSender with the configured bot token.
func NewSlackSender(token string) *SlackSender {
	return &SlackSender{client: slack.New(token)}
}

func (s *SlackSender) PostMessage(ctx context.Context, chatID, text string) error {
	_, _, err := s.client.PostMessageContext(ctx, chatID, slack.MsgOptionText(text, false))
	return err
}

// Dispatcher is C7.
type Dispatcher struct {
	sender  Sender
	users   UserLookup
	config  ConfigStore
	breaker *breaker.Manager
	logger  *logrus.Logger
}

// New builds a Dispatcher. The sender is wrapped under the "chat"
// circuit breaker service (spec §4.2: breaker wraps every call in C7).
func New(sender Sender, users UserLookup, config ConfigStore, breakerMgr *breaker.Manager, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{sender: sender, users: users, config: config, breaker: breakerMgr, logger: logger}
}

// nonRetryableMarkers flags errors that should abandon retries
// immediately (spec §4.7).
var nonRetryableMarkers = []string{"invalid_auth", "account_inactive", "user_not_found", "channel_not_found"}

func isNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, m := range nonRetryableMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Dispatch routes the assignment decision per spec §4.7's routing
// rules and sends it, falling back to a persisted replay entry on
// total chat outage. Always returns nil on the happy or fallback path
// so the pipeline proceeds to decision recording.
func (d *Dispatcher) Dispatch(ctx context.Context, onCallChatID string, assignment models.AssignmentResult, issueID, issueURL string, file string, draftURL string) error {
	chatID, message, ok := d.resolveTarget(ctx, onCallChatID, assignment, issueID, issueURL, file, draftURL)
	if !ok {
		d.logger.WithField("issue_id", issueID).Warn("no chat target resolved, skipping notification")
		return nil
	}

	_, err := breaker.Execute(ctx, d.breaker, serviceName, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.sendWithRetry(ctx, chatID, message)
	})
	if err == nil {
		return nil
	}

	d.logger.WithError(err).WithField("issue_id", issueID).Error("chat delivery exhausted, persisting fallback message")
	if d.config != nil {
		key := fmt.Sprintf("notification_fallback_%s_%d", issueID, time.Now().Unix())
		if serr := d.config.Set(ctx, key, message, "undelivered chat notification, queued for replay"); serr != nil {
			d.logger.WithError(serr).Warn("failed to persist fallback notification")
		}
	}
	return nil
}

func (d *Dispatcher) resolveTarget(ctx context.Context, onCallChatID string, assignment models.AssignmentResult, issueID, issueURL, file, draftURL string) (string, string, bool) {
	if assignment.RouteToHuman {
		if onCallChatID == "" {
			return "", "", false
		}
		return onCallChatID, buildEscalationMessage(assignment, issueID, issueURL), true
	}

	if d.users == nil {
		return "", "", false
	}
	chatID, ok, err := d.users.ChatIDForEmail(ctx, assignment.AssigneeEmail)
	if err != nil || !ok {
		return "", "", false
	}
	return chatID, buildAssignmentMessage(assignment, issueID, issueURL, file, draftURL), true
}

func buildEscalationMessage(assignment models.AssignmentResult, issueID, issueURL string) string {
	var suggested string
	if len(assignment.Fallbacks) > 0 {
		suggested = assignment.Fallbacks[0].Email
	}
	return fmt.Sprintf("Issue %s (%s) needs human triage. Confidence %.1f%%. Suggested assignee: %s. %s",
		issueID, issueURL, assignment.Confidence, suggested, assignment.Reasoning)
}

func buildAssignmentMessage(assignment models.AssignmentResult, issueID, issueURL, file, draftURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You've been assigned issue %s: %s\n", issueID, issueURL)
	if file != "" {
		fmt.Fprintf(&b, "File: %s\n", file)
	}
	fmt.Fprintf(&b, "Confidence: %.1f%%, Priority: %s, Estimated effort: %s\n", assignment.Confidence, assignment.Priority, assignment.EstimatedEffort)
	fmt.Fprintf(&b, "Reasoning: %s\n", assignment.Reasoning)
	if draftURL != "" {
		fmt.Fprintf(&b, "Draft fix: %s\n", draftURL)
	}
	fmt.Fprintf(&b, "Assigned at: %s\n", time.Now().Format(time.RFC3339))
	return b.String()
}

// sendWithRetry implements spec §4.7's delivery discipline: up to 5
// attempts, backoff min(60, 2^attempt) seconds, short-circuiting on
// non-retryable errors.
func (d *Dispatcher) sendWithRetry(ctx context.Context, chatID, message string) error {
	attempt := 0
	op := func() error {
		attempt++
		err := d.sender.PostMessage(ctx, chatID, message)
		if err != nil && isNonRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := &boundedExponential{attempt: 0}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx)); err != nil {
		return err
	}
	return nil
}

// boundedExponential implements backoff.BackOff with spec §4.7's
// min(60, 2^attempt) seconds schedule.
type boundedExponential struct {
	attempt int
}

func (b *boundedExponential) NextBackOff() time.Duration {
	b.attempt++
	seconds := 1 << uint(b.attempt)
	if seconds > 60 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}

func (b *boundedExponential) Reset() {
	b.attempt = 0
}
