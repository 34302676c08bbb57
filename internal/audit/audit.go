// Package audit implements C10: the structured per-decision record,
// the append-only TriageDecision persistence call, a separate
// log_system_event channel for non-decision events, and an in-process
// operational-metrics rollup for the detailed health endpoint.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tosin2013/bugtriage/internal/logging"
	"github.com/tosin2013/bugtriage/internal/models"
)

// DecisionStore persists the append-only TriageDecision row.
type DecisionStore interface {
	InsertTriageDecision(ctx context.Context, d models.TriageDecision) error
}

// Metrics is the rollup exposed at /health/detailed (spec §6).
type Metrics struct {
	DecisionsLogged   uint64
	AutoAssigned      uint64
	RoutedToHuman     uint64
	DraftsOpened      uint64
	AverageConfidence float64
}

// Logger is C10.
type Logger struct {
	store  DecisionStore
	logger *logrus.Logger

	mu      sync.Mutex
	metrics Metrics
	totalConfidence float64
}

// New builds a Logger.
func New(store DecisionStore, logger *logrus.Logger) *Logger {
	return &Logger{store: store, logger: logger}
}

// RecordDecision emits the structured per-decision log entry (with the
// triage_<issue>_<unix_ts> correlation id), persists the append-only
// row, and updates the operational-metrics rollup.
func (l *Logger) RecordDecision(ctx context.Context, issueID string, decision models.TriageDecision, assigned bool, draftOpened bool) error {
	correlationID := logging.CorrelationID(issueID, decision.CreatedAt.Unix())

	logging.WithCorrelation(l.logger, correlationID).WithFields(logrus.Fields{
		"issue_id":           issueID,
		"affected_files":     decision.AffectedFiles,
		"confidence":         decision.Confidence,
		"processing_time_ms": decision.ProcessingTimeMS,
		"draft_pr_url":       decision.DraftPRURL,
		"assigned":           assigned,
	}).Info("triage decision recorded")

	l.mu.Lock()
	l.metrics.DecisionsLogged++
	if assigned {
		l.metrics.AutoAssigned++
	} else {
		l.metrics.RoutedToHuman++
	}
	if draftOpened {
		l.metrics.DraftsOpened++
	}
	l.totalConfidence += decision.Confidence
	l.metrics.AverageConfidence = l.totalConfidence / float64(l.metrics.DecisionsLogged)
	l.mu.Unlock()

	return l.store.InsertTriageDecision(ctx, decision)
}

// LogSystemEvent handles non-decision events: state transitions,
// config changes, admin alerts (spec §4.10's separate channel).
func (l *Logger) LogSystemEvent(eventType string, data map[string]interface{}, level logrus.Level) {
	entry := l.logger.WithFields(logrus.Fields{
		"event_type": eventType,
		"data":       data,
		"at":         time.Now().Format(time.RFC3339),
	})
	switch level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		entry.Error("system event")
	case logrus.WarnLevel:
		entry.Warn("system event")
	default:
		entry.Info("system event")
	}
}

// Snapshot returns a copy of the current operational metrics.
func (l *Logger) Snapshot() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metrics
}
