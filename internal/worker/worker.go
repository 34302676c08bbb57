// Package worker is C9: the in-process job queue and worker pool
// that runs the seven-step triage pipeline per enqueued event, fanning
// out through C1 (stacktrace), C3 (ai), C5 (assignment), C6 (fixgen),
// C7 (notify), and C10 (audit).
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tosin2013/bugtriage/internal/fixgen"
	"github.com/tosin2013/bugtriage/internal/models"
	"github.com/tosin2013/bugtriage/internal/stacktrace"
)

// Analyzer is C3's collaborator surface.
type Analyzer interface {
	AnalyzeFailure(ctx context.Context, issueText string, trace *models.StackTrace, extraContext string) *models.BugAnalysis
}

// Assigner is C5's collaborator surface.
type Assigner interface {
	Decide(ctx context.Context, issueID, repoPath string, analysis *models.BugAnalysis, threshold float64) models.AssignmentResult
}

// DraftGenerator is C6's collaborator surface.
type DraftGenerator interface {
	Generate(ctx context.Context, analysis *models.BugAnalysis, trace *models.StackTrace) *fixgen.Draft
	Open(ctx context.Context, draft *fixgen.Draft, issueID string) (string, error)
}

// Notifier is C7's collaborator surface.
type Notifier interface {
	Dispatch(ctx context.Context, onCallChatID string, assignment models.AssignmentResult, issueID, issueURL, file, draftURL string) error
}

// DecisionRecorder is C10's collaborator surface.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, issueID string, decision models.TriageDecision, assigned bool, draftOpened bool) error
}

// AssignmentStore persists the Assignment row when not routed to human.
type AssignmentStore interface {
	InsertAssignment(ctx context.Context, a models.Assignment) error
}

// Job is one unit of triage work, derived from a NormalizedEvent.
// JobID is an internal tracking id (log correlation only; the
// spec-mandated triage_<issue>_<unix_ts> id is computed at record
// time by C10).
type Job struct {
	JobID    string
	IssueID  string
	IssueURL string
	RepoPath string
	Body     string
}

// Config tunes the pipeline's thresholds, notification target, and
// queue/worker sizing.
type Config struct {
	ConfidenceThreshold float64 // spec §4.5 default 60
	DraftPREnabled      bool
	OnCallChatID        string
	QueueDepth          int
	Workers             int
}

// Pool is C9.
type Pool struct {
	cfg       Config
	analyzer  Analyzer
	assigner  Assigner
	drafts    DraftGenerator
	notifier  Notifier
	recorder  DecisionRecorder
	assigns   AssignmentStore
	logger    *logrus.Logger

	jobs chan Job
	wg   sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Pool. Call Start to spin up workers and Enqueue to
// submit jobs.
func New(cfg Config, analyzer Analyzer, assigner Assigner, drafts DraftGenerator, notifier Notifier, recorder DecisionRecorder, assigns AssignmentStore, logger *logrus.Logger) *Pool {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Pool{
		cfg: cfg, analyzer: analyzer, assigner: assigner, drafts: drafts,
		notifier: notifier, recorder: recorder, assigns: assigns, logger: logger,
		jobs:   make(chan Job, cfg.QueueDepth),
		stopCh: make(chan struct{}),
	}
}

// Enqueue implements webhook.Enqueuer against a NormalizedEvent,
// translating it into a Job. The queue is non-blocking: a full queue
// returns an error rather than backpressuring the HTTP request.
func (p *Pool) Enqueue(event models.NormalizedEvent) error {
	job := Job{
		JobID:    uuid.NewString(),
		IssueID:  event.IssueID,
		IssueURL: event.URL,
		RepoPath: event.Repository,
		Body:     event.Title + "\n\n" + event.Body,
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return errQueueFull
	}
}

// Start launches the configured number of worker goroutines. Each
// polls the stop flag every second (spec §5's cooperative shutdown).
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx)
	}
}

// Shutdown sets the stop flag and waits for in-flight jobs to finish.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case job := <-p.jobs:
			p.process(ctx, job)
		case <-ticker.C:
			// cooperative poll point; nothing to do absent a job or stop signal.
		}
	}
}

// process runs the strictly sequential seven-step pipeline for one
// job. Any step may fail independently; failures are logged but do
// not abort subsequent steps unless that step logically requires the
// previous output (spec §4.9).
func (p *Pool) process(ctx context.Context, job Job) {
	start := time.Now()
	log := p.logger.WithFields(logrus.Fields{"issue_id": job.IssueID, "job_id": job.JobID})

	trace := stacktrace.Parse(job.Body)

	analysis := p.analyzer.AnalyzeFailure(ctx, job.Body, trace, "")
	if analysis == nil {
		log.Error("worker: analysis step produced nil result, aborting job")
		return
	}

	files := analysis.AffectedFiles
	if len(files) == 0 {
		files = trace.FilePaths()
	}

	assignment := p.assigner.Decide(ctx, job.IssueID, job.RepoPath, analysis, p.cfg.ConfidenceThreshold)

	var draftURL string
	if p.cfg.DraftPREnabled && fixgen.Enabled(assignment.Confidence, analysis.AffectedFiles) {
		if draft := p.drafts.Generate(ctx, analysis, trace); draft != nil {
			url, err := p.drafts.Open(ctx, draft, job.IssueID)
			if err != nil {
				log.WithError(err).Warn("worker: failed to open draft review")
			} else {
				draftURL = url
			}
		}
	}

	var firstFile string
	if len(files) > 0 {
		firstFile = files[0]
	}
	if err := p.notifier.Dispatch(ctx, p.cfg.OnCallChatID, assignment, job.IssueID, job.IssueURL, firstFile, draftURL); err != nil {
		log.WithError(err).Warn("worker: notification dispatch failed")
	}

	var stackTraceText *string
	if trace != nil && trace.ErrorMessage != "" {
		msg := trace.ErrorMessage
		stackTraceText = &msg
	}
	var draftPRURL *string
	if draftURL != "" {
		draftPRURL = &draftURL
	}

	decision := models.TriageDecision{
		IssueID:          job.IssueID,
		StackTrace:       stackTraceText,
		AffectedFiles:    files,
		RootCause:        analysis.RootCauseHypothesis,
		Confidence:       assignment.Confidence,
		DraftPRURL:       draftPRURL,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
		CreatedAt:        time.Now(),
	}

	if !assignment.RouteToHuman && p.assigns != nil {
		if err := p.assigns.InsertAssignment(ctx, models.Assignment{
			IssueID:       job.IssueID,
			IssueURL:      job.IssueURL,
			AssigneeEmail: assignment.AssigneeEmail,
			Confidence:    assignment.Confidence,
			Reasoning:     assignment.Reasoning,
			Status:        models.AssignmentStatusAssigned,
		}); err != nil {
			log.WithError(err).Error("worker: failed to persist assignment")
		}
	}

	if err := p.recorder.RecordDecision(ctx, job.IssueID, decision, !assignment.RouteToHuman, draftURL != ""); err != nil {
		log.WithError(err).Error("worker: failed to record decision")
	}
}

var errQueueFull = errors.New("worker: job queue is full")
