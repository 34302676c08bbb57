// Package assignment implements C5: the weighted confidence score,
// candidate assembly with workload balancing, loop prevention, and
// the final assign-or-route-to-human decision.
package assignment

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tosin2013/bugtriage/internal/models"
)

// ExpertiseLookup resolves C4 scores for a file.
type ExpertiseLookup interface {
	GetActiveContributors(ctx context.Context, repoPath, filePath string, useCache bool) []models.ExpertiseScore
}

// WorkloadLookup reports how many Assignment rows with status=assigned
// a developer currently holds.
type WorkloadLookup interface {
	ActiveAssignmentCount(ctx context.Context, email string) (int, error)
}

// LoopGuard checks whether (issue_id, candidate_email) was already
// assigned, to prevent reassignment loops (spec §4.5).
type LoopGuard interface {
	AlreadyAssigned(ctx context.Context, issueID, email string) (bool, error)
}

// Engine is C5, the assignment engine.
type Engine struct {
	expertise ExpertiseLookup
	workload  WorkloadLookup
	guard     LoopGuard
}

// New builds an Engine.
func New(expertise ExpertiseLookup, workload WorkloadLookup, guard LoopGuard) *Engine {
	return &Engine{expertise: expertise, workload: workload, guard: guard}
}

type candidateAccum struct {
	email          string
	name           string
	expertiseSum   float64
	maxScore       float64
	filesCovered   map[string]bool
	recentCommits  int
}

// Decide implements the full C5 pipeline: candidate assembly, loop
// prevention, confidence scoring, and the assign/route-to-human
// decision. repoPath locates the git checkout used for C4 lookups;
// threshold is the caller-supplied confidence threshold (default 60).
func (e *Engine) Decide(ctx context.Context, issueID, repoPath string, analysis *models.BugAnalysis, threshold float64) models.AssignmentResult {
	accum := e.assembleCandidates(ctx, repoPath, analysis.AffectedFiles)
	ranked := e.rankCandidates(ctx, accum)

	filtered := e.applyLoopPrevention(ctx, issueID, ranked)

	var fallbacks []models.CandidateRank
	if len(filtered) == 0 {
		// spec §4.5: "If all candidates are skipped, return a
		// route-to-human result and attach the original ranked list
		// (pre-filter) as fallbacks."
		reasoning := "all candidates already assigned to this issue; routing to human"
		if len(ranked) == 0 {
			reasoning = "no candidates with expertise in the affected files; routing to human"
		}
		return models.AssignmentResult{
			Confidence:   0,
			RouteToHuman: true,
			Reasoning:    reasoning,
			Priority:     models.PriorityLow,
			Fallbacks:    ranked,
		}
	}
	fallbacks = filtered

	top := fallbacks[0]
	confidence := e.confidenceScore(analysis, globalMaxScore(accum), accum)

	result := models.AssignmentResult{
		Confidence:   confidence,
		RouteToHuman: confidence < threshold,
		Priority:     priorityFor(confidence),
		EstimatedEffort: effortFor(analysis.FixComplexity),
		Fallbacks:    fallbacks,
	}

	if !result.RouteToHuman {
		result.AssigneeEmail = top.Email
		result.AssigneeName = top.Name
	}
	result.Reasoning = e.buildReasoning(analysis, top, confidence, threshold, result.RouteToHuman)
	return result
}

// assembleCandidates fetches expertise per affected file and
// accumulates per-developer totals across files (spec §4.5).
func (e *Engine) assembleCandidates(ctx context.Context, repoPath string, affectedFiles []string) map[string]*candidateAccum {
	accum := make(map[string]*candidateAccum)
	for _, file := range affectedFiles {
		scores := e.expertise.GetActiveContributors(ctx, repoPath, file, true)
		for _, s := range scores {
			c, ok := accum[s.DeveloperEmail]
			if !ok {
				c = &candidateAccum{email: s.DeveloperEmail, name: s.DeveloperName, filesCovered: make(map[string]bool)}
				accum[s.DeveloperEmail] = c
			}
			c.expertiseSum += s.Score
			if s.Score > c.maxScore {
				c.maxScore = s.Score
			}
			c.filesCovered[file] = true
			if time.Since(s.LastCommitDate) <= 30*24*time.Hour {
				c.recentCommits++
			}
		}
	}
	return accum
}

// rankCandidates computes workload and combined score and sorts
// descending by combined score. No candidate is dropped here (they
// were already filtered to active by GetActiveContributors); a failed
// workload lookup counts as zero active assignments.
func (e *Engine) rankCandidates(ctx context.Context, accum map[string]*candidateAccum) []models.CandidateRank {
	ranked := make([]models.CandidateRank, 0, len(accum))
	for _, c := range accum {
		activeCount := 0
		if e.workload != nil {
			if n, err := e.workload.ActiveAssignmentCount(ctx, c.email); err == nil {
				activeCount = n
			}
		}
		workloadScore := math.Exp(-float64(activeCount) / 5)
		combined := 0.7*c.expertiseSum + 0.3*workloadScore*100

		ranked = append(ranked, models.CandidateRank{
			Email:          c.email,
			Name:           c.name,
			ExpertiseScore: c.expertiseSum,
			WorkloadScore:  workloadScore,
			CombinedScore:  combined,
		})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].CombinedScore > ranked[j].CombinedScore })
	return ranked
}

// applyLoopPrevention drops candidates already assigned to this issue
// (spec §4.5). A guard check failure skips the candidate conservatively.
func (e *Engine) applyLoopPrevention(ctx context.Context, issueID string, ranked []models.CandidateRank) []models.CandidateRank {
	if e.guard == nil {
		return ranked
	}
	out := make([]models.CandidateRank, 0, len(ranked))
	for _, c := range ranked {
		already, err := e.guard.AlreadyAssigned(ctx, issueID, c.Email)
		if err != nil || already {
			continue
		}
		out = append(out, c)
	}
	return out
}

// confidenceScore implements spec §4.5's four-component weighted score.
func (e *Engine) confidenceScore(analysis *models.BugAnalysis, topScore float64, accum map[string]*candidateAccum) float64 {
	aiQuality := clamp(analysis.Confidence*40, 0, 40)

	expertise := clamp(topScore/1000*35, 0, 35)

	coverage := 0.0
	if len(analysis.AffectedFiles) > 0 {
		covered := coveredFileCount(analysis.AffectedFiles, accum)
		coverage = clamp(float64(covered)/float64(len(analysis.AffectedFiles))*15, 0, 15)
	}

	recency := 0.0
	if within30 := countWithinRecency(accum); within30 > 0 {
		recency = clamp(2*float64(within30), 0, 10)
	}

	return models.ClampConfidence(aiQuality + expertise + coverage + recency)
}

// globalMaxScore returns the highest per-file expertise score across
// every candidate considered, not just the one ultimately selected
// (spec §4.5: confidence's expertise factor is driven by the best raw
// score seen for the affected files, regardless of who gets assigned).
func globalMaxScore(accum map[string]*candidateAccum) float64 {
	max := 0.0
	for _, c := range accum {
		if c.maxScore > max {
			max = c.maxScore
		}
	}
	return max
}

func coveredFileCount(affected []string, accum map[string]*candidateAccum) int {
	covered := make(map[string]bool, len(affected))
	for _, c := range accum {
		for f := range c.filesCovered {
			covered[f] = true
		}
	}
	count := 0
	for _, f := range affected {
		if covered[f] {
			count++
		}
	}
	return count
}

func countWithinRecency(accum map[string]*candidateAccum) int {
	total := 0
	for _, c := range accum {
		total += c.recentCommits
	}
	return total
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func priorityFor(confidence float64) models.Priority {
	switch {
	case confidence >= 80:
		return models.PriorityHigh
	case confidence >= 60:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

func effortFor(c models.FixComplexity) string {
	switch c {
	case models.FixSimple:
		return "1-2 hours"
	case models.FixModerate:
		return "half day"
	case models.FixComplex:
		return "1-2 days"
	default:
		return "unknown"
	}
}

func (e *Engine) buildReasoning(analysis *models.BugAnalysis, top models.CandidateRank, confidence, threshold float64, routed bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "candidate %s: expertise score %.1f, workload factor %.2f, AI confidence %.2f, fix complexity %s",
		top.Email, top.ExpertiseScore, top.WorkloadScore, analysis.Confidence, analysis.FixComplexity)
	if routed {
		fmt.Fprintf(&b, "; combined confidence %.1f is below threshold %.1f, routing to human", confidence, threshold)
	} else {
		fmt.Fprintf(&b, "; combined confidence %.1f meets threshold %.1f", confidence, threshold)
	}
	return b.String()
}
