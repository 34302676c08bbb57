// Package stacktrace implements C1: a pure, idempotent parser that
// detects the source language of an issue body's embedded stack trace,
// extracts its frames, and ranks them by relevance. No I/O.
package stacktrace

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tosin2013/bugtriage/internal/models"
)

// Parse detects the trace's language and extracts its frames. When no
// language is detected, or the detected language's patterns yield no
// frames, the generic file:line regexes are tried. It returns nil when
// text contains no recognizable trace.
func Parse(text string) *models.StackTrace {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	lang := detectLanguage(text)

	var trace *models.StackTrace
	isFallback := false
	switch lang {
	case models.LanguagePython:
		trace = parsePython(text)
	case models.LanguageJS:
		trace = parseJS(text)
	case models.LanguageJava:
		trace = parseJava(text)
	default:
		trace = parseGenericFallback(text)
		isFallback = true
	}

	if !isFallback && (trace == nil || len(trace.Frames) == 0) {
		trace = parseGenericFallback(text)
		isFallback = true
	}

	if trace == nil || len(trace.Frames) == 0 {
		return nil
	}

	if isFallback {
		scoreFallbackRelevance(trace)
	} else {
		scoreRelevance(trace)
	}
	return trace
}

// --- language detection -----------------------------------------------

var (
	pythonIndicators = []string{
		"Traceback (most recent call last)",
		`File "`,
		", line ",
	}
	jsIndicators = []string{
		" at ",
		"TypeError:",
		"ReferenceError:",
		"node_modules",
	}
	javaIndicators = []string{
		"Exception in thread",
		"Caused by:",
		".java:",
		"\tat ",
	}
)

// detectLanguage scores text against each language's indicator bag and
// returns the highest non-zero scorer. Ties favor Python, then JS, then
// Java, per spec §4.1.
func detectLanguage(text string) models.Language {
	pyScore := countIndicators(text, pythonIndicators)
	jsScore := countIndicators(text, jsIndicators)
	javaScore := countIndicators(text, javaIndicators)

	best := models.LanguageUnknown
	bestScore := 0

	// Order matters for tie-breaking: Python, JS, Java.
	candidates := []struct {
		lang  models.Language
		score int
	}{
		{models.LanguagePython, pyScore},
		{models.LanguageJS, jsScore},
		{models.LanguageJava, javaScore},
	}
	for _, c := range candidates {
		if c.score > bestScore {
			bestScore = c.score
			best = c.lang
		}
	}
	if bestScore == 0 {
		return models.LanguageUnknown
	}
	return best
}

func countIndicators(text string, indicators []string) int {
	n := 0
	for _, ind := range indicators {
		n += strings.Count(text, ind)
	}
	return n
}

// --- Python -------------------------------------------------------------

var pythonFrameRE = regexp.MustCompile(`(?m)^\s*File "([^"]+)", line (\d+), in (\S+)\s*$`)
var pythonErrorRE = regexp.MustCompile(`(?m)^(\w+(?:\.\w+)*):\s*(.*)$`)

func parsePython(text string) *models.StackTrace {
	lines := strings.Split(text, "\n")
	trace := &models.StackTrace{Language: models.LanguagePython}

	matches := pythonFrameRE.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	lineOffsets := computeLineOffsets(text)

	for _, m := range matches {
		frame := extractPythonFrame(text, lines, lineOffsets, m)
		if frame != nil {
			trace.Frames = append(trace.Frames, *frame)
		}
	}

	// Terminating "TypeName: message" line — scan from the end for the
	// first line matching the pattern after the last frame.
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "File \"") || strings.HasPrefix(line, "Traceback") {
			break
		}
		if m := pythonErrorRE.FindStringSubmatch(line); m != nil {
			trace.ErrorType = m[1]
			trace.ErrorMessage = m[2]
		}
		break
	}

	return trace
}

func computeLineOffsets(text string) []int {
	offsets := []int{0}
	for i, r := range text {
		if r == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

func lineIndexForOffset(offsets []int, pos int) int {
	// binary search could be used; linear is fine for typical issue bodies.
	idx := 0
	for i, off := range offsets {
		if off <= pos {
			idx = i
		} else {
			break
		}
	}
	return idx
}

func extractPythonFrame(text string, lines []string, offsets []int, m []int) *models.StackFrame {
	path := text[m[2]:m[3]]
	lineStr := text[m[4]:m[5]]
	fn := text[m[6]:m[7]]

	lineNum, err := strconv.Atoi(lineStr)
	if err != nil || lineNum < 0 {
		return nil // invalid numeric field: skip frame, not whole trace
	}

	frameLineIdx := lineIndexForOffset(offsets, m[0])
	snippet := ""
	if frameLineIdx+1 < len(lines) {
		next := lines[frameLineIdx+1]
		if strings.HasPrefix(next, " ") || strings.HasPrefix(next, "\t") {
			snippet = strings.TrimSpace(next)
		}
	}

	return &models.StackFrame{
		FilePath:     path,
		LineNumber:   lineNum,
		FunctionName: fn,
		CodeSnippet:  snippet,
	}
}

// --- JavaScript / event loop ---------------------------------------------

var jsFrameWithFnRE = regexp.MustCompile(`(?m)^\s*at\s+([^\s(]+)\s+\(([^:]+):(\d+):(\d+)\)\s*$`)
var jsFrameBareRE = regexp.MustCompile(`(?m)^\s*at\s+([^:\s]+):(\d+):(\d+)\s*$`)
var jsErrorRE = regexp.MustCompile(`(?m)^(\w*Error):\s*(.*)$`)

func parseJS(text string) *models.StackTrace {
	trace := &models.StackTrace{Language: models.LanguageJS}

	type found = struct {
		pos  int
		path string
		line int
		fn   string
	}
	var all []found

	for _, m := range jsFrameWithFnRE.FindAllStringSubmatchIndex(text, -1) {
		ln, err := strconv.Atoi(text[m[6]:m[7]])
		if err != nil || ln < 0 {
			continue
		}
		all = append(all, found{pos: m[0], path: text[m[4]:m[5]], line: ln, fn: text[m[2]:m[3]]})
	}
	for _, m := range jsFrameBareRE.FindAllStringSubmatchIndex(text, -1) {
		ln, err := strconv.Atoi(text[m[4]:m[5]])
		if err != nil || ln < 0 {
			continue
		}
		all = append(all, found{pos: m[0], path: text[m[2]:m[3]], line: ln, fn: "<anonymous>"})
	}
	if len(all) == 0 {
		return nil
	}
	// Preserve source order.
	sortFoundByPos(all)

	for _, f := range all {
		trace.Frames = append(trace.Frames, models.StackFrame{
			FilePath:     f.path,
			LineNumber:   f.line,
			FunctionName: f.fn,
		})
	}

	if m := jsErrorRE.FindStringSubmatch(text); m != nil {
		trace.ErrorType = m[1]
		trace.ErrorMessage = strings.TrimSpace(m[2])
	}

	return trace
}

func sortFoundByPos(all []struct {
	pos  int
	path string
	line int
	fn   string
}) {
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].pos < all[j-1].pos; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
}

// --- Java / JVM -----------------------------------------------------------

var javaFrameRE = regexp.MustCompile(`(?m)^\s*at\s+([\w.$]+)\.(\w+)\(([^:)]+):(\d+)\)\s*$`)
var javaHeaderRE = regexp.MustCompile(`(?m)^(?:Exception in thread "[^"]*"\s+)?([\w.$]+(?:Exception|Error)):\s*(.*)$`)
var javaCausedByRE = regexp.MustCompile(`(?m)^Caused by:\s*([\w.$]+(?:Exception|Error)):\s*(.*)$`)

func parseJava(text string) *models.StackTrace {
	trace := &models.StackTrace{Language: models.LanguageJava}

	for _, m := range javaFrameRE.FindAllStringSubmatch(text, -1) {
		class := m[1]
		method := m[2]
		file := m[3]
		ln, err := strconv.Atoi(m[4])
		if err != nil || ln < 0 {
			continue
		}
		trace.Frames = append(trace.Frames, models.StackFrame{
			FilePath:     file,
			LineNumber:   ln,
			FunctionName: class + "." + method,
		})
	}
	if len(trace.Frames) == 0 {
		return nil
	}

	if m := javaHeaderRE.FindStringSubmatch(text); m != nil {
		trace.ErrorType = m[1]
		trace.ErrorMessage = strings.TrimSpace(m[2])
	} else if m := javaCausedByRE.FindStringSubmatch(text); m != nil {
		trace.ErrorType = m[1]
		trace.ErrorMessage = strings.TrimSpace(m[2])
	}

	return trace
}

// --- generic fallback -----------------------------------------------------

var genericFrameRegexes = []*regexp.Regexp{
	regexp.MustCompile(`(?m)([./\w-]+\.\w+):(\d+)`),
	regexp.MustCompile(`(?m)in\s+([./\w-]+\.\w+)\s+line\s+(\d+)`),
	regexp.MustCompile(`(?m)([./\w-]+\.\w+)\[(\d+)\]`),
}

func parseGenericFallback(text string) *models.StackTrace {
	trace := &models.StackTrace{Language: models.LanguageUnknown}

	for _, re := range genericFrameRegexes {
		matches := re.FindAllStringSubmatch(text, -1)
		if len(matches) == 0 {
			continue
		}
		for _, m := range matches {
			ln, err := strconv.Atoi(m[2])
			if err != nil || ln < 0 {
				continue
			}
			trace.Frames = append(trace.Frames, models.StackFrame{
				FilePath:   m[1],
				LineNumber: ln,
			})
		}
		if len(trace.Frames) > 0 {
			break // first regex that yields any frames wins
		}
	}
	return trace
}

// --- relevance scoring -----------------------------------------------------

var systemMarkers = []string{
	"site-packages", "node_modules", "vendor/", "/usr/lib", "/usr/local/lib",
	"java.", "javax.", "sun.", "go/pkg/mod", "dist-packages",
}
var appMarkers = []string{"src/", "app/", "internal/", "pkg/", "lib/"}
var genericFunctionNames = map[string]bool{
	"main": true, "run": true, "execute": true, "process": true, "handle": true,
	"call": true, "invoke": true, "<anonymous>": true,
}
var errorHandlingNames = []string{"error", "exception", "catch", "fail", "panic", "recover", "throw"}
var frameworkBonusMarkers = map[models.Language][]string{
	models.LanguagePython: {"django", "flask", "fastapi"},
	models.LanguageJS:     {"express", "react", "next"},
	models.LanguageJava:   {"springframework", "hibernate"},
}

// scoreRelevance implements the algorithm of spec §4.1: start at 1.0,
// subtract a position penalty, apply path/function/framework
// multipliers, clamp to [0,1].
func scoreRelevance(trace *models.StackTrace) {
	n := len(trace.Frames)
	for i := range trace.Frames {
		f := &trace.Frames[i]
		score := 1.0

		if n > 1 {
			score -= (float64(i) / float64(n-1)) * 0.3
		}

		lowerPath := strings.ToLower(f.FilePath)
		if containsAny(lowerPath, systemMarkers) {
			score *= 0.5
		} else if containsAny(lowerPath, appMarkers) {
			score *= 1.2
		}

		lowerFn := strings.ToLower(f.FunctionName)
		if genericFunctionNames[lowerFn] {
			score *= 0.8
		} else if containsAny(lowerFn, errorHandlingNames) {
			score *= 1.3
		}

		if containsAny(lowerPath, frameworkBonusMarkers[trace.Language]) {
			score *= 1.1
		}

		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		f.Relevance = score
	}
}

// scoreFallbackRelevance implements the decaying relevance assigned to
// frames recovered via the generic-regex fallback path (spec §4.1):
// max(0.1, 1 - i*0.1).
func scoreFallbackRelevance(trace *models.StackTrace) {
	for i := range trace.Frames {
		r := 1.0 - float64(i)*0.1
		if r < 0.1 {
			r = 0.1
		}
		trace.Frames[i].Relevance = r
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
