// Package audit owns the durable per-run layout: run directory resolution,
// the attempt-numbered audit bundle, filesystem snapshots, and the
// interactive handle index.
package audit

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/skillrunner/agent-harness/internal/errs"
)

var hexSuffixRe = regexp.MustCompile(`^[0-9a-fA-F]{8}$`)

// NewRunID builds the canonical run id for a fresh run.
func NewRunID(engine string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", now.UTC().Format("20060102T150405"), engine, randomHex8())
}

func randomHex8() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// time-derived suffix rather than aborting run creation.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}

// ResolveOrCreateRunDir maps a run selector to a concrete run directory.
//
// Selector forms:
//   - empty: create run_root/<UTC timestamp>-<engine>-<8 hex>, failing if the
//     generated path already exists
//   - absolute path: create if absent, reuse otherwise
//   - 8-hex suffix: reuse the run_root entry whose name ends with the suffix
//     (case-insensitive); ties break on greatest mtime
//   - anything else: a plain name under run_root, create if absent
func ResolveOrCreateRunDir(runRoot, engine, selector string) (string, error) {
	selector = strings.TrimSpace(selector)

	if selector == "" {
		runID := NewRunID(engine, time.Now())
		dir := filepath.Join(runRoot, runID)
		if _, err := os.Stat(dir); err == nil {
			return "", errs.New(errs.CodeInvalidRunSelector, "generated run directory already exists: %s", dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create run directory: %w", err)
		}
		return dir, nil
	}

	if filepath.IsAbs(selector) {
		dir := filepath.Clean(selector)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create run directory: %w", err)
		}
		return dir, nil
	}

	if hexSuffixRe.MatchString(selector) {
		dir, err := findRunDirBySuffix(runRoot, selector)
		if err != nil {
			return "", err
		}
		return dir, nil
	}

	dir := filepath.Join(runRoot, selector)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run directory: %w", err)
	}
	return dir, nil
}

func findRunDirBySuffix(runRoot, suffix string) (string, error) {
	want := strings.ToLower(suffix)
	entries, err := os.ReadDir(runRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.New(errs.CodeRunSelectorNotFound, "no run matches suffix %q", suffix)
		}
		return "", fmt.Errorf("scan run root: %w", err)
	}

	var best string
	var bestMtime time.Time
	found := false
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(e.Name()), want) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !found || info.ModTime().After(bestMtime) {
			best = filepath.Join(runRoot, e.Name())
			bestMtime = info.ModTime()
			found = true
		}
	}
	if !found {
		return "", errs.New(errs.CodeRunSelectorNotFound, "no run matches suffix %q", suffix)
	}
	return best, nil
}

// RunIDFromDir derives the run id from the run directory name.
func RunIDFromDir(runDir string) string {
	return filepath.Base(filepath.Clean(runDir))
}

// AttemptPaths is the fixed thirteen-file audit bundle of one attempt.
type AttemptPaths struct {
	Attempt int

	Meta              string
	StdinLog          string
	StdoutLog         string
	StderrLog         string
	PTYOutputLog      string
	FSBefore          string
	FSAfter           string
	FSDiff            string
	Events            string
	FCMPEvents        string
	ParserDiagnostics string
	ProtocolMetrics   string
	ConformanceReport string
}

// All returns the bundle paths in their canonical enumeration order.
func (p AttemptPaths) All() []string {
	return []string{
		p.Meta, p.StdinLog, p.StdoutLog, p.StderrLog, p.PTYOutputLog,
		p.FSBefore, p.FSAfter, p.FSDiff,
		p.Events, p.FCMPEvents, p.ParserDiagnostics, p.ProtocolMetrics, p.ConformanceReport,
	}
}

var metaFileRe = regexp.MustCompile(`^meta\.(\d+)\.json$`)

// AuditDir returns the audit directory for a run.
func AuditDir(runDir string) string { return filepath.Join(runDir, ".audit") }

// ResolveNextAttemptPaths scans .audit/ for existing meta files and returns
// the bundle for attempt max+1 (1 when the directory is empty or absent).
func ResolveNextAttemptPaths(runDir string) (AttemptPaths, error) {
	auditDir := AuditDir(runDir)
	if err := os.MkdirAll(auditDir, 0o755); err != nil {
		return AttemptPaths{}, fmt.Errorf("create audit directory: %w", err)
	}

	max := 0
	entries, err := os.ReadDir(auditDir)
	if err != nil {
		return AttemptPaths{}, fmt.Errorf("scan audit directory: %w", err)
	}
	for _, e := range entries {
		m := metaFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return AttemptPathsFor(runDir, max+1), nil
}

// AttemptPathsFor returns the bundle paths for a specific attempt number.
func AttemptPathsFor(runDir string, attempt int) AttemptPaths {
	auditDir := AuditDir(runDir)
	n := strconv.Itoa(attempt)
	join := func(stem, ext string) string {
		return filepath.Join(auditDir, stem+"."+n+"."+ext)
	}
	return AttemptPaths{
		Attempt:           attempt,
		Meta:              join("meta", "json"),
		StdinLog:          join("stdin", "log"),
		StdoutLog:         join("stdout", "log"),
		StderrLog:         join("stderr", "log"),
		PTYOutputLog:      join("pty-output", "log"),
		FSBefore:          join("fs-before", "json"),
		FSAfter:           join("fs-after", "json"),
		FSDiff:            join("fs-diff", "json"),
		Events:            join("events", "jsonl"),
		FCMPEvents:        join("fcmp_events", "jsonl"),
		ParserDiagnostics: join("parser_diagnostics", "jsonl"),
		ProtocolMetrics:   join("protocol_metrics", "json"),
		ConformanceReport: join("conformance_report", "json"),
	}
}

// AttemptFinalized reports whether every file of the bundle exists. A partial
// set marks a crash-in-progress attempt.
func AttemptFinalized(p AttemptPaths) bool {
	for _, path := range p.All() {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}
