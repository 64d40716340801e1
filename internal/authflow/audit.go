package authflow

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// AuditLog writes the append-only per-session event trail. One directory per
// session holds events.jsonl plus raw captures (http_trace.log, pty.log,
// stdin.log) written by the drivers.
type AuditLog struct {
	dir string

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// AuditEvent is one line of events.jsonl.
type AuditEvent struct {
	EventID   string         `json:"event_id"`
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// OpenAuditLog creates the session directory and returns a log bound to it.
func OpenAuditLog(dir string) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create auth session dir: %w", err)
	}
	return &AuditLog{
		dir:     dir,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

// Dir returns the session directory.
func (l *AuditLog) Dir() string { return l.dir }

// Append writes one event line. Failures are returned but callers treat them
// as non-fatal; the flow itself must not die on audit trouble.
func (l *AuditLog) Append(s *Session, kind string, detail map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	ev := AuditEvent{
		EventID:   ulid.MustNew(ulid.Timestamp(now), l.entropy).String(),
		Timestamp: now.Format(time.RFC3339Nano),
		SessionID: s.SessionID,
		Kind:      kind,
		Status:    string(s.Status),
		Detail:    detail,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(l.dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// TracePath returns the raw HTTP trace file path for proxy drivers.
func (l *AuditLog) TracePath() string { return filepath.Join(l.dir, "http_trace.log") }

// PTYLogPath returns the PTY output capture path for delegated drivers.
func (l *AuditLog) PTYLogPath() string { return filepath.Join(l.dir, "pty.log") }

// StdinLogPath returns the forwarded-input capture path for delegated drivers.
func (l *AuditLog) StdinLogPath() string { return filepath.Join(l.dir, "stdin.log") }

// AppendTrace appends one redacted HTTP exchange to http_trace.log.
func (l *AuditLog) AppendTrace(direction, summary string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.TracePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s %s\n", time.Now().UTC().Format(time.RFC3339Nano), direction, summary)
}
