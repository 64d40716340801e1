package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skillrunner/agent-harness/internal/errs"
)

func TestNewRunIDShape(t *testing.T) {
	id := NewRunID("codex", time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	want := "20260304T050607-codex-"
	if len(id) != len(want)+8 || id[:len(want)] != want {
		t.Fatalf("run id %q does not match %q<8 hex>", id, want)
	}
	if !hexSuffixRe.MatchString(id[len(want):]) {
		t.Fatalf("run id suffix %q is not 8 hex", id[len(want):])
	}
}

func TestResolveRunDirEmptySelectorCreates(t *testing.T) {
	root := t.TempDir()
	dir, err := ResolveOrCreateRunDir(root, "codex", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if filepath.Dir(dir) != root {
		t.Fatalf("run dir %q not under root %q", dir, root)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("run dir not created: %v", err)
	}
}

func TestResolveRunDirNamedSelectorReused(t *testing.T) {
	root := t.TempDir()
	first, err := ResolveOrCreateRunDir(root, "codex", "manual-run")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := ResolveOrCreateRunDir(root, "codex", "manual-run")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first != second {
		t.Fatalf("selector reuse mismatch: %q vs %q", first, second)
	}
}

func TestResolveRunDirHexSuffix(t *testing.T) {
	root := t.TempDir()
	name := "20260101T000000-codex-deadbeef"
	if err := os.MkdirAll(filepath.Join(root, name), 0o755); err != nil {
		t.Fatal(err)
	}

	dir, err := ResolveOrCreateRunDir(root, "codex", "DEADBEEF")
	if err != nil {
		t.Fatalf("resolve by suffix: %v", err)
	}
	if filepath.Base(dir) != name {
		t.Fatalf("resolved %q, want %q", dir, name)
	}

	if _, err := ResolveOrCreateRunDir(root, "codex", "0badf00d"); errs.CodeOf(err) != errs.CodeRunSelectorNotFound {
		t.Fatalf("missing suffix: got %v, want RUN_SELECTOR_NOT_FOUND", err)
	}
}

func TestResolveRunDirHexSuffixTieBreaksOnMtime(t *testing.T) {
	root := t.TempDir()
	older := filepath.Join(root, "20260101T000000-codex-cafecafe")
	newer := filepath.Join(root, "20260202T000000-gemini-CAFECAFE")
	for _, d := range []string{older, newer} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, past, past); err != nil {
		t.Fatal(err)
	}

	dir, err := ResolveOrCreateRunDir(root, "codex", "cafecafe")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dir != newer {
		t.Fatalf("tie-break picked %q, want most recent %q", dir, newer)
	}
}

func TestResolveNextAttemptPathsNumbering(t *testing.T) {
	runDir := t.TempDir()

	p1, err := ResolveNextAttemptPaths(runDir)
	if err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if p1.Attempt != 1 {
		t.Fatalf("first attempt number = %d, want 1", p1.Attempt)
	}
	if err := os.WriteFile(p1.Meta, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Non-meta and malformed names must not affect numbering.
	for _, name := range []string{"stdout.9.log", "meta.x.json", "meta..json"} {
		if err := os.WriteFile(filepath.Join(AuditDir(runDir), name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	p2, err := ResolveNextAttemptPaths(runDir)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if p2.Attempt != 2 {
		t.Fatalf("second attempt number = %d, want 2", p2.Attempt)
	}
}

func TestAttemptBundleHasThirteenFiles(t *testing.T) {
	p := AttemptPathsFor("/tmp/run", 3)
	all := p.All()
	if len(all) != 13 {
		t.Fatalf("bundle has %d files, want 13", len(all))
	}
	seen := map[string]bool{}
	for _, path := range all {
		if path == "" {
			t.Fatal("bundle contains empty path")
		}
		if seen[path] {
			t.Fatalf("duplicate bundle path %q", path)
		}
		seen[path] = true
	}
	if filepath.Base(p.Meta) != "meta.3.json" {
		t.Fatalf("meta path %q", p.Meta)
	}
}

func TestAttemptFinalized(t *testing.T) {
	runDir := t.TempDir()
	p, err := ResolveNextAttemptPaths(runDir)
	if err != nil {
		t.Fatal(err)
	}
	if AttemptFinalized(p) {
		t.Fatal("empty bundle reported finalized")
	}
	for _, path := range p.All() {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if !AttemptFinalized(p) {
		t.Fatal("complete bundle reported unfinalized")
	}
}
