package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/skillrunner/agent-harness/internal/errs"
)

func TestValidHandle(t *testing.T) {
	for h, want := range map[string]bool{
		"deadbeef":  true,
		"01234567":  true,
		"DEADBEEF":  false,
		"deadbee":   false,
		"deadbeeff": false,
		"deadbeeg":  false,
		"":          false,
	} {
		if got := ValidHandle(h); got != want {
			t.Fatalf("ValidHandle(%q) = %v, want %v", h, got, want)
		}
	}
}

func TestLoadHandleIndexMissingOrEmpty(t *testing.T) {
	root := t.TempDir()
	idx, err := LoadHandleIndex(root)
	if err != nil || len(idx.Handles) != 0 {
		t.Fatalf("missing file: idx=%v err=%v", idx, err)
	}
	if err := os.WriteFile(filepath.Join(root, HandleIndexFile), []byte("\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	idx, err = LoadHandleIndex(root)
	if err != nil || len(idx.Handles) != 0 {
		t.Fatalf("empty file: idx=%v err=%v", idx, err)
	}
	if err := os.WriteFile(filepath.Join(root, HandleIndexFile), []byte("{\"handles\": null}"), 0o644); err != nil {
		t.Fatal(err)
	}
	idx, err = LoadHandleIndex(root)
	if err != nil || len(idx.Handles) != 0 {
		t.Fatalf("null handles: idx=%v err=%v", idx, err)
	}
}

func TestLoadHandleIndexRejectsInvalidDocument(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, HandleIndexFile)
	for _, doc := range []string{"{not json", "[]", "{\"handles\": \"nope\"}"} {
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadHandleIndex(root); errs.CodeOf(err) != errs.CodeHandleIndexInvalid {
			t.Fatalf("LoadHandleIndex(%q) err = %v, want %s", doc, err, errs.CodeHandleIndexInvalid)
		}
		if _, err := AssignHandle(root, "r1", HandleMetadata{RunID: "r1"}, ""); errs.CodeOf(err) != errs.CodeHandleIndexInvalid {
			t.Fatalf("AssignHandle over %q err = %v, want %s", doc, err, errs.CodeHandleIndexInvalid)
		}
		if raw, rerr := os.ReadFile(path); rerr != nil || string(raw) != doc {
			t.Fatalf("corrupt index was rewritten: %q %v", raw, rerr)
		}
	}
}

func TestAssignHandleDerivesFromRunID(t *testing.T) {
	root := t.TempDir()
	runID := "20260101T000000-codex-deadbeef"
	handle, err := AssignHandle(root, runID, HandleMetadata{Engine: "codex", RunID: runID, SessionID: "s1"}, "")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if handle != "deadbeef" {
		t.Fatalf("handle = %q, want run-id tail deadbeef", handle)
	}

	meta, err := LoadHandleMetadata(root, handle)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if meta.SessionID != "s1" || meta.Engine != "codex" {
		t.Fatalf("metadata = %+v", meta)
	}
}

func TestAssignHandleRerollsOnCollision(t *testing.T) {
	root := t.TempDir()
	otherRun := "20260101T000000-codex-deadbeef"
	if _, err := AssignHandle(root, otherRun, HandleMetadata{RunID: otherRun}, "deadbeef"); err != nil {
		t.Fatal(err)
	}

	thisRun := "20260202T000000-gemini-ffffffff"
	handle, err := AssignHandle(root, thisRun, HandleMetadata{RunID: thisRun}, "deadbeef")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if handle == "deadbeef" {
		t.Fatal("collision with another run was not rerolled")
	}
	if !ValidHandle(handle) {
		t.Fatalf("rerolled handle %q invalid", handle)
	}
}

func TestAssignHandleStableForSameRun(t *testing.T) {
	root := t.TempDir()
	runID := "20260101T000000-codex-deadbeef"
	first, err := AssignHandle(root, runID, HandleMetadata{RunID: runID, SessionID: "s1"}, "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := AssignHandle(root, runID, HandleMetadata{RunID: runID, SessionID: "s2"}, first)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("re-assign changed handle: %q vs %q", first, second)
	}
	meta, err := LoadHandleMetadata(root, first)
	if err != nil {
		t.Fatal(err)
	}
	if meta.SessionID != "s2" {
		t.Fatalf("metadata not updated: %+v", meta)
	}
}

func TestLoadHandleMetadataErrors(t *testing.T) {
	root := t.TempDir()
	if _, err := LoadHandleMetadata(root, "NOT-HEX!"); errs.CodeOf(err) != errs.CodeInvalidHandle {
		t.Fatalf("invalid handle: got %v", err)
	}
	if _, err := LoadHandleMetadata(root, "deadbeef"); errs.CodeOf(err) != errs.CodeHandleNotFound {
		t.Fatalf("unknown handle: got %v", err)
	}
}
