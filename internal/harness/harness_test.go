package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/skillrunner/agent-harness/internal/adapters"
	"github.com/skillrunner/agent-harness/internal/audit"
	"github.com/skillrunner/agent-harness/internal/cmdprofile"
	"github.com/skillrunner/agent-harness/internal/errs"
	"github.com/skillrunner/agent-harness/internal/gate"
	"github.com/skillrunner/agent-harness/internal/runtimeprofile"
)

func testHarness(t *testing.T) *Harness {
	t.Helper()
	runRoot := t.TempDir()
	return &Harness{
		Profile:  &runtimeprofile.Profile{RunRoot: runRoot, AgentHome: t.TempDir()},
		Registry: adapters.NewRegistry(func(engine string) (string, error) { return "/usr/local/bin/" + engine, nil }),
		Gate:     gate.New(),
		Cmd:      &cmdprofile.Profile{},
	}
}

func TestStartRejectsUnsupportedEngine(t *testing.T) {
	h := testHarness(t)
	_, err := h.Start(context.Background(), LaunchRequest{Engine: "cursor"})
	if errs.CodeOf(err) != errs.CodeEngineUnsupported {
		t.Fatalf("error = %v", err)
	}
}

func TestStartRefusedWhileGateHeld(t *testing.T) {
	h := testHarness(t)
	if err := h.Gate.Acquire(gate.ScopeAuthFlow, "auth-1", "codex"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := h.Start(context.Background(), LaunchRequest{Engine: "codex"})
	if errs.CodeOf(err) != errs.CodeInteractionBusy {
		t.Fatalf("error = %v", err)
	}
}

func TestResumeRejectsMalformedHandle(t *testing.T) {
	h := testHarness(t)
	_, err := h.Resume(context.Background(), ResumeRequest{Handle: "nothex", Message: "go on", TranslateLevel: -1})
	if errs.CodeOf(err) != errs.CodeInvalidHandle {
		t.Fatalf("error = %v", err)
	}
}

func TestResumeRejectsUnknownHandle(t *testing.T) {
	h := testHarness(t)
	_, err := h.Resume(context.Background(), ResumeRequest{Handle: "deadbeef", Message: "go on", TranslateLevel: -1})
	if errs.CodeOf(err) != errs.CodeHandleNotFound {
		t.Fatalf("error = %v", err)
	}
}

// seedHandle registers handle metadata, creating the run dir when makeDir.
func seedHandle(t *testing.T, h *Harness, meta audit.HandleMetadata, makeDir bool) string {
	t.Helper()
	if makeDir {
		if err := os.MkdirAll(meta.RunDir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	handle, err := audit.AssignHandle(h.Profile.RunRoot, meta.RunID, meta, "")
	if err != nil {
		t.Fatalf("AssignHandle: %v", err)
	}
	return handle
}

func TestResumeRejectsEmptyMessage(t *testing.T) {
	h := testHarness(t)
	runDir := filepath.Join(h.Profile.RunRoot, "20260101T000000-codex-deadbeef")
	handle := seedHandle(t, h, audit.HandleMetadata{
		Engine:    "codex",
		RunID:     "20260101T000000-codex-deadbeef",
		RunDir:    runDir,
		SessionID: "session-1",
	}, true)
	_, err := h.Resume(context.Background(), ResumeRequest{Handle: handle, Message: "   ", TranslateLevel: -1})
	if errs.CodeOf(err) != errs.CodeInvalidResumeMessage {
		t.Fatalf("error = %v", err)
	}
}

func TestResumeRejectsMissingRunDir(t *testing.T) {
	h := testHarness(t)
	runDir := filepath.Join(h.Profile.RunRoot, "20260101T000000-codex-deadbeef")
	handle := seedHandle(t, h, audit.HandleMetadata{
		Engine:    "codex",
		RunID:     "20260101T000000-codex-deadbeef",
		RunDir:    runDir,
		SessionID: "session-1",
	}, false)
	_, err := h.Resume(context.Background(), ResumeRequest{Handle: handle, Message: "go on", TranslateLevel: -1})
	if errs.CodeOf(err) != errs.CodeRunDirectoryMissing {
		t.Fatalf("error = %v", err)
	}
}

func TestResumeRejectsHandleWithoutSession(t *testing.T) {
	h := testHarness(t)
	runDir := filepath.Join(h.Profile.RunRoot, "20260101T000000-codex-deadbeef")
	handle := seedHandle(t, h, audit.HandleMetadata{
		Engine: "codex",
		RunID:  "20260101T000000-codex-deadbeef",
		RunDir: runDir,
	}, true)
	_, err := h.Resume(context.Background(), ResumeRequest{Handle: handle, Message: "go on", TranslateLevel: -1})
	if errs.CodeOf(err) != errs.CodeSessionResumeFailed {
		t.Fatalf("error = %v", err)
	}
}

func TestResumeRejectsUnsupportedStoredEngine(t *testing.T) {
	h := testHarness(t)
	runDir := filepath.Join(h.Profile.RunRoot, "20260101T000000-cursor-deadbeef")
	handle := seedHandle(t, h, audit.HandleMetadata{
		Engine:    "cursor",
		RunID:     "20260101T000000-cursor-deadbeef",
		RunDir:    runDir,
		SessionID: "session-1",
	}, true)
	_, err := h.Resume(context.Background(), ResumeRequest{Handle: handle, Message: "go on", TranslateLevel: -1})
	if errs.CodeOf(err) != errs.CodeHandleMetadataInvalid {
		t.Fatalf("error = %v", err)
	}
}
