package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skillrunner/agent-harness/internal/skillpatch"
)

func writeSkill(t *testing.T, root, name, body string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestInjectCopiesAndPatches(t *testing.T) {
	src := t.TempDir()
	writeSkill(t, src, "review", "# Review\ninstructions\n")
	writeSkill(t, src, "deploy", "# Deploy\n")
	if err := os.WriteFile(filepath.Join(src, "review", "helper.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	runDir := t.TempDir()
	rec, err := Inject(runDir, "codex", []string{src})
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if !rec.Supported {
		t.Fatal("codex should be a supported engine")
	}
	if rec.SkillCount != 2 {
		t.Fatalf("skill count = %d, want 2", rec.SkillCount)
	}
	// Discovery sorts by name.
	if rec.Skills[0] != "deploy" || rec.Skills[1] != "review" {
		t.Fatalf("skills = %v", rec.Skills)
	}
	if rec.AppendedCompletionContractCount != 2 {
		t.Fatalf("appended count = %d", rec.AppendedCompletionContractCount)
	}

	patched, err := os.ReadFile(filepath.Join(runDir, ".codex", "skills", "review", "SKILL.md"))
	if err != nil {
		t.Fatalf("read injected SKILL.md: %v", err)
	}
	if !strings.Contains(string(patched), skillpatch.ContractMarker) {
		t.Fatal("contract marker missing from injected SKILL.md")
	}
	if !strings.Contains(string(patched), skillpatch.DoneMarker) {
		t.Fatal("done marker missing from injected SKILL.md")
	}
	if _, err := os.Stat(filepath.Join(runDir, ".codex", "skills", "review", "helper.sh")); err != nil {
		t.Fatalf("extra skill file not copied: %v", err)
	}
}

func TestInjectIdempotent(t *testing.T) {
	src := t.TempDir()
	writeSkill(t, src, "review", "# Review\n")
	runDir := t.TempDir()

	if _, err := Inject(runDir, "gemini", []string{src}); err != nil {
		t.Fatalf("first inject: %v", err)
	}
	first, err := os.ReadFile(filepath.Join(runDir, ".gemini", "skills", "review", "SKILL.md"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Inject(runDir, "gemini", []string{src}); err != nil {
		t.Fatalf("second inject: %v", err)
	}
	second, err := os.ReadFile(filepath.Join(runDir, ".gemini", "skills", "review", "SKILL.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Fatal("repeated injection changed the patched file")
	}
	if strings.Count(string(second), skillpatch.ContractMarker) != 1 {
		t.Fatal("contract appended more than once")
	}
}

func TestInjectSkipsHiddenAndMarkerlessDirs(t *testing.T) {
	src := t.TempDir()
	writeSkill(t, src, "real", "# Real\n")
	writeSkill(t, src, ".hidden", "# Hidden\n")
	if err := os.MkdirAll(filepath.Join(src, "no-marker"), 0o755); err != nil {
		t.Fatal(err)
	}

	rec, err := Inject(t.TempDir(), "iflow", []string{src})
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if rec.SkillCount != 1 || rec.Skills[0] != "real" {
		t.Fatalf("skills = %v", rec.Skills)
	}
}

func TestInjectUnsupportedEngine(t *testing.T) {
	rec, err := Inject(t.TempDir(), "cursor", []string{t.TempDir()})
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if rec.Supported {
		t.Fatal("cursor should be unsupported")
	}
	if rec.SkillCount != 0 || rec.TargetRoot != "" {
		t.Fatalf("inert record not inert: %+v", rec)
	}
}

func TestInjectMissingSourceRoot(t *testing.T) {
	rec, err := Inject(t.TempDir(), "opencode", []string{filepath.Join(t.TempDir(), "does-not-exist")})
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if rec.SkillCount != 0 {
		t.Fatalf("skills from a missing root: %+v", rec)
	}
}

func TestSourceRoots(t *testing.T) {
	roots := SourceRoots("/proj")
	if len(roots) != 2 {
		t.Fatalf("roots = %v", roots)
	}
	if roots[0] != filepath.Join("/proj", "skills") {
		t.Fatalf("roots[0] = %s", roots[0])
	}
}
