package audit

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRunFile(t *testing.T, runDir, rel, content string) {
	t.Helper()
	path := filepath.Join(runDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotExcludesReservedPrefixes(t *testing.T) {
	runDir := t.TempDir()
	writeRunFile(t, runDir, "main.go", "package main")
	writeRunFile(t, runDir, "sub/data.txt", "data")
	writeRunFile(t, runDir, ".audit/meta.1.json", "{}")
	writeRunFile(t, runDir, ".codex/skills/demo/SKILL.md", "skill")
	writeRunFile(t, runDir, "interactions/pending.json", "{}")
	writeRunFile(t, runDir, "opencode.json", "{}")

	snap, err := SnapshotFilesystem(runDir)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	want := []string{"main.go", "sub/data.txt"}
	if len(snap.Entries) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(snap.Entries), len(want), snap.Entries)
	}
	for i, path := range want {
		if snap.Entries[i].Path != path {
			t.Fatalf("entry %d = %q, want %q", i, snap.Entries[i].Path, path)
		}
		if snap.Entries[i].SHA256 == "" {
			t.Fatalf("entry %q has no digest", path)
		}
	}
}

func TestSnapshotDeterministicJSON(t *testing.T) {
	runDir := t.TempDir()
	writeRunFile(t, runDir, "b.txt", "two")
	writeRunFile(t, runDir, "a.txt", "one")

	first, err := SnapshotFilesystem(runDir)
	if err != nil {
		t.Fatal(err)
	}
	second, err := SnapshotFilesystem(runDir)
	if err != nil {
		t.Fatal(err)
	}
	j1, err := MarshalSnapshotJSON(first)
	if err != nil {
		t.Fatal(err)
	}
	j2, err := MarshalSnapshotJSON(second)
	if err != nil {
		t.Fatal(err)
	}
	if string(j1) != string(j2) {
		t.Fatalf("snapshots of the same tree differ:\n%s\n%s", j1, j2)
	}
}

func TestDiffSnapshot(t *testing.T) {
	runDir := t.TempDir()
	writeRunFile(t, runDir, "keep.txt", "same")
	writeRunFile(t, runDir, "change.txt", "v1")
	writeRunFile(t, runDir, "delete.txt", "bye")

	before, err := SnapshotFilesystem(runDir)
	if err != nil {
		t.Fatal(err)
	}

	writeRunFile(t, runDir, "change.txt", "v2 now longer")
	writeRunFile(t, runDir, "new.txt", "hello")
	if err := os.Remove(filepath.Join(runDir, "delete.txt")); err != nil {
		t.Fatal(err)
	}

	after, err := SnapshotFilesystem(runDir)
	if err != nil {
		t.Fatal(err)
	}

	diff := DiffSnapshot(before, after)
	if len(diff.Created) != 1 || diff.Created[0].Path != "new.txt" {
		t.Fatalf("created = %+v", diff.Created)
	}
	if len(diff.Deleted) != 1 || diff.Deleted[0].Path != "delete.txt" {
		t.Fatalf("deleted = %+v", diff.Deleted)
	}
	if len(diff.Modified) != 1 {
		t.Fatalf("modified = %+v", diff.Modified)
	}
	mod := diff.Modified[0]
	if mod.Path != "change.txt" || mod.BeforeSHA256 == mod.AfterSHA256 {
		t.Fatalf("modified entry %+v lacks distinct digests", mod)
	}
}
