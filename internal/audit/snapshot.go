package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// snapshotIgnorePrefixes are the reserved run-directory prefixes excluded
// from every snapshot. The rules are fixed; engines own those subtrees.
var snapshotIgnorePrefixes = []string{
	".audit/", "interactions/", ".codex/", ".gemini/", ".iflow/", ".opencode/",
}

const snapshotIgnoreFile = "opencode.json"

// SnapshotEntry is one observed file in a run directory.
type SnapshotEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
	MTime  string `json:"mtime"`
}

// Snapshot is an ordered filesystem snapshot of a run directory.
type Snapshot struct {
	Entries []SnapshotEntry `json:"entries"`
}

// SnapshotFilesystem walks runDir and records every regular file outside the
// reserved prefixes, sorted by path so equal trees yield identical JSON.
func SnapshotFilesystem(runDir string) (*Snapshot, error) {
	snap := &Snapshot{Entries: []SnapshotEntry{}}
	err := filepath.WalkDir(runDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(runDir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if snapshotIgnored(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if snapshotIgnored(rel) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		digest, hashErr := hashFile(path)
		if hashErr != nil {
			return hashErr
		}
		snap.Entries = append(snap.Entries, SnapshotEntry{
			Path:   rel,
			Size:   info.Size(),
			SHA256: digest,
			MTime:  info.ModTime().UTC().Format("2006-01-02T15:04:05.000000Z"),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", runDir, err)
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Path < snap.Entries[j].Path })
	return snap, nil
}

func snapshotIgnored(rel string) bool {
	if rel == snapshotIgnoreFile {
		return true
	}
	for _, prefix := range snapshotIgnorePrefixes {
		if strings.HasPrefix(rel, prefix) || rel+"/" == prefix {
			return true
		}
	}
	return false
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DiffModified records a content change between two snapshots.
type DiffModified struct {
	Path         string `json:"path"`
	BeforeSHA256 string `json:"before_sha256"`
	AfterSHA256  string `json:"after_sha256"`
	BeforeSize   int64  `json:"before_size"`
	AfterSize    int64  `json:"after_size"`
}

// SnapshotDiff is the created/modified/deleted delta of two snapshots.
type SnapshotDiff struct {
	Created  []SnapshotEntry `json:"created"`
	Modified []DiffModified  `json:"modified"`
	Deleted  []SnapshotEntry `json:"deleted"`
}

// DiffSnapshot computes the delta from before to after. Output slices stay
// path-sorted because the inputs are.
func DiffSnapshot(before, after *Snapshot) *SnapshotDiff {
	diff := &SnapshotDiff{Created: []SnapshotEntry{}, Modified: []DiffModified{}, Deleted: []SnapshotEntry{}}
	prev := make(map[string]SnapshotEntry, len(before.Entries))
	for _, e := range before.Entries {
		prev[e.Path] = e
	}
	seen := make(map[string]bool, len(after.Entries))
	for _, e := range after.Entries {
		seen[e.Path] = true
		old, ok := prev[e.Path]
		if !ok {
			diff.Created = append(diff.Created, e)
			continue
		}
		if old.SHA256 != e.SHA256 {
			diff.Modified = append(diff.Modified, DiffModified{
				Path:         e.Path,
				BeforeSHA256: old.SHA256,
				AfterSHA256:  e.SHA256,
				BeforeSize:   old.Size,
				AfterSize:    e.Size,
			})
		}
	}
	for _, e := range before.Entries {
		if !seen[e.Path] {
			diff.Deleted = append(diff.Deleted, e)
		}
	}
	return diff
}

// MarshalSnapshotJSON serializes a snapshot deterministically.
func MarshalSnapshotJSON(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
