// Package skills copies skill packages into the per-attempt engine workspace
// and appends the completion contract to each injected SKILL.md exactly once.
package skills

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/skillrunner/agent-harness/internal/skillpatch"
)

// engineSkillRoots maps engines to the workspace-relative skill target root.
var engineSkillRoots = map[string]string{
	"codex":    ".codex/skills",
	"gemini":   ".gemini/skills",
	"iflow":    ".iflow/skills",
	"opencode": ".opencode/skills",
}

// InjectedSkill records one copied skill tree.
type InjectedSkill struct {
	SkillName                  string `json:"skill_name"`
	SourceDirectory            string `json:"source_directory"`
	TargetDirectory            string `json:"target_directory"`
	TargetSkillPath            string `json:"target_skill_path"`
	AppendedCompletionContract bool   `json:"appended_completion_contract"`
}

// Record enumerates the outcome of one injection pass.
type Record struct {
	Supported                       bool            `json:"supported"`
	SourceRoots                     []string        `json:"source_roots"`
	TargetRoot                      string          `json:"target_root"`
	SkillCount                      int             `json:"skill_count"`
	Skills                          []string        `json:"skills"`
	InjectedSkills                  []InjectedSkill `json:"injected_skills"`
	AppendedCompletionContractCount int             `json:"appended_completion_contract_count"`
}

// SourceRoots returns the fixed skill source roots under a project root.
func SourceRoots(projectRoot string) []string {
	return []string{
		filepath.Join(projectRoot, "skills"),
		filepath.Join(projectRoot, "tests", "fixtures", "skills"),
	}
}

// Inject copies every discoverable skill from the source roots into the
// engine's workspace under runDir. Unsupported engines produce an inert
// record.
func Inject(runDir, engine string, sourceRoots []string) (*Record, error) {
	rel, ok := engineSkillRoots[engine]
	if !ok {
		return &Record{Supported: false, SourceRoots: sourceRoots}, nil
	}
	targetRoot := filepath.Join(runDir, filepath.FromSlash(rel))
	rec := &Record{
		Supported:   true,
		SourceRoots: sourceRoots,
		TargetRoot:  targetRoot,
		Skills:      []string{},
	}

	for _, root := range sourceRoots {
		names, err := discoverSkills(root)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			injected, err := injectOne(root, targetRoot, name)
			if err != nil {
				return nil, fmt.Errorf("inject skill %s: %w", name, err)
			}
			rec.Skills = append(rec.Skills, name)
			rec.InjectedSkills = append(rec.InjectedSkills, *injected)
			if injected.AppendedCompletionContract {
				rec.AppendedCompletionContractCount++
			}
		}
	}
	rec.SkillCount = len(rec.InjectedSkills)
	return rec, nil
}

// discoverSkills finds the immediate, non-hidden subdirectories of root that
// carry a top-level SKILL.md.
func discoverSkills(root string) ([]string, error) {
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	matches, err := doublestar.Glob(os.DirFS(root), "*/SKILL.md")
	if err != nil {
		return nil, fmt.Errorf("scan skill root %s: %w", root, err)
	}
	var names []string
	for _, m := range matches {
		name := filepath.Dir(m)
		if strings.HasPrefix(name, ".") || strings.Contains(name, string(filepath.Separator)) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func injectOne(sourceRoot, targetRoot, name string) (*InjectedSkill, error) {
	source := filepath.Join(sourceRoot, name)
	target := filepath.Join(targetRoot, name)

	// A stale target from a previous attempt is replaced wholesale.
	if err := os.RemoveAll(target); err != nil {
		return nil, err
	}
	if err := copyTree(source, target); err != nil {
		return nil, err
	}

	skillPath := filepath.Join(target, "SKILL.md")
	appended, err := appendCompletionContract(skillPath)
	if err != nil {
		return nil, err
	}
	return &InjectedSkill{
		SkillName:                  name,
		SourceDirectory:            source,
		TargetDirectory:            target,
		TargetSkillPath:            skillPath,
		AppendedCompletionContract: appended,
	}, nil
}

// appendCompletionContract appends the patch unless the marker is already
// present, making repeated injection a no-op beyond the first append.
func appendCompletionContract(skillPath string) (bool, error) {
	content, err := os.ReadFile(skillPath)
	if err != nil {
		return false, err
	}
	if strings.Contains(string(content), skillpatch.ContractMarker) {
		return false, nil
	}
	f, err := os.OpenFile(skillPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if _, err := f.WriteString(skillpatch.GenerateCompletionContractPatch()); err != nil {
		return false, err
	}
	return true, nil
}

func copyTree(source, target string) error {
	return filepath.WalkDir(source, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(target, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, dest)
	})
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
