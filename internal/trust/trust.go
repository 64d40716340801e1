// Package trust registers run directories as trusted folders in the Codex
// and Gemini global configs so the engines skip their interactive trust
// prompts. All mutations are advisory-locked and atomic; malformed config
// files are backed up and replaced with an empty valid document.
package trust

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/skillrunner/agent-harness/internal/fslock"
)

const (
	codexTrustLevel  = "trusted"
	geminiTrustValue = "TRUST_FOLDER"
)

// Manager mutates the engine trust configs under agentHome.
type Manager struct {
	agentHome string
	// runsRoot scopes cleanup: only entries under it are ever removed by
	// CleanupStaleEntries.
	runsRoot string
}

// NewManager builds a manager over the given agent home and runs root.
func NewManager(agentHome, runsRoot string) *Manager {
	return &Manager{agentHome: agentHome, runsRoot: runsRoot}
}

func (m *Manager) codexConfigPath() string {
	return filepath.Join(m.agentHome, ".codex", "config.toml")
}

func (m *Manager) geminiConfigPath() string {
	return filepath.Join(m.agentHome, ".gemini", "trustedFolders.json")
}

// RegisterRunFolder adds or refreshes the trust entry for runDir. iFlow has
// no trust registration and OpenCode is ignored.
func (m *Manager) RegisterRunFolder(engine, runDir string) error {
	abs, err := filepath.Abs(runDir)
	if err != nil {
		return err
	}
	switch engine {
	case "codex":
		return m.mutateCodex(func(projects map[string]any) {
			projects[abs] = map[string]any{"trust_level": codexTrustLevel}
		})
	case "gemini":
		return m.mutateGemini(func(folders map[string]string) {
			folders[abs] = geminiTrustValue
		})
	}
	return nil
}

// RemoveRunFolder deletes the trust entry for runDir.
func (m *Manager) RemoveRunFolder(engine, runDir string) error {
	abs, err := filepath.Abs(runDir)
	if err != nil {
		return err
	}
	switch engine {
	case "codex":
		return m.mutateCodex(func(projects map[string]any) {
			delete(projects, abs)
		})
	case "gemini":
		return m.mutateGemini(func(folders map[string]string) {
			delete(folders, abs)
		})
	}
	return nil
}

// BootstrapParentTrust registers the enclosing runs directory itself, used
// before auth sessions start.
func (m *Manager) BootstrapParentTrust(runsParent string) error {
	for _, engine := range []string{"codex", "gemini"} {
		if err := m.RegisterRunFolder(engine, runsParent); err != nil {
			return err
		}
	}
	return nil
}

// CleanupStaleEntries removes every trust entry whose path lies under the
// runs root but is not in active. Idempotent.
func (m *Manager) CleanupStaleEntries(active map[string]bool) error {
	runsRoot, err := filepath.Abs(m.runsRoot)
	if err != nil {
		return err
	}
	stale := func(path string) bool {
		if !strings.HasPrefix(path, runsRoot+string(filepath.Separator)) {
			return false
		}
		return !active[path]
	}
	if err := m.mutateCodex(func(projects map[string]any) {
		for path := range projects {
			if stale(path) {
				delete(projects, path)
			}
		}
	}); err != nil {
		return err
	}
	return m.mutateGemini(func(folders map[string]string) {
		for path := range folders {
			if stale(path) {
				delete(folders, path)
			}
		}
	})
}

// mutateCodex round-trips the whole config document: decode, mutate only the
// projects table, re-encode. Everything the operator keeps in the file
// outside [projects] survives untouched (modulo whitespace and key order).
func (m *Manager) mutateCodex(mutate func(projects map[string]any)) error {
	path := m.codexConfigPath()
	return fslock.WithLock(path, func() error {
		raw, readErr := os.ReadFile(path)

		var doc map[string]any
		if readErr == nil && len(raw) > 0 {
			if _, err := toml.Decode(string(raw), &doc); err != nil {
				if err := backupMalformed(path, raw); err != nil {
					return err
				}
				doc = nil
			}
		}
		if doc == nil {
			doc = map[string]any{}
		}

		projects, _ := doc["projects"].(map[string]any)
		if projects == nil {
			projects = map[string]any{}
		}
		mutate(projects)
		if len(projects) == 0 {
			delete(doc, "projects")
		} else {
			doc["projects"] = projects
		}

		var b bytes.Buffer
		if err := toml.NewEncoder(&b).Encode(doc); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		return fslock.WriteFileAtomic(path, b.Bytes(), 0o644)
	})
}

func (m *Manager) mutateGemini(mutate func(folders map[string]string)) error {
	path := m.geminiConfigPath()
	return fslock.WithLock(path, func() error {
		folders := map[string]string{}
		raw, readErr := os.ReadFile(path)
		if readErr == nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, &folders); err != nil {
				if err := backupMalformed(path, raw); err != nil {
					return err
				}
				folders = map[string]string{}
			}
		}
		mutate(folders)
		b, err := json.MarshalIndent(folders, "", "  ")
		if err != nil {
			return err
		}
		return fslock.WriteFileAtomic(path, append(b, '\n'), 0o644)
	})
}

func backupMalformed(path string, raw []byte) error {
	if err := os.WriteFile(path+".bak", raw, 0o644); err != nil {
		return fmt.Errorf("back up malformed %s: %w", path, err)
	}
	return nil
}
