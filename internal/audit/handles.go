package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skillrunner/agent-harness/internal/errs"
	"github.com/skillrunner/agent-harness/internal/fslock"
)

// HandleIndexFile is the index filename under the run root.
const HandleIndexFile = "interactive-handles.json"

// HandleMetadata is the per-handle record in the interactive handle index.
type HandleMetadata struct {
	Engine          string   `json:"engine"`
	RunID           string   `json:"run_id"`
	RunDir          string   `json:"run_dir"`
	SessionID       string   `json:"session_id"`
	TranslateLevel  int      `json:"translate_level"`
	PassthroughArgs []string `json:"passthrough_args"`
	UpdatedAt       string   `json:"updated_at"`
}

// HandleIndex maps 8-hex handles to their metadata.
type HandleIndex struct {
	Handles map[string]HandleMetadata `json:"handles"`
}

// ValidHandle reports whether h has the canonical 8-hex lower-case form.
func ValidHandle(h string) bool {
	if len(h) != 8 {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func handleIndexPath(runRoot string) string {
	return filepath.Join(runRoot, HandleIndexFile)
}

// LoadHandleIndex reads the index. A missing or empty file is an empty
// index; a file that does not parse as the index document is a
// HANDLE_INDEX_INVALID error so corruption never gets silently clobbered on
// the next write.
func LoadHandleIndex(runRoot string) (*HandleIndex, error) {
	empty := &HandleIndex{Handles: map[string]HandleMetadata{}}
	b, err := os.ReadFile(handleIndexPath(runRoot))
	if err != nil {
		return empty, nil
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return empty, nil
	}
	var loaded HandleIndex
	if err := json.Unmarshal(b, &loaded); err != nil {
		return nil, errs.Wrap(errs.CodeHandleIndexInvalid, err, "handle index %s is structurally invalid", handleIndexPath(runRoot))
	}
	if loaded.Handles == nil {
		loaded.Handles = map[string]HandleMetadata{}
	}
	return &loaded, nil
}

// SaveHandleIndex atomically rewrites the index under the advisory lock.
func SaveHandleIndex(runRoot string, idx *HandleIndex) error {
	if idx.Handles == nil {
		idx.Handles = map[string]HandleMetadata{}
	}
	path := handleIndexPath(runRoot)
	return fslock.WithLock(path, func() error {
		b, err := json.MarshalIndent(idx, "", "  ")
		if err != nil {
			return err
		}
		return fslock.WriteFileAtomic(path, append(b, '\n'), 0o644)
	})
}

// AssignHandle records metadata for a run's detected session, reusing the
// preferred handle when it is well formed, deriving one from the run id's
// trailing hex otherwise, and rerolling random handles on collision.
func AssignHandle(runRoot, runID string, meta HandleMetadata, preferred string) (string, error) {
	path := handleIndexPath(runRoot)
	var assigned string
	err := fslock.WithLock(path, func() error {
		idx, err := LoadHandleIndex(runRoot)
		if err != nil {
			return err
		}

		handle := strings.ToLower(strings.TrimSpace(preferred))
		if !ValidHandle(handle) {
			handle = deriveHandleFromRunID(runID)
		}
		// A valid preferred/derived handle may already be owned by another
		// run; only then do we reroll.
		for handle == "" || collides(idx, handle, runID) {
			handle = randomHex8()
		}

		meta.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		idx.Handles[handle] = meta

		b, err := json.MarshalIndent(idx, "", "  ")
		if err != nil {
			return err
		}
		if err := fslock.WriteFileAtomic(path, append(b, '\n'), 0o644); err != nil {
			return err
		}
		assigned = handle
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("assign handle: %w", err)
	}
	return assigned, nil
}

func collides(idx *HandleIndex, handle, runID string) bool {
	existing, ok := idx.Handles[handle]
	return ok && existing.RunID != runID
}

func deriveHandleFromRunID(runID string) string {
	if len(runID) >= 8 {
		tail := strings.ToLower(runID[len(runID)-8:])
		if ValidHandle(tail) {
			return tail
		}
	}
	return ""
}

// LoadHandleMetadata resolves a handle to its metadata.
func LoadHandleMetadata(runRoot, handle string) (HandleMetadata, error) {
	if !ValidHandle(handle) {
		return HandleMetadata{}, errs.New(errs.CodeInvalidHandle, "handle %q is not 8 lowercase hex characters", handle)
	}
	idx, err := LoadHandleIndex(runRoot)
	if err != nil {
		return HandleMetadata{}, err
	}
	meta, ok := idx.Handles[handle]
	if !ok {
		return HandleMetadata{}, errs.New(errs.CodeHandleNotFound, "handle %q not found in %s", handle, handleIndexPath(runRoot))
	}
	return meta, nil
}
