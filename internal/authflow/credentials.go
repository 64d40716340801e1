package authflow

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/skillrunner/agent-harness/internal/errs"
	"github.com/skillrunner/agent-harness/internal/fslock"
)

// TokenSet is the provider-agnostic result of a completed flow.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
}

// Fingerprint is a short non-reversible digest of the access credential,
// safe to put in audit events.
func (t TokenSet) Fingerprint() string {
	material := t.AccessToken
	if material == "" {
		material = t.APIKey
	}
	if material == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(material))
	return hex.EncodeToString(sum[:8])
}

// persistCredentials writes the engine-native credential file, mode 0600,
// atomically under the file lock. Each engine keeps its own on-disk shape.
func persistCredentials(path, engine string, tokens TokenSet) error {
	if path == "" {
		return errs.New(errs.CodeAuthFlowInvalid, "no credential path for engine %q", engine)
	}
	payload, err := encodeCredentials(engine, tokens)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.CodeAuthFlowInvalid, err, "create credential dir")
	}
	return fslock.WithLock(path, func() error {
		if err := fslock.WriteFileAtomic(path, payload, 0o600); err != nil {
			return errs.Wrap(errs.CodeAuthFlowInvalid, err, "write credentials")
		}
		return nil
	})
}

func encodeCredentials(engine string, tokens TokenSet) ([]byte, error) {
	now := time.Now()
	var doc any
	switch engine {
	case "codex":
		doc = map[string]any{
			"OPENAI_API_KEY": nil,
			"tokens": map[string]any{
				"access_token":  tokens.AccessToken,
				"refresh_token": tokens.RefreshToken,
				"id_token":      tokens.IDToken,
			},
			"last_refresh": now.UTC().Format(time.RFC3339),
		}
	case "gemini", "antigravity":
		expiry := now.Add(time.Duration(tokens.ExpiresIn) * time.Second)
		doc = map[string]any{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"id_token":      tokens.IDToken,
			"token_type":    tokens.TokenType,
			"expiry_date":   expiry.UnixMilli(),
		}
	case "iflow":
		doc = []any{map[string]any{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"apiKey":        tokens.APIKey,
			"expiry":        now.Add(time.Duration(tokens.ExpiresIn) * time.Second).UTC().Format(time.RFC3339),
		}}
	case "opencode":
		entry := map[string]any{"type": "oauth", "access": tokens.AccessToken, "refresh": tokens.RefreshToken}
		if tokens.APIKey != "" {
			entry = map[string]any{"type": "api", "key": tokens.APIKey}
		}
		doc = map[string]any{"opencode": entry}
	default:
		return nil, errs.New(errs.CodeAuthFlowInvalid, "unknown credential layout for engine %q", engine)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// backupCredentialFile copies the current credential file aside and returns
// the backup path, or "" when nothing exists to back up.
func backupCredentialFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	backup := path + ".pre-auth.bak"
	if err := fslock.WriteFileAtomic(backup, data, 0o600); err != nil {
		return "", err
	}
	return backup, nil
}

// restoreCredentialBackup puts the backed-up file back and removes the backup.
func restoreCredentialBackup(path, backup string) error {
	if backup == "" {
		return nil
	}
	data, err := os.ReadFile(backup)
	if err != nil {
		return err
	}
	if err := fslock.WriteFileAtomic(path, data, 0o600); err != nil {
		return err
	}
	return os.Remove(backup)
}
