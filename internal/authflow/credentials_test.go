package authflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/skillrunner/agent-harness/internal/errs"
)

func TestFingerprint(t *testing.T) {
	a := TokenSet{AccessToken: "token-a"}.Fingerprint()
	b := TokenSet{AccessToken: "token-b"}.Fingerprint()
	if len(a) != 16 || a == b {
		t.Fatalf("fingerprints = %q %q", a, b)
	}
	if again := (TokenSet{AccessToken: "token-a"}).Fingerprint(); again != a {
		t.Fatal("fingerprint not stable")
	}
	if got := (TokenSet{APIKey: "key"}).Fingerprint(); got == "" {
		t.Fatal("api-key-only token set has no fingerprint")
	}
	if got := (TokenSet{}).Fingerprint(); got != "" {
		t.Fatalf("empty token set fingerprint = %q", got)
	}
}

func TestEncodeCredentialsCodex(t *testing.T) {
	raw, err := encodeCredentials("codex", TokenSet{AccessToken: "at", RefreshToken: "rt", IDToken: "it"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if v, ok := doc["OPENAI_API_KEY"]; !ok || v != nil {
		t.Fatalf("OPENAI_API_KEY = %v", v)
	}
	tokens := doc["tokens"].(map[string]any)
	if tokens["access_token"] != "at" || tokens["refresh_token"] != "rt" || tokens["id_token"] != "it" {
		t.Fatalf("tokens = %v", tokens)
	}
	if doc["last_refresh"] == "" {
		t.Fatal("last_refresh missing")
	}
}

func TestEncodeCredentialsGemini(t *testing.T) {
	raw, err := encodeCredentials("gemini", TokenSet{AccessToken: "at", RefreshToken: "rt", TokenType: "Bearer", ExpiresIn: 3600})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["access_token"] != "at" || doc["token_type"] != "Bearer" {
		t.Fatalf("doc = %v", doc)
	}
	if _, ok := doc["expiry_date"].(float64); !ok {
		t.Fatalf("expiry_date = %v", doc["expiry_date"])
	}
}

func TestEncodeCredentialsIFlowIsArray(t *testing.T) {
	raw, err := encodeCredentials("iflow", TokenSet{AccessToken: "at", APIKey: "ak"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var docs []map[string]any
	if err := json.Unmarshal(raw, &docs); err != nil {
		t.Fatalf("iflow credentials must be a JSON array: %v", err)
	}
	if len(docs) != 1 || docs[0]["apiKey"] != "ak" {
		t.Fatalf("docs = %v", docs)
	}
}

func TestEncodeCredentialsOpenCode(t *testing.T) {
	raw, err := encodeCredentials("opencode", TokenSet{AccessToken: "at", RefreshToken: "rt"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var doc map[string]map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["opencode"]["type"] != "oauth" || doc["opencode"]["access"] != "at" {
		t.Fatalf("doc = %v", doc)
	}

	raw, err = encodeCredentials("opencode", TokenSet{APIKey: "key-1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["opencode"]["type"] != "api" || doc["opencode"]["key"] != "key-1" {
		t.Fatalf("doc = %v", doc)
	}
}

func TestEncodeCredentialsUnknownEngine(t *testing.T) {
	if _, err := encodeCredentials("cursor", TokenSet{}); errs.CodeOf(err) != errs.CodeAuthFlowInvalid {
		t.Fatalf("error = %v", err)
	}
}

func TestPersistCredentialsMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".codex", "auth.json")
	if err := persistCredentials(path, "codex", TokenSet{AccessToken: "at"}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("perm = %o", info.Mode().Perm())
	}
	if err := persistCredentials("", "codex", TokenSet{}); err == nil {
		t.Fatal("empty path accepted")
	}
}

func TestBackupAndRestoreCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oauth_creds.json")
	if err := os.WriteFile(path, []byte("original"), 0o600); err != nil {
		t.Fatal(err)
	}

	backup, err := backupCredentialFile(path)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if backup != path+".pre-auth.bak" {
		t.Fatalf("backup path = %s", backup)
	}
	if err := os.WriteFile(path, []byte("clobbered"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := restoreCredentialBackup(path, backup); err != nil {
		t.Fatalf("restore: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "original" {
		t.Fatalf("content = %q", raw)
	}
	if _, err := os.Stat(backup); !os.IsNotExist(err) {
		t.Fatal("backup not removed after restore")
	}
}

func TestBackupMissingFileIsNoop(t *testing.T) {
	backup, err := backupCredentialFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if backup != "" {
		t.Fatalf("backup = %q", backup)
	}
	if err := restoreCredentialBackup("anywhere", ""); err != nil {
		t.Fatalf("restore of empty backup: %v", err)
	}
}
