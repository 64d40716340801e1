package authflow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/skillrunner/agent-harness/internal/errs"
)

// pkcePair is an RFC 7636 verifier/challenge pair (S256 only).
type pkcePair struct {
	Verifier  string
	Challenge string
}

func newPKCEPair() (pkcePair, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return pkcePair{}, errs.Wrap(errs.CodeAuthFlowInvalid, err, "generate pkce verifier")
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	return pkcePair{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// newStateToken mints the single-use OAuth state parameter.
func newStateToken() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", errs.Wrap(errs.CodeAuthFlowInvalid, err, "generate state token")
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
