// Package cmdprofile resolves default CLI arguments per engine action and
// merges them with explicit arguments under option-override semantics.
package cmdprofile

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Profile is the optional static argument profile loaded at startup.
type Profile struct {
	// Engines maps engine → action → default argv fragment.
	Engines map[string]map[string][]string `json:"engines"`
}

// Load reads a JSON profile. A missing file yields an empty profile.
func Load(path string) (*Profile, error) {
	if strings.TrimSpace(path) == "" {
		return &Profile{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Profile{}, nil
		}
		return nil, fmt.Errorf("read command profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode command profile %s: %w", path, err)
	}
	return &p, nil
}

// ResolveArgs returns the profile defaults for an engine action, or nil.
func (p *Profile) ResolveArgs(engine, action string) []string {
	if p == nil || p.Engines == nil {
		return nil
	}
	actions, ok := p.Engines[strings.ToLower(engine)]
	if !ok {
		return nil
	}
	return append([]string(nil), actions[action]...)
}

// optionKey extracts the key portion of an option token: the text before the
// first '=', or the whole token when no '=' is present.
func optionKey(token string) string {
	if i := strings.IndexByte(token, '='); i >= 0 {
		return token[:i]
	}
	return token
}

func isOption(token string) bool {
	return strings.HasPrefix(token, "-")
}

// MergeCLIArgs overlays explicit arguments onto defaults. An explicit option
// shadows a matching default option including its value position; positional
// tokens keep their order (defaults first) and are de-duplicated by exact
// string.
func MergeCLIArgs(defaults, explicit []string) []string {
	explicitKeys := map[string]bool{}
	for i := 0; i < len(explicit); i++ {
		if isOption(explicit[i]) {
			explicitKeys[optionKey(explicit[i])] = true
		}
	}

	var merged []string
	seenPositional := map[string]bool{}

	appendToken := func(tokens []string, i int) int {
		token := tokens[i]
		if !isOption(token) {
			if seenPositional[token] {
				return i
			}
			seenPositional[token] = true
			merged = append(merged, token)
			return i
		}
		merged = append(merged, token)
		// A separate value token belongs to its option when the option
		// carries no inline '=' value.
		if !strings.Contains(token, "=") && i+1 < len(tokens) && !isOption(tokens[i+1]) {
			i++
			merged = append(merged, tokens[i])
		}
		return i
	}

	for i := 0; i < len(defaults); i++ {
		token := defaults[i]
		if isOption(token) {
			if explicitKeys[optionKey(token)] {
				// Shadowed: skip the option and its value position.
				if !strings.Contains(token, "=") && i+1 < len(defaults) && !isOption(defaults[i+1]) {
					i++
				}
				continue
			}
		}
		i = appendToken(defaults, i)
	}
	for i := 0; i < len(explicit); i++ {
		i = appendToken(explicit, i)
	}
	return merged
}
