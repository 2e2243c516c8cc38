package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/LastBotInc/coralie-captions-worker/internal/language"
)

// Participant attribute and metadata keys.
const (
	KeyInputLanguage    = "input_language"
	KeyCaptionsLanguage = "captions_language"
)

// ErrMetadataParse is returned for participant metadata that is not valid JSON.
var ErrMetadataParse = errors.New("malformed participant metadata")

// Preference is the language pair a participant declares when joining.
type Preference struct {
	Input    string `json:"input_language"`
	Captions string `json:"captions_language"`
	IsHost   bool   `json:"isHost,omitempty"`
}

// DefaultPreference is used when metadata is missing or malformed.
func DefaultPreference() Preference {
	return Preference{Input: language.Default, Captions: language.DefaultCaptions}
}

// ParsePreference reads the declared languages from participant metadata.
// Empty metadata yields the defaults. Malformed metadata yields the defaults
// and an error wrapping ErrMetadataParse.
func ParsePreference(metadata string) (Preference, error) {
	pref := DefaultPreference()
	if strings.TrimSpace(metadata) == "" {
		return pref, nil
	}

	var raw Preference
	if err := json.Unmarshal([]byte(metadata), &raw); err != nil {
		return pref, fmt.Errorf("%w: %v", ErrMetadataParse, err)
	}
	if code := strings.TrimSpace(raw.Input); code != "" {
		pref.Input = code
	}
	if code := strings.TrimSpace(raw.Captions); code != "" {
		pref.Captions = code
	}
	pref.IsHost = raw.IsHost
	return pref, nil
}

// Encode renders the preference as participant metadata.
func (p Preference) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
