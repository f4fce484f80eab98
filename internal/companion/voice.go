package companion

import (
	"strings"

	"github.com/wuwenbin0122/aidanna/internal/apperror"
)

const DefaultVoice = "alloy"

var voices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

// Voices returns the supported speech voices.
func Voices() []string {
	return append([]string(nil), voices...)
}

// ResolveVoice validates raw against the voice set. Empty input selects DefaultVoice.
func ResolveVoice(raw string) (string, error) {
	voice := strings.ToLower(strings.TrimSpace(raw))
	if voice == "" {
		return DefaultVoice, nil
	}
	for _, v := range voices {
		if v == voice {
			return voice, nil
		}
	}
	return "", apperror.InvalidInput("unsupported voice " + `"` + raw + `"` + "; expected one of " + strings.Join(voices, ", "))
}
