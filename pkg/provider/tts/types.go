package tts

import "strings"

// Voice describes one entry of a provider's voice catalogue.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name. Voice selection matches
	// preference keywords against it.
	Name string

	// Language is a BCP-47 tag or bare language code ("en-US", "en") when the
	// provider reports one.
	Language string

	// Provider identifies which TTS backend this voice belongs to.
	Provider string

	// Metadata holds provider-specific attributes (gender, accent, category).
	Metadata map[string]string
}

// IsEnglish reports whether the voice is tagged as English, either through
// its language code, an "accent"/"language" label, or its name.
func (v Voice) IsEnglish() bool {
	lang := strings.ToLower(v.Language)
	if lang == "en" || strings.HasPrefix(lang, "en-") || strings.HasPrefix(lang, "en_") {
		return true
	}
	for _, k := range []string{"language", "accent"} {
		val := strings.ToLower(v.Metadata[k])
		if val == "en" || strings.Contains(val, "english") || strings.Contains(val, "american") || strings.Contains(val, "british") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(v.Name), "english")
}
