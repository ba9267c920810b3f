package keyword

import (
	"slices"
	"strings"
)

// Helper to check a single token against a list of tokens
func TokenInSet(tok string, set []string) bool {
	return slices.Contains(set, tok)
}

// Reports whether any of the configured keywords occurs in the text,
// case-insensitive. Single-word keywords are checked against the token
// stream and the slug (catching punctuation-padded spellings); multi-word
// keywords fall back to a substring check on the lower-cased text.
func MatchesAny(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	tokens := TokenizeText(text)
	slug := Slugify(text)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(lower, kw) {
			return true
		}
		if !strings.ContainsAny(kw, " \t") {
			if TokenInSet(Slugify(kw), tokens) || strings.Contains(slug, Slugify(kw)) {
				return true
			}
		}
	}
	return false
}
