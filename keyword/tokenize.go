package keyword

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonTokenChars = regexp.MustCompile(`[^\pL\pN\s]+`)
	nonSlugChars  = regexp.MustCompile(`[^\pL\pN]+`)
)

// Splits free-form message text in to tokens: lower-case, unicode
// normalization, and accent folding. Keyword rules match against these
// tokens as well as the raw lower-cased text, so spelling variants with
// diacritics still hit.
func TokenizeText(text string) []string {
	// the transform chain is stateful and cannot be shared across goroutines
	normFunc := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	bare := strings.ToLower(nonTokenChars.ReplaceAllString(text, " "))
	folded, _, err := transform.String(normFunc, bare)
	if err != nil {
		slog.Warn("unicode normalization error", "err", err)
		folded = bare
	}
	return strings.Fields(folded)
}

// Takes an arbitrary string and returns a lower-case version with all
// non-letter, non-digit characters removed. Used to catch keywords split or
// padded with punctuation.
func Slugify(orig string) string {
	return strings.ToLower(nonSlugChars.ReplaceAllString(orig, ""))
}
