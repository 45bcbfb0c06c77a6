package photodb

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var tagNormalizer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeTag lowercases, collapses whitespace, and strips diacritics so
// that "Café", "cafe " and "CAFE" index identically.
func NormalizeTag(in string) string {
	trimmed := strings.TrimSpace(in)
	if trimmed == "" {
		return ""
	}
	collapsed := strings.Join(strings.Fields(trimmed), " ")
	folded, _, err := transform.String(tagNormalizer, collapsed)
	if err != nil {
		folded = collapsed
	}
	return strings.ToLower(folded)
}

// resourceFilename builds the working-directory file name for a resource row.
func resourceFilename(id int64, originalFilename string) string {
	return fmt.Sprintf("%d_%s", id, originalFilename)
}
