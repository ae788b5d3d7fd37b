package selector

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// normalize lower-cases and composes text so that keywords typed in NFC
// match transcripts emitted in NFD (common for Vietnamese diacritics).
func normalize(s string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(s)))
}
