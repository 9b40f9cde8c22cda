// Package identity assigns stable global identifiers and canonical names to
// normalized documents, deduplicating by source URL.
package identity

import (
	"fmt"
	"path"
	"strings"
	"unicode"
)

const (
	slugMaxRunes = 40
	seqWidth     = 5
)

// ComposeGlobalID builds the human-decodable identifier for a document:
// country, category, year, zero-padded yearly sequence.
func ComposeGlobalID(countryCode, category string, year, seq int) string {
	return fmt.Sprintf("%s-%s-%04d-%0*d",
		strings.ToUpper(countryCode),
		strings.ToUpper(category),
		year,
		seqWidth, seq,
	)
}

// CanonicalPath builds the durable storage path for a document. Other
// tooling depends on this layout; it must not change shape across schema
// migrations.
func CanonicalPath(countryCode, category string, year int, globalID, title, subject string) string {
	name := globalID
	if subject != "" {
		name += "_" + Slug(subject)
	}
	if slug := Slug(title); slug != "" {
		name += "_" + slug
	}
	return path.Join(
		strings.ToLower(countryCode),
		strings.ToLower(category),
		fmt.Sprintf("%04d", year),
		name+".html",
	)
}

// Slug lowercases the title and keeps only letters, digits and single
// hyphens, capped at slugMaxRunes. Adapters deliver romanized titles, so no
// transliteration happens here.
func Slug(title string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case unicode.IsLetter(r) && r < 128, unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteRune('-')
				lastHyphen = true
			}
		}
		if b.Len() >= slugMaxRunes {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
