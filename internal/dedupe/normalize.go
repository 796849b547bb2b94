package dedupe

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var entitySuffixes = regexp.MustCompile(
	`(?i)\s*,?\s*(LLC|L\.?L\.?C\.?|INC\.?|INCORPORATED|CORP\.?|CORPORATION|` +
		`CO\.?|COMPANY|LTD\.?|LIMITED|L\.?P\.?|LLP|L\.?L\.?P\.?|` +
		`PLLC|P\.?L\.?L\.?C\.?|P\.?C\.?|DBA|D/B/A)\s*\.?\s*$`)

var multiSpace = regexp.MustCompile(`\s{2,}`)

var nonAlnumSpace = regexp.MustCompile(`[^A-Z0-9 ]+`)

var nonDigit = regexp.MustCompile(`\D+`)

// foldASCII strips diacritics so "Café" and "Cafe" block and score
// identically.
func foldASCII(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeName upper-cases, folds diacritics, strips entity suffixes
// (LLC, INC, ...) and punctuation, and collapses whitespace. Apostrophes
// are removed rather than replaced so "Joe's" and "Joes" agree.
func NormalizeName(name string) string {
	n := strings.ToUpper(strings.TrimSpace(foldASCII(name)))
	n = entitySuffixes.ReplaceAllString(n, "")
	n = strings.ReplaceAll(n, "'", "")
	n = nonAlnumSpace.ReplaceAllString(n, " ")
	n = multiSpace.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

// NormalizePhone reduces a phone number to bare digits, dropping a US
// country code when present.
func NormalizePhone(phone string) string {
	d := nonDigit.ReplaceAllString(phone, "")
	if len(d) == 11 && strings.HasPrefix(d, "1") {
		d = d[1:]
	}
	return d
}

// NormalizeAddress upper-cases, folds diacritics and strips punctuation
// from a single address line.
func NormalizeAddress(addr string) string {
	a := strings.ToUpper(strings.TrimSpace(foldASCII(addr)))
	a = nonAlnumSpace.ReplaceAllString(a, " ")
	a = multiSpace.ReplaceAllString(a, " ")
	return strings.TrimSpace(a)
}

// namePrefixKey is the blocking key for name-based candidate grouping:
// the first 4 characters of the normalized name with spaces removed.
func namePrefixKey(normalizedName string) string {
	n := strings.ReplaceAll(normalizedName, " ", "")
	if len(n) > 4 {
		n = n[:4]
	}
	return n
}
