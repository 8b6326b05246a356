package dav

import "strings"

// Collations understood by TextMatch.
const (
	CollationASCIICasemap   = "i;ascii-casemap"
	CollationOctet          = "i;octet"
	CollationUnicodeCasemap = "i;unicode-casemap"
)

// Match types understood by TextMatch.
const (
	MatchContains   = "contains"
	MatchEquals     = "equals"
	MatchStartsWith = "starts-with"
	MatchEndsWith   = "ends-with"
)

// TextMatch compares haystack against needle with the given collation and
// match type. Unknown collations or match types are a BadRequest.
func TextMatch(haystack, needle, collation, matchType string) (bool, error) {
	switch collation {
	case CollationASCIICasemap:
		haystack = asciiUpper(haystack)
		needle = asciiUpper(needle)
	case CollationOctet:
	case CollationUnicodeCasemap:
		haystack = strings.ToUpper(haystack)
		needle = strings.ToUpper(needle)
	default:
		return false, BadRequest("collation type %s is not supported", collation)
	}

	switch matchType {
	case MatchContains:
		return strings.Contains(haystack, needle), nil
	case MatchEquals:
		return haystack == needle, nil
	case MatchStartsWith:
		return strings.HasPrefix(haystack, needle), nil
	case MatchEndsWith:
		return strings.HasSuffix(haystack, needle), nil
	default:
		return false, BadRequest("match-type %s is not supported", matchType)
	}
}

// asciiUpper upper-cases ASCII letters only and leaves every other byte as is.
func asciiUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}
