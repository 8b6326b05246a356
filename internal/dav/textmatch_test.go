package dav

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextMatchEqualsItself(t *testing.T) {
	values := []string{"", "abc", "Ünïcødé", "MiXeD case", "a;b,c"}
	for _, coll := range []string{CollationASCIICasemap, CollationOctet, CollationUnicodeCasemap} {
		for _, v := range values {
			ok, err := TextMatch(v, v, coll, MatchEquals)
			require.NoError(t, err)
			assert.True(t, ok, "%s %q", coll, v)
		}
	}
}

func TestTextMatch(t *testing.T) {
	tests := []struct {
		haystack, needle, collation, matchType string
		want                                   bool
	}{
		{"John Doe", "doe", CollationUnicodeCasemap, MatchContains, true},
		{"John Doe", "doe", CollationOctet, MatchContains, false},
		{"John Doe", "JOHN", CollationASCIICasemap, MatchStartsWith, true},
		{"john@example.com", ".COM", CollationASCIICasemap, MatchEndsWith, true},
		{"straße", "STRASSE", CollationASCIICasemap, MatchEquals, false},
		{"émile", "ÉMILE", CollationUnicodeCasemap, MatchEquals, true},
		{"émile", "ÉMILE", CollationASCIICasemap, MatchEquals, false},
	}
	for _, tt := range tests {
		got, err := TextMatch(tt.haystack, tt.needle, tt.collation, tt.matchType)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%q %s %q (%s)", tt.haystack, tt.matchType, tt.needle, tt.collation)
	}
}

func TestTextMatchRejectsUnknown(t *testing.T) {
	_, err := TextMatch("a", "a", "i;klingon", MatchEquals)
	assert.Equal(t, http.StatusBadRequest, StatusFromError(err))
	_, err = TextMatch("a", "a", CollationOctet, "regex")
	assert.Equal(t, http.StatusBadRequest, StatusFromError(err))
}
