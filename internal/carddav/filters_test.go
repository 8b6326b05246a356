package carddav

import (
	"testing"

	"github.com/emersion/go-vcard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitea.jw6.us/james/davkit/internal/davxml"
)

func mustCard(t *testing.T, raw string) vcard.Card {
	t.Helper()
	card, err := decodeCard([]byte(raw))
	require.NoError(t, err)
	return card
}

func TestValidateFiltersVacuousTruth(t *testing.T) {
	card := mustCard(t, bobCard)

	ok, err := ValidateFilters(card, nil, TestAllOf)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ValidateFilters(card, nil, TestAnyOf)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateFiltersIsNotDefined(t *testing.T) {
	filters := []PropFilter{{Name: "EMAIL", Test: TestAnyOf, IsNotDefined: true}}

	ok, err := ValidateFilters(mustCard(t, bobCard), filters, TestAnyOf)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ValidateFilters(mustCard(t, aliceCard), filters, TestAnyOf)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateFiltersTextMatches(t *testing.T) {
	card := mustCard(t, aliceCard)
	match := func(m TextMatch) PropFilter {
		return PropFilter{Name: "EMAIL", Test: TestAnyOf, TextMatches: []TextMatch{m}}
	}

	tests := []struct {
		name   string
		filter PropFilter
		want   bool
	}{
		{"contains", match(TextMatch{Value: "EXAMPLE", Collation: "i;ascii-casemap", MatchType: "contains"}), true},
		{"octet is case sensitive", match(TextMatch{Value: "EXAMPLE", Collation: "i;octet", MatchType: "contains"}), false},
		{"negated", match(TextMatch{Value: "alice", Collation: "i;unicode-casemap", MatchType: "starts-with", Negate: true}), false},
		{"ends-with", match(TextMatch{Value: ".com", Collation: "i;unicode-casemap", MatchType: "ends-with"}), true},
		{"undefined property", PropFilter{Name: "NOTE", Test: TestAnyOf, TextMatches: []TextMatch{{Value: "x", Collation: "i;octet", MatchType: "contains"}}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := ValidateFilters(card, []PropFilter{tc.filter}, TestAnyOf)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestValidateFiltersAllOfCombination(t *testing.T) {
	card := mustCard(t, aliceCard)
	filters := []PropFilter{
		{Name: "FN", Test: TestAnyOf},
		{Name: "NOTE", Test: TestAnyOf},
	}
	ok, err := ValidateFilters(card, filters, TestAllOf)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ValidateFilters(card, filters, TestAnyOf)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateFiltersParamOnlyFirstValue(t *testing.T) {
	card := mustCard(t, "BEGIN:VCARD\r\nVERSION:3.0\r\nFN:X\r\nTEL;TYPE=cell;TYPE=home:+1\r\nEND:VCARD\r\n")
	param := func(value string) []PropFilter {
		return []PropFilter{{Name: "TEL", Test: TestAnyOf, ParamFilters: []ParamFilter{{
			Name:      "TYPE",
			TextMatch: &TextMatch{Value: value, Collation: "i;ascii-casemap", MatchType: "equals"},
		}}}}
	}
	ok, err := ValidateFilters(card, param("cell"), TestAnyOf)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ValidateFilters(card, param("home"), TestAnyOf)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateFiltersUnknownCollation(t *testing.T) {
	card := mustCard(t, aliceCard)
	filters := []PropFilter{{Name: "FN", Test: TestAnyOf, TextMatches: []TextMatch{{Value: "a", Collation: "i;klingon", MatchType: "contains"}}}}
	_, err := ValidateFilters(card, filters, TestAnyOf)
	assert.Error(t, err)
}

func TestParseQueryDefaults(t *testing.T) {
	doc, err := davxml.ParseBytes([]byte(`<card:addressbook-query xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav">
		<d:prop><d:getetag/></d:prop>
		<card:filter><card:prop-filter name="fn"><card:text-match>bob</card:text-match></card:prop-filter></card:filter>
	</card:addressbook-query>`))
	require.NoError(t, err)
	q, err := ParseQuery(doc)
	require.NoError(t, err)

	assert.Equal(t, TestAnyOf, q.Test)
	require.Len(t, q.Filters, 1)
	assert.Equal(t, "FN", q.Filters[0].Name)
	require.Len(t, q.Filters[0].TextMatches, 1)
	tm := q.Filters[0].TextMatches[0]
	assert.Equal(t, "i;unicode-casemap", tm.Collation)
	assert.Equal(t, "contains", tm.MatchType)
	assert.False(t, tm.Negate)
}
