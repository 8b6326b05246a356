package carddav

import (
	"strings"

	"github.com/emersion/go-vcard"

	"gitea.jw6.us/james/davkit/internal/dav"
	"gitea.jw6.us/james/davkit/internal/davxml"
)

// Filter tests.
const (
	TestAnyOf = "anyof"
	TestAllOf = "allof"
)

// TextMatch is a {card}text-match condition.
type TextMatch struct {
	Value     string
	Collation string
	MatchType string
	Negate    bool
}

// ParamFilter is a {card}param-filter condition.
type ParamFilter struct {
	Name         string
	IsNotDefined bool
	TextMatch    *TextMatch
}

// PropFilter is a {card}prop-filter condition.
type PropFilter struct {
	Name         string
	Test         string
	IsNotDefined bool
	ParamFilters []ParamFilter
	TextMatches  []TextMatch
}

// QueryRequest is a parsed addressbook-query report.
type QueryRequest struct {
	Props []string
	Prop  *davxml.Element
	// Test combines the top level prop-filters.
	Test    string
	Filters []PropFilter
	// Limit caps the number of results; 0 means unlimited.
	Limit int
}

// ParseQuery maps an addressbook-query document.
func ParseQuery(root *davxml.Element) (*QueryRequest, error) {
	if !root.Is(davxml.Clark(davxml.NSCardDAV, "addressbook-query")) {
		return nil, dav.BadRequest("unexpected root element %s", root.Clark())
	}
	req := &QueryRequest{Prop: root.Child(davxml.Clark(davxml.NSDAV, "prop"))}
	req.Props = davxml.PropNames(req.Prop)
	if root.Child(davxml.Clark(davxml.NSDAV, "allprop")) != nil {
		req.Props = nil
	}

	filters := root.ChildrenNamed(davxml.Clark(davxml.NSCardDAV, "filter"))
	if len(filters) != 1 {
		return nil, dav.BadRequest("only one filter element is allowed")
	}
	test, err := parseTest(filters[0])
	if err != nil {
		return nil, err
	}
	req.Test = test
	for _, el := range filters[0].ChildrenNamed(davxml.Clark(davxml.NSCardDAV, "prop-filter")) {
		pf, err := parsePropFilter(el)
		if err != nil {
			return nil, err
		}
		req.Filters = append(req.Filters, pf)
	}

	limit, err := davxml.ParseLimit(root)
	if err != nil {
		return nil, dav.BadRequest("%v", err)
	}
	req.Limit = limit
	return req, nil
}

func parseTest(el *davxml.Element) (string, error) {
	test := el.AttrDefault("test", TestAnyOf)
	if test != TestAnyOf && test != TestAllOf {
		return "", dav.BadRequest(`the test attribute must either hold "anyof" or "allof"`)
	}
	return test, nil
}

func parsePropFilter(el *davxml.Element) (PropFilter, error) {
	pf := PropFilter{Name: strings.ToUpper(el.AttrDefault("name", ""))}
	if pf.Name == "" {
		return pf, dav.BadRequest("prop-filter requires a name")
	}
	test, err := parseTest(el)
	if err != nil {
		return pf, err
	}
	pf.Test = test
	pf.IsNotDefined = el.Child(davxml.Clark(davxml.NSCardDAV, "is-not-defined")) != nil

	for _, p := range el.ChildrenNamed(davxml.Clark(davxml.NSCardDAV, "param-filter")) {
		param := ParamFilter{
			Name:         strings.ToUpper(p.AttrDefault("name", "")),
			IsNotDefined: p.Child(davxml.Clark(davxml.NSCardDAV, "is-not-defined")) != nil,
		}
		if param.Name == "" {
			return pf, dav.BadRequest("param-filter requires a name")
		}
		if tm := p.Child(davxml.Clark(davxml.NSCardDAV, "text-match")); tm != nil {
			m, err := parseTextMatch(tm)
			if err != nil {
				return pf, err
			}
			param.TextMatch = &m
		}
		pf.ParamFilters = append(pf.ParamFilters, param)
	}
	for _, tm := range el.ChildrenNamed(davxml.Clark(davxml.NSCardDAV, "text-match")) {
		m, err := parseTextMatch(tm)
		if err != nil {
			return pf, err
		}
		pf.TextMatches = append(pf.TextMatches, m)
	}
	return pf, nil
}

func parseTextMatch(el *davxml.Element) (TextMatch, error) {
	m := TextMatch{
		Value:     el.TextContent(),
		Collation: el.AttrDefault("collation", dav.CollationUnicodeCasemap),
		MatchType: el.AttrDefault("match-type", dav.MatchContains),
		Negate:    el.AttrDefault("negate-condition", "no") == "yes",
	}
	switch m.MatchType {
	case dav.MatchContains, dav.MatchEquals, dav.MatchStartsWith, dav.MatchEndsWith:
	default:
		return m, dav.BadRequest("unknown match-type: %s", m.MatchType)
	}
	return m, nil
}

// ValidateFilters reports whether card satisfies filters combined by test.
// An anyof test over no filters is false and an allof test is true.
func ValidateFilters(card vcard.Card, filters []PropFilter, test string) (bool, error) {
	for _, f := range filters {
		fields := card[f.Name]
		defined := len(fields) > 0

		var ok bool
		switch {
		case f.IsNotDefined:
			ok = !defined
		case !defined || (len(f.ParamFilters) == 0 && len(f.TextMatches) == 0):
			ok = defined
		default:
			var err error
			if ok, err = validatePropFilter(fields, f); err != nil {
				return false, err
			}
		}

		if test == TestAnyOf && ok {
			return true, nil
		}
		if test == TestAllOf && !ok {
			return false, nil
		}
	}
	return test == TestAllOf, nil
}

func validatePropFilter(fields []*vcard.Field, f PropFilter) (bool, error) {
	var results []bool
	if len(f.ParamFilters) > 0 {
		ok, err := validateParamFilters(fields, f.ParamFilters, f.Test)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}
	if len(f.TextMatches) > 0 {
		texts := make([]string, 0, len(fields))
		for _, field := range fields {
			texts = append(texts, field.Value)
		}
		ok, err := validateTextMatches(texts, f.TextMatches, f.Test)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}
	if len(results) == 1 {
		return results[0], nil
	}
	if f.Test == TestAllOf {
		return results[0] && results[1], nil
	}
	return results[0] || results[1], nil
}

// validateParamFilters matches each param-filter against the parameters of
// every property occurrence. Only the first value of a parameter is
// compared.
func validateParamFilters(fields []*vcard.Field, filters []ParamFilter, test string) (bool, error) {
	for _, f := range filters {
		defined := false
		for _, field := range fields {
			if len(field.Params[f.Name]) > 0 {
				defined = true
				break
			}
		}

		var ok bool
		switch {
		case f.IsNotDefined:
			ok = !defined
		case f.TextMatch == nil || !defined:
			ok = defined
		default:
			for _, field := range fields {
				values := field.Params[f.Name]
				if len(values) == 0 {
					continue
				}
				matched, err := dav.TextMatch(values[0], f.TextMatch.Value, f.TextMatch.Collation, f.TextMatch.MatchType)
				if err != nil {
					return false, err
				}
				if matched {
					ok = true
					break
				}
			}
			if f.TextMatch.Negate {
				ok = !ok
			}
		}

		if test == TestAnyOf && ok {
			return true, nil
		}
		if test == TestAllOf && !ok {
			return false, nil
		}
	}
	return test == TestAllOf, nil
}

func validateTextMatches(texts []string, matches []TextMatch, test string) (bool, error) {
	for _, m := range matches {
		ok := false
		for _, text := range texts {
			matched, err := dav.TextMatch(text, m.Value, m.Collation, m.MatchType)
			if err != nil {
				return false, err
			}
			if matched {
				ok = true
				break
			}
		}
		if m.Negate {
			ok = !ok
		}

		if test == TestAnyOf && ok {
			return true, nil
		}
		if test == TestAllOf && !ok {
			return false, nil
		}
	}
	return test == TestAllOf, nil
}
