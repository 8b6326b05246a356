package davxml

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Clark formats a namespaced name in clark notation: {namespace}local.
func Clark(ns, local string) string {
	return "{" + ns + "}" + local
}

// ClarkName formats an xml.Name in clark notation.
func ClarkName(name xml.Name) string {
	return Clark(name.Space, name.Local)
}

// ParseClark splits a clark notation name. Names without braces are treated
// as belonging to the empty namespace.
func ParseClark(s string) (xml.Name, error) {
	if s == "" {
		return xml.Name{}, fmt.Errorf("empty element name")
	}
	if s[0] != '{' {
		if strings.ContainsAny(s, "{}") {
			return xml.Name{}, fmt.Errorf("malformed clark notation %q", s)
		}
		return xml.Name{Local: s}, nil
	}
	end := strings.IndexByte(s, '}')
	if end < 0 || end == len(s)-1 {
		return xml.Name{}, fmt.Errorf("malformed clark notation %q", s)
	}
	return xml.Name{Space: s[1:end], Local: s[end+1:]}, nil
}

// MustParseClark is ParseClark for names known at compile time.
func MustParseClark(s string) xml.Name {
	n, err := ParseClark(s)
	if err != nil {
		panic(err)
	}
	return n
}
