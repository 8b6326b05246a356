package davxml

import (
	"sort"
	"strconv"
)

// Well-known namespaces.
const (
	NSDAV            = "DAV:"
	NSCalDAV         = "urn:ietf:params:xml:ns:caldav"
	NSCardDAV        = "urn:ietf:params:xml:ns:carddav"
	NSCalendarServer = "http://calendarserver.org/ns/"
	NSDavkit         = "http://davkit.jw6.us/ns"
)

var defaultPrefixes = map[string]string{
	NSDAV:            "d",
	NSCalDAV:         "cal",
	NSCardDAV:        "card",
	NSCalendarServer: "cs",
	NSDavkit:         "dk",
}

// Namespaces maps namespace URIs to the prefixes used on the wire.
// Namespaces outside the registered set are assigned x0, x1, ... in the
// order they are first seen.
type Namespaces struct {
	prefixes map[string]string
	adhoc    int
}

// NewNamespaces returns a registry preloaded with the well-known prefixes.
func NewNamespaces() *Namespaces {
	n := &Namespaces{prefixes: make(map[string]string, len(defaultPrefixes))}
	for ns, p := range defaultPrefixes {
		n.prefixes[ns] = p
	}
	return n
}

// Register binds ns to prefix, replacing any previous binding.
func (n *Namespaces) Register(ns, prefix string) {
	n.prefixes[ns] = prefix
}

// Prefix returns the prefix for ns, allocating one when needed. The empty
// namespace has no prefix.
func (n *Namespaces) Prefix(ns string) string {
	if ns == "" {
		return ""
	}
	if p, ok := n.prefixes[ns]; ok {
		return p
	}
	p := "x" + strconv.Itoa(n.adhoc)
	n.adhoc++
	n.prefixes[ns] = p
	return p
}

// Lookup reports the prefix bound to ns without allocating.
func (n *Namespaces) Lookup(ns string) (string, bool) {
	p, ok := n.prefixes[ns]
	return p, ok
}

type binding struct {
	ns     string
	prefix string
}

// bindings returns the prefix bindings for the given namespaces, sorted by
// prefix so output is deterministic.
func (n *Namespaces) bindings(used map[string]struct{}) []binding {
	out := make([]binding, 0, len(used))
	for ns := range used {
		out = append(out, binding{ns: ns, prefix: n.Prefix(ns)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].prefix < out[j].prefix })
	return out
}
