package dav

import (
	"net/http"

	"gitea.jw6.us/james/davkit/internal/davxml"
)

// PropFindType is the kind of PROPFIND request.
type PropFindType int

const (
	// PropFindNormal requests an explicit list of properties.
	PropFindNormal PropFindType = iota
	// PropFindAllProps requests every property the server can report.
	PropFindAllProps
	// PropFindName requests property names only.
	PropFindName
)

// DepthInfinity is the Depth: infinity header value.
const DepthInfinity = -1

// LazyValue is a property value computed only when the slot it is offered
// for is still unresolved.
type LazyValue func() (any, error)

// AllPropsDefaults are always present in an allprop request.
var AllPropsDefaults = []string{
	davxml.Clark(davxml.NSDAV, "getlastmodified"),
	davxml.Clark(davxml.NSDAV, "getcontentlength"),
	davxml.Clark(davxml.NSDAV, "resourcetype"),
	davxml.Clark(davxml.NSDAV, "quota-used-bytes"),
	davxml.Clark(davxml.NSDAV, "quota-available-bytes"),
	davxml.Clark(davxml.NSDAV, "getetag"),
	davxml.Clark(davxml.NSDAV, "getcontenttype"),
}

type propResult struct {
	status int
	value  any
}

// PropFind accumulates the properties of one node. Every requested name
// starts out as 404; handlers resolve slots with Handle or override them
// with Set.
type PropFind struct {
	path      string
	depth     int
	typ       PropFindType
	order     []string
	result    map[string]propResult
	itemsLeft int
	// denied freezes the result after DenyAll.
	denied bool
	failed bool
}

// NewPropFind builds a PropFind for path. A nil names list with
// PropFindNormal is treated as an allprop request.
func NewPropFind(path string, names []string, depth int, typ PropFindType) *PropFind {
	if typ == PropFindNormal && names == nil {
		typ = PropFindAllProps
	}
	pf := &PropFind{
		path:   CleanPath(path),
		depth:  depth,
		typ:    typ,
		result: make(map[string]propResult),
	}
	if typ != PropFindNormal {
		names = append(append([]string(nil), AllPropsDefaults...), names...)
	}
	for _, n := range names {
		if _, dup := pf.result[n]; dup {
			continue
		}
		pf.order = append(pf.order, n)
		pf.result[n] = propResult{status: http.StatusNotFound}
	}
	pf.itemsLeft = len(pf.order)
	return pf
}

// Path is the node path relative to the base URI.
func (pf *PropFind) Path() string { return pf.path }

// Depth is the request depth.
func (pf *PropFind) Depth() int { return pf.depth }

// Type is the request type.
func (pf *PropFind) Type() PropFindType { return pf.typ }

// IsAllProps reports whether every available property should be returned.
func (pf *PropFind) IsAllProps() bool { return pf.typ != PropFindNormal }

// ItemsLeft is the number of requested names still unresolved.
func (pf *PropFind) ItemsLeft() int { return pf.itemsLeft }

// RequestedProperties returns the names in request order.
func (pf *PropFind) RequestedProperties() []string {
	return append([]string(nil), pf.order...)
}

// Requested reports whether name is part of the result set.
func (pf *PropFind) Requested(name string) bool {
	_, ok := pf.result[name]
	return ok
}

// Unresolved returns the names still classified 404.
func (pf *PropFind) Unresolved() []string {
	var out []string
	for _, n := range pf.order {
		if pf.result[n].status == http.StatusNotFound {
			out = append(out, n)
		}
	}
	return out
}

// Handle resolves name with value when the slot is still 404. A LazyValue is
// only invoked in that case; when it fails the property moves to the 500
// bucket. A nil result leaves the slot untouched.
func (pf *PropFind) Handle(name string, value any) {
	if pf.itemsLeft == 0 || pf.denied {
		return
	}
	cur, ok := pf.result[name]
	if !ok || cur.status != http.StatusNotFound {
		return
	}
	if fn, isLazy := value.(LazyValue); isLazy {
		v, err := fn()
		if err != nil {
			pf.itemsLeft--
			pf.result[name] = propResult{status: http.StatusInternalServerError}
			return
		}
		value = v
	} else if fn, isFunc := value.(func() (any, error)); isFunc {
		pf.Handle(name, LazyValue(fn))
		return
	}
	if value == nil {
		return
	}
	pf.itemsLeft--
	pf.result[name] = propResult{status: http.StatusOK, value: value}
}

// Set stores value under status, overriding any earlier result. A status of
// 0 means 200, or 404 when value is nil. Names that were not requested are
// only added to allprop requests.
func (pf *PropFind) Set(name string, value any, status int) {
	if pf.denied {
		return
	}
	if status == 0 {
		status = http.StatusOK
		if value == nil {
			status = http.StatusNotFound
		}
	}
	cur, ok := pf.result[name]
	if !ok {
		if !pf.IsAllProps() {
			return
		}
		pf.order = append(pf.order, name)
		pf.result[name] = propResult{status: status, value: value}
		return
	}
	switch {
	case status != http.StatusNotFound && cur.status == http.StatusNotFound:
		pf.itemsLeft--
	case status == http.StatusNotFound && cur.status != http.StatusNotFound:
		pf.itemsLeft++
	}
	pf.result[name] = propResult{status: status, value: value}
}

// Fail records that a property source of the node could not be read.
// Names still unresolved after every listener ran are reported as 500
// instead of 404.
func (pf *PropFind) Fail() { pf.failed = true }

// finish moves the leftover 404 slots of a failed lookup to 500.
func (pf *PropFind) finish() {
	if !pf.failed || pf.IsAllProps() {
		return
	}
	for _, n := range pf.Unresolved() {
		pf.Set(n, nil, http.StatusInternalServerError)
	}
}

// DenyAll moves every requested property to the 403 bucket and ignores
// later Handle and Set calls.
func (pf *PropFind) DenyAll() {
	for _, n := range pf.order {
		pf.result[n] = propResult{status: http.StatusForbidden}
	}
	pf.itemsLeft = 0
	pf.denied = true
}

// Denied reports whether DenyAll was called.
func (pf *PropFind) Denied() bool { return pf.denied }

// Get returns the resolved value of name, or nil.
func (pf *PropFind) Get(name string) any {
	return pf.result[name].value
}

// Status returns the status of name, or 0 when it is not part of the result.
func (pf *PropFind) Status(name string) int {
	return pf.result[name].status
}

// ResultForMultiStatus groups the properties by status. The 404 bucket is
// dropped for allprop requests, and propname requests carry no values.
func (pf *PropFind) ResultForMultiStatus() map[int]map[string]any {
	out := map[int]map[string]any{
		http.StatusOK:       {},
		http.StatusNotFound: {},
	}
	for _, n := range pf.order {
		r := pf.result[n]
		bucket, ok := out[r.status]
		if !ok {
			bucket = map[string]any{}
			out[r.status] = bucket
		}
		if pf.typ == PropFindName {
			bucket[n] = nil
			continue
		}
		bucket[n] = r.value
	}
	if pf.IsAllProps() {
		delete(out, http.StatusNotFound)
	}
	return out
}

// Response renders the PropFind as a multistatus response entry.
func (pf *PropFind) Response() davxml.Response {
	return davxml.Response{Href: pf.path, Props: pf.ResultForMultiStatus()}
}
