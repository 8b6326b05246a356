package davxml

import (
	"sort"
	"strings"
)

// Response is one <d:response> of a multistatus body.
type Response struct {
	// Href is the resource path relative to the base URI, unencoded.
	Href string
	// Props groups property values by status code.
	Props map[int]map[string]any
	// Status, when non-zero, is written as the response-level status.
	Status int
}

// MultiStatus is a 207 body.
type MultiStatus struct {
	Responses []Response
	SyncToken string
}

// Bytes renders the multistatus document with hrefs relative to contextURI.
func (m *MultiStatus) Bytes(contextURI string, ns *Namespaces) []byte {
	return Document(contextURI, ns, Clark(NSDAV, "multistatus"), m.SerializeXML)
}

func (m *MultiStatus) SerializeXML(w *Writer) {
	for i := range m.Responses {
		m.Responses[i].SerializeXML(w)
	}
	if m.SyncToken != "" {
		w.WriteElement(Clark(NSDAV, "sync-token"), m.SyncToken)
	}
}

// ResponseHref returns the encoded href for a response path.
func ResponseHref(contextURI, path string, collection bool) string {
	href := strings.TrimSuffix(contextURI, "/") + "/" + EncodePath(strings.Trim(path, "/"))
	if collection && !strings.HasSuffix(href, "/") {
		href += "/"
	}
	return href
}

func (r *Response) SerializeXML(w *Writer) {
	w.StartElement(Clark(NSDAV, "response"))
	w.WriteElement(Clark(NSDAV, "href"), ResponseHref(w.ContextURI, r.Href, r.isCollection()))
	if r.Status != 0 {
		w.WriteElement(Clark(NSDAV, "status"), StatusLine(r.Status))
	}
	for _, code := range r.codes() {
		props := r.Props[code]
		w.StartElement(Clark(NSDAV, "propstat"))
		w.StartElement(Clark(NSDAV, "prop"))
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			w.WriteElement(name, props[name])
		}
		w.EndElement()
		w.WriteElement(Clark(NSDAV, "status"), StatusLine(code))
		w.EndElement()
	}
	w.EndElement()
}

// codes returns the non-empty status groups in ascending order.
func (r *Response) codes() []int {
	codes := make([]int, 0, len(r.Props))
	for code, props := range r.Props {
		if len(props) > 0 {
			codes = append(codes, code)
		}
	}
	sort.Ints(codes)
	return codes
}

func (r *Response) isCollection() bool {
	if rt, ok := r.Props[200][Clark(NSDAV, "resourcetype")].(*ResourceType); ok {
		return rt.IsCollection()
	}
	return false
}
