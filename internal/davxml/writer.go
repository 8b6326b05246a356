package davxml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const xmlHeader = `<?xml version="1.0" encoding="utf-8"?>` + "\n"

// Serializer is implemented by values that render their own XML content.
// SerializeXML writes the inner content of the element the value belongs to.
type Serializer interface {
	SerializeXML(w *Writer)
}

// Writer builds an XML document. Prefixes are taken from a Namespaces
// registry; every namespace that appears in the document is declared on the
// root element.
type Writer struct {
	// ContextURI is prepended to relative hrefs written by Href values.
	ContextURI string

	ns      *Namespaces
	buf     bytes.Buffer
	used    map[string]struct{}
	stack   []string
	open    bool
	rootPos int
	hasRoot bool
}

// NewWriter returns a Writer. A nil registry gets the default prefixes.
func NewWriter(contextURI string, ns *Namespaces) *Writer {
	if ns == nil {
		ns = NewNamespaces()
	}
	return &Writer{ContextURI: contextURI, ns: ns, used: make(map[string]struct{})}
}

// Namespaces returns the registry the writer uses.
func (w *Writer) Namespaces() *Namespaces {
	return w.ns
}

// StartElement opens an element given in clark notation.
func (w *Writer) StartElement(name string) {
	n, err := ParseClark(name)
	if err != nil {
		n = xml.Name{Local: name}
	}
	w.closeStart()
	qname := w.qualify(n)
	w.buf.WriteByte('<')
	w.buf.WriteString(qname)
	if !w.hasRoot {
		w.hasRoot = true
		w.rootPos = w.buf.Len()
	}
	if n.Space == "" {
		w.buf.WriteString(` xmlns=""`)
	}
	w.stack = append(w.stack, qname)
	w.open = true
}

// Attr adds an attribute to the element that was just started.
func (w *Writer) Attr(name, value string) {
	if !w.open {
		return
	}
	w.buf.WriteByte(' ')
	w.buf.WriteString(name)
	w.buf.WriteString(`="`)
	w.buf.WriteString(attrEscaper.Replace(xmlChars(value)))
	w.buf.WriteByte('"')
}

// EndElement closes the innermost open element.
func (w *Writer) EndElement() {
	if len(w.stack) == 0 {
		return
	}
	qname := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]
	if w.open {
		w.buf.WriteString("/>")
		w.open = false
		return
	}
	w.buf.WriteString("</")
	w.buf.WriteString(qname)
	w.buf.WriteByte('>')
}

// WriteElement writes a complete element with value as its content.
func (w *Writer) WriteElement(name string, value any) {
	w.StartElement(name)
	w.Write(value)
	w.EndElement()
}

// Text writes escaped character data.
func (w *Writer) Text(s string) {
	if s == "" {
		return
	}
	w.closeStart()
	w.buf.WriteString(textEscaper.Replace(xmlChars(s)))
}

// CDATA writes s as a CDATA section.
func (w *Writer) CDATA(s string) {
	if s == "" {
		return
	}
	w.closeStart()
	w.buf.WriteString("<![CDATA[")
	w.buf.WriteString(strings.ReplaceAll(xmlChars(s), "]]>", "]]]]><![CDATA[>"))
	w.buf.WriteString("]]>")
}

// Write renders a property value. Strings become text, Serializers render
// themselves and maps of clark names become child elements.
func (w *Writer) Write(value any) {
	switch v := value.(type) {
	case nil:
	case string:
		w.Text(v)
	case []byte:
		w.Text(string(v))
	case int:
		w.Text(strconv.Itoa(v))
	case int64:
		w.Text(strconv.FormatInt(v, 10))
	case time.Time:
		w.Text(v.UTC().Format(http.TimeFormat))
	case Serializer:
		v.SerializeXML(w)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			w.WriteElement(k, v[k])
		}
	default:
		w.Text(fmt.Sprint(v))
	}
}

// Bytes returns the document with the XML declaration and the namespace
// declarations on the root element.
func (w *Writer) Bytes() []byte {
	for len(w.stack) > 0 {
		w.EndElement()
	}
	body := w.buf.Bytes()
	var out bytes.Buffer
	out.Grow(len(xmlHeader) + len(body) + 128)
	out.WriteString(xmlHeader)
	if !w.hasRoot {
		return out.Bytes()
	}
	out.Write(body[:w.rootPos])
	for _, b := range w.ns.bindings(w.used) {
		out.WriteString(` xmlns:`)
		out.WriteString(b.prefix)
		out.WriteString(`="`)
		out.WriteString(attrEscaper.Replace(b.ns))
		out.WriteByte('"')
	}
	out.Write(body[w.rootPos:])
	return out.Bytes()
}

// Document renders a complete document with the given root element.
func Document(contextURI string, ns *Namespaces, root string, body func(w *Writer)) []byte {
	w := NewWriter(contextURI, ns)
	w.StartElement(root)
	if body != nil {
		body(w)
	}
	w.EndElement()
	return w.Bytes()
}

func (w *Writer) qualify(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	w.used[n.Space] = struct{}{}
	return w.ns.Prefix(n.Space) + ":" + n.Local
}

func (w *Writer) closeStart() {
	if w.open {
		w.buf.WriteByte('>')
		w.open = false
	}
}

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\r", "&#xD;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "\n", "&#xA;", "\r", "&#xD;", "\t", "&#x9;")
)

// xmlChars replaces invalid UTF-8 and runes XML 1.0 does not allow with
// U+FFFD.
func xmlChars(s string) string {
	clean := true
	for _, r := range s {
		if r == utf8.RuneError || !isXMLChar(r) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isXMLChar(r) {
			return r
		}
		return utf8.RuneError
	}, s)
}

func isXMLChar(r rune) bool {
	switch {
	case r == 0x09, r == 0x0A, r == 0x0D:
		return true
	case r >= 0x20 && r <= 0xD7FF:
		return true
	case r >= 0xE000 && r <= 0xFFFD:
		return true
	default:
		return r >= 0x10000 && r <= utf8.MaxRune
	}
}
