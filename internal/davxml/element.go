package davxml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxDepth bounds element nesting accepted by Parse.
const MaxDepth = 64

var (
	// ErrEmptyDocument is returned by Parse when the body has no root element.
	ErrEmptyDocument = errors.New("empty xml document")
	errEntities      = errors.New("xml entity declarations are not allowed")
)

// Element is an immutable node of a parsed XML document.
type Element struct {
	Name     xml.Name
	Attrs    []xml.Attr
	Children []*Element
	// Text is the concatenated character data directly inside the element.
	Text string
}

// Parse reads a complete XML document into an element tree. Document type
// declarations are rejected and only the predefined and HTML entities are
// resolved.
func Parse(r io.Reader) (*Element, error) {
	dec := xml.NewDecoder(r)
	dec.Entity = xml.HTMLEntity
	dec.Strict = true

	var (
		root  *Element
		stack []*Element
		text  []*strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) >= MaxDepth {
				return nil, invalidf("nesting deeper than %d", MaxDepth)
			}
			el := &Element{Name: t.Name}
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
					continue
				}
				el.Attrs = append(el.Attrs, a)
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, invalidf("multiple root elements")
				}
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, el)
			}
			stack = append(stack, el)
			text = append(text, &strings.Builder{})
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, invalidf("unbalanced end element")
			}
			el := stack[len(stack)-1]
			el.Text = text[len(text)-1].String()
			stack = stack[:len(stack)-1]
			text = text[:len(text)-1]
		case xml.CharData:
			if len(text) > 0 {
				text[len(text)-1].Write(t)
			}
		case xml.Directive:
			if bytes.Contains(bytes.ToUpper(t), []byte("ENTITY")) || bytes.HasPrefix(bytes.ToUpper(bytes.TrimSpace(t)), []byte("DOCTYPE")) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, errEntities)
			}
		}
	}
	if root == nil {
		return nil, ErrEmptyDocument
	}
	return root, nil
}

// ParseBytes is Parse over a byte slice.
func ParseBytes(data []byte) (*Element, error) {
	return Parse(bytes.NewReader(data))
}

// Clark returns the element name in clark notation.
func (e *Element) Clark() string {
	return ClarkName(e.Name)
}

// Is reports whether the element has the given clark name.
func (e *Element) Is(name string) bool {
	return e != nil && e.Clark() == name
}

// InnerTree returns the child elements in document order.
func (e *Element) InnerTree() []*Element {
	if e == nil {
		return nil
	}
	return e.Children
}

// Child returns the first child with the given clark name, or nil.
func (e *Element) Child(name string) *Element {
	if e == nil {
		return nil
	}
	for _, c := range e.Children {
		if c.Clark() == name {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns every child with the given clark name.
func (e *Element) ChildrenNamed(name string) []*Element {
	if e == nil {
		return nil
	}
	var out []*Element
	for _, c := range e.Children {
		if c.Clark() == name {
			out = append(out, c)
		}
	}
	return out
}

// Attr returns the value of an un-namespaced attribute.
func (e *Element) Attr(local string) (string, bool) {
	if e == nil {
		return "", false
	}
	for _, a := range e.Attrs {
		if a.Name.Local == local && (a.Name.Space == "" || a.Name.Space == e.Name.Space) {
			return a.Value, true
		}
	}
	return "", false
}

// AttrDefault returns the attribute value or def when absent.
func (e *Element) AttrDefault(local, def string) string {
	if v, ok := e.Attr(local); ok {
		return v
	}
	return def
}

// TextContent returns the trimmed text of the element and its descendants.
func (e *Element) TextContent() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	e.collectText(&b)
	return strings.TrimSpace(b.String())
}

func (e *Element) collectText(b *strings.Builder) {
	b.WriteString(e.Text)
	for _, c := range e.Children {
		c.collectText(b)
	}
}

// ChildNames returns the clark names of the child elements.
func (e *Element) ChildNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.Children))
	for _, c := range e.Children {
		out = append(out, c.Clark())
	}
	return out
}

// SerializeXML writes the element's content so unknown property values can
// be echoed back unchanged.
func (e *Element) SerializeXML(w *Writer) {
	if e == nil {
		return
	}
	if len(e.Children) == 0 {
		w.Text(e.Text)
		return
	}
	for _, c := range e.Children {
		w.StartElement(c.Clark())
		for _, a := range c.Attrs {
			if a.Name.Space == "" {
				w.Attr(a.Name.Local, a.Value)
			}
		}
		c.SerializeXML(w)
		w.EndElement()
	}
}

// InnerXML renders the element's content as a standalone fragment wrapped in
// the element itself, suitable for storage and a later Parse.
func (e *Element) InnerXML() string {
	doc := Document("", nil, e.Clark(), func(w *Writer) {
		for _, a := range e.Attrs {
			if a.Name.Space == "" {
				w.Attr(a.Name.Local, a.Value)
			}
		}
		e.SerializeXML(w)
	})
	return string(bytes.TrimPrefix(doc, []byte(xmlHeader)))
}
