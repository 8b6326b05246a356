package davxml

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCannotDeserialize is returned for properties the server only emits.
var ErrCannotDeserialize = errors.New("property cannot be deserialized")

// StatusLine renders the status line used inside multistatus bodies.
func StatusLine(code int) string {
	text := http.StatusText(code)
	if text == "" {
		text = "Unknown"
	}
	return fmt.Sprintf("HTTP/1.1 %d %s", code, text)
}

// ValidConditionName reports whether local is safe to emit as a condition
// element name: ^[a-z][a-z0-9-]*$.
func ValidConditionName(local string) bool {
	if local == "" {
		return false
	}
	for i, ch := range local {
		if i == 0 {
			if ch < 'a' || ch > 'z' {
				return false
			}
			continue
		}
		if !((ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') || ch == '-') {
			return false
		}
	}
	return true
}

// ErrorDocument renders a {DAV:}error body. condition is a clark name and may
// be empty; detail, when set, renders the condition's content.
func ErrorDocument(contextURI, condition, message string, detail Serializer) []byte {
	return Document(contextURI, nil, Clark(NSDAV, "error"), func(w *Writer) {
		if condition != "" {
			if n, err := ParseClark(condition); err == nil && ValidConditionName(n.Local) {
				w.StartElement(condition)
				if detail != nil {
					detail.SerializeXML(w)
				}
				w.EndElement()
			}
		}
		if message != "" {
			w.WriteElement(Clark(NSDavkit, "message"), message)
		}
	})
}
