package dav

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// EnsureUTF8 returns data unchanged when it is valid UTF-8 and otherwise
// decodes it as ISO-8859-1, which maps every byte.
func EnsureUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return data
	}
	return out
}
