package dav

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// ParseDepth reads a Depth header value. Missing or unknown values give def.
func ParseDepth(header string, def int) int {
	switch strings.ToLower(strings.TrimSpace(header)) {
	case "0":
		return 0
	case "1":
		return 1
	case "infinity":
		return DepthInfinity
	default:
		return def
	}
}

// DepthString renders a depth for logs and metrics.
func DepthString(depth int) string {
	switch depth {
	case 0:
		return "0"
	case 1:
		return "1"
	default:
		return "infinity"
	}
}

// PreferMinimal reports whether the client asked for a minimal response
// through Prefer: return=minimal or the older Brief: t.
func PreferMinimal(r *http.Request) bool {
	if strings.EqualFold(strings.TrimSpace(r.Header.Get("Brief")), "t") {
		return true
	}
	for _, v := range r.Header.Values("Prefer") {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if strings.EqualFold(part, "return=minimal") || strings.EqualFold(part, "return-minimal") {
				return true
			}
		}
	}
	return false
}

// normalizeHref reduces an href to a clean absolute path.
func normalizeHref(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if u, err := url.Parse(trimmed); err == nil && u.Path != "" {
		trimmed = u.Path
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." {
		cleaned = "/"
	}
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	return cleaned
}

// resolveHref resolves an href from a request body against the request path.
// Absolute URLs and absolute paths keep their path; relative references are
// joined to basePath.
func resolveHref(basePath, rawHref string) string {
	trimmed := strings.TrimSpace(rawHref)
	if trimmed == "" {
		return ""
	}
	if u, err := url.Parse(trimmed); err == nil {
		if u.Scheme != "" || strings.HasPrefix(u.Path, "/") {
			return normalizeHref(u.Path)
		}
		if u.Path != "" {
			trimmed = u.Path
		}
	}
	base := normalizeHref(basePath)
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return normalizeHref(path.Join(base, trimmed))
}

// readBody reads at most limit bytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	if limit > 0 && r.ContentLength > limit {
		return nil, &Error{Status: http.StatusRequestEntityTooLarge, Message: "request too large"}
	}
	body := r.Body
	if limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, &Error{Status: http.StatusRequestEntityTooLarge, Message: "request too large"}
		}
		return nil, BadRequest("failed to read body")
	}
	return data, nil
}

// checkPreconditions evaluates If-Match and If-None-Match against node,
// which is nil when the resource does not exist. For GET and HEAD a failed
// If-None-Match is reported as 304.
func checkPreconditions(r *http.Request, node Node) error {
	etag := ""
	if e, ok := node.(ETagger); ok {
		etag = e.ETag()
	}
	if ifMatch := strings.TrimSpace(r.Header.Get("If-Match")); ifMatch != "" {
		if node == nil {
			return PreconditionFailed("If-Match given but the resource does not exist")
		}
		if ifMatch != "*" && !etagListContains(ifMatch, etag) {
			return PreconditionFailed("If-Match does not match the current ETag")
		}
	}
	if ifNoneMatch := strings.TrimSpace(r.Header.Get("If-None-Match")); ifNoneMatch != "" && node != nil {
		if ifNoneMatch == "*" || etagListContains(ifNoneMatch, etag) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				return &Error{Status: http.StatusNotModified}
			}
			return PreconditionFailed("If-None-Match matched the current ETag")
		}
	}
	return nil
}

func etagListContains(header, etag string) bool {
	if etag == "" {
		return false
	}
	want := strings.Trim(strings.TrimPrefix(etag, "W/"), `"`)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, "W/")
		if strings.Trim(part, `"`) == want {
			return true
		}
	}
	return false
}
