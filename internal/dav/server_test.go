package dav

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitea.jw6.us/james/davkit/internal/davxml"
)

func newTestServer(t *testing.T, opts Options) (*Server, *memDir) {
	t.Helper()
	root := newTestTree()
	if opts.BaseURI == "" {
		opts.BaseURI = "/dav/"
	}
	opts.Logger = zerolog.Nop()
	s := NewServer(root, opts)
	return s, root
}

func do(t *testing.T, s *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func parseBody(t *testing.T, body []byte) *davxml.Element {
	t.Helper()
	doc, err := davxml.ParseBytes(body)
	require.NoError(t, err, string(body))
	return doc
}

// responses maps each response href of a multistatus body to its element.
func responses(t *testing.T, body []byte) map[string]*davxml.Element {
	t.Helper()
	doc := parseBody(t, body)
	require.True(t, doc.Is("{DAV:}multistatus"), string(body))
	out := map[string]*davxml.Element{}
	for _, r := range doc.ChildrenNamed("{DAV:}response") {
		out[r.Child("{DAV:}href").TextContent()] = r
	}
	return out
}

// propStatus returns the status line of the propstat holding name.
func propStatus(resp *davxml.Element, name string) string {
	for _, ps := range resp.ChildrenNamed("{DAV:}propstat") {
		if ps.Child("{DAV:}prop").Child(name) != nil {
			return ps.Child("{DAV:}status").TextContent()
		}
	}
	return ""
}

const propfindBody = `<?xml version="1.0"?>
<d:propfind xmlns:d="DAV:"><d:prop><d:getetag/><d:resourcetype/><d:displayname/></d:prop></d:propfind>`

func TestPropFindDepthOne(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rr := do(t, s, "PROPFIND", "/dav/coll/", propfindBody, map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rr.Code, rr.Body.String())

	got := responses(t, rr.Body.Bytes())
	assert.Len(t, got, 3)
	require.Contains(t, got, "/dav/coll/")
	require.Contains(t, got, "/dav/coll/b.txt")
	require.Contains(t, got, "/dav/coll/sub/")

	file := got["/dav/coll/b.txt"]
	assert.Equal(t, "HTTP/1.1 200 OK", propStatus(file, "{DAV:}getetag"))
	assert.Equal(t, "HTTP/1.1 404 Not Found", propStatus(file, "{DAV:}displayname"))
	dir := got["/dav/coll/"]
	assert.NotNil(t, dir.Child("{DAV:}propstat").Child("{DAV:}prop").Child("{DAV:}resourcetype").Child("{DAV:}collection"))
}

func TestPropFindMinimalDropsNotFound(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rr := do(t, s, "PROPFIND", "/dav/a.txt", propfindBody, map[string]string{"Depth": "0", "Prefer": "return=minimal"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	assert.Equal(t, "return=minimal", rr.Header().Get("Preference-Applied"))
	assert.NotContains(t, rr.Body.String(), "404")
}

func TestPropFindInfiniteDepth(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rr := do(t, s, "PROPFIND", "/dav/", propfindBody, map[string]string{"Depth": "infinity"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "propfind-finite-depth")

	s, _ = newTestServer(t, Options{AllowInfiniteDepth: true, MaxDepth: 1})
	rr = do(t, s, "PROPFIND", "/dav/", propfindBody, map[string]string{"Depth": "infinity"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	got := responses(t, rr.Body.Bytes())
	assert.Contains(t, got, "/dav/coll/")
	assert.NotContains(t, got, "/dav/coll/b.txt")

	s, _ = newTestServer(t, Options{AllowInfiniteDepth: true})
	rr = do(t, s, "PROPFIND", "/dav/", propfindBody, map[string]string{"Depth": "infinity"})
	got = responses(t, rr.Body.Bytes())
	assert.Contains(t, got, "/dav/coll/sub/c.txt")
}

func TestPropFindMissingNode(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rr := do(t, s, "PROPFIND", "/dav/nope", propfindBody, map[string]string{"Depth": "0"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "<d:error")
}

func TestOutsideBaseURI(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rr := do(t, s, "PROPFIND", "/elsewhere/", propfindBody, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestPropPatchProtectedFailsWholeRequest(t *testing.T) {
	s, root := newTestServer(t, Options{})
	body := `<?xml version="1.0"?>
<d:propertyupdate xmlns:d="DAV:" xmlns:t="urn:test">
  <d:set><d:prop><t:color>red</t:color><d:getetag>x</d:getetag></d:prop></d:set>
</d:propertyupdate>`
	rr := do(t, s, "PROPPATCH", "/dav/a.txt", body, nil)
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	resp := responses(t, rr.Body.Bytes())["/dav/a.txt"]
	require.NotNil(t, resp)
	assert.Equal(t, "HTTP/1.1 403 Forbidden", propStatus(resp, "{DAV:}getetag"))
	assert.Equal(t, "HTTP/1.1 424 Failed Dependency", propStatus(resp, colorProp))
	assert.Empty(t, root.children["a.txt"].(*memFile).color)
}

func TestPropPatchThenPropFind(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	body := `<?xml version="1.0"?>
<d:propertyupdate xmlns:d="DAV:" xmlns:t="urn:test">
  <d:set><d:prop><t:color>red</t:color></d:prop></d:set>
</d:propertyupdate>`
	rr := do(t, s, "PROPPATCH", "/dav/a.txt", body, nil)
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	assert.Contains(t, rr.Body.String(), "HTTP/1.1 200 OK")

	rr = do(t, s, "PROPFIND", "/dav/a.txt", `<d:propfind xmlns:d="DAV:" xmlns:t="urn:test"><d:prop><t:color/></d:prop></d:propfind>`, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	assert.Contains(t, rr.Body.String(), ">red<")

	rr = do(t, s, "PROPPATCH", "/dav/a.txt", strings.Replace(body, "red", "invalid", 1), map[string]string{"Prefer": "return=minimal"})
	assert.Equal(t, http.StatusMultiStatus, rr.Code)
	assert.Contains(t, rr.Body.String(), "409")
}

func TestPutGetDelete(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rr := do(t, s, http.MethodPut, "/dav/coll/new.txt", "content", nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	etag := rr.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rr = do(t, s, http.MethodGet, "/dav/coll/new.txt", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "content", rr.Body.String())
	assert.Equal(t, etag, rr.Header().Get("ETag"))

	rr = do(t, s, http.MethodGet, "/dav/coll/new.txt", "", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, rr.Code)

	rr = do(t, s, http.MethodPut, "/dav/coll/new.txt", "other", map[string]string{"If-Match": `"stale"`})
	assert.Equal(t, http.StatusPreconditionFailed, rr.Code)

	rr = do(t, s, http.MethodPut, "/dav/coll/new.txt", "other", map[string]string{"If-Match": etag})
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, s, http.MethodPut, "/dav/missing/new.txt", "x", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, s, http.MethodDelete, "/dav/coll/new.txt", "", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, s, http.MethodGet, "/dav/coll/new.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMkColAndMove(t *testing.T) {
	s, root := newTestServer(t, Options{})
	rr := do(t, s, "MKCOL", "/dav/fresh", "", nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = do(t, s, "MKCOL", "/dav/fresh", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = do(t, s, "MKCOL", "/dav/other", `<d:mkcol xmlns:d="DAV:"/>`, map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)

	rr = do(t, s, "MOVE", "/dav/a.txt", "", map[string]string{"Destination": "http://example.com/dav/fresh/a.txt"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.NotContains(t, root.children, "a.txt")
	assert.Contains(t, root.children["fresh"].(*memDir).children, "a.txt")

	rr = do(t, s, "COPY", "/dav/coll", "", map[string]string{"Destination": "/dav/fresh/a.txt", "Overwrite": "F"})
	assert.Equal(t, http.StatusPreconditionFailed, rr.Code)
}

func TestPropFindFailingChildKeepsSiblings(t *testing.T) {
	s, root := newTestServer(t, Options{})
	root.children["broken"] = &brokenFile{name: "broken"}
	body := `<d:propfind xmlns:d="DAV:" xmlns:t="urn:test"><d:prop><d:resourcetype/><t:color/></d:prop></d:propfind>`
	rr := do(t, s, "PROPFIND", "/dav/", body, map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rr.Code, rr.Body.String())

	got := responses(t, rr.Body.Bytes())
	require.Contains(t, got, "/dav/a.txt")
	require.Contains(t, got, "/dav/broken")
	assert.Equal(t, "HTTP/1.1 500 Internal Server Error", propStatus(got["/dav/broken"], colorProp))
	assert.Equal(t, "HTTP/1.1 404 Not Found", propStatus(got["/dav/a.txt"], colorProp))
}

func TestMoveRollsBackWhenSourceStays(t *testing.T) {
	s, root := newTestServer(t, Options{})
	root.children["pinned.txt"] = &stuckFile{name: "pinned.txt"}
	rr := do(t, s, "MOVE", "/dav/pinned.txt", "", map[string]string{"Destination": "/dav/coll/pinned.txt"})
	assert.Equal(t, http.StatusLocked, rr.Code, rr.Body.String())
	assert.Contains(t, root.children, "pinned.txt")
	assert.NotContains(t, root.children["coll"].(*memDir).children, "pinned.txt")

	root.children["fixed"] = &brokenFile{name: "fixed"}
	rr = do(t, s, "MOVE", "/dav/fixed", "", map[string]string{"Destination": "/dav/coll/fixed"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.NotContains(t, root.children["coll"].(*memDir).children, "fixed")
}

func TestCopyRootIsForbidden(t *testing.T) {
	s, root := newTestServer(t, Options{})
	rr := do(t, s, "COPY", "/dav/", "", map[string]string{"Destination": "/dav/snapshot/"})
	assert.Equal(t, http.StatusForbidden, rr.Code, rr.Body.String())
	assert.NotContains(t, root.children, "snapshot")
}

func TestOptions(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	s.AddPlugin(NewLocksPlugin(NewMemoryLockBackend()))
	rr := do(t, s, http.MethodOptions, "/dav/a.txt", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "1, 3, extended-mkcol, 2", rr.Header().Get("DAV"))
	assert.Contains(t, rr.Header().Get("Allow"), "PROPFIND")
	assert.Contains(t, rr.Header().Get("Allow"), "LOCK")
}

func TestUnknownReport(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rr := do(t, s, "REPORT", "/dav/coll/", `<x:unknown xmlns:x="urn:x"/>`, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "supported-report")
}
