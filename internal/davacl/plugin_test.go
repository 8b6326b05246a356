package davacl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitea.jw6.us/james/davkit/internal/dav"
	"gitea.jw6.us/james/davkit/internal/davxml"
	"gitea.jw6.us/james/davkit/internal/store"
)

// vault is a collection owned by one principal.
type vault struct {
	owner string
	files map[string][]byte
}

func (v *vault) Name() string { return "vault" }

func (v *vault) Children(ctx context.Context) ([]dav.Node, error) {
	var out []dav.Node
	for name := range v.files {
		out = append(out, &vaultFile{v: v, name: name})
	}
	return out, nil
}

func (v *vault) Child(ctx context.Context, name string) (dav.Node, error) {
	if _, ok := v.files[name]; !ok {
		return nil, store.ErrNotFound
	}
	return &vaultFile{v: v, name: name}, nil
}

func (v *vault) CreateFile(ctx context.Context, name string, data []byte) (string, error) {
	v.files[name] = data
	return "", nil
}

func (v *vault) Owner() string { return v.owner }
func (v *vault) ACL() []ACE    { return OwnerACL(v.owner) }

type vaultFile struct {
	v    *vault
	name string
}

func (f *vaultFile) Name() string                            { return f.name }
func (f *vaultFile) Get(ctx context.Context) ([]byte, error) { return f.v.files[f.name], nil }
func (f *vaultFile) Owner() string                           { return f.v.owner }
func (f *vaultFile) ACL() []ACE                              { return f.v.ACL() }

func newServer(t *testing.T) (*dav.Server, *vault) {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()
	_, err := st.Users.Create(ctx, store.User{Username: "alice", DisplayName: "Alice", Email: "alice@example.com"})
	require.NoError(t, err)
	_, err = st.Users.Create(ctx, store.User{Username: "bob", Email: "bob@example.com"})
	require.NoError(t, err)

	v := &vault{owner: "principals/alice", files: map[string][]byte{"secret.txt": []byte("s3cret")}}
	root := dav.NewSimpleCollection("", NewPrincipalCollection(NewStoreBackend(st.Users)), v)
	s := dav.NewServer(root, dav.Options{BaseURI: "/dav/", Logger: zerolog.Nop()})
	s.AddPlugin(New())
	return s, v
}

func do(s *dav.Server, principal, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if principal != "" {
		req = req.WithContext(dav.WithPrincipal(req.Context(), principal))
	}
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

// propstats maps each property of the first response to its status line.
func propstats(t *testing.T, body []byte) map[string]string {
	t.Helper()
	doc, err := davxml.ParseBytes(body)
	require.NoError(t, err)
	resp := doc.Child(davxml.Clark(davxml.NSDAV, "response"))
	require.NotNil(t, resp)
	out := map[string]string{}
	for _, ps := range resp.ChildrenNamed(davxml.Clark(davxml.NSDAV, "propstat")) {
		status := ps.Child(davxml.Clark(davxml.NSDAV, "status")).TextContent()
		for _, p := range ps.Child(davxml.Clark(davxml.NSDAV, "prop")).Children {
			out[p.Clark()] = status
		}
	}
	return out
}

func TestExpandAggregates(t *testing.T) {
	assert.ElementsMatch(t, []string{PrivWrite, PrivWriteACL, PrivWriteProperties, PrivWriteContent, PrivBind, PrivUnbind, PrivUnlock}, expand(PrivWrite))
	assert.Contains(t, expand(PrivAll), PrivShare)
	assert.Equal(t, []string{"{urn:x}custom"}, expand("{urn:x}custom"))
}

func TestPrincipalProperties(t *testing.T) {
	s, _ := newServer(t)
	body := `<d:propfind xmlns:d="DAV:"><d:prop>
		<d:current-user-principal/><d:principal-URL/><d:displayname/><d:resourcetype/><d:owner/>
	</d:prop></d:propfind>`
	rr := do(s, "principals/bob", "PROPFIND", "/dav/principals/alice/", body, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)

	out := rr.Body.String()
	assert.Contains(t, out, "<d:href>/dav/principals/alice/</d:href>")
	assert.Contains(t, out, "<d:current-user-principal><d:href>/dav/principals/bob/</d:href></d:current-user-principal>")
	assert.Contains(t, out, "<d:principal-URL><d:href>/dav/principals/alice/</d:href></d:principal-URL>")
	assert.Contains(t, out, "<d:displayname>Alice</d:displayname>")
	assert.Contains(t, out, "<d:principal/>")
	assert.Equal(t, "HTTP/1.1 200 OK", propstats(t, rr.Body.Bytes())[davxml.Clark(davxml.NSDAV, "owner")])
}

func TestPrincipalListing(t *testing.T) {
	s, _ := newServer(t)
	rr := do(s, "principals/alice", "PROPFIND", "/dav/principals/", "", map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	assert.Contains(t, rr.Body.String(), "/dav/principals/alice/")
	assert.Contains(t, rr.Body.String(), "/dav/principals/bob/")
}

func TestUnreadableNodeDeniesProperties(t *testing.T) {
	s, _ := newServer(t)
	body := `<d:propfind xmlns:d="DAV:"><d:prop><d:resourcetype/><d:displayname/></d:prop></d:propfind>`
	rr := do(s, "principals/bob", "PROPFIND", "/dav/vault/", body, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	stats := propstats(t, rr.Body.Bytes())
	assert.Equal(t, "HTTP/1.1 403 Forbidden", stats[davxml.Clark(davxml.NSDAV, "resourcetype")])
	assert.Equal(t, "HTTP/1.1 403 Forbidden", stats[davxml.Clark(davxml.NSDAV, "displayname")])
}

func TestCurrentUserPrivilegeSet(t *testing.T) {
	s, _ := newServer(t)
	body := `<d:propfind xmlns:d="DAV:"><d:prop><d:current-user-privilege-set/></d:prop></d:propfind>`

	rr := do(s, "principals/alice", "PROPFIND", "/dav/vault/", body, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	assert.Contains(t, rr.Body.String(), "<d:write-content/>")
	assert.Contains(t, rr.Body.String(), "<d:share/>")

	rr = do(s, "principals/bob", "PROPFIND", "/dav/principals/", body, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	assert.Contains(t, rr.Body.String(), "<d:read/>")
	assert.NotContains(t, rr.Body.String(), "<d:write-content/>")
}

func TestMethodsNeedPrivileges(t *testing.T) {
	s, v := newServer(t)

	rr := do(s, "principals/bob", http.MethodPut, "/dav/vault/new.txt", "data", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "need-privileges")
	assert.Contains(t, rr.Body.String(), "<d:bind/>")
	assert.NotContains(t, v.files, "new.txt")

	rr = do(s, "principals/bob", http.MethodGet, "/dav/vault/secret.txt", "", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(s, "principals/alice", http.MethodPut, "/dav/vault/new.txt", "data", nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, []byte("data"), v.files["new.txt"])

	rr = do(s, "principals/alice", http.MethodGet, "/dav/vault/secret.txt", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "s3cret", rr.Body.String())
}

func TestUnauthenticatedRequestsAreChallenged(t *testing.T) {
	s, _ := newServer(t)
	rr := do(s, "", http.MethodGet, "/dav/vault/secret.txt", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAdminPrincipalsHoldEveryPrivilege(t *testing.T) {
	s, _ := newServer(t)
	p := s.Plugin("acl").(*Plugin)
	p.AdminPrincipals = []string{"principals/bob"}

	rr := do(s, "principals/bob", http.MethodGet, "/dav/vault/secret.txt", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestFindPrincipal(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	_, err := st.Users.Create(ctx, store.User{Username: "carol", Email: "Carol@Example.com"})
	require.NoError(t, err)
	b := NewStoreBackend(st.Users)

	for _, href := range []string{"mailto:carol@example.com", "/dav/principals/carol/", "https://dav.example.com/dav/principals/carol", "principals/carol"} {
		p, err := FindPrincipal(ctx, b, "/dav/", href)
		require.NoError(t, err, href)
		assert.Equal(t, "principals/carol", p.URI)
	}
	_, err = FindPrincipal(ctx, b, "/dav/", "/dav/calendars/carol/")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = FindPrincipal(ctx, b, "/dav/", "mailto:nobody@example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
