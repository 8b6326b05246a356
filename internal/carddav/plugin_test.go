package carddav

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
	"gitea.jw6.us/james/davkit/internal/davacl"
	"gitea.jw6.us/james/davkit/internal/davxml"
	"gitea.jw6.us/james/davkit/internal/store"
)

const (
	aliceCard = "BEGIN:VCARD\r\nVERSION:3.0\r\nUID:alice-1\r\nFN:Alice Example\r\nEMAIL;TYPE=work:alice@example.com\r\nTEL;TYPE=cell:+1 555 0100\r\nEND:VCARD\r\n"
	bobCard   = "BEGIN:VCARD\r\nVERSION:3.0\r\nUID:bob-1\r\nFN:Bob Builder\r\nTEL;TYPE=home:+1 555 0199\r\nEND:VCARD\r\n"
)

type fixture struct {
	server *dav.Server
	store  *store.Store
	book   *store.AddressBook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	alice, err := st.Users.Create(ctx, store.User{Username: "alice", Email: "alice@example.com"})
	require.NoError(t, err)
	book, err := st.AddressBooks.Create(ctx, store.AddressBook{UserID: alice.ID, URI: "contacts", DisplayName: "Contacts"})
	require.NoError(t, err)
	_, err = st.Cards.Create(ctx, store.Object{CollectionID: book.ID, URI: "card1", Data: []byte(aliceCard), ETag: "e1"})
	require.NoError(t, err)
	_, err = st.Cards.Create(ctx, store.Object{CollectionID: book.ID, URI: "card2", Data: []byte(bobCard), ETag: "e2"})
	require.NoError(t, err)

	principals := davacl.NewStoreBackend(st.Users)
	root := dav.NewSimpleCollection("",
		davacl.NewPrincipalCollection(principals),
		NewRoot(NewStoreBackend(st), principals),
	)
	s := dav.NewServer(root, dav.Options{BaseURI: "/dav/", Logger: zerolog.Nop()})
	s.AddPlugin(davacl.New())
	s.AddPlugin(&dav.SyncPlugin{})
	s.AddPlugin(New())
	return &fixture{server: s, store: st, book: book}
}

func (f *fixture) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req = req.WithContext(dav.WithPrincipal(req.Context(), "principals/alice"))
	rr := httptest.NewRecorder()
	f.server.ServeHTTP(rr, req)
	return rr
}

// responses maps each href of a multistatus body to its response element.
func responses(t *testing.T, body []byte) map[string]*davxml.Element {
	t.Helper()
	doc, err := davxml.ParseBytes(body)
	require.NoError(t, err, string(body))
	out := map[string]*davxml.Element{}
	for _, r := range doc.ChildrenNamed(davxml.Clark(davxml.NSDAV, "response")) {
		out[r.Child(davxml.Clark(davxml.NSDAV, "href")).TextContent()] = r
	}
	return out
}

func prop(resp *davxml.Element, name string) *davxml.Element {
	for _, ps := range resp.ChildrenNamed(davxml.Clark(davxml.NSDAV, "propstat")) {
		if el := ps.Child(davxml.Clark(davxml.NSDAV, "prop")).Child(name); el != nil {
			return el
		}
	}
	return nil
}

func TestMultigetReportsMissingHrefs(t *testing.T) {
	f := newFixture(t)
	body := `<card:addressbook-multiget xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav">
		<d:prop><d:getetag/><card:address-data/></d:prop>
		<d:href>/dav/addressbooks/alice/contacts/card1</d:href>
		<d:href>/dav/addressbooks/alice/contacts/card3</d:href>
	</card:addressbook-multiget>`
	rr := f.do("REPORT", "/dav/addressbooks/alice/contacts/", body, map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rr.Code, rr.Body.String())

	resp := responses(t, rr.Body.Bytes())
	require.Len(t, resp, 2)
	card1 := resp["/dav/addressbooks/alice/contacts/card1"]
	require.NotNil(t, card1)
	assert.Equal(t, `"e1"`, prop(card1, davxml.Clark(davxml.NSDAV, "getetag")).TextContent())
	assert.Contains(t, prop(card1, propAddressData).TextContent(), "FN:Alice Example")

	card3 := resp["/dav/addressbooks/alice/contacts/card3"]
	require.NotNil(t, card3)
	assert.Equal(t, "HTTP/1.1 404 Not Found", card3.Child(davxml.Clark(davxml.NSDAV, "status")).TextContent())
}

func TestQueryFiltersCards(t *testing.T) {
	f := newFixture(t)
	query := func(filter string) map[string]*davxml.Element {
		body := `<card:addressbook-query xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav">
			<d:prop><d:getetag/></d:prop>` + filter + `</card:addressbook-query>`
		rr := f.do("REPORT", "/dav/addressbooks/alice/contacts/", body, map[string]string{"Depth": "1"})
		require.Equal(t, http.StatusMultiStatus, rr.Code, rr.Body.String())
		return responses(t, rr.Body.Bytes())
	}
	const card1 = "/dav/addressbooks/alice/contacts/card1"
	const card2 = "/dav/addressbooks/alice/contacts/card2"

	got := query(`<card:filter><card:prop-filter name="EMAIL"><card:is-not-defined/></card:prop-filter></card:filter>`)
	assert.Contains(t, got, card2)
	assert.NotContains(t, got, card1)

	got = query(`<card:filter><card:prop-filter name="FN"><card:text-match match-type="starts-with">alice</card:text-match></card:prop-filter></card:filter>`)
	assert.Contains(t, got, card1)
	assert.NotContains(t, got, card2)

	got = query(`<card:filter><card:prop-filter name="TEL"><card:param-filter name="TYPE"><card:text-match match-type="equals">home</card:text-match></card:param-filter></card:prop-filter></card:filter>`)
	assert.Contains(t, got, card2)
	assert.NotContains(t, got, card1)

	got = query(`<card:filter/>`)
	assert.Len(t, got, 2)

	got = query(`<card:filter/><card:limit><card:nresults>1</card:nresults></card:limit>`)
	assert.Len(t, got, 1)
}

func TestQueryRejectsUnknownTest(t *testing.T) {
	f := newFixture(t)
	body := `<card:addressbook-query xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav">
		<d:prop><d:getetag/></d:prop><card:filter test="oneof"/></card:addressbook-query>`
	rr := f.do("REPORT", "/dav/addressbooks/alice/contacts/", body, map[string]string{"Depth": "1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPartialAddressData(t *testing.T) {
	f := newFixture(t)
	body := `<card:addressbook-multiget xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav">
		<d:prop><card:address-data version="4.0"><card:prop name="EMAIL"/></card:address-data></d:prop>
		<d:href>/dav/addressbooks/alice/contacts/card1</d:href>
	</card:addressbook-multiget>`
	rr := f.do("REPORT", "/dav/addressbooks/alice/contacts/", body, nil)
	require.Equal(t, http.StatusMultiStatus, rr.Code, rr.Body.String())

	data := prop(responses(t, rr.Body.Bytes())["/dav/addressbooks/alice/contacts/card1"], propAddressData).TextContent()
	assert.Contains(t, data, "VERSION:4.0")
	assert.Contains(t, data, "alice@example.com")
	assert.Contains(t, data, "UID:alice-1")
	assert.NotContains(t, data, "TEL")
}

func TestPutValidatesVCard(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPut, "/dav/addressbooks/alice/contacts/broken.vcf", "not a vcard", nil)
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	assert.Contains(t, rr.Body.String(), "valid-address-data")

	card := "BEGIN:VCARD\r\nVERSION:3.0\r\nFN:No Uid\r\nEND:VCARD\r\n"
	rr = f.do(http.MethodPut, "/dav/addressbooks/alice/contacts/new.vcf", card, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("ETag"))

	stored, err := f.store.Cards.Get(context.Background(), f.book.ID, "new.vcf")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.UID)
	assert.Contains(t, string(stored.Data), "UID:"+stored.UID)
}

func TestLatin1CardsAreStoredAsUTF8(t *testing.T) {
	f := newFixture(t)
	card := "BEGIN:VCARD\r\nVERSION:3.0\r\nUID:jose-1\r\nFN:Jos\xe9 Garc\xeda\r\nEND:VCARD\r\n"
	rr := f.do(http.MethodPut, "/dav/addressbooks/alice/contacts/jose.vcf", card, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	stored, err := f.store.Cards.Get(context.Background(), f.book.ID, "jose.vcf")
	require.NoError(t, err)
	assert.Contains(t, string(stored.Data), "FN:José García")

	// rows written before conversion existed still render as well-formed XML
	_, err = f.store.Cards.Create(context.Background(), store.Object{
		CollectionID: f.book.ID, URI: "legacy", UID: "legacy-1", ETag: "e9",
		Data: []byte("BEGIN:VCARD\r\nVERSION:3.0\r\nUID:legacy-1\r\nFN:Ren\xe9e\x01\r\nEND:VCARD\r\n"),
	})
	require.NoError(t, err)
	body := `<card:addressbook-multiget xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav">
		<d:prop><card:address-data/></d:prop>
		<d:href>/dav/addressbooks/alice/contacts/jose.vcf</d:href>
		<d:href>/dav/addressbooks/alice/contacts/legacy</d:href>
	</card:addressbook-multiget>`
	rr = f.do("REPORT", "/dav/addressbooks/alice/contacts/", body, map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rr.Code, rr.Body.String())
	resp := responses(t, rr.Body.Bytes())
	assert.Contains(t, prop(resp["/dav/addressbooks/alice/contacts/jose.vcf"], propAddressData).TextContent(), "FN:José García")
	assert.Contains(t, prop(resp["/dav/addressbooks/alice/contacts/legacy"], propAddressData).TextContent(), "Ren\uFFFDe\uFFFD")
}

func TestPutRejectsOversizedCards(t *testing.T) {
	f := newFixture(t)
	f.server.Plugin("carddav").(*Plugin).MaxResourceSize = 16
	rr := f.do(http.MethodPut, "/dav/addressbooks/alice/contacts/card1", aliceCard, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "max-resource-size")
}

func TestExtendedMkColCreatesAddressBook(t *testing.T) {
	f := newFixture(t)
	body := `<d:mkcol xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav"><d:set><d:prop>
		<d:resourcetype><d:collection/><card:addressbook/></d:resourcetype>
		<d:displayname>Work</d:displayname>
		<card:addressbook-description>Colleagues</card:addressbook-description>
	</d:prop></d:set></d:mkcol>`
	rr := f.do("MKCOL", "/dav/addressbooks/alice/work/", body, map[string]string{"Content-Type": "application/xml"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	alice, err := f.store.Users.GetByUsername(context.Background(), "alice")
	require.NoError(t, err)
	book, err := f.store.AddressBooks.GetByURI(context.Background(), alice.ID, "work")
	require.NoError(t, err)
	assert.Equal(t, "Work", book.DisplayName)
	assert.Equal(t, "Colleagues", book.Description)

	plain := `<d:mkcol xmlns:d="DAV:"><d:set><d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop></d:set></d:mkcol>`
	rr = f.do("MKCOL", "/dav/addressbooks/alice/plain/", plain, map[string]string{"Content-Type": "application/xml"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAddressBookProperties(t *testing.T) {
	f := newFixture(t)
	body := `<d:propfind xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav" xmlns:cs="http://calendarserver.org/ns/"><d:prop>
		<d:resourcetype/><d:displayname/><d:supported-report-set/><card:supported-address-data/><d:sync-token/>
	</d:prop></d:propfind>`
	rr := f.do("PROPFIND", "/dav/addressbooks/alice/contacts/", body, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	resp := responses(t, rr.Body.Bytes())["/dav/addressbooks/alice/contacts/"]
	require.NotNil(t, resp, rr.Body.String())

	assert.NotNil(t, prop(resp, davxml.Clark(davxml.NSDAV, "resourcetype")).Child(typeAddressBook))
	assert.Equal(t, "Contacts", prop(resp, propDisplayName).TextContent())
	assert.Contains(t, rr.Body.String(), "addressbook-multiget")
	assert.Contains(t, rr.Body.String(), "addressbook-query")
	assert.Len(t, prop(resp, propSupportedData).Children, 2)
	assert.True(t, strings.HasPrefix(prop(resp, davxml.Clark(davxml.NSDAV, "sync-token")).TextContent(), dav.SyncTokenPrefix))
}

func TestPrincipalAddressBookHomeSet(t *testing.T) {
	f := newFixture(t)
	body := `<d:propfind xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav"><d:prop><card:addressbook-home-set/></d:prop></d:propfind>`
	rr := f.do("PROPFIND", "/dav/principals/alice/", body, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	resp := responses(t, rr.Body.Bytes())["/dav/principals/alice/"]
	require.NotNil(t, resp, rr.Body.String())
	assert.Equal(t, "/dav/addressbooks/alice/", prop(resp, propHomeSet).TextContent())
}

func TestPropPatchAddressBook(t *testing.T) {
	f := newFixture(t)
	body := `<d:propertyupdate xmlns:d="DAV:"><d:set><d:prop><d:displayname>Friends</d:displayname></d:prop></d:set></d:propertyupdate>`
	rr := f.do("PROPPATCH", "/dav/addressbooks/alice/contacts/", body, nil)
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	assert.Contains(t, rr.Body.String(), "HTTP/1.1 200 OK")

	book, err := f.store.AddressBooks.GetByID(context.Background(), f.book.ID)
	require.NoError(t, err)
	assert.Equal(t, "Friends", book.DisplayName)
}
