package caldav

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
	meetingEvent = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//davkit//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:ev-1\r\nDTSTAMP:20260101T000000Z\r\nDTSTART:20260105T100000Z\r\nDTEND:20260105T110000Z\r\nSUMMARY:Team meeting\r\nLOCATION:Room 4\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	dentistEvent = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//davkit//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:ev-2\r\nDTSTAMP:20260101T000000Z\r\nDTSTART:20260210T090000Z\r\nDURATION:PT30M\r\nSUMMARY:Dentist\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	milkTodo = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//davkit//test//EN\r\n" +
		"BEGIN:VTODO\r\nUID:todo-1\r\nDTSTAMP:20260101T000000Z\r\nSUMMARY:Buy milk\r\nEND:VTODO\r\n" +
		"END:VCALENDAR\r\n"
)

type fixture struct {
	server *dav.Server
	store  *store.Store
	cal    *store.Calendar
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	alice, err := st.Users.Create(ctx, store.User{Username: "alice", Email: "alice@example.com"})
	require.NoError(t, err)
	_, err = st.Users.Create(ctx, store.User{Username: "bob", Email: "bob@example.com"})
	require.NoError(t, err)

	backend := NewStoreBackend(st)
	cal, err := backend.CreateCalendar(ctx, store.Calendar{UserID: alice.ID, URI: "work", DisplayName: "Work", Components: DefaultComponents})
	require.NoError(t, err)
	for uri, data := range map[string]string{"meeting.ics": meetingEvent, "dentist.ics": dentistEvent, "milk.ics": milkTodo} {
		_, err = backend.CreateObject(ctx, cal.ID, uri, []byte(data))
		require.NoError(t, err)
	}

	principals := davacl.NewStoreBackend(st.Users)
	root := dav.NewSimpleCollection("",
		davacl.NewPrincipalCollection(principals),
		NewRoot(backend, principals, "/dav/"),
	)
	s := dav.NewServer(root, dav.Options{BaseURI: "/dav/", Logger: zerolog.Nop()})
	s.AddPlugin(davacl.New())
	s.AddPlugin(&dav.SyncPlugin{})
	s.AddPlugin(&dav.SharingPlugin{})
	s.AddPlugin(New())
	s.AddPlugin(NewSharing())
	return &fixture{server: s, store: st, cal: cal}
}

func (f *fixture) doAs(principal, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req = req.WithContext(dav.WithPrincipal(req.Context(), principal))
	rr := httptest.NewRecorder()
	f.server.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	return f.doAs("principals/alice", method, target, body, headers)
}

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

const (
	meetingHref = "/dav/calendars/alice/work/meeting.ics"
	dentistHref = "/dav/calendars/alice/work/dentist.ics"
	milkHref    = "/dav/calendars/alice/work/milk.ics"
)

func (f *fixture) query(t *testing.T, filter string) map[string]*davxml.Element {
	t.Helper()
	body := `<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
		<d:prop><d:getetag/></d:prop><c:filter>` + filter + `</c:filter></c:calendar-query>`
	rr := f.do("REPORT", "/dav/calendars/alice/work/", body, map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rr.Code, rr.Body.String())
	return responses(t, rr.Body.Bytes())
}

func TestCalendarQueryComponentAndTimeRange(t *testing.T) {
	f := newFixture(t)

	got := f.query(t, `<c:comp-filter name="VCALENDAR"/>`)
	assert.Len(t, got, 3)

	got = f.query(t, `<c:comp-filter name="VCALENDAR"><c:comp-filter name="VEVENT"/></c:comp-filter>`)
	assert.Len(t, got, 2)
	assert.NotContains(t, got, milkHref)

	got = f.query(t, `<c:comp-filter name="VCALENDAR"><c:comp-filter name="VEVENT">
		<c:time-range start="20260201T000000Z" end="20260301T000000Z"/>
	</c:comp-filter></c:comp-filter>`)
	assert.Len(t, got, 1)
	assert.Contains(t, got, dentistHref)

	got = f.query(t, `<c:comp-filter name="VCALENDAR"><c:comp-filter name="VEVENT">
		<c:time-range start="20260105T103000Z" end="20260105T104500Z"/>
	</c:comp-filter></c:comp-filter>`)
	assert.Len(t, got, 1)
	assert.Contains(t, got, meetingHref)

	got = f.query(t, `<c:comp-filter name="VCALENDAR"><c:comp-filter name="VTODO"><c:is-not-defined/></c:comp-filter></c:comp-filter>`)
	assert.Len(t, got, 2)
	assert.NotContains(t, got, milkHref)
}

func TestCalendarQueryPropertyFilters(t *testing.T) {
	f := newFixture(t)

	got := f.query(t, `<c:comp-filter name="VCALENDAR"><c:comp-filter name="VEVENT">
		<c:prop-filter name="SUMMARY"><c:text-match>MEETING</c:text-match></c:prop-filter>
	</c:comp-filter></c:comp-filter>`)
	assert.Len(t, got, 1)
	assert.Contains(t, got, meetingHref)

	got = f.query(t, `<c:comp-filter name="VCALENDAR"><c:comp-filter name="VEVENT">
		<c:prop-filter name="SUMMARY"><c:text-match negate-condition="yes">meeting</c:text-match></c:prop-filter>
	</c:comp-filter></c:comp-filter>`)
	assert.Len(t, got, 1)
	assert.Contains(t, got, dentistHref)

	got = f.query(t, `<c:comp-filter name="VCALENDAR"><c:comp-filter name="VEVENT">
		<c:prop-filter name="LOCATION"><c:is-not-defined/></c:prop-filter>
	</c:comp-filter></c:comp-filter>`)
	assert.Len(t, got, 1)
	assert.Contains(t, got, dentistHref)
}

func TestCalendarQueryRejectsBadFilters(t *testing.T) {
	f := newFixture(t)
	for name, filter := range map[string]string{
		"not vcalendar":  `<c:comp-filter name="VEVENT"/>`,
		"local time":     `<c:comp-filter name="VCALENDAR"><c:comp-filter name="VEVENT"><c:time-range start="20260101T000000"/></c:comp-filter></c:comp-filter>`,
		"empty range":    `<c:comp-filter name="VCALENDAR"><c:comp-filter name="VEVENT"><c:time-range start="20260102T000000Z" end="20260101T000000Z"/></c:comp-filter></c:comp-filter>`,
		"unknown collat": `<c:comp-filter name="VCALENDAR"><c:comp-filter name="VEVENT"><c:prop-filter name="SUMMARY"><c:text-match collation="x;unknown">a</c:text-match></c:prop-filter></c:comp-filter></c:comp-filter>`,
	} {
		t.Run(name, func(t *testing.T) {
			body := `<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
				<d:prop><d:getetag/></d:prop><c:filter>` + filter + `</c:filter></c:calendar-query>`
			rr := f.do("REPORT", "/dav/calendars/alice/work/", body, map[string]string{"Depth": "1"})
			assert.NotEqual(t, http.StatusMultiStatus, rr.Code, rr.Body.String())
		})
	}
}

func TestCalendarQueryOnObject(t *testing.T) {
	f := newFixture(t)
	body := `<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
		<d:prop><d:getetag/></d:prop>
		<c:filter><c:comp-filter name="VCALENDAR"><c:comp-filter name="VEVENT"/></c:comp-filter></c:filter>
	</c:calendar-query>`
	rr := f.do("REPORT", meetingHref, body, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rr.Code, rr.Body.String())
	got := responses(t, rr.Body.Bytes())
	assert.Len(t, got, 1)
	assert.Contains(t, got, meetingHref)
}

func TestCalendarMultiget(t *testing.T) {
	f := newFixture(t)
	body := `<c:calendar-multiget xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
		<d:prop><d:getetag/><c:calendar-data/></d:prop>
		<d:href>` + meetingHref + `</d:href>
		<d:href>/dav/calendars/alice/work/missing.ics</d:href>
	</c:calendar-multiget>`
	rr := f.do("REPORT", "/dav/calendars/alice/work/", body, nil)
	require.Equal(t, http.StatusMultiStatus, rr.Code, rr.Body.String())

	got := responses(t, rr.Body.Bytes())
	require.Len(t, got, 2)
	require.NotNil(t, got[meetingHref])
	assert.Contains(t, prop(got[meetingHref], propCalendarData).TextContent(), "SUMMARY:Team meeting")
	missing := got["/dav/calendars/alice/work/missing.ics"]
	require.NotNil(t, missing)
	assert.Equal(t, "HTTP/1.1 404 Not Found", missing.Child(davxml.Clark(davxml.NSDAV, "status")).TextContent())
}

func TestPartialCalendarData(t *testing.T) {
	f := newFixture(t)
	body := `<c:calendar-multiget xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
		<d:prop><c:calendar-data><c:comp name="VCALENDAR"><c:allprop/>
			<c:comp name="VEVENT"><c:prop name="SUMMARY"/></c:comp>
		</c:comp></c:calendar-data></d:prop>
		<d:href>` + meetingHref + `</d:href>
	</c:calendar-multiget>`
	rr := f.do("REPORT", "/dav/calendars/alice/work/", body, nil)
	require.Equal(t, http.StatusMultiStatus, rr.Code, rr.Body.String())

	data := prop(responses(t, rr.Body.Bytes())[meetingHref], propCalendarData).TextContent()
	assert.Contains(t, data, "SUMMARY:Team meeting")
	assert.Contains(t, data, "UID:ev-1")
	assert.NotContains(t, data, "LOCATION")
	assert.NotContains(t, data, "DTEND")

	body = strings.Replace(body, `<c:calendar-data>`, `<c:calendar-data content-type="application/calendar+json">`, 1)
	rr = f.do("REPORT", "/dav/calendars/alice/work/", body, nil)
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestPutValidatesCalendarObjects(t *testing.T) {
	f := newFixture(t)

	rr := f.do(http.MethodPut, "/dav/calendars/alice/work/broken.ics", "not ical", nil)
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	assert.Contains(t, rr.Body.String(), "valid-calendar-data")

	noUID := strings.Replace(dentistEvent, "UID:ev-2\r\n", "", 1)
	rr = f.do(http.MethodPut, "/dav/calendars/alice/work/nouid.ics", noUID, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "valid-calendar-object-resource")

	withMethod := strings.Replace(dentistEvent, "VERSION:2.0\r\n", "VERSION:2.0\r\nMETHOD:REQUEST\r\n", 1)
	rr = f.do(http.MethodPut, "/dav/calendars/alice/work/method.ics", withMethod, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	journal := strings.NewReplacer("VEVENT", "VJOURNAL", "UID:ev-2", "UID:journal-1", "DURATION:PT30M\r\n", "").Replace(dentistEvent)
	rr = f.do(http.MethodPut, "/dav/calendars/alice/work/journal.ics", journal, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "supported-calendar-component")

	tooEarly := strings.Replace(dentistEvent, "DTSTART:20260210T090000Z", "DTSTART:18500101T000000Z", 1)
	tooEarly = strings.Replace(tooEarly, "UID:ev-2", "UID:old-1", 1)
	rr = f.do(http.MethodPut, "/dav/calendars/alice/work/old.ics", tooEarly, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "min-date-time")
}

func TestPutRejectsDuplicateUID(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPut, "/dav/calendars/alice/work/copy.ics", meetingEvent, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "no-uid-conflict")

	updated := strings.Replace(meetingEvent, "Team meeting", "Team sync", 1)
	rr = f.do(http.MethodPut, meetingHref, updated, nil)
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	obj, err := f.store.CalendarObjects.Get(context.Background(), f.cal.ID, "meeting.ics")
	require.NoError(t, err)
	assert.Contains(t, string(obj.Data), "Team sync")
	assert.Equal(t, "ev-1", obj.UID)
}

func TestPutRejectsOversizedObjects(t *testing.T) {
	f := newFixture(t)
	f.server.Plugin("caldav").(*Plugin).MaxResourceSize = 32
	rr := f.do(http.MethodPut, meetingHref, meetingEvent, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "max-resource-size")
}

func TestMkCalendar(t *testing.T) {
	f := newFixture(t)
	body := `<c:mkcalendar xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav"><d:set><d:prop>
		<d:displayname>Tasks</d:displayname>
		<c:calendar-description>Things to do</c:calendar-description>
		<c:supported-calendar-component-set><c:comp name="VTODO"/></c:supported-calendar-component-set>
	</d:prop></d:set></c:mkcalendar>`
	rr := f.do("MKCALENDAR", "/dav/calendars/alice/tasks/", body, map[string]string{"Content-Type": "application/xml"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	alice, err := f.store.Users.GetByUsername(context.Background(), "alice")
	require.NoError(t, err)
	cal, err := f.store.Calendars.GetByURI(context.Background(), alice.ID, "tasks")
	require.NoError(t, err)
	assert.Equal(t, "Tasks", cal.DisplayName)
	assert.Equal(t, "Things to do", cal.Description)
	assert.Equal(t, []string{"VTODO"}, cal.Components)

	rr = f.do(http.MethodPut, "/dav/calendars/alice/tasks/meeting.ics", meetingEvent, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "supported-calendar-component")

	rr = f.do("MKCALENDAR", "/dav/calendars/alice/tasks/", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = f.do("MKCALENDAR", "/dav/calendars/alice/empty/", "", nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	cal, err = f.store.Calendars.GetByURI(context.Background(), alice.ID, "empty")
	require.NoError(t, err)
	assert.Equal(t, DefaultComponents, cal.Components)
}

func TestMkCalendarRequiresBind(t *testing.T) {
	f := newFixture(t)
	rr := f.doAs("principals/bob", "MKCALENDAR", "/dav/calendars/alice/intruder/", "", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestCalendarProperties(t *testing.T) {
	f := newFixture(t)
	body := `<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav"><d:prop>
		<d:resourcetype/><d:displayname/><d:supported-report-set/><c:supported-calendar-component-set/>
		<c:supported-calendar-data/><c:min-date-time/><c:max-date-time/><d:sync-token/>
	</d:prop></d:propfind>`
	rr := f.do("PROPFIND", "/dav/calendars/alice/work/", body, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	resp := responses(t, rr.Body.Bytes())["/dav/calendars/alice/work/"]
	require.NotNil(t, resp, rr.Body.String())

	assert.NotNil(t, prop(resp, davxml.Clark(davxml.NSDAV, "resourcetype")).Child(typeCalendar))
	assert.Equal(t, "Work", prop(resp, propDisplayName).TextContent())
	assert.Len(t, prop(resp, propComponentSet).Children, 2)
	assert.Equal(t, MinDateTime, prop(resp, propMinDateTime).TextContent())
	assert.Equal(t, MaxDateTime, prop(resp, propMaxDateTime).TextContent())
	assert.Contains(t, rr.Body.String(), "calendar-multiget")
	assert.Contains(t, rr.Body.String(), "calendar-query")
	assert.True(t, strings.HasPrefix(prop(resp, davxml.Clark(davxml.NSDAV, "sync-token")).TextContent(), dav.SyncTokenPrefix))
}

func TestPrincipalCalendarProperties(t *testing.T) {
	f := newFixture(t)
	body := `<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav"><d:prop>
		<c:calendar-home-set/><c:calendar-user-address-set/>
	</d:prop></d:propfind>`
	rr := f.do("PROPFIND", "/dav/principals/alice/", body, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	resp := responses(t, rr.Body.Bytes())["/dav/principals/alice/"]
	require.NotNil(t, resp, rr.Body.String())

	assert.Equal(t, "/dav/calendars/alice/", prop(resp, propHomeSet).TextContent())
	var addresses []string
	for _, h := range prop(resp, propUserAddressSet).ChildrenNamed(davxml.Clark(davxml.NSDAV, "href")) {
		addresses = append(addresses, h.TextContent())
	}
	assert.Equal(t, []string{"mailto:alice@example.com", "/dav/principals/alice/"}, addresses)
}

func TestPropPatchCalendar(t *testing.T) {
	f := newFixture(t)
	body := `<d:propertyupdate xmlns:d="DAV:" xmlns:a="http://apple.com/ns/ical/"><d:set><d:prop>
		<d:displayname>Office</d:displayname><a:calendar-color>#ff0000</a:calendar-color>
	</d:prop></d:set></d:propertyupdate>`
	rr := f.do("PROPPATCH", "/dav/calendars/alice/work/", body, nil)
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	assert.Contains(t, rr.Body.String(), "HTTP/1.1 200 OK")

	cal, err := f.store.Calendars.GetByID(context.Background(), f.cal.ID)
	require.NoError(t, err)
	assert.Equal(t, "Office", cal.DisplayName)
	assert.Equal(t, "#ff0000", cal.Color)
}

func TestShareAndAcceptCalendar(t *testing.T) {
	f := newFixture(t)
	share := `<d:share-resource xmlns:d="DAV:"><d:sharee>
		<d:href>mailto:bob@example.com</d:href>
		<d:share-access><d:read-write/></d:share-access>
	</d:sharee></d:share-resource>`
	rr := f.do(http.MethodPost, "/dav/calendars/alice/work/", share, map[string]string{"Content-Type": "application/davshare+xml"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	bob, err := f.store.Users.GetByUsername(context.Background(), "bob")
	require.NoError(t, err)
	stored, err := f.store.CalendarShares.Get(context.Background(), f.cal.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, davxml.AccessReadWrite, stored.Access)
	assert.Equal(t, davxml.InviteNoResponse, stored.InviteStatus)

	// Not mounted until accepted.
	rr = f.doAs("principals/bob", "PROPFIND", "/dav/calendars/bob/"+stored.URI+"/", "", map[string]string{"Depth": "0"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	reply := `<cs:invite-reply xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
		<d:href>mailto:bob@example.com</d:href>
		<cs:invite-accepted/>
		<cs:hosturl><d:href>/dav/calendars/alice/work/</d:href></cs:hosturl>
	</cs:invite-reply>`
	rr = f.do(http.MethodPost, "/dav/calendars/bob/", reply, map[string]string{"Content-Type": "application/davshare+xml"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.doAs("principals/bob", http.MethodPost, "/dav/calendars/bob/", reply, map[string]string{"Content-Type": "application/davshare+xml"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	doc, err := davxml.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	require.True(t, doc.Is(davxml.Clark(davxml.NSCalendarServer, "shared-as")))
	mounted := "/dav/calendars/bob/" + stored.URI + "/"
	assert.Equal(t, mounted, doc.Child(davxml.Clark(davxml.NSDAV, "href")).TextContent())

	body := `<d:propfind xmlns:d="DAV:"><d:prop><d:resourcetype/><d:share-access/></d:prop></d:propfind>`
	rr = f.doAs("principals/bob", "PROPFIND", mounted, body, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rr.Code, rr.Body.String())
	resp := responses(t, rr.Body.Bytes())[mounted]
	require.NotNil(t, resp, rr.Body.String())
	assert.NotNil(t, prop(resp, davxml.Clark(davxml.NSDAV, "resourcetype")).Child(davxml.Clark(davxml.NSDAV, "shared")))
	assert.NotNil(t, prop(resp, davxml.Clark(davxml.NSDAV, "share-access")).Child(davxml.Clark(davxml.NSDAV, "read-write")))

	rr = f.doAs("principals/bob", http.MethodGet, mounted+"meeting.ics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Team meeting")

	rr = f.doAs("principals/bob", http.MethodPut, mounted+"lunch.ics",
		strings.NewReplacer("UID:ev-2", "UID:lunch-1", "Dentist", "Lunch").Replace(dentistEvent), nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	_, err = f.store.CalendarObjects.Get(context.Background(), f.cal.ID, "lunch.ics")
	require.NoError(t, err)
}

func TestDeclinedShareIsNotMounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob, err := f.store.Users.GetByUsername(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, f.store.CalendarShares.Upsert(ctx, store.CalendarShare{
		CalendarID:   f.cal.ID,
		ShareeID:     bob.ID,
		URI:          "shared-work",
		Href:         "mailto:bob@example.com",
		Access:       davxml.AccessRead,
		InviteStatus: davxml.InviteNoResponse,
	}))

	reply := `<cs:invite-reply xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
		<d:href>mailto:bob@example.com</d:href>
		<cs:invite-declined/>
		<cs:hosturl><d:href>/dav/calendars/alice/work/</d:href></cs:hosturl>
	</cs:invite-reply>`
	rr := f.doAs("principals/bob", http.MethodPost, "/dav/calendars/bob/", reply, map[string]string{"Content-Type": "application/davshare+xml"})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	stored, err := f.store.CalendarShares.Get(ctx, f.cal.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, davxml.InviteDeclined, stored.InviteStatus)

	rr = f.doAs("principals/bob", http.MethodGet, "/dav/calendars/alice/work/meeting.ics", "", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
