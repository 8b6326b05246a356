package davxml

import (
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Href is a list of {DAV:}href values. Relative hrefs are prefixed with the
// writer's context URI when AutoPrefix is set.
type Href struct {
	Hrefs      []string
	AutoPrefix bool
}

// NewHref returns an auto-prefixed Href for server paths relative to the base.
func NewHref(hrefs ...string) *Href {
	return &Href{Hrefs: hrefs, AutoPrefix: true}
}

// First returns the first href or "".
func (h *Href) First() string {
	if h == nil || len(h.Hrefs) == 0 {
		return ""
	}
	return h.Hrefs[0]
}

func (h *Href) SerializeXML(w *Writer) {
	for _, href := range h.Hrefs {
		w.WriteElement(Clark(NSDAV, "href"), h.resolve(w.ContextURI, href))
	}
}

func (h *Href) resolve(contextURI, href string) string {
	if !h.AutoPrefix || isAbsoluteRef(href) {
		return href
	}
	return strings.TrimSuffix(contextURI, "/") + "/" + EncodePath(strings.TrimPrefix(href, "/"))
}

func isAbsoluteRef(href string) bool {
	if strings.HasPrefix(href, "/") {
		return true
	}
	if i := strings.Index(href, ":"); i > 0 && !strings.Contains(href[:i], "/") {
		return true
	}
	return false
}

// EncodePath percent-encodes each segment of p, keeping the separators.
func EncodePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func deserializeHref(el *Element) (any, error) {
	h := &Href{}
	for _, c := range el.ChildrenNamed(Clark(NSDAV, "href")) {
		v := c.TextContent()
		if dec, err := url.PathUnescape(v); err == nil {
			v = dec
		}
		h.Hrefs = append(h.Hrefs, v)
	}
	return h, nil
}

// ResourceType lists the clark names a resource is typed as.
type ResourceType struct {
	Types []string
}

// NewResourceType returns a ResourceType with the given types.
func NewResourceType(types ...string) *ResourceType {
	return &ResourceType{Types: types}
}

// Is reports whether the resource has the given type.
func (r *ResourceType) Is(name string) bool {
	if r == nil {
		return false
	}
	for _, t := range r.Types {
		if t == name {
			return true
		}
	}
	return false
}

// Add appends a type unless already present.
func (r *ResourceType) Add(name string) {
	if !r.Is(name) {
		r.Types = append(r.Types, name)
	}
}

// IsCollection reports whether {DAV:}collection is among the types.
func (r *ResourceType) IsCollection() bool {
	return r.Is(Clark(NSDAV, "collection"))
}

func (r *ResourceType) SerializeXML(w *Writer) {
	for _, t := range r.Types {
		w.StartElement(t)
		w.EndElement()
	}
}

func deserializeResourceType(el *Element) (any, error) {
	return &ResourceType{Types: el.ChildNames()}, nil
}

// SupportedReportSet is {DAV:}supported-report-set.
type SupportedReportSet struct {
	Reports []string
}

// Add registers a report clark name.
func (s *SupportedReportSet) Add(report string) {
	for _, r := range s.Reports {
		if r == report {
			return
		}
	}
	s.Reports = append(s.Reports, report)
}

// Has reports whether report is supported.
func (s *SupportedReportSet) Has(report string) bool {
	for _, r := range s.Reports {
		if r == report {
			return true
		}
	}
	return false
}

func (s *SupportedReportSet) SerializeXML(w *Writer) {
	for _, r := range s.Reports {
		w.StartElement(Clark(NSDAV, "supported-report"))
		w.StartElement(Clark(NSDAV, "report"))
		w.StartElement(r)
		w.EndElement()
		w.EndElement()
		w.EndElement()
	}
}

// SupportedMethodSet is {DAV:}supported-method-set.
type SupportedMethodSet struct {
	Methods []string
}

func (s *SupportedMethodSet) SerializeXML(w *Writer) {
	for _, m := range s.Methods {
		w.StartElement(Clark(NSDAV, "supported-method"))
		w.Attr("name", m)
		w.EndElement()
	}
}

// SupportedLock advertises exclusive and shared write locks.
type SupportedLock struct{}

func (SupportedLock) SerializeXML(w *Writer) {
	for _, scope := range []string{"exclusive", "shared"} {
		w.StartElement(Clark(NSDAV, "lockentry"))
		w.StartElement(Clark(NSDAV, "lockscope"))
		w.WriteElement(Clark(NSDAV, scope), nil)
		w.EndElement()
		w.StartElement(Clark(NSDAV, "locktype"))
		w.WriteElement(Clark(NSDAV, "write"), nil)
		w.EndElement()
		w.EndElement()
	}
}

// ActiveLock describes one lock in {DAV:}lockdiscovery.
type ActiveLock struct {
	Token string
	// Root is the path the lock was taken on, relative to the base URI.
	Root    string
	Shared  bool
	Depth   int
	Owner   string
	Timeout int64
}

// LockDiscovery is {DAV:}lockdiscovery.
type LockDiscovery struct {
	Locks []ActiveLock
}

func (l *LockDiscovery) SerializeXML(w *Writer) {
	for _, lock := range l.Locks {
		w.StartElement(Clark(NSDAV, "activelock"))
		w.StartElement(Clark(NSDAV, "lockscope"))
		if lock.Shared {
			w.WriteElement(Clark(NSDAV, "shared"), nil)
		} else {
			w.WriteElement(Clark(NSDAV, "exclusive"), nil)
		}
		w.EndElement()
		w.StartElement(Clark(NSDAV, "locktype"))
		w.WriteElement(Clark(NSDAV, "write"), nil)
		w.EndElement()
		if lock.Depth < 0 {
			w.WriteElement(Clark(NSDAV, "depth"), "infinity")
		} else {
			w.WriteElement(Clark(NSDAV, "depth"), strconv.Itoa(lock.Depth))
		}
		if lock.Timeout > 0 {
			w.WriteElement(Clark(NSDAV, "timeout"), "Second-"+strconv.FormatInt(lock.Timeout, 10))
		} else {
			w.WriteElement(Clark(NSDAV, "timeout"), "Infinite")
		}
		if lock.Owner != "" {
			w.WriteElement(Clark(NSDAV, "owner"), lock.Owner)
		}
		w.StartElement(Clark(NSDAV, "locktoken"))
		w.WriteElement(Clark(NSDAV, "href"), lock.Token)
		w.EndElement()
		w.StartElement(Clark(NSDAV, "lockroot"))
		NewHref(lock.Root).SerializeXML(w)
		w.EndElement()
		w.EndElement()
	}
}

// SupportedCalendarData is {cal}supported-calendar-data.
type SupportedCalendarData struct{}

func (SupportedCalendarData) SerializeXML(w *Writer) {
	w.StartElement(Clark(NSCalDAV, "calendar-data"))
	w.Attr("content-type", "text/calendar")
	w.Attr("version", "2.0")
	w.EndElement()
}

// SupportedAddressData is {card}supported-address-data.
type SupportedAddressData struct{}

func (SupportedAddressData) SerializeXML(w *Writer) {
	for _, v := range []string{"3.0", "4.0"} {
		w.StartElement(Clark(NSCardDAV, "address-data-type"))
		w.Attr("content-type", "text/vcard")
		w.Attr("version", v)
		w.EndElement()
	}
}

// Collations supported by text-match filters.
var Collations = []string{"i;ascii-casemap", "i;octet", "i;unicode-casemap"}

// SupportedCollationSet lists collations under the given namespace.
type SupportedCollationSet struct {
	Namespace string
}

func (s SupportedCollationSet) SerializeXML(w *Writer) {
	for _, c := range Collations {
		w.WriteElement(Clark(s.Namespace, "supported-collation"), c)
	}
}

// SupportedCalendarComponentSet is {cal}supported-calendar-component-set.
type SupportedCalendarComponentSet struct {
	Components []string
}

// Has reports whether comp is in the set.
func (s *SupportedCalendarComponentSet) Has(comp string) bool {
	for _, c := range s.Components {
		if strings.EqualFold(c, comp) {
			return true
		}
	}
	return false
}

func (s *SupportedCalendarComponentSet) SerializeXML(w *Writer) {
	for _, c := range s.Components {
		w.StartElement(Clark(NSCalDAV, "comp"))
		w.Attr("name", c)
		w.EndElement()
	}
}

func deserializeComponentSet(el *Element) (any, error) {
	s := &SupportedCalendarComponentSet{}
	for _, c := range el.ChildrenNamed(Clark(NSCalDAV, "comp")) {
		if name, ok := c.Attr("name"); ok && name != "" {
			s.Components = append(s.Components, strings.ToUpper(name))
		}
	}
	if len(s.Components) == 0 {
		return nil, ErrEmptyComponentSet
	}
	return s, nil
}

// ScheduleCalendarTransp is {cal}schedule-calendar-transp.
type ScheduleCalendarTransp struct {
	Transparent bool
}

func (s ScheduleCalendarTransp) SerializeXML(w *Writer) {
	if s.Transparent {
		w.WriteElement(Clark(NSCalDAV, "transparent"), nil)
		return
	}
	w.WriteElement(Clark(NSCalDAV, "opaque"), nil)
}

func deserializeTransp(el *Element) (any, error) {
	return ScheduleCalendarTransp{Transparent: el.Child(Clark(NSCalDAV, "transparent")) != nil}, nil
}

// Share access levels.
const (
	AccessNotShared = iota
	AccessSharedOwner
	AccessRead
	AccessReadWrite
	AccessNoAccess
)

// Invite statuses.
const (
	InviteNoResponse = iota + 1
	InviteAccepted
	InviteDeclined
	InviteInvalid
)

// ShareAccess is {DAV:}share-access.
type ShareAccess struct {
	Access int
}

var shareAccessNames = map[int]string{
	AccessNotShared:   "not-shared",
	AccessSharedOwner: "shared-owner",
	AccessRead:        "read",
	AccessReadWrite:   "read-write",
	AccessNoAccess:    "no-access",
}

func (s ShareAccess) SerializeXML(w *Writer) {
	if name, ok := shareAccessNames[s.Access]; ok {
		w.WriteElement(Clark(NSDAV, name), nil)
	}
}

// Sharee is one participant of a shared resource.
type Sharee struct {
	Href         string
	Principal    string
	Access       int
	InviteStatus int
	Comment      string
	// Properties are extra properties such as {DAV:}displayname.
	Properties map[string]any
}

// Invite is {DAV:}invite.
type Invite struct {
	Sharees []Sharee
}

var inviteNames = map[int]string{
	InviteNoResponse: "invite-noresponse",
	InviteAccepted:   "invite-accepted",
	InviteDeclined:   "invite-declined",
	InviteInvalid:    "invite-invalid",
}

func (inv *Invite) SerializeXML(w *Writer) {
	for _, s := range inv.Sharees {
		w.StartElement(Clark(NSDAV, "sharee"))
		w.WriteElement(Clark(NSDAV, "href"), s.Href)
		if s.Principal != "" {
			w.StartElement(Clark(NSDAV, "principal"))
			NewHref(s.Principal).SerializeXML(w)
			w.EndElement()
		}
		if len(s.Properties) > 0 {
			w.WriteElement(Clark(NSDAV, "prop"), s.Properties)
		}
		if s.Comment != "" {
			w.WriteElement(Clark(NSDAV, "comment"), s.Comment)
		}
		w.WriteElement(Clark(NSDAV, "share-access"), ShareAccess{Access: s.Access})
		if name, ok := inviteNames[s.InviteStatus]; ok {
			w.WriteElement(Clark(NSDAV, name), nil)
		}
		w.EndElement()
	}
}

// CurrentUserPrivilegeSet is {DAV:}current-user-privilege-set.
type CurrentUserPrivilegeSet struct {
	Privileges []string
}

// Has reports whether the privilege is granted.
func (c *CurrentUserPrivilegeSet) Has(priv string) bool {
	for _, p := range c.Privileges {
		if p == priv {
			return true
		}
	}
	return false
}

func (c *CurrentUserPrivilegeSet) SerializeXML(w *Writer) {
	privs := append([]string(nil), c.Privileges...)
	sort.Strings(privs)
	for _, p := range privs {
		w.StartElement(Clark(NSDAV, "privilege"))
		w.WriteElement(p, nil)
		w.EndElement()
	}
}

// Privilege is a node of the supported privilege tree.
type Privilege struct {
	Name       string
	Abstract   bool
	Aggregates []Privilege
}

// SupportedPrivilegeSet is {DAV:}supported-privilege-set.
type SupportedPrivilegeSet struct {
	Root Privilege
}

func (s *SupportedPrivilegeSet) SerializeXML(w *Writer) {
	writePrivilege(w, s.Root)
}

func writePrivilege(w *Writer, p Privilege) {
	w.StartElement(Clark(NSDAV, "supported-privilege"))
	w.StartElement(Clark(NSDAV, "privilege"))
	w.WriteElement(p.Name, nil)
	w.EndElement()
	if p.Abstract {
		w.WriteElement(Clark(NSDAV, "abstract"), nil)
	}
	for _, a := range p.Aggregates {
		writePrivilege(w, a)
	}
	w.EndElement()
}

// CData is text written as a CDATA section.
type CData string

func (c CData) SerializeXML(w *Writer) {
	w.CDATA(string(c))
}

// Deserializer maps a parsed property element to a typed value.
type Deserializer func(el *Element) (any, error)

var deserializers = map[string]Deserializer{
	Clark(NSDAV, "resourcetype"):                        deserializeResourceType,
	Clark(NSDAV, "group-member-set"):                    deserializeHref,
	Clark(NSCalDAV, "supported-calendar-component-set"): deserializeComponentSet,
	Clark(NSCalDAV, "schedule-calendar-transp"):         deserializeTransp,
	Clark(NSCalDAV, "calendar-home-set"):                deserializeHref,
	Clark(NSCardDAV, "addressbook-home-set"):            deserializeHref,
	Clark(NSDAV, "supported-report-set"):                cannotDeserialize,
	Clark(NSDAV, "supportedlock"):                       cannotDeserialize,
	Clark(NSDAV, "lockdiscovery"):                       cannotDeserialize,
	Clark(NSDAV, "supported-method-set"):                cannotDeserialize,
	Clark(NSCalDAV, "supported-calendar-data"):          cannotDeserialize,
	Clark(NSCalDAV, "supported-collation-set"):          cannotDeserialize,
	Clark(NSCardDAV, "supported-address-data"):          cannotDeserialize,
	Clark(NSCardDAV, "supported-collation-set"):         cannotDeserialize,
	Clark(NSDAV, "current-user-privilege-set"):          cannotDeserialize,
	Clark(NSDAV, "supported-privilege-set"):             cannotDeserialize,
}

func cannotDeserialize(*Element) (any, error) {
	return nil, ErrCannotDeserialize
}

// ErrEmptyComponentSet is returned when a component set names no components.
var ErrEmptyComponentSet = errors.New("supported-calendar-component-set must contain at least one comp")

// DeserializeProperty maps a property element to its value. Known names use
// their typed deserializer; text-only elements become strings; anything else
// is kept as the element itself.
func DeserializeProperty(el *Element) (any, error) {
	if fn, ok := deserializers[el.Clark()]; ok {
		return fn(el)
	}
	if len(el.Children) == 0 {
		return el.Text, nil
	}
	return el, nil
}
