package davxml

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidDocument wraps every structural problem found while mapping a
// parsed body to a request document.
var ErrInvalidDocument = errors.New("invalid request document")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDocument, fmt.Sprintf(format, args...))
}

func expectRoot(el *Element, names ...string) error {
	for _, n := range names {
		if el.Is(n) {
			return nil
		}
	}
	return invalidf("unexpected root element %s", el.Clark())
}

// PropNames returns the clark names of the children of a {DAV:}prop element.
func PropNames(prop *Element) []string {
	return prop.ChildNames()
}

// PropFindRequest is a parsed {DAV:}propfind body.
type PropFindRequest struct {
	AllProp  bool
	PropName bool
	Props    []string
	// Include lists extra names requested alongside allprop.
	Include []string
}

// ParsePropFind maps a propfind body. An empty body means allprop.
func ParsePropFind(body []byte) (*PropFindRequest, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return &PropFindRequest{AllProp: true}, nil
	}
	root, err := ParseBytes(body)
	if err != nil {
		return nil, err
	}
	if err := expectRoot(root, Clark(NSDAV, "propfind")); err != nil {
		return nil, err
	}
	req := &PropFindRequest{}
	switch {
	case root.Child(Clark(NSDAV, "propname")) != nil:
		req.PropName = true
	case root.Child(Clark(NSDAV, "allprop")) != nil:
		req.AllProp = true
		req.Include = PropNames(root.Child(Clark(NSDAV, "include")))
	case root.Child(Clark(NSDAV, "prop")) != nil:
		req.Props = PropNames(root.Child(Clark(NSDAV, "prop")))
	default:
		return nil, invalidf("propfind needs prop, allprop or propname")
	}
	return req, nil
}

// Mutation is one set or remove instruction. A nil Value removes.
type Mutation struct {
	Name  string
	Value any
}

// PropPatchRequest is a parsed {DAV:}propertyupdate body in document order.
type PropPatchRequest struct {
	Mutations []Mutation
}

// Map returns the mutations keyed by name; later instructions win.
func (p *PropPatchRequest) Map() map[string]any {
	out := make(map[string]any, len(p.Mutations))
	for _, m := range p.Mutations {
		out[m.Name] = m.Value
	}
	return out
}

// ParsePropPatch maps a propertyupdate body.
func ParsePropPatch(body []byte) (*PropPatchRequest, error) {
	root, err := ParseBytes(body)
	if err != nil {
		return nil, err
	}
	if err := expectRoot(root, Clark(NSDAV, "propertyupdate")); err != nil {
		return nil, err
	}
	req := &PropPatchRequest{}
	for _, op := range root.Children {
		remove := op.Is(Clark(NSDAV, "remove"))
		if !remove && !op.Is(Clark(NSDAV, "set")) {
			continue
		}
		for _, prop := range op.ChildrenNamed(Clark(NSDAV, "prop")) {
			for _, p := range prop.Children {
				if remove {
					req.Mutations = append(req.Mutations, Mutation{Name: p.Clark()})
					continue
				}
				v, err := DeserializeProperty(p)
				if errors.Is(err, ErrCannotDeserialize) {
					v = p
				} else if err != nil {
					return nil, invalidf("%s: %v", p.Clark(), err)
				}
				req.Mutations = append(req.Mutations, Mutation{Name: p.Clark(), Value: v})
			}
		}
	}
	if len(req.Mutations) == 0 {
		return nil, invalidf("propertyupdate has no set or remove instructions")
	}
	return req, nil
}

// MkColRequest is an extended MKCOL or MKCALENDAR body.
type MkColRequest struct {
	ResourceType []string
	Properties   map[string]any
}

// ParseMkCol maps an extended mkcol or mkcalendar body.
func ParseMkCol(body []byte) (*MkColRequest, error) {
	root, err := ParseBytes(body)
	if err != nil {
		return nil, err
	}
	if err := expectRoot(root, Clark(NSDAV, "mkcol"), Clark(NSCalDAV, "mkcalendar")); err != nil {
		return nil, err
	}
	req := &MkColRequest{Properties: map[string]any{}}
	for _, set := range root.ChildrenNamed(Clark(NSDAV, "set")) {
		for _, prop := range set.ChildrenNamed(Clark(NSDAV, "prop")) {
			for _, p := range prop.Children {
				if p.Is(Clark(NSDAV, "resourcetype")) {
					req.ResourceType = p.ChildNames()
					continue
				}
				v, err := DeserializeProperty(p)
				if err != nil && !errors.Is(err, ErrCannotDeserialize) {
					return nil, invalidf("%s: %v", p.Clark(), err)
				}
				if err != nil {
					v = p
				}
				req.Properties[p.Clark()] = v
			}
		}
	}
	return req, nil
}

// SyncLevelInfinite is the sync-level value "infinite".
const SyncLevelInfinite = -1

// SyncCollectionRequest is a parsed {DAV:}sync-collection report.
type SyncCollectionRequest struct {
	SyncToken string
	SyncLevel int
	Limit     int
	Props     []string
}

// ParseSyncCollection maps a sync-collection report root.
func ParseSyncCollection(root *Element) (*SyncCollectionRequest, error) {
	if err := expectRoot(root, Clark(NSDAV, "sync-collection")); err != nil {
		return nil, err
	}
	tokenEl := root.Child(Clark(NSDAV, "sync-token"))
	if tokenEl == nil {
		return nil, invalidf("sync-collection requires sync-token")
	}
	prop := root.Child(Clark(NSDAV, "prop"))
	if prop == nil {
		return nil, invalidf("sync-collection requires prop")
	}
	req := &SyncCollectionRequest{SyncToken: tokenEl.TextContent(), SyncLevel: 1, Props: PropNames(prop)}
	if lvl := root.Child(Clark(NSDAV, "sync-level")); lvl != nil {
		switch lvl.TextContent() {
		case "1":
		case "infinite", "infinity":
			req.SyncLevel = SyncLevelInfinite
		default:
			return nil, invalidf("sync-level must be 1 or infinite")
		}
	}
	limit, err := ParseLimit(root)
	if err != nil {
		return nil, err
	}
	req.Limit = limit
	return req, nil
}

// ParseLimit reads an optional {DAV:}limit/{DAV:}nresults child; 0 means
// unlimited. CardDAV reports carry the limit in their own namespace.
func ParseLimit(root *Element) (int, error) {
	limit := root.Child(Clark(NSDAV, "limit"))
	if limit == nil {
		limit = root.Child(Clark(NSCardDAV, "limit"))
	}
	if limit == nil {
		return 0, nil
	}
	nres := limit.Child(Clark(NSDAV, "nresults"))
	if nres == nil {
		nres = limit.Child(Clark(NSCardDAV, "nresults"))
	}
	if nres == nil {
		return 0, invalidf("limit requires nresults")
	}
	n, err := strconv.Atoi(nres.TextContent())
	if err != nil || n < 0 {
		return 0, invalidf("nresults must be a non-negative integer")
	}
	return n, nil
}

// MultigetRequest is an addressbook-multiget or calendar-multiget report.
type MultigetRequest struct {
	Props []string
	// Prop is the raw prop element so data selectors can be inspected.
	Prop  *Element
	Hrefs []string
}

// ParseMultiget maps a multiget report root with the given clark name.
func ParseMultiget(root *Element, name string) (*MultigetRequest, error) {
	if err := expectRoot(root, name); err != nil {
		return nil, err
	}
	req := &MultigetRequest{Prop: root.Child(Clark(NSDAV, "prop"))}
	req.Props = PropNames(req.Prop)
	if root.Child(Clark(NSDAV, "allprop")) != nil {
		req.Props = nil
	}
	for _, h := range root.ChildrenNamed(Clark(NSDAV, "href")) {
		v := h.TextContent()
		if dec, err := url.PathUnescape(v); err == nil {
			v = dec
		}
		req.Hrefs = append(req.Hrefs, v)
	}
	if len(req.Hrefs) == 0 {
		return nil, invalidf("%s requires at least one href", name)
	}
	return req, nil
}

// LockInfoRequest is a parsed {DAV:}lockinfo body.
type LockInfoRequest struct {
	Shared bool
	Owner  string
}

// ParseLockInfo maps a lockinfo body.
func ParseLockInfo(body []byte) (*LockInfoRequest, error) {
	root, err := ParseBytes(body)
	if err != nil {
		return nil, err
	}
	if err := expectRoot(root, Clark(NSDAV, "lockinfo")); err != nil {
		return nil, err
	}
	req := &LockInfoRequest{}
	scope := root.Child(Clark(NSDAV, "lockscope"))
	if scope == nil {
		return nil, invalidf("lockinfo requires lockscope")
	}
	req.Shared = scope.Child(Clark(NSDAV, "shared")) != nil
	if owner := root.Child(Clark(NSDAV, "owner")); owner != nil {
		if href := owner.Child(Clark(NSDAV, "href")); href != nil {
			req.Owner = href.TextContent()
		} else {
			req.Owner = owner.TextContent()
		}
	}
	return req, nil
}

// ShareResourceRequest is a parsed {DAV:}share-resource body.
type ShareResourceRequest struct {
	Sharees []Sharee
}

// ParseShareResource maps a share-resource body. Sharees with no-access are
// removals.
func ParseShareResource(root *Element) (*ShareResourceRequest, error) {
	if err := expectRoot(root, Clark(NSDAV, "share-resource")); err != nil {
		return nil, err
	}
	req := &ShareResourceRequest{}
	for _, el := range root.ChildrenNamed(Clark(NSDAV, "sharee")) {
		s := Sharee{Access: AccessRead, InviteStatus: InviteNoResponse}
		href := el.Child(Clark(NSDAV, "href"))
		if href == nil || href.TextContent() == "" {
			return nil, invalidf("sharee requires href")
		}
		s.Href = href.TextContent()
		s.Comment = el.Child(Clark(NSDAV, "comment")).TextContent()
		if prop := el.Child(Clark(NSDAV, "prop")); prop != nil {
			s.Properties = map[string]any{}
			for _, p := range prop.Children {
				s.Properties[p.Clark()] = p.TextContent()
			}
		}
		if access := el.Child(Clark(NSDAV, "share-access")); access != nil {
			switch {
			case access.Child(Clark(NSDAV, "read-write")) != nil:
				s.Access = AccessReadWrite
			case access.Child(Clark(NSDAV, "read")) != nil:
				s.Access = AccessRead
			case access.Child(Clark(NSDAV, "no-access")) != nil:
				s.Access = AccessNoAccess
			default:
				return nil, invalidf("share-access must be read, read-write or no-access")
			}
		}
		req.Sharees = append(req.Sharees, s)
	}
	return req, nil
}

// InviteReplyRequest is a parsed {cs}invite-reply body.
type InviteReplyRequest struct {
	Href      string
	HostURL   string
	Accepted  bool
	InReplyTo string
	Summary   string
}

// ParseInviteReply maps an invite-reply body.
func ParseInviteReply(root *Element) (*InviteReplyRequest, error) {
	if err := expectRoot(root, Clark(NSCalendarServer, "invite-reply")); err != nil {
		return nil, err
	}
	req := &InviteReplyRequest{
		Href:      root.Child(Clark(NSDAV, "href")).TextContent(),
		InReplyTo: root.Child(Clark(NSCalendarServer, "in-reply-to")).TextContent(),
		Summary:   root.Child(Clark(NSCalendarServer, "summary")).TextContent(),
	}
	host := root.Child(Clark(NSCalendarServer, "hosturl"))
	if host == nil || host.Child(Clark(NSDAV, "href")) == nil {
		return nil, invalidf("invite-reply requires hosturl/href")
	}
	req.HostURL = host.Child(Clark(NSDAV, "href")).TextContent()
	switch {
	case root.Child(Clark(NSCalendarServer, "invite-accepted")) != nil:
		req.Accepted = true
	case root.Child(Clark(NSCalendarServer, "invite-declined")) != nil:
	default:
		return nil, invalidf("invite-reply requires invite-accepted or invite-declined")
	}
	return req, nil
}
