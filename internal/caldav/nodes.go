package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"gitea.jw6.us/james/davkit/internal/dav"
	"gitea.jw6.us/james/davkit/internal/davacl"
	"gitea.jw6.us/james/davkit/internal/davxml"
	"gitea.jw6.us/james/davkit/internal/store"
)

// RootName is the tree path holding every calendar home.
const RootName = "calendars"

const nsAppleICal = "http://apple.com/ns/ical/"

var (
	propDisplayName  = davxml.Clark(davxml.NSDAV, "displayname")
	propDescription  = davxml.Clark(davxml.NSCalDAV, "calendar-description")
	propTimezone     = davxml.Clark(davxml.NSCalDAV, "calendar-timezone")
	propComponentSet = davxml.Clark(davxml.NSCalDAV, "supported-calendar-component-set")
	propTransp       = davxml.Clark(davxml.NSCalDAV, "schedule-calendar-transp")
	propColor        = davxml.Clark(nsAppleICal, "calendar-color")
	propOrder        = davxml.Clark(nsAppleICal, "calendar-order")

	typeCalendar = davxml.Clark(davxml.NSCalDAV, "calendar")
)

// DefaultComponents are accepted by calendars created without a
// supported-calendar-component-set.
var DefaultComponents = []string{"VEVENT", "VTODO"}

// HomePath returns the calendar home of a principal path.
func HomePath(principal string) string {
	_, name := dav.SplitPath(principal)
	return dav.JoinPath(RootName, name)
}

// Root lists one calendar home per principal.
type Root struct {
	backend    Backend
	principals davacl.PrincipalBackend
	baseURI    string
}

// NewRoot returns the calendar root. baseURI is used to resolve sharee
// hrefs.
func NewRoot(backend Backend, principals davacl.PrincipalBackend, baseURI string) *Root {
	return &Root{backend: backend, principals: principals, baseURI: baseURI}
}

func (r *Root) Name() string { return RootName }

func (r *Root) Children(ctx context.Context) ([]dav.Node, error) {
	all, err := r.principals.Principals(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]dav.Node, 0, len(all))
	for _, p := range all {
		out = append(out, r.home(p))
	}
	return out, nil
}

func (r *Root) Child(ctx context.Context, name string) (dav.Node, error) {
	p, err := r.principals.PrincipalByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.home(*p), nil
}

func (r *Root) home(p davacl.Principal) *Home {
	return &Home{backend: r.backend, principals: r.principals, baseURI: r.baseURI, principal: p}
}

func (r *Root) Owner() string { return "" }

func (r *Root) ACL() []davacl.ACE {
	return []davacl.ACE{{Principal: davacl.PrincipalAuthenticated, Privilege: davacl.PrivRead, Protected: true}}
}

// Home holds the calendars of one principal and the calendars shared with
// it that it accepted.
type Home struct {
	backend    Backend
	principals davacl.PrincipalBackend
	baseURI    string
	principal  davacl.Principal
}

func (h *Home) Name() string { return h.principal.Username }

// Principal returns the owner of the home.
func (h *Home) Principal() davacl.Principal { return h.principal }

func (h *Home) Children(ctx context.Context) ([]dav.Node, error) {
	cals, err := h.backend.Calendars(ctx, h.principal.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]dav.Node, 0, len(cals))
	for _, c := range cals {
		node, err := h.ownCalendar(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	shares, err := h.backend.SharesFor(ctx, h.principal.UserID)
	if err != nil {
		return nil, err
	}
	for _, s := range shares {
		if s.InviteStatus != davxml.InviteAccepted {
			continue
		}
		node, err := h.sharedCalendar(ctx, s)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}

func (h *Home) Child(ctx context.Context, name string) (dav.Node, error) {
	c, err := h.backend.Calendar(ctx, h.principal.UserID, name)
	if err == nil {
		return h.ownCalendar(ctx, *c)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	shares, err := h.backend.SharesFor(ctx, h.principal.UserID)
	if err != nil {
		return nil, err
	}
	for _, s := range shares {
		if s.URI == name && s.InviteStatus == davxml.InviteAccepted {
			return h.sharedCalendar(ctx, s)
		}
	}
	return nil, fmt.Errorf("calendar %s: %w", name, store.ErrNotFound)
}

func (h *Home) ownCalendar(ctx context.Context, c store.Calendar) (*Calendar, error) {
	cal := &Calendar{home: h, cal: c, owner: h.principal.URI}
	shares, err := h.backend.Shares(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	for _, s := range shares {
		u, err := h.backend.User(ctx, s.ShareeID)
		if err != nil {
			return nil, fmt.Errorf("sharee of calendar %d: %w", c.ID, err)
		}
		cal.sharees = append(cal.sharees, sharee{share: s, principal: davacl.PrincipalPath(u.Username)})
	}
	return cal, nil
}

func (h *Home) sharedCalendar(ctx context.Context, s store.CalendarShare) (*Calendar, error) {
	c, err := h.backend.CalendarByID(ctx, s.CalendarID)
	if err != nil {
		return nil, err
	}
	owner, err := h.backend.User(ctx, c.UserID)
	if err != nil {
		return nil, fmt.Errorf("owner of calendar %d: %w", c.ID, err)
	}
	return &Calendar{
		home:  h,
		cal:   *c,
		owner: davacl.PrincipalPath(owner.Username),
		share: &sharee{share: s, principal: h.principal.URI},
	}, nil
}

// CreateExtendedCollection creates a calendar. The calendar properties it
// understands are taken from the request; the rest are left for the
// propPatch chain.
func (h *Home) CreateExtendedCollection(ctx context.Context, name string, req *davxml.MkColRequest) error {
	rt := davxml.NewResourceType(req.ResourceType...)
	if !rt.Is(typeCalendar) {
		return dav.ForbiddenCondition(davxml.Clark(davxml.NSDAV, "valid-resourcetype"), "only calendars can be created in a calendar home")
	}
	cal := store.Calendar{UserID: h.principal.UserID, URI: name, Components: DefaultComponents}
	if v, ok := req.Properties[propComponentSet].(*davxml.SupportedCalendarComponentSet); ok {
		cal.Components = v.Components
		delete(req.Properties, propComponentSet)
	}
	if v, ok := req.Properties[propTransp].(davxml.ScheduleCalendarTransp); ok {
		cal.Transparent = v.Transparent
		delete(req.Properties, propTransp)
	}
	for prop, field := range map[string]*string{
		propDisplayName: &cal.DisplayName,
		propDescription: &cal.Description,
		propTimezone:    &cal.Timezone,
		propColor:       &cal.Color,
	} {
		if v, ok := req.Properties[prop].(string); ok {
			*field = v
			delete(req.Properties, prop)
		}
	}
	if _, err := h.backend.CreateCalendar(ctx, cal); err != nil {
		return fmt.Errorf("create calendar %s: %w", name, err)
	}
	return nil
}

func (h *Home) Owner() string { return h.principal.URI }

func (h *Home) ACL() []davacl.ACE { return davacl.OwnerACL(h.principal.URI) }

// sharee is a share together with the principal path of the sharee.
type sharee struct {
	share     store.CalendarShare
	principal string
}

// Calendar is a CalDAV calendar collection. A calendar reached through the
// home of a sharee carries the share it was reached by.
type Calendar struct {
	home  *Home
	cal   store.Calendar
	owner string
	// share is set on the instance seen by a sharee.
	share *sharee
	// sharees lists the invitations of an owner's calendar.
	sharees []sharee
}

func (c *Calendar) Name() string {
	if c.share != nil {
		return c.share.share.URI
	}
	return c.cal.URI
}

// Calendar returns the stored calendar.
func (c *Calendar) Calendar() store.Calendar { return c.cal }

func (c *Calendar) backend() Backend { return c.home.backend }

func (c *Calendar) Children(ctx context.Context) ([]dav.Node, error) {
	objs, err := c.backend().Objects(ctx, c.cal.ID)
	if err != nil {
		return nil, err
	}
	out := make([]dav.Node, 0, len(objs))
	for _, o := range objs {
		out = append(out, c.object(o))
	}
	return out, nil
}

func (c *Calendar) Child(ctx context.Context, name string) (dav.Node, error) {
	o, err := c.backend().Object(ctx, c.cal.ID, name)
	if err != nil {
		return nil, err
	}
	return c.object(*o), nil
}

// MultipleChildren returns the objects among names that exist.
func (c *Calendar) MultipleChildren(ctx context.Context, names []string) ([]*Object, error) {
	objs, err := c.backend().MultipleObjects(ctx, c.cal.ID, names)
	if err != nil {
		return nil, err
	}
	out := make([]*Object, 0, len(objs))
	for _, o := range objs {
		out = append(out, c.object(o))
	}
	return out, nil
}

func (c *Calendar) object(o store.Object) *Object {
	return &Object{calendar: c, obj: o}
}

func (c *Calendar) CreateFile(ctx context.Context, name string, data []byte) (string, error) {
	o, err := c.backend().CreateObject(ctx, c.cal.ID, name, data)
	if err != nil {
		return "", err
	}
	return quote(o.ETag), nil
}

// Delete removes the calendar, or only the share when called on a sharee's
// instance.
func (c *Calendar) Delete(ctx context.Context) error {
	if c.share != nil {
		return c.backend().DeleteShare(ctx, c.cal.ID, c.share.share.ShareeID)
	}
	return c.backend().DeleteCalendar(ctx, c.cal.ID)
}

func (c *Calendar) SetName(ctx context.Context, name string) error {
	if c.share != nil {
		return dav.Forbidden("shared calendar instances cannot be renamed")
	}
	return c.backend().RenameCalendar(ctx, c.cal.ID, name)
}

func (c *Calendar) ResourceTypes() []string {
	types := []string{typeCalendar}
	switch {
	case c.share != nil:
		types = append(types, davxml.Clark(davxml.NSDAV, "shared"), davxml.Clark(davxml.NSCalendarServer, "shared"))
	case len(c.sharees) > 0:
		types = append(types, davxml.Clark(davxml.NSDAV, "shared-owner"), davxml.Clark(davxml.NSCalendarServer, "shared-owner"))
	}
	return types
}

func (c *Calendar) Properties(ctx context.Context, names []string) (map[string]any, error) {
	props := map[string]any{
		propComponentSet: &davxml.SupportedCalendarComponentSet{Components: c.components()},
		propTransp:       davxml.ScheduleCalendarTransp{Transparent: c.cal.Transparent},
		propOrder:        strconv.Itoa(c.cal.Order),
	}
	displayName := c.cal.DisplayName
	if c.share != nil && c.share.share.DisplayName != "" {
		displayName = c.share.share.DisplayName
	}
	for name, v := range map[string]string{
		propDisplayName: displayName,
		propDescription: c.cal.Description,
		propTimezone:    c.cal.Timezone,
		propColor:       c.cal.Color,
	} {
		if v != "" {
			props[name] = v
		}
	}
	return props, nil
}

func (c *Calendar) components() []string {
	if len(c.cal.Components) == 0 {
		return DefaultComponents
	}
	return c.cal.Components
}

var patchable = []string{propDisplayName, propDescription, propTimezone, propColor, propOrder, propTransp}

func (c *Calendar) PatchProperties(ctx context.Context, pp *dav.PropPatch) error {
	return pp.Handle(patchable, func(ctx context.Context, m map[string]any) (dav.PatchResult, error) {
		cal := c.cal
		for name, value := range m {
			if name == propTransp {
				switch v := value.(type) {
				case nil:
					cal.Transparent = false
				case davxml.ScheduleCalendarTransp:
					cal.Transparent = v.Transparent
				default:
					return dav.PatchResult{Status: http.StatusBadRequest}, nil
				}
				continue
			}
			s, ok := value.(string)
			if value != nil && !ok {
				return dav.PatchResult{Status: http.StatusBadRequest}, nil
			}
			switch name {
			case propDisplayName:
				cal.DisplayName = s
			case propDescription:
				cal.Description = s
			case propTimezone:
				cal.Timezone = s
			case propColor:
				cal.Color = s
			case propOrder:
				if s == "" {
					cal.Order = 0
					continue
				}
				n, err := strconv.Atoi(s)
				if err != nil {
					return dav.PatchResult{Status: http.StatusBadRequest}, nil
				}
				cal.Order = n
			}
		}
		if err := c.backend().UpdateCalendar(ctx, cal); err != nil {
			return dav.PatchResult{}, err
		}
		c.cal = cal
		return dav.PatchSucceeded(), nil
	})
}

func (c *Calendar) SyncToken(ctx context.Context) (int64, error) {
	return c.cal.SyncToken, nil
}

func (c *Calendar) Changes(ctx context.Context, token *int64, level, limit int) (*dav.ChangeSet, error) {
	cs, err := c.backend().Changes(ctx, c.cal.ID, token, limit)
	if err != nil || cs == nil {
		return nil, err
	}
	return &dav.ChangeSet{SyncToken: cs.SyncToken, Added: cs.Added, Modified: cs.Modified, Deleted: cs.Deleted}, nil
}

func (c *Calendar) Owner() string { return c.owner }

// ACL grants the owner everything and every sharee that did not decline
// read or read-write access.
func (c *Calendar) ACL() []davacl.ACE {
	acl := davacl.OwnerACL(c.owner)
	grant := func(s sharee) {
		if s.share.InviteStatus == davxml.InviteDeclined {
			return
		}
		switch s.share.Access {
		case davxml.AccessReadWrite:
			acl = append(acl,
				davacl.ACE{Principal: s.principal, Privilege: davacl.PrivRead, Protected: true},
				davacl.ACE{Principal: s.principal, Privilege: davacl.PrivWrite, Protected: true},
			)
		case davxml.AccessRead:
			acl = append(acl, davacl.ACE{Principal: s.principal, Privilege: davacl.PrivRead, Protected: true})
		}
	}
	if c.share != nil {
		grant(*c.share)
	}
	for _, s := range c.sharees {
		grant(s)
	}
	return acl
}

func (c *Calendar) ShareAccess() int {
	switch {
	case c.share != nil:
		return c.share.share.Access
	case len(c.sharees) > 0:
		return davxml.AccessSharedOwner
	}
	return davxml.AccessNotShared
}

// ShareResourceURI is the owner's path of the calendar.
func (c *Calendar) ShareResourceURI() string {
	return dav.JoinPath(HomePath(c.owner), c.cal.URI) + "/"
}

func (c *Calendar) Sharees(ctx context.Context) ([]davxml.Sharee, error) {
	shares, err := c.backend().Shares(ctx, c.cal.ID)
	if err != nil {
		return nil, err
	}
	out := make([]davxml.Sharee, 0, len(shares))
	for _, s := range shares {
		sh := davxml.Sharee{
			Href:         s.Href,
			Access:       s.Access,
			InviteStatus: s.InviteStatus,
			Comment:      s.Comment,
		}
		if u, err := c.backend().User(ctx, s.ShareeID); err == nil {
			sh.Principal = davacl.PrincipalPath(u.Username) + "/"
		}
		if s.DisplayName != "" {
			sh.Properties = map[string]any{propDisplayName: s.DisplayName}
		}
		out = append(out, sh)
	}
	return out, nil
}

// UpdateSharees invites, updates or removes sharees. Hrefs that resolve to
// no principal, or to the owner, are ignored.
func (c *Calendar) UpdateSharees(ctx context.Context, sharees []davxml.Sharee) error {
	for _, s := range sharees {
		p, err := davacl.FindPrincipal(ctx, c.home.principals, c.home.baseURI, s.Href)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if p.UserID == c.cal.UserID {
			continue
		}
		if s.Access == davxml.AccessNoAccess {
			if err := c.backend().DeleteShare(ctx, c.cal.ID, p.UserID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			continue
		}
		share := store.CalendarShare{
			CalendarID:   c.cal.ID,
			ShareeID:     p.UserID,
			URI:          uuid.NewString(),
			Href:         s.Href,
			Access:       s.Access,
			InviteStatus: davxml.InviteNoResponse,
			Comment:      s.Comment,
		}
		if name, ok := s.Properties[propDisplayName].(string); ok {
			share.DisplayName = name
		}
		existing, err := c.backend().Share(ctx, c.cal.ID, p.UserID)
		switch {
		case err == nil:
			share.InviteStatus = existing.InviteStatus
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if err := c.backend().UpsertShare(ctx, share); err != nil {
			return err
		}
	}
	return nil
}

// Object is a single calendar object resource.
type Object struct {
	calendar *Calendar
	obj      store.Object
}

func (o *Object) Name() string { return o.obj.URI }

func (o *Object) Get(ctx context.Context) ([]byte, error) { return o.obj.Data, nil }

func (o *Object) Put(ctx context.Context, data []byte) (string, error) {
	updated, err := o.calendar.backend().UpdateObject(ctx, o.obj.CollectionID, o.obj.URI, data)
	if err != nil {
		return "", err
	}
	o.obj = *updated
	return quote(updated.ETag), nil
}

func (o *Object) Delete(ctx context.Context) error {
	return o.calendar.backend().DeleteObject(ctx, o.obj.CollectionID, o.obj.URI)
}

func (o *Object) ETag() string { return quote(o.obj.ETag) }

func (o *Object) ContentType() string { return "text/calendar; charset=utf-8" }

func (o *Object) Size() int64 { return o.obj.Size }

func (o *Object) LastModified() time.Time { return o.obj.LastModified }

func (o *Object) Owner() string { return o.calendar.Owner() }

func (o *Object) ACL() []davacl.ACE { return o.calendar.ACL() }

func quote(etag string) string {
	if etag == "" {
		return ""
	}
	return `"` + etag + `"`
}
