package caldav

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"gitea.jw6.us/james/davkit/internal/dav"
	"gitea.jw6.us/james/davkit/internal/davacl"
	"gitea.jw6.us/james/davkit/internal/davxml"
	"gitea.jw6.us/james/davkit/internal/store"
)

// DefaultMaxResourceSize bounds a single calendar object.
const DefaultMaxResourceSize = 10 << 20

const methodMkCalendar = "MKCALENDAR"

var (
	reportQuery    = davxml.Clark(davxml.NSCalDAV, "calendar-query")
	reportMultiget = davxml.Clark(davxml.NSCalDAV, "calendar-multiget")

	propCalendarData     = davxml.Clark(davxml.NSCalDAV, "calendar-data")
	propHomeSet          = davxml.Clark(davxml.NSCalDAV, "calendar-home-set")
	propUserAddressSet   = davxml.Clark(davxml.NSCalDAV, "calendar-user-address-set")
	propSupportedData    = davxml.Clark(davxml.NSCalDAV, "supported-calendar-data")
	propCollationSet     = davxml.Clark(davxml.NSCalDAV, "supported-collation-set")
	propMaxResourceSize  = davxml.Clark(davxml.NSCalDAV, "max-resource-size")
	propMinDateTime      = davxml.Clark(davxml.NSCalDAV, "min-date-time")
	propMaxDateTime      = davxml.Clark(davxml.NSCalDAV, "max-date-time")
	propMaxInstances     = davxml.Clark(davxml.NSCalDAV, "max-instances")
	propMaxAttendees     = davxml.Clark(davxml.NSCalDAV, "max-attendees-per-instance")
	defaultMaxInstances  = 1000
	defaultMaxAttendees  = 100
	resourceTypeCalendar = []string{davxml.Clark(davxml.NSDAV, "collection"), typeCalendar}
)

// Plugin adds CalDAV (RFC 4791) to a server.
type Plugin struct {
	server *dav.Server
	// MaxResourceSize is the largest calendar object accepted on write.
	MaxResourceSize int
}

func New() *Plugin {
	return &Plugin{MaxResourceSize: DefaultMaxResourceSize}
}

func (p *Plugin) Name() string { return "caldav" }

func (p *Plugin) Features() []string { return []string{"calendar-access"} }

func (p *Plugin) Initialize(s *dav.Server) {
	p.server = s
	s.AddProtectedProperties(
		propCalendarData,
		propHomeSet,
		propUserAddressSet,
		propSupportedData,
		propCollationSet,
		propMaxResourceSize,
		propMinDateTime,
		propMaxDateTime,
		propMaxInstances,
		propMaxAttendees,
		propComponentSet,
	)
	s.PropFind.On(150, p.propFind)
	s.Report.On(dav.DefaultPriority, p.report)
	s.BeforeWriteContent.On(dav.DefaultPriority, p.beforeWriteContent)
	s.BeforeCreateFile.On(dav.DefaultPriority, p.beforeCreateFile)
	s.OnMethod(methodMkCalendar, dav.DefaultPriority, p.httpMkCalendar)
}

// HTTPMethods offers MKCALENDAR on unmapped paths inside a calendar home.
func (p *Plugin) HTTPMethods(ctx context.Context, path string) []string {
	tree := p.server.Tree(ctx)
	if exists, _ := tree.NodeExists(ctx, path); exists {
		return nil
	}
	parent, _ := dav.SplitPath(path)
	node, err := tree.NodeForPath(ctx, parent)
	if err != nil {
		return nil
	}
	if _, ok := node.(*Home); ok {
		return []string{methodMkCalendar}
	}
	return nil
}

func (p *Plugin) SupportedReports(ctx context.Context, path string, node dav.Node) []string {
	if _, ok := node.(*Calendar); ok {
		return []string{reportMultiget, reportQuery}
	}
	return nil
}

type calendarDataKey struct{}

func withCalendarData(ctx context.Context, req *calendarDataRequest) context.Context {
	return context.WithValue(ctx, calendarDataKey{}, req)
}

func calendarDataFrom(ctx context.Context) *calendarDataRequest {
	req, _ := ctx.Value(calendarDataKey{}).(*calendarDataRequest)
	return req
}

func (p *Plugin) propFind(ctx context.Context, pf *dav.PropFind, node dav.Node) (dav.Outcome, error) {
	switch n := node.(type) {
	case *davacl.PrincipalNode:
		principal := n.Principal()
		pf.Handle(propHomeSet, davxml.NewHref(HomePath(principal.URI)+"/"))
		addresses := []string{principal.URI + "/"}
		if principal.Email != "" {
			addresses = append([]string{"mailto:" + principal.Email}, addresses...)
		}
		pf.Handle(propUserAddressSet, davxml.NewHref(addresses...))
	case *Calendar:
		pf.Handle(propSupportedData, davxml.SupportedCalendarData{})
		pf.Handle(propCollationSet, davxml.SupportedCollationSet{Namespace: davxml.NSCalDAV})
		pf.Handle(propMaxResourceSize, p.MaxResourceSize)
		pf.Handle(propMinDateTime, MinDateTime)
		pf.Handle(propMaxDateTime, MaxDateTime)
		pf.Handle(propMaxInstances, defaultMaxInstances)
		pf.Handle(propMaxAttendees, defaultMaxAttendees)
	case *Object:
		pf.Handle(propCalendarData, dav.LazyValue(func() (any, error) {
			data, err := n.Get(ctx)
			if err != nil {
				return nil, err
			}
			return calendarDataFrom(ctx).render(data)
		}))
	}
	return dav.Continue, nil
}

func (p *Plugin) checkSize(data []byte) error {
	if p.MaxResourceSize > 0 && len(data) > p.MaxResourceSize {
		return dav.ForbiddenCondition(propMaxResourceSize, "the calendar object exceeds %d bytes", p.MaxResourceSize)
	}
	return nil
}

// validate runs every write check for the object uri of cal.
func (p *Plugin) validate(ctx context.Context, cal *Calendar, uri string, data []byte) error {
	if err := p.checkSize(data); err != nil {
		return err
	}
	uid, err := validateObject(data, cal.components())
	if err != nil {
		return err
	}
	existing, err := cal.backend().ObjectByUID(ctx, cal.cal.ID, uid)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return err
	case existing.URI != uri:
		return dav.ForbiddenCondition(condNoUIDConflict, "UID %s is already used by %s", uid, existing.URI)
	}
	return nil
}

func (p *Plugin) beforeWriteContent(ctx context.Context, path string, node dav.Node, data *[]byte) (dav.Outcome, error) {
	obj, ok := node.(*Object)
	if !ok {
		return dav.Continue, nil
	}
	*data = dav.EnsureUTF8(*data)
	if err := p.validate(ctx, obj.calendar, obj.Name(), *data); err != nil {
		return dav.Stop, err
	}
	return dav.Continue, nil
}

func (p *Plugin) beforeCreateFile(ctx context.Context, path string, data *[]byte, parent dav.Node) (dav.Outcome, error) {
	cal, ok := parent.(*Calendar)
	if !ok {
		return dav.Continue, nil
	}
	_, name := dav.SplitPath(path)
	*data = dav.EnsureUTF8(*data)
	if err := p.validate(ctx, cal, name, *data); err != nil {
		return dav.Stop, err
	}
	return dav.Continue, nil
}

// httpMkCalendar creates a calendar (RFC 4791 section 5.3.1). Properties
// that cannot be set are reported in a multistatus and the calendar is not
// kept.
func (p *Plugin) httpMkCalendar(ctx context.Context, req *dav.Request) (dav.Outcome, error) {
	body, err := p.server.ReadBody(req)
	if err != nil {
		return dav.Stop, err
	}
	mk := &davxml.MkColRequest{Properties: map[string]any{}}
	if len(bytes.TrimSpace(body)) > 0 {
		if mk, err = davxml.ParseMkCol(body); err != nil {
			return dav.Stop, dav.BadRequest("%v", err)
		}
	}
	mk.ResourceType = resourceTypeCalendar
	result, err := p.server.CreateCollection(ctx, req.Path, mk)
	if err != nil {
		return dav.Stop, err
	}
	if result != nil {
		ms := &davxml.MultiStatus{Responses: []davxml.Response{dav.StatusResponse(req.Path, result)}}
		p.server.WriteXML(req.W, http.StatusMultiStatus, ms.Bytes(p.server.BaseURI(), nil))
		return dav.Stop, nil
	}
	req.W.Header().Set("Content-Length", "0")
	req.W.WriteHeader(http.StatusCreated)
	return dav.Stop, nil
}

func (p *Plugin) report(ctx context.Context, req *dav.ReportRequest) (dav.Outcome, error) {
	switch req.Name {
	case reportMultiget:
		return dav.Stop, p.multiget(ctx, req)
	case reportQuery:
		return dav.Stop, p.query(ctx, req)
	}
	return dav.Continue, nil
}

func (p *Plugin) multiget(ctx context.Context, req *dav.ReportRequest) error {
	mg, err := davxml.ParseMultiget(req.Doc, reportMultiget)
	if err != nil {
		return dav.BadRequest("%v", err)
	}
	cd, err := parseCalendarData(mg.Prop.Child(propCalendarData))
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(mg.Hrefs))
	for _, href := range mg.Hrefs {
		path, err := p.server.ResolveHref(req.Path, href)
		if err != nil {
			return err
		}
		paths = append(paths, path)
	}
	responses, err := p.server.PropertiesForMultiplePaths(withCalendarData(ctx, cd), paths, mg.Props)
	if err != nil {
		return err
	}
	p.server.WriteMultiStatus(req.W, req.R, &davxml.MultiStatus{Responses: responses})
	return nil
}

// query evaluates a calendar-query against the target object (Depth: 0)
// or the objects of the target calendar (Depth: 1).
func (p *Plugin) query(ctx context.Context, req *dav.ReportRequest) error {
	q, err := ParseQuery(req.Doc)
	if err != nil {
		return err
	}
	cd, err := parseCalendarData(q.Prop.Child(propCalendarData))
	if err != nil {
		return err
	}

	tree := p.server.Tree(ctx)
	node, err := tree.NodeForPath(ctx, req.Path)
	if err != nil {
		return err
	}
	var candidates []*Object
	switch n := node.(type) {
	case *Object:
		candidates = []*Object{n}
	case *Calendar:
		if dav.ParseDepth(req.R.Header.Get("Depth"), 0) == 0 {
			break
		}
		children, err := tree.Children(ctx, req.Path)
		if err != nil {
			return err
		}
		for _, c := range children {
			if obj, ok := c.(*Object); ok {
				candidates = append(candidates, obj)
			}
		}
	default:
		return dav.ReportNotSupported(req.Name)
	}

	var paths []string
	for _, obj := range candidates {
		cal, err := decodeCalendar(obj.obj.Data)
		if err != nil {
			p.server.Logger().Warn().Err(err).Str("uri", obj.obj.URI).Msg("skipping unreadable calendar object")
			continue
		}
		ok, err := ValidateCalendarQuery(cal, q.Filter)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, isObject := node.(*Object); isObject {
			paths = append(paths, req.Path)
		} else {
			paths = append(paths, dav.JoinPath(req.Path, obj.Name()))
		}
	}

	responses, err := p.server.PropertiesForMultiplePaths(withCalendarData(ctx, cd), paths, q.Props)
	if err != nil {
		return err
	}
	p.server.WriteMultiStatus(req.W, req.R, &davxml.MultiStatus{Responses: responses})
	return nil
}
