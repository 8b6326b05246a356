package carddav

import (
	"context"

	"gitea.jw6.us/james/davkit/internal/dav"
	"gitea.jw6.us/james/davkit/internal/davacl"
	"gitea.jw6.us/james/davkit/internal/davxml"
)

// DefaultMaxResourceSize bounds a single vCard.
const DefaultMaxResourceSize = 1 << 20

var (
	reportQuery    = davxml.Clark(davxml.NSCardDAV, "addressbook-query")
	reportMultiget = davxml.Clark(davxml.NSCardDAV, "addressbook-multiget")

	propAddressData     = davxml.Clark(davxml.NSCardDAV, "address-data")
	propHomeSet         = davxml.Clark(davxml.NSCardDAV, "addressbook-home-set")
	propSupportedData   = davxml.Clark(davxml.NSCardDAV, "supported-address-data")
	propMaxResourceSize = davxml.Clark(davxml.NSCardDAV, "max-resource-size")
)

// Plugin adds CardDAV (RFC 6352) to a server.
type Plugin struct {
	server *dav.Server
	// MaxResourceSize is the largest vCard accepted on write.
	MaxResourceSize int
}

func New() *Plugin {
	return &Plugin{MaxResourceSize: DefaultMaxResourceSize}
}

func (p *Plugin) Name() string { return "carddav" }

func (p *Plugin) Features() []string { return []string{"addressbook"} }

func (p *Plugin) Initialize(s *dav.Server) {
	p.server = s
	s.AddProtectedProperties(
		propAddressData,
		propHomeSet,
		propSupportedData,
		propMaxResourceSize,
		davxml.Clark(davxml.NSCardDAV, "supported-collation-set"),
	)
	s.PropFind.On(150, p.propFind)
	s.Report.On(dav.DefaultPriority, p.report)
	s.BeforeWriteContent.On(dav.DefaultPriority, p.beforeWriteContent)
	s.BeforeCreateFile.On(dav.DefaultPriority, p.beforeCreateFile)
}

func (p *Plugin) SupportedReports(ctx context.Context, path string, node dav.Node) []string {
	if _, ok := node.(*AddressBook); ok {
		return []string{reportMultiget, reportQuery}
	}
	return nil
}

type addressDataKey struct{}

func withAddressData(ctx context.Context, req *addressDataRequest) context.Context {
	return context.WithValue(ctx, addressDataKey{}, req)
}

func addressDataFrom(ctx context.Context) *addressDataRequest {
	req, _ := ctx.Value(addressDataKey{}).(*addressDataRequest)
	return req
}

func (p *Plugin) propFind(ctx context.Context, pf *dav.PropFind, node dav.Node) (dav.Outcome, error) {
	switch n := node.(type) {
	case *davacl.PrincipalNode:
		pf.Handle(propHomeSet, davxml.NewHref(HomePath(n.Principal().URI)+"/"))
	case *AddressBook:
		pf.Handle(propSupportedData, davxml.SupportedAddressData{})
		pf.Handle(propMaxResourceSize, p.MaxResourceSize)
		pf.Handle(davxml.Clark(davxml.NSCardDAV, "supported-collation-set"), davxml.SupportedCollationSet{Namespace: davxml.NSCardDAV})
	case *Card:
		pf.Handle(propAddressData, dav.LazyValue(func() (any, error) {
			data, err := n.Get(ctx)
			if err != nil {
				return nil, err
			}
			return addressDataFrom(ctx).render(data)
		}))
	}
	return dav.Continue, nil
}

func (p *Plugin) checkSize(data []byte) error {
	if p.MaxResourceSize > 0 && len(data) > p.MaxResourceSize {
		return dav.ForbiddenCondition(propMaxResourceSize, "the vCard exceeds %d bytes", p.MaxResourceSize)
	}
	return nil
}

func (p *Plugin) beforeWriteContent(ctx context.Context, path string, node dav.Node, data *[]byte) (dav.Outcome, error) {
	if _, ok := node.(*Card); !ok {
		return dav.Continue, nil
	}
	if err := p.checkSize(*data); err != nil {
		return dav.Stop, err
	}
	out, err := validateCard(*data)
	if err != nil {
		return dav.Stop, err
	}
	*data = out
	return dav.Continue, nil
}

func (p *Plugin) beforeCreateFile(ctx context.Context, path string, data *[]byte, parent dav.Node) (dav.Outcome, error) {
	if _, ok := parent.(*AddressBook); !ok {
		return dav.Continue, nil
	}
	if err := p.checkSize(*data); err != nil {
		return dav.Stop, err
	}
	out, err := validateCard(*data)
	if err != nil {
		return dav.Stop, err
	}
	*data = out
	return dav.Continue, nil
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
	ad, err := parseAddressData(mg.Prop.Child(propAddressData))
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
	responses, err := p.server.PropertiesForMultiplePaths(withAddressData(ctx, ad), paths, mg.Props)
	if err != nil {
		return err
	}
	p.server.WriteMultiStatus(req.W, req.R, &davxml.MultiStatus{Responses: responses})
	return nil
}

// query evaluates an addressbook-query against the target card (Depth: 0)
// or the cards of the target address book (Depth: 1). An empty filter
// matches every card.
func (p *Plugin) query(ctx context.Context, req *dav.ReportRequest) error {
	q, err := ParseQuery(req.Doc)
	if err != nil {
		return err
	}
	ad, err := parseAddressData(q.Prop.Child(propAddressData))
	if err != nil {
		return err
	}

	tree := p.server.Tree(ctx)
	node, err := tree.NodeForPath(ctx, req.Path)
	if err != nil {
		return err
	}
	var candidates []*Card
	switch n := node.(type) {
	case *Card:
		candidates = []*Card{n}
	case *AddressBook:
		if dav.ParseDepth(req.R.Header.Get("Depth"), 0) == 0 {
			break
		}
		children, err := tree.Children(ctx, req.Path)
		if err != nil {
			return err
		}
		for _, c := range children {
			if card, ok := c.(*Card); ok {
				candidates = append(candidates, card)
			}
		}
	default:
		return dav.ReportNotSupported(req.Name)
	}

	var paths []string
	for _, c := range candidates {
		if q.Limit > 0 && len(paths) >= q.Limit {
			break
		}
		if len(q.Filters) > 0 {
			parsed, err := decodeCard(c.obj.Data)
			if err != nil {
				p.server.Logger().Warn().Err(err).Str("uri", c.obj.URI).Msg("skipping unreadable vCard")
				continue
			}
			ok, err := ValidateFilters(parsed, q.Filters, q.Test)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}
		if _, isCard := node.(*Card); isCard {
			paths = append(paths, req.Path)
		} else {
			paths = append(paths, dav.JoinPath(req.Path, c.Name()))
		}
	}

	responses, err := p.server.PropertiesForMultiplePaths(withAddressData(ctx, ad), paths, q.Props)
	if err != nil {
		return err
	}
	ms := &davxml.MultiStatus{Responses: responses}
	p.server.WriteMultiStatus(req.W, req.R, ms)
	return nil
}
