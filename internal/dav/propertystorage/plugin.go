// Package propertystorage persists client-defined (dead) properties for any
// path in the tree.
package propertystorage

import (
	"bytes"
	"context"
	"net/http"

	"gitea.jw6.us/james/davkit/internal/dav"
	"gitea.jw6.us/james/davkit/internal/davxml"
	"gitea.jw6.us/james/davkit/internal/store"
)

// Plugin fills unresolved PROPFIND slots from the repository and claims the
// PROPPATCH mutations no other handler took.
type Plugin struct {
	server *dav.Server
	repo   store.PropertyRepository
	// Filter limits storage to the paths it accepts; nil accepts every path.
	Filter func(path string) bool
}

// New returns a plugin backed by repo.
func New(repo store.PropertyRepository) *Plugin {
	return &Plugin{repo: repo}
}

func (p *Plugin) Name() string { return "property-storage" }

func (p *Plugin) Initialize(s *dav.Server) {
	p.server = s
	s.PropFind.On(130, p.propFind)
	s.PropPatch.On(300, p.propPatch)
	s.AfterUnbind.On(dav.DefaultPriority, p.afterUnbind)
	s.AfterMove.On(dav.DefaultPriority, p.afterMove)
}

func (p *Plugin) accepts(path string) bool {
	return p.Filter == nil || p.Filter(path)
}

func (p *Plugin) propFind(ctx context.Context, pf *dav.PropFind, node dav.Node) (dav.Outcome, error) {
	if pf.Denied() || !p.accepts(pf.Path()) {
		return dav.Continue, nil
	}
	if !pf.IsAllProps() && len(pf.Unresolved()) == 0 {
		return dav.Continue, nil
	}
	props, err := p.repo.Get(ctx, pf.Path())
	if err != nil {
		p.server.Logger().Warn().Err(err).Str("path", pf.Path()).Msg("loading stored properties")
		pf.Fail()
		return dav.Continue, nil
	}
	for _, prop := range props {
		value, err := decode(prop)
		if err != nil {
			p.server.Logger().Warn().Err(err).Str("path", pf.Path()).Str("property", prop.Name).Msg("dropping unreadable stored property")
			continue
		}
		if pf.IsAllProps() {
			if st := pf.Status(prop.Name); st == 0 || st == http.StatusNotFound {
				pf.Set(prop.Name, value, http.StatusOK)
			}
			continue
		}
		pf.Handle(prop.Name, value)
	}
	return dav.Continue, nil
}

func (p *Plugin) propPatch(ctx context.Context, pp *dav.PropPatch) (dav.Outcome, error) {
	if !p.accepts(pp.Path()) {
		return dav.Continue, nil
	}
	path := pp.Path()
	pp.HandleRemaining(func(ctx context.Context, mutations map[string]any) (dav.PatchResult, error) {
		var set []store.DeadProperty
		var remove []string
		for name, value := range mutations {
			if value == nil {
				remove = append(remove, name)
				continue
			}
			set = append(set, encode(name, value))
		}
		if err := p.repo.Patch(ctx, path, set, remove); err != nil {
			return dav.PatchResult{}, err
		}
		return dav.PatchSucceeded(), nil
	})
	return dav.Continue, nil
}

func (p *Plugin) afterUnbind(ctx context.Context, path string) (dav.Outcome, error) {
	return dav.Continue, p.repo.DeleteTree(ctx, path)
}

func (p *Plugin) afterMove(ctx context.Context, src, dst string) (dav.Outcome, error) {
	return dav.Continue, p.repo.MoveTree(ctx, src, dst)
}

// encode stores strings as text and every other value as an XML fragment
// wrapped in the property element.
func encode(name string, value any) store.DeadProperty {
	if s, ok := value.(string); ok {
		return store.DeadProperty{Name: name, ValueType: store.PropertyString, Value: []byte(s)}
	}
	if el, ok := value.(*davxml.Element); ok {
		return store.DeadProperty{Name: name, ValueType: store.PropertyXML, Value: []byte(el.InnerXML())}
	}
	doc := davxml.Document("", nil, name, func(w *davxml.Writer) { w.Write(value) })
	return store.DeadProperty{Name: name, ValueType: store.PropertyXML, Value: doc}
}

func decode(prop store.DeadProperty) (any, error) {
	if prop.ValueType != store.PropertyXML {
		return string(prop.Value), nil
	}
	return davxml.ParseBytes(bytes.TrimSpace(prop.Value))
}
