package dav

import (
	"context"
	"mime"
	"net/http"

	"gitea.jw6.us/james/davkit/internal/davxml"
)

// Sharing privilege checked before the sharee list of a resource changes.
var PrivilegeShare = davxml.Clark(davxml.NSDAV, "share")

// SharingPlugin implements resource sharing (draft-pot-webdav-resource-sharing)
// for every node implementing ShareableNode.
type SharingPlugin struct {
	server *Server
}

func (p *SharingPlugin) Name() string { return "sharing" }

func (p *SharingPlugin) Features() []string { return []string{"resource-sharing"} }

func (p *SharingPlugin) Initialize(s *Server) {
	p.server = s
	s.AddProtectedProperties(
		davxml.Clark(davxml.NSDAV, "share-mode"),
		davxml.Clark(davxml.NSDAV, "share-access"),
		davxml.Clark(davxml.NSDAV, "invite"),
		davxml.Clark(davxml.NSDAV, "share-resource-uri"),
	)
	s.PropFind.On(DefaultPriority, p.propFind)
	s.OnMethod(http.MethodPost, DefaultPriority, p.httpPost)
}

func (p *SharingPlugin) HTTPMethods(ctx context.Context, path string) []string {
	node, err := p.server.Tree(ctx).NodeForPath(ctx, path)
	if err != nil {
		return nil
	}
	if _, ok := node.(ShareableNode); ok {
		return []string{http.MethodPost}
	}
	return nil
}

func (p *SharingPlugin) propFind(ctx context.Context, pf *PropFind, node Node) (Outcome, error) {
	sn, ok := node.(ShareableNode)
	if !ok {
		return Continue, nil
	}
	pf.Handle(davxml.Clark(davxml.NSDAV, "share-access"), davxml.ShareAccess{Access: sn.ShareAccess()})
	pf.Handle(davxml.Clark(davxml.NSDAV, "share-resource-uri"), LazyValue(func() (any, error) {
		if sn.ShareResourceURI() == "" {
			return nil, nil
		}
		return davxml.NewHref(sn.ShareResourceURI()), nil
	}))
	pf.Handle(davxml.Clark(davxml.NSDAV, "invite"), LazyValue(func() (any, error) {
		sharees, err := sn.Sharees(ctx)
		if err != nil {
			return nil, err
		}
		return &davxml.Invite{Sharees: sharees}, nil
	}))
	return Continue, nil
}

func (p *SharingPlugin) httpPost(ctx context.Context, req *Request) (Outcome, error) {
	mediaType, _, _ := mime.ParseMediaType(req.R.Header.Get("Content-Type"))
	if mediaType != "application/davsharing+xml" {
		return Continue, nil
	}
	body, err := p.server.ReadBody(req)
	if err != nil {
		return Stop, err
	}
	doc, err := davxml.ParseBytes(body)
	if err != nil {
		return Stop, BadRequest("%v", err)
	}
	if !doc.Is(davxml.Clark(davxml.NSDAV, "share-resource")) {
		return Continue, nil
	}
	sr, err := davxml.ParseShareResource(doc)
	if err != nil {
		return Stop, BadRequest("%v", err)
	}
	if err := p.ShareResource(ctx, req.Path, sr.Sharees); err != nil {
		return Stop, err
	}
	req.W.Header().Set("X-Davkit-Status", "success")
	req.W.WriteHeader(http.StatusOK)
	return Stop, nil
}

// ShareResource updates the sharees of the node at path.
func (p *SharingPlugin) ShareResource(ctx context.Context, path string, sharees []davxml.Sharee) error {
	node, err := p.server.Tree(ctx).NodeForPath(ctx, path)
	if err != nil {
		return err
	}
	sn, ok := node.(ShareableNode)
	if !ok {
		return Forbidden("sharing is not allowed on this node")
	}
	if err := p.server.CheckPrivileges(ctx, path, PrivilegeShare); err != nil {
		return err
	}
	if access := sn.ShareAccess(); access != davxml.AccessNotShared && access != davxml.AccessSharedOwner {
		return Forbidden("only the owner of a resource can share it")
	}
	return sn.UpdateSharees(ctx, sharees)
}
