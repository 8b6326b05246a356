package caldav

import (
	"context"
	"errors"
	"mime"
	"net/http"

	"gitea.jw6.us/james/davkit/internal/dav"
	"gitea.jw6.us/james/davkit/internal/davxml"
	"gitea.jw6.us/james/davkit/internal/store"
)

const mediaTypeDavShare = "application/davshare+xml"

// SharingPlugin accepts the calendarserver.org flavour of calendar sharing:
// share-resource and invite-reply documents posted as
// application/davshare+xml. It needs the generic sharing plugin.
type SharingPlugin struct {
	server *dav.Server
}

func NewSharing() *SharingPlugin { return &SharingPlugin{} }

func (p *SharingPlugin) Name() string { return "caldav-sharing" }

func (p *SharingPlugin) Features() []string { return []string{"calendarserver-sharing"} }

func (p *SharingPlugin) Initialize(s *dav.Server) {
	p.server = s
	s.OnMethod(http.MethodPost, dav.DefaultPriority, p.httpPost)
}

func (p *SharingPlugin) httpPost(ctx context.Context, req *dav.Request) (dav.Outcome, error) {
	mediaType, _, _ := mime.ParseMediaType(req.R.Header.Get("Content-Type"))
	if mediaType != mediaTypeDavShare {
		return dav.Continue, nil
	}
	body, err := p.server.ReadBody(req)
	if err != nil {
		return dav.Stop, err
	}
	doc, err := davxml.ParseBytes(body)
	if err != nil {
		return dav.Stop, dav.BadRequest("%v", err)
	}

	switch {
	case doc.Is(davxml.Clark(davxml.NSDAV, "share-resource")):
		return dav.Stop, p.shareResource(ctx, req, doc)
	case doc.Is(davxml.Clark(davxml.NSCalendarServer, "invite-reply")):
		return dav.Stop, p.inviteReply(ctx, req, doc)
	}
	return dav.Continue, nil
}

func (p *SharingPlugin) shareResource(ctx context.Context, req *dav.Request, doc *davxml.Element) error {
	sharing, ok := p.server.Plugin("sharing").(*dav.SharingPlugin)
	if !ok {
		return dav.NotImplemented("sharing is not enabled")
	}
	sr, err := davxml.ParseShareResource(doc)
	if err != nil {
		return dav.BadRequest("%v", err)
	}
	if err := sharing.ShareResource(ctx, req.Path, sr.Sharees); err != nil {
		return err
	}
	req.W.Header().Set("X-Davkit-Status", "success")
	req.W.WriteHeader(http.StatusOK)
	return nil
}

// inviteReply records a sharee's answer to an invitation. It is posted to
// the sharee's own calendar home. Accepting answers with the path the
// calendar is mounted at in that home.
func (p *SharingPlugin) inviteReply(ctx context.Context, req *dav.Request, doc *davxml.Element) error {
	reply, err := davxml.ParseInviteReply(doc)
	if err != nil {
		return dav.BadRequest("%v", err)
	}
	tree := p.server.Tree(ctx)
	node, err := tree.NodeForPath(ctx, req.Path)
	if err != nil {
		return err
	}
	home, ok := node.(*Home)
	if !ok {
		return dav.Forbidden("invite replies are posted to a calendar home")
	}
	if home.principal.URI != dav.CurrentPrincipal(ctx) {
		return dav.Forbidden("only the sharee can reply to an invitation")
	}

	hostPath, err := p.server.ResolveHref(req.Path, reply.HostURL)
	if err != nil {
		return err
	}
	host, err := tree.NodeForPath(ctx, hostPath)
	if err != nil {
		return err
	}
	cal, ok := host.(*Calendar)
	if !ok || cal.share != nil {
		return dav.BadRequest("hosturl %s is not a shared calendar", reply.HostURL)
	}

	share, err := home.backend.Share(ctx, cal.cal.ID, home.principal.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return dav.Forbidden("there is no invitation for this calendar")
	}
	if err != nil {
		return err
	}
	share.InviteStatus = davxml.InviteDeclined
	if reply.Accepted {
		share.InviteStatus = davxml.InviteAccepted
	}
	if err := home.backend.UpsertShare(ctx, *share); err != nil {
		return err
	}
	p.server.Logger().Debug().
		Str("calendar", hostPath).
		Str("sharee", home.principal.URI).
		Bool("accepted", reply.Accepted).
		Msg("invite reply")

	if !reply.Accepted {
		req.W.WriteHeader(http.StatusNoContent)
		return nil
	}
	mounted := dav.JoinPath(HomePath(home.principal.URI), share.URI) + "/"
	body := davxml.Document(p.server.BaseURI(), nil, davxml.Clark(davxml.NSCalendarServer, "shared-as"), func(w *davxml.Writer) {
		davxml.NewHref(mounted).SerializeXML(w)
	})
	p.server.WriteXML(req.W, http.StatusOK, body)
	return nil
}
