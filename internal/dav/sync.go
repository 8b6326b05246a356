package dav

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"gitea.jw6.us/james/davkit/internal/davxml"
)

// SyncTokenPrefix prefixes every sync token handed to clients.
const SyncTokenPrefix = "urn:davkit-sync:"

// FormatSyncToken renders a numeric token.
func FormatSyncToken(token int64) string {
	return SyncTokenPrefix + strconv.FormatInt(token, 10)
}

// ParseSyncToken extracts the numeric part of a client token. The empty
// string is an initial sync and yields nil.
func ParseSyncToken(raw string) (*int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	if !strings.HasPrefix(raw, SyncTokenPrefix) {
		return nil, false
	}
	n, err := strconv.ParseInt(raw[len(SyncTokenPrefix):], 10, 64)
	if err != nil || n < 0 {
		return nil, false
	}
	return &n, true
}

// SyncPlugin implements the sync-collection report (RFC 6578).
type SyncPlugin struct {
	server *Server
	// Limit caps the number of changes returned when the client sends no
	// limit. Zero means unlimited.
	Limit int
}

func (p *SyncPlugin) Name() string { return "sync" }

func (p *SyncPlugin) Initialize(s *Server) {
	p.server = s
	s.Report.On(DefaultPriority, p.report)
	s.PropFind.On(200, p.propFind)
}

func (p *SyncPlugin) SupportedReports(ctx context.Context, path string, node Node) []string {
	if _, ok := node.(SyncCollection); ok {
		return []string{davxml.Clark(davxml.NSDAV, "sync-collection")}
	}
	return nil
}

func (p *SyncPlugin) propFind(ctx context.Context, pf *PropFind, node Node) (Outcome, error) {
	sc, ok := node.(SyncCollection)
	if !ok {
		return Continue, nil
	}
	tokenName := davxml.Clark(davxml.NSDAV, "sync-token")
	ctagName := davxml.Clark(davxml.NSCalendarServer, "getctag")
	if pf.Status(tokenName) != http.StatusNotFound && pf.Status(ctagName) != http.StatusNotFound {
		return Continue, nil
	}
	token, err := sc.SyncToken(ctx)
	if err != nil {
		pf.Set(tokenName, nil, http.StatusInternalServerError)
		pf.Set(ctagName, nil, http.StatusInternalServerError)
		return Continue, nil
	}
	pf.Handle(tokenName, FormatSyncToken(token))
	pf.Handle(ctagName, FormatSyncToken(token))
	return Continue, nil
}

func (p *SyncPlugin) report(ctx context.Context, req *ReportRequest) (Outcome, error) {
	if req.Name != davxml.Clark(davxml.NSDAV, "sync-collection") {
		return Continue, nil
	}
	node, err := p.server.Tree(ctx).NodeForPath(ctx, req.Path)
	if err != nil {
		return Stop, err
	}
	sc, ok := node.(SyncCollection)
	if !ok {
		return Stop, ReportNotSupported(req.Name)
	}
	if ParseDepth(req.R.Header.Get("Depth"), 0) != 0 {
		return Stop, BadRequest("the sync-collection report is only defined on Depth: 0")
	}
	sr, err := davxml.ParseSyncCollection(req.Doc)
	if err != nil {
		return Stop, BadRequest("%v", err)
	}
	token, valid := ParseSyncToken(sr.SyncToken)
	if !valid {
		return Stop, InvalidSyncToken()
	}
	limit := sr.Limit
	if limit == 0 {
		limit = p.Limit
	}
	changes, err := sc.Changes(ctx, token, sr.SyncLevel, limit)
	if err != nil {
		if StatusFromError(err) == http.StatusForbidden {
			return Stop, TooManyMatches()
		}
		return Stop, err
	}
	if changes == nil {
		return Stop, InvalidSyncToken()
	}

	ms, err := p.SyncResponse(ctx, req.Path, changes, sr.Props)
	if err != nil {
		return Stop, err
	}
	p.server.WriteMultiStatus(req.W, req.R, ms)
	return Stop, nil
}

// SyncResponse builds the multistatus for a change set on collection path.
func (p *SyncPlugin) SyncResponse(ctx context.Context, path string, changes *ChangeSet, props []string) (*davxml.MultiStatus, error) {
	var paths []string
	for _, name := range append(append([]string(nil), changes.Added...), changes.Modified...) {
		paths = append(paths, JoinPath(path, name))
	}
	responses, err := p.server.PropertiesForMultiplePaths(ctx, paths, props)
	if err != nil {
		return nil, err
	}
	for _, name := range changes.Deleted {
		responses = append(responses, davxml.Response{Href: JoinPath(path, name), Status: http.StatusNotFound})
	}
	return &davxml.MultiStatus{Responses: responses, SyncToken: FormatSyncToken(changes.SyncToken)}, nil
}
