package dav

import (
	"context"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"gitea.jw6.us/james/davkit/internal/davxml"
	"gitea.jw6.us/james/davkit/internal/metrics"
)

// CorePlugin implements the base WebDAV methods and live properties.
type CorePlugin struct {
	server *Server
}

func (p *CorePlugin) Name() string { return "core" }

func (p *CorePlugin) Initialize(s *Server) {
	p.server = s
	s.OnMethod(http.MethodGet, DefaultPriority, p.httpGet)
	s.OnMethod(http.MethodHead, DefaultPriority, p.httpHead)
	s.OnMethod(http.MethodOptions, DefaultPriority, p.httpOptions)
	s.OnMethod(http.MethodPut, DefaultPriority, p.httpPut)
	s.OnMethod(http.MethodDelete, DefaultPriority, p.httpDelete)
	s.OnMethod("PROPFIND", DefaultPriority, p.httpPropFind)
	s.OnMethod("PROPPATCH", DefaultPriority, p.httpPropPatch)
	s.OnMethod("MKCOL", DefaultPriority, p.httpMkCol)
	s.OnMethod("COPY", DefaultPriority, p.httpCopy)
	s.OnMethod("MOVE", DefaultPriority, p.httpMove)
	s.OnMethod("REPORT", DefaultPriority, p.httpReport)

	s.PropFind.On(DefaultPriority, p.propFind)
	s.PropFind.On(120, p.propFindNode)
	s.PropPatch.On(90, p.propPatchProtected)
	s.PropPatch.On(200, p.propPatchNode)
}

func (p *CorePlugin) httpOptions(ctx context.Context, req *Request) (Outcome, error) {
	h := req.W.Header()
	h.Set("Allow", strings.Join(p.server.AllowedMethods(ctx, req.Path), ", "))
	h.Set("DAV", strings.Join(p.server.Features(), ", "))
	h.Set("MS-Author-Via", "DAV")
	h.Set("Accept-Ranges", "none")
	h.Set("Content-Length", "0")
	req.W.WriteHeader(http.StatusOK)
	return Stop, nil
}

func (p *CorePlugin) httpGet(ctx context.Context, req *Request) (Outcome, error) {
	return p.serveContent(ctx, req, false)
}

func (p *CorePlugin) httpHead(ctx context.Context, req *Request) (Outcome, error) {
	return p.serveContent(ctx, req, true)
}

func (p *CorePlugin) serveContent(ctx context.Context, req *Request, head bool) (Outcome, error) {
	node, err := p.server.Tree(ctx).NodeForPath(ctx, req.Path)
	if err != nil {
		return Stop, err
	}
	file, ok := node.(File)
	if !ok {
		if head {
			req.W.WriteHeader(http.StatusOK)
			return Stop, nil
		}
		return Stop, NotImplemented("GET is only implemented on file objects")
	}
	if err := checkPreconditions(req.R, node); err != nil {
		return Stop, err
	}
	data, err := file.Get(ctx)
	if err != nil {
		return Stop, err
	}
	h := req.W.Header()
	contentType := "application/octet-stream"
	if ct, ok := node.(ContentTyper); ok && ct.ContentType() != "" {
		contentType = ct.ContentType()
	}
	h.Set("Content-Type", contentType)
	if e, ok := node.(ETagger); ok && e.ETag() != "" {
		h.Set("ETag", e.ETag())
	}
	if lm, ok := node.(LastModifier); ok && !lm.LastModified().IsZero() {
		h.Set("Last-Modified", lm.LastModified().UTC().Format(http.TimeFormat))
	}
	h.Set("Content-Length", strconv.Itoa(len(data)))
	req.W.WriteHeader(http.StatusOK)
	if !head {
		_, _ = req.W.Write(data)
	}
	return Stop, nil
}

func (p *CorePlugin) httpPut(ctx context.Context, req *Request) (Outcome, error) {
	if req.R.Header.Get("Content-Range") != "" {
		return Stop, BadRequest("Content-Range on PUT is not supported")
	}
	body, err := p.server.ReadBody(req)
	if err != nil {
		return Stop, err
	}
	tree := p.server.Tree(ctx)
	node, err := tree.NodeForPath(ctx, req.Path)
	switch {
	case err == nil:
		if _, isColl := node.(Collection); isColl {
			return Stop, MethodNotAllowed("PUT is not allowed on non-files")
		}
		if err := checkPreconditions(req.R, node); err != nil {
			return Stop, err
		}
		etag, err := p.server.UpdateFile(ctx, req.Path, body)
		if err != nil {
			return Stop, err
		}
		if etag != "" {
			req.W.Header().Set("ETag", etag)
		}
		req.W.WriteHeader(http.StatusNoContent)
	case StatusFromError(err) == http.StatusNotFound:
		if err := checkPreconditions(req.R, nil); err != nil {
			return Stop, err
		}
		etag, err := p.server.CreateFile(ctx, req.Path, body)
		if err != nil {
			return Stop, err
		}
		if etag != "" {
			req.W.Header().Set("ETag", etag)
		}
		req.W.WriteHeader(http.StatusCreated)
	default:
		return Stop, err
	}
	return Stop, nil
}

func (p *CorePlugin) httpDelete(ctx context.Context, req *Request) (Outcome, error) {
	if req.Path == "" {
		return Stop, Forbidden("the root cannot be deleted")
	}
	node, err := p.server.Tree(ctx).NodeForPath(ctx, req.Path)
	if err != nil {
		return Stop, err
	}
	if err := checkPreconditions(req.R, node); err != nil {
		return Stop, err
	}
	if err := p.server.Delete(ctx, req.Path); err != nil {
		return Stop, err
	}
	req.W.Header().Set("Content-Length", "0")
	req.W.WriteHeader(http.StatusNoContent)
	return Stop, nil
}

func (p *CorePlugin) httpPropFind(ctx context.Context, req *Request) (Outcome, error) {
	depth := ParseDepth(req.R.Header.Get("Depth"), 1)
	if depth == DepthInfinity && !p.server.opts.AllowInfiniteDepth {
		return Stop, ForbiddenCondition(davxml.Clark(davxml.NSDAV, "propfind-finite-depth"), "Depth: infinity is not supported")
	}
	body, err := p.server.ReadBody(req)
	if err != nil {
		return Stop, err
	}
	pfr, err := davxml.ParsePropFind(body)
	if err != nil {
		return Stop, BadRequest("%v", err)
	}
	typ := PropFindNormal
	names := pfr.Props
	switch {
	case pfr.PropName:
		typ = PropFindName
	case pfr.AllProp:
		typ = PropFindAllProps
		names = pfr.Include
	}
	responses, err := p.server.PropertiesForPath(ctx, req.Path, names, depth, typ)
	if err != nil {
		return Stop, err
	}
	metrics.ObservePropfind(DepthString(depth), len(responses))
	req.W.Header().Set("DAV", strings.Join(p.server.Features(), ", "))
	p.server.WriteMultiStatus(req.W, req.R, &davxml.MultiStatus{Responses: responses})
	return Stop, nil
}

func (p *CorePlugin) httpPropPatch(ctx context.Context, req *Request) (Outcome, error) {
	body, err := p.server.ReadBody(req)
	if err != nil {
		return Stop, err
	}
	ppr, err := davxml.ParsePropPatch(body)
	if err != nil {
		return Stop, BadRequest("%v", err)
	}
	result, err := p.server.UpdateProperties(ctx, req.Path, ppr.Mutations)
	if err != nil {
		return Stop, err
	}
	req.W.Header().Add("Vary", "Brief,Prefer")
	if PreferMinimal(req.R) {
		ok := true
		for _, code := range result {
			if code > 299 {
				ok = false
			}
		}
		if ok {
			req.W.WriteHeader(http.StatusNoContent)
			return Stop, nil
		}
	}
	p.server.WriteXML(req.W, http.StatusMultiStatus, (&davxml.MultiStatus{Responses: []davxml.Response{StatusResponse(req.Path, result)}}).Bytes(p.server.BaseURI(), nil))
	return Stop, nil
}

// StatusResponse renders per-property status codes as a response entry.
func StatusResponse(path string, result map[string]int) davxml.Response {
	props := map[int]map[string]any{}
	for name, code := range result {
		if props[code] == nil {
			props[code] = map[string]any{}
		}
		props[code][name] = nil
	}
	return davxml.Response{Href: path, Props: props}
}

func (p *CorePlugin) httpMkCol(ctx context.Context, req *Request) (Outcome, error) {
	body, err := p.server.ReadBody(req)
	if err != nil {
		return Stop, err
	}
	var mk *davxml.MkColRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		mediaType, _, _ := mime.ParseMediaType(req.R.Header.Get("Content-Type"))
		if mediaType != "application/xml" && mediaType != "text/xml" {
			return Stop, UnsupportedMediaType("", "the request body for the MKCOL request must have an xml Content-Type")
		}
		mk, err = davxml.ParseMkCol(body)
		if err != nil {
			return Stop, BadRequest("%v", err)
		}
	}
	result, err := p.server.CreateCollection(ctx, req.Path, mk)
	if err != nil {
		return Stop, err
	}
	if result != nil {
		p.server.WriteXML(req.W, http.StatusMultiStatus, (&davxml.MultiStatus{Responses: []davxml.Response{StatusResponse(req.Path, result)}}).Bytes(p.server.BaseURI(), nil))
		return Stop, nil
	}
	req.W.Header().Set("Content-Length", "0")
	req.W.WriteHeader(http.StatusCreated)
	return Stop, nil
}

type copyMoveInfo struct {
	destination string
	exists      bool
}

// copyMoveInfo validates the Destination and Overwrite headers and removes
// an existing destination when overwriting is allowed.
func (p *CorePlugin) copyMoveInfo(ctx context.Context, req *Request) (*copyMoveInfo, error) {
	raw := req.R.Header.Get("Destination")
	if raw == "" {
		return nil, BadRequest("the destination header was not supplied")
	}
	dst, err := p.server.CalculateURI(raw)
	if err != nil {
		return nil, err
	}
	overwrite := true
	switch strings.ToUpper(strings.TrimSpace(req.R.Header.Get("Overwrite"))) {
	case "", "T":
	case "F":
		overwrite = false
	default:
		return nil, BadRequest("the HTTP Overwrite header should be either T or F")
	}
	if req.Path == "" || dst == req.Path || strings.HasPrefix(dst, req.Path+"/") {
		return nil, Forbidden("source and destination uri are identical or nested")
	}
	tree := p.server.Tree(ctx)
	parent, _ := SplitPath(dst)
	parentNode, err := tree.NodeForPath(ctx, parent)
	if err != nil {
		if StatusFromError(err) == http.StatusNotFound {
			return nil, Conflict("the destination parent does not exist")
		}
		return nil, err
	}
	if _, ok := parentNode.(Collection); !ok {
		return nil, UnsupportedMediaType("", "the destination parent is not a collection")
	}
	exists, err := tree.NodeExists(ctx, dst)
	if err != nil {
		return nil, err
	}
	if exists {
		if !overwrite {
			return nil, PreconditionFailed("the destination node already exists and the overwrite header is set to false")
		}
		if err := p.server.Delete(ctx, dst); err != nil {
			return nil, err
		}
	}
	return &copyMoveInfo{destination: dst, exists: exists}, nil
}

func (p *CorePlugin) httpCopy(ctx context.Context, req *Request) (Outcome, error) {
	if _, err := p.server.Tree(ctx).NodeForPath(ctx, req.Path); err != nil {
		return Stop, err
	}
	info, err := p.copyMoveInfo(ctx, req)
	if err != nil {
		return Stop, err
	}
	if err := p.server.Tree(ctx).Copy(ctx, req.Path, info.destination); err != nil {
		return Stop, err
	}
	writeCopyMoveStatus(req.W, info.exists)
	return Stop, nil
}

func (p *CorePlugin) httpMove(ctx context.Context, req *Request) (Outcome, error) {
	if req.Path == "" {
		return Stop, Forbidden("the root cannot be moved")
	}
	if _, err := p.server.Tree(ctx).NodeForPath(ctx, req.Path); err != nil {
		return Stop, err
	}
	info, err := p.copyMoveInfo(ctx, req)
	if err != nil {
		return Stop, err
	}
	if err := p.server.Move(ctx, req.Path, info.destination); err != nil {
		return Stop, err
	}
	writeCopyMoveStatus(req.W, info.exists)
	return Stop, nil
}

func writeCopyMoveStatus(w http.ResponseWriter, existed bool) {
	w.Header().Set("Content-Length", "0")
	if existed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (p *CorePlugin) httpReport(ctx context.Context, req *Request) (Outcome, error) {
	body, err := p.server.ReadBody(req)
	if err != nil {
		return Stop, err
	}
	doc, err := davxml.ParseBytes(body)
	if err != nil {
		return Stop, BadRequest("%v", err)
	}
	if _, err := p.server.Tree(ctx).NodeForPath(ctx, req.Path); err != nil {
		return Stop, err
	}
	name := doc.Clark()
	out, err := p.server.emitReport(ctx, &ReportRequest{Request: req, Name: name, Doc: doc})
	switch {
	case err != nil:
		metrics.ObserveReport(name, strconv.Itoa(StatusFromError(err)))
		return Stop, err
	case out != Stop:
		metrics.ObserveReport(name, strconv.Itoa(http.StatusForbidden))
		return Stop, ReportNotSupported(name)
	}
	metrics.ObserveReport(name, "ok")
	return Stop, nil
}

func (p *CorePlugin) propFind(ctx context.Context, pf *PropFind, node Node) (Outcome, error) {
	if _, isFile := node.(File); isFile {
		if sz, ok := node.(Sizer); ok {
			pf.Handle(davxml.Clark(davxml.NSDAV, "getcontentlength"), sz.Size())
		}
	}
	if e, ok := node.(ETagger); ok && e.ETag() != "" {
		pf.Handle(davxml.Clark(davxml.NSDAV, "getetag"), e.ETag())
	}
	if lm, ok := node.(LastModifier); ok && !lm.LastModified().IsZero() {
		pf.Handle(davxml.Clark(davxml.NSDAV, "getlastmodified"), lm.LastModified())
	}
	if ct, ok := node.(ContentTyper); ok && ct.ContentType() != "" {
		pf.Handle(davxml.Clark(davxml.NSDAV, "getcontenttype"), ct.ContentType())
	}
	pf.Handle(davxml.Clark(davxml.NSDAV, "resourcetype"), ResourceTypeOf(node))
	pf.Handle(davxml.Clark(davxml.NSDAV, "supported-report-set"), LazyValue(func() (any, error) {
		return &davxml.SupportedReportSet{Reports: p.server.SupportedReports(ctx, pf.Path(), node)}, nil
	}))
	pf.Handle(davxml.Clark(davxml.NSDAV, "supported-method-set"), LazyValue(func() (any, error) {
		return &davxml.SupportedMethodSet{Methods: p.server.AllowedMethods(ctx, pf.Path())}, nil
	}))

	if q, ok := node.(Quota); ok {
		usedName := davxml.Clark(davxml.NSDAV, "quota-used-bytes")
		availName := davxml.Clark(davxml.NSDAV, "quota-available-bytes")
		if pf.Status(usedName) == http.StatusNotFound || pf.Status(availName) == http.StatusNotFound {
			used, avail, err := q.QuotaInfo(ctx)
			if err != nil {
				pf.Set(usedName, nil, http.StatusInternalServerError)
				pf.Set(availName, nil, http.StatusInternalServerError)
			} else {
				pf.Handle(usedName, used)
				pf.Handle(availName, avail)
			}
		}
	}
	return Continue, nil
}

// ResourceTypeOf returns the resourcetype of node.
func ResourceTypeOf(node Node) *davxml.ResourceType {
	rt := &davxml.ResourceType{}
	if _, ok := node.(Collection); ok {
		rt.Add(davxml.Clark(davxml.NSDAV, "collection"))
	}
	if typer, ok := node.(ResourceTyper); ok {
		for _, t := range typer.ResourceTypes() {
			rt.Add(t)
		}
	}
	return rt
}

func (p *CorePlugin) propFindNode(ctx context.Context, pf *PropFind, node Node) (Outcome, error) {
	provider, ok := node.(PropertyProvider)
	if !ok {
		return Continue, nil
	}
	var names []string
	if !pf.IsAllProps() {
		names = pf.Unresolved()
		if len(names) == 0 {
			return Continue, nil
		}
	}
	props, err := provider.Properties(ctx, names)
	if err != nil {
		p.server.Logger().Warn().Err(err).Str("path", pf.Path()).Msg("reading node properties")
		pf.Fail()
		return Continue, nil
	}
	for name, value := range props {
		if value == nil {
			continue
		}
		switch pf.Status(name) {
		case http.StatusNotFound:
			pf.Handle(name, value)
		case 0:
			pf.Set(name, value, http.StatusOK)
		}
	}
	return Continue, nil
}

func (p *CorePlugin) propPatchProtected(ctx context.Context, pp *PropPatch) (Outcome, error) {
	var protected []string
	for _, n := range pp.Names() {
		if p.server.IsProtected(n) {
			protected = append(protected, n)
		}
	}
	if len(protected) > 0 {
		pp.SetResultCode(protected, http.StatusForbidden)
	}
	return Continue, nil
}

func (p *CorePlugin) propPatchNode(ctx context.Context, pp *PropPatch) (Outcome, error) {
	node, err := p.server.Tree(ctx).NodeForPath(ctx, pp.Path())
	if err != nil {
		return Stop, err
	}
	if patcher, ok := node.(PropertyPatcher); ok {
		if err := patcher.PatchProperties(ctx, pp); err != nil {
			return Stop, err
		}
	}
	return Continue, nil
}
