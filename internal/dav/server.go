package dav

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"gitea.jw6.us/james/davkit/internal/davxml"
	"gitea.jw6.us/james/davkit/internal/metrics"
)

// Options configures a Server.
type Options struct {
	// BaseURI is the URL path the tree is mounted on, such as "/dav/".
	BaseURI string
	Logger  zerolog.Logger
	// MaxDepth bounds Depth: infinity traversal.
	MaxDepth           int
	AllowInfiniteDepth bool
	NodeCacheSize      int
	MaxBodyBytes       int64
}

const (
	defaultMaxDepth     = 8
	defaultMaxBodyBytes = 10 << 20
)

// Server dispatches DAV requests against a resource tree through the
// plugins registered on it.
type Server struct {
	Events

	root       Collection
	opts       Options
	log        zerolog.Logger
	plugins    []Plugin
	privileges PrivilegeChecker
	protected  map[string]struct{}
}

// NewServer returns a Server with the core plugin installed.
func NewServer(root Collection, opts Options) *Server {
	if opts.BaseURI == "" {
		opts.BaseURI = "/"
	}
	if !strings.HasSuffix(opts.BaseURI, "/") {
		opts.BaseURI += "/"
	}
	if !strings.HasPrefix(opts.BaseURI, "/") {
		opts.BaseURI = "/" + opts.BaseURI
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		root:      root,
		opts:      opts,
		log:       opts.Logger.With().Str("sender", "dav").Logger(),
		protected: make(map[string]struct{}),
	}
	s.AddProtectedProperties(defaultProtected...)
	s.AddPlugin(&CorePlugin{})
	return s
}

var defaultProtected = []string{
	davxml.Clark(davxml.NSDAV, "getcontentlength"),
	davxml.Clark(davxml.NSDAV, "getetag"),
	davxml.Clark(davxml.NSDAV, "getlastmodified"),
	davxml.Clark(davxml.NSDAV, "lockdiscovery"),
	davxml.Clark(davxml.NSDAV, "supportedlock"),
	davxml.Clark(davxml.NSDAV, "resourcetype"),
	davxml.Clark(davxml.NSDAV, "quota-available-bytes"),
	davxml.Clark(davxml.NSDAV, "quota-used-bytes"),
	davxml.Clark(davxml.NSDAV, "supported-privilege-set"),
	davxml.Clark(davxml.NSDAV, "current-user-privilege-set"),
	davxml.Clark(davxml.NSDAV, "acl"),
	davxml.Clark(davxml.NSDAV, "acl-restrictions"),
	davxml.Clark(davxml.NSDAV, "inherited-acl-set"),
	davxml.Clark(davxml.NSDAV, "supported-method-set"),
	davxml.Clark(davxml.NSDAV, "supported-report-set"),
	davxml.Clark(davxml.NSDAV, "sync-token"),
	davxml.Clark(davxml.NSCalendarServer, "getctag"),
}

// AddPlugin registers and initializes p.
func (s *Server) AddPlugin(p Plugin) {
	s.plugins = append(s.plugins, p)
	p.Initialize(s)
}

// Plugin returns the registered plugin with the given name.
func (s *Server) Plugin(name string) Plugin {
	for _, p := range s.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// Plugins returns the registered plugins in registration order.
func (s *Server) Plugins() []Plugin {
	return append([]Plugin(nil), s.plugins...)
}

// SetPrivilegeChecker installs the ACL check used by CheckPrivileges.
func (s *Server) SetPrivilegeChecker(pc PrivilegeChecker) {
	s.privileges = pc
}

// CheckPrivileges verifies privileges on path; without a checker every
// request is allowed.
func (s *Server) CheckPrivileges(ctx context.Context, path string, privileges ...string) error {
	if s.privileges == nil {
		return nil
	}
	return s.privileges.CheckPrivileges(ctx, path, privileges...)
}

// AddProtectedProperties marks names as read-only for PROPPATCH.
func (s *Server) AddProtectedProperties(names ...string) {
	for _, n := range names {
		s.protected[n] = struct{}{}
	}
}

// IsProtected reports whether name cannot be set by PROPPATCH.
func (s *Server) IsProtected(name string) bool {
	_, ok := s.protected[name]
	return ok
}

// BaseURI returns the mount path, with a trailing slash.
func (s *Server) BaseURI() string { return s.opts.BaseURI }

// Logger returns the server logger.
func (s *Server) Logger() *zerolog.Logger { return &s.log }

// Tree returns the tree of the current request, creating one for contexts
// that did not pass through ServeHTTP.
func (s *Server) Tree(ctx context.Context) *Tree {
	if t, ok := treeFromContext(ctx); ok {
		return t
	}
	return NewTree(s.root, s.opts.NodeCacheSize)
}

// WithTree attaches a fresh request tree to ctx.
func (s *Server) WithTree(ctx context.Context) context.Context {
	if _, ok := treeFromContext(ctx); ok {
		return ctx
	}
	return withTree(ctx, NewTree(s.root, s.opts.NodeCacheSize))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := s.WithTree(r.Context())
	r = r.WithContext(ctx)

	p, err := s.CalculateURI(r.URL.Path)
	if err != nil {
		s.WriteError(w, r, err)
		return
	}
	req := &Request{W: w, R: r, Path: p}
	out, err := s.emitBeforeMethod(ctx, req)
	if err != nil {
		s.WriteError(w, r, err)
		return
	}
	if out == Stop {
		return
	}
	out, err = s.emitMethod(ctx, req)
	if err != nil {
		s.WriteError(w, r, err)
		return
	}
	if out != Stop {
		s.WriteError(w, r, NotImplemented("there was no plugin in the system that was willing to handle %s", r.Method))
	}
}

// CalculateURI turns a request URI or href into a path relative to the base
// URI. Full URLs are reduced to their path first.
func (s *Server) CalculateURI(uri string) (string, error) {
	if u, err := url.Parse(uri); err == nil && (u.Scheme != "" || u.Host != "") {
		uri = u.Path
	}
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	base := s.opts.BaseURI
	if uri+"/" == base {
		return "", nil
	}
	if !strings.HasPrefix(uri, base) {
		return "", Forbidden("requested uri %s is out of base uri %s", uri, base)
	}
	return CleanPath(strings.TrimPrefix(uri, base)), nil
}

// ResolveHref maps an href from a request body, relative to the request
// path, onto a tree path.
func (s *Server) ResolveHref(requestPath, href string) (string, error) {
	base := strings.TrimSuffix(s.opts.BaseURI, "/") + "/" + CleanPath(requestPath)
	return s.CalculateURI(resolveHref(base, href))
}

// ReadBody reads the request body within the configured size limit.
func (s *Server) ReadBody(req *Request) ([]byte, error) {
	return readBody(req.W, req.R, s.opts.MaxBodyBytes)
}

// PropertiesByNode runs the propFind chain for one node. It returns false
// when a listener stopped the chain, which hides the node from the result.
func (s *Server) PropertiesByNode(ctx context.Context, pf *PropFind, node Node) (bool, error) {
	out, err := s.emitPropFind(ctx, pf, node)
	if err != nil {
		return false, err
	}
	pf.finish()
	return out == Continue, nil
}

// PropertiesForPath resolves properties for path and, depending on depth,
// its descendants. Infinite depth is cut off at the configured maximum.
func (s *Server) PropertiesForPath(ctx context.Context, path string, names []string, depth int, typ PropFindType) ([]davxml.Response, error) {
	tree := s.Tree(ctx)
	node, err := tree.NodeForPath(ctx, path)
	if err != nil {
		return nil, err
	}
	maxLevel := depth
	if depth == DepthInfinity {
		maxLevel = s.opts.MaxDepth
	}

	type item struct {
		path  string
		node  Node
		level int
	}
	queue := []item{{path: CleanPath(path), node: node}}
	var out []davxml.Response
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]

		pf := NewPropFind(it.path, names, depth, typ)
		visible, err := s.PropertiesByNode(ctx, pf, it.node)
		if err != nil {
			return nil, err
		}
		if !visible {
			continue
		}
		out = append(out, pf.Response())

		if it.level >= maxLevel {
			continue
		}
		if _, ok := it.node.(Collection); !ok {
			continue
		}
		children, err := tree.Children(ctx, it.path)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			queue = append(queue, item{path: JoinPath(it.path, c.Name()), node: c, level: it.level + 1})
		}
	}
	return out, nil
}

// PropertiesForMultiplePaths resolves properties for each path in order.
// Paths that do not resolve produce a response with a 404 status.
func (s *Server) PropertiesForMultiplePaths(ctx context.Context, paths []string, names []string) ([]davxml.Response, error) {
	nodes, err := s.Tree(ctx).MultipleNodes(ctx, paths)
	if err != nil {
		return nil, err
	}
	out := make([]davxml.Response, 0, len(paths))
	for _, p := range paths {
		cp := CleanPath(p)
		node, ok := nodes[cp]
		if !ok {
			out = append(out, davxml.Response{Href: cp, Status: http.StatusNotFound})
			continue
		}
		pf := NewPropFind(cp, names, 0, PropFindNormal)
		visible, err := s.PropertiesByNode(ctx, pf, node)
		if err != nil {
			return nil, err
		}
		if !visible {
			out = append(out, davxml.Response{Href: cp, Status: http.StatusNotFound})
			continue
		}
		out = append(out, pf.Response())
	}
	return out, nil
}

// UpdateProperties applies mutations to path through the propPatch chain
// and returns the status of every property.
func (s *Server) UpdateProperties(ctx context.Context, path string, mutations []davxml.Mutation) (map[string]int, error) {
	if _, err := s.Tree(ctx).NodeForPath(ctx, path); err != nil {
		return nil, err
	}
	pp := NewPropPatch(path, mutations)
	if _, err := s.emitPropPatch(ctx, pp); err != nil {
		return nil, err
	}
	ok := pp.Commit(ctx)
	metrics.ObservePropPatch(ok)
	return pp.Result(), nil
}

// CreateFile creates a new file at path and returns its ETag, if known.
func (s *Server) CreateFile(ctx context.Context, path string, data []byte) (string, error) {
	tree := s.Tree(ctx)
	parentPath, name := SplitPath(path)
	parent, err := tree.NodeForPath(ctx, parentPath)
	if err != nil {
		if StatusFromError(err) == http.StatusNotFound {
			return "", Conflict("parent collection %s does not exist", parentPath)
		}
		return "", err
	}
	creator, ok := parent.(FileCreator)
	if !ok {
		return "", Conflict("files can only be created in collections that accept them")
	}
	out, err := s.emitBeforeCreateFile(ctx, CleanPath(path), &data, parent)
	if err != nil {
		return "", err
	}
	if out == Stop {
		return "", Forbidden("file creation was refused")
	}
	etag, err := creator.CreateFile(ctx, name, data)
	if err != nil {
		return "", err
	}
	tree.MarkDirty(path)
	return etag, nil
}

// UpdateFile replaces the content of the file at path.
func (s *Server) UpdateFile(ctx context.Context, path string, data []byte) (string, error) {
	tree := s.Tree(ctx)
	node, err := tree.NodeForPath(ctx, path)
	if err != nil {
		return "", err
	}
	putter, ok := node.(Putter)
	if !ok {
		return "", MethodNotAllowed("PUT is not allowed on this resource")
	}
	out, err := s.emitBeforeWriteContent(ctx, CleanPath(path), node, &data)
	if err != nil {
		return "", err
	}
	if out == Stop {
		return "", Forbidden("write was refused")
	}
	etag, err := putter.Put(ctx, data)
	if err != nil {
		return "", err
	}
	tree.MarkDirty(path)
	return etag, nil
}

// CreateCollection creates a collection at path. Properties in req that the
// collection does not consume are applied through the propPatch chain; if
// that fails the collection is removed again and the per-property result is
// returned.
func (s *Server) CreateCollection(ctx context.Context, path string, req *davxml.MkColRequest) (map[string]int, error) {
	tree := s.Tree(ctx)
	parentPath, name := SplitPath(path)
	if name == "" {
		return nil, MethodNotAllowed("the resource already exists")
	}
	parent, err := tree.NodeForPath(ctx, parentPath)
	if err != nil {
		if StatusFromError(err) == http.StatusNotFound {
			return nil, Conflict("parent collection %s does not exist", parentPath)
		}
		return nil, err
	}
	if _, ok := parent.(Collection); !ok {
		return nil, Conflict("parent of %s is not a collection", path)
	}
	exists, err := tree.NodeExists(ctx, path)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, MethodNotAllowed("the resource you tried to create already exists")
	}
	if req == nil {
		req = &davxml.MkColRequest{}
	}
	if req.Properties == nil {
		req.Properties = map[string]any{}
	}
	if len(req.ResourceType) == 0 {
		req.ResourceType = []string{davxml.Clark(davxml.NSDAV, "collection")}
	}

	if ext, ok := parent.(ExtendedCollectionCreator); ok {
		if err := ext.CreateExtendedCollection(ctx, name, req); err != nil {
			return nil, err
		}
	} else {
		plain := len(req.ResourceType) == 1 && req.ResourceType[0] == davxml.Clark(davxml.NSDAV, "collection")
		dc, ok := parent.(DirectoryCreator)
		if !plain {
			return nil, ForbiddenCondition(davxml.Clark(davxml.NSDAV, "valid-resourcetype"), "the resourcetype for this collection must be {DAV:}collection")
		}
		if !ok {
			return nil, Forbidden("collections cannot be created here")
		}
		if err := dc.CreateDirectory(ctx, name); err != nil {
			return nil, err
		}
	}
	tree.MarkDirty(path)

	if len(req.Properties) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(req.Properties))
	for n := range req.Properties {
		names = append(names, n)
	}
	sort.Strings(names)
	mutations := make([]davxml.Mutation, 0, len(names))
	for _, n := range names {
		mutations = append(mutations, davxml.Mutation{Name: n, Value: req.Properties[n]})
	}
	result, err := s.UpdateProperties(ctx, path, mutations)
	if err != nil {
		return nil, err
	}
	for _, code := range result {
		if code >= http.StatusBadRequest {
			if derr := s.Delete(ctx, path); derr != nil {
				s.log.Warn().Err(derr).Str("path", path).Msg("failed to remove collection after rejected properties")
			}
			return result, nil
		}
	}
	return nil, nil
}

// Delete removes path and notifies afterUnbind listeners.
func (s *Server) Delete(ctx context.Context, path string) error {
	if err := s.Tree(ctx).Delete(ctx, path); err != nil {
		return err
	}
	_, err := s.emitAfterUnbind(ctx, CleanPath(path))
	return err
}

// Move moves src to dst and notifies afterMove listeners.
func (s *Server) Move(ctx context.Context, src, dst string) error {
	if err := s.Tree(ctx).Move(ctx, src, dst); err != nil {
		return err
	}
	_, err := s.emitAfterMove(ctx, CleanPath(src), CleanPath(dst))
	return err
}

// SupportedReports collects the reports plugins support on node.
func (s *Server) SupportedReports(ctx context.Context, path string, node Node) []string {
	set := &davxml.SupportedReportSet{}
	for _, p := range s.plugins {
		if rp, ok := p.(ReportProvider); ok {
			for _, r := range rp.SupportedReports(ctx, path, node) {
				set.Add(r)
			}
		}
	}
	return set.Reports
}

// Features returns the DAV compliance classes.
func (s *Server) Features() []string {
	features := []string{"1", "3", "extended-mkcol"}
	seen := map[string]bool{"1": true, "3": true, "extended-mkcol": true}
	for _, p := range s.plugins {
		if fp, ok := p.(FeatureProvider); ok {
			for _, f := range fp.Features() {
				if !seen[f] {
					seen[f] = true
					features = append(features, f)
				}
			}
		}
	}
	return features
}

// AllowedMethods returns the verbs valid on path.
func (s *Server) AllowedMethods(ctx context.Context, path string) []string {
	methods := []string{"OPTIONS", "GET", "HEAD", "DELETE", "PROPFIND", "PUT", "PROPPATCH", "COPY", "MOVE", "REPORT"}
	if exists, _ := s.Tree(ctx).NodeExists(ctx, path); !exists {
		methods = []string{"OPTIONS", "MKCOL", "PUT"}
	}
	seen := map[string]bool{}
	for _, m := range methods {
		seen[m] = true
	}
	for _, p := range s.plugins {
		if mp, ok := p.(MethodProvider); ok {
			for _, m := range mp.HTTPMethods(ctx, path) {
				if !seen[m] {
					seen[m] = true
					methods = append(methods, m)
				}
			}
		}
	}
	return methods
}

// WriteMultiStatus writes a 207 response. With Prefer: return=minimal the
// 404 groups are left out.
func (s *Server) WriteMultiStatus(w http.ResponseWriter, r *http.Request, ms *davxml.MultiStatus) {
	if PreferMinimal(r) {
		for i := range ms.Responses {
			delete(ms.Responses[i].Props, http.StatusNotFound)
		}
		w.Header().Set("Preference-Applied", "return=minimal")
	}
	w.Header().Add("Vary", "Brief,Prefer")
	s.WriteXML(w, http.StatusMultiStatus, ms.Bytes(s.opts.BaseURI, nil))
}

// WriteXML writes an XML body with status.
func (s *Server) WriteXML(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteError renders err as a {DAV:}error body. Internal details of 5xx
// errors are logged and never sent to the client.
func (s *Server) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	e := asError(err)
	reqID := middleware.GetReqID(r.Context())
	ev := s.log.Debug()
	if e.Status >= http.StatusInternalServerError {
		ev = s.log.Error()
	}
	ev.Err(err).Str("request_id", reqID).Str("method", r.Method).Str("uri", r.URL.RequestURI()).Int("status", e.Status).Msg("request failed")

	if e.Status == http.StatusNotModified {
		w.WriteHeader(e.Status)
		return
	}
	msg := e.Message
	if e.Status >= http.StatusInternalServerError && e.Err != nil {
		msg = http.StatusText(e.Status)
	}
	s.WriteXML(w, e.Status, davxml.ErrorDocument(s.opts.BaseURI, e.Condition, msg, e.Detail))
}
