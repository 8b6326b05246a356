package davacl

import (
	"context"
	"net/http"
	"sort"

	"gitea.jw6.us/james/davkit/internal/dav"
	"gitea.jw6.us/james/davkit/internal/davxml"
)

// Plugin enforces access control lists and reports the principal
// properties of RFC 3744 and RFC 5397.
type Plugin struct {
	server *dav.Server

	// DefaultACL applies to nodes that do not implement Node.
	DefaultACL []ACE
	// AdminPrincipals hold every privilege on every node.
	AdminPrincipals []string
}

// New returns a plugin where nodes without an ACL are readable by every
// authenticated principal.
func New() *Plugin {
	return &Plugin{
		DefaultACL: []ACE{{Principal: PrincipalAuthenticated, Privilege: PrivRead}},
	}
}

func (p *Plugin) Name() string { return "acl" }

func (p *Plugin) Features() []string { return []string{"access-control"} }

func (p *Plugin) Initialize(s *dav.Server) {
	p.server = s
	s.SetPrivilegeChecker(p)
	s.AddProtectedProperties(
		davxml.Clark(davxml.NSDAV, "current-user-principal"),
		davxml.Clark(davxml.NSDAV, "principal-URL"),
		davxml.Clark(davxml.NSDAV, "principal-collection-set"),
		davxml.Clark(davxml.NSDAV, "owner"),
		davxml.Clark(davxml.NSDAV, "alternate-URI-set"),
		davxml.Clark(davxml.NSDAV, "group-member-set"),
		davxml.Clark(davxml.NSDAV, "group-membership"),
	)
	s.BeforeMethod.On(20, p.beforeMethod)
	s.PropFind.On(20, p.propFind)
}

// Privileges returns the privileges the current principal holds on node,
// aggregates expanded.
func (p *Plugin) Privileges(ctx context.Context, node dav.Node) map[string]bool {
	principal := dav.CurrentPrincipal(ctx)
	set := map[string]bool{}
	for _, admin := range p.AdminPrincipals {
		if principal != "" && dav.CleanPath(admin) == principal {
			for _, priv := range expand(PrivAll) {
				set[priv] = true
			}
			return set
		}
	}
	acl, owner := p.DefaultACL, ""
	if n, ok := node.(Node); ok {
		acl, owner = n.ACL(), n.Owner()
	}
	for _, ace := range acl {
		if !matchPrincipal(ace.Principal, principal, owner) {
			continue
		}
		for _, priv := range expand(ace.Privilege) {
			set[priv] = true
		}
	}
	return set
}

func matchPrincipal(ace, principal, owner string) bool {
	switch ace {
	case PrincipalAll:
		return true
	case PrincipalAuthenticated:
		return principal != ""
	case PrincipalOwner:
		return principal != "" && principal == dav.CleanPath(owner)
	}
	return principal != "" && dav.CleanPath(ace) == principal
}

// CheckPrivileges implements dav.PrivilegeChecker. Paths that do not exist
// pass; the method handler reports them.
func (p *Plugin) CheckPrivileges(ctx context.Context, path string, privileges ...string) error {
	node, err := p.server.Tree(ctx).NodeForPath(ctx, path)
	if err != nil {
		if dav.StatusFromError(err) == http.StatusNotFound {
			return nil
		}
		return err
	}
	granted := p.Privileges(ctx, node)
	var missing []string
	for _, priv := range privileges {
		if !granted[priv] {
			missing = append(missing, priv)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if dav.CurrentPrincipal(ctx) == "" {
		return dav.NotAuthenticated("authentication is required")
	}
	return dav.NeedPrivileges(dav.CleanPath(path), missing...)
}

// beforeMethod maps each verb onto the privileges it needs before any
// handler touches the tree.
func (p *Plugin) beforeMethod(ctx context.Context, req *dav.Request) (dav.Outcome, error) {
	exists, err := p.server.Tree(ctx).NodeExists(ctx, req.Path)
	if err != nil {
		return dav.Stop, err
	}
	parent, _ := dav.SplitPath(req.Path)
	check := func(path string, privs ...string) error {
		return p.CheckPrivileges(ctx, path, privs...)
	}

	switch req.R.Method {
	case http.MethodGet, http.MethodHead, "REPORT":
		err = check(req.Path, PrivRead)
	case "PROPPATCH":
		err = check(req.Path, PrivWriteProperties)
	case http.MethodPut, "LOCK":
		if exists {
			err = check(req.Path, PrivWriteContent)
		} else {
			err = check(parent, PrivBind)
		}
	case "UNLOCK":
		err = check(req.Path, PrivUnlock)
	case http.MethodDelete:
		if exists {
			err = check(parent, PrivUnbind)
		}
	case "MKCOL", "MKCALENDAR":
		if !exists {
			err = check(parent, PrivBind)
		}
	case "COPY", "MOVE":
		if !exists {
			break
		}
		if req.R.Method == "COPY" {
			err = check(req.Path, PrivRead)
		} else {
			err = check(parent, PrivUnbind)
		}
		if err != nil {
			break
		}
		raw := req.R.Header.Get("Destination")
		if raw == "" {
			break
		}
		if dst, derr := p.server.CalculateURI(raw); derr == nil {
			dstParent, _ := dav.SplitPath(dst)
			err = check(dstParent, PrivBind)
		}
	}
	if err != nil {
		return dav.Stop, err
	}
	return dav.Continue, nil
}

// propFind denies every property of unreadable nodes and resolves the
// principal and privilege properties of readable ones.
func (p *Plugin) propFind(ctx context.Context, pf *dav.PropFind, node dav.Node) (dav.Outcome, error) {
	granted := p.Privileges(ctx, node)
	if !granted[PrivRead] {
		pf.DenyAll()
		return dav.Continue, nil
	}
	principal := dav.CurrentPrincipal(ctx)

	pf.Handle(davxml.Clark(davxml.NSDAV, "current-user-principal"), CurrentUserPrincipal(principal))
	pf.Handle(davxml.Clark(davxml.NSDAV, "principal-collection-set"), davxml.NewHref(PrincipalPrefix+"/"))
	if pn, ok := node.(*PrincipalNode); ok {
		pf.Handle(davxml.Clark(davxml.NSDAV, "principal-URL"), davxml.NewHref(pn.principal.URI+"/"))
		pf.Handle(davxml.Clark(davxml.NSDAV, "group-member-set"), &davxml.Href{})
		pf.Handle(davxml.Clark(davxml.NSDAV, "group-membership"), &davxml.Href{})
	}
	if n, ok := node.(Node); ok && n.Owner() != "" {
		pf.Handle(davxml.Clark(davxml.NSDAV, "owner"), davxml.NewHref(dav.CleanPath(n.Owner())+"/"))
	}
	pf.Handle(davxml.Clark(davxml.NSDAV, "current-user-privilege-set"), dav.LazyValue(func() (any, error) {
		privs := make([]string, 0, len(granted))
		for priv := range granted {
			privs = append(privs, priv)
		}
		sort.Strings(privs)
		return &davxml.CurrentUserPrivilegeSet{Privileges: privs}, nil
	}))
	pf.Handle(davxml.Clark(davxml.NSDAV, "supported-privilege-set"), &davxml.SupportedPrivilegeSet{Root: SupportedPrivileges})
	return dav.Continue, nil
}

// CurrentUserPrincipal is the {DAV:}current-user-principal value for
// principal.
func CurrentUserPrincipal(principal string) any {
	if principal == "" {
		return map[string]any{davxml.Clark(davxml.NSDAV, "unauthenticated"): nil}
	}
	return davxml.NewHref(principal + "/")
}
