package davacl

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"gitea.jw6.us/james/davkit/internal/dav"
	"gitea.jw6.us/james/davkit/internal/davxml"
	"gitea.jw6.us/james/davkit/internal/store"
)

// PrincipalPrefix is the tree path of the principals collection.
const PrincipalPrefix = "principals"

// Principal is a user as seen by the DAV tree.
type Principal struct {
	// URI is the tree path, such as "principals/alice".
	URI         string
	UserID      int64
	Username    string
	DisplayName string
	Email       string
}

// PrincipalPath returns the tree path of the named principal.
func PrincipalPath(username string) string {
	return dav.JoinPath(PrincipalPrefix, username)
}

// PrincipalBackend looks up principals.
type PrincipalBackend interface {
	Principals(ctx context.Context) ([]Principal, error)
	// PrincipalByName returns an error wrapping store.ErrNotFound for unknown
	// names.
	PrincipalByName(ctx context.Context, name string) (*Principal, error)
}

// StoreBackend serves principals from the user repository.
type StoreBackend struct {
	users store.UserRepository
}

func NewStoreBackend(users store.UserRepository) *StoreBackend {
	return &StoreBackend{users: users}
}

func (b *StoreBackend) Principals(ctx context.Context) ([]Principal, error) {
	users, err := b.users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]Principal, 0, len(users))
	for _, u := range users {
		out = append(out, principalFromUser(u))
	}
	return out, nil
}

func (b *StoreBackend) PrincipalByName(ctx context.Context, name string) (*Principal, error) {
	u, err := b.users.GetByUsername(ctx, name)
	if err != nil {
		return nil, err
	}
	p := principalFromUser(*u)
	return &p, nil
}

func principalFromUser(u store.User) Principal {
	return Principal{
		URI:         PrincipalPath(u.Username),
		UserID:      u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Email:       u.Email,
	}
}

// FindPrincipal resolves a sharee or attendee href: a principal URL under
// the base URI, a relative principal path or a mailto: address.
func FindPrincipal(ctx context.Context, b PrincipalBackend, baseURI, href string) (*Principal, error) {
	if addr, ok := strings.CutPrefix(strings.ToLower(href), "mailto:"); ok {
		all, err := b.Principals(ctx)
		if err != nil {
			return nil, err
		}
		for i := range all {
			if strings.EqualFold(all[i].Email, addr) {
				return &all[i], nil
			}
		}
		return nil, fmt.Errorf("principal %s: %w", href, store.ErrNotFound)
	}
	if u, err := url.Parse(href); err == nil {
		href = u.Path
	}
	p := strings.TrimPrefix(href, strings.TrimSuffix(baseURI, "/"))
	p = dav.CleanPath(p)
	parent, name := dav.SplitPath(p)
	if parent != PrincipalPrefix || name == "" {
		return nil, fmt.Errorf("principal %s: %w", href, store.ErrNotFound)
	}
	return b.PrincipalByName(ctx, name)
}

// PrincipalCollection lists every principal.
type PrincipalCollection struct {
	backend PrincipalBackend
}

func NewPrincipalCollection(backend PrincipalBackend) *PrincipalCollection {
	return &PrincipalCollection{backend: backend}
}

func (c *PrincipalCollection) Name() string { return PrincipalPrefix }

func (c *PrincipalCollection) Children(ctx context.Context) ([]dav.Node, error) {
	all, err := c.backend.Principals(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]dav.Node, 0, len(all))
	for _, p := range all {
		out = append(out, &PrincipalNode{principal: p})
	}
	return out, nil
}

func (c *PrincipalCollection) Child(ctx context.Context, name string) (dav.Node, error) {
	p, err := c.backend.PrincipalByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return &PrincipalNode{principal: *p}, nil
}

func (c *PrincipalCollection) Owner() string { return "" }

func (c *PrincipalCollection) ACL() []ACE {
	return []ACE{{Principal: PrincipalAuthenticated, Privilege: PrivRead, Protected: true}}
}

// PrincipalNode is a single principal resource.
type PrincipalNode struct {
	principal Principal
}

func (n *PrincipalNode) Name() string { return n.principal.Username }

// Principal returns the principal behind the node.
func (n *PrincipalNode) Principal() Principal { return n.principal }

// Children is always empty. Principals are collections so their URLs end
// in a slash.
func (n *PrincipalNode) Children(ctx context.Context) ([]dav.Node, error) { return nil, nil }

func (n *PrincipalNode) Child(ctx context.Context, name string) (dav.Node, error) {
	return nil, dav.NotFound("principal %s has no child %s", n.principal.Username, name)
}

func (n *PrincipalNode) ResourceTypes() []string {
	return []string{davxml.Clark(davxml.NSDAV, "principal")}
}

func (n *PrincipalNode) Properties(ctx context.Context, names []string) (map[string]any, error) {
	props := map[string]any{}
	name := n.principal.DisplayName
	if name == "" {
		name = n.principal.Username
	}
	props[davxml.Clark(davxml.NSDAV, "displayname")] = name
	if n.principal.Email != "" {
		props[davxml.Clark(davxml.NSDAV, "alternate-URI-set")] = &davxml.Href{Hrefs: []string{"mailto:" + n.principal.Email}}
		props[davxml.Clark(davxml.NSCalendarServer, "email-address-set")] = map[string]any{
			davxml.Clark(davxml.NSCalendarServer, "email-address"): n.principal.Email,
		}
	}
	return props, nil
}

func (n *PrincipalNode) Owner() string { return n.principal.URI }

func (n *PrincipalNode) ACL() []ACE {
	return append(OwnerACL(n.principal.URI), ACE{Principal: PrincipalAuthenticated, Privilege: PrivRead, Protected: true})
}
