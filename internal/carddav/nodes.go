package carddav

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"gitea.jw6.us/james/davkit/internal/dav"
	"gitea.jw6.us/james/davkit/internal/davacl"
	"gitea.jw6.us/james/davkit/internal/davxml"
	"gitea.jw6.us/james/davkit/internal/store"
)

// RootName is the tree path holding every address book home.
const RootName = "addressbooks"

var (
	propDisplayName = davxml.Clark(davxml.NSDAV, "displayname")
	propDescription = davxml.Clark(davxml.NSCardDAV, "addressbook-description")
	typeAddressBook = davxml.Clark(davxml.NSCardDAV, "addressbook")
)

// HomePath returns the address book home of a principal path.
func HomePath(principal string) string {
	_, name := dav.SplitPath(principal)
	return dav.JoinPath(RootName, name)
}

// Root lists one address book home per principal.
type Root struct {
	backend    Backend
	principals davacl.PrincipalBackend
}

func NewRoot(backend Backend, principals davacl.PrincipalBackend) *Root {
	return &Root{backend: backend, principals: principals}
}

func (r *Root) Name() string { return RootName }

func (r *Root) Children(ctx context.Context) ([]dav.Node, error) {
	all, err := r.principals.Principals(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]dav.Node, 0, len(all))
	for _, p := range all {
		out = append(out, &Home{backend: r.backend, principal: p})
	}
	return out, nil
}

func (r *Root) Child(ctx context.Context, name string) (dav.Node, error) {
	p, err := r.principals.PrincipalByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Home{backend: r.backend, principal: *p}, nil
}

func (r *Root) Owner() string { return "" }

func (r *Root) ACL() []davacl.ACE {
	return []davacl.ACE{{Principal: davacl.PrincipalAuthenticated, Privilege: davacl.PrivRead, Protected: true}}
}

// Home holds the address books of one principal.
type Home struct {
	backend   Backend
	principal davacl.Principal
}

func (h *Home) Name() string { return h.principal.Username }

func (h *Home) Children(ctx context.Context) ([]dav.Node, error) {
	books, err := h.backend.AddressBooks(ctx, h.principal.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]dav.Node, 0, len(books))
	for _, b := range books {
		out = append(out, &AddressBook{backend: h.backend, book: b, owner: h.principal.URI})
	}
	return out, nil
}

func (h *Home) Child(ctx context.Context, name string) (dav.Node, error) {
	b, err := h.backend.AddressBook(ctx, h.principal.UserID, name)
	if err != nil {
		return nil, err
	}
	return &AddressBook{backend: h.backend, book: *b, owner: h.principal.URI}, nil
}

// CreateExtendedCollection creates an address book. The displayname and
// description are taken from the request; other properties are left for
// the propPatch chain.
func (h *Home) CreateExtendedCollection(ctx context.Context, name string, req *davxml.MkColRequest) error {
	rt := davxml.NewResourceType(req.ResourceType...)
	if !rt.Is(typeAddressBook) {
		return dav.ForbiddenCondition(davxml.Clark(davxml.NSDAV, "valid-resourcetype"), "only address books can be created in an address book home")
	}
	book := store.AddressBook{UserID: h.principal.UserID, URI: name}
	if v, ok := req.Properties[propDisplayName].(string); ok {
		book.DisplayName = v
		delete(req.Properties, propDisplayName)
	}
	if v, ok := req.Properties[propDescription].(string); ok {
		book.Description = v
		delete(req.Properties, propDescription)
	}
	if _, err := h.backend.CreateAddressBook(ctx, book); err != nil {
		return fmt.Errorf("create address book %s: %w", name, err)
	}
	return nil
}

func (h *Home) Owner() string { return h.principal.URI }

func (h *Home) ACL() []davacl.ACE { return davacl.OwnerACL(h.principal.URI) }

// AddressBook is a CardDAV address book collection.
type AddressBook struct {
	backend Backend
	book    store.AddressBook
	owner   string
}

func (a *AddressBook) Name() string { return a.book.URI }

// Book returns the stored address book.
func (a *AddressBook) Book() store.AddressBook { return a.book }

func (a *AddressBook) Children(ctx context.Context) ([]dav.Node, error) {
	objs, err := a.backend.Cards(ctx, a.book.ID)
	if err != nil {
		return nil, err
	}
	out := make([]dav.Node, 0, len(objs))
	for _, o := range objs {
		out = append(out, a.card(o))
	}
	return out, nil
}

func (a *AddressBook) Child(ctx context.Context, name string) (dav.Node, error) {
	o, err := a.backend.Card(ctx, a.book.ID, name)
	if err != nil {
		return nil, err
	}
	return a.card(*o), nil
}

// MultipleChildren returns the cards among names that exist.
func (a *AddressBook) MultipleChildren(ctx context.Context, names []string) ([]*Card, error) {
	objs, err := a.backend.MultipleCards(ctx, a.book.ID, names)
	if err != nil {
		return nil, err
	}
	out := make([]*Card, 0, len(objs))
	for _, o := range objs {
		out = append(out, a.card(o))
	}
	return out, nil
}

func (a *AddressBook) card(o store.Object) *Card {
	return &Card{backend: a.backend, obj: o, owner: a.owner}
}

func (a *AddressBook) CreateFile(ctx context.Context, name string, data []byte) (string, error) {
	o, err := a.backend.CreateCard(ctx, a.book.ID, name, data)
	if err != nil {
		return "", err
	}
	return quote(o.ETag), nil
}

func (a *AddressBook) Delete(ctx context.Context) error {
	return a.backend.DeleteAddressBook(ctx, a.book.ID)
}

func (a *AddressBook) SetName(ctx context.Context, name string) error {
	return a.backend.RenameAddressBook(ctx, a.book.ID, name)
}

func (a *AddressBook) ResourceTypes() []string { return []string{typeAddressBook} }

func (a *AddressBook) Properties(ctx context.Context, names []string) (map[string]any, error) {
	props := map[string]any{}
	if a.book.DisplayName != "" {
		props[propDisplayName] = a.book.DisplayName
	}
	if a.book.Description != "" {
		props[propDescription] = a.book.Description
	}
	return props, nil
}

func (a *AddressBook) PatchProperties(ctx context.Context, pp *dav.PropPatch) error {
	return pp.Handle([]string{propDisplayName, propDescription}, func(ctx context.Context, m map[string]any) (dav.PatchResult, error) {
		book := a.book
		for name, value := range m {
			s, ok := value.(string)
			if value != nil && !ok {
				return dav.PatchResult{Status: http.StatusBadRequest}, nil
			}
			switch name {
			case propDisplayName:
				book.DisplayName = s
			case propDescription:
				book.Description = s
			}
		}
		if err := a.backend.UpdateAddressBook(ctx, book); err != nil {
			return dav.PatchResult{}, err
		}
		a.book = book
		return dav.PatchSucceeded(), nil
	})
}

func (a *AddressBook) SyncToken(ctx context.Context) (int64, error) {
	return a.book.SyncToken, nil
}

func (a *AddressBook) Changes(ctx context.Context, token *int64, level, limit int) (*dav.ChangeSet, error) {
	cs, err := a.backend.Changes(ctx, a.book.ID, token, limit)
	if err != nil || cs == nil {
		return nil, err
	}
	return &dav.ChangeSet{SyncToken: cs.SyncToken, Added: cs.Added, Modified: cs.Modified, Deleted: cs.Deleted}, nil
}

func (a *AddressBook) Owner() string { return a.owner }

func (a *AddressBook) ACL() []davacl.ACE { return davacl.OwnerACL(a.owner) }

// Card is a single vCard.
type Card struct {
	backend Backend
	obj     store.Object
	owner   string
}

func (c *Card) Name() string { return c.obj.URI }

func (c *Card) Get(ctx context.Context) ([]byte, error) { return c.obj.Data, nil }

func (c *Card) Put(ctx context.Context, data []byte) (string, error) {
	o, err := c.backend.UpdateCard(ctx, c.obj.CollectionID, c.obj.URI, data)
	if err != nil {
		return "", err
	}
	c.obj = *o
	return quote(o.ETag), nil
}

func (c *Card) Delete(ctx context.Context) error {
	return c.backend.DeleteCard(ctx, c.obj.CollectionID, c.obj.URI)
}

func (c *Card) ETag() string { return quote(c.obj.ETag) }

func (c *Card) ContentType() string { return "text/vcard; charset=utf-8" }

func (c *Card) Size() int64 { return c.obj.Size }

func (c *Card) LastModified() time.Time { return c.obj.LastModified }

func (c *Card) Owner() string { return c.owner }

func (c *Card) ACL() []davacl.ACE { return davacl.OwnerACL(c.owner) }

func quote(etag string) string {
	if etag == "" {
		return ""
	}
	return `"` + etag + `"`
}
