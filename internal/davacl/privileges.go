package davacl

import (
	"gitea.jw6.us/james/davkit/internal/dav"
	"gitea.jw6.us/james/davkit/internal/davxml"
)

// Privileges known to the server.
var (
	PrivAll                         = davxml.Clark(davxml.NSDAV, "all")
	PrivRead                        = davxml.Clark(davxml.NSDAV, "read")
	PrivReadACL                     = davxml.Clark(davxml.NSDAV, "read-acl")
	PrivReadCurrentUserPrivilegeSet = davxml.Clark(davxml.NSDAV, "read-current-user-privilege-set")
	PrivWrite                       = davxml.Clark(davxml.NSDAV, "write")
	PrivWriteACL                    = davxml.Clark(davxml.NSDAV, "write-acl")
	PrivWriteProperties             = davxml.Clark(davxml.NSDAV, "write-properties")
	PrivWriteContent                = davxml.Clark(davxml.NSDAV, "write-content")
	PrivBind                        = davxml.Clark(davxml.NSDAV, "bind")
	PrivUnbind                      = davxml.Clark(davxml.NSDAV, "unbind")
	PrivUnlock                      = davxml.Clark(davxml.NSDAV, "unlock")
	PrivShare                       = dav.PrivilegeShare
)

// Pseudo principals usable in an ACE.
var (
	PrincipalAll           = davxml.Clark(davxml.NSDAV, "all")
	PrincipalAuthenticated = davxml.Clark(davxml.NSDAV, "authenticated")
	PrincipalOwner         = davxml.Clark(davxml.NSDAV, "owner")
)

// SupportedPrivileges is the aggregation tree reported in
// {DAV:}supported-privilege-set. Granting a privilege grants everything
// below it.
var SupportedPrivileges = davxml.Privilege{
	Name: PrivAll,
	Aggregates: []davxml.Privilege{
		{
			Name: PrivRead,
			Aggregates: []davxml.Privilege{
				{Name: PrivReadACL, Abstract: true},
				{Name: PrivReadCurrentUserPrivilegeSet, Abstract: true},
			},
		},
		{
			Name: PrivWrite,
			Aggregates: []davxml.Privilege{
				{Name: PrivWriteACL, Abstract: true},
				{Name: PrivWriteProperties},
				{Name: PrivWriteContent},
				{Name: PrivBind},
				{Name: PrivUnbind},
				{Name: PrivUnlock},
			},
		},
		{Name: PrivShare},
	},
}

var aggregates = flattenPrivileges(SupportedPrivileges)

// flattenPrivileges maps every privilege to itself and its descendants.
func flattenPrivileges(root davxml.Privilege) map[string][]string {
	out := map[string][]string{}
	var walk func(p davxml.Privilege) []string
	walk = func(p davxml.Privilege) []string {
		names := []string{p.Name}
		for _, a := range p.Aggregates {
			names = append(names, walk(a)...)
		}
		out[p.Name] = names
		return names
	}
	walk(root)
	return out
}

// expand returns priv and the privileges it aggregates.
func expand(priv string) []string {
	if names, ok := aggregates[priv]; ok {
		return names
	}
	return []string{priv}
}

// ACE grants a privilege to a principal path or pseudo principal.
type ACE struct {
	Principal string
	Privilege string
	// Protected entries cannot be changed by clients.
	Protected bool
}

// Node is a resource with an access control list.
type Node interface {
	dav.Node
	// Owner is the principal path owning the resource, or "".
	Owner() string
	ACL() []ACE
}

// OwnerACL grants the owner every privilege.
func OwnerACL(owner string) []ACE {
	return []ACE{{Principal: owner, Privilege: PrivAll, Protected: true}}
}
