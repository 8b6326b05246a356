package dav

import (
	"context"
	"time"

	"gitea.jw6.us/james/davkit/internal/davxml"
)

// Node is a resource in the tree. Further behaviour is expressed by the
// capability interfaces below; the engine checks for them with type
// assertions on the node it resolved.
type Node interface {
	Name() string
}

// Collection is a node with children.
type Collection interface {
	Node
	Children(ctx context.Context) ([]Node, error)
	// Child returns the named child or an error wrapping store.ErrNotFound
	// or a NotFound *Error.
	Child(ctx context.Context, name string) (Node, error)
}

// File is a leaf with content.
type File interface {
	Node
	Get(ctx context.Context) ([]byte, error)
}

// Putter is a file whose content can be replaced. Put returns the new ETag,
// or "" when the stored representation differs from the bytes given.
type Putter interface {
	Put(ctx context.Context, data []byte) (string, error)
}

// FileCreator is a collection that accepts new files.
type FileCreator interface {
	CreateFile(ctx context.Context, name string, data []byte) (string, error)
}

// DirectoryCreator is a collection that accepts plain MKCOL.
type DirectoryCreator interface {
	CreateDirectory(ctx context.Context, name string) error
}

// ExtendedCollectionCreator accepts extended MKCOL and MKCALENDAR bodies.
type ExtendedCollectionCreator interface {
	CreateExtendedCollection(ctx context.Context, name string, req *davxml.MkColRequest) error
}

// Deleter is a node that can be removed.
type Deleter interface {
	Delete(ctx context.Context) error
}

// Renamer is a node that can change its name within the same parent.
type Renamer interface {
	SetName(ctx context.Context, name string) error
}

// MoveTarget is a collection that can take over a node from elsewhere in
// the tree more efficiently than copy and delete. Returning false falls back
// to the generic strategy.
type MoveTarget interface {
	MoveInto(ctx context.Context, targetName, sourcePath string, source Node) (bool, error)
}

// ETagger reports the entity tag, including quotes.
type ETagger interface {
	ETag() string
}

// ContentTyper reports the MIME type of a file.
type ContentTyper interface {
	ContentType() string
}

// Sizer reports the content length of a file.
type Sizer interface {
	Size() int64
}

// LastModifier reports the modification time.
type LastModifier interface {
	LastModified() time.Time
}

// Quota is a collection that reports storage usage.
type Quota interface {
	QuotaInfo(ctx context.Context) (used, available int64, err error)
}

// PropertyProvider exposes node-native properties. names is nil when every
// property is requested.
type PropertyProvider interface {
	Properties(ctx context.Context, names []string) (map[string]any, error)
}

// PropertyPatcher lets a node claim PROPPATCH mutations.
type PropertyPatcher interface {
	PatchProperties(ctx context.Context, pp *PropPatch) error
}

// ResourceTyper adds resourcetype entries beyond {DAV:}collection.
type ResourceTyper interface {
	ResourceTypes() []string
}

// ChangeSet is the result of SyncCollection.Changes. Names are relative to
// the collection.
type ChangeSet struct {
	SyncToken int64
	Added     []string
	Modified  []string
	Deleted   []string
}

// SyncCollection is a collection that tracks changes with a sync token.
type SyncCollection interface {
	Collection
	SyncToken(ctx context.Context) (int64, error)
	// Changes returns the changes since token. token is nil for an initial
	// sync. A nil ChangeSet means the token is unknown; an error wrapping
	// store.ErrTooManyMatches means limit was exceeded.
	Changes(ctx context.Context, token *int64, level, limit int) (*ChangeSet, error)
}

// ShareableNode is a resource that can be shared with other principals.
type ShareableNode interface {
	Node
	ShareAccess() int
	ShareResourceURI() string
	Sharees(ctx context.Context) ([]davxml.Sharee, error)
	UpdateSharees(ctx context.Context, sharees []davxml.Sharee) error
}
