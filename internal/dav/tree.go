package dav

import (
	"context"
	"errors"
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"gitea.jw6.us/james/davkit/internal/store"
)

// DefaultNodeCacheSize bounds the per-request node cache.
const DefaultNodeCacheSize = 256

// Tree resolves paths to nodes for a single request. Resolved nodes are
// cached so repeated lookups of the same path do not hit the backend again.
type Tree struct {
	root  Collection
	cache *lru.Cache[string, Node]
}

// NewTree returns a tree rooted at root.
func NewTree(root Collection, cacheSize int) *Tree {
	if cacheSize <= 0 {
		cacheSize = DefaultNodeCacheSize
	}
	cache, err := lru.New[string, Node](cacheSize)
	if err != nil {
		panic(err)
	}
	return &Tree{root: root, cache: cache}
}

// CleanPath trims slashes and resolves dot segments. The root is "".
func CleanPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	p = path.Clean("/" + p)
	return strings.Trim(p, "/")
}

// SplitPath returns the parent path and the last segment.
func SplitPath(p string) (string, string) {
	p = CleanPath(p)
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

// JoinPath joins a parent path and a child name.
func JoinPath(parent, name string) string {
	parent = CleanPath(parent)
	if parent == "" {
		return CleanPath(name)
	}
	return parent + "/" + CleanPath(name)
}

// NodeForPath returns the node at p.
func (t *Tree) NodeForPath(ctx context.Context, p string) (Node, error) {
	p = CleanPath(p)
	if p == "" {
		return t.root, nil
	}
	if n, ok := t.cache.Get(p); ok {
		return n, nil
	}
	parentPath, name := SplitPath(p)
	parent, err := t.NodeForPath(ctx, parentPath)
	if err != nil {
		return nil, err
	}
	coll, ok := parent.(Collection)
	if !ok {
		return nil, NotFound("could not find node at path: %s", p)
	}
	child, err := coll.Child(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFound("could not find node at path: %s", p)
		}
		return nil, err
	}
	t.cache.Add(p, child)
	return child, nil
}

// NodeExists reports whether a node resolves at p.
func (t *Tree) NodeExists(ctx context.Context, p string) (bool, error) {
	_, err := t.NodeForPath(ctx, p)
	if err == nil {
		return true, nil
	}
	if StatusFromError(err) == 404 {
		return false, nil
	}
	return false, err
}

// Children lists the children of the collection at p.
func (t *Tree) Children(ctx context.Context, p string) ([]Node, error) {
	n, err := t.NodeForPath(ctx, p)
	if err != nil {
		return nil, err
	}
	coll, ok := n.(Collection)
	if !ok {
		return nil, MethodNotAllowed("%s is not a collection", CleanPath(p))
	}
	children, err := coll.Children(ctx)
	if err != nil {
		return nil, err
	}
	base := CleanPath(p)
	for _, c := range children {
		t.cache.Add(JoinPath(base, c.Name()), c)
	}
	return children, nil
}

// MultipleNodes resolves several paths; missing paths are left out.
func (t *Tree) MultipleNodes(ctx context.Context, paths []string) (map[string]Node, error) {
	out := make(map[string]Node, len(paths))
	for _, p := range paths {
		n, err := t.NodeForPath(ctx, p)
		if err != nil {
			if StatusFromError(err) == 404 {
				continue
			}
			return nil, err
		}
		out[CleanPath(p)] = n
	}
	return out, nil
}

// Delete removes the node at p.
func (t *Tree) Delete(ctx context.Context, p string) error {
	n, err := t.NodeForPath(ctx, p)
	if err != nil {
		return err
	}
	d, ok := n.(Deleter)
	if !ok {
		return Forbidden("%s cannot be deleted", CleanPath(p))
	}
	if err := d.Delete(ctx); err != nil {
		return err
	}
	t.MarkDirty(p)
	return nil
}

// Copy copies the node at src to dst. The destination must not exist.
func (t *Tree) Copy(ctx context.Context, src, dst string) error {
	source, err := t.NodeForPath(ctx, src)
	if err != nil {
		return err
	}
	parentPath, name := SplitPath(dst)
	parent, err := t.NodeForPath(ctx, parentPath)
	if err != nil {
		return err
	}
	if err := t.copyNode(ctx, source, parent, name); err != nil {
		return err
	}
	t.MarkDirty(parentPath)
	return nil
}

func (t *Tree) copyNode(ctx context.Context, source, parent Node, name string) error {
	switch src := source.(type) {
	case File:
		creator, ok := parent.(FileCreator)
		if !ok {
			return Forbidden("destination does not accept files")
		}
		data, err := src.Get(ctx)
		if err != nil {
			return err
		}
		_, err = creator.CreateFile(ctx, name, data)
		return err
	case Collection:
		creator, ok := parent.(DirectoryCreator)
		if !ok {
			return Forbidden("destination does not accept collections")
		}
		if err := creator.CreateDirectory(ctx, name); err != nil {
			return err
		}
		target, err := parent.(Collection).Child(ctx, name)
		if err != nil {
			return err
		}
		children, err := src.Children(ctx)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := t.copyNode(ctx, c, target, c.Name()); err != nil {
				return err
			}
		}
		return nil
	default:
		return Forbidden("node cannot be copied")
	}
}

// Move moves the node at src to dst. Renames within a parent use Renamer,
// then MoveTarget is tried, then copy and delete.
func (t *Tree) Move(ctx context.Context, src, dst string) error {
	source, err := t.NodeForPath(ctx, src)
	if err != nil {
		return err
	}
	srcParent, _ := SplitPath(src)
	dstParent, dstName := SplitPath(dst)
	defer t.MarkDirty(src)
	defer t.MarkDirty(dstParent)

	if srcParent == dstParent {
		if r, ok := source.(Renamer); ok {
			return r.SetName(ctx, dstName)
		}
	}
	target, err := t.NodeForPath(ctx, dstParent)
	if err != nil {
		return err
	}
	if mt, ok := target.(MoveTarget); ok {
		moved, err := mt.MoveInto(ctx, dstName, CleanPath(src), source)
		if err != nil {
			return err
		}
		if moved {
			return nil
		}
	}
	d, ok := source.(Deleter)
	if !ok {
		return Forbidden("%s cannot be moved", CleanPath(src))
	}
	if err := t.copyNode(ctx, source, target, dstName); err != nil {
		return err
	}
	if err := d.Delete(ctx); err != nil {
		t.removeCopy(ctx, dst)
		return err
	}
	return nil
}

// removeCopy drops a half-finished move destination. Failures are ignored,
// the caller already reports the original error.
func (t *Tree) removeCopy(ctx context.Context, dst string) {
	t.MarkDirty(dst)
	n, err := t.NodeForPath(ctx, dst)
	if err != nil {
		return
	}
	if d, ok := n.(Deleter); ok {
		_ = d.Delete(ctx)
	}
}

// MarkDirty drops p and everything below it from the cache.
func (t *Tree) MarkDirty(p string) {
	p = CleanPath(p)
	for _, k := range t.cache.Keys() {
		if k == p || p == "" || strings.HasPrefix(k, p+"/") {
			t.cache.Remove(k)
		}
	}
}

type treeKey struct{}

func withTree(ctx context.Context, t *Tree) context.Context {
	return context.WithValue(ctx, treeKey{}, t)
}

func treeFromContext(ctx context.Context) (*Tree, bool) {
	t, ok := ctx.Value(treeKey{}).(*Tree)
	return t, ok
}
