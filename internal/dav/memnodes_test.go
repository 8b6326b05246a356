package dav

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"sort"
	"sync"

	"gitea.jw6.us/james/davkit/internal/store"
)

const (
	opAdd = iota + 1
	opModify
	opDelete
)

type memChange struct {
	token int64
	name  string
	op    int
}

// memDir is an in-memory collection used by the engine tests.
type memDir struct {
	mu       sync.Mutex
	name     string
	parent   *memDir
	children map[string]Node
	token    int64
	changes  []memChange
}

func newMemDir(name string) *memDir {
	return &memDir{name: name, children: map[string]Node{}}
}

func (d *memDir) Name() string { return d.name }

func (d *memDir) Children(ctx context.Context) ([]Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.children))
	for n := range d.children {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Node, 0, len(names))
	for _, n := range names {
		out = append(out, d.children[n])
	}
	return out, nil
}

func (d *memDir) Child(ctx context.Context, name string) (Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.children[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return n, nil
}

func (d *memDir) record(name string, op int) {
	d.token++
	d.changes = append(d.changes, memChange{token: d.token, name: name, op: op})
}

func (d *memDir) CreateFile(ctx context.Context, name string, data []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := &memFile{name: name, parent: d, data: append([]byte(nil), data...)}
	d.children[name] = f
	d.record(name, opAdd)
	return f.ETag(), nil
}

func (d *memDir) CreateDirectory(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub := newMemDir(name)
	sub.parent = d
	d.children[name] = sub
	d.record(name, opAdd)
	return nil
}

func (d *memDir) Delete(ctx context.Context) error {
	if d.parent == nil {
		return Forbidden("root")
	}
	d.parent.remove(d.name)
	return nil
}

func (d *memDir) remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.children, name)
	d.record(name, opDelete)
}

func (d *memDir) SyncToken(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token, nil
}

func (d *memDir) Changes(ctx context.Context, token *int64, level, limit int) (*ChangeSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs := &ChangeSet{SyncToken: d.token}
	if token == nil {
		for name := range d.children {
			cs.Added = append(cs.Added, name)
		}
		sort.Strings(cs.Added)
		return cs, nil
	}
	if *token > d.token {
		return nil, nil
	}
	last := map[string]int{}
	var order []string
	for _, c := range d.changes {
		if c.token <= *token {
			continue
		}
		if _, seen := last[c.name]; !seen {
			order = append(order, c.name)
		}
		last[c.name] = c.op
	}
	if limit > 0 && len(order) > limit {
		return nil, store.ErrTooManyMatches
	}
	for _, name := range order {
		switch last[name] {
		case opAdd:
			cs.Added = append(cs.Added, name)
		case opModify:
			cs.Modified = append(cs.Modified, name)
		case opDelete:
			cs.Deleted = append(cs.Deleted, name)
		}
	}
	return cs, nil
}

// memFile is an in-memory file with a single patchable dead property.
type memFile struct {
	mu     sync.Mutex
	name   string
	parent *memDir
	data   []byte
	color  string
}

const colorProp = "{urn:test}color"

func (f *memFile) Name() string { return f.name }

func (f *memFile) Get(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...), nil
}

func (f *memFile) Put(ctx context.Context, data []byte) (string, error) {
	f.mu.Lock()
	f.data = append([]byte(nil), data...)
	f.mu.Unlock()
	if f.parent != nil {
		f.parent.mu.Lock()
		f.parent.record(f.name, opModify)
		f.parent.mu.Unlock()
	}
	return f.ETag(), nil
}

func (f *memFile) ETag() string {
	sum := sha1.Sum(f.data)
	return `"` + hex.EncodeToString(sum[:8]) + `"`
}

func (f *memFile) Size() int64 { return int64(len(f.data)) }

func (f *memFile) ContentType() string { return "text/plain" }

func (f *memFile) Delete(ctx context.Context) error {
	if f.parent != nil {
		f.parent.remove(f.name)
	}
	return nil
}

func (f *memFile) Properties(ctx context.Context, names []string) (map[string]any, error) {
	if f.color == "" {
		return nil, nil
	}
	return map[string]any{colorProp: f.color}, nil
}

func (f *memFile) PatchProperties(ctx context.Context, pp *PropPatch) error {
	return pp.Handle([]string{colorProp}, func(ctx context.Context, m map[string]any) (PatchResult, error) {
		v, _ := m[colorProp].(string)
		if v == "invalid" {
			return PatchResult{Status: http.StatusConflict}, nil
		}
		f.color = v
		return PatchSucceeded(), nil
	})
}

// brokenFile fails every property lookup.
type brokenFile struct{ name string }

func (b *brokenFile) Name() string { return b.name }

func (b *brokenFile) Properties(ctx context.Context, names []string) (map[string]any, error) {
	return nil, errors.New("backend offline")
}

// stuckFile can be read but refuses deletion.
type stuckFile struct{ name string }

func (s *stuckFile) Name() string                            { return s.name }
func (s *stuckFile) Get(ctx context.Context) ([]byte, error) { return []byte("pinned"), nil }
func (s *stuckFile) Delete(ctx context.Context) error        { return Locked(s.name) }

// newTestTree builds:
//
//	/a.txt
//	/coll/        (sync collection)
//	/coll/b.txt
//	/coll/sub/c.txt
func newTestTree() *memDir {
	ctx := context.Background()
	root := newMemDir("")
	_, _ = root.CreateFile(ctx, "a.txt", []byte("hello"))
	_ = root.CreateDirectory(ctx, "coll")
	coll := root.children["coll"].(*memDir)
	_, _ = coll.CreateFile(ctx, "b.txt", []byte("bee"))
	_ = coll.CreateDirectory(ctx, "sub")
	sub := coll.children["sub"].(*memDir)
	_, _ = sub.CreateFile(ctx, "c.txt", []byte("sea"))
	return root
}
