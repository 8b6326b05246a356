package dav

import "context"

// SimpleCollection is a read-only collection with a fixed set of children.
type SimpleCollection struct {
	name     string
	children []Node
}

// NewSimpleCollection returns a collection named name holding children.
func NewSimpleCollection(name string, children ...Node) *SimpleCollection {
	return &SimpleCollection{name: name, children: children}
}

func (c *SimpleCollection) Name() string { return c.name }

func (c *SimpleCollection) Children(ctx context.Context) ([]Node, error) {
	return append([]Node(nil), c.children...), nil
}

func (c *SimpleCollection) Child(ctx context.Context, name string) (Node, error) {
	for _, n := range c.children {
		if n.Name() == name {
			return n, nil
		}
	}
	return nil, NotFound("collection %s has no child named %s", c.name, name)
}
