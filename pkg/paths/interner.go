package paths

import (
	"path/filepath"

	"github.com/pkg/errors"
)

// internKey is the structural identity of an interned node.
type internKey struct {
	parent *Path
	name   string
}

// Interner is a content-addressed store of absolute paths. It hands out
// shared immutable Path nodes and never evicts. An Interner is not safe for
// concurrent use.
type Interner struct {
	// root is the filesystem root node.
	root *Path
	// nodes maps structural identities to their canonical nodes.
	nodes map[internKey]*Path
}

// NewInterner creates an empty interner containing only the filesystem root.
func NewInterner() *Interner {
	return &Interner{
		root:  &Path{},
		nodes: make(map[internKey]*Path),
	}
}

// Root returns the filesystem root node.
func (i *Interner) Root() *Path {
	return i.root
}

// Join interns the child of an already-interned parent.
func (i *Interner) Join(parent *Path, name string) *Path {
	key := internKey{parent: parent, name: name}
	if existing, ok := i.nodes[key]; ok {
		return existing
	}
	node := &Path{
		parent: parent,
		name:   name,
		depth:  parent.depth + 1,
	}
	i.nodes[key] = node
	return node
}

// Intern canonicalizes an absolute path string into its interned node,
// interning every ancestor along the way. It fails only on non-absolute
// input.
func (i *Interner) Intern(path string) (*Path, error) {
	// Reject relative paths. Everything in the catalog is keyed by absolute
	// location.
	if !filepath.IsAbs(path) {
		return nil, errors.Errorf("path is not absolute: %s", path)
	}

	// Normalize away redundant separators and dot components.
	path = filepath.Clean(path)

	// Walk the components from the root down.
	node := i.root
	for _, name := range splitComponents(path) {
		node = i.Join(node, name)
	}

	// Success.
	return node, nil
}

// splitComponents decomposes a cleaned absolute path into its name
// components. The filesystem root yields no components.
func splitComponents(path string) []string {
	if path == "/" {
		return nil
	}
	var components []string
	for path != "/" {
		components = append(components, filepath.Base(path))
		path = filepath.Dir(path)
	}
	// Reverse into root-first order.
	for left, right := 0, len(components)-1; left < right; left, right = left+1, right-1 {
		components[left], components[right] = components[right], components[left]
	}
	return components
}
