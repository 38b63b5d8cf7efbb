// Package paths implements a content-addressed store of filesystem paths
// decomposed into (parent, name) nodes, so that sibling files share their
// parent chain exactly once. Interned paths are immutable, cheap to compare,
// and define the total order used throughout the catalog.
package paths

import (
	"strings"
)

// Path is an interned absolute path node. Two interned paths originating from
// the same Interner are structurally equal if and only if they are pointer
// equal, which makes Path values usable as map keys.
type Path struct {
	// parent is the parent node, or nil for the filesystem root.
	parent *Path
	// name is the final path component, or empty for the filesystem root.
	name string
	// depth is the number of components above the filesystem root. It exists
	// to make ancestor comparison constant-time per level by climbing the
	// deeper side first.
	depth uint16
}

// Parent returns the parent node, or nil for the filesystem root.
func (p *Path) Parent() *Path {
	return p.parent
}

// Name returns the final path component, or an empty string for the
// filesystem root.
func (p *Path) Name() string {
	return p.name
}

// Depth returns the number of components above the filesystem root.
func (p *Path) Depth() uint16 {
	return p.depth
}

// String materializes the path into its absolute string form.
func (p *Path) String() string {
	if p.parent == nil {
		return "/"
	}
	if p.parent.parent == nil {
		return "/" + p.name
	}
	return p.parent.String() + "/" + p.name
}

// ancestorAt climbs to the ancestor at the specified depth, which must not
// exceed the path's own depth.
func (p *Path) ancestorAt(depth uint16) *Path {
	for p.depth > depth {
		p = p.parent
	}
	return p
}

// Compare orders two interned paths by their component sequences. It returns
// a negative value if p orders before other, zero if they are identical, and
// a positive value otherwise. A path orders before any of its descendants.
func (p *Path) Compare(other *Path) int {
	// Identity implies equality.
	if p == other {
		return 0
	}

	// At equal depth, order by parents first and names second. Parents of
	// equal-depth non-root nodes are never nil because the root is unique.
	if p.depth == other.depth {
		if p.parent != other.parent {
			if result := p.parent.Compare(other.parent); result != 0 {
				return result
			}
		}
		return strings.Compare(p.name, other.name)
	}

	// Otherwise climb the deeper side to matching depth. If the climb lands
	// on the other path, the shallower path is a proper ancestor and orders
	// first.
	if p.depth > other.depth {
		if result := p.ancestorAt(other.depth).Compare(other); result != 0 {
			return result
		}
		return 1
	}
	if result := p.Compare(other.ancestorAt(p.depth)); result != 0 {
		return result
	}
	return -1
}

// Less indicates whether p orders strictly before other.
func (p *Path) Less(other *Path) bool {
	return p.Compare(other) < 0
}
