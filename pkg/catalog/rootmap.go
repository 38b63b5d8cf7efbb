package catalog

import (
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/paths"
)

// RootMap resolves the nearest configured root ancestor of catalog paths. It
// caches every ancestor visited during resolution, so repeated lookups under
// the same subtree are constant-time. A present entry with a nil value marks
// a path known to lie outside every configured root.
type RootMap map[*paths.Path]*paths.Path

// NewRootMap creates a root map seeded with the configured roots mapped to
// themselves.
func NewRootMap(roots []*paths.Path) RootMap {
	result := make(RootMap, len(roots))
	for _, root := range roots {
		result[root] = root
	}
	return result
}

// FindRoot resolves the nearest configured root containing the specified
// path, or nil if the path lies outside every configured root. Every
// ancestor visited during the climb is cached.
func (m RootMap) FindRoot(path *paths.Path) *paths.Path {
	// Climb parents until a cached mapping is found or the chain runs out.
	var visited []*paths.Path
	search := path
	for search != nil {
		if _, ok := m[search]; ok {
			break
		}
		visited = append(visited, search)
		search = search.Parent()
	}

	// Resolve the result.
	var root *paths.Path
	if search != nil {
		root = m[search]
	}

	// Cache the climb.
	for _, node := range visited {
		m[node] = root
	}

	// Done.
	return root
}
