// Package dedupe implements the deduplication planner, which decides which
// files should share storage with which canonical copy, and the driver, which
// applies those decisions in bounded batches.
package dedupe

import (
	"fmt"

	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/catalog"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/paths"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/status"
)

// Mapping maps each file that should participate in deduplication to its
// group's canonical file. Canonical files map to themselves.
type Mapping map[*paths.Path]*paths.Path

// BuildMapping groups catalog records by content digest and filters the
// groups down to those that still need deduplication, reporting statistics
// at each stage. The earliest record in catalog order is each group's
// canonical member.
func BuildMapping(
	cat *catalog.Catalog,
	roots []*paths.Path,
	minimumFileSize uint64,
	reporter status.Reporter,
) Mapping {
	rootSet := make(map[*paths.Path]bool, len(roots))
	for _, root := range roots {
		rootSet[root] = true
	}

	// Group eligible records by content digest. Records without a digest
	// carry no identity and cannot participate. Group member lists are in
	// catalog order because records are visited in catalog order.
	groups := make(map[catalog.Hash][]int)
	for index := 0; index < cat.Len(); index++ {
		record := cat.Record(index)
		if record.Size < minimumFileSize {
			continue
		}
		if record.Root == nil || !rootSet[record.Root] {
			continue
		}
		if record.ContentHash.IsZero() {
			continue
		}
		groups[record.ContentHash] = append(groups[record.ContentHash], index)
	}
	reporter.Message(fmt.Sprintf("Found %d unique hashes", len(groups)))

	// Filter to digests with multiple instances.
	for digest, members := range groups {
		if len(members) < 2 {
			delete(groups, digest)
		}
	}
	reporter.Message(fmt.Sprintf(
		"Found %d unique hashes with multiple instances", len(groups),
	))

	// Filter members to files with physical extents; a file without any has
	// nothing to share. Groups reduced below two members are discarded.
	for digest, members := range groups {
		var physical []int
		for _, index := range members {
			if !cat.Record(index).ExtentHash.IsZero() {
				physical = append(physical, index)
			}
		}
		if len(physical) < 2 {
			delete(groups, digest)
		} else {
			groups[digest] = physical
		}
	}
	reporter.Message(fmt.Sprintf(
		"Found %d unique hashes which can be deduplicated", len(groups),
	))

	// Discard groups whose members already share a single extent layout.
	for digest, members := range groups {
		first := cat.Record(members[0]).ExtentHash
		collapsed := true
		for _, index := range members[1:] {
			if cat.Record(index).ExtentHash != first {
				collapsed = false
				break
			}
		}
		if collapsed {
			delete(groups, digest)
		}
	}
	reporter.Message(fmt.Sprintf(
		"Found %d unique hashes which need deduplication", len(groups),
	))

	// Map every member of each surviving group to the group's canonical
	// member, including the canonical member itself: the driver defragments
	// self-mapped files so the canonical copy is compacted before others
	// share its extents.
	mapping := make(Mapping)
	for _, members := range groups {
		canonical := cat.Record(members[0]).Path
		for _, index := range members {
			mapping[cat.Record(index).Path] = canonical
		}
	}
	reporter.Message(fmt.Sprintf("Found %d files to deduplicate", len(mapping)))

	// Done.
	return mapping
}
