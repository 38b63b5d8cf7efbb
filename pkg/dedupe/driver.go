package dedupe

import (
	"fmt"
	"time"

	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/catalog"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/paths"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/status"
)

// Operator performs the filesystem-level share and defragment requests on
// behalf of the driver.
type Operator interface {
	// ShareRanges requests that each destination's full range be made to
	// reference the same physical extents as the source. The returned slice
	// reports per-destination success or failure in destination order.
	ShareRanges(source string, destinations []string) []error
	// Defragment performs a single compressing defragmentation pass over the
	// file. The operation is advisory.
	Defragment(path string) error
}

// Driver applies a deduplication mapping to the catalog, one bounded batch
// at a time.
type Driver struct {
	// roots is the current configured root set.
	roots map[*paths.Path]bool
	// batchSize is the byte budget per batch.
	batchSize uint64
	// catalog is the catalog being updated.
	catalog *catalog.Catalog
	// operator performs the underlying filesystem operations.
	operator Operator

	// Ignored counts records outside the current root set. It is recomputed
	// each batch.
	Ignored uint64
	// Fresh counts records with no pending mapping entry. It is recomputed
	// each batch.
	Fresh uint64
	// Updated counts records deduplicated across all batches.
	Updated uint64
	// Remaining counts records deferred past the current batch's budget. It
	// is recomputed each batch.
	Remaining uint64
	// Errors counts records whose share or defragmentation requests failed
	// across all batches.
	Errors uint64
	// SharedBytes counts the bytes of file content submitted for sharing or
	// defragmentation across all batches.
	SharedBytes uint64
}

// NewDriver creates a driver over the specified catalog.
func NewDriver(
	roots []*paths.Path,
	batchSize uint64,
	cat *catalog.Catalog,
	operator Operator,
) *Driver {
	rootSet := make(map[*paths.Path]bool, len(roots))
	for _, root := range roots {
		rootSet[root] = true
	}
	return &Driver{
		roots:     rootSet,
		batchSize: batchSize,
		catalog:   cat,
		operator:  operator,
	}
}

// DedupeBatch applies a single batch of the mapping, stopping once the byte
// budget is exhausted. Applied entries are removed from the mapping so that
// later batches skip them.
func (d *Driver) DedupeBatch(mapping Mapping, reporter status.Reporter) {
	var ignored, fresh, remaining, updated, errorCount uint64
	var deduped uint64

	for index := 0; index < d.catalog.Len(); index++ {
		record := d.catalog.Record(index)

		target, mapped := mapping[record.Path]
		if record.Root == nil || !d.roots[record.Root] {
			ignored++
			continue
		} else if !mapped {
			fresh++
			continue
		} else if updated > 0 && deduped+record.Size > d.batchSize {
			remaining++
			continue
		}

		// Apply the mapping entry. A self-mapping marks the group's
		// canonical file, which is defragmented rather than shared; success
		// of defragmentation is advisory.
		now := time.Now().Unix()
		var success bool
		if target == record.Path {
			reporter.Status(fmt.Sprintf("Defragment: %s", record.Path))
			success = d.operator.Defragment(record.Path.String()) == nil
		} else {
			reporter.Status(fmt.Sprintf("Deduplicate: %s -> %s", record.Path, target))
			results := d.operator.ShareRanges(
				target.String(), []string{record.Path.String()},
			)
			success = len(results) == 1 && results[0] == nil
		}

		// Consume the mapping entry and update catalog state: the extent
		// layout has changed, so the extent digest must be recomputed on the
		// next pass.
		delete(mapping, record.Path)
		record.ExtentHash = catalog.ZeroHash
		record.ExtentHashTime = 0
		record.DefragmentTime = 0
		record.DeduplicateTime = now

		deduped += record.Size
		if success {
			updated++
		} else {
			errorCount++
		}
	}

	d.Ignored = ignored
	d.Fresh = fresh
	d.Remaining = remaining
	d.Updated += updated
	d.Errors += errorCount
	d.SharedBytes += deduped

	reporter.ClearStatus()
}
