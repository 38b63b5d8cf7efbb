package hashing

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/btrfs"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/catalog"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/paths"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/status"
)

// ExtentMapFunc returns the ordered physical extent map for a file. It
// exists so that tests can substitute the kernel query.
type ExtentMapFunc func(path string) ([]btrfs.Extent, error)

// ExtentHasher brings catalog records up to date with digests of their
// physical extent layout, honoring a byte budget per batch.
type ExtentHasher struct {
	// roots is the current configured root set.
	roots map[*paths.Path]bool
	// batchSize is the byte budget per batch.
	batchSize uint64
	// catalog is the catalog being updated.
	catalog *catalog.Catalog
	// extentMap queries a file's extent map.
	extentMap ExtentMapFunc

	// Ignored counts records outside the current root set and non-empty
	// records without the content digest that extent state derives from. It
	// is recomputed each batch.
	Ignored uint64
	// Fresh counts records whose extent digests are already up to date. It
	// is recomputed each batch.
	Fresh uint64
	// Updated counts records hashed across all batches.
	Updated uint64
	// Remaining counts records deferred past the current batch's budget. It
	// is recomputed each batch.
	Remaining uint64
	// Errors counts records that failed with I/O errors across all batches.
	Errors uint64
}

// NewExtentHasher creates an extent hasher over the specified catalog. A nil
// extent map function selects the kernel's FIEMAP query.
func NewExtentHasher(
	roots []*paths.Path,
	batchSize uint64,
	cat *catalog.Catalog,
	extentMap ExtentMapFunc,
) *ExtentHasher {
	rootSet := make(map[*paths.Path]bool, len(roots))
	for _, root := range roots {
		rootSet[root] = true
	}
	if extentMap == nil {
		extentMap = btrfs.ExtentMap
	}
	return &ExtentHasher{
		roots:     rootSet,
		batchSize: batchSize,
		catalog:   cat,
		extentMap: extentMap,
	}
}

// HashBatch performs a single batch of extent hashing, stopping once the
// byte budget is exhausted.
func (h *ExtentHasher) HashBatch(reporter status.Reporter) {
	var ignored, fresh, remaining, updated, errorCount uint64
	var hashed uint64

	for index := 0; index < h.catalog.Len(); index++ {
		record := h.catalog.Record(index)

		// Records whose content digest is absent (other than empty files,
		// which legitimately have none) have no valid basis for derived
		// extent state, so they're out of scope until content hashing
		// succeeds for them.
		if record.Root == nil || !h.roots[record.Root] {
			ignored++
			continue
		} else if record.ContentHash.IsZero() && record.Size != 0 {
			ignored++
			continue
		} else if record.ExtentHashTime != 0 {
			fresh++
			continue
		} else if updated > 0 && hashed+record.Size > h.batchSize {
			remaining++
			continue
		}

		reporter.Status(fmt.Sprintf("Extent hash: %s", record.Path))

		now := time.Now().Unix()
		if digest, err := h.hashExtents(record.Path.String()); err == nil {
			if digest != record.ExtentHash {
				record.ExtentHash = digest
				record.ExtentHashTime = now
				record.DefragmentTime = 0
				record.DeduplicateTime = 0
			}
			updated++
		} else {
			errorCount++
		}
		hashed += record.Size
	}

	h.Ignored = ignored
	h.Fresh = fresh
	h.Remaining = remaining
	h.Updated += updated
	h.Errors += errorCount

	reporter.ClearStatus()
}

// hashExtents digests a file's physical extent layout. Extents without a
// physical allocation carry no identity and are excluded; if no physical
// extents remain, the result is the absent sentinel.
func (h *ExtentHasher) hashExtents(path string) (catalog.Hash, error) {
	var result catalog.Hash

	// Query the extent map.
	extents, err := h.extentMap(path)
	if err != nil {
		return result, err
	}

	// Digest the physically allocated extents in their canonical byte
	// layout.
	hasher := sha256.New()
	var buffer [32]byte
	var physicalExtents uint64
	for _, extent := range extents {
		if extent.Physical == 0 {
			continue
		}
		binary.LittleEndian.PutUint64(buffer[0:], extent.Logical)
		binary.LittleEndian.PutUint64(buffer[8:], extent.Physical)
		binary.LittleEndian.PutUint64(buffer[16:], extent.Length)
		binary.LittleEndian.PutUint64(buffer[24:], extent.Flags)
		hasher.Write(buffer[:])
		physicalExtents++
	}

	// A file with no physical extents has an absent extent digest.
	if physicalExtents == 0 {
		return result, nil
	}

	// Success.
	copy(result[:], hasher.Sum(nil))
	return result, nil
}
