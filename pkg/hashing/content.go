// Package hashing implements the catalog's digest passes: content hashing of
// file bytes and extent hashing of physical layout.
package hashing

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/catalog"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/paths"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/status"
)

// copyBufferSize is the size of the buffer used to stream file contents
// through the digest.
const copyBufferSize = 32 * 1024

// ContentHasher brings catalog records up to date with computed content
// digests, honoring a byte budget per batch so that the catalog can be
// persisted between batches.
type ContentHasher struct {
	// roots is the current configured root set.
	roots map[*paths.Path]bool
	// batchSize is the byte budget per batch.
	batchSize uint64
	// catalog is the catalog being updated.
	catalog *catalog.Catalog

	// Ignored counts records outside the current root set. It is recomputed
	// each batch.
	Ignored uint64
	// Fresh counts records whose digests are already up to date. It is
	// recomputed each batch.
	Fresh uint64
	// Updated counts records hashed across all batches.
	Updated uint64
	// Remaining counts records deferred past the current batch's budget. It
	// is recomputed each batch.
	Remaining uint64
	// Errors counts records that failed with I/O errors across all batches.
	Errors uint64
	// HashedBytes counts bytes streamed through the digest across all
	// batches.
	HashedBytes uint64
}

// NewContentHasher creates a content hasher over the specified catalog.
func NewContentHasher(roots []*paths.Path, batchSize uint64, cat *catalog.Catalog) *ContentHasher {
	rootSet := make(map[*paths.Path]bool, len(roots))
	for _, root := range roots {
		rootSet[root] = true
	}
	return &ContentHasher{
		roots:     rootSet,
		batchSize: batchSize,
		catalog:   cat,
	}
}

// HashBatch performs a single batch of content hashing, stopping once the
// byte budget is exhausted. Remaining indicates how many eligible records
// were deferred to later batches.
func (h *ContentHasher) HashBatch(reporter status.Reporter) {
	var ignored, fresh, remaining, updated, errorCount uint64
	var hashed uint64

	for index := 0; index < h.catalog.Len(); index++ {
		record := h.catalog.Record(index)

		if record.Root == nil || !h.roots[record.Root] {
			ignored++
			continue
		} else if !record.ContentHash.IsZero() || record.Size == 0 {
			fresh++
			continue
		} else if updated > 0 && hashed+record.Size > h.batchSize {
			remaining++
			continue
		}

		reporter.Status(fmt.Sprintf("Content hash: %s", record.Path))

		now := time.Now().Unix()
		if digest, err := HashFile(record.Path.String()); err == nil {
			if digest != record.ContentHash {
				record.ContentHash = digest
				record.ContentHashTime = now
				record.ResetExtentState()
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
	h.HashedBytes += hashed

	reporter.ClearStatus()
}

// HashFile streams the file at the specified path through the content
// digest.
func HashFile(path string) (catalog.Hash, error) {
	var result catalog.Hash

	// Open the file.
	file, err := os.Open(path)
	if err != nil {
		return result, err
	}
	defer file.Close()

	// Stream contents through the digest.
	hasher := sha256.New()
	buffer := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(hasher, file, buffer); err != nil {
		return result, err
	}

	// Success.
	copy(result[:], hasher.Sum(nil))
	return result, nil
}
