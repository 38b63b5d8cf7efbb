package catalog

import (
	"errors"
	"fmt"

	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/paths"
)

// Catalog is a frozen sequence of records in strictly ascending path order.
// Record fields other than the path key may be mutated in place through
// Record accessors; the ordering key itself is immutable.
type Catalog struct {
	// records are the ordered records.
	records []Record
	// byParent maps parent paths to the indices of their child records.
	byParent map[*paths.Path][]int
}

// Len returns the number of records in the catalog.
func (c *Catalog) Len() int {
	return len(c.records)
}

// Record returns a mutable reference to the record at the specified index.
// Callers must not mutate the record's Path.
func (c *Catalog) Record(index int) *Record {
	return &c.records[index]
}

// ChildIndices returns the indices of the records whose paths are direct
// children of the specified parent.
func (c *Catalog) ChildIndices(parent *paths.Path) []int {
	return c.byParent[parent]
}

// Cursor creates a cursor positioned at the catalog's first record.
func (c *Catalog) Cursor() *Cursor {
	return &Cursor{catalog: c}
}

// EnsureValid verifies the catalog's ordering and derived-state invariants.
// It is designed for tests and defensive verification after merges.
func (c *Catalog) EnsureValid() error {
	// A nil catalog is not valid.
	if c == nil {
		return errors.New("nil catalog")
	}

	for index := range c.records {
		record := &c.records[index]

		// Verify strict path ordering.
		if index > 0 {
			if record.Path.Compare(c.records[index-1].Path) <= 0 {
				return fmt.Errorf("records out of order at index %d", index)
			}
		}

		// Derived state cannot outlive its basis.
		if record.ContentHash.IsZero() {
			if !record.ExtentHash.IsZero() {
				return fmt.Errorf(
					"record %s has extent hash without content hash", record.Path,
				)
			}
			if record.DefragmentTime != 0 || record.DeduplicateTime != 0 {
				return fmt.Errorf(
					"record %s has dedupe state without content hash", record.Path,
				)
			}
		}
		// A deduplication time without an extent hash is legitimate: the
		// driver resets the extent digest when it rewrites a file's layout
		// while stamping the deduplication that caused it.
		if record.ExtentHash.IsZero() && record.DefragmentTime != 0 {
			return fmt.Errorf(
				"record %s has defragment state without extent hash", record.Path,
			)
		}
	}

	// Success.
	return nil
}

// Cursor provides ordered traversal over a catalog with single-record
// lookahead, which is the access pattern the scanner's merge requires.
type Cursor struct {
	// catalog is the underlying catalog.
	catalog *Catalog
	// index is the position of the next record.
	index int
}

// Peek returns the next record without advancing, or nil at the end.
func (c *Cursor) Peek() *Record {
	if c.index >= len(c.catalog.records) {
		return nil
	}
	return &c.catalog.records[c.index]
}

// Next returns the next record and advances, or returns nil at the end.
func (c *Cursor) Next() *Record {
	record := c.Peek()
	if record != nil {
		c.index++
	}
	return record
}
