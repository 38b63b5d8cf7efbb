package catalog

import (
	"fmt"

	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/paths"
)

// Builder accumulates records in strictly ascending path order and freezes
// them into a Catalog. Non-ascending insertion is a programmer error and
// panics.
type Builder struct {
	// records are the accumulated records.
	records []Record
	// byParent maps parent paths to the indices of their child records.
	byParent map[*paths.Path][]int
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		byParent: make(map[*paths.Path][]int),
	}
}

// Insert appends a record. The record's path must order strictly after every
// previously inserted path.
func (b *Builder) Insert(record Record) {
	// Enforce ascending insertion order. A violation indicates a bug in the
	// merge logic and cannot be recovered at runtime.
	if length := len(b.records); length > 0 {
		if last := &b.records[length-1]; record.Path.Compare(last.Path) <= 0 {
			panic(fmt.Sprintf(
				"catalog insertion out of order: %s after %s",
				record.Path, last.Path,
			))
		}
	}

	// Record the parent association.
	if parent := record.Path.Parent(); parent != nil {
		b.byParent[parent] = append(b.byParent[parent], len(b.records))
	}

	// Append the record.
	b.records = append(b.records, record)
}

// Len returns the number of records inserted so far.
func (b *Builder) Len() int {
	return len(b.records)
}

// Build freezes the builder into a Catalog. The builder must not be used
// afterward.
func (b *Builder) Build() *Catalog {
	return &Catalog{
		records:  b.records,
		byParent: b.byParent,
	}
}
