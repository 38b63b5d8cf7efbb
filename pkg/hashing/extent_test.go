package hashing

import (
	"crypto/sha256"
	"testing"

	"github.com/pkg/errors"

	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/btrfs"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/catalog"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/paths"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/status"
)

// extentFixture builds an in-memory catalog whose records already carry
// content digests, along with a stubbed extent map query.
type extentFixture struct {
	interner *paths.Interner
	root     *paths.Path
	catalog  *catalog.Catalog
	extents  map[string][]btrfs.Extent
}

// newExtentFixture creates records named by the keys of the extents map.
func newExtentFixture(t *testing.T, extents map[string][]btrfs.Extent) *extentFixture {
	t.Helper()

	interner := paths.NewInterner()
	root := mustIntern(t, interner, "/data")

	// Build records in sorted name order.
	names := make([]string, 0, len(extents))
	for name := range extents {
		names = append(names, name)
	}
	for left := 0; left < len(names); left++ {
		for right := left + 1; right < len(names); right++ {
			if names[right] < names[left] {
				names[left], names[right] = names[right], names[left]
			}
		}
	}
	builder := catalog.NewBuilder()
	for _, name := range names {
		builder.Insert(catalog.Record{
			Path:            mustIntern(t, interner, "/data/"+name),
			Root:            root,
			Size:            4096,
			ContentHash:     catalog.Hash(sha256.Sum256([]byte(name))),
			ContentHashTime: 1500000000,
		})
	}

	// Key the stubbed query by full path.
	byPath := make(map[string][]btrfs.Extent, len(extents))
	for name, fileExtents := range extents {
		byPath["/data/"+name] = fileExtents
	}

	return &extentFixture{
		interner: interner,
		root:     root,
		catalog:  builder.Build(),
		extents:  byPath,
	}
}

// extentMap is the stubbed extent map query.
func (f *extentFixture) extentMap(path string) ([]btrfs.Extent, error) {
	extents, ok := f.extents[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return extents, nil
}

// record looks up a fixture record by file name.
func (f *extentFixture) record(t *testing.T, name string) *catalog.Record {
	t.Helper()
	for index := 0; index < f.catalog.Len(); index++ {
		if record := f.catalog.Record(index); record.Path.Name() == name {
			return record
		}
	}
	t.Fatal("no record for name:", name)
	return nil
}

// hashBatch runs a single extent hashing batch over the fixture.
func (f *extentFixture) hashBatch(batchSize uint64) *ExtentHasher {
	hasher := NewExtentHasher(
		[]*paths.Path{f.root}, batchSize, f.catalog, f.extentMap,
	)
	hasher.HashBatch(status.Discard)
	return hasher
}

// TestExtentHasherUpdates tests digest computation, the exclusion of
// unallocated extents, and layout-identity detection.
func TestExtentHasherUpdates(t *testing.T) {
	shared := []btrfs.Extent{
		{Logical: 0, Physical: 1 << 20, Length: 4096, Flags: 0},
	}
	fixture := newExtentFixture(t, map[string][]btrfs.Extent{
		// alpha and beta share a physical layout; beta additionally has an
		// unallocated entry that must not perturb its digest.
		"alpha": shared,
		"beta":  {shared[0], {Logical: 4096, Physical: 0, Length: 4096}},
		// gamma has a distinct layout.
		"gamma": {{Logical: 0, Physical: 2 << 20, Length: 4096}},
	})

	hasher := fixture.hashBatch(1 << 30)
	if hasher.Updated != 3 || hasher.Errors != 0 {
		t.Fatalf(
			"unexpected counters: updated=%d errors=%d",
			hasher.Updated, hasher.Errors,
		)
	}

	alpha := fixture.record(t, "alpha")
	beta := fixture.record(t, "beta")
	gamma := fixture.record(t, "gamma")
	if alpha.ExtentHash.IsZero() || alpha.ExtentHashTime == 0 {
		t.Error("extent digest not recorded")
	}
	if alpha.ExtentHash != beta.ExtentHash {
		t.Error("identical layouts yielded distinct digests")
	}
	if alpha.ExtentHash == gamma.ExtentHash {
		t.Error("distinct layouts yielded identical digests")
	}
}

// TestExtentHasherAbsentForHoles tests that a file with no physically
// allocated extents receives the absent sentinel.
func TestExtentHasherAbsentForHoles(t *testing.T) {
	fixture := newExtentFixture(t, map[string][]btrfs.Extent{
		"holes": {{Logical: 0, Physical: 0, Length: 4096}},
		"empty": {},
	})

	hasher := fixture.hashBatch(1 << 30)
	if hasher.Updated != 2 {
		t.Fatal("unexpected updated count:", hasher.Updated)
	}
	if !fixture.record(t, "holes").ExtentHash.IsZero() {
		t.Error("hole-only file received an extent digest")
	}
	if !fixture.record(t, "empty").ExtentHash.IsZero() {
		t.Error("extent-free file received an extent digest")
	}

	// The absent result equals the prior absent state, so the digest time
	// stays unset and the record is recomputed on the next run.
	if fixture.record(t, "holes").ExtentHashTime != 0 {
		t.Error("hole-only file received a digest time")
	}
}

// TestExtentHasherSkipsFresh tests that records with a digest time are not
// recomputed.
func TestExtentHasherSkipsFresh(t *testing.T) {
	fixture := newExtentFixture(t, map[string][]btrfs.Extent{
		"alpha": {{Logical: 0, Physical: 1 << 20, Length: 4096}},
	})
	fixture.record(t, "alpha").ExtentHashTime = 1500000000

	hasher := fixture.hashBatch(1 << 30)
	if hasher.Fresh != 1 || hasher.Updated != 0 {
		t.Errorf(
			"unexpected counters: fresh=%d updated=%d",
			hasher.Fresh, hasher.Updated,
		)
	}
}

// TestExtentHasherSkipsMissingContentHash tests that records without a
// content digest basis are out of scope.
func TestExtentHasherSkipsMissingContentHash(t *testing.T) {
	fixture := newExtentFixture(t, map[string][]btrfs.Extent{
		"alpha": {{Logical: 0, Physical: 1 << 20, Length: 4096}},
	})
	record := fixture.record(t, "alpha")
	record.ContentHash = catalog.ZeroHash
	record.ContentHashTime = 0

	hasher := fixture.hashBatch(1 << 30)
	if hasher.Ignored != 1 || hasher.Updated != 0 {
		t.Errorf(
			"unexpected counters: ignored=%d updated=%d",
			hasher.Ignored, hasher.Updated,
		)
	}
	if !record.ExtentHash.IsZero() {
		t.Error("record without content digest received extent state")
	}
}

// TestExtentHasherBatchBudget tests byte-budget batching.
func TestExtentHasherBatchBudget(t *testing.T) {
	fixture := newExtentFixture(t, map[string][]btrfs.Extent{
		"alpha": {{Logical: 0, Physical: 1 << 20, Length: 4096}},
		"beta":  {{Logical: 0, Physical: 2 << 20, Length: 4096}},
	})

	// Each record is 4096 bytes; a budget of 4096 admits one per batch.
	hasher := fixture.hashBatch(4096)
	if hasher.Updated != 1 || hasher.Remaining != 1 {
		t.Fatalf(
			"unexpected counters: updated=%d remaining=%d",
			hasher.Updated, hasher.Remaining,
		)
	}
}

// TestExtentHasherCountsErrors tests that failed extent map queries are
// counted and the pass continues.
func TestExtentHasherCountsErrors(t *testing.T) {
	fixture := newExtentFixture(t, map[string][]btrfs.Extent{
		"alpha": {{Logical: 0, Physical: 1 << 20, Length: 4096}},
		"beta":  {{Logical: 0, Physical: 2 << 20, Length: 4096}},
	})
	delete(fixture.extents, "/data/alpha")

	hasher := fixture.hashBatch(1 << 30)
	if hasher.Errors != 1 || hasher.Updated != 1 {
		t.Errorf(
			"unexpected counters: errors=%d updated=%d",
			hasher.Errors, hasher.Updated,
		)
	}
	if !fixture.record(t, "alpha").ExtentHash.IsZero() {
		t.Error("failed record received a digest")
	}
}
