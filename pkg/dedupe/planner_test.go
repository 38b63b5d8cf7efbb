package dedupe

import (
	"crypto/sha256"
	"testing"

	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/catalog"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/paths"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/status"
)

// testHash computes a non-sentinel digest for test records.
func testHash(seed string) catalog.Hash {
	return catalog.Hash(sha256.Sum256([]byte(seed)))
}

// mustIntern interns a path, failing the test on error.
func mustIntern(t *testing.T, interner *paths.Interner, path string) *paths.Path {
	t.Helper()
	interned, err := interner.Intern(path)
	if err != nil {
		t.Fatal("unable to intern path:", err)
	}
	return interned
}

// plannerRecord describes one record of a planner test catalog.
type plannerRecord struct {
	name        string
	size        uint64
	contentSeed string
	extentSeed  string
	outOfRoot   bool
}

// plannerFixture holds a catalog and root for planner tests.
type plannerFixture struct {
	interner *paths.Interner
	root     *paths.Path
	catalog  *catalog.Catalog
}

// newPlannerFixture builds a catalog from record descriptions. Records must
// be listed in ascending name order. An empty content or extent seed leaves
// the corresponding digest absent.
func newPlannerFixture(t *testing.T, records []plannerRecord) *plannerFixture {
	t.Helper()
	interner := paths.NewInterner()
	root := mustIntern(t, interner, "/data")
	builder := catalog.NewBuilder()
	for _, description := range records {
		record := catalog.Record{
			Path: mustIntern(t, interner, "/data/"+description.name),
			Root: root,
			Size: description.size,
		}
		if description.outOfRoot {
			record.Root = nil
		}
		if description.contentSeed != "" {
			record.ContentHash = testHash(description.contentSeed)
			record.ContentHashTime = 1500000000
		}
		if description.extentSeed != "" {
			record.ExtentHash = testHash(description.extentSeed)
			record.ExtentHashTime = 1500000100
		}
		builder.Insert(record)
	}
	return &plannerFixture{
		interner: interner,
		root:     root,
		catalog:  builder.Build(),
	}
}

// mapping builds the dedupe mapping with the specified minimum file size.
func (f *plannerFixture) mapping(minimumFileSize uint64) Mapping {
	return BuildMapping(
		f.catalog, []*paths.Path{f.root}, minimumFileSize, status.Discard,
	)
}

// path looks up an interned fixture path by name.
func (f *plannerFixture) path(t *testing.T, name string) *paths.Path {
	t.Helper()
	return mustIntern(t, f.interner, "/data/"+name)
}

// TestPlannerMapsDuplicates tests that duplicated content maps every group
// member to the earliest member.
func TestPlannerMapsDuplicates(t *testing.T) {
	fixture := newPlannerFixture(t, []plannerRecord{
		{name: "a", size: 4096, contentSeed: "same", extentSeed: "layout-a"},
		{name: "b", size: 4096, contentSeed: "same", extentSeed: "layout-b"},
		{name: "c", size: 4096, contentSeed: "other", extentSeed: "layout-c"},
	})
	mapping := fixture.mapping(1024)

	if len(mapping) != 2 {
		t.Fatal("unexpected mapping size:", len(mapping))
	}
	canonical := fixture.path(t, "a")
	if mapping[canonical] != canonical {
		t.Error("canonical member not self-mapped")
	}
	if mapping[fixture.path(t, "b")] != canonical {
		t.Error("duplicate not mapped to canonical member")
	}
	if _, present := mapping[fixture.path(t, "c")]; present {
		t.Error("unique file present in mapping")
	}
}

// TestPlannerSkipsCollapsedGroups tests that groups whose members already
// share one extent layout are not emitted.
func TestPlannerSkipsCollapsedGroups(t *testing.T) {
	fixture := newPlannerFixture(t, []plannerRecord{
		{name: "a", size: 4096, contentSeed: "same", extentSeed: "shared"},
		{name: "b", size: 4096, contentSeed: "same", extentSeed: "shared"},
	})
	if mapping := fixture.mapping(1024); len(mapping) != 0 {
		t.Error("collapsed group emitted:", mapping)
	}
}

// TestPlannerTargetsUncollapsedMember tests that a group with two members
// already sharing extents and a third distinct member is still emitted.
func TestPlannerTargetsUncollapsedMember(t *testing.T) {
	fixture := newPlannerFixture(t, []plannerRecord{
		{name: "a", size: 4096, contentSeed: "same", extentSeed: "shared"},
		{name: "b", size: 4096, contentSeed: "same", extentSeed: "shared"},
		{name: "c", size: 4096, contentSeed: "same", extentSeed: "distinct"},
	})
	mapping := fixture.mapping(1024)
	if len(mapping) != 3 {
		t.Fatal("unexpected mapping size:", len(mapping))
	}
	if mapping[fixture.path(t, "c")] != fixture.path(t, "a") {
		t.Error("distinct member not mapped to canonical member")
	}
}

// TestPlannerSkipsExtentFreeMembers tests that members without physical
// extents are discarded.
func TestPlannerSkipsExtentFreeMembers(t *testing.T) {
	fixture := newPlannerFixture(t, []plannerRecord{
		{name: "a", size: 4096, contentSeed: "same", extentSeed: ""},
		{name: "b", size: 4096, contentSeed: "same", extentSeed: "layout-b"},
	})
	if mapping := fixture.mapping(1024); len(mapping) != 0 {
		t.Error("group with a single physical member emitted:", mapping)
	}
}

// TestPlannerHonorsMinimumFileSize tests that small files never participate
// even with matching digests.
func TestPlannerHonorsMinimumFileSize(t *testing.T) {
	fixture := newPlannerFixture(t, []plannerRecord{
		{name: "a", size: 512, contentSeed: "same", extentSeed: "layout-a"},
		{name: "b", size: 512, contentSeed: "same", extentSeed: "layout-b"},
	})
	if mapping := fixture.mapping(1024); len(mapping) != 0 {
		t.Error("undersized files emitted:", mapping)
	}
}

// TestPlannerSkipsOutOfRootAndUnhashed tests that out-of-root records and
// records without content digests never participate.
func TestPlannerSkipsOutOfRootAndUnhashed(t *testing.T) {
	fixture := newPlannerFixture(t, []plannerRecord{
		{name: "a", size: 4096, contentSeed: "same", extentSeed: "layout-a", outOfRoot: true},
		{name: "b", size: 4096, contentSeed: "same", extentSeed: "layout-b"},
		{name: "c", size: 4096},
		{name: "d", size: 4096},
	})
	if mapping := fixture.mapping(1024); len(mapping) != 0 {
		t.Error("ineligible records emitted:", mapping)
	}
}
