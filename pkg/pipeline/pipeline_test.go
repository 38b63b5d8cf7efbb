package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/btrfs"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/catalog"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/paths"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/status"
)

// fakeFilesystem simulates the kernel's extent and sharing behavior: every
// file starts with a unique synthetic layout, and a share request makes the
// destination's layout identical to the source's.
type fakeFilesystem struct {
	// layouts maps paths to synthetic extent layouts.
	layouts map[string][]btrfs.Extent
	// nextPhysical is the next synthetic physical offset to hand out.
	nextPhysical uint64
	// shares records (source, destination) pairs in request order.
	shares [][2]string
	// defragments records defragmented paths in request order.
	defragments []string
}

func newFakeFilesystem() *fakeFilesystem {
	return &fakeFilesystem{
		layouts:      make(map[string][]btrfs.Extent),
		nextPhysical: 1 << 20,
	}
}

// extentMap implements hashing.ExtentMapFunc over the synthetic layouts.
func (f *fakeFilesystem) extentMap(path string) ([]btrfs.Extent, error) {
	if layout, ok := f.layouts[path]; ok {
		return layout, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, nil
	}
	layout := []btrfs.Extent{{
		Logical:  0,
		Physical: f.nextPhysical,
		Length:   uint64(info.Size()),
	}}
	f.nextPhysical += 1 << 20
	f.layouts[path] = layout
	return layout, nil
}

// ShareRanges implements dedupe.Operator.ShareRanges.
func (f *fakeFilesystem) ShareRanges(source string, destinations []string) []error {
	results := make([]error, len(destinations))
	for _, destination := range destinations {
		f.shares = append(f.shares, [2]string{source, destination})
		f.layouts[destination] = f.layouts[source]
	}
	return results
}

// Defragment implements dedupe.Operator.Defragment.
func (f *fakeFilesystem) Defragment(path string) error {
	f.defragments = append(f.defragments, path)
	return nil
}

// runPipeline executes one full run over the specified roots against the
// fake filesystem.
func runPipeline(
	t *testing.T,
	fake *fakeFilesystem,
	databasePath string,
	rootPaths ...string,
) {
	t.Helper()
	interner := paths.NewInterner()
	roots := make([]*paths.Path, 0, len(rootPaths))
	for _, rootPath := range rootPaths {
		root, err := interner.Intern(rootPath)
		if err != nil {
			t.Fatal("unable to intern root:", err)
		}
		roots = append(roots, root)
	}
	run := New(
		&Configuration{
			DatabasePath:         databasePath,
			MinimumFileSize:      1024,
			ContentHashBatchSize: 2 << 30,
			ExtentHashBatchSize:  8 << 30,
			DedupeBatchSize:      64 << 20,
			DedupeSleepTime:      0,
			Roots:                roots,
		},
		interner,
		status.Discard,
		nil,
	)
	run.Operator = fake
	run.ExtentMap = fake.extentMap
	if err := run.Run(); err != nil {
		t.Fatal("run failed:", err)
	}
}

// loadDatabase reads the persisted catalog for verification.
func loadDatabase(t *testing.T, databasePath, rootPath string) *catalog.Catalog {
	t.Helper()
	interner := paths.NewInterner()
	root, err := interner.Intern(rootPath)
	if err != nil {
		t.Fatal("unable to intern root:", err)
	}
	loaded, err := catalog.Load(interner, []*paths.Path{root}, databasePath)
	if err != nil {
		t.Fatal("unable to load database:", err)
	}
	if err := loaded.EnsureValid(); err != nil {
		t.Fatal("persisted catalog invalid:", err)
	}
	return loaded
}

// TestPipelineDeduplicatesAndConverges tests a full run over two identical
// files followed by an idempotent second run.
func TestPipelineDeduplicatesAndConverges(t *testing.T) {
	// Create two identical files under a root.
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal("unable to canonicalize temporary directory:", err)
	}
	contents := make([]byte, 4096)
	for index := range contents {
		contents[index] = byte(index)
	}
	if err := os.WriteFile(filepath.Join(root, "first"), contents, 0600); err != nil {
		t.Fatal("unable to write file:", err)
	}
	if err := os.WriteFile(filepath.Join(root, "second"), contents, 0600); err != nil {
		t.Fatal("unable to write file:", err)
	}
	databasePath := filepath.Join(t.TempDir(), "catalog.gz")

	// First run: expect exactly one share request, with the earlier file as
	// the canonical source, and one defragmentation of the canonical copy.
	fake := newFakeFilesystem()
	runPipeline(t, fake, databasePath, root)
	if len(fake.shares) != 1 {
		t.Fatal("unexpected share requests:", fake.shares)
	}
	expected := [2]string{filepath.Join(root, "first"), filepath.Join(root, "second")}
	if fake.shares[0] != expected {
		t.Error("unexpected share request:", fake.shares[0])
	}
	if len(fake.defragments) != 1 || fake.defragments[0] != expected[0] {
		t.Error("unexpected defragment requests:", fake.defragments)
	}

	// The persisted catalog carries equal content digests and deduplication
	// times, with extent state pending recomputation.
	persisted := loadDatabase(t, databasePath, root)
	if persisted.Len() != 2 {
		t.Fatal("unexpected catalog length:", persisted.Len())
	}
	first, second := persisted.Record(0), persisted.Record(1)
	if first.ContentHash.IsZero() || first.ContentHash != second.ContentHash {
		t.Error("identical files lack identical content digests")
	}
	if first.DeduplicateTime == 0 || second.DeduplicateTime == 0 {
		t.Error("deduplication times not recorded")
	}
	if !first.ExtentHash.IsZero() || !second.ExtentHash.IsZero() {
		t.Error("extent digests not reset after deduplication")
	}

	// Second run: the shared layout is detected and no further requests are
	// issued.
	runPipeline(t, fake, databasePath, root)
	if len(fake.shares) != 1 || len(fake.defragments) != 1 {
		t.Error("second run issued further requests")
	}

	// The persisted catalog now carries equal non-absent extent digests.
	persisted = loadDatabase(t, databasePath, root)
	first, second = persisted.Record(0), persisted.Record(1)
	if first.ExtentHash.IsZero() || first.ExtentHash != second.ExtentHash {
		t.Error("shared files lack identical extent digests")
	}
}

// TestPipelineEmptyRoots tests that a run with no roots succeeds as a
// no-op.
func TestPipelineEmptyRoots(t *testing.T) {
	fake := newFakeFilesystem()
	runPipeline(t, fake, filepath.Join(t.TempDir(), "catalog.gz"))
	if len(fake.shares) != 0 || len(fake.defragments) != 0 {
		t.Error("no-op run issued requests")
	}
}

// TestPipelineInMemory tests a run without a database path.
func TestPipelineInMemory(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal("unable to canonicalize temporary directory:", err)
	}
	contents := make([]byte, 2048)
	if err := os.WriteFile(filepath.Join(root, "first"), contents, 0600); err != nil {
		t.Fatal("unable to write file:", err)
	}
	if err := os.WriteFile(filepath.Join(root, "second"), contents, 0600); err != nil {
		t.Fatal("unable to write file:", err)
	}

	fake := newFakeFilesystem()
	runPipeline(t, fake, "", root)
	if len(fake.shares) != 1 {
		t.Error("unexpected share requests:", fake.shares)
	}
}

// TestPipelineRecoversFromInterruptedPersist tests that a leftover temporary
// database from an interrupted write does not affect the next run.
func TestPipelineRecoversFromInterruptedPersist(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal("unable to canonicalize temporary directory:", err)
	}
	if err := os.WriteFile(
		filepath.Join(root, "first"), make([]byte, 2048), 0600,
	); err != nil {
		t.Fatal("unable to write file:", err)
	}
	databasePath := filepath.Join(t.TempDir(), "catalog.gz")

	// Simulate a crash after temporary-file write but before rename: the
	// database path itself doesn't exist, only the temporary.
	if err := os.WriteFile(databasePath+".temp", []byte("garbage"), 0600); err != nil {
		t.Fatal("unable to write temporary file:", err)
	}

	fake := newFakeFilesystem()
	runPipeline(t, fake, databasePath, root)
	if loaded := loadDatabase(t, databasePath, root); loaded.Len() != 1 {
		t.Error("unexpected catalog length:", loaded.Len())
	}
}
