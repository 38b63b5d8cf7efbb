// Package scanner produces a new catalog by merging the previous catalog,
// consumed as a sorted stream, with a live directory walk performed in the
// same path order.
package scanner

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/catalog"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/filesystem"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/paths"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/status"
)

// statusInterval is the number of walked entries between status line updates.
const statusInterval = 0x1000

// scanner holds the state of a single merge pass.
type scanner struct {
	// interner is the path interner shared with the rest of the run.
	interner *paths.Interner
	// cursor traverses the previous catalog in order.
	cursor *catalog.Cursor
	// builder accumulates the new catalog.
	builder *catalog.Builder
	// rootsPending is the set of configured roots not yet scanned. Roots
	// encountered as subdirectories of other roots are removed as the walk
	// passes through them.
	rootsPending map[*paths.Path]bool
	// reporter receives progress information.
	reporter status.Reporter
	// progress counts walked directory entries.
	progress uint64
}

// Scan merges the previous catalog with a fresh walk of the configured
// roots, which must be sorted in path order. It returns the new catalog and
// the number of directory entries walked. The previous catalog is consumed.
func Scan(
	roots []*paths.Path,
	previous *catalog.Catalog,
	interner *paths.Interner,
	reporter status.Reporter,
) (*catalog.Catalog, uint64, error) {
	// Set up the merge state.
	s := &scanner{
		interner:     interner,
		cursor:       previous.Cursor(),
		builder:      catalog.NewBuilder(),
		rootsPending: make(map[*paths.Path]bool, len(roots)),
		reporter:     reporter,
	}
	for _, root := range roots {
		s.rootsPending[root] = true
	}

	// Walk each root in order. Roots already consumed as subdirectories of
	// earlier roots are skipped.
	for _, root := range roots {
		if !s.rootsPending[root] {
			continue
		}

		s.reporter.Message(fmt.Sprintf("Scanning %s", root))

		// Forward-copy every record ordering before this root unchanged.
		for {
			existing := s.cursor.Peek()
			if existing == nil || existing.Path.Compare(root) >= 0 {
				break
			}
			s.builder.Insert(*s.cursor.Next())
		}

		// Capture the root's device. The walk is confined to it.
		_, metadata, err := filesystem.Lstat(root.String())
		if err != nil {
			return nil, 0, errors.Wrapf(err, "unable to read metadata for %s", root)
		}

		// Walk the root.
		if err := s.walk(root, root, metadata.Device); err != nil {
			return nil, 0, err
		}
	}

	// Forward-copy the remaining tail: records ordering after the last root
	// are outside the current root set and preserved verbatim.
	for {
		existing := s.cursor.Next()
		if existing == nil {
			break
		}
		s.builder.Insert(*existing)
	}

	s.reporter.ClearStatus()
	s.reporter.Message(fmt.Sprintf("Scanned %d directory entries", s.progress))
	s.reporter.Message(fmt.Sprintf("Total %d files in database", s.builder.Len()))

	// Freeze the new catalog.
	return s.builder.Build(), s.progress, nil
}

// walk recursively processes one directory, merging its sorted entries
// against the catalog cursor.
func (s *scanner) walk(directory, root *paths.Path, device uint64) error {
	// If this directory is itself a configured root, mark it scanned and
	// adopt it for everything below.
	if s.rootsPending[directory] {
		delete(s.rootsPending, directory)
	}

	// Read the directory. ReadDir returns entries sorted by name, which is
	// exactly the order the merge requires.
	directoryPath := directory.String()
	entries, err := os.ReadDir(directoryPath)
	if err != nil {
		return errors.Wrapf(err, "unable to read directory %s", directoryPath)
	}

	for _, entry := range entries {
		entryPath := s.interner.Join(directory, entry.Name())

		// Advance the cursor past records ordering before this entry. Each
		// skipped record survives only if its file still exists on disk;
		// this is how removed files leave the catalog.
		for {
			existing := s.cursor.Peek()
			if existing == nil || existing.Path.Compare(entryPath) >= 0 {
				break
			}
			if _, err := os.Lstat(existing.Path.String()); err == nil {
				s.builder.Insert(*s.cursor.Next())
			} else {
				s.cursor.Next()
			}
		}

		// Query the entry.
		info, metadata, err := filesystem.Lstat(filepath.Join(directoryPath, entry.Name()))
		if err != nil {
			return errors.Wrapf(err, "unable to read metadata for %s", entryPath)
		}

		// If the entry is itself a configured root, records below it belong
		// to it and the device confinement restarts there.
		entryRoot, entryDevice := root, device
		if s.rootsPending[entryPath] {
			entryRoot, entryDevice = entryPath, metadata.Device
		}

		if info.Mode()&os.ModeSymlink != 0 || metadata.Device != entryDevice {
			// Symbolic links and entries on foreign devices are ignored.
		} else if info.IsDir() {
			if err := s.walk(entryPath, entryRoot, entryDevice); err != nil {
				return err
			}
		} else if info.Mode().IsRegular() {
			s.mergeFile(entryPath, entryRoot, metadata)
		}

		if s.progress%statusInterval == 0 {
			s.reporter.Status(fmt.Sprintf("Scanning filesystem: %s", entryPath))
		}
		s.progress++
	}

	// Records below this directory that order after its last entry are
	// subject to the same existence check.
	for existing := s.cursor.Peek(); existing != nil; existing = s.cursor.Peek() {
		ancestor := existing.Path
		for ancestor.Depth() > directory.Depth() {
			ancestor = ancestor.Parent()
		}
		if ancestor != directory {
			break
		}
		if _, err := os.Lstat(existing.Path.String()); err == nil {
			s.builder.Insert(*s.cursor.Next())
		} else {
			s.cursor.Next()
		}
	}

	// Success.
	return nil
}

// mergeFile merges a single regular file against the catalog cursor.
func (s *scanner) mergeFile(path, root *paths.Path, metadata *filesystem.Metadata) {
	// If the catalog's next record is this file, carry it forward,
	// invalidating derived state if the file changed underneath it.
	if existing := s.cursor.Peek(); existing != nil && existing.Path == path {
		record := *s.cursor.Next()
		changed := record.Size != metadata.Size ||
			record.ModificationTime != metadata.ModificationTime
		if changed {
			record.Size = metadata.Size
			record.ModificationTime = metadata.ModificationTime
			record.ChangeTime = metadata.ChangeTime
			record.Mode = metadata.Mode
			record.UID = metadata.UID
			record.GID = metadata.GID
			record.ResetDerivedState()
		}
		record.Root = root
		s.builder.Insert(record)
		return
	}

	// Otherwise the file is new.
	s.builder.Insert(catalog.Record{
		Path:             path,
		Root:             root,
		Size:             metadata.Size,
		ModificationTime: metadata.ModificationTime,
		ChangeTime:       metadata.ChangeTime,
		Mode:             metadata.Mode,
		UID:              metadata.UID,
		GID:              metadata.GID,
	})
}
