package catalog

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/filesystem"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/logging"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/must"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/paths"
)

const (
	// temporarySuffix is appended to the database path to form the temporary
	// path used during atomic persistence.
	temporarySuffix = ".temp"

	// maximumLineLength bounds the length of a single serialized record.
	maximumLineLength = 1024 * 1024
)

// storageRecord mirrors Record in its line-delimited JSON form. Optional
// fields are omitted when at their sentinel values.
type storageRecord struct {
	Path             string `json:"path"`
	Size             uint64 `json:"size"`
	ContentHash      string `json:"content_hash,omitempty"`
	ContentHashTime  int64  `json:"content_hash_time,omitempty"`
	ExtentHash       string `json:"extent_hash,omitempty"`
	ExtentHashTime   int64  `json:"extent_hash_time,omitempty"`
	DefragmentTime   int64  `json:"defragment_time,omitempty"`
	DeduplicateTime  int64  `json:"deduplicate_time,omitempty"`
	ModificationTime int64  `json:"mtime"`
	ChangeTime       int64  `json:"ctime"`
	Mode             uint32 `json:"mode"`
	UID              uint32 `json:"uid"`
	GID              uint32 `json:"gid"`
}

// Read parses a line-delimited record stream into a new catalog, interning
// every path and resolving each record's nearest configured root.
func Read(interner *paths.Interner, roots []*paths.Path, source io.Reader) (*Catalog, error) {
	builder := NewBuilder()
	rootMap := NewRootMap(roots)

	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 0, 64*1024), maximumLineLength)

	line := 0
	for scanner.Scan() {
		line++

		// Decode the record.
		var stored storageRecord
		if err := json.Unmarshal(scanner.Bytes(), &stored); err != nil {
			return nil, errors.Wrapf(err, "unable to parse record at line %d", line)
		}

		// Intern the path.
		path, err := interner.Intern(stored.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid path at line %d", line)
		}

		// Decode optional digests.
		var contentHash, extentHash Hash
		if stored.ContentHash != "" {
			if contentHash, err = ParseHash(stored.ContentHash); err != nil {
				return nil, errors.Wrapf(err, "invalid content hash at line %d", line)
			}
		}
		if stored.ExtentHash != "" {
			if extentHash, err = ParseHash(stored.ExtentHash); err != nil {
				return nil, errors.Wrapf(err, "invalid extent hash at line %d", line)
			}
		}

		// A stored stream that violates the ordering contract is corrupt
		// input, not a programmer error, so it surfaces as an error rather
		// than reaching the builder's ordering check.
		if builder.Len() > 0 {
			if last := &builder.records[builder.Len()-1]; path.Compare(last.Path) <= 0 {
				return nil, errors.Errorf("records out of order at line %d", line)
			}
		}

		// Build and insert the record.
		builder.Insert(Record{
			Path:             path,
			Root:             rootMap.FindRoot(path),
			Size:             stored.Size,
			ContentHash:      contentHash,
			ContentHashTime:  stored.ContentHashTime,
			ExtentHash:       extentHash,
			ExtentHashTime:   stored.ExtentHashTime,
			DefragmentTime:   stored.DefragmentTime,
			DeduplicateTime:  stored.DeduplicateTime,
			ModificationTime: stored.ModificationTime,
			ChangeTime:       stored.ChangeTime,
			Mode:             stored.Mode,
			UID:              stored.UID,
			GID:              stored.GID,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "unable to read record at line %d", line+1)
	}

	// Success.
	return builder.Build(), nil
}

// Write emits the catalog's records in order as line-delimited JSON. The
// output is the canonical interchange form.
func (c *Catalog) Write(destination io.Writer) error {
	writer := bufio.NewWriter(destination)
	for index := range c.records {
		record := &c.records[index]

		// Convert to storage form, eliding sentinel-valued optional fields.
		stored := storageRecord{
			Path:             record.Path.String(),
			Size:             record.Size,
			ContentHashTime:  record.ContentHashTime,
			ExtentHashTime:   record.ExtentHashTime,
			DefragmentTime:   record.DefragmentTime,
			DeduplicateTime:  record.DeduplicateTime,
			ModificationTime: record.ModificationTime,
			ChangeTime:       record.ChangeTime,
			Mode:             record.Mode,
			UID:              record.UID,
			GID:              record.GID,
		}
		if !record.ContentHash.IsZero() {
			stored.ContentHash = record.ContentHash.String()
		}
		if !record.ExtentHash.IsZero() {
			stored.ExtentHash = record.ExtentHash.String()
		}

		// Encode the record.
		encoded, err := json.Marshal(&stored)
		if err != nil {
			return errors.Wrap(err, "unable to serialize record")
		}
		if _, err := writer.Write(encoded); err != nil {
			return errors.Wrap(err, "unable to write record")
		}
		if err := writer.WriteByte('\n'); err != nil {
			return errors.Wrap(err, "unable to write record")
		}
	}
	return errors.Wrap(writer.Flush(), "unable to flush records")
}

// Load reads a catalog from a gzip-compressed database file. A non-existent
// file passes through the underlying os.IsNotExist error so that callers can
// treat it as an empty catalog.
func Load(interner *paths.Interner, roots []*paths.Path, path string) (*Catalog, error) {
	// Open the database.
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, "unable to open database")
	}
	defer file.Close()

	// Decompress and parse.
	decompressor, err := gzip.NewReader(file)
	if err != nil {
		return nil, errors.Wrap(err, "unable to decompress database")
	}
	catalog, err := Read(interner, roots, decompressor)
	if err != nil {
		return nil, err
	}
	if err := decompressor.Close(); err != nil {
		return nil, errors.Wrap(err, "unable to decompress database")
	}

	// Success.
	return catalog, nil
}

// Save writes the catalog to a gzip-compressed database file, replacing any
// existing file atomically: contents are written to a temporary sibling
// path, flushed to stable storage, and renamed into place.
func (c *Catalog) Save(path string, logger *logging.Logger) error {
	// Create the temporary file.
	temporary, err := os.Create(path + temporarySuffix)
	if err != nil {
		return errors.Wrap(err, "unable to create temporary database")
	}

	// Compress and write. Best-speed compression keeps persistence cheap
	// enough to run between batches.
	compressor, err := gzip.NewWriterLevel(temporary, gzip.BestSpeed)
	if err != nil {
		must.Close(temporary, logger)
		must.OSRemove(temporary.Name(), logger)
		return errors.Wrap(err, "unable to create compressor")
	}
	if err := c.Write(compressor); err != nil {
		must.Close(temporary, logger)
		must.OSRemove(temporary.Name(), logger)
		return err
	}
	if err := compressor.Close(); err != nil {
		must.Close(temporary, logger)
		must.OSRemove(temporary.Name(), logger)
		return errors.Wrap(err, "unable to finalize compression")
	}

	// Commit the temporary file over the target.
	if err := filesystem.CommitAndRename(temporary, path, logger); err != nil {
		return errors.Wrap(err, "unable to commit database")
	}

	// Success.
	return nil
}
