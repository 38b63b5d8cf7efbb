// Package catalog implements the sorted, persistent record of observed files
// and their derived digests and timestamps.
package catalog

import (
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/paths"
)

// HashSize is the byte length of the digests tracked for each file.
const HashSize = 32

// Hash is a fixed-size content or extent digest. The zero value is the
// sentinel marking an absent digest.
type Hash [HashSize]byte

// ZeroHash is the sentinel hash value denoting an absent digest.
var ZeroHash Hash

// IsZero indicates whether the hash is the absent sentinel.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// String encodes the hash as 64 lowercase hexadecimal characters.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a 64-character hexadecimal digest.
func ParseHash(value string) (Hash, error) {
	var result Hash
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return result, errors.Wrap(err, "unable to decode hash")
	} else if len(decoded) != HashSize {
		return result, errors.Errorf("hash has invalid length: %d", len(decoded))
	}
	copy(result[:], decoded)
	return result, nil
}

// Record tracks a single regular file. Records are ordered by Path, which is
// the record's immutable key; every other field may be mutated in place by
// the pipeline.
type Record struct {
	// Path is the file's interned absolute path.
	Path *paths.Path
	// Root is the nearest configured root containing the file, or nil if the
	// file lies outside the current root set. Records without a root are
	// retained across runs but ignored by hashing and dedupe passes.
	Root *paths.Path
	// Size is the file's byte length from stat.
	Size uint64
	// ContentHash is the digest of the file's byte contents, or the zero
	// sentinel if not yet computed.
	ContentHash Hash
	// ContentHashTime is the Unix second at which ContentHash was computed,
	// or 0 if absent.
	ContentHashTime int64
	// ExtentHash is the digest of the file's physical extent layout, or the
	// zero sentinel if the file has no physical extents or the digest has not
	// yet been computed.
	ExtentHash Hash
	// ExtentHashTime is the Unix second at which ExtentHash was computed, or
	// 0 if absent.
	ExtentHashTime int64
	// DefragmentTime is the Unix second of the last defragmentation, or 0.
	DefragmentTime int64
	// DeduplicateTime is the Unix second of the last deduplication, or 0.
	DeduplicateTime int64
	// ModificationTime is the file's modification time in Unix seconds.
	ModificationTime int64
	// ChangeTime is the file's inode change time in Unix seconds.
	ChangeTime int64
	// Mode is the raw file mode from stat.
	Mode uint32
	// UID is the owning user ID.
	UID uint32
	// GID is the owning group ID.
	GID uint32
}

// ResetDerivedState clears every field derived from the file's contents:
// both digests, their timestamps, and the defragmentation and deduplication
// markers. It must be invoked whenever the file's size or modification time
// is observed to have changed, since derived state cannot outlive its basis.
func (r *Record) ResetDerivedState() {
	r.ContentHash = ZeroHash
	r.ContentHashTime = 0
	r.ResetExtentState()
}

// ResetExtentState clears the extent digest, its timestamp, and the
// defragmentation and deduplication markers. It must be invoked whenever the
// file's content digest changes or its extent layout is rewritten.
func (r *Record) ResetExtentState() {
	r.ExtentHash = ZeroHash
	r.ExtentHashTime = 0
	r.DefragmentTime = 0
	r.DeduplicateTime = 0
}
