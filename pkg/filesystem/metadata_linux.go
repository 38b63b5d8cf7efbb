//go:build linux
// +build linux

package filesystem

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// Metadata encodes the stat fields tracked for each catalog entry.
type Metadata struct {
	// Device is the ID of the device on which the file resides.
	Device uint64
	// Size is the file size in bytes.
	Size uint64
	// ModificationTime is the file modification time in Unix seconds.
	ModificationTime int64
	// ChangeTime is the inode change time in Unix seconds.
	ChangeTime int64
	// Mode is the raw file mode.
	Mode uint32
	// UID is the owning user ID.
	UID uint32
	// GID is the owning group ID.
	GID uint32
}

// MetadataFromFileInfo extracts Metadata from the system-specific contents of
// a FileInfo, which must originate from an lstat-style query.
func MetadataFromFileInfo(info os.FileInfo) (*Metadata, error) {
	// Grab the system-specific stat type.
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, errors.New("unable to extract raw filesystem information")
	}

	// Success.
	return &Metadata{
		Device:           uint64(stat.Dev),
		Size:             uint64(stat.Size),
		ModificationTime: stat.Mtim.Sec,
		ChangeTime:       stat.Ctim.Sec,
		Mode:             uint32(stat.Mode),
		UID:              stat.Uid,
		GID:              stat.Gid,
	}, nil
}

// Lstat combines an os.Lstat call with metadata extraction.
func Lstat(path string) (os.FileInfo, *Metadata, error) {
	// Query the file, without following symbolic links.
	info, err := os.Lstat(path)
	if err != nil {
		return nil, nil, err
	}

	// Extract metadata.
	metadata, err := MetadataFromFileInfo(info)
	if err != nil {
		return nil, nil, err
	}

	// Success.
	return info, metadata, nil
}
