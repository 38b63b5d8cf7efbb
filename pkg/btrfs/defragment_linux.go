package btrfs

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"

	"golang.org/x/sys/unix"
)

// CompressionType identifies the compression algorithm to apply while
// defragmenting.
type CompressionType uint32

const (
	// CompressionNone performs defragmentation without recompression.
	CompressionNone CompressionType = iota
	// CompressionZlib recompresses extents with zlib.
	CompressionZlib
	// CompressionLZO recompresses extents with LZO.
	CompressionLZO
	// CompressionZstd recompresses extents with zstd.
	CompressionZstd
)

const (
	// btrfsIocDefragRange is the BTRFS_IOC_DEFRAG_RANGE ioctl request number.
	btrfsIocDefragRange = 0x40309410

	// defragRangeCompress requests recompression of the defragmented range.
	defragRangeCompress = 0x1

	// defragRangeStartIO requests that writeback be started for the
	// defragmented range before the ioctl returns.
	defragRangeStartIO = 0x2
)

// defragRangeArgs mirrors struct btrfs_ioctl_defrag_range_args from the
// Linux UAPI.
type defragRangeArgs struct {
	start           uint64
	length          uint64
	flags           uint64
	extentThreshold uint32
	compressType    uint32
	unused          [4]uint32
}

// Defragment performs a single defragmentation pass over the file's full
// range. The extent threshold marks extents smaller than the specified size
// as defragmentation targets, compression selects an optional recompression
// algorithm, and flush forces writeback before returning. The operation is
// advisory: failures leave the file intact.
func Defragment(path string, extentThreshold uint32, compression CompressionType, flush bool) error {
	// Open the file for writing.
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "unable to open file")
	}
	defer file.Close()

	// Build the request.
	request := defragRangeArgs{
		length:          ^uint64(0),
		extentThreshold: extentThreshold,
	}
	if compression != CompressionNone {
		request.flags |= defragRangeCompress
		request.compressType = uint32(compression)
	}
	if flush {
		request.flags |= defragRangeStartIO
	}

	// Issue the request.
	if _, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		file.Fd(),
		btrfsIocDefragRange,
		uintptr(unsafe.Pointer(&request)),
	); errno != 0 {
		return errors.Wrap(errno, "defragmentation request failed")
	}

	// Success.
	return nil
}
