package btrfs

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"

	"golang.org/x/sys/unix"
)

const (
	// fsIocFiemap is the FS_IOC_FIEMAP ioctl request number. Its encoding is
	// identical across architectures because the fiemap structure has no
	// architecture-dependent layout.
	fsIocFiemap = 0xc020660b

	// fiemapFlagSync requests that the file be synchronized before mapping.
	fiemapFlagSync = 0x1

	// fiemapExtentLast marks the last extent in a file's map.
	fiemapExtentLast = 0x1

	// fiemapExtentsPerCall is the number of extent slots requested per ioctl
	// invocation.
	fiemapExtentsPerCall = 512
)

// fiemapHeader mirrors struct fiemap from the Linux UAPI.
type fiemapHeader struct {
	start         uint64
	length        uint64
	flags         uint32
	mappedExtents uint32
	extentCount   uint32
	reserved      uint32
}

// fiemapExtent mirrors struct fiemap_extent from the Linux UAPI.
type fiemapExtent struct {
	logical    uint64
	physical   uint64
	length     uint64
	reserved64 [2]uint64
	flags      uint32
	reserved   [3]uint32
}

const (
	fiemapHeaderSize = int(unsafe.Sizeof(fiemapHeader{}))
	fiemapExtentSize = int(unsafe.Sizeof(fiemapExtent{}))
)

// Extent describes one entry in a file's physical extent map. A physical
// offset of 0 indicates that the extent is not physically allocated.
type Extent struct {
	// Logical is the extent's byte offset within the file.
	Logical uint64
	// Physical is the extent's byte offset on the underlying device.
	Physical uint64
	// Length is the extent length in bytes.
	Length uint64
	// Flags are the kernel-reported extent flags.
	Flags uint64
}

// ExtentMap queries the ordered physical extent map for the file at the
// specified path.
func ExtentMap(path string) ([]Extent, error) {
	// Open the file.
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open file")
	}
	defer file.Close()

	// Allocate a single request buffer large enough for the header and the
	// requested number of extent slots. The kernel writes extents directly
	// after the header.
	buffer := make([]byte, fiemapHeaderSize+fiemapExtentsPerCall*fiemapExtentSize)
	header := (*fiemapHeader)(unsafe.Pointer(&buffer[0]))

	// Accumulate extents, reissuing the ioctl from the end of the previous
	// batch until the kernel marks the final extent.
	var extents []Extent
	var start uint64
	for {
		// Initialize the request.
		*header = fiemapHeader{
			start:       start,
			length:      ^uint64(0) - start,
			flags:       fiemapFlagSync,
			extentCount: fiemapExtentsPerCall,
		}

		// Issue the request.
		if _, _, errno := unix.Syscall(
			unix.SYS_IOCTL,
			file.Fd(),
			fsIocFiemap,
			uintptr(unsafe.Pointer(header)),
		); errno != 0 {
			return nil, errors.Wrap(errno, "extent map query failed")
		}

		// An empty batch means there's nothing beyond the current offset.
		if header.mappedExtents == 0 {
			break
		}

		// Extract the batch.
		last := false
		for i := 0; i < int(header.mappedExtents); i++ {
			extent := (*fiemapExtent)(unsafe.Pointer(
				&buffer[fiemapHeaderSize+i*fiemapExtentSize],
			))
			extents = append(extents, Extent{
				Logical:  extent.logical,
				Physical: extent.physical,
				Length:   extent.length,
				Flags:    uint64(extent.flags),
			})
			start = extent.logical + extent.length
			if extent.flags&fiemapExtentLast != 0 {
				last = true
			}
		}
		if last {
			break
		}
	}

	// Success.
	return extents, nil
}
