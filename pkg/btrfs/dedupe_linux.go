package btrfs

import (
	"os"

	"github.com/pkg/errors"

	"golang.org/x/sys/unix"
)

const (
	// maxDestinationsPerCall bounds the number of destinations submitted in a
	// single dedupe range ioctl, respecting kernel argument size limits.
	maxDestinationsPerCall = 512

	// dedupeRangeStep bounds the number of bytes submitted per ioctl
	// invocation. The kernel caps individual dedupe requests at 16 MiB.
	dedupeRangeStep = 16 * 1024 * 1024
)

// DeduplicateFiles requests that each destination's full range be made to
// reference the same physical extents as the source. The returned slice
// reports per-destination success or failure and has the same length and
// order as the destination list.
func DeduplicateFiles(source string, destinations []string) []error {
	// Create the per-destination results.
	results := make([]error, len(destinations))

	// fail marks every destination that hasn't already failed.
	fail := func(err error) []error {
		for d := range results {
			if results[d] == nil {
				results[d] = err
			}
		}
		return results
	}

	// Open the source.
	sourceFile, err := os.Open(source)
	if err != nil {
		return fail(errors.Wrap(err, "unable to open source"))
	}
	defer sourceFile.Close()

	// Determine the source length.
	info, err := sourceFile.Stat()
	if err != nil {
		return fail(errors.Wrap(err, "unable to stat source"))
	}
	length := uint64(info.Size())

	// An empty source has no extents to share.
	if length == 0 {
		return results
	}

	// Process destinations in bounded groups.
	for groupStart := 0; groupStart < len(destinations); groupStart += maxDestinationsPerCall {
		groupEnd := groupStart + maxDestinationsPerCall
		if groupEnd > len(destinations) {
			groupEnd = len(destinations)
		}

		// Open the group's destinations. The dedupe range ioctl requires
		// destinations open for writing. Failures are recorded and the
		// destination excluded from the request.
		var files []*os.File
		var indices []int
		for d := groupStart; d < groupEnd; d++ {
			file, err := os.OpenFile(destinations[d], os.O_RDWR, 0)
			if err != nil {
				results[d] = errors.Wrap(err, "unable to open destination")
				continue
			}
			files = append(files, file)
			indices = append(indices, d)
		}
		if len(files) == 0 {
			continue
		}

		// Issue requests over the full source length in bounded steps.
		for offset := uint64(0); offset < length; offset += dedupeRangeStep {
			stepLength := uint64(dedupeRangeStep)
			if remaining := length - offset; remaining < stepLength {
				stepLength = remaining
			}

			// Build the request.
			request := &unix.FileDedupeRange{
				Src_offset: offset,
				Src_length: stepLength,
			}
			for _, file := range files {
				request.Info = append(request.Info, unix.FileDedupeRangeInfo{
					Dest_fd:     int64(file.Fd()),
					Dest_offset: offset,
				})
			}

			// Issue the request. A failure of the ioctl itself fails every
			// destination in the group.
			if err := unix.IoctlFileDedupeRange(int(sourceFile.Fd()), request); err != nil {
				err = errors.Wrap(err, "dedupe range request failed")
				for _, d := range indices {
					if results[d] == nil {
						results[d] = err
					}
				}
				break
			}

			// Record per-destination status.
			for i, information := range request.Info {
				d := indices[i]
				if results[d] != nil {
					continue
				}
				if information.Status == unix.FILE_DEDUPE_RANGE_DIFFERS {
					results[d] = errors.New("destination contents differ from source")
				} else if information.Status < 0 {
					results[d] = errors.Wrap(
						unix.Errno(-information.Status),
						"dedupe range request rejected",
					)
				}
			}
		}

		// Close out the group.
		for _, file := range files {
			file.Close()
		}
	}

	// Done.
	return results
}
