// Package btrfs wraps the Linux ioctl surface used for deduplication: FIEMAP
// extent map queries, dedupe range requests, and btrfs defragmentation.
package btrfs
