// Package filesystem provides low-level filesystem facilities: device
// identification, stat metadata extraction, and atomic file replacement.
package filesystem
