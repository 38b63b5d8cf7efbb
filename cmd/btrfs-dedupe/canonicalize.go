package main

import (
	"path/filepath"
)

// canonicalize converts a command line path argument to an absolute path
// with all symbolic links resolved, matching the form under which paths are
// interned.
func canonicalize(path string) (string, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(absolute)
}
