// Package must provides best-effort cleanup helpers for error paths that have
// no useful error channel of their own.
package must

import (
	"io"
	"os"

	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/logging"
)

// Close closes the specified closer, logging any failure.
func Close(c io.Closer, logger *logging.Logger) {
	err := c.Close()
	if err != nil {
		logger.Warnf("Unable to close: %s", err.Error())
	}
}

// OSRemove removes the specified path, logging any failure.
func OSRemove(name string, logger *logging.Logger) {
	err := os.Remove(name)
	if err != nil {
		logger.Warnf("Unable to remove '%s': %s", name, err.Error())
	}
}
