package filesystem

import (
	"fmt"
	"os"

	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/logging"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/must"
)

// CommitAndRename flushes the specified file to stable storage, closes it,
// and renames it over the target path. The file must have been opened for
// writing at a temporary path on the same filesystem as the target. On
// failure the temporary file is removed, so no partially written target is
// ever observable.
func CommitAndRename(temporary *os.File, target string, logger *logging.Logger) error {
	// Flush the file contents to stable storage. Renaming before the data has
	// been synchronized could leave a valid name pointing at truncated
	// contents after a crash.
	if err := temporary.Sync(); err != nil {
		must.Close(temporary, logger)
		must.OSRemove(temporary.Name(), logger)
		return fmt.Errorf("unable to synchronize temporary file: %w", err)
	}

	// Close out the file.
	if err := temporary.Close(); err != nil {
		must.OSRemove(temporary.Name(), logger)
		return fmt.Errorf("unable to close temporary file: %w", err)
	}

	// Rename the file.
	if err := os.Rename(temporary.Name(), target); err != nil {
		must.OSRemove(temporary.Name(), logger)
		return fmt.Errorf("unable to rename file: %w", err)
	}

	// Success.
	return nil
}
