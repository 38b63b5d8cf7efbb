// Package configuration implements loading of the optional global defaults
// file, which provides default values for the dedupe command's flags.
package configuration

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/pkg/errors"
)

// ConfigurationName is the name of the global configuration file inside the
// user's home directory.
const ConfigurationName = ".btrfs-dedupe.toml"

// Configuration is the global TOML configuration object type. All fields are
// optional; a zero field defers to the corresponding flag default.
type Configuration struct {
	// Database is the default catalog database path.
	Database string `toml:"database"`
	// MinimumFileSize is the default minimum file size to consider for
	// deduplication, in the command line size grammar.
	MinimumFileSize string `toml:"minimum-file-size"`
	// ContentHashBatchSize is the default content hash batch size, in the
	// command line size grammar.
	ContentHashBatchSize string `toml:"content-hash-batch-size"`
	// ExtentHashBatchSize is the default extent hash batch size, in the
	// command line size grammar.
	ExtentHashBatchSize string `toml:"extent-hash-batch-size"`
	// DedupeBatchSize is the default dedupe batch size, in the command line
	// size grammar.
	DedupeBatchSize string `toml:"dedupe-batch-size"`
	// DedupeSleepTime is the default number of seconds to sleep between
	// deduplication batches.
	DedupeSleepTime *uint64 `toml:"dedupe-sleep-time"`
}

// LoadConfiguration attempts to load a TOML-based global configuration file
// from the specified path. A non-existent file yields an empty configuration.
func LoadConfiguration(path string) (*Configuration, error) {
	// Create the target configuration object.
	result := &Configuration{}

	// Attempt to load. Non-existence is not an error.
	if _, err := toml.DecodeFile(path, result); err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, errors.Wrap(err, "unable to decode configuration file")
	}

	// Success.
	return result, nil
}

// Load attempts to load the global configuration file from its default
// location in the user's home directory.
func Load() (*Configuration, error) {
	// Compute the path to the user's home directory.
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.Wrap(err, "unable to compute home directory")
	}

	// Load from the default location.
	return LoadConfiguration(filepath.Join(homeDirectory, ConfigurationName))
}
