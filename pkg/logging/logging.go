package logging

import (
	"log"
	"os"
)

// LevelEnvironmentVariable is the environment variable used to control the
// log level.
const LevelEnvironmentVariable = "BTRFS_DEDUPE_LOG_LEVEL"

// currentLevel is the active log level.
var currentLevel = LevelWarn

func init() {
	// Set the global logger to use standard error. Standard output carries
	// command output such as extent listings and version information.
	log.SetOutput(os.Stderr)

	// Honor any log level requested through the environment.
	if name := os.Getenv(LevelEnvironmentVariable); name != "" {
		if level, ok := NameToLevel(name); ok {
			currentLevel = level
		}
	}
}

// SetLevel adjusts the active log level.
func SetLevel(level Level) {
	currentLevel = level
}
