package configuration

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadConfigurationNonExistent tests that a missing configuration file
// yields an empty configuration.
func TestLoadConfigurationNonExistent(t *testing.T) {
	result, err := LoadConfiguration(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal("unable to load configuration:", err)
	}
	if *result != (Configuration{}) {
		t.Error("expected empty configuration")
	}
}

// TestLoadConfiguration tests loading a populated configuration file.
func TestLoadConfiguration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `database = "/var/lib/dedupe/catalog.gz"
minimum-file-size = "4KiB"
dedupe-sleep-time = 10
`
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal("unable to write configuration:", err)
	}

	result, err := LoadConfiguration(path)
	if err != nil {
		t.Fatal("unable to load configuration:", err)
	}
	if result.Database != "/var/lib/dedupe/catalog.gz" {
		t.Error("unexpected database path:", result.Database)
	}
	if result.MinimumFileSize != "4KiB" {
		t.Error("unexpected minimum file size:", result.MinimumFileSize)
	}
	if result.DedupeSleepTime == nil || *result.DedupeSleepTime != 10 {
		t.Error("unexpected sleep time")
	}
	if result.DedupeBatchSize != "" {
		t.Error("unexpected dedupe batch size:", result.DedupeBatchSize)
	}
}

// TestLoadConfigurationMalformed tests that malformed configuration files
// are rejected.
func TestLoadConfigurationMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("database = [unclosed"), 0600); err != nil {
		t.Fatal("unable to write configuration:", err)
	}
	if _, err := LoadConfiguration(path); err == nil {
		t.Error("expected error loading malformed configuration")
	}
}
