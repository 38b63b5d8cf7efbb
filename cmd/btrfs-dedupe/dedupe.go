package main

import (
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wellbehavedsoftware/btrfs-dedupe/cmd"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/configuration"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/logging"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/paths"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/pipeline"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/sizes"
)

// resolveSize resolves a size-valued flag against the global configuration
// file: an explicitly set flag wins, then a non-empty configuration value,
// then the flag's default.
func resolveSize(flags *pflag.FlagSet, name, flagValue, configured string) (uint64, error) {
	value := flagValue
	if !flags.Changed(name) && configured != "" {
		value = configured
	}
	result, err := sizes.Parse(value)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to parse --%s", name)
	}
	return result, nil
}

func dedupeMain(command *cobra.Command, arguments []string) error {
	// Load the global configuration file for flag defaults.
	global, err := configuration.Load()
	if err != nil {
		return errors.Wrap(err, "unable to load configuration")
	}

	// Grab a handle for the command line flags.
	flags := command.Flags()

	// Resolve the database path.
	databasePath := dedupeConfiguration.database
	if !flags.Changed("database") && global.Database != "" {
		databasePath = global.Database
	}

	// Resolve sizes.
	minimumFileSize, err := resolveSize(
		flags, "minimum-file-size",
		dedupeConfiguration.minimumFileSize, global.MinimumFileSize,
	)
	if err != nil {
		return err
	}
	contentHashBatchSize, err := resolveSize(
		flags, "content-hash-batch-size",
		dedupeConfiguration.contentHashBatchSize, global.ContentHashBatchSize,
	)
	if err != nil {
		return err
	}
	extentHashBatchSize, err := resolveSize(
		flags, "extent-hash-batch-size",
		dedupeConfiguration.extentHashBatchSize, global.ExtentHashBatchSize,
	)
	if err != nil {
		return err
	}
	dedupeBatchSize, err := resolveSize(
		flags, "dedupe-batch-size",
		dedupeConfiguration.dedupeBatchSize, global.DedupeBatchSize,
	)
	if err != nil {
		return err
	}

	// Resolve the inter-batch sleep time.
	dedupeSleepTime := dedupeConfiguration.dedupeSleepTime
	if !flags.Changed("dedupe-sleep-time") && global.DedupeSleepTime != nil {
		dedupeSleepTime = *global.DedupeSleepTime
	}

	// Canonicalize, intern, and sort the root paths.
	interner := paths.NewInterner()
	roots := make([]*paths.Path, 0, len(arguments))
	for _, argument := range arguments {
		root, err := canonicalize(argument)
		if err != nil {
			return errors.Wrapf(err, "unable to canonicalize root path %s", argument)
		}
		interned, err := interner.Intern(root)
		if err != nil {
			return errors.Wrapf(err, "unable to resolve root path %s", argument)
		}
		roots = append(roots, interned)
	}
	sort.Slice(roots, func(i, j int) bool {
		return roots[i].Less(roots[j])
	})

	// Set up progress reporting and ensure that the status line is cleared
	// before any final error message.
	reporter := newConsoleReporter()
	defer reporter.ClearStatus()

	// Create the pipeline.
	run := pipeline.New(
		&pipeline.Configuration{
			DatabasePath:         databasePath,
			MinimumFileSize:      minimumFileSize,
			ContentHashBatchSize: contentHashBatchSize,
			ExtentHashBatchSize:  extentHashBatchSize,
			DedupeBatchSize:      dedupeBatchSize,
			DedupeSleepTime:      time.Duration(dedupeSleepTime) * time.Second,
			Roots:                roots,
		},
		interner,
		reporter,
		logging.RootLogger.Sublogger("pipeline"),
	)

	// Cancel the run on termination signals. The run stops at the next batch
	// boundary with the catalog already persisted.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		<-signals
		run.Cancel()
	}()

	// Execute the run.
	return run.Run()
}

// dedupeCommand runs the full pipeline. It runs only when named explicitly:
// invoking btrfs-dedupe without a subcommand prints help instead.
var dedupeCommand = &cobra.Command{
	Use:   "dedupe [flags] [root-path ...]",
	Short: "Automatically run all deduplication steps",
	Run:   cmd.Mainify(dedupeMain),
}

var dedupeConfiguration struct {
	// help indicates whether or not help information should be shown for the
	// command.
	help bool
	// database is the database path to store metadata and hashes.
	database string
	// minimumFileSize is the minimum file size to consider for
	// deduplication.
	minimumFileSize string
	// contentHashBatchSize is the amount of file contents data to hash
	// before writing the database.
	contentHashBatchSize string
	// extentHashBatchSize is the amount of file extent data to hash before
	// writing the database.
	extentHashBatchSize string
	// dedupeBatchSize is the amount of file data to deduplicate before
	// writing the database and sleeping.
	dedupeBatchSize string
	// dedupeSleepTime is the number of seconds to sleep between
	// deduplication batches.
	dedupeSleepTime uint64
}

func init() {
	// Grab a handle for the command line flags.
	flags := dedupeCommand.Flags()

	// Manually add a help flag to override the default message. Cobra will
	// still implement its logic automatically.
	flags.BoolVarP(&dedupeConfiguration.help, "help", "h", false, "Show help information")

	// Wire up dedupe flags.
	flags.StringVar(
		&dedupeConfiguration.database, "database", "",
		"Database path to store metadata and hashes",
	)
	flags.StringVar(
		&dedupeConfiguration.minimumFileSize, "minimum-file-size", "1KiB",
		"Minimum file size to consider for deduplication",
	)
	flags.StringVar(
		&dedupeConfiguration.contentHashBatchSize, "content-hash-batch-size", "2GiB",
		"Amount of file contents data to hash before writing database",
	)
	flags.StringVar(
		&dedupeConfiguration.extentHashBatchSize, "extent-hash-batch-size", "8GiB",
		"Amount of file extent data to hash before writing database",
	)
	flags.StringVar(
		&dedupeConfiguration.dedupeBatchSize, "dedupe-batch-size", "64MiB",
		"Amount of file data to deduplicate before writing database and sleeping",
	)
	flags.Uint64Var(
		&dedupeConfiguration.dedupeSleepTime, "dedupe-sleep-time", 5,
		"Amount of time to sleep between deduplication batches",
	)
}
