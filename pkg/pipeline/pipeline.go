// Package pipeline orchestrates a full deduplication run: catalog load,
// filesystem scan, content and extent hashing, deduplication, and the
// persistence cadence between batches.
package pipeline

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/google/uuid"

	"github.com/pkg/errors"

	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/btrfs"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/catalog"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/dedupe"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/hashing"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/logging"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/paths"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/scanner"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/status"
)

// ErrCancelled indicates that the run was cancelled. Cancellation takes
// effect at batch boundaries, so the persisted catalog remains a valid
// recovery point.
var ErrCancelled = errors.New("run cancelled")

// Configuration encodes the parameters of a deduplication run.
type Configuration struct {
	// DatabasePath is the catalog database path. If empty, catalog state is
	// held in memory only.
	DatabasePath string
	// MinimumFileSize is the smallest file size considered for
	// deduplication.
	MinimumFileSize uint64
	// ContentHashBatchSize is the content hashing byte budget per batch.
	ContentHashBatchSize uint64
	// ExtentHashBatchSize is the extent hashing byte budget per batch.
	ExtentHashBatchSize uint64
	// DedupeBatchSize is the deduplication byte budget per batch.
	DedupeBatchSize uint64
	// DedupeSleepTime is the pause between deduplication batches.
	DedupeSleepTime time.Duration
	// Roots are the configured root paths, sorted in path order.
	Roots []*paths.Path
}

// btrfsOperator performs dedupe driver operations through the kernel ioctl
// surface.
type btrfsOperator struct{}

func (btrfsOperator) ShareRanges(source string, destinations []string) []error {
	return btrfs.DeduplicateFiles(source, destinations)
}

func (btrfsOperator) Defragment(path string) error {
	return btrfs.Defragment(path, 1, btrfs.CompressionLZO, true)
}

// Pipeline executes a full deduplication run. A Pipeline is single-use.
type Pipeline struct {
	// configuration is the run configuration.
	configuration *Configuration
	// interner is the path interner shared across the run.
	interner *paths.Interner
	// reporter receives progress information.
	reporter status.Reporter
	// logger is the run's logger.
	logger *logging.Logger
	// identifier is the run identifier used to distinguish overlapping
	// invocations in logs.
	identifier string
	// cancelled is closed when cancellation is requested.
	cancelled chan struct{}

	// Operator performs driver operations. It defaults to the kernel ioctl
	// surface and exists as a field so that tests can substitute it.
	Operator dedupe.Operator
	// ExtentMap queries extent maps. A nil value selects the kernel's FIEMAP
	// query. It exists as a field so that tests can substitute it.
	ExtentMap hashing.ExtentMapFunc
}

// New creates a pipeline for a single run.
func New(
	configuration *Configuration,
	interner *paths.Interner,
	reporter status.Reporter,
	logger *logging.Logger,
) *Pipeline {
	return &Pipeline{
		configuration: configuration,
		interner:      interner,
		reporter:      reporter,
		logger:        logger,
		identifier:    uuid.NewString(),
		cancelled:     make(chan struct{}),
		Operator:      btrfsOperator{},
	}
}

// Cancel requests cancellation. It is safe to invoke from a signal handler
// goroutine; the run stops at the next batch boundary.
func (p *Pipeline) Cancel() {
	select {
	case <-p.cancelled:
	default:
		close(p.cancelled)
	}
}

// checkCancelled polls for cancellation.
func (p *Pipeline) checkCancelled() error {
	select {
	case <-p.cancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// Run executes the full pipeline.
func (p *Pipeline) Run() error {
	p.logger.Debugf("beginning run %s", p.identifier)

	// Load the existing catalog.
	current, err := p.load()
	if err != nil {
		return err
	}

	// Merge with a fresh filesystem walk.
	current, _, err = scanner.Scan(
		p.configuration.Roots, current, p.interner, p.reporter,
	)
	if err != nil {
		return errors.Wrap(err, "scan failed")
	}

	// Persist the merged catalog before any hashing begins.
	if err := p.persist(current); err != nil {
		return err
	}

	// Bring content digests up to date.
	if err := p.hashContents(current); err != nil {
		return err
	}

	// Bring extent digests up to date.
	if err := p.hashExtents(current); err != nil {
		return err
	}

	// Plan and apply deduplication.
	if err := p.deduplicate(current); err != nil {
		return err
	}

	p.logger.Debugf("completed run %s", p.identifier)

	// Success.
	return nil
}

// load reads the catalog database, or creates an empty catalog when no
// database is configured or none exists yet.
func (p *Pipeline) load() (*catalog.Catalog, error) {
	if p.configuration.DatabasePath == "" {
		return catalog.NewBuilder().Build(), nil
	}

	p.reporter.Message(fmt.Sprintf(
		"Reading database from %s", p.configuration.DatabasePath,
	))
	loaded, err := catalog.Load(
		p.interner, p.configuration.Roots, p.configuration.DatabasePath,
	)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return catalog.NewBuilder().Build(), nil
		}
		return nil, errors.Wrap(err, "unable to read database")
	}
	return loaded, nil
}

// persist writes the catalog to the configured database path, if any.
func (p *Pipeline) persist(current *catalog.Catalog) error {
	if p.configuration.DatabasePath == "" {
		return nil
	}

	p.reporter.Status(fmt.Sprintf(
		"Writing database to %s", p.configuration.DatabasePath,
	))
	err := current.Save(p.configuration.DatabasePath, p.logger)
	p.reporter.ClearStatus()
	if err != nil {
		return errors.Wrap(err, "unable to write database")
	}
	return nil
}

// hashContents runs content hashing batches until no eligible records
// remain, persisting the catalog after every batch that made progress.
func (p *Pipeline) hashContents(current *catalog.Catalog) error {
	hasher := hashing.NewContentHasher(
		p.configuration.Roots, p.configuration.ContentHashBatchSize, current,
	)
	for {
		if err := p.checkCancelled(); err != nil {
			return err
		}

		hasher.HashBatch(p.reporter)
		if hasher.Remaining == 0 {
			break
		}

		p.reporter.Message(fmt.Sprintf(
			"Hashed contents of %d out of %d files, %d remaining",
			hasher.Updated+hasher.Errors,
			hasher.Updated+hasher.Errors+hasher.Remaining,
			hasher.Remaining,
		))
		if err := p.persist(current); err != nil {
			return err
		}
	}
	p.reporter.Message(fmt.Sprintf(
		"Hashed contents of %d files (%s) with %d errors, ignored %d with fresh hashes",
		hasher.Updated, humanize.Bytes(hasher.HashedBytes), hasher.Errors, hasher.Fresh,
	))
	if hasher.Updated > 0 {
		return p.persist(current)
	}
	return nil
}

// hashExtents runs extent hashing batches until no eligible records remain,
// persisting the catalog after every batch that made progress.
func (p *Pipeline) hashExtents(current *catalog.Catalog) error {
	hasher := hashing.NewExtentHasher(
		p.configuration.Roots, p.configuration.ExtentHashBatchSize, current, p.ExtentMap,
	)
	for {
		if err := p.checkCancelled(); err != nil {
			return err
		}

		hasher.HashBatch(p.reporter)
		if hasher.Remaining == 0 {
			break
		}

		p.reporter.Message(fmt.Sprintf(
			"Hashed extents of %d out of %d files, %d remaining",
			hasher.Updated+hasher.Errors,
			hasher.Updated+hasher.Errors+hasher.Remaining,
			hasher.Remaining,
		))
		if err := p.persist(current); err != nil {
			return err
		}
	}
	p.reporter.Message(fmt.Sprintf(
		"Hashed extents of %d files, %d errors, skipped %d",
		hasher.Updated, hasher.Errors, hasher.Fresh,
	))
	if hasher.Updated > 0 {
		return p.persist(current)
	}
	return nil
}

// deduplicate plans the dedupe mapping and applies it in bounded batches
// with a sleep between batches.
func (p *Pipeline) deduplicate(current *catalog.Catalog) error {
	mapping := dedupe.BuildMapping(
		current, p.configuration.Roots, p.configuration.MinimumFileSize, p.reporter,
	)

	driver := dedupe.NewDriver(
		p.configuration.Roots, p.configuration.DedupeBatchSize, current, p.Operator,
	)
	for {
		if err := p.checkCancelled(); err != nil {
			return err
		}

		driver.DedupeBatch(mapping, p.reporter)
		if driver.Remaining == 0 {
			break
		}

		p.reporter.Message(fmt.Sprintf(
			"Deduped %d out of %d files, %d remaining",
			driver.Updated+driver.Errors,
			driver.Updated+driver.Errors+driver.Remaining,
			driver.Remaining,
		))

		// Sleep between batches to moderate I/O pressure, but remain
		// responsive to cancellation. The catalog persists first either way,
		// so an interrupted run resumes from this batch's results.
		p.reporter.Status(fmt.Sprintf(
			"Sleeping for %d seconds", int(p.configuration.DedupeSleepTime.Seconds()),
		))
		interrupted := p.sleep()
		p.reporter.ClearStatus()
		if err := p.persist(current); err != nil {
			return err
		}
		if interrupted {
			return ErrCancelled
		}
	}
	p.reporter.Message(fmt.Sprintf(
		"Deduped %d files (%s) with %d errors, ignored %d already deduped",
		driver.Updated, humanize.Bytes(driver.SharedBytes), driver.Errors, driver.Fresh,
	))
	if driver.Updated > 0 {
		return p.persist(current)
	}
	return nil
}

// sleep pauses between dedupe batches, returning early (and reporting true)
// if the run is cancelled.
func (p *Pipeline) sleep() bool {
	timer := time.NewTimer(p.configuration.DedupeSleepTime)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-p.cancelled:
		return true
	}
}
