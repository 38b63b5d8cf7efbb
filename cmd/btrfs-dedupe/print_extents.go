package main

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/spf13/cobra"

	"github.com/wellbehavedsoftware/btrfs-dedupe/cmd"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/btrfs"
)

func printExtentsMain(command *cobra.Command, arguments []string) error {
	for _, argument := range arguments {
		// Canonicalize the path.
		path, err := canonicalize(argument)
		if err != nil {
			return errors.Wrapf(err, "unable to canonicalize path %s", argument)
		}

		// Query and print the extent map.
		extents, err := btrfs.ExtentMap(path)
		if err != nil {
			return errors.Wrapf(err, "unable to read extent map for %s", path)
		}
		fmt.Printf("Extents for %s\n", path)
		for _, extent := range extents {
			fmt.Printf(
				"  logical=%d physical=%d length=%d flags=%#x\n",
				extent.Logical, extent.Physical, extent.Length, extent.Flags,
			)
		}
	}

	// Success.
	return nil
}

var printExtentsCommand = &cobra.Command{
	Use:   "print-extents [file-path ...]",
	Short: "Print file extent information for the given files",
	Run:   cmd.Mainify(printExtentsMain),
}

var printExtentsConfiguration struct {
	// help indicates whether or not help information should be shown for the
	// command.
	help bool
}

func init() {
	// Grab a handle for the command line flags.
	flags := printExtentsCommand.Flags()

	// Manually add a help flag to override the default message. Cobra will
	// still implement its logic automatically.
	flags.BoolVarP(&printExtentsConfiguration.help, "help", "h", false, "Show help information")
}
